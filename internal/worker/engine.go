package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushline/internal/db"
	"github.com/lalithlochan/pushline/internal/gateway"
	"github.com/lalithlochan/pushline/internal/metrics"
)

// StuckReason is the error message the reaper records.
const StuckReason = "timeout: stuck in sending"

// Repository is the job store used by the engine, consumer, dispatcher and reaper.
type Repository interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	UpdateNotification(ctx context.Context, n *db.Notification, change *db.DeviceChange) error
	MarkQueued(ctx context.Context, id uuid.UUID) (bool, error)
	FailStuck(ctx context.Context, cutoff time.Time, reason string) (int64, error)
	ListDispatchable(ctx context.Context, now, pendingBefore, queuedBefore time.Time, limit int) ([]*db.Notification, error)
	CountByStatus(ctx context.Context) (map[db.Status]int64, error)
}

// Engine runs the delivery state machine for one job at a time. It holds no
// per-job state and is safe for concurrent use.
type Engine struct {
	repo   Repository
	gw     gateway.Gateway
	retry  RetryPolicy
	logger *zap.Logger
	now    func() time.Time
}

func NewEngine(repo Repository, gw gateway.Gateway, retry RetryPolicy, logger *zap.Logger) *Engine {
	return &Engine{
		repo:   repo,
		gw:     gw,
		retry:  retry,
		logger: logger,
		now:    time.Now,
	}
}

// claimAttempts bounds how often Deliver re-reads a job whose claim lost the
// version check while the job stayed deliverable.
const claimAttempts = 3

// claimBackoff is the redelivery delay when every claim attempt conflicted.
const claimBackoff = time.Second

// Deliver attempts to send job id once and persists the resulting state.
// Expected results, including gateway failures, are reported as an Outcome;
// an error means the store could not be read or written.
func (e *Engine) Deliver(ctx context.Context, id uuid.UUID) (Outcome, error) {
	log := e.logger.With(zap.String("notification_id", id.String()))

	for attempt := 1; ; attempt++ {
		n, out, err := e.load(ctx, id)
		if out != nil || err != nil {
			return out, err
		}

		if err := e.transition(n, db.StatusSending); err != nil {
			return nil, err
		}
		err = e.repo.UpdateNotification(ctx, n, nil)
		if err == nil {
			return e.attempt(ctx, n)
		}
		if !errors.Is(err, db.ErrConflict) {
			return nil, fmt.Errorf("claim notification: %w", err)
		}

		// A pending or queued job touched by MarkQueued is still ours to
		// send; the reload on the next pass decides.
		metrics.RecordVersionConflict("claim")
		if attempt == claimAttempts {
			log.Warn("claim kept conflicting, redelivering later", zap.Int("attempts", attempt))
			return RetryNeeded{Delay: claimBackoff}, nil
		}
	}
}

// load reads the job and returns a final outcome for jobs that cannot be
// claimed now.
func (e *Engine) load(ctx context.Context, id uuid.UUID) (*db.Notification, Outcome, error) {
	n, err := e.repo.GetNotification(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		e.logger.Warn("notification not found", zap.String("notification_id", id.String()))
		return nil, NotFound{}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load notification: %w", err)
	}

	if n.Status.IsTerminal() || n.Status == db.StatusSending {
		e.logger.Debug("skipping notification",
			zap.String("notification_id", id.String()),
			zap.String("status", string(n.Status)),
		)
		return nil, Skipped{Status: n.Status}, nil
	}

	if now := e.now(); n.ScheduledAt.After(now) {
		return nil, RetryNeeded{Delay: n.ScheduledAt.Sub(now)}, nil
	}
	return n, nil, nil
}

// attempt runs a claimed job through the gateway. The job is now visible to
// the reaper as in flight, so everything here persists a final state even if
// ctx is cancelled.
func (e *Engine) attempt(ctx context.Context, n *db.Notification) (Outcome, error) {
	wctx := context.WithoutCancel(ctx)

	if n.Expiration != nil && !n.Expiration.After(e.now()) {
		return e.fail(wctx, n, "expired before delivery")
	}

	payload, err := gateway.BuildPayload(n)
	if err != nil {
		return e.fail(wctx, n, "invalid payload: "+err.Error())
	}

	res := e.submit(ctx, n, payload)

	switch {
	case res.OK:
		return e.markSent(wctx, n, res.MessageID)
	case gateway.IsInvalidTokenReason(res.Reason):
		return e.markInvalidToken(wctx, n, res.Reason)
	default:
		return e.retryOrFail(wctx, n, res.Reason)
	}
}

func (e *Engine) submit(ctx context.Context, n *db.Notification, p *gateway.Payload) gateway.Result {
	start := time.Now()
	res, err := e.gw.Submit(ctx, n.DeviceToken, p)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		metrics.RecordGatewayRequest(e.gw.Name(), "error", elapsed)
		e.logger.Warn("gateway request failed",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
		return gateway.Failure(err.Error())
	case res.OK:
		metrics.RecordGatewayRequest(e.gw.Name(), "success", elapsed)
	default:
		metrics.RecordGatewayRequest(e.gw.Name(), "rejected", elapsed)
	}
	return res
}

func (e *Engine) markSent(ctx context.Context, n *db.Notification, messageID string) (Outcome, error) {
	if err := e.transition(n, db.StatusSent); err != nil {
		return nil, err
	}
	now := e.now()
	n.SentAt = &now
	n.ErrorMessage = nil
	if messageID != "" {
		n.GatewayMessageID = &messageID
	}

	out, err := e.finish(ctx, n, &db.DeviceChange{NotifiedAt: &now}, Sent{MessageID: messageID})
	if _, ok := out.(Sent); ok {
		metrics.RecordDeliveryLatency(now.Sub(n.CreatedAt))
	}
	return out, err
}

func (e *Engine) markInvalidToken(ctx context.Context, n *db.Notification, reason string) (Outcome, error) {
	if err := e.transition(n, db.StatusInvalidToken); err != nil {
		return nil, err
	}
	n.ErrorMessage = &reason

	return e.finish(ctx, n, &db.DeviceChange{Deactivate: true}, InvalidToken{Reason: reason})
}

func (e *Engine) retryOrFail(ctx context.Context, n *db.Notification, reason string) (Outcome, error) {
	if n.RetryCount >= n.MaxRetries {
		return e.fail(ctx, n, "max retries exceeded: "+reason)
	}

	if err := e.transition(n, db.StatusPending); err != nil {
		return nil, err
	}
	n.RetryCount++
	n.ErrorMessage = &reason
	delay := e.retry.Delay(n.RetryCount)

	return e.finish(ctx, n, nil, RetryNeeded{Delay: delay})
}

func (e *Engine) fail(ctx context.Context, n *db.Notification, message string) (Outcome, error) {
	if err := e.transition(n, db.StatusFailed); err != nil {
		return nil, err
	}
	n.ErrorMessage = &message

	return e.finish(ctx, n, nil, Failed{Reason: message})
}

// finish persists the final state of an attempt. Losing the version check
// means another writer, normally the reaper, already settled the job; its
// state stands and the attempt reports what it observed.
func (e *Engine) finish(ctx context.Context, n *db.Notification, change *db.DeviceChange, out Outcome) (Outcome, error) {
	if err := e.repo.UpdateNotification(ctx, n, change); err != nil {
		if errors.Is(err, db.ErrConflict) {
			return e.lost(ctx, n.ID, "final")
		}
		return nil, fmt.Errorf("persist %s: %w", out.Kind(), err)
	}

	e.logger.Info("delivery attempt finished",
		zap.String("notification_id", n.ID.String()),
		zap.String("outcome", out.Kind()),
		zap.String("status", string(n.Status)),
		zap.Int("retry_count", n.RetryCount),
		zap.Stringp("reason", n.ErrorMessage),
	)
	return out, nil
}

// lost reloads a job after a version conflict and reports it as skipped.
func (e *Engine) lost(ctx context.Context, id uuid.UUID, stage string) (Outcome, error) {
	metrics.RecordVersionConflict(stage)

	current, err := e.repo.GetNotification(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return NotFound{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reload notification after conflict: %w", err)
	}

	e.logger.Warn("notification changed concurrently",
		zap.String("notification_id", id.String()),
		zap.String("stage", stage),
		zap.String("status", string(current.Status)),
	)
	return Skipped{Status: current.Status}, nil
}

func (e *Engine) transition(n *db.Notification, to db.Status) error {
	if !db.CanTransition(n.Status, to) {
		return fmt.Errorf("notification %s: illegal transition %s -> %s", n.ID, n.Status, to)
	}
	n.Status = to
	return nil
}
