package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a notification or device does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional update loses to a concurrent writer.
	ErrConflict = errors.New("version conflict")
)

// Repository handles database operations for notifications and devices
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `
	id, device_id, device_token,
	title, body, badge, sound, category, thread_id, data,
	priority, expiration,
	status, retry_count, max_retries, error_message, scheduled_at, sent_at, gateway_message_id,
	version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID, &n.DeviceID, &n.DeviceToken,
		&n.Title, &n.Body, &n.Badge, &n.Sound, &n.Category, &n.ThreadID, &n.Data,
		&n.Priority, &n.Expiration,
		&n.Status, &n.RetryCount, &n.MaxRetries, &n.ErrorMessage, &n.ScheduledAt, &n.SentAt, &n.GatewayMessageID,
		&n.Version, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotifications inserts all jobs in one transaction. ID is assigned
// when unset; Version and timestamps are filled in on success.
func (r *Repository) CreateNotifications(ctx context.Context, ns []*Notification) error {
	if len(ns) == 0 {
		return nil
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, n := range ns {
		if n.ID == uuid.Nil {
			n.ID = uuid.New()
		}
		batch.Queue(insertNotificationSQL, insertArgs(n)...)
	}

	results := tx.SendBatch(ctx, batch)
	for _, n := range ns {
		if err := results.QueryRow().Scan(&n.Version, &n.CreatedAt, &n.UpdatedAt); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert notification %s: %w", n.ID, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("notifications created", zap.Int("count", len(ns)))
	return nil
}

const insertNotificationSQL = `
	INSERT INTO notifications (
		id, device_id, device_token,
		title, body, badge, sound, category, thread_id, data,
		priority, expiration,
		status, retry_count, max_retries, scheduled_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
	)
	RETURNING version, created_at, updated_at`

func insertArgs(n *Notification) []any {
	data := n.Data
	if data == nil {
		data = map[string]any{}
	}
	return []any{
		n.ID, n.DeviceID, n.DeviceToken,
		n.Title, n.Body, n.Badge, n.Sound, n.Category, n.ThreadID, data,
		n.Priority, n.Expiration,
		n.Status, n.RetryCount, n.MaxRetries, n.ScheduledAt,
	}
}

// GetNotification loads a job by id.
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// UpdateNotification writes the mutable fields of n if its Version still
// matches the stored row, and applies change to the target device in the
// same transaction. On success n.Version and n.UpdatedAt reflect the new row.
// A version mismatch returns ErrConflict and leaves the row untouched.
func (r *Repository) UpdateNotification(ctx context.Context, n *Notification, change *DeviceChange) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		UPDATE notifications
		SET status = $1,
		    retry_count = $2,
		    error_message = $3,
		    scheduled_at = $4,
		    sent_at = $5,
		    gateway_message_id = $6,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $7 AND version = $8
		RETURNING version, updated_at`

	err = tx.QueryRow(ctx, query,
		n.Status, n.RetryCount, n.ErrorMessage, n.ScheduledAt, n.SentAt, n.GatewayMessageID,
		n.ID, n.Version,
	).Scan(&n.Version, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("notification %s at version %d: %w", n.ID, n.Version, ErrConflict)
	}
	if err != nil {
		r.logger.Error("failed to update notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
			zap.String("status", string(n.Status)),
		)
		return fmt.Errorf("update notification: %w", err)
	}

	if change != nil {
		if err := applyDeviceChange(ctx, tx, n.DeviceID, change); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// MarkQueued records that a job has been handed to the work queue. Jobs that
// have moved past pending/queued are left alone and false is returned.
func (r *Repository) MarkQueued(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE notifications
		SET status = 'queued', version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'queued')`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("mark queued: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// FailStuck moves every job that has been sending since before cutoff to
// failed with the given reason, in a single statement.
func (r *Repository) FailStuck(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	query := `
		UPDATE notifications
		SET status = 'failed', error_message = $1, version = version + 1, updated_at = NOW()
		WHERE status = 'sending' AND updated_at < $2`

	result, err := r.db.Pool().Exec(ctx, query, reason, cutoff)
	if err != nil {
		r.logger.Error("failed to fail stuck notifications", zap.Error(err))
		return 0, fmt.Errorf("fail stuck notifications: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListDispatchable returns jobs that are due but not known to be in the
// queue: pending jobs due by now and untouched since pendingBefore, and
// queued jobs that were due and untouched since queuedBefore.
func (r *Repository) ListDispatchable(
	ctx context.Context,
	now, pendingBefore, queuedBefore time.Time,
	limit int,
) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE (status = 'pending' AND scheduled_at <= $1 AND updated_at < $2)
		   OR (status = 'queued' AND scheduled_at < $3 AND updated_at < $3)
		ORDER BY scheduled_at ASC
		LIMIT $4`

	rows, err := r.db.Pool().Query(ctx, query, now, pendingBefore, queuedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query dispatchable: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// CountByStatus aggregates job counts per status. Every status is present in
// the result, zero when no job has it.
func (r *Repository) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	query := `SELECT status, COUNT(*) FROM notifications GROUP BY status`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var (
			s Status
			c int64
		)
		if err := rows.Scan(&s, &c); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[s] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return counts, nil
}
