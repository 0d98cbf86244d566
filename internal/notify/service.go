package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushline/internal/db"
	"github.com/lalithlochan/pushline/internal/gateway"
	"github.com/lalithlochan/pushline/internal/metrics"
	"github.com/lalithlochan/pushline/internal/queue"
	"github.com/lalithlochan/pushline/internal/redis"
)

// MaxBulkTokens caps one CreateBulk call.
const MaxBulkTokens = 1000

var (
	// ErrInvalidRequest wraps every validation failure.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrRateLimited is returned when a device token exceeds its submission rate.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Store is the persistence the service needs.
type Store interface {
	GetOrCreateDevice(ctx context.Context, token string, platform db.Platform) (*db.Device, bool, error)
	CreateNotifications(ctx context.Context, ns []*db.Notification) error
	MarkQueued(ctx context.Context, id uuid.UUID) (bool, error)
	CountByStatus(ctx context.Context) (map[db.Status]int64, error)
}

// Idempotency deduplicates submissions by caller key.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, key string, result *redis.IdempotencyResult) error
	Release(ctx context.Context, key string) error
}

// Limiter admits or rejects one submission for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// Request describes one notification to create.
type Request struct {
	Token       string
	Platform    db.Platform
	Title       string
	Body        string
	Badge       *int
	Sound       string
	Category    *string
	ThreadID    *string
	Data        map[string]any
	Priority    db.Priority
	Expiration  *time.Time
	ScheduledAt *time.Time
	MaxRetries  *int
	// IdempotencyKey, if set, makes repeated submissions return the first result.
	IdempotencyKey string
}

// Result lists the created job ids.
type Result struct {
	IDs []uuid.UUID
	// Replayed is true when the ids come from an earlier submission with the
	// same idempotency key.
	Replayed bool
}

// Stats is a per-status job count.
type Stats struct {
	Counts map[db.Status]int64
	Total  int64
}

// Service creates notification jobs and hands due ones to the queue.
type Service struct {
	store       Store
	producer    queue.Producer
	idempotency Idempotency // nil disables idempotency keys
	limiter     Limiter     // nil disables rate limiting
	logger      *zap.Logger
	now         func() time.Time
}

func NewService(store Store, producer queue.Producer, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		producer: producer,
		logger:   logger,
		now:      time.Now,
	}
}

// WithIdempotency enables idempotency keys.
func (s *Service) WithIdempotency(idem Idempotency) *Service {
	s.idempotency = idem
	return s
}

// WithRateLimiter enables per-device rate limiting on Create.
func (s *Service) WithRateLimiter(l Limiter) *Service {
	s.limiter = l
	return s
}

// Create validates req and creates one job for req.Token.
func (s *Service) Create(ctx context.Context, req Request) (*Result, error) {
	req.Token = strings.TrimSpace(req.Token)
	if err := validateToken(req.Token); err != nil {
		return nil, err
	}
	if err := validate(&req); err != nil {
		return nil, err
	}

	replay, err := s.reserve(ctx, req.IdempotencyKey)
	if replay != nil || err != nil {
		return replay, err
	}

	if err := s.allow(ctx, req.Token); err != nil {
		s.release(ctx, req.IdempotencyKey)
		return nil, err
	}

	return s.create(ctx, []string{req.Token}, req)
}

// CreateBulk creates one job per token with the same content. Rate limiting
// does not apply; the token count is capped at MaxBulkTokens.
func (s *Service) CreateBulk(ctx context.Context, tokens []string, req Request) (*Result, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: at least one device token is required", ErrInvalidRequest)
	}
	if len(tokens) > MaxBulkTokens {
		return nil, fmt.Errorf("%w: cannot send to more than %d devices at once", ErrInvalidRequest, MaxBulkTokens)
	}

	cleaned := make([]string, len(tokens))
	for i, t := range tokens {
		cleaned[i] = strings.TrimSpace(t)
		if err := validateToken(cleaned[i]); err != nil {
			return nil, fmt.Errorf("token %d: %w", i, err)
		}
	}
	if err := validate(&req); err != nil {
		return nil, err
	}

	replay, err := s.reserve(ctx, req.IdempotencyKey)
	if replay != nil || err != nil {
		return replay, err
	}

	return s.create(ctx, cleaned, req)
}

// Stats returns the number of jobs in each status.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count notifications: %w", err)
	}

	st := &Stats{Counts: counts}
	for _, c := range counts {
		st.Total += c
	}
	return st, nil
}

func (s *Service) create(ctx context.Context, tokens []string, req Request) (*Result, error) {
	jobs := make([]*db.Notification, 0, len(tokens))
	for _, token := range tokens {
		dev, _, err := s.store.GetOrCreateDevice(ctx, token, req.Platform)
		if err != nil {
			s.release(ctx, req.IdempotencyKey)
			return nil, fmt.Errorf("register device: %w", err)
		}
		jobs = append(jobs, s.newJob(dev, req))
	}

	if err := s.store.CreateNotifications(ctx, jobs); err != nil {
		s.release(ctx, req.IdempotencyKey)
		return nil, fmt.Errorf("create notifications: %w", err)
	}

	res := &Result{IDs: make([]uuid.UUID, len(jobs))}
	now := s.now()
	for i, n := range jobs {
		res.IDs[i] = n.ID
		if n.ScheduledAt.After(now) {
			continue
		}
		s.enqueue(ctx, n)
	}

	if req.IdempotencyKey != "" && s.idempotency != nil {
		ids := make([]string, len(res.IDs))
		for i, id := range res.IDs {
			ids[i] = id.String()
		}
		err := s.idempotency.Store(ctx, req.IdempotencyKey, &redis.IdempotencyResult{NotificationIDs: ids})
		if err != nil {
			s.logger.Warn("failed to store idempotency result",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("notifications submitted", zap.Int("count", len(jobs)))
	return res, nil
}

// enqueue hands a due job to the queue. A job whose enqueue fails stays
// pending and is picked up by the dispatcher.
func (s *Service) enqueue(ctx context.Context, n *db.Notification) {
	log := s.logger.With(zap.String("notification_id", n.ID.String()))

	if err := s.producer.Enqueue(ctx, queue.NewMessage(n)); err != nil {
		log.Error("failed to enqueue notification, leaving it to the dispatcher", zap.Error(err))
		return
	}
	metrics.RecordEnqueued("submit")

	if _, err := s.store.MarkQueued(ctx, n.ID); err != nil {
		log.Warn("failed to mark notification queued", zap.Error(err))
	}
}

func (s *Service) newJob(dev *db.Device, req Request) *db.Notification {
	now := s.now()
	scheduled := now
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		scheduled = *req.ScheduledAt
	}
	maxRetries := db.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	devID := dev.ID

	return &db.Notification{
		ID:          uuid.New(),
		DeviceID:    &devID,
		DeviceToken: dev.Token,
		Title:       req.Title,
		Body:        req.Body,
		Badge:       req.Badge,
		Sound:       req.Sound,
		Category:    req.Category,
		ThreadID:    req.ThreadID,
		Data:        req.Data,
		Priority:    req.Priority,
		Expiration:  req.Expiration,
		Status:      db.StatusPending,
		MaxRetries:  maxRetries,
		ScheduledAt: scheduled,
	}
}

// reserve claims the idempotency key. A non-nil Result is a replay of an
// earlier submission. Redis being unavailable does not block submissions.
func (s *Service) reserve(ctx context.Context, key string) (*Result, error) {
	if key == "" || s.idempotency == nil {
		return nil, nil
	}

	cached, err := s.idempotency.CheckOrReserve(ctx, key)
	if errors.Is(err, redis.ErrDuplicateRequest) {
		return nil, err
	}
	if err != nil {
		s.logger.Warn("idempotency check failed, proceeding",
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
		return nil, nil
	}
	if cached == nil {
		return nil, nil
	}

	metrics.RecordIdempotencyHit()
	res := &Result{Replayed: true}
	for _, raw := range cached.NotificationIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("cached idempotency result: %w", err)
		}
		res.IDs = append(res.IDs, id)
	}
	return res, nil
}

func (s *Service) release(ctx context.Context, key string) {
	if key == "" || s.idempotency == nil {
		return
	}
	if err := s.idempotency.Release(ctx, key); err != nil {
		s.logger.Warn("failed to release idempotency key",
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
	}
}

func (s *Service) allow(ctx context.Context, token string) error {
	if s.limiter == nil {
		return nil
	}

	res, err := s.limiter.Allow(ctx, "device:"+token)
	if err != nil {
		s.logger.Warn("rate limit check failed, proceeding", zap.Error(err))
		return nil
	}
	if !res.Allowed {
		metrics.RecordRateLimitRejection()
		return fmt.Errorf("%w: retry after %s", ErrRateLimited, res.ResetAt.Format(time.RFC3339))
	}
	return nil
}

func validateToken(token string) error {
	if len(token) < 10 {
		return fmt.Errorf("%w: device token is invalid", ErrInvalidRequest)
	}
	if len(token) > 255 {
		return fmt.Errorf("%w: device token is longer than 255 characters", ErrInvalidRequest)
	}
	return nil
}

// validate checks req and fills in defaults.
func validate(req *Request) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrInvalidRequest}, args...)...)
	}

	if req.Title == "" {
		return invalid("title is required")
	}
	if utf8.RuneCountInString(req.Title) > 255 {
		return invalid("title is longer than 255 characters")
	}
	if req.Body == "" {
		return invalid("body is required")
	}

	if req.Sound == "" {
		req.Sound = db.DefaultSound
	}
	if utf8.RuneCountInString(req.Sound) > 50 {
		return invalid("sound is longer than 50 characters")
	}
	if req.Category != nil && utf8.RuneCountInString(*req.Category) > 50 {
		return invalid("category is longer than 50 characters")
	}
	if req.ThreadID != nil && utf8.RuneCountInString(*req.ThreadID) > 100 {
		return invalid("thread id is longer than 100 characters")
	}
	if req.Badge != nil && *req.Badge < 0 {
		return invalid("badge must be >= 0")
	}

	if req.Priority == "" {
		req.Priority = db.PriorityNormal
	}
	if !req.Priority.Valid() {
		return invalid("priority must be normal or high")
	}
	if req.Platform == "" {
		req.Platform = db.PlatformIOS
	}
	if !req.Platform.Valid() {
		return invalid("platform must be ios or android")
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return invalid("max retries must be >= 0")
	}

	// Build the payload once so reserved keys and oversized documents are
	// rejected here rather than failing at delivery.
	_, err := gateway.BuildPayload(&db.Notification{
		Title:    req.Title,
		Body:     req.Body,
		Badge:    req.Badge,
		Sound:    req.Sound,
		Category: req.Category,
		ThreadID: req.ThreadID,
		Data:     req.Data,
		Priority: req.Priority,
	})
	if err != nil {
		return invalid("%v", err)
	}
	return nil
}
