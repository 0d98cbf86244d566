package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker position.
//
//	closed    -> open:      ConsecutiveFailures reaches MaxFailures
//	open      -> half-open: RecoveryTimeout has passed since the circuit opened
//	half-open -> closed:    a trial request reports healthy
//	half-open -> open:      a trial request reports unhealthy
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Acquire while the provider is considered down.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	// Name identifies the protected push provider, e.g. "apns".
	Name string

	MaxFailures     int
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests caps concurrent trial requests while half-open.
	HalfOpenMaxRequests int

	// OnStateChange runs after every transition with the breaker lock held.
	// It must not call back into the breaker.
	OnStateChange func(name string, to State)
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Counts are cumulative since the breaker was created.
type Counts struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Rejected  int64 `json:"rejected"`
	// Stale counts reports for permits issued before the last transition.
	Stale int64 `json:"stale"`
}

// CircuitBreaker stops delivery workers from calling a push provider that is
// failing, so jobs are retried later instead of each waiting out a timeout.
//
// Every permit carries the generation it was issued in. The generation moves
// on with each state change, and a report from an older generation is counted
// but cannot move the breaker: a slow request started before the circuit
// opened must not close it again.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state       State
	generation  uint64
	consecutive int
	trials      int
	openedAt    time.Time
	changedAt   time.Time
	lastFailure time.Time
	counts      Counts
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}

	cb := &CircuitBreaker{
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
	cb.changedAt = cb.now()

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Acquire asks for permission to call the provider. On success the returned
// generation must be passed to exactly one Report.
func (cb *CircuitBreaker) Acquire() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.Requests++
	now := cb.now()

	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
		cb.setState(StateHalfOpen, now)
		cb.logger.Info("circuit breaker admitting trial requests", zap.String("name", cb.config.Name))
	}

	switch cb.state {
	case StateClosed:
		return cb.generation, nil
	case StateHalfOpen:
		if cb.trials < cb.config.HalfOpenMaxRequests {
			cb.trials++
			return cb.generation, nil
		}
	}

	cb.counts.Rejected++
	return 0, fmt.Errorf("%w: %s, retry in %s", ErrCircuitOpen, cb.config.Name, cb.retryAfter(now).Round(time.Second))
}

// Report settles a permit. healthy means the provider answered normally,
// whether or not it accepted the notification.
func (cb *CircuitBreaker) Report(generation uint64, healthy bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if healthy {
		cb.counts.Successes++
	} else {
		cb.counts.Failures++
		cb.lastFailure = now
	}

	if generation != cb.generation {
		cb.counts.Stale++
		return
	}

	switch cb.state {
	case StateClosed:
		if healthy {
			cb.consecutive = 0
			return
		}
		cb.consecutive++
		if cb.consecutive >= cb.config.MaxFailures {
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.config.Name),
				zap.Int("consecutive_failures", cb.consecutive),
			)
			cb.setState(StateOpen, now)
		}

	case StateHalfOpen:
		if healthy {
			cb.logger.Info("circuit breaker closed, provider recovered", zap.String("name", cb.config.Name))
			cb.setState(StateClosed, now)
			return
		}
		cb.logger.Warn("circuit breaker re-opened, trial request failed", zap.String("name", cb.config.Name))
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RetryAfter is how long until an open circuit admits a trial request; zero
// when requests are currently allowed.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.retryAfter(cb.now())
}

func (cb *CircuitBreaker) retryAfter(now time.Time) time.Duration {
	if cb.state != StateOpen {
		return 0
	}
	return max(cb.openedAt.Add(cb.config.RecoveryTimeout).Sub(now), 0)
}

// Stats is a snapshot for the ops endpoint.
type Stats struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	Generation          uint64 `json:"generation"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Counts              Counts `json:"counts"`
	LastFailure         string `json:"last_failure,omitempty"`
	LastStateChange     string `json:"last_state_change"`
	RetryAfterSeconds   int64  `json:"retry_after_seconds,omitempty"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:                cb.config.Name,
		State:               cb.state.String(),
		Generation:          cb.generation,
		ConsecutiveFailures: cb.consecutive,
		Counts:              cb.counts,
		LastStateChange:     cb.changedAt.Format(time.RFC3339),
		RetryAfterSeconds:   int64(cb.retryAfter(cb.now()).Seconds()),
	}
	if !cb.lastFailure.IsZero() {
		s.LastFailure = cb.lastFailure.Format(time.RFC3339)
	}
	return s
}

// Reset forces the breaker closed and invalidates outstanding permits.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed, cb.now())
	cb.generation++
	cb.consecutive = 0
	cb.logger.Info("circuit breaker reset", zap.String("name", cb.config.Name))
}

// setState moves to a new state and starts a new generation. Caller holds
// the lock.
func (cb *CircuitBreaker) setState(to State, now time.Time) {
	if cb.state == to {
		return
	}

	from := cb.state
	cb.state = to
	cb.generation++
	cb.changedAt = now
	cb.trials = 0
	cb.consecutive = 0
	if to == StateOpen {
		cb.openedAt = now
	}

	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.config.Name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Uint64("generation", cb.generation),
	)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, to)
	}
}
