package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/pushline/internal/gateway"
)

// ProtectedGateway puts a CircuitBreaker in front of a gateway.Gateway. While
// the circuit is open Submit returns ErrCircuitOpen without calling the
// provider; the engine treats that like any other transient failure.
//
// Rejections that only say the token is invalid count as successes: the
// provider answered, so it is healthy.
type ProtectedGateway struct {
	gw      gateway.Gateway
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedGateway wraps gw with breaker protection.
func NewProtectedGateway(gw gateway.Gateway, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedGateway {
	return &ProtectedGateway{
		gw:      gw,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedGateway) Name() string { return p.gw.Name() }

func (p *ProtectedGateway) Submit(ctx context.Context, token string, payload *gateway.Payload) (gateway.Result, error) {
	gen, err := p.breaker.Acquire()
	if err != nil {
		p.logger.Warn("circuit breaker rejected push",
			zap.String("breaker", p.breaker.Name()),
			zap.Duration("retry_after", p.breaker.RetryAfter()),
		)
		return gateway.Result{}, err
	}

	res, err := p.gw.Submit(ctx, token, payload)
	healthy := err == nil && (res.OK || gateway.IsInvalidTokenReason(res.Reason))
	p.breaker.Report(gen, healthy)
	if !healthy {
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.Name()),
			zap.String("reason", res.Reason),
			zap.Error(err),
		)
	}
	return res, err
}
