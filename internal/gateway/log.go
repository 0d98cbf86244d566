package gateway

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogGateway accepts every push and only logs it (for development)
type LogGateway struct {
	logger *zap.Logger
}

func NewLogGateway(logger *zap.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Name() string { return "log" }

func (g *LogGateway) Submit(ctx context.Context, token string, p *Payload) (Result, error) {
	id := uuid.NewString()
	g.logger.Info("push sent",
		zap.String("message_id", id),
		zap.String("title", p.Title),
		zap.ByteString("payload", p.Document),
	)
	return Success(id), nil
}
