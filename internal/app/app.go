// Package app builds the components shared by the pushd and pushctl binaries
// from configuration.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/pushline/internal/circuitbreaker"
	"github.com/lalithlochan/pushline/internal/config"
	"github.com/lalithlochan/pushline/internal/db"
	"github.com/lalithlochan/pushline/internal/gateway"
	"github.com/lalithlochan/pushline/internal/metrics"
	"github.com/lalithlochan/pushline/internal/queue"
	"github.com/lalithlochan/pushline/internal/redis"
	"github.com/lalithlochan/pushline/internal/sqs"
	"github.com/lalithlochan/pushline/internal/worker"
)

// DBConfig maps cfg onto the Postgres connection settings.
func DBConfig(cfg *config.Config) db.Config {
	return db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: cfg.DBMaxConns,

		ConnectAttempts: cfg.ConnectAttempts,
		ConnectBackoff:  cfg.ConnectBackoff,
	}
}

// RedisConfig maps cfg onto the Redis connection settings.
func RedisConfig(cfg *config.Config) redis.Config {
	return redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,

		ConnectAttempts: cfg.ConnectAttempts,
		ConnectBackoff:  cfg.ConnectBackoff,
	}
}

// RetryPolicy maps cfg onto the delivery retry policy.
func RetryPolicy(cfg *config.Config) worker.RetryPolicy {
	return worker.RetryPolicy{
		Initial:    cfg.RetryInitial,
		Max:        cfg.RetryMax,
		Multiplier: cfg.RetryMultiplier,
		Jitter:     cfg.RetryJitter,
	}
}

// Queue is the configured work queue. Scheduler is non-nil for drivers that
// need a background loop to release delayed messages; Depth is non-nil for
// drivers that can count their messages.
type Queue struct {
	queue.Queue
	Scheduler func(ctx context.Context) error
	Depth     worker.QueueDepth
}

// OpenQueue builds the driver selected by QUEUE_DRIVER. rc is required for
// the redis driver and ignored otherwise.
func OpenQueue(ctx context.Context, cfg *config.Config, rc *redis.Client, logger *zap.Logger) (*Queue, error) {
	switch cfg.QueueDriver {
	case config.QueueDriverRedis:
		if rc == nil {
			return nil, fmt.Errorf("queue driver %q needs a redis connection", cfg.QueueDriver)
		}
		q := redis.NewQueue(rc, redis.QueueConfig{Prefix: cfg.RedisQueuePrefix}, logger)
		return &Queue{Queue: q, Scheduler: q.RunScheduler, Depth: q}, nil

	case config.QueueDriverSQS:
		q, err := sqs.New(ctx, sqs.Config{
			Region:            cfg.AWSRegion,
			QueueURL:          cfg.SQSQueueURL,
			Endpoint:          cfg.SQSEndpoint,
			WaitTime:          cfg.SQSWaitTime,
			VisibilityTimeout: cfg.SQSVisibility,
		}, logger)
		if err != nil {
			return nil, err
		}
		return &Queue{Queue: q}, nil

	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
	}
}

// OpenGateway builds the driver selected by GATEWAY_DRIVER behind a circuit
// breaker whose state is exported as a metric.
func OpenGateway(ctx context.Context, cfg *config.Config, logger *zap.Logger) (gateway.Gateway, *circuitbreaker.CircuitBreaker, error) {
	var gw gateway.Gateway

	switch cfg.GatewayDriver {
	case config.GatewayDriverAPNS:
		gw = gateway.NewAPNSGateway(gateway.APNSConfig{
			Endpoint:  cfg.APNSEndpoint,
			Sandbox:   cfg.APNSSandbox,
			Topic:     cfg.APNSTopic,
			AuthToken: cfg.APNSAuthToken,
			Timeout:   cfg.APNSTimeout,
		}, logger)

	case config.GatewayDriverSNS:
		g, err := gateway.NewSNSGateway(ctx, gateway.SNSConfig{
			Region:                 cfg.SNSRegion,
			PlatformApplicationARN: cfg.SNSPlatformARN,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		gw = g

	case config.GatewayDriverLog:
		gw = gateway.NewLogGateway(logger)

	default:
		return nil, nil, fmt.Errorf("unknown gateway driver %q", cfg.GatewayDriver)
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:            gw.Name(),
		MaxFailures:     cfg.BreakerFailures,
		RecoveryTimeout: cfg.BreakerRecovery,
		OnStateChange: func(name string, to circuitbreaker.State) {
			metrics.SetBreakerState(name, int(to))
		},
	}, logger)
	metrics.SetBreakerState(gw.Name(), int(circuitbreaker.StateClosed))

	return circuitbreaker.NewProtectedGateway(gw, breaker, logger), breaker, nil
}
