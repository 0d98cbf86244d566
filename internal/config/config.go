package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	QueueDriverSQS   = "sqs"
	QueueDriverRedis = "redis"

	GatewayDriverAPNS = "apns"
	GatewayDriverSNS  = "sns"
	GatewayDriverLog  = "log"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Env      string `env:"ENV" envDefault:"development"`

	// ConnectAttempts and ConnectBackoff govern the startup pings of
	// Postgres and Redis.
	ConnectAttempts int           `env:"CONNECT_ATTEMPTS" envDefault:"5"`
	ConnectBackoff  time.Duration `env:"CONNECT_BACKOFF" envDefault:"1s"`

	// Database
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"pushline"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME" envDefault:"pushline"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	DBMaxConns int32  `env:"DB_MAX_CONNS" envDefault:"10"`

	// Redis backs the redis queue driver, idempotency keys and rate limits.
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"10"`

	// Work queue
	QueueDriver      string        `env:"QUEUE_DRIVER" envDefault:"redis"`
	RedisQueuePrefix string        `env:"REDIS_QUEUE_PREFIX" envDefault:"pushline:queue"`
	AWSRegion        string        `env:"AWS_REGION" envDefault:"us-east-1"`
	SQSQueueURL      string        `env:"SQS_QUEUE_URL"`
	SQSEndpoint      string        `env:"SQS_ENDPOINT"`
	SQSWaitTime      time.Duration `env:"SQS_WAIT_TIME" envDefault:"20s"`
	SQSVisibility    time.Duration `env:"SQS_VISIBILITY_TIMEOUT" envDefault:"60s"`

	// Push gateway
	GatewayDriver   string        `env:"GATEWAY_DRIVER" envDefault:"log"`
	APNSEndpoint    string        `env:"APNS_ENDPOINT"`
	APNSSandbox     bool          `env:"APNS_USE_SANDBOX" envDefault:"true"`
	APNSTopic       string        `env:"APNS_TOPIC"`
	APNSAuthToken   string        `env:"APNS_AUTH_TOKEN"`
	APNSTimeout     time.Duration `env:"APNS_TIMEOUT" envDefault:"10s"`
	SNSRegion       string        `env:"SNS_REGION"`
	SNSPlatformARN  string        `env:"SNS_PLATFORM_APPLICATION_ARN"`
	BreakerFailures int           `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerRecovery time.Duration `env:"BREAKER_RECOVERY_TIMEOUT" envDefault:"30s"`

	// Delivery
	RetryInitial         time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"60s"`
	RetryMax             time.Duration `env:"RETRY_MAX_DELAY" envDefault:"15m"`
	RetryMultiplier      float64       `env:"RETRY_MULTIPLIER" envDefault:"2"`
	RetryJitter          float64       `env:"RETRY_JITTER" envDefault:"0.1"`
	ConsumerConcurrency  int           `env:"CONSUMER_CONCURRENCY" envDefault:"4"`
	ConsumerErrorBackoff time.Duration `env:"CONSUMER_ERROR_BACKOFF" envDefault:"5s"`

	// Background jobs
	ReaperThreshold          time.Duration `env:"REAPER_THRESHOLD" envDefault:"10m"`
	ReaperSchedule           string        `env:"REAPER_SCHEDULE" envDefault:"@every 1m"`
	DispatchInterval         time.Duration `env:"DISPATCH_INTERVAL" envDefault:"5s"`
	DispatchBatchSize        int           `env:"DISPATCH_BATCH_SIZE" envDefault:"100"`
	DispatchPendingGrace     time.Duration `env:"DISPATCH_PENDING_GRACE" envDefault:"30s"`
	DispatchQueuedStaleAfter time.Duration `env:"DISPATCH_QUEUED_STALE_AFTER" envDefault:"30m"`

	// Submission
	SubmitRateLimit  int           `env:"SUBMIT_RATE_LIMIT" envDefault:"10"`
	SubmitRateWindow time.Duration `env:"SUBMIT_RATE_WINDOW" envDefault:"1m"`
}

// Load reads configuration from the environment, after loading a .env file
// from the working directory if there is one.
func Load() (*Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()
	return parse(env.Options{})
}

// LoadFrom reads configuration from environ instead of the process environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.SNSRegion == "" {
		cfg.SNSRegion = cfg.AWSRegion
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks driver choices and the settings each driver needs.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT: %d", c.Port))
	}

	switch c.QueueDriver {
	case QueueDriverRedis:
	case QueueDriverSQS:
		if c.SQSQueueURL == "" {
			errs = append(errs, errors.New("SQS_QUEUE_URL is required when QUEUE_DRIVER=sqs"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid QUEUE_DRIVER %q: must be sqs or redis", c.QueueDriver))
	}

	switch c.GatewayDriver {
	case GatewayDriverLog:
	case GatewayDriverAPNS:
		if c.APNSTopic == "" || c.APNSAuthToken == "" {
			errs = append(errs, errors.New("APNS_TOPIC and APNS_AUTH_TOKEN are required when GATEWAY_DRIVER=apns"))
		}
	case GatewayDriverSNS:
		if c.SNSPlatformARN == "" {
			errs = append(errs, errors.New("SNS_PLATFORM_APPLICATION_ARN is required when GATEWAY_DRIVER=sns"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid GATEWAY_DRIVER %q: must be apns, sns or log", c.GatewayDriver))
	}

	if c.ConsumerConcurrency <= 0 {
		errs = append(errs, errors.New("CONSUMER_CONCURRENCY must be > 0"))
	}
	if c.RetryInitial <= 0 || c.RetryMax < c.RetryInitial {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must be >= RETRY_INITIAL_DELAY > 0"))
	}
	// A queued job is only considered lost once its retry delay has surely passed.
	if c.DispatchQueuedStaleAfter <= c.RetryMax {
		errs = append(errs, errors.New("DISPATCH_QUEUED_STALE_AFTER must exceed RETRY_MAX_DELAY"))
	}
	if c.ReaperThreshold <= 0 {
		errs = append(errs, errors.New("REAPER_THRESHOLD must be > 0"))
	}

	return errors.Join(errs...)
}
