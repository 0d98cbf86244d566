package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, QueueDriverRedis, cfg.QueueDriver)
	assert.Equal(t, GatewayDriverLog, cfg.GatewayDriver)
	assert.Equal(t, time.Minute, cfg.RetryInitial)
	assert.Equal(t, 15*time.Minute, cfg.RetryMax)
	assert.Equal(t, 10*time.Minute, cfg.ReaperThreshold)
	assert.Equal(t, "@every 1m", cfg.ReaperSchedule)
	assert.Equal(t, int32(10), cfg.DBMaxConns)
	assert.Equal(t, cfg.AWSRegion, cfg.SNSRegion)
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"PORT":                         "9090",
		"QUEUE_DRIVER":                 "sqs",
		"SQS_QUEUE_URL":                "http://localhost:4566/000000000000/pushline",
		"GATEWAY_DRIVER":               "sns",
		"SNS_PLATFORM_APPLICATION_ARN": "arn:aws:sns:eu-west-1:123456789012:app/APNS/pushline",
		"SNS_REGION":                   "eu-west-1",
		"RETRY_INITIAL_DELAY":          "30s",
		"CONSUMER_CONCURRENCY":         "16",
	})
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, QueueDriverSQS, cfg.QueueDriver)
	assert.Equal(t, "eu-west-1", cfg.SNSRegion)
	assert.Equal(t, 30*time.Second, cfg.RetryInitial)
	assert.Equal(t, 16, cfg.ConsumerConcurrency)
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		environ map[string]string
		wantErr string
	}{
		{"unknown queue driver", map[string]string{"QUEUE_DRIVER": "kafka"}, "QUEUE_DRIVER"},
		{"sqs without url", map[string]string{"QUEUE_DRIVER": "sqs"}, "SQS_QUEUE_URL"},
		{"unknown gateway", map[string]string{"GATEWAY_DRIVER": "fcm"}, "GATEWAY_DRIVER"},
		{"apns without credentials", map[string]string{"GATEWAY_DRIVER": "apns"}, "APNS_TOPIC"},
		{"sns without arn", map[string]string{"GATEWAY_DRIVER": "sns"}, "SNS_PLATFORM_APPLICATION_ARN"},
		{"stale window shorter than retry delay", map[string]string{"DISPATCH_QUEUED_STALE_AFTER": "10m"}, "DISPATCH_QUEUED_STALE_AFTER"},
		{"zero concurrency", map[string]string{"CONSUMER_CONCURRENCY": "0"}, "CONSUMER_CONCURRENCY"},
		{"bad port", map[string]string{"PORT": "0"}, "PORT"},
		{"unparsable duration", map[string]string{"REAPER_THRESHOLD": "soon"}, "parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(tt.environ)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
