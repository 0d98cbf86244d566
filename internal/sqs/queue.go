// Package sqs implements the work queue on Amazon SQS.
package sqs

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushline/internal/queue"
)

const (
	// MaxDelay is the longest DelaySeconds SQS accepts.
	MaxDelay = 15 * time.Minute
	// maxVisibility is the longest visibility timeout SQS accepts.
	maxVisibility = 12 * time.Hour
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// Endpoint overrides the service endpoint, e.g. for LocalStack.
	Endpoint string

	WaitTime          time.Duration
	VisibilityTimeout time.Duration
}

type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Queue sends and receives job references through one SQS queue.
type Queue struct {
	client     sqsAPI
	queueURL   string
	wait       int32
	visibility int32
	logger     *zap.Logger
}

// New creates an SQS-backed queue using the default AWS credential chain.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs queue initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return newQueue(client, cfg, logger), nil
}

func newQueue(client sqsAPI, cfg Config, logger *zap.Logger) *Queue {
	wait := cfg.WaitTime
	if wait <= 0 || wait > 20*time.Second {
		wait = 20 * time.Second
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 60 * time.Second
	}

	return &Queue{
		client:     client,
		queueURL:   cfg.QueueURL,
		wait:       int32(wait / time.Second),
		visibility: seconds(visibility, maxVisibility),
		logger:     logger,
	}
}

// seconds rounds d up to whole seconds and clamps it to [0, limit].
func seconds(d, limit time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > limit {
		d = limit
	}
	return int32(math.Ceil(d.Seconds()))
}

// Enqueue sends m for immediate processing.
func (q *Queue) Enqueue(ctx context.Context, m queue.Message) error {
	return q.send(ctx, m, 0)
}

// EnqueueDelayed sends m with DelaySeconds. Delays beyond MaxDelay are
// clamped; the worker re-delays a job that arrives before it is due.
func (q *Queue) EnqueueDelayed(ctx context.Context, m queue.Message, delay time.Duration) error {
	return q.send(ctx, m, seconds(delay, MaxDelay))
}

func (q *Queue) send(ctx context.Context, m queue.Message, delaySeconds int32) error {
	body, err := queue.Encode(m)
	if err != nil {
		return err
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(body),
		DelaySeconds: delaySeconds,
		MessageAttributes: map[string]types.MessageAttributeValue{
			"priority": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(m.Priority)),
			},
		},
	})
	if err != nil {
		q.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("notification_id", m.NotificationID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}
	return nil
}

// Receive long-polls for one message. Bodies that cannot be decoded are
// deleted and logged so they do not cycle forever.
func (q *Queue) Receive(ctx context.Context) (*queue.Delivery, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     q.wait,
		VisibilityTimeout:   q.visibility,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	raw := out.Messages[0]
	receipt := aws.ToString(raw.ReceiptHandle)

	m, err := queue.Decode(aws.ToString(raw.Body))
	if err != nil {
		q.logger.Error("dropping undecodable message",
			zap.String("message_id", aws.ToString(raw.MessageId)),
			zap.Error(err),
		)
		if derr := q.delete(ctx, receipt); derr != nil {
			q.logger.Warn("failed to drop undecodable message", zap.Error(derr))
		}
		return nil, nil
	}

	return &queue.Delivery{Message: m, Receipt: receipt}, nil
}

// Ack deletes the message.
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	return q.delete(ctx, d.Receipt)
}

func (q *Queue) delete(ctx context.Context, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// Nack makes the message visible again after delay.
func (q *Queue) Nack(ctx context.Context, d *queue.Delivery, delay time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(d.Receipt),
		VisibilityTimeout: seconds(delay, maxVisibility),
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
