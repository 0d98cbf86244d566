package sqs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushline/internal/db"
	"github.com/lalithlochan/pushline/internal/queue"
)

type fakeSQS struct {
	sent       []*sqs.SendMessageInput
	inbox      []types.Message
	deleted    []string
	visibility map[string]int32
	sendErr    error
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if len(f.inbox) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	m := f.inbox[0]
	f.inbox = f.inbox[1:]
	return &sqs.ReceiveMessageOutput{Messages: []types.Message{m}}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if f.visibility == nil {
		f.visibility = map[string]int32{}
	}
	f.visibility[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func newTestQueue(api *fakeSQS) *Queue {
	return newQueue(api, Config{QueueURL: "https://sqs.local/q"}, zap.NewNop())
}

func TestQueue_EnqueueRoundTrip(t *testing.T) {
	api := &fakeSQS{}
	q := newTestQueue(api)
	ctx := context.Background()

	msg := queue.Message{NotificationID: uuid.New(), Priority: db.PriorityHigh, Attempt: 1}
	require.NoError(t, q.Enqueue(ctx, msg))
	require.Len(t, api.sent, 1)
	assert.Equal(t, int32(0), api.sent[0].DelaySeconds)
	assert.Equal(t, "high", aws.ToString(api.sent[0].MessageAttributes["priority"].StringValue))

	api.inbox = append(api.inbox, types.Message{
		Body:          api.sent[0].MessageBody,
		ReceiptHandle: aws.String("rh-1"),
	})

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, msg.NotificationID, d.NotificationID)
	assert.Equal(t, "rh-1", d.Receipt)

	require.NoError(t, q.Ack(ctx, d))
	assert.Equal(t, []string{"rh-1"}, api.deleted)
}

func TestQueue_EnqueueDelayedClamps(t *testing.T) {
	tests := []struct {
		delay time.Duration
		want  int32
	}{
		{0, 0},
		{1500 * time.Millisecond, 2},
		{5 * time.Minute, 300},
		{time.Hour, 900},
	}

	for _, tt := range tests {
		t.Run(tt.delay.String(), func(t *testing.T) {
			api := &fakeSQS{}
			q := newTestQueue(api)

			require.NoError(t, q.EnqueueDelayed(context.Background(), queue.Message{NotificationID: uuid.New()}, tt.delay))
			assert.Equal(t, tt.want, api.sent[0].DelaySeconds)
		})
	}
}

func TestQueue_ReceiveIdle(t *testing.T) {
	q := newTestQueue(&fakeSQS{})

	d, err := q.Receive(context.Background())
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestQueue_ReceiveDropsGarbage(t *testing.T) {
	api := &fakeSQS{inbox: []types.Message{{Body: aws.String("garbage"), ReceiptHandle: aws.String("rh-bad")}}}
	q := newTestQueue(api)

	d, err := q.Receive(context.Background())
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Equal(t, []string{"rh-bad"}, api.deleted)
}

func TestQueue_Nack(t *testing.T) {
	api := &fakeSQS{}
	q := newTestQueue(api)

	require.NoError(t, q.Nack(context.Background(), &queue.Delivery{Receipt: "rh-2"}, 30*time.Second))
	assert.Equal(t, int32(30), api.visibility["rh-2"])
}

func TestQueue_SendError(t *testing.T) {
	q := newTestQueue(&fakeSQS{sendErr: errors.New("throttled")})

	err := q.Enqueue(context.Background(), queue.Message{NotificationID: uuid.New()})
	assert.Error(t, err)
}
