package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushline/internal/db"
	"github.com/lalithlochan/pushline/internal/queue"
)

type stubDeliverer struct {
	out Outcome
	err error
}

func (s *stubDeliverer) Deliver(ctx context.Context, id uuid.UUID) (Outcome, error) {
	return s.out, s.err
}

func newTestConsumer(d Deliverer) (*Consumer, *memQueue, *memRepo) {
	q := &memQueue{}
	repo := newMemRepo(newClock())
	c := NewConsumer(d, q, q, repo, ConsumerConfig{Concurrency: 2, ErrorBackoff: 7 * time.Second}, zap.NewNop())
	return c, q, repo
}

func delivery(id uuid.UUID) *queue.Delivery {
	return &queue.Delivery{
		Message: queue.Message{NotificationID: id, Priority: db.PriorityHigh, Attempt: 1},
		Receipt: "r-" + id.String(),
	}
}

func TestConsumer_HandleSentAcks(t *testing.T) {
	c, q, _ := newTestConsumer(&stubDeliverer{out: Sent{MessageID: "abc"}})

	require.NoError(t, c.Handle(context.Background(), delivery(uuid.New())))

	ready, delayed, acked, nacked := q.counts()
	assert.Equal(t, []int{0, 0, 1, 0}, []int{ready, delayed, acked, nacked})
}

func TestConsumer_HandleTerminalOutcomesAck(t *testing.T) {
	outcomes := []Outcome{
		Skipped{Status: db.StatusSent},
		Failed{Reason: "max retries exceeded: x"},
		InvalidToken{Reason: "Unregistered"},
		NotFound{},
	}
	for _, out := range outcomes {
		t.Run(out.Kind(), func(t *testing.T) {
			c, q, _ := newTestConsumer(&stubDeliverer{out: out})
			require.NoError(t, c.Handle(context.Background(), delivery(uuid.New())))

			_, delayed, acked, nacked := q.counts()
			assert.Zero(t, delayed)
			assert.Equal(t, 1, acked)
			assert.Zero(t, nacked)
		})
	}
}

func TestConsumer_HandleRetryReenqueuesWithDelay(t *testing.T) {
	c, q, repo := newTestConsumer(&stubDeliverer{out: RetryNeeded{Delay: 2 * time.Minute}})
	id := uuid.New()

	require.NoError(t, c.Handle(context.Background(), delivery(id)))

	require.Len(t, q.delayed, 1)
	assert.Equal(t, id, q.delayed[0].msg.NotificationID)
	assert.Equal(t, 2, q.delayed[0].msg.Attempt)
	assert.Equal(t, 2*time.Minute, q.delayed[0].delay)
	assert.Equal(t, []uuid.UUID{id}, repo.markQueuedCalls)
	assert.Len(t, q.acked, 1)
}

func TestConsumer_HandleRetryEnqueueFailureNacks(t *testing.T) {
	c, q, _ := newTestConsumer(&stubDeliverer{out: RetryNeeded{Delay: 2 * time.Minute}})
	q.enqueueErr = errors.New("queue unavailable")

	err := c.Handle(context.Background(), delivery(uuid.New()))
	require.Error(t, err)

	require.Len(t, q.nacked, 1)
	assert.Equal(t, 2*time.Minute, q.nacked[0].delay)
	assert.Empty(t, q.acked)
}

func TestConsumer_HandleEngineErrorNacks(t *testing.T) {
	c, q, _ := newTestConsumer(&stubDeliverer{err: errStoreDown})

	err := c.Handle(context.Background(), delivery(uuid.New()))
	assert.ErrorIs(t, err, errStoreDown)

	require.Len(t, q.nacked, 1)
	assert.Equal(t, 7*time.Second, q.nacked[0].delay)
	assert.Empty(t, q.acked)
}

func TestConsumer_RunDeliversQueuedJobs(t *testing.T) {
	e, repo, gw, _ := newTestEngine(t)
	q := &memQueue{}
	c := NewConsumer(e, q, q, repo, ConsumerConfig{Concurrency: 3}, zap.NewNop())

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		job := repo.addJob(nil)
		ids = append(ids, job.ID)
		require.NoError(t, q.Enqueue(context.Background(), queue.NewMessage(job)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, _, acked, _ := q.counts()
		return acked == len(ids)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	for _, id := range ids {
		assert.Equal(t, db.StatusSent, repo.job(id).Status)
	}
	assert.Equal(t, len(ids), gw.callCount())
}

func TestConsumer_HandleDeliversJobMarkedQueuedDuringClaim(t *testing.T) {
	e, repo, gw, _ := newTestEngine(t)
	q := &memQueue{}
	c := NewConsumer(e, q, q, repo, ConsumerConfig{}, zap.NewNop())

	job := repo.addJob(func(n *db.Notification) { n.Status = db.StatusPending })
	repo.conflictNext = func(stored *db.Notification) { stored.Status = db.StatusQueued }

	require.NoError(t, c.Handle(context.Background(), delivery(job.ID)))

	assert.Equal(t, db.StatusSent, repo.job(job.ID).Status)
	assert.Equal(t, 1, gw.callCount())
	ready, delayed, acked, nacked := q.counts()
	assert.Equal(t, []int{0, 0, 1, 0}, []int{ready, delayed, acked, nacked})
}

func TestReschedule_EnqueuesDelayedAndMarksQueued(t *testing.T) {
	repo := newMemRepo(newClock())
	repo.addDevice(testToken)
	n := repo.addJob(func(n *db.Notification) {
		n.Status = db.StatusPending
		n.RetryCount = 2
	})
	q := &memQueue{}

	err := Reschedule(context.Background(), q, repo, queue.NewMessage(n), 8*time.Second, zap.NewNop())
	require.NoError(t, err)

	require.Len(t, q.delayed, 1)
	assert.Equal(t, n.ID, q.delayed[0].msg.NotificationID)
	assert.Equal(t, 2, q.delayed[0].msg.Attempt)
	assert.Equal(t, 8*time.Second, q.delayed[0].delay)
	assert.Equal(t, []uuid.UUID{n.ID}, repo.markQueuedCalls)
	assert.Equal(t, db.StatusQueued, repo.job(n.ID).Status)
}

func TestReschedule_EnqueueFailureLeavesJobAlone(t *testing.T) {
	repo := newMemRepo(newClock())
	repo.addDevice(testToken)
	n := repo.addJob(func(n *db.Notification) { n.Status = db.StatusPending })
	q := &memQueue{enqueueErr: errors.New("queue down")}

	err := Reschedule(context.Background(), q, repo, queue.NewMessage(n), time.Second, zap.NewNop())
	require.Error(t, err)

	assert.Empty(t, repo.markQueuedCalls)
	assert.Equal(t, db.StatusPending, repo.job(n.ID).Status)
}
