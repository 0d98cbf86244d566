package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/pushline/internal/db"
	"github.com/lalithlochan/pushline/internal/gateway"
	"github.com/lalithlochan/pushline/internal/queue"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memRepo is an in-memory Repository with the same version semantics as
// the Postgres one.
type memRepo struct {
	mu      sync.Mutex
	clock   *fakeClock
	jobs    map[uuid.UUID]*db.Notification
	devices map[string]*db.Device

	getErr    error
	updateErr error
	// conflictNext makes the next UpdateNotification lose after applying
	// the given mutation to the stored row. The hook may re-arm itself.
	conflictNext func(stored *db.Notification)

	markQueuedCalls []uuid.UUID
}

func newMemRepo(clock *fakeClock) *memRepo {
	return &memRepo{
		clock:   clock,
		jobs:    map[uuid.UUID]*db.Notification{},
		devices: map[string]*db.Device{},
	}
}

func (r *memRepo) addDevice(token string) *db.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := &db.Device{ID: uuid.New(), Token: token, Platform: db.PlatformIOS, Active: true}
	r.devices[token] = d
	return d
}

func (r *memRepo) addJob(mut func(n *db.Notification)) *db.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	n := &db.Notification{
		ID:          uuid.New(),
		DeviceToken: "device-token-0001",
		Title:       "Hello",
		Body:        "World",
		Sound:       db.DefaultSound,
		Priority:    db.PriorityHigh,
		Status:      db.StatusQueued,
		MaxRetries:  db.DefaultMaxRetries,
		ScheduledAt: now,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if d, ok := r.devices[n.DeviceToken]; ok {
		id := d.ID
		n.DeviceID = &id
	}
	if mut != nil {
		mut(n)
	}
	r.jobs[n.ID] = n.Clone()
	return n.Clone()
}

func (r *memRepo) job(id uuid.UUID) *db.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id].Clone()
}

func (r *memRepo) deviceByID(id uuid.UUID) *db.Device {
	for _, d := range r.devices {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (r *memRepo) device(token string) db.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.devices[token]
}

func (r *memRepo) GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	n, ok := r.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return n.Clone(), nil
}

func (r *memRepo) UpdateNotification(ctx context.Context, n *db.Notification, change *db.DeviceChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}

	stored, ok := r.jobs[n.ID]
	if !ok {
		return db.ErrConflict
	}
	if hook := r.conflictNext; hook != nil {
		r.conflictNext = nil
		hook(stored)
		stored.Version++
	}
	if stored.Version != n.Version {
		return db.ErrConflict
	}

	n.Version++
	n.UpdatedAt = r.clock.Now()
	r.jobs[n.ID] = n.Clone()

	if change != nil && n.DeviceID != nil {
		if d := r.deviceByID(*n.DeviceID); d != nil {
			if change.Deactivate {
				d.Active = false
			}
			if change.NotifiedAt != nil {
				t := *change.NotifiedAt
				d.LastNotifiedAt = &t
			}
		}
	}
	return nil
}

func (r *memRepo) MarkQueued(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markQueuedCalls = append(r.markQueuedCalls, id)
	n, ok := r.jobs[id]
	if !ok || (n.Status != db.StatusPending && n.Status != db.StatusQueued) {
		return false, nil
	}
	n.Status = db.StatusQueued
	n.Version++
	n.UpdatedAt = r.clock.Now()
	return true, nil
}

func (r *memRepo) FailStuck(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, n := range r.jobs {
		if n.Status == db.StatusSending && n.UpdatedAt.Before(cutoff) {
			msg := reason
			n.Status = db.StatusFailed
			n.ErrorMessage = &msg
			n.Version++
			n.UpdatedAt = r.clock.Now()
			count++
		}
	}
	return count, nil
}

func (r *memRepo) ListDispatchable(ctx context.Context, now, pendingBefore, queuedBefore time.Time, limit int) ([]*db.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*db.Notification
	for _, n := range r.jobs {
		due := n.Status == db.StatusPending && !n.ScheduledAt.After(now) && n.UpdatedAt.Before(pendingBefore)
		stale := n.Status == db.StatusQueued && n.ScheduledAt.Before(queuedBefore) && n.UpdatedAt.Before(queuedBefore)
		if due || stale {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) CountByStatus(ctx context.Context) (map[db.Status]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[db.Status]int64{}
	for _, s := range db.AllStatuses {
		counts[s] = 0
	}
	for _, n := range r.jobs {
		counts[n.Status]++
	}
	return counts, nil
}

// scriptedGateway returns results in order, repeating the last one.
type scriptedGateway struct {
	mu      sync.Mutex
	results []gateway.Result
	errs    []error
	calls   int
	onCall  func(token string)
	tokens  []string
}

func (g *scriptedGateway) Name() string { return "scripted" }

func (g *scriptedGateway) Submit(ctx context.Context, token string, p *gateway.Payload) (gateway.Result, error) {
	g.mu.Lock()
	i := g.calls
	g.calls++
	g.tokens = append(g.tokens, token)
	hook := g.onCall
	g.mu.Unlock()

	if hook != nil {
		hook(token)
	}

	var err error
	if len(g.errs) > 0 {
		err = g.errs[min(i, len(g.errs)-1)]
	}
	if err != nil {
		return gateway.Result{}, err
	}
	if len(g.results) == 0 {
		return gateway.Success("msg-" + token), nil
	}
	return g.results[min(i, len(g.results)-1)], nil
}

func (g *scriptedGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type delayedMsg struct {
	msg   queue.Message
	delay time.Duration
}

// memQueue is an in-memory queue.Queue.
type memQueue struct {
	mu         sync.Mutex
	ready      []queue.Message
	delayed    []delayedMsg
	acked      []*queue.Delivery
	nacked     []delayedMsg
	enqueueErr error
}

func (q *memQueue) Enqueue(ctx context.Context, m queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.ready = append(q.ready, m)
	return nil
}

func (q *memQueue) EnqueueDelayed(ctx context.Context, m queue.Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.delayed = append(q.delayed, delayedMsg{m, delay})
	return nil
}

func (q *memQueue) Receive(ctx context.Context) (*queue.Delivery, error) {
	q.mu.Lock()
	if len(q.ready) == 0 {
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
		return nil, nil
	}
	m := q.ready[0]
	q.ready = q.ready[1:]
	q.mu.Unlock()
	return &queue.Delivery{Message: m, Receipt: m.NotificationID.String()}, nil
}

func (q *memQueue) Ack(ctx context.Context, d *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, d)
	return nil
}

func (q *memQueue) Nack(ctx context.Context, d *queue.Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked = append(q.nacked, delayedMsg{d.Message, delay})
	return nil
}

func (q *memQueue) counts() (ready, delayed, acked, nacked int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.delayed), len(q.acked), len(q.nacked)
}

var errStoreDown = errors.New("connection refused")
