package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushline/internal/db"
)

func newTestReaper() (*Reaper, *memRepo, *fakeClock) {
	clock := newClock()
	repo := newMemRepo(clock)
	r := NewReaper(repo, ReaperConfig{}, zap.NewNop())
	r.now = clock.Now
	return r, repo, clock
}

func TestReaper_SweepFailsStuckJobs(t *testing.T) {
	r, repo, clock := newTestReaper()
	now := clock.Now()

	stuck := repo.addJob(func(n *db.Notification) {
		n.Status = db.StatusSending
		n.UpdatedAt = now.Add(-15 * time.Minute)
	})
	fresh := repo.addJob(func(n *db.Notification) {
		n.Status = db.StatusSending
		n.UpdatedAt = now.Add(-time.Minute)
	})
	oldPending := repo.addJob(func(n *db.Notification) {
		n.Status = db.StatusPending
		n.UpdatedAt = now.Add(-time.Hour)
	})

	n, err := r.Sweep(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got := repo.job(stuck.ID)
	assert.Equal(t, db.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "timeout: stuck in sending", *got.ErrorMessage)

	assert.Equal(t, db.StatusSending, repo.job(fresh.ID).Status)
	assert.Equal(t, db.StatusPending, repo.job(oldPending.ID).Status)

	n, err = r.Sweep(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n, "second sweep must be a no-op")
}

func TestReaper_SweepExplicitThreshold(t *testing.T) {
	r, repo, clock := newTestReaper()
	job := repo.addJob(func(n *db.Notification) {
		n.Status = db.StatusSending
		n.UpdatedAt = clock.Now().Add(-time.Minute)
	})

	n, err := r.Sweep(context.Background(), 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, db.StatusFailed, repo.job(job.ID).Status)
}

func TestReaper_RefreshStatusGauge(t *testing.T) {
	r, repo, _ := newTestReaper()
	repo.addJob(nil)
	assert.NoError(t, r.RefreshStatusGauge(context.Background()))
}

type fixedDepth struct {
	ready, processing, delayed int64
	err                        error
	calls                      int
}

func (d *fixedDepth) Depth(ctx context.Context) (int64, int64, int64, error) {
	d.calls++
	return d.ready, d.processing, d.delayed, d.err
}

func TestReaper_RefreshQueueGauge(t *testing.T) {
	r, _, _ := newTestReaper()
	depth := &fixedDepth{ready: 4, processing: 1, delayed: 7}
	r.WithQueueDepth(depth)

	require.NoError(t, r.RefreshQueueGauge(context.Background()))
	assert.Equal(t, 1, depth.calls)

	const want = `
# HELP pushline_queue_depth Messages in the work queue (ready, processing, delayed)
# TYPE pushline_queue_depth gauge
pushline_queue_depth{state="delayed"} 7
pushline_queue_depth{state="processing"} 1
pushline_queue_depth{state="ready"} 4
`
	assert.NoError(t, testutil.GatherAndCompare(prometheus.DefaultGatherer, strings.NewReader(want), "pushline_queue_depth"))
}

func TestReaper_RefreshQueueGaugeErrors(t *testing.T) {
	r, _, _ := newTestReaper()
	assert.NoError(t, r.RefreshQueueGauge(context.Background()), "no depth source configured")

	r.WithQueueDepth(&fixedDepth{err: errors.New("redis down")})
	assert.Error(t, r.RefreshQueueGauge(context.Background()))
}

func TestReaper_StartRejectsBadSchedule(t *testing.T) {
	repo := newMemRepo(newClock())
	r := NewReaper(repo, ReaperConfig{Schedule: "every now and then"}, zap.NewNop())

	assert.Error(t, r.Start(context.Background()))
}

func TestReaper_StartStopsOnCancel(t *testing.T) {
	r, _, _ := newTestReaper()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, r.Start(ctx))
}
