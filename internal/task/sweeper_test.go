package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/events"
)

type fakeReaper struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeReaper) Reap(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return 1, r.err
}

func newTestSweeper(h *harness, reaper SessionReaper) *Sweeper {
	s := NewSweeper(h.store, h.queue, h.cache, h.pool.emitter, reaper, SweeperConfig{
		Interval:     10 * time.Millisecond,
		MaxJobAge:    time.Hour,
		RequeueAfter: 10 * time.Minute,
		Retention:    24 * time.Hour,
		BatchSize:    10,
	}, h.pool.logger)
	s.now = h.clock.Now
	return s
}

func TestSweeper_ExpireStale(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptedGenerator{})
	s := newTestSweeper(h, nil)
	ctx := context.Background()

	stale := h.submit("stale", 3)
	require.NoError(t, h.cache.RememberPending(ctx, stale.IdempotencyKey, stale.ID, 24*time.Hour))
	h.clock.Advance(2 * time.Hour)
	fresh := h.submit("fresh", 3)

	n, err := s.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.job(stale.ID)
	assert.Equal(t, domain.JobStatusDeadLettered, got.Status)
	assert.Equal(t, domain.ErrorClassExpired, got.ErrorClass)
	assert.Contains(t, got.Error, "expired: no progress for 1h0m0s")
	assert.Equal(t, domain.JobStatusPending, h.job(fresh.ID).Status)

	assert.Equal(t, []string{events.TypeJobDeadLettered}, h.recorder.Types())
	assert.Equal(t, int64(1), h.depth(), "expired job is removed from the broker")

	entry, err := h.cache.Lookup(ctx, stale.IdempotencyKey)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSweeper_RecoverPushesLostJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptedGenerator{})
	s := newTestSweeper(h, nil)
	ctx := context.Background()

	job := h.submit("lost", 3)
	// The broker lost the job, e.g. a Redis restart without persistence.
	require.NoError(t, h.queue.Remove(ctx, job.ID))
	require.Zero(t, h.depth())

	n, err := s.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "jobs idle for less than RequeueAfter are left alone")

	h.clock.Advance(11 * time.Minute)
	n, err = s.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), h.depth())

	// Pushing again is a no-op while the broker holds the job.
	_, err = s.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.depth())
}

func TestSweeper_SweepPurgesAndReaps(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptedGenerator{})
	reaper := &fakeReaper{}
	s := newTestSweeper(h, reaper)
	ctx := context.Background()

	job := h.submit("old", 3)
	h.deliver()
	require.Equal(t, domain.JobStatusSucceeded, h.job(job.ID).Status)

	h.clock.Advance(25 * time.Hour)
	require.NoError(t, s.Sweep(ctx))

	_, err := h.store.Get(ctx, job.ID)
	assert.Error(t, err, "terminal job past retention is purged")
	assert.Equal(t, 1, reaper.calls)
}

func TestSweeper_SweepJoinsErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptedGenerator{})
	reapErr := errors.New("session store down")
	s := newTestSweeper(h, &fakeReaper{err: reapErr})

	err := s.Sweep(context.Background())
	assert.ErrorIs(t, err, reapErr)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptedGenerator{})
	reaper := &fakeReaper{}
	s := newTestSweeper(h, reaper)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		reaper.mu.Lock()
		defer reaper.mu.Unlock()
		return reaper.calls > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
