package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/voxqueue/internal/broker"
	brokermem "github.com/phrazzld/voxqueue/internal/broker/memory"
	"github.com/phrazzld/voxqueue/internal/dedup"
	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/events"
	"github.com/phrazzld/voxqueue/internal/generation"
	"github.com/phrazzld/voxqueue/internal/platform/logger"
	"github.com/phrazzld/voxqueue/internal/store"
	"github.com/phrazzld/voxqueue/internal/store/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedGenerator returns errs[i] on call i and succeeds afterwards.
// With a gate set, each call signals started and waits for the gate to close.
type scriptedGenerator struct {
	mu      sync.Mutex
	calls   int
	errs    []error
	block   bool
	gate    chan struct{}
	started chan struct{}
}

func (g *scriptedGenerator) Generate(ctx context.Context, p *domain.Payload) (*generation.Asset, error) {
	g.mu.Lock()
	call := g.calls
	g.calls++
	block := g.block
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if g.gate != nil {
		g.started <- struct{}{}
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if call < len(g.errs) && g.errs[call] != nil {
		return nil, g.errs[call]
	}
	return &generation.Asset{Data: []byte("generated: " + p.Prompt), ContentType: "text/plain"}, nil
}

func (g *scriptedGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type countingUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newCountingUploader() *countingUploader {
	return &countingUploader{objects: map[string][]byte{}}
}

func (u *countingUploader) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.objects[key]; !ok {
		u.objects[key] = data
		u.puts++
	}
	return "mem://" + key, nil
}

func (u *countingUploader) Puts() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.puts
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*events.JobEvent
}

func (r *eventRecorder) HandleEvent(ctx context.Context, e *events.JobEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// flakyJobStore fails the first failCompletes Complete calls.
type flakyJobStore struct {
	*memory.JobStore
	mu            sync.Mutex
	failCompletes int
}

func (s *flakyJobStore) Complete(ctx context.Context, id uuid.UUID, v int64, ref string) (*domain.Job, error) {
	s.mu.Lock()
	fail := s.failCompletes > 0
	if fail {
		s.failCompletes--
	}
	s.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: connection refused", store.ErrUpdateFailed)
	}
	return s.JobStore.Complete(ctx, id, v, ref)
}

type harness struct {
	t         *testing.T
	clock     *testClock
	store     *flakyJobStore
	queue     *brokermem.Broker
	cache     *dedup.Memory
	recorder  *eventRecorder
	emitter   *events.InMemoryEventEmitter
	generator *scriptedGenerator
	uploader  *countingUploader
	pool      *WorkerPool
	logs      *logger.TestLogBuffer
}

func newHarness(t *testing.T, generator *scriptedGenerator) *harness {
	t.Helper()

	log, logs := logger.NewTestLogger(t)
	clock := newTestClock()

	jobs := &flakyJobStore{JobStore: memory.NewJobStore()}
	jobs.SetClock(clock.Now)
	queue := brokermem.New(brokermem.WithClock(clock.Now), brokermem.WithLeaseWait(20*time.Millisecond))
	cache := dedup.NewMemory()
	cache.SetClock(clock.Now)

	recorder := &eventRecorder{}
	emitter := events.NewInMemoryEventEmitter(log)
	emitter.RegisterHandler(recorder)

	uploader := newCountingUploader()

	gen, err := NewGenerateStage(generator, cache, time.Second)
	require.NoError(t, err)
	up, err := NewUploadStage(uploader, cache, time.Second, 10*time.Minute)
	require.NoError(t, err)
	persist, err := NewPersistStage(jobs, cache, time.Minute)
	require.NoError(t, err)
	notify, err := NewNotifyStage(emitter)
	require.NoError(t, err)

	pool := NewWorkerPool(jobs, queue, cache, emitter,
		[]Stage{gen, up, persist, notify},
		WorkerPoolConfig{
			WorkerCount:       2,
			VisibilityTimeout: time.Minute,
			Backoff:           Backoff{Initial: time.Second, Max: time.Minute, jitter: func() float64 { return 0 }},
		},
		log)

	return &harness{
		t:         t,
		clock:     clock,
		store:     jobs,
		queue:     queue,
		cache:     cache,
		recorder:  recorder,
		emitter:   emitter,
		generator: generator,
		uploader:  uploader,
		pool:      pool,
		logs:      logs,
	}
}

func (h *harness) submit(prompt string, maxAttempts int) *domain.Job {
	h.t.Helper()

	payload, err := json.Marshal(map[string]string{"prompt": prompt})
	require.NoError(h.t, err)

	job, created, err := h.store.Enqueue(context.Background(), store.NewJob{
		Payload:        payload,
		IdempotencyKey: "key-" + prompt,
		MaxAttempts:    maxAttempts,
	}, func(ctx context.Context, j *domain.Job) error {
		return h.queue.Push(ctx, j.ID)
	})
	require.NoError(h.t, err)
	require.True(h.t, created)
	return job
}

func (h *harness) lease() *broker.Lease {
	h.t.Helper()
	lease, err := h.queue.Lease(context.Background(), time.Minute)
	require.NoError(h.t, err)
	return lease
}

// deliver leases the next job and processes it synchronously.
func (h *harness) deliver() {
	h.t.Helper()
	h.pool.process(context.Background(), h.lease(), h.pool.logger)
}

func (h *harness) job(id uuid.UUID) *domain.Job {
	h.t.Helper()
	job, err := h.store.Get(context.Background(), id)
	require.NoError(h.t, err)
	return job
}

func (h *harness) depth() int64 {
	d, err := h.queue.Depth(context.Background())
	require.NoError(h.t, err)
	return d
}
