// Package memory implements the broker in process. It provides the same
// lease and channel semantics as the Redis broker for a single all-role
// process and for tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/voxqueue/internal/broker"
	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/events"
)

const (
	defaultLeaseWait    = time.Second
	defaultPollInterval = 10 * time.Millisecond
	subscriptionBuffer  = 64
)

type inflight struct {
	token     string
	expiresAt time.Time
}

// Option configures the Broker.
type Option func(*Broker)

// WithMaxDepth bounds queued plus leased jobs. Zero means unbounded.
func WithMaxDepth(n int) Option {
	return func(b *Broker) { b.maxDepth = n }
}

// WithLeaseWait sets how long Lease waits for a job.
func WithLeaseWait(d time.Duration) Option {
	return func(b *Broker) { b.leaseWait = d }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// Broker is an in-process broker.
type Broker struct {
	mu        sync.Mutex
	ready     map[uuid.UUID]time.Time
	leased    map[uuid.UUID]inflight
	subs      map[string]map[*subscription]struct{}
	maxDepth  int
	leaseWait time.Duration
	now       func() time.Time
	closed    bool
}

var _ broker.Broker = (*Broker)(nil)

// New creates an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		ready:     make(map[uuid.UUID]time.Time),
		leased:    make(map[uuid.UUID]inflight),
		subs:      make(map[string]map[*subscription]struct{}),
		leaseWait: defaultLeaseWait,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Push makes jobID visible now.
func (b *Broker) Push(ctx context.Context, jobID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return broker.ErrClosed
	}
	if _, ok := b.ready[jobID]; ok {
		return nil
	}
	if _, ok := b.leased[jobID]; ok {
		return nil
	}
	if b.maxDepth > 0 && len(b.ready)+len(b.leased) >= b.maxDepth {
		return domain.NewCapacityError("broker", b.maxDepth)
	}
	b.ready[jobID] = b.now()
	return nil
}

// Lease polls for a visible job until the lease wait elapses.
func (b *Broker) Lease(ctx context.Context, visibility time.Duration) (*broker.Lease, error) {
	deadline := time.Now().Add(b.leaseWait)
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	for {
		lease, err := b.tryLease(visibility)
		if lease != nil || err != nil {
			return lease, err
		}
		if !time.Now().Before(deadline) {
			return nil, broker.ErrNoJob
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Broker) tryLease(visibility time.Duration) (*broker.Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, broker.ErrClosed
	}

	now := b.now()
	for id, l := range b.leased {
		if !l.expiresAt.After(now) {
			delete(b.leased, id)
			b.ready[id] = now
		}
	}

	var (
		next    uuid.UUID
		nextAt  time.Time
		present bool
	)
	for id, at := range b.ready {
		if at.After(now) {
			continue
		}
		if !present || at.Before(nextAt) {
			next, nextAt, present = id, at, true
		}
	}
	if !present {
		return nil, nil
	}

	delete(b.ready, next)
	lease := &broker.Lease{
		JobID:     next,
		Token:     uuid.NewString(),
		ExpiresAt: now.Add(visibility),
	}
	b.leased[next] = inflight{token: lease.Token, expiresAt: lease.ExpiresAt}
	return lease, nil
}

func (b *Broker) owns(lease *broker.Lease) bool {
	l, ok := b.leased[lease.JobID]
	return ok && l.token == lease.Token
}

// Ack removes the leased job.
func (b *Broker) Ack(ctx context.Context, lease *broker.Lease) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.owns(lease) {
		return broker.ErrLeaseLost
	}
	delete(b.leased, lease.JobID)
	return nil
}

// Nack requeues the leased job after delay.
func (b *Broker) Nack(ctx context.Context, lease *broker.Lease, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.owns(lease) {
		return broker.ErrLeaseLost
	}
	delete(b.leased, lease.JobID)
	b.ready[lease.JobID] = b.now().Add(delay)
	return nil
}

// Renew extends the lease.
func (b *Broker) Renew(ctx context.Context, lease *broker.Lease, visibility time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.owns(lease) {
		return broker.ErrLeaseLost
	}
	expiresAt := b.now().Add(visibility)
	b.leased[lease.JobID] = inflight{token: lease.Token, expiresAt: expiresAt}
	lease.ExpiresAt = expiresAt
	return nil
}

// Remove drops jobID from the queue and any lease.
func (b *Broker) Remove(ctx context.Context, jobID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.ready, jobID)
	delete(b.leased, jobID)
	return nil
}

// Depth returns queued plus leased jobs.
func (b *Broker) Depth(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.ready) + len(b.leased)), nil
}

// Queued returns the IDs waiting for a lease in visibility order.
func (b *Broker) Queued() []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(b.ready))
	for id := range b.ready {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return b.ready[ids[i]].Before(b.ready[ids[j]]) })
	return ids
}

// Ping fails only after Close.
func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	return nil
}

// Publish delivers event to every subscriber of sessionID. Slow subscribers
// whose buffer is full miss the event.
func (b *Broker) Publish(ctx context.Context, sessionID string, event *events.JobEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return broker.ErrClosed
	}
	for sub := range b.subs[sessionID] {
		select {
		case sub.ch <- event.ForSession(sessionID):
		default:
		}
	}
	return nil
}

// Subscribe opens sessionID's channel.
func (b *Broker) Subscribe(ctx context.Context, sessionID string) (broker.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, broker.ErrClosed
	}
	sub := &subscription{
		broker:    b,
		sessionID: sessionID,
		ch:        make(chan *events.JobEvent, subscriptionBuffer),
	}
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[*subscription]struct{})
	}
	b.subs[sessionID][sub] = struct{}{}
	return sub, nil
}

// Close closes every subscription and rejects further calls.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for sub := range subs {
			sub.closeLocked()
		}
	}
	b.subs = map[string]map[*subscription]struct{}{}
	return nil
}

type subscription struct {
	broker    *Broker
	sessionID string
	ch        chan *events.JobEvent
	closed    bool
}

func (s *subscription) Events() <-chan *events.JobEvent {
	return s.ch
}

func (s *subscription) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	if subs := s.broker.subs[s.sessionID]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.broker.subs, s.sessionID)
		}
	}
	s.closeLocked()
	return nil
}

func (s *subscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
