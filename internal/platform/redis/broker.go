package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/phrazzld/voxqueue/internal/broker"
	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/events"
)

const (
	defaultLeaseWait    = 5 * time.Second
	defaultPollInterval = 100 * time.Millisecond
	subscriptionBuffer  = 64
)

var _ broker.Broker = (*Broker)(nil)

// Option configures the Broker and Dedup.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	keys         keys
	maxDepth     int
	leaseWait    time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

func newOptions(opts []Option) options {
	o := options{
		logger:       slog.Default(),
		keys:         keys{prefix: defaultKeyPrefix},
		leaseWait:    defaultLeaseWait,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithKeyPrefix namespaces every key and channel.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.keys = keys{prefix: prefix}
		}
	}
}

// WithMaxDepth bounds ready plus inflight jobs. Zero means unbounded.
func WithMaxDepth(n int) Option {
	return func(o *options) { o.maxDepth = n }
}

// WithLeaseWait sets how long Lease polls before returning broker.ErrNoJob.
func WithLeaseWait(d time.Duration) Option {
	return func(o *options) { o.leaseWait = d }
}

// WithPollInterval sets the delay between lease attempts.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithClock replaces the time source used for scores.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Broker implements broker.Broker backed by Redis.
type Broker struct {
	client goredis.UniversalClient
	options
}

// NewBroker creates a Redis-backed broker. The caller owns the client
// lifecycle.
func NewBroker(client goredis.UniversalClient, opts ...Option) *Broker {
	return &Broker{client: client, options: newOptions(opts)}
}

func (b *Broker) queueKeys() []string {
	return []string{b.keys.readyKey(), b.keys.inflightKey(), b.keys.leasesKey()}
}

func millis(t time.Time) int64 { return t.UnixMilli() }

// Push makes jobID visible now.
func (b *Broker) Push(ctx context.Context, jobID uuid.UUID) error {
	res, err := pushScript.Run(ctx, b.client, b.queueKeys(),
		jobID.String(), millis(b.now()), b.maxDepth).Int64()
	if err != nil {
		return fmt.Errorf("voxq/redis: push: %w", err)
	}
	if res < 0 {
		return domain.NewCapacityError("broker", b.maxDepth)
	}
	return nil
}

// Lease polls for a visible job until the lease wait elapses.
func (b *Broker) Lease(ctx context.Context, visibility time.Duration) (*broker.Lease, error) {
	deadline := time.Now().Add(b.leaseWait)
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		lease, err := b.tryLease(ctx, visibility)
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

func (b *Broker) tryLease(ctx context.Context, visibility time.Duration) (*broker.Lease, error) {
	now := b.now()
	expiresAt := now.Add(visibility)
	token := uuid.NewString()

	raw, err := leaseScript.Run(ctx, b.client, b.queueKeys(),
		millis(now), millis(expiresAt), token).Text()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("voxq/redis: lease: %w", err)
	}

	jobID, err := uuid.Parse(raw)
	if err != nil {
		// Unparseable members can never be processed; drop them.
		b.logger.Error("dropping malformed queue member", "member", raw)
		_ = removeScript.Run(ctx, b.client, b.queueKeys(), raw).Err()
		return nil, nil
	}

	return &broker.Lease{JobID: jobID, Token: token, ExpiresAt: expiresAt}, nil
}

func (b *Broker) checked(ctx context.Context, op string, script *goredis.Script, args ...any) error {
	res, err := script.Run(ctx, b.client, b.queueKeys(), args...).Int64()
	if err != nil {
		return fmt.Errorf("voxq/redis: %s: %w", op, err)
	}
	if res == 0 {
		return broker.ErrLeaseLost
	}
	return nil
}

// Ack removes the leased job.
func (b *Broker) Ack(ctx context.Context, lease *broker.Lease) error {
	return b.checked(ctx, "ack", ackScript, lease.JobID.String(), lease.Token)
}

// Nack requeues the leased job after delay.
func (b *Broker) Nack(ctx context.Context, lease *broker.Lease, delay time.Duration) error {
	return b.checked(ctx, "nack", nackScript,
		lease.JobID.String(), lease.Token, millis(b.now().Add(delay)))
}

// Renew extends the lease.
func (b *Broker) Renew(ctx context.Context, lease *broker.Lease, visibility time.Duration) error {
	expiresAt := b.now().Add(visibility)
	if err := b.checked(ctx, "renew", renewScript,
		lease.JobID.String(), lease.Token, millis(expiresAt)); err != nil {
		return err
	}
	lease.ExpiresAt = expiresAt
	return nil
}

// Remove drops jobID from the queue and any lease.
func (b *Broker) Remove(ctx context.Context, jobID uuid.UUID) error {
	if err := removeScript.Run(ctx, b.client, b.queueKeys(), jobID.String()).Err(); err != nil {
		return fmt.Errorf("voxq/redis: remove: %w", err)
	}
	return nil
}

// Depth returns ready plus inflight jobs.
func (b *Broker) Depth(ctx context.Context) (int64, error) {
	pipe := b.client.Pipeline()
	ready := pipe.ZCard(ctx, b.keys.readyKey())
	inflight := pipe.ZCard(ctx, b.keys.inflightKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("voxq/redis: depth: %w", err)
	}
	return ready.Val() + inflight.Val(), nil
}

// Ping verifies the Redis connection is alive.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish sends event as JSON on the session's channel.
func (b *Broker) Publish(ctx context.Context, sessionID string, event *events.JobEvent) error {
	data, err := json.Marshal(event.ForSession(sessionID))
	if err != nil {
		return fmt.Errorf("voxq/redis: marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.keys.sessionChannel(sessionID), data).Err(); err != nil {
		return fmt.Errorf("voxq/redis: publish: %w", err)
	}
	return nil
}

// Subscribe opens the session's channel. The subscription is confirmed by
// Redis before Subscribe returns.
func (b *Broker) Subscribe(ctx context.Context, sessionID string) (broker.Subscription, error) {
	ps := b.client.Subscribe(ctx, b.keys.sessionChannel(sessionID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("voxq/redis: subscribe: %w", err)
	}

	sub := &subscription{
		ps:     ps,
		events: make(chan *events.JobEvent, subscriptionBuffer),
		done:   make(chan struct{}),
		logger: b.logger.With("session_id", sessionID),
	}
	go sub.forward()
	return sub, nil
}

type subscription struct {
	ps     *goredis.PubSub
	events chan *events.JobEvent
	done   chan struct{}
	logger *slog.Logger
}

func (s *subscription) forward() {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.ps.Channel():
			if !ok {
				return
			}
			var event events.JobEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.logger.Warn("discarding malformed session event", "error", err)
				continue
			}
			select {
			case s.events <- &event:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) Events() <-chan *events.JobEvent {
	return s.events
}

func (s *subscription) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	return s.ps.Close()
}
