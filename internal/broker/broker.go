package broker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/voxqueue/internal/events"
)

var (
	// ErrNoJob is returned by Lease when nothing became visible within the wait.
	ErrNoJob = errors.New("no job available")

	// ErrLeaseLost is returned when a lease token no longer owns the job.
	ErrLeaseLost = errors.New("lease lost")

	// ErrClosed is returned after the broker has been closed.
	ErrClosed = errors.New("broker closed")
)

// Lease grants temporary exclusive delivery of a job.
type Lease struct {
	JobID     uuid.UUID
	Token     string
	ExpiresAt time.Time
}

// Queue is the work queue half of the broker.
type Queue interface {
	// Push makes jobID visible immediately. Pushing a job that is already
	// queued or leased is a no-op. Returns a domain.CapacityError when the
	// queue is at its configured depth.
	Push(ctx context.Context, jobID uuid.UUID) error

	// Lease blocks until a job is visible, the broker's lease wait elapses
	// (ErrNoJob) or ctx is done.
	Lease(ctx context.Context, visibility time.Duration) (*Lease, error)

	// Ack removes the leased job from the queue.
	Ack(ctx context.Context, lease *Lease) error

	// Nack releases the lease and makes the job visible again after delay.
	Nack(ctx context.Context, lease *Lease, delay time.Duration) error

	// Renew extends the lease to visibility from now.
	Renew(ctx context.Context, lease *Lease, visibility time.Duration) error

	// Remove drops jobID regardless of lease state.
	Remove(ctx context.Context, jobID uuid.UUID) error

	// Depth returns the number of queued plus leased jobs.
	Depth(ctx context.Context) (int64, error)

	// Ping checks that the broker is reachable.
	Ping(ctx context.Context) error
}

// Publisher sends an event on a session's channel.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, event *events.JobEvent) error
}

// Subscriber opens a session's channel.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) (Subscription, error)
}

// Subscription delivers events published to one session channel.
type Subscription interface {
	Events() <-chan *events.JobEvent
	Close() error
}

// Broker is the full broker surface.
type Broker interface {
	Queue
	Publisher
	Subscriber
}
