package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	events []*JobEvent
	err    error
}

func (h *recordingHandler) HandleEvent(ctx context.Context, event *JobEvent) error {
	h.events = append(h.events, event)
	return h.err
}

func TestInMemoryEventEmitter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	event := &JobEvent{ID: uuid.New(), Type: TypeJobSucceeded, JobID: uuid.New()}

	t.Run("no handlers", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		assert.NoError(t, emitter.EmitEvent(context.Background(), event))
	})

	t.Run("all handlers receive the event", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		h1, h2 := &recordingHandler{}, &recordingHandler{}
		emitter.RegisterHandler(h1)
		emitter.RegisterHandler(h2)

		require.NoError(t, emitter.EmitEvent(context.Background(), event))
		assert.Equal(t, []*JobEvent{event}, h1.events)
		assert.Equal(t, []*JobEvent{event}, h2.events)
	})

	t.Run("failing handler does not block others", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		failing := &recordingHandler{err: errors.New("publish failed")}
		ok := &recordingHandler{}
		emitter.RegisterHandler(failing)
		emitter.RegisterHandler(ok)
		var calls int
		emitter.RegisterHandler(HandlerFunc(func(ctx context.Context, e *JobEvent) error {
			calls++
			return nil
		}))

		err := emitter.EmitEvent(context.Background(), event)
		assert.EqualError(t, err, "publish failed")
		assert.Len(t, ok.events, 1)
		assert.Equal(t, 1, calls)
	})
}

func TestNewJobEvent(t *testing.T) {
	t.Parallel()

	job := &domain.Job{
		ID:        uuid.New(),
		Status:    domain.JobStatusSucceeded,
		ResultRef: "s3://b/assets/a.txt",
		Attempts:  2,
		SessionID: "room-9",
	}

	event := NewJobEvent(job)
	assert.Equal(t, TypeJobSucceeded, event.Type)
	assert.Equal(t, job.ID, event.JobID)
	assert.Equal(t, "room-9", event.SessionID)
	assert.True(t, event.Terminal())

	job.Status = domain.JobStatusDeadLettered
	job.ResultRef = ""
	job.Error = "permanent: refused (attempt 1/3)"
	event = NewJobEvent(job)
	assert.Equal(t, TypeJobDeadLettered, event.Type)
	assert.Equal(t, job.Error, event.Error)

	job.Status = domain.JobStatusFailed
	event = NewJobEvent(job)
	assert.Equal(t, TypeJobRetrying, event.Type)
	assert.False(t, event.Terminal())

	addressed := event.ForSession("room-1")
	assert.Equal(t, "room-1", addressed.SessionID)
	assert.Equal(t, "room-9", event.SessionID)
}
