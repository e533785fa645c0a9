package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/events"
	"github.com/phrazzld/voxqueue/internal/platform/logger"
)

func newHubServer(t *testing.T, f *fixture) (*Hub, string) {
	t.Helper()

	log, _ := logger.NewTestLogger(t)
	hub := NewHub(f.coord, f.broker, log)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeSession(w, r, r.URL.Query().Get("session"))
	}))
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, sessionID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?session="+sessionID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *fixture) waitForState(id string, state domain.SessionState) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		session, err := f.sessions.Get(context.Background(), id)
		return err == nil && session.State == state
	}, 2*time.Second, 10*time.Millisecond, "session %s never reached %s", id, state)
}

func readEvent(t *testing.T, conn *websocket.Conn) *events.JobEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event events.JobEvent
	require.NoError(t, json.Unmarshal(data, &event))
	return &event
}

func TestHub_StreamsJobEvents(t *testing.T) {
	f := newFixture(t)
	hub, url := newHubServer(t, f)
	ctx := context.Background()

	conn := dial(t, url, "s1")
	f.waitForState("s1", domain.SessionStateActive)
	assert.Equal(t, 1, hub.Connections("s1"))

	job := f.enqueue("hello", "s1")
	done := f.succeed(job)
	require.NoError(t, f.coord.Notify(ctx, events.NewJobEvent(done)))

	event := readEvent(t, conn)
	assert.Equal(t, job.ID, event.JobID)
	assert.Equal(t, events.TypeJobSucceeded, event.Type)
	assert.Equal(t, "s1", event.SessionID)
}

func TestHub_AttachMessage(t *testing.T) {
	f := newFixture(t)
	_, url := newHubServer(t, f)

	conn := dial(t, url, "s1")
	f.waitForState("s1", domain.SessionStateActive)

	job := f.succeed(f.enqueue("hello", ""))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageAttach, JobID: job.ID.String()}))

	event := readEvent(t, conn)
	assert.Equal(t, job.ID, event.JobID)
	assert.Equal(t, job.ResultRef, event.ResultRef)
}

func TestHub_ClientDropDrainsSession(t *testing.T) {
	f := newFixture(t)
	hub, url := newHubServer(t, f)

	conn := dial(t, url, "s1")
	f.waitForState("s1", domain.SessionStateActive)

	require.NoError(t, conn.Close())
	f.waitForState("s1", domain.SessionStateDraining)
	require.Eventually(t, func() bool { return hub.Connections("s1") == 0 },
		time.Second, 10*time.Millisecond)

	// Reconnecting within the grace period revives the session.
	dial(t, url, "s1")
	f.waitForState("s1", domain.SessionStateActive)
}

func TestHub_CloseMessageEndsSession(t *testing.T) {
	f := newFixture(t)
	_, url := newHubServer(t, f)

	conn := dial(t, url, "s1")
	f.waitForState("s1", domain.SessionStateActive)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageClose}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	f.waitForState("s1", domain.SessionStateClosed)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?session=s1", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestHub_CloseMessageEndsEverySocket(t *testing.T) {
	f := newFixture(t)
	hub, url := newHubServer(t, f)

	first := dial(t, url, "s1")
	f.waitForState("s1", domain.SessionStateActive)
	second := dial(t, url, "s1")
	require.Eventually(t, func() bool { return hub.Connections("s1") == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, first.WriteJSON(ClientMessage{Type: MessageClose}))

	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	}
	f.waitForState("s1", domain.SessionStateClosed)
	require.Eventually(t, func() bool { return hub.Connections("s1") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_RejectsMissingSessionID(t *testing.T) {
	f := newFixture(t)
	_, url := newHubServer(t, f)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?session=", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}
