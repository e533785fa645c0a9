package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/phrazzld/voxqueue/internal/broker"
	"github.com/phrazzld/voxqueue/internal/domain"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = pongTimeout * 9 / 10
	maxReadBytes = 4096
)

// Client message types.
const (
	MessageClose  = "close"
	MessageAttach = "attach"
	MessageDetach = "detach"
)

// ClientMessage is a control message sent by the client over the socket.
type ClientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
}

// Hub serves session websockets.
type Hub struct {
	coordinator *Coordinator
	subscriber  broker.Subscriber
	upgrader    websocket.Upgrader
	logger      *slog.Logger

	mu    sync.Mutex
	conns map[string]*sessionConns
}

// sessionConns tracks the sockets open for one session. ended is closed
// when a client closes the session, which ends every socket.
type sessionConns struct {
	open  int
	ended chan struct{}
	once  sync.Once
}

// NewHub creates a hub. Origin checks are left to the fronting proxy.
func NewHub(coordinator *Coordinator, subscriber broker.Subscriber, logger *slog.Logger) *Hub {
	return &Hub{
		coordinator: coordinator,
		subscriber:  subscriber,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "session_hub"),
		conns:  make(map[string]*sessionConns),
	}
}

// Connections returns the number of open sockets for sessionID.
func (h *Hub) Connections(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if entry, ok := h.conns[sessionID]; ok {
		return entry.open
	}
	return 0
}

func (h *Hub) acquire(sessionID string) *sessionConns {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.conns[sessionID]
	if !ok {
		entry = &sessionConns{ended: make(chan struct{})}
		h.conns[sessionID] = entry
	}
	entry.open++
	return entry
}

// release returns the remaining connection count.
func (h *Hub) release(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.conns[sessionID]
	if !ok {
		return 0
	}
	entry.open--
	if entry.open <= 0 {
		delete(h.conns, sessionID)
		return 0
	}
	return entry.open
}

// end signals every socket of sessionID that the session is closed.
func (h *Hub) end(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if entry, ok := h.conns[sessionID]; ok {
		entry.once.Do(func() { close(entry.ended) })
	}
}

// ServeSession upgrades the request and streams job events for sessionID
// until either side closes the connection. A close message from any client
// closes the session and ends all of its sockets.
func (h *Hub) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()
	log := h.logger.With("session_id", sessionID)

	// Validate before upgrading so the client gets a plain HTTP error.
	if _, err := h.coordinator.Connect(ctx, sessionID, r.RemoteAddr); err != nil {
		var verr *domain.ValidationError
		switch {
		case errors.As(err, &verr):
			http.Error(w, verr.Error(), http.StatusBadRequest)
		case errors.Is(err, domain.ErrSessionGone):
			http.Error(w, "session is closed", http.StatusGone)
		default:
			log.ErrorContext(ctx, "failed to connect session", "error", err)
			http.Error(w, "An internal error occurred", http.StatusInternalServerError)
		}
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WarnContext(ctx, "websocket upgrade failed", "error", err)
		h.disconnect(ctx, sessionID, log)
		return
	}
	defer conn.Close()

	entry := h.acquire(sessionID)
	sessionEnded := false
	defer func() {
		if h.release(sessionID) == 0 && !sessionEnded {
			h.disconnect(ctx, sessionID, log)
		}
	}()

	// Subscribe before Ready so replayed results are not missed.
	sub, err := h.subscriber.Subscribe(ctx, sessionID)
	if err != nil {
		log.ErrorContext(ctx, "failed to subscribe session", "error", err)
		h.writeClose(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	defer func() { _ = sub.Close() }()

	if _, err := h.coordinator.Ready(ctx, sessionID); err != nil {
		log.ErrorContext(ctx, "failed to activate session", "error", err)
		h.writeClose(conn, websocket.CloseInternalServerErr, "activation failed")
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if !h.readLoop(connCtx, conn, sessionID, log) {
			cancel()
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				log.ErrorContext(ctx, "failed to encode job event", "job_id", event.JobID, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.DebugContext(ctx, "websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-entry.ended:
			sessionEnded = true
			h.writeClose(conn, websocket.CloseNormalClosure, "session closed")
			return
		case <-connCtx.Done():
			return
		}
	}
}

// readLoop handles client messages until the connection fails or the
// session is closed, in which case it returns true.
func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, sessionID string, log *slog.Logger) bool {
	conn.SetReadLimit(maxReadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.DebugContext(ctx, "websocket read failed", "error", err)
			}
			return false
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.DebugContext(ctx, "ignoring malformed client message", "error", err)
			continue
		}

		switch msg.Type {
		case MessageClose:
			if err := h.coordinator.Close(ctx, sessionID); err != nil {
				log.WarnContext(ctx, "failed to close session", "error", err)
			}
			h.end(sessionID)
			return true
		case MessageAttach, MessageDetach:
			jobID, err := uuid.Parse(msg.JobID)
			if err != nil {
				log.DebugContext(ctx, "ignoring message with invalid job_id", "type", msg.Type)
				continue
			}
			if msg.Type == MessageAttach {
				err = h.coordinator.Attach(ctx, sessionID, jobID)
			} else {
				err = h.coordinator.Detach(ctx, sessionID, jobID)
			}
			if err != nil {
				log.WarnContext(ctx, "session message failed", "type", msg.Type, "job_id", jobID, "error", err)
			}
		default:
			log.DebugContext(ctx, "ignoring unknown client message", "type", msg.Type)
		}
	}
}

func (h *Hub) disconnect(ctx context.Context, sessionID string, log *slog.Logger) {
	if err := h.coordinator.Disconnect(context.WithoutCancel(ctx), sessionID); err != nil {
		log.WarnContext(ctx, "failed to mark session disconnected", "error", err)
	}
}

func (h *Hub) writeClose(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
