package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/phrazzld/voxqueue/internal/api/shared"
	"github.com/phrazzld/voxqueue/internal/platform/logger"
)

func TestTrace(t *testing.T) {
	log, buf := logger.NewTestLogger(t)

	var seen string
	handler := Trace(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = shared.GetTraceID(r.Context())
		logger.FromContext(r.Context()).Info("inside handler")
	}))

	t.Run("generates an id", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Len(t, seen, 32)
		assert.Equal(t, seen, w.Header().Get(shared.TraceIDHeader))
	})

	t.Run("keeps the caller's id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(shared.TraceIDHeader, "edge-42")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, "edge-42", seen)
		assert.Equal(t, "edge-42", w.Header().Get(shared.TraceIDHeader))
	})

	var tagged int
	for _, entry := range buf.Entries() {
		if entry["msg"] == "inside handler" && entry["trace_id"] != "" {
			tagged++
		}
	}
	assert.Equal(t, 2, tagged, "request logger carries the trace id")
}
