package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/voxqueue/internal/domain"
)

func requestWithParams(params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestGetPathUUID(t *testing.T) {
	id := uuid.New()

	got, err := getPathUUID(requestWithParams(map[string]string{"id": id.String()}), "id")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	tests := []struct {
		name   string
		params map[string]string
	}{
		{"missing", map[string]string{}},
		{"malformed", map[string]string{"id": "not-a-uuid"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := getPathUUID(requestWithParams(tc.params), "id")
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "id", verr.Field)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestGetPathString(t *testing.T) {
	got, err := getPathString(requestWithParams(map[string]string{"id": "session-1"}), "id", 10)
	require.NoError(t, err)
	assert.Equal(t, "session-1", got)

	_, err = getPathString(requestWithParams(map[string]string{"id": "  "}), "id", 10)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = getPathString(requestWithParams(map[string]string{"id": strings.Repeat("x", 11)}), "id", 10)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
