package shared

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetAndGetTraceID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))

	withTrace := SetTraceID(ctx)
	traceID := GetTraceID(withTrace)
	assert.Len(t, traceID, 32)
	_, err := hex.DecodeString(traceID)
	assert.NoError(t, err)

	assert.Empty(t, GetTraceID(ctx), "original context is unchanged")
}

func TestGetTraceIDWithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), TraceIDKey, 123)
	assert.Empty(t, GetTraceID(ctx))
}

func TestWithTraceID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		keepsIt bool
	}{
		{"caller id", "req-123_abc", true},
		{"empty", "", false},
		{"header injection", "abc\r\nX-Evil: 1", false},
		{"too long", strings.Repeat("a", 65), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := GetTraceID(WithTraceID(context.Background(), tc.input))
			if tc.keepsIt {
				assert.Equal(t, tc.input, got)
				return
			}
			assert.NotEqual(t, tc.input, got)
			assert.Len(t, got, 32)
		})
	}
}

func TestGenerateTraceIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := generateTraceID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
