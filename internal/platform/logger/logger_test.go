package logger_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/phrazzld/voxqueue/internal/config"
	"github.com/phrazzld/voxqueue/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		level slog.Level
		ok    bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"Warn", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
	}

	for _, tt := range tests {
		level, ok := logger.ParseLevel(tt.in)
		assert.Equal(t, tt.level, level, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}

func TestSetup_ReturnsLoggerAndSetsDefault(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	log, err := logger.Setup(config.ServerConfig{LogLevel: "debug", Role: "all"})
	require.NoError(t, err)
	require.NotNil(t, log)

	assert.Same(t, log, slog.Default())
	assert.True(t, log.Enabled(context.Background(), slog.LevelDebug))
}

func TestSetup_InvalidLevelFallsBackToInfo(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	log, err := logger.Setup(config.ServerConfig{LogLevel: "chatty"})
	require.NoError(t, err)

	assert.False(t, log.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, log.Enabled(context.Background(), slog.LevelInfo))
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	log, buf := logger.NewTestLogger(t)
	ctx := logger.WithContext(context.Background(), log.With("job_id", "j-1"))

	logger.FromContext(ctx).Info("claimed job")

	entries := buf.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "claimed job", entries[0]["msg"])
	assert.Equal(t, "j-1", entries[0]["job_id"])
	assert.True(t, buf.HasMessage("claimed job"))
}

func TestFromContext_DefaultsToSlogDefault(t *testing.T) {
	t.Parallel()

	assert.Same(t, slog.Default(), logger.FromContext(context.Background()))
}
