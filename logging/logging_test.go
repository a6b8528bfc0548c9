package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	file := filepath.Join(t.TempDir(), "dagqueued.log")

	logger, closer := New(Options{Level: "warn", File: file, NoColor: true, Console: &console})
	logger = logger.With("component", "test")
	logger.Debug("debug message")
	logger.Info("info message", "job_id", "a")
	logger.Warn("warn message")
	require.NoError(t, closer())

	assert.NotContains(t, console.String(), "info message")
	assert.Contains(t, console.String(), "warn message")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, `"msg":"debug message"`)
	assert.Contains(t, content, `"job_id":"a"`)
	assert.Contains(t, content, `"component":"test"`)
	assert.Contains(t, content, `"level":"WARN"`)
}

func TestConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	logger, closer := New(Options{NoColor: true, Console: &console})
	logger.Debug("hidden")
	logger.Info("shown")
	require.NoError(t, closer())
	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "shown")
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	h := NewRedactingHandler(slog.NewJSONHandler(&buf, nil), "DSN")
	logger := slog.New(h).With("dsn", "user:secret@tcp(db)/jobs")
	logger.Info("open", slog.Group("backend", "dsn", "postgres://u:p@db/jobs", "kind", "embedded"))

	out := buf.String()
	assert.NotContains(t, out, "secret")
	assert.NotContains(t, out, "u:p@")
	assert.Contains(t, out, `"kind":"embedded"`)
	assert.Equal(t, 2, strings.Count(out, "[REDACTED]"))
}

func TestMultiHandler(t *testing.T) {
	var info, warn bytes.Buffer
	multi := NewMultiHandler(
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	ctx := context.Background()
	assert.True(t, multi.Enabled(ctx, slog.LevelInfo))
	assert.False(t, multi.Enabled(ctx, slog.LevelDebug))

	require.NoError(t, multi.Handle(ctx, slog.NewRecord(time.Now(), slog.LevelInfo, "info", 0)))
	require.NoError(t, multi.WithGroup("g").WithAttrs([]slog.Attr{slog.String("k", "v")}).
		Handle(ctx, slog.NewRecord(time.Now(), slog.LevelError, "error", 0)))

	assert.Contains(t, info.String(), "msg=info")
	assert.Contains(t, info.String(), "g.k=v")
	assert.NotContains(t, warn.String(), "msg=info")
	assert.Contains(t, warn.String(), "msg=error")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		Input string
		Want  slog.Level
	}{
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if have := ParseLevel(tt.Input, slog.LevelInfo); have != tt.Want {
			t.Errorf("ParseLevel(%q): want %v, have %v", tt.Input, tt.Want, have)
		}
	}
}
