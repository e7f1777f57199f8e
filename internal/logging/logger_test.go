package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		require.Equal(t, want, ParseLevel(in), "level=%q", in)
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New("info", FormatJSON, &buf)
	l.Debug("hidden")
	l.Info("visible", "session_id", "s-1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "visible", rec["msg"])
	require.Equal(t, "s-1", rec["session_id"])
}

func TestNew_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New("debug", FormatConsole, &buf)
	l.Info("hello console")
	require.Contains(t, buf.String(), "hello console")
}

func TestFrom_FallsBackToDefault(t *testing.T) {
	require.Same(t, Default(), From(context.Background()))

	var buf bytes.Buffer
	l := New("info", FormatJSON, &buf)
	ctx := With(context.Background(), l)
	require.Same(t, l, From(ctx))
}
