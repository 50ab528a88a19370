package slogx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewJSONIncludesServiceFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Service: "magkit", Version: "1.2.3", Output: &buf})

	log.Info("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "magkit", entry["service"])
	require.Equal(t, "1.2.3", entry["version"])
	require.Equal(t, "hello", entry["msg"])
}

func TestNewLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})

	log.Info("dropped")
	require.Zero(t, buf.Len())

	log.Warn("kept")
	require.NotZero(t, buf.Len())
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Format: "text", Output: &buf})

	log.Info("hello")
	require.Contains(t, buf.String(), "msg=hello")
}

func TestNewNeverTouchesDefault(t *testing.T) {
	before := slog.Default()
	_ = New(Config{Service: "magkit"})
	require.Same(t, before, slog.Default())
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Output: &buf})

	ctx := WithContext(context.Background(), log)
	require.Same(t, log, FromContext(ctx))
}

func TestWithCallID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), New(Config{Output: &buf}))

	FromContext(WithCallID(ctx, 42)).Info("processing")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.EqualValues(t, 42, entry["call_id"])
}

func TestDiscard(t *testing.T) {
	// Must not panic and must not write anywhere observable.
	Discard().Error("dropped")
}
