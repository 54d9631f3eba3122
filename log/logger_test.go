package log_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"go.pilab.hu/restodb/log"
)

func TestParseLevel(t *testing.T) {
	lvl, err := log.ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, lvl)

	lvl, err = log.ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, lvl)

	_, err = log.ParseLevel("loud")
	assert.Error(t, err)
}

func TestSetup(t *testing.T) {
	prevLogger, prevLevel := zlog.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		zlog.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	var console bytes.Buffer
	file := filepath.Join(t.TempDir(), "restodb.log")
	logger, closer, err := log.Setup(log.Options{Level: "debug", File: file, Stderr: &console})
	require.NoError(t, err)

	logger.With(map[string]interface{}{"component": "test"}).
		Error(context.Background(), "write failed", errors.New("boom"), map[string]interface{}{"collection": "orders"})
	zlog.Info().Msg("from the global logger")
	require.NoError(t, closer.Close())

	out := console.String()
	assert.Contains(t, out, `"component":"test"`)
	assert.Contains(t, out, `"collection":"orders"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.Contains(t, out, "from the global logger")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, out, string(data))
}

func TestLogger_TraceIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewZerologAdapter(zerolog.New(&buf))

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	logger.Info(ctx, "traced")
	assert.Contains(t, buf.String(), `"trace_id":"4bf92f3577b34da6a3ce929d0e0e4736"`)
	assert.Contains(t, buf.String(), `"span_id":"00f067aa0ba902b7"`)
}
