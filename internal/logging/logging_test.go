package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "loud")
	assert.Error(t, err)
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}

func TestStartSpanTagsLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug")
	require.NoError(t, err)

	ctx := WithLogger(context.Background(), logger)
	ctx, parent := StartSpan(ctx, "access", slog.String("share_id", "abc"))
	_, child := StartSpan(ctx, "destroy")
	child.End(errors.New("store down"))
	parent.End(nil)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var failed map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &failed))
	assert.Equal(t, "WARN", failed["level"])
	assert.Equal(t, "destroy", failed["span"])
	assert.Equal(t, "abc", failed["share_id"])
	assert.NotEmpty(t, failed["parent_span_id"])
	assert.Equal(t, "store down", failed["error"])

	var done map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &done))
	assert.Equal(t, "access", done["span"])
	assert.Nil(t, done["parent_span_id"])
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))
}
