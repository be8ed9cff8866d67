package logcontext

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendCtx_DoesNotMutateParent(t *testing.T) {
	parent := AppendCtx(context.Background(), slog.String("runId", "r1"))
	child := AppendCtx(parent, slog.String("id", "e1"))
	sibling := AppendCtx(parent, slog.String("id", "e2"))

	assert.Len(t, Attrs(parent), 1)
	assert.Len(t, Attrs(child), 2)
	assert.Equal(t, "e1", Attrs(child)[1].Value.String())
	assert.Equal(t, "e2", Attrs(sibling)[1].Value.String())
}

func TestContextHandler_AddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(ContextHandler{Handler: slog.NewJSONHandler(&buf, nil)}).With("service", "test")

	ctx := AppendCtx(context.Background(), slog.String("requestId", "abc"))
	logger.InfoContext(ctx, "hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "abc", record["requestId"])
	assert.Equal(t, "test", record["service"])
	assert.Equal(t, "hello", record["msg"])
}
