package tracing

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpanTree(t *testing.T) {
	ctx, root := StartSpan(context.Background(), "build", "run-1")
	_, child := StartChildSpan(ctx, "range")
	child.SetAttr("range_id", 4)
	child.End()
	child.End()
	root.End()

	assert.Equal(t, "run-1", child.TraceID)
	assert.Len(t, root.Children, 1)
	assert.Same(t, root, SpanFromContext(ctx))

	var buf bytes.Buffer
	root.Log(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "msg=span"))
	assert.Contains(t, out, "range_id=4")
}

func TestChildWithoutParent(t *testing.T) {
	_, s := StartChildSpan(context.Background(), "orphan")
	s.End()
	assert.Empty(t, s.TraceID)
}
