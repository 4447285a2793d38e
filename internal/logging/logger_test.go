package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/goatfield/internal/config"
)

func newBufferLogger(t *testing.T, mutate func(*Config)) (*Logger, *bytes.Buffer) {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.Caller = false
	if mutate != nil {
		mutate(cfg)
	}
	var buf bytes.Buffer
	l, err := NewLogger(cfg, nil, WithWriter(&buf))
	require.NoError(t, err)
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestNewLogger_JSONOutput(t *testing.T) {
	l, buf := newBufferLogger(t, nil)

	l.Info(context.Background(), "observation recorded", zap.Uint64("sequence_id", 7))
	l.Debug(context.Background(), "filtered out")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "observation recorded", lines[0]["msg"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "goatfieldd", lines[0]["service"])
	assert.EqualValues(t, 7, lines[0]["sequence_id"])
	assert.Contains(t, lines[0], "ts")
}

func TestNewLogger_TraceLevel(t *testing.T) {
	l, buf := newBufferLogger(t, func(c *Config) { c.Level = "trace" })

	assert.True(t, l.Enabled(TraceLevel))
	l.Trace(context.Background(), "edge considered")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "trace", lines[0]["level"])
}

func TestNewLogger_Errors(t *testing.T) {
	_, err := NewLogger(&Config{Level: "info", Format: "yaml", Output: OutputConfig{Stdout: true}}, nil)
	assert.Error(t, err)

	cfg := NewDefaultConfig()
	cfg.Output = OutputConfig{OTEL: true}
	_, err = NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no log output")
}

func TestLogger_ContextFields(t *testing.T) {
	l, buf := newBufferLogger(t, nil)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithReviewer(ctx, "alice")
	ctx = WithOperation(ctx, "approve")

	l.Warn(ctx, "proposal decided")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", lines[0]["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", lines[0]["span_id"])
	assert.Equal(t, "req-1", lines[0]["request_id"])
	assert.Equal(t, "alice", lines[0]["reviewer"])
	assert.Equal(t, "approve", lines[0]["operation"])
}

func TestLogger_Redaction(t *testing.T) {
	l, buf := newBufferLogger(t, nil)
	ctx := context.Background()

	l.With(zap.String("admin_token", "s3cr3t-with")).Info(ctx, "configured")
	l.Info(ctx, "request", zap.String("authorization", "Bearer abc123"))
	l.Info(ctx, "header was Bearer xyz789", zap.String("note", "token=plain456"))
	l.Info(ctx, "loaded", Secret("admin_token_value", config.Secret("hidden")))

	out := buf.String()
	for _, leaked := range []string{"s3cr3t-with", "abc123", "xyz789", "plain456", "hidden"} {
		assert.NotContains(t, out, leaked)
	}
	assert.Contains(t, out, Redacted)
}

func TestLogger_RedactionDisabled(t *testing.T) {
	l, buf := newBufferLogger(t, func(c *Config) { c.Redaction.Enabled = false })
	l.Info(context.Background(), "raw", zap.String("token", "visible"))
	assert.Contains(t, buf.String(), "visible")
}

func TestLogger_SamplingNeverDropsErrors(t *testing.T) {
	l, buf := newBufferLogger(t, func(c *Config) {
		c.Sampling = SamplingConfig{Enabled: true, Tick: config.Duration(60e9), Initial: 2, Thereafter: 0}
	})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		l.Info(ctx, "repeated info")
		l.Error(ctx, "repeated error")
	}

	var infos, errs int
	for _, line := range decodeLines(t, buf) {
		switch line["msg"] {
		case "repeated info":
			infos++
		case "repeated error":
			errs++
		}
	}
	assert.Equal(t, 2, infos)
	assert.Equal(t, 10, errs)
}

func TestLogger_NamedAndWith(t *testing.T) {
	l, buf := newBufferLogger(t, nil)
	l.Named("clutter").With(zap.String("component", "engine")).Info(context.Background(), "compacted")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "clutter", lines[0]["logger"])
	assert.Equal(t, "engine", lines[0]["component"])
	assert.NotNil(t, l.Underlying())
	assert.False(t, l.Enabled(zapcore.DebugLevel))
}
