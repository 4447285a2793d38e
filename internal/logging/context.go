package logging

import (
	"context"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	reviewerKey
	operationKey
	loggerKey
)

// idPattern bounds values taken from request headers and bodies before they
// are attached to every log line.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:@/-]{1,128}$`)

// WithRequestID attaches a request id. Ids that do not match the allowed
// pattern are dropped.
func WithRequestID(ctx context.Context, id string) context.Context {
	if !idPattern.MatchString(id) {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id in ctx, or "".
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithReviewer attaches the human reviewer deciding a proposal.
func WithReviewer(ctx context.Context, reviewer string) context.Context {
	if !idPattern.MatchString(reviewer) {
		return ctx
	}
	return context.WithValue(ctx, reviewerKey, reviewer)
}

// Reviewer returns the reviewer in ctx, or "".
func Reviewer(ctx context.Context) string {
	v, _ := ctx.Value(reviewerKey).(string)
	return v
}

// WithOperation attaches the field operation being run, such as observe,
// compact or reflect.
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, operationKey, op)
}

// Operation returns the operation in ctx, or "".
func Operation(ctx context.Context) string {
	v, _ := ctx.Value(operationKey).(string)
	return v
}

// ContextFields extracts the loggable values carried by ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := RequestID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if r := Reviewer(ctx); r != "" {
		fields = append(fields, zap.String("reviewer", r))
	}
	if op := Operation(ctx); op != "" {
		fields = append(fields, zap.String("operation", op))
	}
	return fields
}

// WithLogger stores l in ctx.
func WithLogger(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok && l != nil {
		return l
	}
	return NewNop()
}
