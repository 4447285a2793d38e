package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithRequestID(ctx, "01J2ZK5X")
	ctx = WithReviewer(ctx, "bob@example.com")
	ctx = WithOperation(ctx, "reflect")

	assert.Equal(t, "01J2ZK5X", RequestID(ctx))
	assert.Equal(t, "bob@example.com", Reviewer(ctx))
	assert.Equal(t, "reflect", Operation(ctx))
	assert.Len(t, ContextFields(ctx), 3)
}

func TestContextValues_RejectsUnsafeIDs(t *testing.T) {
	ctx := context.Background()
	for _, id := range []string{"", "has space", "line\nbreak", strings.Repeat("a", 129)} {
		assert.Empty(t, RequestID(WithRequestID(ctx, id)), "%q", id)
		assert.Empty(t, Reviewer(WithReviewer(ctx, id)), "%q", id)
	}
}

func TestLoggerContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(WithOperation(ctx, "compact"), "compaction done")

	tl.AssertLogged(t, zapcore.InfoLevel, "compaction")
	tl.AssertField(t, "compaction done", "operation", "compact")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "compaction")
}

func TestTestLogger_RedactsSecrets(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "auth header Bearer tok-123")
	tl.AssertNoSecrets(t, "tok-123")
	assert.Len(t, tl.All(), 1)

	tl.Reset()
	assert.Empty(t, tl.All())
}
