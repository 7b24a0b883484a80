package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTraceID(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestContextRoundTrip(t *testing.T) {
	ctx := NewContext(context.Background(), &TraceContext{
		TraceID:     "trace-1",
		ExecutionID: "exec-1",
		Identity:    "telegram:1",
		MessageID:   "42",
	})

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "exec-1", tc.ExecutionID)
	assert.Equal(t, "telegram:1", tc.Identity)
	assert.Equal(t, "42", tc.MessageID)
}

func TestEmptyContext(t *testing.T) {
	tc := FromContext(context.Background())
	assert.Empty(t, tc.TraceID)
	assert.Empty(t, tc.ExecutionID)
}

func TestDetachSurvivesCancel(t *testing.T) {
	parent, cancel := context.WithCancel(WithExecutionID(NewRequestContext(context.Background()), "exec-9"))
	cancel()

	detached := Detach(parent)
	require.NoError(t, detached.Err())
	assert.Equal(t, "exec-9", GetExecutionID(detached))
	assert.Equal(t, GetTraceID(parent), GetTraceID(detached))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	ctx := WithIdentity(WithExecutionID(context.Background(), "exec-2"), "local:cli")

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"execution_id":"exec-2"`)
	assert.Contains(t, buf.String(), `"identity":"local:cli"`)
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestStartSpanSetsTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry("p42r-test", 1))
	ctx, span := StartSpan(context.Background(), "p42r.test", "test.span")
	defer span.End()
	assert.NotEmpty(t, GetTraceID(ctx))
}
