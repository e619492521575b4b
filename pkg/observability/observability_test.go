package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "phasegate", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
	require.True(t, config.EnablePrometheus)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// Accessors fall back to the global no-op providers.
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.Nil(t, p.PrometheusRegistry())
}

func TestTrackOperation(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	attrs := TransitionOperation(7, 12, "Planning", "Scoping", false)
	ctx, finish := p.TrackOperation(context.Background(), "workflow.advance", attrs...)
	require.NotNil(t, ctx)

	time.Sleep(time.Millisecond)
	finish(nil)
}

func TestTrackOperationWithError(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	_, finish := p.TrackOperation(context.Background(), "workflow.advance")
	finish(errors.New("dependency not met"))
}

func TestRecordMetricsDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordRequest(ctx, attribute.String("op", "status"))
	p.RecordError(ctx, errors.New("boom"), attribute.String("op", "status"))
	p.RecordDuration(ctx, 100*time.Millisecond, attribute.String("op", "status"))
}

func TestStartSpan(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "workflow.status")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.End()
}

func TestShutdownDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestPhaseOperation(t *testing.T) {
	attrs := PhaseOperation(7, 12, "Planning", "alice")
	require.Len(t, attrs, 4)
	require.Equal(t, "phasegate.cycle.id", string(attrs[0].Key))
	require.Equal(t, int64(7), attrs[0].Value.AsInt64())
	require.Equal(t, "alice", attrs[3].Value.AsString())
}

func TestTransitionOperation(t *testing.T) {
	attrs := TransitionOperation(7, 12, "Planning", "Scoping", true)
	require.Len(t, attrs, 5)
	require.Equal(t, "phasegate.phase.from", string(attrs[2].Key))
	require.Equal(t, "Planning", attrs[2].Value.AsString())
	require.Equal(t, true, attrs[4].Value.AsBool())
}

func TestSLAOperation(t *testing.T) {
	attrs := SLAOperation(7, 12, "Test Execution", "breached")
	require.Len(t, attrs, 4)
	require.Equal(t, "phasegate.sla.status", string(attrs[3].Key))
	require.Equal(t, "breached", attrs[3].Value.AsString())
}

func TestEscalationEvent(t *testing.T) {
	attrs := EscalationEvent(7, 12, "Test Execution", 2)
	require.Len(t, attrs, 4)
	require.Equal(t, "phasegate.escalation.level", string(attrs[3].Key))
	require.Equal(t, int64(2), attrs[3].Value.AsInt64())
}

func TestSpanFromContext(t *testing.T) {
	span := SpanFromContext(context.Background())
	require.NotNil(t, span)
}

func TestAddSpanEvent(t *testing.T) {
	AddSpanEvent(context.Background(), "phase.completed", attribute.String("phase", "Planning"))
}

func TestSetSpanStatus(t *testing.T) {
	SetSpanStatus(context.Background(), errors.New("version conflict"))
	SetSpanStatus(context.Background(), nil)
}
