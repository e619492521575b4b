package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for workflow telemetry.
var (
	AttrCycleID  = attribute.Key("phasegate.cycle.id")
	AttrReportID = attribute.Key("phasegate.report.id")
	AttrPhase    = attribute.Key("phasegate.phase")
	AttrActor    = attribute.Key("phasegate.actor")

	// Transition attributes
	AttrFromPhase = attribute.Key("phasegate.phase.from")
	AttrToPhase   = attribute.Key("phasegate.phase.to")
	AttrOverride  = attribute.Key("phasegate.override")

	// SLA attributes
	AttrSLAStatus       = attribute.Key("phasegate.sla.status")
	AttrEscalationLevel = attribute.Key("phasegate.escalation.level")
)

// PhaseOperation creates attributes for single-phase operations.
func PhaseOperation(cycleID, reportID int64, phase, actor string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCycleID.Int64(cycleID),
		AttrReportID.Int64(reportID),
		AttrPhase.String(phase),
		AttrActor.String(actor),
	}
}

// TransitionOperation creates attributes for workflow advances.
func TransitionOperation(cycleID, reportID int64, from, to string, override bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCycleID.Int64(cycleID),
		AttrReportID.Int64(reportID),
		AttrFromPhase.String(from),
		AttrToPhase.String(to),
		AttrOverride.Bool(override),
	}
}

// SLAOperation creates attributes for compliance checks.
func SLAOperation(cycleID, reportID int64, phase, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCycleID.Int64(cycleID),
		AttrReportID.Int64(reportID),
		AttrPhase.String(phase),
		AttrSLAStatus.String(status),
	}
}

// EscalationEvent creates attributes for recorded escalations.
func EscalationEvent(cycleID, reportID int64, phase string, level int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCycleID.Int64(cycleID),
		AttrReportID.Int64(reportID),
		AttrPhase.String(phase),
		AttrEscalationLevel.Int(level),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
