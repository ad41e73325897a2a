package tracing

import "go.opentelemetry.io/otel/attribute"

// Span attribute keys.
const (
	AttrTenant        = "warden.tenant"
	AttrPolicyCode    = "warden.policy.code"
	AttrPolicyVersion = "warden.policy.version"
	AttrExecutionID   = "warden.execution.id"
	AttrTrigger       = "warden.execution.trigger"
	AttrStatus        = "warden.execution.status"
	AttrDepth         = "warden.execution.depth"
	AttrAttempts      = "warden.execution.attempts"
	AttrSubjectID     = "warden.subject.id"
	AttrActionIndex   = "warden.action.index"
	AttrActionType    = "warden.action.type"
	AttrActionTarget  = "warden.action.target"
	AttrReplayed      = "warden.action.replayed"
)

// ExecutionAttributes returns the attributes identifying one execution. The
// subject is omitted for scheduled runs.
//
// Example:
//
//	ctx, span := tracer.Start(ctx, "execution",
//		trace.WithAttributes(tracing.ExecutionAttributes(id, "HOS-11", 3, "violation", "drv-1042", 1)...))
func ExecutionAttributes(executionID, policyCode string, version int, trigger, subjectID string, depth int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrExecutionID, executionID),
		attribute.String(AttrPolicyCode, policyCode),
		attribute.Int(AttrPolicyVersion, version),
		attribute.String(AttrTrigger, trigger),
		attribute.Int(AttrDepth, depth),
	}
	if subjectID != "" {
		attrs = append(attrs, attribute.String(AttrSubjectID, subjectID))
	}
	return attrs
}

// ActionAttributes returns the attributes identifying one action.
//
// Example:
//
//	ActionAttributes(0, "notify", "dispatch-webhook")
func ActionAttributes(index int, actionType, target string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrActionIndex, index),
		attribute.String(AttrActionType, actionType),
		attribute.String(AttrActionTarget, target),
	}
}
