package model

import "time"

// Audit event kinds emitted by the pipeline core.
const (
	AuditStageTransition    = "stage_transition"
	AuditApprovalTransition = "approval_transition"
	AuditLockEvent          = "lock_event"
	AuditRollback           = "rollback"
)

// AuditEvent is a compliance-trail record handed to the audit sink.
type AuditEvent struct {
	ID          string            `json:"id" db:"id"`
	ExecutionID string            `json:"execution_id" db:"execution_id"`
	Kind        string            `json:"kind" db:"kind"`
	Actor       string            `json:"actor,omitempty" db:"actor"`
	Environment Environment       `json:"environment,omitempty" db:"environment"`
	OldStatus   string            `json:"old_status,omitempty" db:"old_status"`
	NewStatus   string            `json:"new_status,omitempty" db:"new_status"`
	Message     string            `json:"message,omitempty" db:"message"`
	Details     map[string]string `json:"details,omitempty" db:"details"`
	OccurredAt  time.Time         `json:"occurred_at" db:"occurred_at"`
}
