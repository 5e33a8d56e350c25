package model

import "time"

// Approval status values. Approved, Rejected and Expired are terminal.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalExpired  = "expired"
)

// ApprovalRequest gates a production-impacting stage on a human decision.
type ApprovalRequest struct {
	ID             string      `json:"id" db:"id"`
	ExecutionID    string      `json:"execution_id" db:"execution_id"`
	ModuleName     string      `json:"module_name" db:"module_name"`
	Version        string      `json:"version" db:"version"`
	Environment    Environment `json:"environment" db:"environment"`
	RequesterEmail string      `json:"requester_email" db:"requester_email"`
	Status         string      `json:"status" db:"status"`
	RequestedAt    time.Time   `json:"requested_at" db:"requested_at"`
	TimeoutAt      time.Time   `json:"timeout_at" db:"timeout_at"`
	RespondedAt    *time.Time  `json:"responded_at,omitempty" db:"responded_at"`
	RespondedBy    *string     `json:"responded_by,omitempty" db:"responded_by"`
	ResponseReason *string     `json:"response_reason,omitempty" db:"response_reason"`
}

// Terminal reports whether the request has been resolved.
func (a *ApprovalRequest) Terminal() bool {
	return a.Status != ApprovalPending
}
