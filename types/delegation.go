package types

import "time"

// DelegationStatus tracks a delegation through its lifecycle. Terminal
// statuses (completed, failed, escalated, cancelled) are final.
type DelegationStatus string

const (
	DelegationPending    DelegationStatus = "pending"
	DelegationInProgress DelegationStatus = "in_progress"
	DelegationCompleted  DelegationStatus = "completed"
	DelegationFailed     DelegationStatus = "failed"
	DelegationEscalated  DelegationStatus = "escalated"
	DelegationCancelled  DelegationStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s DelegationStatus) Terminal() bool {
	switch s {
	case DelegationCompleted, DelegationFailed, DelegationEscalated, DelegationCancelled:
		return true
	}
	return false
}

// Authority is a bounded grant handed from a delegator to a delegate. It
// must always be a subset of the delegator's held authority.
type Authority struct {
	CanSubDelegate   bool     `json:"can_sub_delegate"`
	ResourceCeiling  Budget   `json:"resource_ceiling"`
	DecisionScopes   ScopeSet `json:"decision_scopes"`
	EscalationRights bool     `json:"escalation_rights"`
}

// Constraints bound how the delegate must execute.
type Constraints struct {
	MustReportEvery   time.Duration `json:"must_report_every"`
	ImmutableFields   []string      `json:"immutable_fields,omitempty"`
	RequiredApprovals []string      `json:"required_approvals,omitempty"`
	MaxSubTasks       int           `json:"max_sub_tasks"`
}

// Delegation is a task handed from a delegator node to a delegate node under
// a bounded authority grant.
type Delegation struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	DelegatorID string           `json:"delegator_id"`
	DelegateID  string           `json:"delegate_id"`
	Authority   Authority        `json:"authority"`
	Constraints Constraints      `json:"constraints"`
	Deadline    *time.Time       `json:"deadline,omitempty"`
	Status      DelegationStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	LastCheckIn *time.Time       `json:"last_check_in,omitempty"`
	FailReason  string           `json:"fail_reason,omitempty"`
}
