package types

import "time"

// EscalationState tracks an escalation through the policy state machine.
type EscalationState string

const (
	EscalationOpen        EscalationState = "open"
	EscalationPropagating EscalationState = "propagating"
	EscalationResolved    EscalationState = "resolved"
	EscalationAbandonedSt EscalationState = "abandoned"
)

// EscalationTrigger names what opened the escalation.
type EscalationTrigger string

const (
	TriggerTimeout EscalationTrigger = "timeout"
	TriggerFailure EscalationTrigger = "failure"
	TriggerDenial  EscalationTrigger = "denial"
)

// Urgency grades how pressing an escalation is. Each level transition raises
// urgency one step.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyMedium
	UrgencyHigh
	UrgencyCritical
)

// Raise returns the next urgency step, capped at critical.
func (u Urgency) Raise() Urgency {
	if u >= UrgencyCritical {
		return UrgencyCritical
	}
	return u + 1
}

// Escalation records a problem's movement through decision levels. An
// escalation references exactly one delegation or spawn failure.
type Escalation struct {
	ID           string            `json:"id"`
	OriginNodeID string            `json:"origin_node_id"`
	DelegationID string            `json:"delegation_id,omitempty"`
	SpawnKey     string            `json:"spawn_key,omitempty"`
	Trigger      EscalationTrigger `json:"trigger"`
	Urgency      Urgency           `json:"urgency"`
	Level        int               `json:"level"`
	State        EscalationState   `json:"state"`
	Reason       string            `json:"reason,omitempty"`
	OpenedAt     time.Time         `json:"opened_at"`
	ClosedAt     *time.Time        `json:"closed_at,omitempty"`
	ResolvedBy   string            `json:"resolved_by,omitempty"`
}
