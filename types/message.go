package types

import "time"

// MessageKind classifies a message's intent.
type MessageKind string

const (
	KindRequest      MessageKind = "request"
	KindResponse     MessageKind = "response"
	KindNotification MessageKind = "notification"
	KindDelegation   MessageKind = "delegation"
	KindReport       MessageKind = "report"
)

// Priority orders message delivery. Higher values are dequeued first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// Message is an addressed unit of communication between nodes.
type Message struct {
	ID         string         `json:"id"`
	SenderID   string         `json:"sender_id"`
	ReceiverID string         `json:"receiver_id"`
	Kind       MessageKind    `json:"kind"`
	Payload    map[string]any `json:"payload,omitempty"`
	Content    string         `json:"content,omitempty"`
	Priority   Priority       `json:"priority"`
	CreatedAt  time.Time      `json:"created_at"`

	// ExpiresAt, when set, makes the message undeliverable once passed:
	// it is dropped at dequeue and reported to the sender as expired.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// CorrelationID links a request/response pair and drives duplicate
	// suppression: a correlation id is delivered meaningfully once.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Expired reports whether the message's expiry has passed at the given time.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}
