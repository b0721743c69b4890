package types

import "time"

// Node is one organizational position bound to exactly one agent. Parent,
// children, and siblings are stored as id references only; the hierarchy
// registry owns the arena that resolves them.
type Node struct {
	ID       string `json:"id"`
	AgentID  string `json:"agent_id"`
	Role     *Role  `json:"role"`
	Level    int    `json:"level"` // root = 0
	ParentID string `json:"parent_id,omitempty"`

	// Children is ordered by attach time.
	Children []string `json:"children,omitempty"`

	// Siblings is derivable from the parent's child list but cached for
	// O(1) lookup.
	Siblings []string `json:"siblings,omitempty"`

	// Granted is the node's live permission set: a copy handed out at
	// spawn time, never a reference into the parent's set.
	Granted PermissionSet `json:"granted,omitempty"`

	// HeldScopes is the node's current decision-authority scope set.
	HeldScopes ScopeSet `json:"held_scopes,omitempty"`

	// ResourceBudget is the envelope reserved for this node at spawn.
	ResourceBudget Budget `json:"resource_budget"`

	DepartmentID string    `json:"department_id,omitempty"`
	AttachedAt   time.Time `json:"attached_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Fanout returns the node's direct child count.
func (n *Node) Fanout() int {
	return len(n.Children)
}

// Clone returns a deep copy of the node. Role stays shared by reference
// since roles are immutable.
func (n *Node) Clone() *Node {
	out := *n
	out.Children = append([]string(nil), n.Children...)
	out.Siblings = append([]string(nil), n.Siblings...)
	out.Granted = n.Granted.Clone()
	out.HeldScopes = n.HeldScopes.Clone()
	return &out
}
