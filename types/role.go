package types

import (
	"time"
)

// RoleClass classifies a role's position in the decision chain.
type RoleClass string

const (
	ClassExecutive  RoleClass = "executive"  // strategic decisions
	ClassManager    RoleClass = "manager"    // tactical decisions
	ClassSpecialist RoleClass = "specialist" // operational decisions
	ClassSupport    RoleClass = "support"    // task-level decisions
)

// Action is a closed set of operations a role may be permitted to perform.
type Action string

const (
	ActionSpawnAgent   Action = "spawn-agent"
	ActionDelegateTask Action = "delegate-task"
	ActionSendMessage  Action = "send-message"
	ActionEscalate     Action = "escalate"
	ActionScaleOrg     Action = "scale-org"
	ActionRetireAgent  Action = "retire-agent"
)

// Scope is a decision-authority scope tag.
type Scope string

const (
	ScopeStrategic   Scope = "strategic"
	ScopeTactical    Scope = "tactical"
	ScopeOperational Scope = "operational"
	ScopeTask        Scope = "task"
)

// ScopeSet is a set of decision-authority scope tags.
type ScopeSet map[Scope]struct{}

// NewScopeSet builds a ScopeSet from the given tags.
func NewScopeSet(scopes ...Scope) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return set
}

// Contains reports whether the set holds the given scope.
func (s ScopeSet) Contains(scope Scope) bool {
	_, ok := s[scope]
	return ok
}

// SubsetOf reports whether every scope in s is also in other.
func (s ScopeSet) SubsetOf(other ScopeSet) bool {
	for scope := range s {
		if _, ok := other[scope]; !ok {
			return false
		}
	}
	return true
}

// Intersect returns the scopes present in both sets.
func (s ScopeSet) Intersect(other ScopeSet) ScopeSet {
	out := make(ScopeSet)
	for scope := range s {
		if _, ok := other[scope]; ok {
			out[scope] = struct{}{}
		}
	}
	return out
}

// Clone returns an independent copy of the set.
func (s ScopeSet) Clone() ScopeSet {
	out := make(ScopeSet, len(s))
	for scope := range s {
		out[scope] = struct{}{}
	}
	return out
}

// Slice returns the scopes as a slice, order unspecified.
func (s ScopeSet) Slice() []Scope {
	out := make([]Scope, 0, len(s))
	for scope := range s {
		out = append(out, scope)
	}
	return out
}

// Permission grants one action over a resource scope, optionally gated by
// named conditions evaluated by the caller.
type Permission struct {
	Action        Action   `json:"action"`
	ResourceScope string   `json:"resource_scope"` // e.g. "department:research", "*"
	Conditions    []string `json:"conditions,omitempty"`
}

// Matches reports whether the permission covers the given action and resource
// scope. A resource scope of "*" covers everything.
func (p Permission) Matches(action Action, resourceScope string) bool {
	if p.Action != action {
		return false
	}
	return p.ResourceScope == "*" || p.ResourceScope == resourceScope
}

// PermissionSet is an immutable collection of permissions.
type PermissionSet []Permission

// Allows reports whether any permission in the set covers the action and
// resource scope.
func (ps PermissionSet) Allows(action Action, resourceScope string) bool {
	for _, p := range ps {
		if p.Matches(action, resourceScope) {
			return true
		}
	}
	return false
}

// Clone returns an independent copy of the permission set.
func (ps PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(ps))
	copy(out, ps)
	return out
}

// Role is an immutable position template shared by reference across nodes.
// Roles are never mutated after construction.
type Role struct {
	Title           string        `json:"title"`
	Class           RoleClass     `json:"class"`
	Permissions     PermissionSet `json:"permissions"`
	CanSpawn        bool          `json:"can_spawn"`
	MaxSubordinates int           `json:"max_subordinates"`
	ReportEvery     time.Duration `json:"report_every"`
	DecisionScopes  ScopeSet      `json:"decision_scopes"`
}

// Budget is a resource envelope for spawn reservations and delegation
// ceilings.
type Budget struct {
	CPUCores int      `json:"cpu_cores"`
	MemoryMB int64    `json:"memory_mb"`
	Tools    []string `json:"tools,omitempty"`
}

// Covers reports whether b is large enough to contain other: every dimension
// of other fits within b, and every requested tool is available.
func (b Budget) Covers(other Budget) bool {
	if other.CPUCores > b.CPUCores || other.MemoryMB > b.MemoryMB {
		return false
	}
	for _, tool := range other.Tools {
		found := false
		for _, have := range b.Tools {
			if have == tool {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Min returns the componentwise minimum of two budgets. The tool list is
// the intersection, so the result never grants a tool either side lacks.
func (b Budget) Min(other Budget) Budget {
	out := Budget{CPUCores: b.CPUCores, MemoryMB: b.MemoryMB}
	if other.CPUCores < out.CPUCores {
		out.CPUCores = other.CPUCores
	}
	if other.MemoryMB < out.MemoryMB {
		out.MemoryMB = other.MemoryMB
	}
	for _, tool := range b.Tools {
		for _, have := range other.Tools {
			if have == tool {
				out.Tools = append(out.Tools, tool)
				break
			}
		}
	}
	return out
}

// Add returns the componentwise sum of two budgets. Tool lists are unioned.
func (b Budget) Add(other Budget) Budget {
	out := Budget{
		CPUCores: b.CPUCores + other.CPUCores,
		MemoryMB: b.MemoryMB + other.MemoryMB,
		Tools:    append([]string(nil), b.Tools...),
	}
	for _, tool := range other.Tools {
		dup := false
		for _, have := range out.Tools {
			if have == tool {
				dup = true
				break
			}
		}
		if !dup {
			out.Tools = append(out.Tools, tool)
		}
	}
	return out
}
