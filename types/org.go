package types

import "time"

// TriggerKind names the metric family a scaling rule watches.
type TriggerKind string

const (
	TriggerWorkload     TriggerKind = "workload"     // e.g. queue depth
	TriggerPerformance  TriggerKind = "performance"  // e.g. task failure rate
	TriggerAvailability TriggerKind = "availability" // e.g. idle ratio
)

// ScaleAction is what a fired rule does to the organization.
type ScaleAction string

const (
	ScaleUp          ScaleAction = "scale-up"
	ScaleDown        ScaleAction = "scale-down"
	ScaleRestructure ScaleAction = "restructure"
)

// ScalingRule is a trigger/action pair bound to one department.
type ScalingRule struct {
	Name         string        `json:"name"`
	DepartmentID string        `json:"department_id"`
	Trigger      TriggerKind   `json:"trigger"`
	Metric       string        `json:"metric"`
	Threshold    float64       `json:"threshold"`
	Action       ScaleAction   `json:"action"`
	TargetRole   string        `json:"target_role"`
	Count        int           `json:"count"`
	Cooldown     time.Duration `json:"cooldown"`
}

// DepartmentTemplate describes a department to be instantiated with empty
// membership.
type DepartmentTemplate struct {
	Name       string             `json:"name"`
	MinSize    int                `json:"min_size"`
	MaxSize    int                `json:"max_size"`
	Budget     Budget             `json:"budget"`
	KPITargets map[string]float64 `json:"kpi_targets,omitempty"`
}

// OrgTemplate is a named organizational blueprint.
type OrgTemplate struct {
	Name        string               `json:"name"`
	RootRole    string               `json:"root_role"`
	Roles       map[string]*Role     `json:"roles"`
	Departments []DepartmentTemplate `json:"departments"`
	Rules       []ScalingRule        `json:"rules"`
	MaxDepth    int                  `json:"max_depth"`
	MaxFanout   int                  `json:"max_fanout"`
}

// Department is a live named grouping of nodes with its own budget and KPI
// targets.
type Department struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	MinSize    int                `json:"min_size"`
	MaxSize    int                `json:"max_size"`
	Budget     Budget             `json:"budget"`
	KPITargets map[string]float64 `json:"kpi_targets,omitempty"`
	Members    []string           `json:"members"` // node ids, attach order
}

// DepartmentStatus is one row in an organization status snapshot.
type DepartmentStatus struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int    `json:"size"`
	MinSize  int    `json:"min_size"`
	MaxSize  int    `json:"max_size"`
	InTarget bool   `json:"in_target"`
}

// OrgStatus is the aggregate view returned by getOrganizationStatus.
type OrgStatus struct {
	OrgID           string             `json:"org_id"`
	Name            string             `json:"name"`
	NodeCount       int                `json:"node_count"`
	Depth           int                `json:"depth"`
	Degraded        bool               `json:"degraded"`
	Departments     []DepartmentStatus `json:"departments"`
	OpenEscalations int                `json:"open_escalations"`
	RuleCooldowns   map[string]string  `json:"rule_cooldowns,omitempty"` // rule name -> cooldown end (RFC3339)
	CreatedAt       time.Time          `json:"created_at"`
}
