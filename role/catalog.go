// Package role provides the role and permission catalog: immutable role
// templates registered once and shared by reference across nodes.
package role

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orgflow/orgflow/types"
)

// Catalog is the registry of role definitions. Roles are validated at
// registration and never mutated afterwards.
type Catalog struct {
	roles  map[string]*types.Role
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewCatalog creates an empty role catalog.
func NewCatalog(logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		roles:  make(map[string]*types.Role),
		logger: logger.With(zap.String("component", "role_catalog")),
	}
}

// Register validates and adds a role definition.
func (c *Catalog) Register(role *types.Role) error {
	if err := Validate(role); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.roles[role.Title]; exists {
		return fmt.Errorf("role %s already registered", role.Title)
	}

	c.roles[role.Title] = role
	c.logger.Info("role registered",
		zap.String("title", role.Title),
		zap.String("class", string(role.Class)),
		zap.Bool("can_spawn", role.CanSpawn),
	)
	return nil
}

// Get returns a role by title.
func (c *Catalog) Get(title string) (*types.Role, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	role, ok := c.roles[title]
	if !ok {
		return nil, types.NewErrorf(types.ErrRoleNotFound, "role %s not registered", title)
	}
	return role, nil
}

// List returns all registered roles, order unspecified.
func (c *Catalog) List() []*types.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*types.Role, 0, len(c.roles))
	for _, role := range c.roles {
		out = append(out, role)
	}
	return out
}

// Validate checks a role definition at construction time, keeping
// permission checks a closed capability-set concern rather than open string
// matching at use sites.
func Validate(role *types.Role) error {
	if role == nil {
		return fmt.Errorf("role is nil")
	}
	if role.Title == "" {
		return fmt.Errorf("role title is required")
	}
	switch role.Class {
	case types.ClassExecutive, types.ClassManager, types.ClassSpecialist, types.ClassSupport:
	default:
		return fmt.Errorf("role %s has unknown class %q", role.Title, role.Class)
	}
	if role.MaxSubordinates < 0 {
		return fmt.Errorf("role %s has negative subordinate cap", role.Title)
	}
	if role.CanSpawn && role.MaxSubordinates == 0 {
		return fmt.Errorf("role %s may spawn but caps subordinates at zero", role.Title)
	}
	if role.CanSpawn && !role.Permissions.Allows(types.ActionSpawnAgent, "*") {
		// spawn flag without the matching capability is a definition bug
		hasScoped := false
		for _, p := range role.Permissions {
			if p.Action == types.ActionSpawnAgent {
				hasScoped = true
				break
			}
		}
		if !hasScoped {
			return fmt.Errorf("role %s has can_spawn without a spawn-agent permission", role.Title)
		}
	}
	for _, p := range role.Permissions {
		switch p.Action {
		case types.ActionSpawnAgent, types.ActionDelegateTask, types.ActionSendMessage,
			types.ActionEscalate, types.ActionScaleOrg, types.ActionRetireAgent:
		default:
			return fmt.Errorf("role %s grants unknown action %q", role.Title, p.Action)
		}
		if p.ResourceScope == "" {
			return fmt.Errorf("role %s permission %s lacks a resource scope", role.Title, p.Action)
		}
	}
	return nil
}

// scopesForClass maps a role class to its default decision-authority scopes.
// Higher classes subsume the scopes of the classes beneath them.
func scopesForClass(class types.RoleClass) types.ScopeSet {
	switch class {
	case types.ClassExecutive:
		return types.NewScopeSet(types.ScopeStrategic, types.ScopeTactical, types.ScopeOperational, types.ScopeTask)
	case types.ClassManager:
		return types.NewScopeSet(types.ScopeTactical, types.ScopeOperational, types.ScopeTask)
	case types.ClassSpecialist:
		return types.NewScopeSet(types.ScopeOperational, types.ScopeTask)
	default:
		return types.NewScopeSet(types.ScopeTask)
	}
}

// NewExecutiveRole builds the default top-of-hierarchy role.
func NewExecutiveRole() *types.Role {
	return &types.Role{
		Title: "executive",
		Class: types.ClassExecutive,
		Permissions: types.PermissionSet{
			{Action: types.ActionSpawnAgent, ResourceScope: "*"},
			{Action: types.ActionDelegateTask, ResourceScope: "*"},
			{Action: types.ActionSendMessage, ResourceScope: "*"},
			{Action: types.ActionEscalate, ResourceScope: "*"},
			{Action: types.ActionScaleOrg, ResourceScope: "*"},
			{Action: types.ActionRetireAgent, ResourceScope: "*"},
		},
		CanSpawn:        true,
		MaxSubordinates: 8,
		ReportEvery:     24 * time.Hour,
		DecisionScopes:  scopesForClass(types.ClassExecutive),
	}
}

// NewManagerRole builds the default mid-tier role.
func NewManagerRole() *types.Role {
	return &types.Role{
		Title: "manager",
		Class: types.ClassManager,
		Permissions: types.PermissionSet{
			{Action: types.ActionSpawnAgent, ResourceScope: "*"},
			{Action: types.ActionDelegateTask, ResourceScope: "*"},
			{Action: types.ActionSendMessage, ResourceScope: "*"},
			{Action: types.ActionEscalate, ResourceScope: "*"},
		},
		CanSpawn:        true,
		MaxSubordinates: 6,
		ReportEvery:     4 * time.Hour,
		DecisionScopes:  scopesForClass(types.ClassManager),
	}
}

// NewSpecialistRole builds the default individual-contributor role.
func NewSpecialistRole() *types.Role {
	return &types.Role{
		Title: "specialist",
		Class: types.ClassSpecialist,
		Permissions: types.PermissionSet{
			{Action: types.ActionDelegateTask, ResourceScope: "*", Conditions: []string{"sub-delegation-granted"}},
			{Action: types.ActionSendMessage, ResourceScope: "*"},
			{Action: types.ActionEscalate, ResourceScope: "*"},
		},
		CanSpawn:        false,
		MaxSubordinates: 0,
		ReportEvery:     time.Hour,
		DecisionScopes:  scopesForClass(types.ClassSpecialist),
	}
}

// NewSupportRole builds the default support role.
func NewSupportRole() *types.Role {
	return &types.Role{
		Title: "support",
		Class: types.ClassSupport,
		Permissions: types.PermissionSet{
			{Action: types.ActionSendMessage, ResourceScope: "*"},
			{Action: types.ActionEscalate, ResourceScope: "*"},
		},
		CanSpawn:        false,
		MaxSubordinates: 0,
		ReportEvery:     time.Hour,
		DecisionScopes:  scopesForClass(types.ClassSupport),
	}
}

// RegisterDefaults registers the four built-in role classes.
func RegisterDefaults(catalog *Catalog) error {
	for _, role := range []*types.Role{
		NewExecutiveRole(),
		NewManagerRole(),
		NewSpecialistRole(),
		NewSupportRole(),
	} {
		if err := catalog.Register(role); err != nil {
			return fmt.Errorf("failed to register role %s: %w", role.Title, err)
		}
	}
	return nil
}
