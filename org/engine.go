// Package org implements the organization template engine: it turns
// named blueprints into live organization instances, wires the engines
// each instance needs, and drives the agent creation saga.
package org

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgflow/orgflow/comms"
	"github.com/orgflow/orgflow/delegation"
	"github.com/orgflow/orgflow/escalation"
	"github.com/orgflow/orgflow/hierarchy"
	"github.com/orgflow/orgflow/persistence"
	"github.com/orgflow/orgflow/role"
	"github.com/orgflow/orgflow/spawn"
	"github.com/orgflow/orgflow/types"
)

// LifecycleManager is the external agent lifecycle boundary.
type LifecycleManager interface {
	Create(ctx context.Context, roleTitle string) (string, error)
	Terminate(ctx context.Context, agentID string) error
	Get(ctx context.Context, agentID string) (string, error)
}

// Config carries the per-concern configurations handed to each new
// instance's engines.
type Config struct {
	// Limits is the depth/fanout fallback for templates that do not
	// set their own.
	Limits     hierarchy.Limits  `json:"limits" yaml:"limits"`
	Spawn      spawn.Config      `json:"spawn" yaml:"spawn"`
	Router     comms.Config      `json:"router" yaml:"router"`
	Delegation delegation.Config `json:"delegation" yaml:"delegation"`
	Escalation escalation.Config `json:"escalation" yaml:"escalation"`
}

// DefaultConfig returns the default per-instance configuration.
func DefaultConfig() Config {
	return Config{
		Limits:     hierarchy.DefaultLimits(),
		Spawn:      spawn.DefaultConfig(),
		Router:     comms.DefaultConfig(),
		Delegation: delegation.DefaultConfig(),
		Escalation: escalation.DefaultConfig(),
	}
}

// Engine instantiates organization templates and tracks the live
// instances.
type Engine struct {
	lifecycle   LifecycleManager
	ledger      spawn.Ledger
	coordinator delegation.Coordinator
	store       persistence.Store
	config      Config
	logger      *zap.Logger

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewEngine creates a template engine bound to the external collaborators
// every instance shares.
func NewEngine(lifecycle LifecycleManager, ledger spawn.Ledger, coordinator delegation.Coordinator, store persistence.Store, config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		lifecycle:   lifecycle,
		ledger:      ledger,
		coordinator: coordinator,
		store:       store,
		config:      config,
		logger:      logger.With(zap.String("component", "org_engine")),
		instances:   make(map[string]*Instance),
	}
}

// Instantiate creates a live organization from a template: the root node,
// one empty department per template department, and the template's scaling
// rules registered against the new instance.
func (e *Engine) Instantiate(ctx context.Context, template *types.OrgTemplate, name string) (*Instance, error) {
	if template == nil || name == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "instantiation requires a template and a name")
	}
	rootRole, ok := template.Roles[template.RootRole]
	if !ok {
		return nil, types.NewErrorf(types.ErrRoleNotFound,
			"template %s names unknown root role %s", template.Name, template.RootRole)
	}

	catalog := role.NewCatalog(e.logger)
	for _, r := range template.Roles {
		if err := catalog.Register(r); err != nil {
			return nil, types.NewErrorf(types.ErrInvalidRequest,
				"template %s carries an invalid role: %v", template.Name, err)
		}
	}

	limits := e.config.Limits
	if limits.MaxDepth <= 0 || limits.MaxFanout <= 0 {
		limits = hierarchy.DefaultLimits()
	}
	if template.MaxDepth > 0 {
		limits.MaxDepth = template.MaxDepth
	}
	if template.MaxFanout > 0 {
		limits.MaxFanout = template.MaxFanout
	}
	registry := hierarchy.New(name, limits, e.logger)

	rootAgentID, err := e.lifecycle.Create(ctx, rootRole.Title)
	if err != nil {
		registry.Close()
		return nil, types.NewError(types.ErrInternalError, "root agent creation failed").WithCause(err)
	}

	// the root's budget is the sum of the department envelopes, so it can
	// cover any delegation ceiling inside the organization
	rootBudget := types.Budget{}
	for _, dt := range template.Departments {
		rootBudget = rootBudget.Add(dt.Budget)
	}
	rootNode := &types.Node{
		ID:             "node-" + uuid.New().String(),
		AgentID:        rootAgentID,
		Role:           rootRole,
		Granted:        rootRole.Permissions.Clone(),
		HeldScopes:     rootRole.DecisionScopes.Clone(),
		ResourceBudget: rootBudget,
		AttachedAt:     time.Now(),
		LastActiveAt:   time.Now(),
	}
	if err := registry.AttachRoot(ctx, rootNode); err != nil {
		registry.Close()
		if termErr := e.lifecycle.Terminate(ctx, rootAgentID); termErr != nil {
			e.logger.Warn("failed to terminate root agent after attach failure",
				zap.String("agent_id", rootAgentID), zap.Error(termErr))
		}
		return nil, err
	}

	inst := &Instance{
		ID:        "org-" + uuid.New().String(),
		Name:      name,
		Template:  template,
		Registry:  registry,
		Catalog:   catalog,
		lifecycle: e.lifecycle,
		store:     e.store,
		logger:    e.logger.With(zap.String("org", name)),
		createdAt: time.Now(),

		departments: make(map[string]*types.Department, len(template.Departments)),
	}
	for _, dt := range template.Departments {
		dept := &types.Department{
			ID:         "dept-" + uuid.New().String(),
			Name:       dt.Name,
			MinSize:    dt.MinSize,
			MaxSize:    dt.MaxSize,
			Budget:     dt.Budget,
			KPITargets: dt.KPITargets,
		}
		inst.departments[dept.ID] = dept
	}
	inst.rules = append(inst.rules, template.Rules...)

	inst.Router = comms.NewRouter(func() comms.Topology { return registry.Snapshot() },
		inst, e.store, e.config.Router, e.logger)
	inst.Escalator = escalation.NewEngine(
		func() escalation.Directory { return registry.Snapshot() },
		inst.Router, e.store, e.config.Escalation, e.logger)
	inst.Delegator = delegation.NewEngine(
		func() delegation.Directory { return registry.Snapshot() },
		e.coordinator, inst.Escalator, e.store, e.config.Delegation, e.logger)
	inst.Spawner = spawn.NewEngine(registry, catalog, e.ledger, e.config.Spawn, e.logger)

	inst.Router.Register(rootNode.ID)

	e.mu.Lock()
	e.instances[inst.ID] = inst
	e.mu.Unlock()

	if err := inst.persist(ctx); err != nil {
		e.logger.Warn("failed to persist new organization", zap.Error(err))
	}
	e.logger.Info("organization instantiated",
		zap.String("org_id", inst.ID),
		zap.String("template", template.Name),
		zap.Int("departments", len(inst.departments)),
		zap.Int("rules", len(inst.rules)),
	)
	return inst, nil
}

// Get returns a live instance by id.
func (e *Engine) Get(orgID string) (*Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[orgID]
	if !ok {
		return nil, types.NewErrorf(types.ErrHierarchyNotFound, "organization %s not found", orgID)
	}
	return inst, nil
}

// List returns all live instances, order unspecified.
func (e *Engine) List() []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst)
	}
	return out
}

// Teardown tears an instance down and forgets it.
func (e *Engine) Teardown(ctx context.Context, orgID string) error {
	inst, err := e.Get(orgID)
	if err != nil {
		return err
	}
	if err := inst.Teardown(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.instances, orgID)
	e.mu.Unlock()
	return nil
}
