package org

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orgflow/orgflow/comms"
	"github.com/orgflow/orgflow/delegation"
	"github.com/orgflow/orgflow/escalation"
	"github.com/orgflow/orgflow/hierarchy"
	"github.com/orgflow/orgflow/persistence"
	"github.com/orgflow/orgflow/role"
	"github.com/orgflow/orgflow/spawn"
	"github.com/orgflow/orgflow/types"
)

// Instance is one live organization: a hierarchy plus departments, the
// engines that mutate it, and the scaling rules registered against it.
// Instances are created by the template engine and torn down explicitly.
type Instance struct {
	ID       string
	Name     string
	Template *types.OrgTemplate

	Registry  *hierarchy.Registry
	Catalog   *role.Catalog
	Spawner   *spawn.Engine
	Router    *comms.Router
	Delegator *delegation.Engine
	Escalator *escalation.Engine

	lifecycle LifecycleManager
	store     persistence.Store
	logger    *zap.Logger
	createdAt time.Time

	mu          sync.Mutex
	departments map[string]*types.Department // keyed by department id
	rules       []types.ScalingRule
	tornDown    bool
}

// AddAgentRequest asks for one new agent in the organization.
type AddAgentRequest struct {
	RoleTitle      string       `json:"role_title"`
	DepartmentID   string       `json:"department_id,omitempty"`
	SupervisorID   string       `json:"supervisor_id,omitempty"` // defaults to the root node
	Budget         types.Budget `json:"budget"`
	ResourceScope  string       `json:"resource_scope,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
}

// TaskRequest hands one task into the organization as a delegation.
type TaskRequest struct {
	TaskID      string            `json:"task_id"`
	DelegatorID string            `json:"delegator_id,omitempty"` // defaults to the root node
	DelegateID  string            `json:"delegate_id,omitempty"`  // defaults to a department member
	Department  string            `json:"department,omitempty"`
	Authority   types.Authority   `json:"authority"`
	Constraints types.Constraints `json:"constraints"`
	Deadline    *time.Time        `json:"deadline,omitempty"`
}

// MembersOf resolves a broadcast scope of the form "department:<name>" to
// the department's member node ids. Satisfies comms.ScopeResolver.
func (o *Instance) MembersOf(scope string) []string {
	name, ok := strings.CutPrefix(scope, "department:")
	if !ok {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, dept := range o.departments {
		if dept.Name == name || dept.ID == name {
			return append([]string(nil), dept.Members...)
		}
	}
	return nil
}

// Department returns a copy of one department.
func (o *Instance) Department(id string) (*types.Department, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	dept, err := o.departmentLocked(id)
	if err != nil {
		return nil, err
	}
	out := *dept
	out.Members = append([]string(nil), dept.Members...)
	return &out, nil
}

func (o *Instance) departmentLocked(id string) (*types.Department, error) {
	if dept, ok := o.departments[id]; ok {
		return dept, nil
	}
	for _, dept := range o.departments {
		if dept.Name == id {
			return dept, nil
		}
	}
	return nil, types.NewErrorf(types.ErrNodeNotFound, "department %s not found", id)
}

// Rules returns the scaling rules registered against this instance.
func (o *Instance) Rules() []types.ScalingRule {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]types.ScalingRule(nil), o.rules...)
}

// RootID returns the hierarchy's root node id.
func (o *Instance) RootID() string {
	return o.Registry.Snapshot().RootID
}

// AddAgent runs the creation saga: lifecycle create, hierarchy attach,
// department membership, channel setup. Any step's failure rolls back the
// earlier steps, so creation is all-or-nothing.
func (o *Instance) AddAgent(ctx context.Context, req AddAgentRequest) (*types.Node, error) {
	if err := o.guardLive(); err != nil {
		return nil, err
	}
	supervisor := req.SupervisorID
	if supervisor == "" {
		supervisor = o.RootID()
	}
	// resolve the department up front so membership update cannot fail
	// after the agent exists
	var dept *types.Department
	if req.DepartmentID != "" {
		o.mu.Lock()
		d, err := o.departmentLocked(req.DepartmentID)
		o.mu.Unlock()
		if err != nil {
			return nil, err
		}
		dept = d
	}
	scope := req.ResourceScope
	if scope == "" && dept != nil {
		scope = "department:" + dept.Name
	}
	if scope == "" {
		scope = "*"
	}

	approval, err := o.Spawner.Authorize(ctx, spawn.Request{
		IdempotencyKey: req.IdempotencyKey,
		RequesterID:    supervisor,
		RoleTitle:      req.RoleTitle,
		ResourceScope:  scope,
		Budget:         req.Budget,
		DepartmentID:   departmentID(dept),
	})
	if err != nil {
		return nil, err
	}

	agentID, err := o.lifecycle.Create(ctx, req.RoleTitle)
	if err != nil {
		if abortErr := o.Spawner.Abort(ctx, approval.ID); abortErr != nil {
			o.logger.Warn("failed to abort spawn after lifecycle failure",
				zap.String("approval_id", approval.ID), zap.Error(abortErr))
		}
		return nil, types.NewError(types.ErrInternalError, "agent creation failed").WithCause(err)
	}

	node := &types.Node{
		ID:           "node-" + uuid.New().String(),
		AgentID:      agentID,
		AttachedAt:   time.Now(),
		LastActiveAt: time.Now(),
	}
	nodeID, err := o.Spawner.Commit(ctx, approval.ID, node)
	if err != nil {
		if termErr := o.lifecycle.Terminate(ctx, agentID); termErr != nil {
			o.logger.Warn("failed to terminate agent after attach failure",
				zap.String("agent_id", agentID), zap.Error(termErr))
		}
		return nil, err
	}

	if dept != nil {
		o.mu.Lock()
		dept.Members = append(dept.Members, nodeID)
		o.mu.Unlock()
	}
	o.Router.Register(nodeID)

	o.logger.Info("agent added",
		zap.String("node_id", nodeID),
		zap.String("agent_id", agentID),
		zap.String("role", req.RoleTitle),
		zap.String("department", departmentID(dept)),
	)
	if err := o.persist(ctx); err != nil {
		o.logger.Warn("failed to persist organization record", zap.Error(err))
	}
	attached, err := o.Registry.Node(nodeID)
	if err != nil {
		return node, nil
	}
	return attached, nil
}

// RetireAgent cancels the node's delegations and queued messages,
// terminates the agent, and detaches the node under the given policy. No
// orphaned node is left reachable.
func (o *Instance) RetireAgent(ctx context.Context, nodeID string, policy hierarchy.DetachPolicy) error {
	if err := o.guardLive(); err != nil {
		return err
	}
	node, err := o.Registry.Node(nodeID)
	if err != nil {
		return err
	}

	o.Delegator.CancelFor(ctx, nodeID)
	o.Router.Unregister(nodeID)
	if err := o.lifecycle.Terminate(ctx, node.AgentID); err != nil {
		o.logger.Warn("lifecycle terminate failed during retirement",
			zap.String("agent_id", node.AgentID), zap.Error(err))
	}
	if err := o.Registry.Detach(ctx, nodeID, policy); err != nil {
		return err
	}

	o.mu.Lock()
	for _, dept := range o.departments {
		dept.Members = removeMember(dept.Members, nodeID)
	}
	o.mu.Unlock()

	o.logger.Info("agent retired",
		zap.String("node_id", nodeID),
		zap.String("policy", string(policy)),
	)
	return o.persist(ctx)
}

// ExecuteTask routes a task into the organization as a delegation from
// the chosen delegator (root by default) to the chosen delegate.
func (o *Instance) ExecuteTask(ctx context.Context, req TaskRequest, cb delegation.Callbacks) (*types.Delegation, error) {
	if err := o.guardLive(); err != nil {
		return nil, err
	}
	if req.TaskID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "task requires an id")
	}
	delegator := req.DelegatorID
	if delegator == "" {
		delegator = o.RootID()
	}
	delegate := req.DelegateID
	if delegate == "" && req.Department != "" {
		members := o.MembersOf("department:" + req.Department)
		if len(members) > 0 {
			delegate = members[0]
		}
	}
	if delegate == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "task requires a delegate or a non-empty department")
	}

	return o.Delegator.Delegate(ctx, &types.Delegation{
		TaskID:      req.TaskID,
		DelegatorID: delegator,
		DelegateID:  delegate,
		Authority:   req.Authority,
		Constraints: req.Constraints,
		Deadline:    req.Deadline,
	}, cb)
}

// DefaultCallbacks logs delegation outcomes. Useful for callers that
// track progress out of band instead of hooking each transition.
func (o *Instance) DefaultCallbacks() delegation.Callbacks {
	return delegation.Callbacks{
		OnComplete: func(d *types.Delegation, result string) {
			o.logger.Info("delegation completed",
				zap.String("delegation_id", d.ID),
				zap.String("task_id", d.TaskID))
		},
		OnError: func(d *types.Delegation, reason string) {
			o.logger.Warn("delegation failed",
				zap.String("delegation_id", d.ID),
				zap.String("task_id", d.TaskID),
				zap.String("reason", reason))
		},
		OnEscalation: func(d *types.Delegation, reason string) {
			o.logger.Warn("delegation escalated",
				zap.String("delegation_id", d.ID),
				zap.String("task_id", d.TaskID),
				zap.String("reason", reason))
		},
	}
}

// Status returns an aggregate snapshot of the organization.
func (o *Instance) Status() *types.OrgStatus {
	snap := o.Registry.Snapshot()
	status := &types.OrgStatus{
		OrgID:           o.ID,
		Name:            o.Name,
		NodeCount:       snap.Size,
		Depth:           snap.Depth,
		Degraded:        o.Registry.Degraded(),
		OpenEscalations: o.Escalator.OpenCount(),
		CreatedAt:       o.createdAt,
	}
	o.mu.Lock()
	for _, dept := range o.departments {
		size := len(dept.Members)
		status.Departments = append(status.Departments, types.DepartmentStatus{
			ID:       dept.ID,
			Name:     dept.Name,
			Size:     size,
			MinSize:  dept.MinSize,
			MaxSize:  dept.MaxSize,
			InTarget: size >= dept.MinSize && (dept.MaxSize == 0 || size <= dept.MaxSize),
		})
	}
	o.mu.Unlock()
	return status
}

// Teardown terminates every agent and closes the hierarchy. Organizations
// are never garbage collected implicitly; this is the only way down.
func (o *Instance) Teardown(ctx context.Context) error {
	o.mu.Lock()
	if o.tornDown {
		o.mu.Unlock()
		return nil
	}
	o.tornDown = true
	o.mu.Unlock()

	snap := o.Registry.Snapshot()
	g, gctx := errgroup.WithContext(ctx)
	for _, node := range snap.Nodes {
		node := node
		o.Delegator.CancelFor(ctx, node.ID)
		o.Router.Unregister(node.ID)
		g.Go(func() error {
			return o.lifecycle.Terminate(gctx, node.AgentID)
		})
	}
	err := g.Wait()
	o.Registry.Close()
	o.logger.Info("organization torn down",
		zap.String("org_id", o.ID),
		zap.Int("agents", snap.Size),
	)
	if perr := o.persist(ctx); perr != nil && err == nil {
		err = perr
	}
	return err
}

func (o *Instance) guardLive() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.tornDown {
		return types.NewErrorf(types.ErrInvalidRequest, "organization %s is torn down", o.ID)
	}
	return nil
}

// persist writes the organization record to the organizations partition.
func (o *Instance) persist(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	record := struct {
		ID          string                       `json:"id"`
		Name        string                       `json:"name"`
		Template    string                       `json:"template"`
		Departments map[string]*types.Department `json:"departments"`
		NodeCount   int                          `json:"node_count"`
		TornDown    bool                         `json:"torn_down"`
		CreatedAt   time.Time                    `json:"created_at"`
	}{
		ID:        o.ID,
		Name:      o.Name,
		Template:  o.Template.Name,
		NodeCount: o.Registry.Snapshot().Size,
		CreatedAt: o.createdAt,
	}
	o.mu.Lock()
	record.Departments = o.departments
	record.TornDown = o.tornDown
	data, err := json.Marshal(record)
	o.mu.Unlock()
	if err != nil {
		return types.NewError(types.ErrInternalError, "failed to encode organization").WithCause(err)
	}
	meta := map[string]string{"name": o.Name, "template": o.Template.Name}
	if err := o.store.Put(ctx, persistence.PartitionOrganizations, o.ID, data, meta); err != nil {
		return types.NewError(types.ErrInternalError, "failed to persist organization").WithCause(err)
	}

	snap := o.Registry.Snapshot()
	tree, err := json.Marshal(snap.Nodes)
	if err != nil {
		return types.NewError(types.ErrInternalError, "failed to encode hierarchy").WithCause(err)
	}
	treeMeta := map[string]string{"org_id": o.ID, "root": snap.RootID}
	if err := o.store.Put(ctx, persistence.PartitionHierarchies, o.ID, tree, treeMeta); err != nil {
		return types.NewError(types.ErrInternalError, "failed to persist hierarchy").WithCause(err)
	}
	return nil
}

func departmentID(dept *types.Department) string {
	if dept == nil {
		return ""
	}
	return dept.ID
}

func removeMember(members []string, nodeID string) []string {
	out := members[:0]
	for _, m := range members {
		if m != nodeID {
			out = append(out, m)
		}
	}
	return out
}
