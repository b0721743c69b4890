// Package spawn implements the spawn authorization engine: permission,
// depth, fanout, and resource-budget checks for creating subordinate
// agents, with two-phase resource reservation against the external ledger.
package spawn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgflow/orgflow/hierarchy"
	"github.com/orgflow/orgflow/role"
	"github.com/orgflow/orgflow/types"
)

// Ledger is the external resource ledger boundary. Reservations are held
// only between authorization and lifecycle confirmation.
type Ledger interface {
	Reserve(ctx context.Context, budget types.Budget) (string, error)
	Commit(ctx context.Context, reservationID string) error
	Release(ctx context.Context, reservationID string) error
}

// Request asks to create one subordinate agent under the requester node.
type Request struct {
	// IdempotencyKey dedupes retries: the same key yields exactly one
	// node regardless of how many times the flow is replayed.
	IdempotencyKey string       `json:"idempotency_key"`
	RequesterID    string       `json:"requester_id"`
	RoleTitle      string       `json:"role_title"`
	ResourceScope  string       `json:"resource_scope"`
	Budget         types.Budget `json:"budget"`
	DepartmentID   string       `json:"department_id,omitempty"`
}

// Approval authorizes one spawn. It carries the assigned role and the
// initial permission set: a copy of the parent's delegation scope
// intersected with the new role's ceiling, never a live reference.
type Approval struct {
	ID            string              `json:"id"`
	Request       Request             `json:"request"`
	ReservationID string              `json:"reservation_id"`
	Role          *types.Role         `json:"role"`
	Granted       types.PermissionSet `json:"granted"`
	Scopes        types.ScopeSet      `json:"scopes"`
	Conditions    []string            `json:"conditions,omitempty"`
	IssuedAt      time.Time           `json:"issued_at"`
}

// Config bounds the engine's reservation lifecycle.
type Config struct {
	// ConfirmTimeout is how long a reservation may stay uncommitted
	// before it is auto-released and the spawn fails.
	ConfirmTimeout time.Duration `json:"confirm_timeout" yaml:"confirm_timeout"`
}

// DefaultConfig returns the default spawn engine configuration.
func DefaultConfig() Config {
	return Config{ConfirmTimeout: 30 * time.Second}
}

// pending is an approval awaiting lifecycle confirmation.
type pending struct {
	approval *Approval
	timer    *time.Timer
	expired  bool
}

// result is the committed outcome for an idempotency key.
type result struct {
	approval *Approval
	nodeID   string
}

// Engine validates spawn requests and drives reserve-then-commit.
type Engine struct {
	registry *hierarchy.Registry
	catalog  *role.Catalog
	ledger   Ledger
	config   Config

	mu        sync.Mutex
	pendings  map[string]*pending // approval id -> pending
	idemKeys  map[string]*result  // idempotency key -> committed result
	idemOpen  map[string]string   // idempotency key -> outstanding approval id
	logger    *zap.Logger
}

// NewEngine creates a spawn authorization engine bound to one hierarchy.
func NewEngine(registry *hierarchy.Registry, catalog *role.Catalog, ledger Ledger, config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ConfirmTimeout <= 0 {
		config.ConfirmTimeout = DefaultConfig().ConfirmTimeout
	}
	return &Engine{
		registry: registry,
		catalog:  catalog,
		ledger:   ledger,
		config:   config,
		pendings: make(map[string]*pending),
		idemKeys: make(map[string]*result),
		idemOpen: make(map[string]string),
		logger:   logger.With(zap.String("component", "spawn_engine")),
	}
}

// Authorize validates the request in order: spawn permission, depth limit,
// fanout limit, resource reservation. Validation failures are synchronous
// and mutate nothing.
func (e *Engine) Authorize(ctx context.Context, req Request) (*Approval, error) {
	if req.IdempotencyKey != "" {
		e.mu.Lock()
		if res, ok := e.idemKeys[req.IdempotencyKey]; ok {
			// retry of a committed request: hand back the original
			// approval so the replayed Commit resolves to one node
			e.mu.Unlock()
			return res.approval, nil
		}
		if approvalID, ok := e.idemOpen[req.IdempotencyKey]; ok {
			p := e.pendings[approvalID]
			e.mu.Unlock()
			if p != nil {
				return p.approval, nil
			}
		} else {
			e.mu.Unlock()
		}
	}

	snap := e.registry.Snapshot()
	requester, err := snap.Node(req.RequesterID)
	if err != nil {
		return nil, types.NewErrorf(types.ErrAgentNotFound, "requester node %s not found", req.RequesterID)
	}

	// (a) requester's role permits spawn-agent over the requested scope
	held := requester.Granted
	if held == nil && requester.Role != nil {
		held = requester.Role.Permissions
	}
	if requester.Role == nil || !requester.Role.CanSpawn || !held.Allows(types.ActionSpawnAgent, req.ResourceScope) {
		return nil, types.NewErrorf(types.ErrPermissionDenied,
			"node %s may not spawn agents over scope %q", req.RequesterID, req.ResourceScope)
	}

	// (b) depth
	limits := e.registry.Limits()
	if requester.Level+1 > limits.MaxDepth {
		return nil, types.NewErrorf(types.ErrDepthLimitExceeded,
			"spawn under node %s would exceed max depth %d", req.RequesterID, limits.MaxDepth)
	}

	// (c) fanout against min(role cap, configured cap)
	cap := limits.MaxFanout
	if requester.Role.MaxSubordinates < cap {
		cap = requester.Role.MaxSubordinates
	}
	if requester.Fanout()+1 > cap {
		return nil, types.NewErrorf(types.ErrFanoutLimitExceeded,
			"spawn under node %s would exceed fanout cap %d", req.RequesterID, cap)
	}

	newRole, err := e.catalog.Get(req.RoleTitle)
	if err != nil {
		return nil, err
	}

	// (d) reserve optimistically; committed only after lifecycle confirms
	reservationID, err := e.ledger.Reserve(ctx, req.Budget)
	if err != nil {
		if types.GetErrorCode(err) == types.ErrResourceUnavailable {
			return nil, err
		}
		return nil, types.NewError(types.ErrResourceUnavailable, "resource reservation failed").WithCause(err)
	}

	approval := &Approval{
		ID:            uuid.New().String(),
		Request:       req,
		ReservationID: reservationID,
		Role:          newRole,
		Granted:       intersectPermissions(held, newRole.Permissions),
		Scopes:        requester.HeldScopes.Intersect(newRole.DecisionScopes),
		Conditions:    approvalConditions(req, newRole),
		IssuedAt:      time.Now(),
	}

	p := &pending{approval: approval}
	p.timer = time.AfterFunc(e.config.ConfirmTimeout, func() { e.expire(approval.ID) })

	e.mu.Lock()
	e.pendings[approval.ID] = p
	if req.IdempotencyKey != "" {
		e.idemOpen[req.IdempotencyKey] = approval.ID
	}
	e.mu.Unlock()

	e.logger.Info("spawn authorized",
		zap.String("approval_id", approval.ID),
		zap.String("requester", req.RequesterID),
		zap.String("role", req.RoleTitle),
		zap.String("reservation", reservationID),
	)
	return approval, nil
}

// Commit finalizes an approval after the lifecycle manager confirmed agent
// creation: the reservation is committed and the node attached under the
// requester. Replays with the same idempotency key return the node created
// by the first commit.
func (e *Engine) Commit(ctx context.Context, approvalID string, node *types.Node) (string, error) {
	e.mu.Lock()
	p, ok := e.pendings[approvalID]
	if !ok {
		// maybe an idempotent replay of an already-committed approval
		for _, res := range e.idemKeys {
			if res.approval.ID == approvalID {
				e.mu.Unlock()
				return res.nodeID, nil
			}
		}
		e.mu.Unlock()
		return "", types.NewErrorf(types.ErrInvalidRequest, "approval %s unknown", approvalID)
	}
	if p.expired {
		e.mu.Unlock()
		return "", types.NewErrorf(types.ErrResourceUnavailable,
			"approval %s expired before lifecycle confirmation", approvalID)
	}
	p.timer.Stop()
	delete(e.pendings, approvalID)
	e.mu.Unlock()

	approval := p.approval
	node.Role = approval.Role
	node.Granted = approval.Granted.Clone()
	node.HeldScopes = approval.Scopes.Clone()
	node.ResourceBudget = approval.Request.Budget
	node.DepartmentID = approval.Request.DepartmentID

	if err := e.registry.Attach(ctx, approval.Request.RequesterID, node); err != nil {
		if relErr := e.ledger.Release(ctx, approval.ReservationID); relErr != nil {
			e.logger.Warn("failed to release reservation after attach failure",
				zap.String("reservation", approval.ReservationID), zap.Error(relErr))
		}
		return "", err
	}

	if err := e.ledger.Commit(ctx, approval.ReservationID); err != nil {
		// the node is attached; budget bookkeeping is now inconsistent
		// with the ledger, so surface loudly but do not detach.
		e.logger.Error("ledger commit failed after attach",
			zap.String("reservation", approval.ReservationID), zap.Error(err))
	}

	e.mu.Lock()
	if key := approval.Request.IdempotencyKey; key != "" {
		e.idemKeys[key] = &result{approval: approval, nodeID: node.ID}
		delete(e.idemOpen, key)
	}
	e.mu.Unlock()

	e.logger.Info("spawn committed",
		zap.String("approval_id", approvalID),
		zap.String("node_id", node.ID),
	)
	return node.ID, nil
}

// Abort releases an approval's reservation after a creation failure.
func (e *Engine) Abort(ctx context.Context, approvalID string) error {
	e.mu.Lock()
	p, ok := e.pendings[approvalID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	p.timer.Stop()
	delete(e.pendings, approvalID)
	if key := p.approval.Request.IdempotencyKey; key != "" {
		delete(e.idemOpen, key)
	}
	e.mu.Unlock()

	return e.ledger.Release(ctx, p.approval.ReservationID)
}

// expire fires when the confirmation timeout elapses: the reservation is
// auto-released and a later Commit fails with ResourceUnavailable.
func (e *Engine) expire(approvalID string) {
	e.mu.Lock()
	p, ok := e.pendings[approvalID]
	if !ok {
		e.mu.Unlock()
		return
	}
	p.expired = true
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.ledger.Release(ctx, p.approval.ReservationID); err != nil {
		e.logger.Warn("failed to release expired reservation",
			zap.String("reservation", p.approval.ReservationID), zap.Error(err))
	}
	e.logger.Warn("spawn approval expired",
		zap.String("approval_id", approvalID),
		zap.Duration("confirm_timeout", e.config.ConfirmTimeout),
	)
}

// intersectPermissions copies the new role's ceiling filtered down to what
// the parent itself holds.
func intersectPermissions(parent, ceiling types.PermissionSet) types.PermissionSet {
	out := make(types.PermissionSet, 0, len(ceiling))
	for _, p := range ceiling {
		if parent.Allows(p.Action, p.ResourceScope) {
			out = append(out, p)
		}
	}
	return out
}

// approvalConditions derives the textual conditions attached to an
// approval from the request and role.
func approvalConditions(req Request, newRole *types.Role) []string {
	var conditions []string
	if newRole.ReportEvery > 0 {
		conditions = append(conditions, fmt.Sprintf("status reports required every %s", newRole.ReportEvery))
	}
	if req.Budget.CPUCores >= 8 || req.Budget.MemoryMB >= 16384 {
		conditions = append(conditions, "resource usage checkpoints at 25%, 50%, 75% of budget")
	}
	if len(req.Budget.Tools) > 0 {
		conditions = append(conditions, "tool access limited to the reserved tool set")
	}
	return conditions
}
