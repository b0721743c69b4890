// Package delegation implements bounded task hand-off between hierarchy
// nodes: authority subset verification, registration with the external
// task coordinator, check-in and deadline timers, and automatic
// escalation on failure.
package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgflow/orgflow/persistence"
	"github.com/orgflow/orgflow/types"
)

// Coordinator is the external task coordinator boundary. Completion and
// failure events come back through HandleCompletion / HandleFailure.
type Coordinator interface {
	Assign(ctx context.Context, taskID, agentID string) error
}

// Escalator opens escalations on behalf of the engine. Satisfied by
// escalation.Engine.
type Escalator interface {
	Open(ctx context.Context, originNodeID, delegationID string, trigger types.EscalationTrigger, urgency types.Urgency, reason string) (*types.Escalation, error)
}

// Directory answers node lookups against the current hierarchy.
// hierarchy.Snapshot satisfies it.
type Directory interface {
	Node(nodeID string) (*types.Node, error)
	IsAncestor(ancestorID, nodeID string) bool
}

// DirectorySource yields a fresh directory on demand.
type DirectorySource func() Directory

// Callbacks are the per-delegation lifecycle hooks. All fields are
// optional and are invoked outside the engine's lock.
type Callbacks struct {
	OnProgress   func(d *types.Delegation)
	OnComplete   func(d *types.Delegation, result string)
	OnError      func(d *types.Delegation, reason string)
	OnEscalation func(d *types.Delegation, reason string)
}

// Config tunes the delegation engine.
type Config struct {
	// AssignTimeout caps the synchronous hand-off to the task
	// coordinator. A slow coordinator fails the delegation instead of
	// stalling the caller.
	AssignTimeout time.Duration `json:"assign_timeout" yaml:"assign_timeout"`

	// DefaultCheckIn applies when a delegation's constraints carry no
	// check-in interval. Zero disables the default.
	DefaultCheckIn time.Duration `json:"default_check_in" yaml:"default_check_in"`

	// RetainTerminal keeps finished delegations queryable for this long
	// before they leave the live set. The persisted record in the store
	// outlives the eviction. Zero selects the default.
	RetainTerminal time.Duration `json:"retain_terminal" yaml:"retain_terminal"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		AssignTimeout:  10 * time.Second,
		RetainTerminal: 10 * time.Minute,
	}
}

type tracked struct {
	d             *types.Delegation
	cb            Callbacks
	checkInterval time.Duration
	checkTimer    *time.Timer
	deadlineTimer *time.Timer
}

func (t *tracked) stopTimers() {
	if t.checkTimer != nil {
		t.checkTimer.Stop()
	}
	if t.deadlineTimer != nil {
		t.deadlineTimer.Stop()
	}
}

// Engine registers delegations, guards the authority subset invariant,
// and drives each delegation's timers and terminal transition.
type Engine struct {
	dir         DirectorySource
	coordinator Coordinator
	escalator   Escalator
	store       persistence.Store
	config      Config
	logger      *zap.Logger

	mu     sync.Mutex
	active map[string]*tracked
}

// NewEngine creates a delegation engine. escalator may be nil, in which
// case failures surface only through callbacks.
func NewEngine(dir DirectorySource, coordinator Coordinator, escalator Escalator, store persistence.Store, config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.AssignTimeout <= 0 {
		config.AssignTimeout = DefaultConfig().AssignTimeout
	}
	if config.RetainTerminal <= 0 {
		config.RetainTerminal = DefaultConfig().RetainTerminal
	}
	return &Engine{
		dir:         dir,
		coordinator: coordinator,
		escalator:   escalator,
		store:       store,
		config:      config,
		logger:      logger.With(zap.String("component", "delegation_engine")),
	}
}

// Delegate verifies the delegator's authority covers the requested grant,
// registers the delegation, and forwards the task to the coordinator.
// Validation failures never partially mutate state.
func (e *Engine) Delegate(ctx context.Context, d *types.Delegation, cb Callbacks) (*types.Delegation, error) {
	if d.TaskID == "" || d.DelegatorID == "" || d.DelegateID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "delegation requires task, delegator, and delegate")
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	dir := e.dir()
	delegator, err := dir.Node(d.DelegatorID)
	if err != nil {
		return nil, err
	}
	delegate, err := dir.Node(d.DelegateID)
	if err != nil {
		return nil, err
	}
	if !dir.IsAncestor(d.DelegatorID, d.DelegateID) {
		return nil, types.NewErrorf(types.ErrPermissionDenied,
			"node %s may only delegate to its subordinates", d.DelegatorID)
	}
	perms := delegator.Granted
	if len(perms) == 0 && delegator.Role != nil {
		perms = delegator.Role.Permissions
	}
	if !perms.Allows(types.ActionDelegateTask, "*") && !perms.Allows(types.ActionDelegateTask, delegate.DepartmentID) {
		return nil, types.NewErrorf(types.ErrPermissionDenied,
			"role of node %s does not permit delegate-task", d.DelegatorID)
	}

	held := e.heldAuthority(delegator)
	if !d.Authority.DecisionScopes.SubsetOf(held.DecisionScopes) {
		return nil, types.NewErrorf(types.ErrDelegationAuthorityExceeded,
			"requested decision scopes exceed those held by node %s", d.DelegatorID)
	}
	if !held.ResourceCeiling.Covers(d.Authority.ResourceCeiling) {
		return nil, types.NewErrorf(types.ErrDelegationAuthorityExceeded,
			"requested resource ceiling exceeds the budget held by node %s", d.DelegatorID)
	}
	if !held.CanSubDelegate {
		return nil, types.NewErrorf(types.ErrDelegationAuthorityExceeded,
			"node %s holds no sub-delegation rights", d.DelegatorID)
	}

	d.Status = types.DelegationPending
	if err := e.persist(ctx, d); err != nil {
		return nil, err
	}

	assignCtx, cancel := context.WithTimeout(ctx, e.config.AssignTimeout)
	err = e.coordinator.Assign(assignCtx, d.TaskID, delegate.AgentID)
	cancel()
	if err != nil {
		d.Status = types.DelegationFailed
		d.FailReason = err.Error()
		if perr := e.persist(ctx, d); perr != nil {
			e.logger.Warn("failed to persist assignment failure",
				zap.String("delegation_id", d.ID), zap.Error(perr))
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.NewErrorf(types.ErrTimeout,
				"task coordinator did not accept task %s in time", d.TaskID).WithCause(err)
		}
		return nil, types.NewError(types.ErrInternalError, "task coordinator rejected the assignment").WithCause(err)
	}

	d.Status = types.DelegationInProgress
	if err := e.persist(ctx, d); err != nil {
		return nil, err
	}

	t := &tracked{d: d, cb: cb}
	t.checkInterval = d.Constraints.MustReportEvery
	if t.checkInterval <= 0 {
		t.checkInterval = e.config.DefaultCheckIn
	}
	if t.checkInterval > 0 {
		t.checkTimer = time.AfterFunc(t.checkInterval, func() { e.missedCheckIn(d.ID) })
	}
	if d.Deadline != nil {
		t.deadlineTimer = time.AfterFunc(time.Until(*d.Deadline), func() { e.deadlineBreached(d.ID) })
	}

	e.mu.Lock()
	if e.active == nil {
		e.active = make(map[string]*tracked)
	}
	e.active[d.ID] = t
	e.mu.Unlock()

	e.logger.Info("delegation registered",
		zap.String("delegation_id", d.ID),
		zap.String("task_id", d.TaskID),
		zap.String("delegator", d.DelegatorID),
		zap.String("delegate", d.DelegateID),
	)
	return d, nil
}

// heldAuthority computes the delegator's current authority: its own scope
// set and resource budget, narrowed by every active grant it executes
// under. Narrowing is monotone (intersection, componentwise min, AND), so
// the result is independent of grant iteration order.
func (e *Engine) heldAuthority(delegator *types.Node) types.Authority {
	held := types.Authority{
		CanSubDelegate:   true,
		ResourceCeiling:  delegator.ResourceBudget,
		DecisionScopes:   delegator.HeldScopes,
		EscalationRights: true,
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.active {
		if t.d.DelegateID != delegator.ID || t.d.Status.Terminal() {
			continue
		}
		held.DecisionScopes = held.DecisionScopes.Intersect(t.d.Authority.DecisionScopes)
		held.ResourceCeiling = held.ResourceCeiling.Min(t.d.Authority.ResourceCeiling)
		held.CanSubDelegate = held.CanSubDelegate && t.d.Authority.CanSubDelegate
		held.EscalationRights = held.EscalationRights && t.d.Authority.EscalationRights
	}
	return held
}

// CheckIn records a progress report from the delegate and re-arms the
// check-in timer.
func (e *Engine) CheckIn(ctx context.Context, delegationID string) error {
	e.mu.Lock()
	t, ok := e.active[delegationID]
	if !ok {
		e.mu.Unlock()
		return types.NewErrorf(types.ErrNodeNotFound, "delegation %s not found", delegationID)
	}
	if t.d.Status.Terminal() {
		e.mu.Unlock()
		return types.NewErrorf(types.ErrInvalidTransition,
			"delegation %s is already %s", delegationID, t.d.Status)
	}
	now := time.Now()
	t.d.LastCheckIn = &now
	if t.checkTimer != nil {
		t.checkTimer.Reset(t.checkInterval)
	}
	d, cb := t.d, t.cb
	e.mu.Unlock()

	if err := e.persist(ctx, d); err != nil {
		return err
	}
	if cb.OnProgress != nil {
		cb.OnProgress(d)
	}
	return nil
}

// HandleCompletion transitions the delegation to completed. Invoked when
// the task coordinator reports success.
func (e *Engine) HandleCompletion(ctx context.Context, delegationID, result string) error {
	t, err := e.finish(delegationID, types.DelegationCompleted, "")
	if err != nil {
		return err
	}
	if err := e.persist(ctx, t.d); err != nil {
		return err
	}
	if t.cb.OnComplete != nil {
		t.cb.OnComplete(t.d, result)
	}
	return nil
}

// HandleFailure transitions the delegation to failed and, when the grant
// carries escalation rights, opens an escalation automatically.
func (e *Engine) HandleFailure(ctx context.Context, delegationID, reason string) error {
	t, err := e.finish(delegationID, types.DelegationFailed, reason)
	if err != nil {
		return err
	}
	if err := e.persist(ctx, t.d); err != nil {
		return err
	}
	if t.cb.OnError != nil {
		t.cb.OnError(t.d, reason)
	}
	if t.d.Authority.EscalationRights && e.escalator != nil {
		if _, err := e.escalator.Open(ctx, t.d.DelegateID, t.d.ID, types.TriggerFailure, types.UrgencyMedium, reason); err != nil {
			e.logger.Warn("failed to open escalation for failed delegation",
				zap.String("delegation_id", delegationID), zap.Error(err))
		}
	}
	return nil
}

// Cancel transitions the delegation to cancelled and stops its timers.
func (e *Engine) Cancel(ctx context.Context, delegationID string) error {
	t, err := e.finish(delegationID, types.DelegationCancelled, "")
	if err != nil {
		return err
	}
	return e.persist(ctx, t.d)
}

// CancelFor cancels every live delegation whose delegate is the given
// node. Used when the owning agent is cancelled, so no timer outlives it.
func (e *Engine) CancelFor(ctx context.Context, nodeID string) int {
	e.mu.Lock()
	var ids []string
	for id, t := range e.active {
		if t.d.DelegateID == nodeID && !t.d.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	for _, id := range ids {
		if err := e.Cancel(ctx, id); err != nil {
			e.logger.Warn("failed to cancel delegation",
				zap.String("delegation_id", id), zap.Error(err))
		}
	}
	return len(ids)
}

// Get returns a copy of the delegation record.
func (e *Engine) Get(delegationID string) (*types.Delegation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.active[delegationID]
	if !ok {
		return nil, types.NewErrorf(types.ErrNodeNotFound, "delegation %s not found", delegationID)
	}
	d := *t.d
	return &d, nil
}

// finish performs a guarded terminal transition and stops the timers.
func (e *Engine) finish(delegationID string, status types.DelegationStatus, reason string) (*tracked, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.active[delegationID]
	if !ok {
		return nil, types.NewErrorf(types.ErrNodeNotFound, "delegation %s not found", delegationID)
	}
	if t.d.Status.Terminal() {
		return nil, types.NewErrorf(types.ErrInvalidTransition,
			"delegation %s is already %s", delegationID, t.d.Status)
	}
	t.stopTimers()
	now := time.Now()
	t.d.Status = status
	t.d.CompletedAt = &now
	if reason != "" {
		t.d.FailReason = reason
	}
	time.AfterFunc(e.config.RetainTerminal, func() { e.evict(delegationID) })
	return t, nil
}

// evict drops a terminal delegation from the live set once its retention
// lapses, so the set cannot grow without bound. The store keeps the
// durable record.
func (e *Engine) evict(delegationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.active[delegationID]; ok && t.d.Status.Terminal() {
		delete(e.active, delegationID)
	}
}

// missedCheckIn fires when the check-in timer lapses without a report. The
// delegation stays live; the miss is surfaced through the escalation hook
// and the timer re-arms for the next interval.
func (e *Engine) missedCheckIn(delegationID string) {
	e.mu.Lock()
	t, ok := e.active[delegationID]
	if !ok || t.d.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	if t.checkTimer != nil {
		t.checkTimer.Reset(t.checkInterval)
	}
	d, cb := t.d, t.cb
	e.mu.Unlock()

	e.logger.Warn("delegation missed its check-in",
		zap.String("delegation_id", delegationID),
		zap.Duration("interval", t.checkInterval),
	)
	if cb.OnEscalation != nil {
		cb.OnEscalation(d, "missed check-in")
	}
	if d.Authority.EscalationRights && e.escalator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.config.AssignTimeout)
		defer cancel()
		if _, err := e.escalator.Open(ctx, d.DelegateID, d.ID, types.TriggerTimeout, types.UrgencyMedium, "missed check-in"); err != nil {
			e.logger.Warn("failed to open escalation for missed check-in",
				zap.String("delegation_id", delegationID), zap.Error(err))
		}
	}
}

// deadlineBreached fires when the delegation's deadline passes without a
// terminal transition. The breach escalates regardless of check-in status.
func (e *Engine) deadlineBreached(delegationID string) {
	t, err := e.finish(delegationID, types.DelegationEscalated, "deadline exceeded")
	if err != nil {
		return // already terminal
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.config.AssignTimeout)
	defer cancel()

	if err := e.persist(ctx, t.d); err != nil {
		e.logger.Warn("failed to persist deadline breach",
			zap.String("delegation_id", delegationID), zap.Error(err))
	}
	if t.cb.OnEscalation != nil {
		t.cb.OnEscalation(t.d, "deadline exceeded")
	}
	if e.escalator != nil {
		if _, err := e.escalator.Open(ctx, t.d.DelegateID, t.d.ID, types.TriggerTimeout, types.UrgencyHigh, "deadline exceeded"); err != nil {
			e.logger.Warn("failed to open escalation for deadline breach",
				zap.String("delegation_id", delegationID), zap.Error(err))
		}
	}
}

// persist writes the delegation record to the coordination partition.
func (e *Engine) persist(ctx context.Context, d *types.Delegation) error {
	if e.store == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return types.NewError(types.ErrInternalError, "failed to encode delegation").WithCause(err)
	}
	meta := map[string]string{
		"status":    string(d.Status),
		"delegator": d.DelegatorID,
		"delegate":  d.DelegateID,
	}
	if err := e.store.Put(ctx, persistence.PartitionCoordination, d.ID, data, meta); err != nil {
		return types.NewError(types.ErrInternalError, "failed to persist delegation").WithCause(err)
	}
	return nil
}
