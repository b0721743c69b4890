// Package escalation drives unresolved problems upward through the
// hierarchy. Each escalation runs a small state machine (open ->
// propagating -> resolved | abandoned) against a configured level table;
// every hop is routed as a message so it inherits the router's delivery
// and audit guarantees.
package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgflow/orgflow/persistence"
	"github.com/orgflow/orgflow/types"
)

// Sender routes escalation hops. comms.Router satisfies it.
type Sender interface {
	Send(ctx context.Context, msg *types.Message) error
}

// Directory answers node and ancestry lookups. hierarchy.Snapshot
// satisfies it.
type Directory interface {
	Node(nodeID string) (*types.Node, error)
	Ancestors(nodeID string) ([]*types.Node, error)
}

// DirectorySource yields a fresh directory on demand.
type DirectorySource func() Directory

// Level is one row of the escalation-level table: which role class
// handles the level, how long it has, and whether a lapsed budget moves
// the escalation up automatically.
type Level struct {
	TargetClass  types.RoleClass `json:"target_class" yaml:"target_class"`
	TimeBudget   time.Duration   `json:"time_budget" yaml:"time_budget"`
	AutoEscalate bool            `json:"auto_escalate" yaml:"auto_escalate"`
}

// Config tunes the escalation engine.
type Config struct {
	// Levels is the escalation-level table, indexed by escalation level.
	// An escalation past the last level is abandoned.
	Levels []Level `json:"levels" yaml:"levels"`

	// NotifyNodes receive a notification when an escalation is abandoned.
	NotifyNodes []string `json:"notify_nodes" yaml:"notify_nodes"`
}

// DefaultConfig returns a two-level table: managers first, executives
// next, both auto-escalating.
func DefaultConfig() Config {
	return Config{
		Levels: []Level{
			{TargetClass: types.ClassManager, TimeBudget: 2 * time.Minute, AutoEscalate: true},
			{TargetClass: types.ClassExecutive, TimeBudget: 5 * time.Minute, AutoEscalate: true},
		},
	}
}

type trackedEsc struct {
	esc       *types.Escalation
	handlerID string
	acked     bool
	timer     *time.Timer
}

// Engine owns the per-escalation state machines.
type Engine struct {
	dir    DirectorySource
	sender Sender
	store  persistence.Store
	config Config
	logger *zap.Logger

	// OnAbandoned, when set, fires after an escalation exhausts the level
	// table. Invoked outside the engine's lock.
	OnAbandoned func(esc *types.Escalation)

	mu     sync.Mutex
	active map[string]*trackedEsc
}

// NewEngine creates an escalation engine.
func NewEngine(dir DirectorySource, sender Sender, store persistence.Store, config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(config.Levels) == 0 {
		config.Levels = DefaultConfig().Levels
	}
	return &Engine{
		dir:    dir,
		sender: sender,
		store:  store,
		config: config,
		logger: logger.With(zap.String("component", "escalation_engine")),
		active: make(map[string]*trackedEsc),
	}
}

// Open starts an escalation for a delegation and routes it to the level-0
// handler. Satisfies the delegation engine's escalator boundary.
func (e *Engine) Open(ctx context.Context, originNodeID, delegationID string, trigger types.EscalationTrigger, urgency types.Urgency, reason string) (*types.Escalation, error) {
	return e.open(ctx, &types.Escalation{
		OriginNodeID: originNodeID,
		DelegationID: delegationID,
		Trigger:      trigger,
		Urgency:      urgency,
		Reason:       reason,
	})
}

// OpenForSpawn starts an escalation for a failed spawn, keyed by the
// spawn request's idempotency key.
func (e *Engine) OpenForSpawn(ctx context.Context, originNodeID, spawnKey string, trigger types.EscalationTrigger, urgency types.Urgency, reason string) (*types.Escalation, error) {
	return e.open(ctx, &types.Escalation{
		OriginNodeID: originNodeID,
		SpawnKey:     spawnKey,
		Trigger:      trigger,
		Urgency:      urgency,
		Reason:       reason,
	})
}

func (e *Engine) open(ctx context.Context, esc *types.Escalation) (*types.Escalation, error) {
	if esc.OriginNodeID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "escalation requires an origin node")
	}
	if esc.DelegationID == "" && esc.SpawnKey == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "escalation must reference a delegation or a spawn failure")
	}
	if _, err := e.dir().Node(esc.OriginNodeID); err != nil {
		return nil, err
	}

	esc.ID = uuid.New().String()
	esc.Level = 0
	esc.State = types.EscalationOpen
	esc.OpenedAt = time.Now()

	if err := e.persist(ctx, esc); err != nil {
		return nil, err
	}
	t := &trackedEsc{esc: esc}
	e.mu.Lock()
	e.active[esc.ID] = t
	e.mu.Unlock()

	if err := e.route(ctx, t); err != nil {
		return nil, err
	}
	e.logger.Info("escalation opened",
		zap.String("escalation_id", esc.ID),
		zap.String("origin", esc.OriginNodeID),
		zap.String("trigger", string(esc.Trigger)),
	)
	return esc, nil
}

// route finds the current level's handler, delivers the hop message, and
// arms the level's time budget. A level with no reachable handler moves
// the escalation straight to the next level, or abandons it at the table's
// end.
func (e *Engine) route(ctx context.Context, t *trackedEsc) error {
	e.mu.Lock()
	esc := t.esc
	if esc.State == types.EscalationResolved || esc.State == types.EscalationAbandonedSt {
		e.mu.Unlock()
		return nil
	}
	if esc.Level >= len(e.config.Levels) {
		e.mu.Unlock()
		return e.abandon(ctx, t, "level table exhausted")
	}
	level := e.config.Levels[esc.Level]
	handler := e.findHandler(esc.OriginNodeID, level.TargetClass, esc.Level)
	if handler == "" {
		esc.Level = len(e.config.Levels)
		e.mu.Unlock()
		return e.abandon(ctx, t, fmt.Sprintf("no reachable %s handler", level.TargetClass))
	}
	esc.State = types.EscalationPropagating
	t.handlerID = handler
	t.acked = false
	escID := esc.ID
	t.timer = time.AfterFunc(level.TimeBudget, func() { e.budgetLapsed(escID) })
	e.mu.Unlock()

	if err := e.persist(ctx, esc); err != nil {
		return err
	}
	msg := &types.Message{
		SenderID:      esc.OriginNodeID,
		ReceiverID:    handler,
		Kind:          types.KindNotification,
		Priority:      priorityFor(esc.Urgency),
		CorrelationID: fmt.Sprintf("%s/level-%d", esc.ID, esc.Level),
		Content:       esc.Reason,
		Payload: map[string]any{
			"escalation_id": esc.ID,
			"level":         esc.Level,
			"trigger":       string(esc.Trigger),
			"urgency":       int(esc.Urgency),
			"delegation_id": esc.DelegationID,
			"spawn_key":     esc.SpawnKey,
		},
	}
	if err := e.sender.Send(ctx, msg); err != nil {
		e.logger.Warn("escalation hop delivery failed",
			zap.String("escalation_id", esc.ID),
			zap.String("handler", handler),
			zap.Error(err),
		)
	}
	return nil
}

// findHandler walks the origin's ancestor chain, nearest first, skipping
// the ancestors already consumed by lower levels, and returns the first
// one whose role matches the target class.
func (e *Engine) findHandler(originID string, class types.RoleClass, level int) string {
	ancestors, err := e.dir().Ancestors(originID)
	if err != nil {
		return ""
	}
	matched := 0
	for _, a := range ancestors {
		if a.Role == nil || a.Role.Class != class {
			continue
		}
		if matched == levelOffset(e.config.Levels, class, level) {
			return a.ID
		}
		matched++
	}
	return ""
}

// levelOffset counts how many earlier levels already targeted the same
// class, so repeated classes in the table walk successively higher
// ancestors.
func levelOffset(levels []Level, class types.RoleClass, level int) int {
	offset := 0
	for i := 0; i < level && i < len(levels); i++ {
		if levels[i].TargetClass == class {
			offset++
		}
	}
	return offset
}

// Acknowledge records that the current level's handler accepted the
// escalation, disarming the auto-escalate timer. The escalation stays
// open until Resolve.
func (e *Engine) Acknowledge(ctx context.Context, escalationID, nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.active[escalationID]
	if !ok {
		return types.NewErrorf(types.ErrNodeNotFound, "escalation %s not found", escalationID)
	}
	if t.esc.State != types.EscalationPropagating {
		return types.NewErrorf(types.ErrInvalidTransition,
			"escalation %s is %s, not awaiting acknowledgment", escalationID, t.esc.State)
	}
	if nodeID != t.handlerID {
		return types.NewErrorf(types.ErrPermissionDenied,
			"node %s is not the level-%d handler", nodeID, t.esc.Level)
	}
	t.acked = true
	if t.timer != nil {
		t.timer.Stop()
	}
	return nil
}

// Resolve closes the escalation successfully.
func (e *Engine) Resolve(ctx context.Context, escalationID, byNodeID string) error {
	e.mu.Lock()
	t, ok := e.active[escalationID]
	if !ok {
		e.mu.Unlock()
		return types.NewErrorf(types.ErrNodeNotFound, "escalation %s not found", escalationID)
	}
	if t.esc.State == types.EscalationResolved || t.esc.State == types.EscalationAbandonedSt {
		e.mu.Unlock()
		return types.NewErrorf(types.ErrInvalidTransition,
			"escalation %s is already %s", escalationID, t.esc.State)
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	now := time.Now()
	t.esc.State = types.EscalationResolved
	t.esc.ClosedAt = &now
	t.esc.ResolvedBy = byNodeID
	esc := t.esc
	e.mu.Unlock()

	e.logger.Info("escalation resolved",
		zap.String("escalation_id", escalationID),
		zap.String("resolved_by", byNodeID),
		zap.Int("level", esc.Level),
	)
	return e.persist(ctx, esc)
}

// Get returns a copy of the escalation record.
func (e *Engine) Get(escalationID string) (*types.Escalation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.active[escalationID]
	if !ok {
		return nil, types.NewErrorf(types.ErrNodeNotFound, "escalation %s not found", escalationID)
	}
	esc := *t.esc
	return &esc, nil
}

// OpenCount returns the number of escalations not yet resolved or
// abandoned.
func (e *Engine) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	count := 0
	for _, t := range e.active {
		if t.esc.State == types.EscalationOpen || t.esc.State == types.EscalationPropagating {
			count++
		}
	}
	return count
}

// budgetLapsed fires when a level's time budget passes without an
// acknowledgment. With autoEscalate set the escalation moves one level up
// with raised urgency; otherwise, or past the table's end, it is
// abandoned.
func (e *Engine) budgetLapsed(escalationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e.mu.Lock()
	t, ok := e.active[escalationID]
	if !ok || t.acked || t.esc.State != types.EscalationPropagating {
		e.mu.Unlock()
		return
	}
	level := e.config.Levels[t.esc.Level]
	if !level.AutoEscalate {
		e.mu.Unlock()
		if err := e.abandon(ctx, t, "time budget lapsed without auto-escalation"); err != nil {
			e.logger.Warn("abandon failed", zap.String("escalation_id", escalationID), zap.Error(err))
		}
		return
	}
	t.esc.Level++
	t.esc.Urgency = t.esc.Urgency.Raise()
	e.mu.Unlock()

	if err := e.route(ctx, t); err != nil {
		e.logger.Warn("failed to route escalation upward",
			zap.String("escalation_id", escalationID), zap.Error(err))
	}
}

// abandon finalizes an escalation that ran out of handlers and notifies
// the configured channels. Callers must not hold the lock.
func (e *Engine) abandon(ctx context.Context, t *trackedEsc, reason string) error {
	e.mu.Lock()
	if t.esc.State == types.EscalationResolved || t.esc.State == types.EscalationAbandonedSt {
		e.mu.Unlock()
		return nil
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	now := time.Now()
	t.esc.State = types.EscalationAbandonedSt
	t.esc.ClosedAt = &now
	esc := t.esc
	e.mu.Unlock()

	e.logger.Warn("escalation abandoned",
		zap.String("escalation_id", esc.ID),
		zap.String("origin", esc.OriginNodeID),
		zap.String("reason", reason),
	)
	if err := e.persist(ctx, esc); err != nil {
		return err
	}
	for _, target := range e.config.NotifyNodes {
		msg := &types.Message{
			SenderID:   esc.OriginNodeID,
			ReceiverID: target,
			Kind:       types.KindNotification,
			Priority:   types.PriorityCritical,
			Content:    "escalation abandoned: " + reason,
			Payload: map[string]any{
				"code":          string(types.ErrEscalationAbandoned),
				"escalation_id": esc.ID,
			},
		}
		if err := e.sender.Send(ctx, msg); err != nil {
			e.logger.Warn("abandonment notification failed",
				zap.String("escalation_id", esc.ID),
				zap.String("target", target),
				zap.Error(err),
			)
		}
	}
	if e.OnAbandoned != nil {
		e.OnAbandoned(esc)
	}
	return nil
}

// persist writes the escalation record to the escalations partition.
func (e *Engine) persist(ctx context.Context, esc *types.Escalation) error {
	if e.store == nil {
		return nil
	}
	data, err := json.Marshal(esc)
	if err != nil {
		return types.NewError(types.ErrInternalError, "failed to encode escalation").WithCause(err)
	}
	meta := map[string]string{
		"state":  string(esc.State),
		"origin": esc.OriginNodeID,
	}
	if err := e.store.Put(ctx, persistence.PartitionEscalations, esc.ID, data, meta); err != nil {
		return types.NewError(types.ErrInternalError, "failed to persist escalation").WithCause(err)
	}
	return nil
}

// priorityFor maps urgency onto message priority.
func priorityFor(u types.Urgency) types.Priority {
	switch u {
	case types.UrgencyCritical:
		return types.PriorityCritical
	case types.UrgencyHigh:
		return types.PriorityHigh
	case types.UrgencyMedium:
		return types.PriorityNormal
	default:
		return types.PriorityLow
	}
}
