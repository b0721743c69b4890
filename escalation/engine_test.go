package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orgflow/orgflow/hierarchy"
	"github.com/orgflow/orgflow/persistence"
	"github.com/orgflow/orgflow/testutil"
	"github.com/orgflow/orgflow/types"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []*types.Message
}

func (s *recordingSender) Send(ctx context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *recordingSender) at(i int) *types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[i]
}

// buildChain creates root(executive) -> mid(manager) -> leaf(specialist).
func buildChain(t *testing.T) *hierarchy.Registry {
	t.Helper()
	ctx := context.Background()
	reg := hierarchy.New("test-org", hierarchy.DefaultLimits(), zap.NewNop())
	t.Cleanup(reg.Close)

	exec := &types.Role{Title: "ceo", Class: types.ClassExecutive, MaxSubordinates: 4}
	mgr := &types.Role{Title: "lead", Class: types.ClassManager, MaxSubordinates: 4}
	spec := &types.Role{Title: "worker", Class: types.ClassSpecialist, MaxSubordinates: 4}

	require.NoError(t, reg.AttachRoot(ctx, &types.Node{ID: "root", AgentID: "a-root", Role: exec}))
	require.NoError(t, reg.Attach(ctx, "root", &types.Node{ID: "mid", AgentID: "a-mid", Role: mgr}))
	require.NoError(t, reg.Attach(ctx, "mid", &types.Node{ID: "leaf", AgentID: "a-leaf", Role: spec}))
	return reg
}

func newEngine(t *testing.T, reg *hierarchy.Registry, cfg Config, sender Sender) (*Engine, *persistence.MemoryStore) {
	t.Helper()
	store := persistence.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	engine := NewEngine(func() Directory { return reg.Snapshot() }, sender, store, cfg, zap.NewNop())
	return engine, store
}

func twoLevelTable(budget time.Duration) Config {
	return Config{
		Levels: []Level{
			{TargetClass: types.ClassManager, TimeBudget: budget, AutoEscalate: true},
			{TargetClass: types.ClassExecutive, TimeBudget: budget, AutoEscalate: true},
		},
	}
}

func TestOpenRoutesToLevelZeroHandler(t *testing.T) {
	ctx := context.Background()
	reg := buildChain(t)
	sender := &recordingSender{}
	engine, store := newEngine(t, reg, twoLevelTable(time.Minute), sender)

	esc, err := engine.Open(ctx, "leaf", "del-1", types.TriggerFailure, types.UrgencyMedium, "worker crashed")
	require.NoError(t, err)
	assert.Equal(t, types.EscalationPropagating, esc.State)
	assert.Equal(t, 0, esc.Level)

	require.Equal(t, 1, sender.count())
	hop := sender.at(0)
	assert.Equal(t, "leaf", hop.SenderID)
	assert.Equal(t, "mid", hop.ReceiverID, "level 0 targets the nearest manager")
	assert.Equal(t, esc.ID, hop.Payload["escalation_id"])

	entry, err := store.Get(ctx, persistence.PartitionEscalations, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.EscalationPropagating), entry.Metadata["state"])
}

func TestOpenRequiresReference(t *testing.T) {
	ctx := context.Background()
	reg := buildChain(t)
	engine, _ := newEngine(t, reg, twoLevelTable(time.Minute), &recordingSender{})

	_, err := engine.Open(ctx, "leaf", "", types.TriggerFailure, types.UrgencyLow, "no ref")
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	_, err = engine.Open(ctx, "ghost", "del-1", types.TriggerFailure, types.UrgencyLow, "bad origin")
	assert.Equal(t, types.ErrNodeNotFound, types.GetErrorCode(err))
}

func TestUnacknowledgedEscalationClimbsThenAbandons(t *testing.T) {
	ctx := context.Background()
	reg := buildChain(t)
	sender := &recordingSender{}
	cfg := Config{
		Levels: []Level{
			{TargetClass: types.ClassManager, TimeBudget: 30 * time.Millisecond, AutoEscalate: true},
			{TargetClass: types.ClassExecutive, TimeBudget: 150 * time.Millisecond, AutoEscalate: true},
		},
	}
	engine, _ := newEngine(t, reg, cfg, sender)

	var abandoned *types.Escalation
	var mu sync.Mutex
	engine.OnAbandoned = func(esc *types.Escalation) {
		mu.Lock()
		abandoned = esc
		mu.Unlock()
	}

	esc, err := engine.Open(ctx, "leaf", "del-1", types.TriggerTimeout, types.UrgencyLow, "deadline passed")
	require.NoError(t, err)

	// level 0 lapses -> re-routed to the executive
	testutil.Eventually(t, func() bool { return sender.count() >= 2 }, time.Second,
		"escalation never moved to level 1")
	hop := sender.at(1)
	assert.Equal(t, "root", hop.ReceiverID)

	got, err := engine.Get(esc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Level)
	assert.Equal(t, types.UrgencyMedium, got.Urgency, "urgency rises one step per level")

	// level 1 lapses too -> abandoned
	testutil.Eventually(t, func() bool {
		got, err := engine.Get(esc.ID)
		return err == nil && got.State == types.EscalationAbandonedSt
	}, time.Second, "escalation never abandoned")

	mu.Lock()
	require.NotNil(t, abandoned)
	assert.Equal(t, esc.ID, abandoned.ID)
	mu.Unlock()
}

func TestAcknowledgeDisarmsAutoEscalate(t *testing.T) {
	ctx := context.Background()
	reg := buildChain(t)
	sender := &recordingSender{}
	engine, _ := newEngine(t, reg, twoLevelTable(30*time.Millisecond), sender)

	esc, err := engine.Open(ctx, "leaf", "del-1", types.TriggerFailure, types.UrgencyLow, "crashed")
	require.NoError(t, err)
	require.NoError(t, engine.Acknowledge(ctx, esc.ID, "mid"))

	time.Sleep(80 * time.Millisecond)
	got, err := engine.Get(esc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Level, "acknowledged escalation stays at its level")
	assert.Equal(t, types.EscalationPropagating, got.State)
	assert.Equal(t, 1, sender.count())
}

func TestAcknowledgeRejectsNonHandler(t *testing.T) {
	ctx := context.Background()
	reg := buildChain(t)
	engine, _ := newEngine(t, reg, twoLevelTable(time.Minute), &recordingSender{})

	esc, err := engine.Open(ctx, "leaf", "del-1", types.TriggerFailure, types.UrgencyLow, "crashed")
	require.NoError(t, err)

	err = engine.Acknowledge(ctx, esc.ID, "root")
	assert.Equal(t, types.ErrPermissionDenied, types.GetErrorCode(err))
}

func TestResolveIsTerminal(t *testing.T) {
	ctx := context.Background()
	reg := buildChain(t)
	engine, store := newEngine(t, reg, twoLevelTable(time.Minute), &recordingSender{})

	esc, err := engine.Open(ctx, "leaf", "del-1", types.TriggerFailure, types.UrgencyLow, "crashed")
	require.NoError(t, err)
	require.NoError(t, engine.Resolve(ctx, esc.ID, "mid"))

	got, err := engine.Get(esc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EscalationResolved, got.State)
	assert.Equal(t, "mid", got.ResolvedBy)
	require.NotNil(t, got.ClosedAt)

	err = engine.Resolve(ctx, esc.ID, "root")
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))

	entry, err := store.Get(ctx, persistence.PartitionEscalations, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.EscalationResolved), entry.Metadata["state"])
}

func TestAbandonNotifiesConfiguredNodes(t *testing.T) {
	ctx := context.Background()
	reg := buildChain(t)
	sender := &recordingSender{}
	cfg := Config{
		Levels:      []Level{{TargetClass: types.ClassManager, TimeBudget: 20 * time.Millisecond, AutoEscalate: false}},
		NotifyNodes: []string{"root"},
	}
	engine, _ := newEngine(t, reg, cfg, sender)

	esc, err := engine.Open(ctx, "leaf", "del-1", types.TriggerDenial, types.UrgencyLow, "denied")
	require.NoError(t, err)

	testutil.Eventually(t, func() bool {
		got, err := engine.Get(esc.ID)
		return err == nil && got.State == types.EscalationAbandonedSt
	}, time.Second, "escalation without auto-escalate never abandoned")

	testutil.Eventually(t, func() bool { return sender.count() >= 2 }, time.Second,
		"abandonment notification never sent")
	note := sender.at(sender.count() - 1)
	assert.Equal(t, "root", note.ReceiverID)
	assert.Equal(t, string(types.ErrEscalationAbandoned), note.Payload["code"])
}

func TestNoHandlerForClassAbandonsImmediately(t *testing.T) {
	ctx := context.Background()
	reg := buildChain(t)
	sender := &recordingSender{}
	// the chain holds no support-class ancestor
	cfg := Config{Levels: []Level{{TargetClass: types.ClassSupport, TimeBudget: time.Minute, AutoEscalate: true}}}
	engine, _ := newEngine(t, reg, cfg, sender)

	esc, err := engine.Open(ctx, "leaf", "del-1", types.TriggerFailure, types.UrgencyLow, "crashed")
	require.NoError(t, err)

	got, err := engine.Get(esc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EscalationAbandonedSt, got.State)
	assert.Equal(t, 0, sender.count())
}
