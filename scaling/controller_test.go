package scaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orgflow/orgflow/org"
	"github.com/orgflow/orgflow/persistence"
	"github.com/orgflow/orgflow/role"
	"github.com/orgflow/orgflow/testutil"
	"github.com/orgflow/orgflow/types"
)

type fakeMetrics struct {
	mu     sync.Mutex
	values map[string]float64 // metric name -> value
}

func (f *fakeMetrics) set(metric string, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values == nil {
		f.values = make(map[string]float64)
	}
	f.values[metric] = value
}

func (f *fakeMetrics) Value(ctx context.Context, orgID, departmentID, metric string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[metric], nil
}

func scalingTemplate() *types.OrgTemplate {
	return &types.OrgTemplate{
		Name:     "pipeline",
		RootRole: "executive",
		Roles: map[string]*types.Role{
			"executive":  role.NewExecutiveRole(),
			"manager":    role.NewManagerRole(),
			"specialist": role.NewSpecialistRole(),
		},
		Departments: []types.DepartmentTemplate{
			{Name: "workers", MinSize: 1, MaxSize: 6, Budget: types.Budget{CPUCores: 12, MemoryMB: 24576}},
		},
		MaxDepth:  4,
		MaxFanout: 8,
	}
}

type scalingFixture struct {
	controller *Controller
	orgs       *org.Engine
	inst       *org.Instance
	metrics    *fakeMetrics
	lifecycle  *testutil.FakeLifecycle
}

func newScalingFixture(t *testing.T) *scalingFixture {
	t.Helper()
	store := persistence.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	lifecycle := testutil.NewFakeLifecycle()
	orgs := org.NewEngine(lifecycle, testutil.NewFakeLedger(), testutil.NewFakeCoordinator(),
		store, org.DefaultConfig(), zap.NewNop())
	inst, err := orgs.Instantiate(context.Background(), scalingTemplate(), "pipeline-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Teardown(context.Background()) })

	metrics := &fakeMetrics{}
	controller := NewController(orgs, metrics, Config{Interval: time.Hour, DefaultCooldown: time.Minute}, zap.NewNop())
	return &scalingFixture{
		controller: controller,
		orgs:       orgs,
		inst:       inst,
		metrics:    metrics,
		lifecycle:  lifecycle,
	}
}

func workloadRule(cooldown time.Duration) types.ScalingRule {
	return types.ScalingRule{
		Name:         "backlog",
		DepartmentID: "workers",
		Trigger:      types.TriggerWorkload,
		Metric:       "queue_depth",
		Threshold:    10,
		Action:       types.ScaleUp,
		TargetRole:   "specialist",
		Count:        2,
		Cooldown:     cooldown,
	}
}

func TestWorkloadTriggerScalesUp(t *testing.T) {
	ctx := context.Background()
	f := newScalingFixture(t)
	f.metrics.set("queue_depth", 25)

	res, err := f.controller.Evaluate(ctx, f.inst, workloadRule(time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Fired)
	assert.Len(t, res.Created, 2)
	assert.Len(t, f.inst.MembersOf("department:workers"), 2)
	assert.Equal(t, 3, f.lifecycle.Alive()) // root + 2 specialists
}

func TestBelowThresholdDoesNotFire(t *testing.T) {
	ctx := context.Background()
	f := newScalingFixture(t)
	f.metrics.set("queue_depth", 3)

	res, err := f.controller.Evaluate(ctx, f.inst, workloadRule(time.Minute))
	require.NoError(t, err)
	assert.False(t, res.Fired)
	assert.Empty(t, f.inst.MembersOf("department:workers"))
}

func TestCooldownSuppressesReFire(t *testing.T) {
	ctx := context.Background()
	f := newScalingFixture(t)
	f.metrics.set("queue_depth", 25)
	rule := workloadRule(time.Minute)

	first, err := f.controller.Evaluate(ctx, f.inst, rule)
	require.NoError(t, err)
	require.True(t, first.Fired)
	require.Len(t, first.Created, 2)

	// the condition persists, but the rule is inside its cooldown
	second, err := f.controller.Evaluate(ctx, f.inst, rule)
	require.NoError(t, err)
	assert.True(t, second.Suppressed)
	assert.False(t, second.Fired)
	assert.Empty(t, second.Created)
	assert.Len(t, f.inst.MembersOf("department:workers"), 2, "no new agents created")
}

func TestScaleUpStopsAtDepartmentMax(t *testing.T) {
	ctx := context.Background()
	f := newScalingFixture(t)
	f.metrics.set("queue_depth", 25)

	rule := workloadRule(time.Minute)
	rule.Count = 10
	res, err := f.controller.Evaluate(ctx, f.inst, rule)
	require.NoError(t, err)
	assert.Len(t, res.Created, 6, "capped at the department's max size")
}

func TestScaleDownRetiresLeastRecentlyActive(t *testing.T) {
	ctx := context.Background()
	f := newScalingFixture(t)

	var nodes []*types.Node
	for i := 0; i < 3; i++ {
		node, err := f.inst.AddAgent(ctx, org.AddAgentRequest{
			RoleTitle:    "specialist",
			DepartmentID: "workers",
			Budget:       types.Budget{CPUCores: 1, MemoryMB: 512},
		})
		require.NoError(t, err)
		nodes = append(nodes, node)
	}
	base := time.Now()
	require.NoError(t, f.inst.Registry.TouchActive(ctx, nodes[0].ID, base.Add(-time.Hour)))
	require.NoError(t, f.inst.Registry.TouchActive(ctx, nodes[1].ID, base.Add(-3*time.Hour)))
	require.NoError(t, f.inst.Registry.TouchActive(ctx, nodes[2].ID, base))

	f.metrics.set("idle_ratio", 0.1)
	rule := types.ScalingRule{
		Name:         "drain-idle",
		DepartmentID: "workers",
		Trigger:      types.TriggerAvailability,
		Metric:       "idle_ratio",
		Threshold:    0.5,
		Action:       types.ScaleDown,
		Count:        5,
		Cooldown:     time.Minute,
	}
	res, err := f.controller.Evaluate(ctx, f.inst, rule)
	require.NoError(t, err)
	require.True(t, res.Fired)

	// min size 1 floors the retirement at 2, oldest activity first
	assert.Equal(t, []string{nodes[1].ID, nodes[0].ID}, res.Retired)
	assert.Equal(t, []string{nodes[2].ID}, f.inst.MembersOf("department:workers"))
}

func TestRestructureRebalancesSupervisors(t *testing.T) {
	ctx := context.Background()
	f := newScalingFixture(t)

	m1, err := f.inst.AddAgent(ctx, org.AddAgentRequest{
		RoleTitle: "manager", DepartmentID: "workers", Budget: types.Budget{CPUCores: 1, MemoryMB: 512},
	})
	require.NoError(t, err)
	m2, err := f.inst.AddAgent(ctx, org.AddAgentRequest{
		RoleTitle: "manager", DepartmentID: "workers", Budget: types.Budget{CPUCores: 1, MemoryMB: 512},
	})
	require.NoError(t, err)

	var lastChild *types.Node
	for i := 0; i < 3; i++ {
		lastChild, err = f.inst.AddAgent(ctx, org.AddAgentRequest{
			RoleTitle: "specialist", SupervisorID: m1.ID, Budget: types.Budget{CPUCores: 1, MemoryMB: 256},
		})
		require.NoError(t, err)
	}

	f.metrics.set("fanout_skew", 0.1)
	rule := types.ScalingRule{
		Name:         "rebalance",
		DepartmentID: "workers",
		Trigger:      types.TriggerPerformance,
		Metric:       "fanout_skew",
		Threshold:    0.5,
		Action:       types.ScaleRestructure,
		Cooldown:     time.Minute,
	}
	res, err := f.controller.Evaluate(ctx, f.inst, rule)
	require.NoError(t, err)
	require.True(t, res.Fired)

	snap := f.inst.Registry.Snapshot()
	moved, err := snap.Node(lastChild.ID)
	require.NoError(t, err)
	assert.Equal(t, m2.ID, moved.ParentID)
}

func TestEvaluateAllCoversEveryRule(t *testing.T) {
	ctx := context.Background()
	f := newScalingFixture(t)
	f.metrics.set("queue_depth", 25)

	// register the rule through the template path
	tmpl := scalingTemplate()
	tmpl.Rules = []types.ScalingRule{workloadRule(time.Minute)}
	inst, err := f.orgs.Instantiate(ctx, tmpl, "pipeline-2")
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Teardown(ctx) })

	f.controller.EvaluateAll(ctx)
	assert.Len(t, inst.MembersOf("department:workers"), 2)
}
