package org

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orgflow/orgflow/delegation"
	"github.com/orgflow/orgflow/hierarchy"
	"github.com/orgflow/orgflow/persistence"
	"github.com/orgflow/orgflow/role"
	"github.com/orgflow/orgflow/testutil"
	"github.com/orgflow/orgflow/types"
)

func testTemplate() *types.OrgTemplate {
	return &types.OrgTemplate{
		Name:     "research-lab",
		RootRole: "executive",
		Roles: map[string]*types.Role{
			"executive":  role.NewExecutiveRole(),
			"manager":    role.NewManagerRole(),
			"specialist": role.NewSpecialistRole(),
		},
		Departments: []types.DepartmentTemplate{
			{Name: "research", MinSize: 1, MaxSize: 3, Budget: types.Budget{CPUCores: 4, MemoryMB: 8192}},
			{Name: "review", MinSize: 0, MaxSize: 2, Budget: types.Budget{CPUCores: 2, MemoryMB: 4096}},
		},
		Rules: []types.ScalingRule{
			{
				Name:         "research-backlog",
				DepartmentID: "research",
				Trigger:      types.TriggerWorkload,
				Metric:       "queue_depth",
				Threshold:    10,
				Action:       types.ScaleUp,
				TargetRole:   "specialist",
				Count:        2,
				Cooldown:     time.Minute,
			},
		},
		MaxDepth:  4,
		MaxFanout: 4,
	}
}

type orgFixture struct {
	engine      *Engine
	lifecycle   *testutil.FakeLifecycle
	ledger      *testutil.FakeLedger
	coordinator *testutil.FakeCoordinator
	store       *persistence.MemoryStore
}

func newOrgFixture(t *testing.T) *orgFixture {
	t.Helper()
	store := persistence.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	f := &orgFixture{
		lifecycle:   testutil.NewFakeLifecycle(),
		ledger:      testutil.NewFakeLedger(),
		coordinator: testutil.NewFakeCoordinator(),
		store:       store,
	}
	f.engine = NewEngine(f.lifecycle, f.ledger, f.coordinator, store, DefaultConfig(), zap.NewNop())
	return f
}

func (f *orgFixture) instantiate(t *testing.T) *Instance {
	t.Helper()
	inst, err := f.engine.Instantiate(context.Background(), testTemplate(), "lab-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Teardown(context.Background()) })
	return inst
}

func addAgentReq(dept string) AddAgentRequest {
	return AddAgentRequest{
		RoleTitle:    "manager",
		DepartmentID: dept,
		Budget:       types.Budget{CPUCores: 1, MemoryMB: 1024},
	}
}

func TestInstantiateBuildsRootAndDepartments(t *testing.T) {
	ctx := context.Background()
	f := newOrgFixture(t)
	inst := f.instantiate(t)

	snap := inst.Registry.Snapshot()
	assert.Equal(t, 1, snap.Size)
	root, err := snap.Node(snap.RootID)
	require.NoError(t, err)
	assert.Equal(t, 0, root.Level)
	assert.Equal(t, "executive", root.Role.Title)
	assert.Equal(t, 1, f.lifecycle.Alive())

	status := inst.Status()
	assert.Len(t, status.Departments, 2)
	assert.Equal(t, 1, status.NodeCount)

	_, err = f.store.Get(ctx, persistence.PartitionOrganizations, inst.ID)
	require.NoError(t, err)
	_, err = f.store.Get(ctx, persistence.PartitionHierarchies, inst.ID)
	require.NoError(t, err)
}

func TestInstantiateRejectsUnknownRootRole(t *testing.T) {
	f := newOrgFixture(t)
	tmpl := testTemplate()
	tmpl.RootRole = "chief-vibes-officer"
	_, err := f.engine.Instantiate(context.Background(), tmpl, "lab-2")
	assert.Equal(t, types.ErrRoleNotFound, types.GetErrorCode(err))
	assert.Equal(t, 0, f.lifecycle.Alive())
}

func TestAddAgentJoinsDepartmentAndChannels(t *testing.T) {
	ctx := context.Background()
	f := newOrgFixture(t)
	inst := f.instantiate(t)

	node, err := inst.AddAgent(ctx, addAgentReq("research"))
	require.NoError(t, err)
	assert.Equal(t, 1, node.Level)
	assert.Equal(t, 2, f.lifecycle.Alive())
	assert.Equal(t, 1, f.ledger.Committed())
	assert.Equal(t, 0, f.ledger.Outstanding())

	members := inst.MembersOf("department:research")
	require.Len(t, members, 1)
	assert.Equal(t, node.ID, members[0])

	// channel works root -> new node
	require.NoError(t, inst.Router.Send(ctx, &types.Message{
		SenderID:   inst.RootID(),
		ReceiverID: node.ID,
		Kind:       types.KindRequest,
		Content:    "welcome",
	}))
	got, err := inst.Router.Receive(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, "welcome", got.Content)
}

func TestAddAgentRollsBackOnLifecycleFailure(t *testing.T) {
	ctx := context.Background()
	f := newOrgFixture(t)
	inst := f.instantiate(t)
	f.lifecycle.FailCreate = true

	_, err := inst.AddAgent(ctx, addAgentReq("research"))
	require.Error(t, err)

	assert.Equal(t, 1, inst.Registry.Snapshot().Size, "no node attached")
	assert.Equal(t, 0, f.ledger.Outstanding(), "reservation released")
	assert.Empty(t, inst.MembersOf("department:research"))
}

func TestAddAgentRejectsUnknownDepartment(t *testing.T) {
	ctx := context.Background()
	f := newOrgFixture(t)
	inst := f.instantiate(t)

	_, err := inst.AddAgent(ctx, addAgentReq("marketing"))
	require.Error(t, err)
	assert.Equal(t, 1, f.lifecycle.Alive(), "nothing created")
	assert.Equal(t, 0, f.ledger.ReserveCalls)
}

func TestRetireAgentCleansUpEverywhere(t *testing.T) {
	ctx := context.Background()
	f := newOrgFixture(t)
	inst := f.instantiate(t)

	mid, err := inst.AddAgent(ctx, addAgentReq("research"))
	require.NoError(t, err)
	leaf, err := inst.AddAgent(ctx, AddAgentRequest{
		RoleTitle:    "specialist",
		DepartmentID: "research",
		SupervisorID: mid.ID,
		Budget:       types.Budget{CPUCores: 1, MemoryMB: 512},
	})
	require.NoError(t, err)

	require.NoError(t, inst.RetireAgent(ctx, mid.ID, hierarchy.DetachReparent))

	snap := inst.Registry.Snapshot()
	assert.Equal(t, 2, snap.Size)
	reparented, err := snap.Node(leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.RootID(), reparented.ParentID)

	members := inst.MembersOf("department:research")
	assert.Equal(t, []string{leaf.ID}, members)
	assert.Contains(t, f.lifecycle.Terminated(), mid.AgentID)
}

func TestExecuteTaskDelegatesIntoDepartment(t *testing.T) {
	ctx := context.Background()
	f := newOrgFixture(t)
	inst := f.instantiate(t)

	worker, err := inst.AddAgent(ctx, addAgentReq("research"))
	require.NoError(t, err)

	d, err := inst.ExecuteTask(ctx, TaskRequest{
		TaskID:     "task-9",
		Department: "research",
		Authority: types.Authority{
			DecisionScopes:  types.NewScopeSet(types.ScopeTactical),
			ResourceCeiling: types.Budget{CPUCores: 1},
		},
	}, delegation.Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, inst.RootID(), d.DelegatorID)
	assert.Equal(t, worker.ID, d.DelegateID)

	agentID, ok := f.coordinator.AssignedTo("task-9")
	require.True(t, ok)
	assert.Equal(t, worker.AgentID, agentID)
}

func TestStatusReflectsDepartmentTargets(t *testing.T) {
	ctx := context.Background()
	f := newOrgFixture(t)
	inst := f.instantiate(t)

	status := inst.Status()
	for _, d := range status.Departments {
		if d.Name == "research" {
			assert.False(t, d.InTarget, "research requires at least one member")
		}
		if d.Name == "review" {
			assert.True(t, d.InTarget)
		}
	}

	_, err := inst.AddAgent(ctx, addAgentReq("research"))
	require.NoError(t, err)
	status = inst.Status()
	for _, d := range status.Departments {
		if d.Name == "research" {
			assert.True(t, d.InTarget)
		}
	}
}

func TestTeardownTerminatesAllAgents(t *testing.T) {
	ctx := context.Background()
	f := newOrgFixture(t)
	inst, err := f.engine.Instantiate(ctx, testTemplate(), "lab-teardown")
	require.NoError(t, err)

	_, err = inst.AddAgent(ctx, addAgentReq("research"))
	require.NoError(t, err)
	require.Equal(t, 2, f.lifecycle.Alive())

	require.NoError(t, f.engine.Teardown(ctx, inst.ID))
	assert.Equal(t, 0, f.lifecycle.Alive())

	_, err = f.engine.Get(inst.ID)
	assert.Equal(t, types.ErrHierarchyNotFound, types.GetErrorCode(err))

	_, err = inst.AddAgent(ctx, addAgentReq("research"))
	require.Error(t, err)
}
