package scaling

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgflow/orgflow/org"
	"github.com/orgflow/orgflow/types"
)

func TestRouterDepthSource_QueueDepth(t *testing.T) {
	f := newScalingFixture(t)
	ctx := context.Background()

	node, err := f.inst.AddAgent(ctx, org.AddAgentRequest{
		RoleTitle:    "specialist",
		DepartmentID: "workers",
		Budget:       types.Budget{CPUCores: 1, MemoryMB: 1024},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.inst.Router.Send(ctx, &types.Message{
			SenderID:   f.inst.RootID(),
			ReceiverID: node.ID,
			Kind:       types.KindRequest,
			Content:    "work item",
		}))
	}

	source := NewRouterDepthSource(f.orgs)
	depth, err := source.Value(ctx, f.inst.ID, "workers", "queue_depth")
	require.NoError(t, err)
	assert.Equal(t, float64(3), depth)
}

func TestRouterDepthSource_DepartmentSize(t *testing.T) {
	f := newScalingFixture(t)
	ctx := context.Background()

	_, err := f.inst.AddAgent(ctx, org.AddAgentRequest{
		RoleTitle:    "specialist",
		DepartmentID: "workers",
		Budget:       types.Budget{CPUCores: 1, MemoryMB: 1024},
	})
	require.NoError(t, err)

	source := NewRouterDepthSource(f.orgs)
	size, err := source.Value(ctx, f.inst.ID, "workers", "department_size")
	require.NoError(t, err)
	assert.Equal(t, float64(1), size)
}

func TestRouterDepthSource_UnknownMetric(t *testing.T) {
	f := newScalingFixture(t)

	source := NewRouterDepthSource(f.orgs)
	_, err := source.Value(context.Background(), f.inst.ID, "workers", "latency_p99")
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestRouterDepthSource_UnknownOrg(t *testing.T) {
	f := newScalingFixture(t)

	source := NewRouterDepthSource(f.orgs)
	_, err := source.Value(context.Background(), "ghost", "workers", "queue_depth")
	assert.Error(t, err)
}
