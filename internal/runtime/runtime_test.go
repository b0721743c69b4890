package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orgflow/orgflow/types"
)

// --- Lifecycle ---

func TestLifecycle_CreateTerminate(t *testing.T) {
	l := NewLifecycle(zap.NewNop())
	ctx := context.Background()

	id, err := l.Create(ctx, "specialist")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, l.Alive())

	state, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "running", state)

	require.NoError(t, l.Terminate(ctx, id))
	assert.Equal(t, 0, l.Alive())

	_, err = l.Get(ctx, id)
	assert.Equal(t, types.ErrAgentNotFound, types.GetErrorCode(err))
}

func TestLifecycle_TerminateUnknown(t *testing.T) {
	l := NewLifecycle(nil)
	err := l.Terminate(context.Background(), "ghost")
	assert.Equal(t, types.ErrAgentNotFound, types.GetErrorCode(err))
}

func TestLifecycle_ConcurrentCreates(t *testing.T) {
	l := NewLifecycle(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Create(context.Background(), "support")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, l.Alive())
}

// --- Ledger ---

func TestLedger_ReserveCommitRelease(t *testing.T) {
	l := NewLedger(types.Budget{CPUCores: 4, MemoryMB: 4096}, zap.NewNop())
	ctx := context.Background()

	id, err := l.Reserve(ctx, types.Budget{CPUCores: 2, MemoryMB: 1024})
	require.NoError(t, err)

	require.NoError(t, l.Commit(ctx, id))
	assert.Equal(t, 2, l.Usage().CPUCores)

	require.NoError(t, l.Release(ctx, id))
	assert.Equal(t, 0, l.Usage().CPUCores)
}

func TestLedger_RejectsOvercommit(t *testing.T) {
	l := NewLedger(types.Budget{CPUCores: 2, MemoryMB: 2048}, nil)
	ctx := context.Background()

	_, err := l.Reserve(ctx, types.Budget{CPUCores: 2, MemoryMB: 1024})
	require.NoError(t, err)

	_, err = l.Reserve(ctx, types.Budget{CPUCores: 1, MemoryMB: 512})
	assert.Equal(t, types.ErrResourceUnavailable, types.GetErrorCode(err))
}

func TestLedger_ReleaseFreesCapacity(t *testing.T) {
	l := NewLedger(types.Budget{CPUCores: 2, MemoryMB: 2048}, nil)
	ctx := context.Background()

	id, err := l.Reserve(ctx, types.Budget{CPUCores: 2, MemoryMB: 1024})
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, id))

	_, err = l.Reserve(ctx, types.Budget{CPUCores: 2, MemoryMB: 1024})
	assert.NoError(t, err)
}

func TestLedger_CommitUnknownReservation(t *testing.T) {
	l := NewLedger(types.Budget{CPUCores: 2, MemoryMB: 2048}, nil)
	err := l.Commit(context.Background(), "res-ghost")
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
}

func TestLedger_ReleaseUnknownIsNoop(t *testing.T) {
	l := NewLedger(types.Budget{CPUCores: 2, MemoryMB: 2048}, nil)
	assert.NoError(t, l.Release(context.Background(), "res-ghost"))
}

// --- Coordinator ---

func TestCoordinator_ExecutesAssignments(t *testing.T) {
	done := make(chan string, 1)
	c := NewCoordinator(CoordinatorConfig{Workers: 2, QueueSize: 4}, func(ctx context.Context, taskID, agentID string) error {
		done <- taskID + "/" + agentID
		return nil
	}, zap.NewNop())
	t.Cleanup(c.Close)

	require.NoError(t, c.Assign(context.Background(), "task-1", "agent-1"))

	select {
	case got := <-done:
		assert.Equal(t, "task-1/agent-1", got)
	case <-time.After(time.Second):
		t.Fatal("assignment was not executed")
	}
}

func TestCoordinator_NilHandlerAccepts(t *testing.T) {
	c := NewCoordinator(CoordinatorConfig{Workers: 1, QueueSize: 1}, nil, nil)
	require.NoError(t, c.Assign(context.Background(), "task-1", "agent-1"))
	c.Close()

	completed, failed := c.Stats()
	assert.Equal(t, int64(1), completed)
	assert.Equal(t, int64(0), failed)
}

func TestCoordinator_HandlerErrorCountsFailed(t *testing.T) {
	c := NewCoordinator(CoordinatorConfig{Workers: 1, QueueSize: 1}, func(ctx context.Context, taskID, agentID string) error {
		return assert.AnError
	}, nil)
	require.NoError(t, c.Assign(context.Background(), "task-1", "agent-1"))
	c.Close()

	_, failed := c.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestCoordinator_AssignAfterClose(t *testing.T) {
	c := NewCoordinator(CoordinatorConfig{Workers: 1, QueueSize: 1}, nil, nil)
	c.Close()

	err := c.Assign(context.Background(), "task-1", "agent-1")
	assert.Equal(t, types.ErrResourceUnavailable, types.GetErrorCode(err))
}

func TestCoordinator_AssignHonorsContext(t *testing.T) {
	block := make(chan struct{})
	c := NewCoordinator(CoordinatorConfig{Workers: 1, QueueSize: 1}, func(ctx context.Context, taskID, agentID string) error {
		<-block
		return nil
	}, nil)
	t.Cleanup(func() {
		close(block)
		c.Close()
	})

	// Occupy the worker and fill the queue.
	require.NoError(t, c.Assign(context.Background(), "task-1", "agent-1"))
	require.NoError(t, c.Assign(context.Background(), "task-2", "agent-2"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Assign(ctx, "task-3", "agent-3")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoordinator_ConcurrentAssignAndClose(t *testing.T) {
	c := NewCoordinator(CoordinatorConfig{Workers: 2, QueueSize: 8}, nil, zap.NewNop())

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			for j := 0; j < 20; j++ {
				err := c.Assign(ctx, fmt.Sprintf("task-%d-%d", n, j), "agent-1")
				if err != nil {
					// closed or deadline, both fine; a send on a
					// closed queue would panic instead
					return
				}
			}
		}(i)
	}

	close(start)
	c.Close()
	wg.Wait()
}

func TestCoordinator_RecoverFromHandlerPanic(t *testing.T) {
	c := NewCoordinator(CoordinatorConfig{Workers: 1, QueueSize: 1}, func(ctx context.Context, taskID, agentID string) error {
		panic("boom")
	}, zap.NewNop())
	require.NoError(t, c.Assign(context.Background(), "task-1", "agent-1"))
	c.Close()

	_, failed := c.Stats()
	assert.Equal(t, int64(1), failed)
}
