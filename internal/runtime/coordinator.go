package runtime

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/orgflow/orgflow/types"
)

// AssignFunc executes one task assignment. nil means log-and-accept.
type AssignFunc func(ctx context.Context, taskID, agentID string) error

// CoordinatorConfig sizes the coordinator's worker pool.
type CoordinatorConfig struct {
	Workers   int `yaml:"workers" json:"workers"`
	QueueSize int `yaml:"queue_size" json:"queue_size"`
}

// DefaultCoordinatorConfig returns the default pool sizing.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{Workers: 8, QueueSize: 256}
}

type assignment struct {
	taskID  string
	agentID string
}

// Coordinator accepts task assignments and executes them on a bounded
// worker pool. Assign returns once the assignment is queued; execution
// happens asynchronously.
type Coordinator struct {
	queue   chan assignment
	handler AssignFunc
	logger  *zap.Logger

	// mu orders queue sends against Close: senders hold the read lock
	// for the duration of the send, Close takes the write lock before
	// closing the channel, so no send can race the close.
	mu     sync.RWMutex
	closed bool

	wg        sync.WaitGroup
	completed atomic.Int64
	failed    atomic.Int64
}

// NewCoordinator starts the worker pool. A nil handler logs each
// assignment and accepts it.
func NewCoordinator(config CoordinatorConfig, handler AssignFunc, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Workers <= 0 {
		config.Workers = DefaultCoordinatorConfig().Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultCoordinatorConfig().QueueSize
	}
	c := &Coordinator{
		queue:   make(chan assignment, config.QueueSize),
		handler: handler,
		logger:  logger.With(zap.String("component", "task_coordinator")),
	}
	c.wg.Add(config.Workers)
	for i := 0; i < config.Workers; i++ {
		go c.worker()
	}
	return c
}

// Assign queues the task for execution. It fails when the coordinator
// is closed, the queue is full, or the context expires first.
func (c *Coordinator) Assign(ctx context.Context, taskID, agentID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return types.NewError(types.ErrResourceUnavailable, "task coordinator is closed")
	}
	select {
	case c.queue <- assignment{taskID: taskID, agentID: agentID}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for a := range c.queue {
		c.run(a)
	}
}

func (c *Coordinator) run(a assignment) {
	defer func() {
		if r := recover(); r != nil {
			c.failed.Add(1)
			c.logger.Error("assignment handler panicked",
				zap.String("task_id", a.taskID), zap.Any("panic", r))
		}
	}()

	if c.handler == nil {
		c.logger.Info("task assigned",
			zap.String("task_id", a.taskID), zap.String("agent_id", a.agentID))
		c.completed.Add(1)
		return
	}
	if err := c.handler(context.Background(), a.taskID, a.agentID); err != nil {
		c.failed.Add(1)
		c.logger.Warn("assignment failed",
			zap.String("task_id", a.taskID),
			zap.String("agent_id", a.agentID),
			zap.Error(err))
		return
	}
	c.completed.Add(1)
}

// Close stops accepting assignments and waits for queued work to drain.
// It waits out any in-flight Assign before closing the queue.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()
	c.wg.Wait()
}

// Stats reports how many assignments completed and failed.
func (c *Coordinator) Stats() (completed, failed int64) {
	return c.completed.Load(), c.failed.Load()
}
