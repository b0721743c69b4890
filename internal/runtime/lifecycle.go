package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgflow/orgflow/types"
)

type agentRecord struct {
	roleTitle string
	startedAt time.Time
}

// Lifecycle is a local agent lifecycle manager. It mints agent ids and
// tracks which agents are alive; the agents themselves run in process.
type Lifecycle struct {
	mu     sync.Mutex
	alive  map[string]agentRecord
	logger *zap.Logger
}

// NewLifecycle creates an empty lifecycle manager.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		alive:  make(map[string]agentRecord),
		logger: logger.With(zap.String("component", "lifecycle")),
	}
}

// Create starts an agent for the given role and returns its id.
func (l *Lifecycle) Create(ctx context.Context, roleTitle string) (string, error) {
	id := "agent-" + uuid.New().String()

	l.mu.Lock()
	l.alive[id] = agentRecord{roleTitle: roleTitle, startedAt: time.Now()}
	l.mu.Unlock()

	l.logger.Info("agent created", zap.String("agent_id", id), zap.String("role", roleTitle))
	return id, nil
}

// Terminate stops a running agent.
func (l *Lifecycle) Terminate(ctx context.Context, agentID string) error {
	l.mu.Lock()
	_, ok := l.alive[agentID]
	delete(l.alive, agentID)
	l.mu.Unlock()

	if !ok {
		return types.NewErrorf(types.ErrAgentNotFound, "agent %s not found", agentID)
	}
	l.logger.Info("agent terminated", zap.String("agent_id", agentID))
	return nil
}

// Get returns the state of an agent.
func (l *Lifecycle) Get(ctx context.Context, agentID string) (string, error) {
	l.mu.Lock()
	_, ok := l.alive[agentID]
	l.mu.Unlock()

	if !ok {
		return "", types.NewErrorf(types.ErrAgentNotFound, "agent %s not found", agentID)
	}
	return "running", nil
}

// Alive returns the number of live agents.
func (l *Lifecycle) Alive() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.alive)
}
