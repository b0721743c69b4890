// Package testutil provides shared test doubles for the external
// collaborators of the control plane: the resource ledger, the agent
// lifecycle manager, and the task coordinator.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/orgflow/orgflow/types"
)

// FakeLedger is an in-memory resource ledger with optional forced failures.
type FakeLedger struct {
	mu           sync.Mutex
	nextID       int
	reserved     map[string]types.Budget
	committed    map[string]types.Budget
	released     []string
	FailReserve  bool
	ReserveCalls int
}

// NewFakeLedger creates an empty fake ledger.
func NewFakeLedger() *FakeLedger {
	return &FakeLedger{
		reserved:  make(map[string]types.Budget),
		committed: make(map[string]types.Budget),
	}
}

// Reserve records a reservation or fails when FailReserve is set.
func (l *FakeLedger) Reserve(ctx context.Context, budget types.Budget) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ReserveCalls++
	if l.FailReserve {
		return "", types.NewError(types.ErrResourceUnavailable, "ledger exhausted")
	}
	l.nextID++
	id := fmt.Sprintf("res-%d", l.nextID)
	l.reserved[id] = budget
	return id, nil
}

// Commit moves a reservation to committed.
func (l *FakeLedger) Commit(ctx context.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	budget, ok := l.reserved[reservationID]
	if !ok {
		return fmt.Errorf("unknown reservation %s", reservationID)
	}
	delete(l.reserved, reservationID)
	l.committed[reservationID] = budget
	return nil
}

// Release drops a reservation.
func (l *FakeLedger) Release(ctx context.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reserved, reservationID)
	l.released = append(l.released, reservationID)
	return nil
}

// Outstanding returns the number of live (uncommitted) reservations.
func (l *FakeLedger) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reserved)
}

// Committed returns the number of committed reservations.
func (l *FakeLedger) Committed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.committed)
}

// Released reports whether the reservation was released.
func (l *FakeLedger) Released(reservationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range l.released {
		if id == reservationID {
			return true
		}
	}
	return false
}

// FakeLifecycle is an in-memory agent lifecycle manager.
type FakeLifecycle struct {
	mu         sync.Mutex
	nextID     int
	alive      map[string]string // agentID -> role title
	terminated []string
	FailCreate bool
	CreateErr  error
}

// NewFakeLifecycle creates an empty fake lifecycle manager.
func NewFakeLifecycle() *FakeLifecycle {
	return &FakeLifecycle{alive: make(map[string]string)}
}

// Create mints a new agent id, or fails when configured to.
func (f *FakeLifecycle) Create(ctx context.Context, roleTitle string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate {
		if f.CreateErr != nil {
			return "", f.CreateErr
		}
		return "", fmt.Errorf("lifecycle create failed")
	}
	f.nextID++
	id := fmt.Sprintf("agent-%d", f.nextID)
	f.alive[id] = roleTitle
	return id, nil
}

// Terminate removes an agent.
func (f *FakeLifecycle) Terminate(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.alive[agentID]; !ok {
		return types.NewErrorf(types.ErrAgentNotFound, "agent %s not found", agentID)
	}
	delete(f.alive, agentID)
	f.terminated = append(f.terminated, agentID)
	return nil
}

// Get returns the state of an agent.
func (f *FakeLifecycle) Get(ctx context.Context, agentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.alive[agentID]; ok {
		return "running", nil
	}
	return "", types.NewErrorf(types.ErrAgentNotFound, "agent %s not found", agentID)
}

// Alive returns the number of live agents.
func (f *FakeLifecycle) Alive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alive)
}

// Terminated returns the terminated agent ids in order.
func (f *FakeLifecycle) Terminated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

// FakeCoordinator is an in-memory task coordinator that records assignments.
type FakeCoordinator struct {
	mu          sync.Mutex
	assignments map[string]string // taskID -> agentID
	FailAssign  bool
}

// NewFakeCoordinator creates an empty fake coordinator.
func NewFakeCoordinator() *FakeCoordinator {
	return &FakeCoordinator{assignments: make(map[string]string)}
}

// Assign records the task assignment.
func (c *FakeCoordinator) Assign(ctx context.Context, taskID, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailAssign {
		return fmt.Errorf("coordinator unavailable")
	}
	c.assignments[taskID] = agentID
	return nil
}

// AssignedTo returns the agent a task was assigned to.
func (c *FakeCoordinator) AssignedTo(taskID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agentID, ok := c.assignments[taskID]
	return agentID, ok
}
