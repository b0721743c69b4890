package runtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgflow/orgflow/types"
)

// Ledger is a capacity-bounded resource ledger. Reservations hold
// capacity until they are committed or released; committed budgets stay
// accounted until the corresponding release.
type Ledger struct {
	mu        sync.Mutex
	capacity  types.Budget
	reserved  map[string]types.Budget
	committed map[string]types.Budget
	logger    *zap.Logger
}

// NewLedger creates a ledger with the given total capacity.
func NewLedger(capacity types.Budget, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		capacity:  capacity,
		reserved:  make(map[string]types.Budget),
		committed: make(map[string]types.Budget),
		logger:    logger.With(zap.String("component", "resource_ledger")),
	}
}

// Reserve holds the budget against the remaining capacity and returns a
// reservation id. Reservations that would overcommit the ledger fail
// with ErrResourceUnavailable.
func (l *Ledger) Reserve(ctx context.Context, budget types.Budget) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Tools are not consumable, so only the scalar dimensions count
	// against capacity.
	inUse := l.usageLocked().Add(budget)
	if inUse.CPUCores > l.capacity.CPUCores || inUse.MemoryMB > l.capacity.MemoryMB {
		return "", types.NewErrorf(types.ErrResourceUnavailable,
			"reservation of %d cores / %d MB exceeds remaining capacity",
			budget.CPUCores, budget.MemoryMB)
	}

	id := "res-" + uuid.New().String()
	l.reserved[id] = budget
	l.logger.Debug("budget reserved",
		zap.String("reservation_id", id),
		zap.Int("cpu_cores", budget.CPUCores),
		zap.Int64("memory_mb", budget.MemoryMB))
	return id, nil
}

// Commit converts a reservation into a committed allocation.
func (l *Ledger) Commit(ctx context.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	budget, ok := l.reserved[reservationID]
	if !ok {
		return types.NewErrorf(types.ErrInvalidTransition, "unknown reservation %s", reservationID)
	}
	delete(l.reserved, reservationID)
	l.committed[reservationID] = budget
	return nil
}

// Release frees a reservation or a committed allocation. Releasing an
// unknown id is a no-op so retries stay safe.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.reserved, reservationID)
	delete(l.committed, reservationID)
	return nil
}

// Usage returns the budget currently held by reservations and
// committed allocations.
func (l *Ledger) Usage() types.Budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usageLocked()
}

func (l *Ledger) usageLocked() types.Budget {
	var total types.Budget
	for _, b := range l.reserved {
		total = total.Add(b)
	}
	for _, b := range l.committed {
		total = total.Add(b)
	}
	return total
}
