package hierarchy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/orgflow/orgflow/types"
)

// ErrRegistryClosed is returned when an operation is submitted after Close.
var ErrRegistryClosed = errors.New("hierarchy registry closed")

// DetachPolicy selects what happens to a removed node's children. The
// caller must choose; there is no default.
type DetachPolicy string

const (
	// DetachReparent attaches the removed node's children to its former
	// parent.
	DetachReparent DetachPolicy = "reparent"

	// DetachCascade removes the entire subtree.
	DetachCascade DetachPolicy = "cascade"
)

// Limits bound the structural shape of a hierarchy.
type Limits struct {
	MaxDepth  int `json:"max_depth" yaml:"max_depth"`
	MaxFanout int `json:"max_fanout" yaml:"max_fanout"`
}

// DefaultLimits returns the default structural limits.
func DefaultLimits() Limits {
	return Limits{MaxDepth: 5, MaxFanout: 8}
}

// Registry owns the authority graph of one hierarchy. All mutations are
// executed sequentially by a single actor goroutine; reads are served from
// an immutable snapshot swapped atomically after each mutation, so they
// never block writers and never observe intermediate state.
type Registry struct {
	name   string
	limits Limits

	cmds      chan command
	done      chan struct{}
	closeOnce sync.Once

	snap     atomic.Pointer[Snapshot]
	degraded atomic.Bool

	logger *zap.Logger
}

// command is one mutation submitted to the actor.
type command struct {
	apply func(s *state) error
	reply chan error
}

// state is the actor-owned mutable working copy.
type state struct {
	nodes  map[string]*types.Node
	rootID string
	depth  int
	size   int
}

// New creates an empty hierarchy registry and starts its actor.
func New(name string, limits Limits, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		name:   name,
		limits: limits,
		cmds:   make(chan command),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("component", "hierarchy_registry"), zap.String("hierarchy", name)),
	}
	r.snap.Store(&Snapshot{Name: name, Nodes: map[string]*types.Node{}})
	go r.run(&state{nodes: make(map[string]*types.Node)})
	return r
}

// Name returns the hierarchy's name.
func (r *Registry) Name() string { return r.name }

// Limits returns the configured structural limits.
func (r *Registry) Limits() Limits { return r.limits }

// Close stops the actor. Pending commands fail with ErrRegistryClosed.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// Degraded reports whether the hierarchy has been marked structurally
// corrupt. A degraded hierarchy rejects all mutations until reconciled.
func (r *Registry) Degraded() bool { return r.degraded.Load() }

// MarkDegraded flags the hierarchy as structurally corrupt.
func (r *Registry) MarkDegraded(reason string) {
	if r.degraded.CompareAndSwap(false, true) {
		r.logger.Error("hierarchy marked degraded", zap.String("reason", reason))
	}
}

// run is the actor loop. It is the only goroutine that touches state.
func (r *Registry) run(s *state) {
	for {
		select {
		case cmd := <-r.cmds:
			err := cmd.apply(s)
			if err == nil {
				r.snap.Store(s.snapshot(r.name))
			}
			cmd.reply <- err
		case <-r.done:
			return
		}
	}
}

// submit hands a mutation to the actor and waits for its result.
func (r *Registry) submit(ctx context.Context, apply func(s *state) error) error {
	if r.degraded.Load() {
		return types.NewError(types.ErrHierarchyDegraded, "hierarchy is degraded, mutations rejected")
	}
	cmd := command{apply: apply, reply: make(chan error, 1)}
	select {
	case r.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRegistryClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-r.done:
		return ErrRegistryClosed
	}
}

// AttachRoot installs the root node of an empty hierarchy.
func (r *Registry) AttachRoot(ctx context.Context, node *types.Node) error {
	return r.submit(ctx, func(s *state) error {
		if s.rootID != "" {
			return types.NewError(types.ErrInvalidRequest, "hierarchy already has a root")
		}
		n := node.Clone()
		n.Level = 0
		n.ParentID = ""
		n.Children = nil
		n.Siblings = nil
		if n.AttachedAt.IsZero() {
			n.AttachedAt = time.Now()
		}
		s.nodes[n.ID] = n
		s.rootID = n.ID
		s.size = 1
		s.depth = 0
		r.logger.Info("root attached", zap.String("node_id", n.ID))
		return nil
	})
}

// Attach adds newNode as a child of parentID. It is the only operation
// that increments the hierarchy's depth and size counters.
func (r *Registry) Attach(ctx context.Context, parentID string, newNode *types.Node) error {
	return r.submit(ctx, func(s *state) error {
		parent, ok := s.nodes[parentID]
		if !ok {
			return types.NewErrorf(types.ErrHierarchyNotFound, "parent node %s not found", parentID)
		}
		if _, exists := s.nodes[newNode.ID]; exists {
			return types.NewErrorf(types.ErrInvalidRequest, "node %s already attached", newNode.ID)
		}
		if parent.Level+1 > r.limits.MaxDepth {
			return types.NewErrorf(types.ErrDepthLimitExceeded, "attach would exceed max depth %d", r.limits.MaxDepth)
		}
		cap := r.limits.MaxFanout
		if parent.Role != nil && parent.Role.MaxSubordinates < cap {
			cap = parent.Role.MaxSubordinates
		}
		if len(parent.Children)+1 > cap {
			return types.NewErrorf(types.ErrFanoutLimitExceeded, "attach would exceed fanout cap %d of node %s", cap, parentID)
		}

		n := newNode.Clone()
		n.ParentID = parentID
		n.Level = parent.Level + 1
		n.Children = nil
		if n.AttachedAt.IsZero() {
			n.AttachedAt = time.Now()
		}
		s.nodes[n.ID] = n
		parent.Children = append(parent.Children, n.ID)
		s.refreshSiblings(parentID)

		s.size++
		if n.Level > s.depth {
			s.depth = n.Level
		}
		r.logger.Info("node attached",
			zap.String("node_id", n.ID),
			zap.String("parent_id", parentID),
			zap.Int("level", n.Level),
		)
		return nil
	})
}

// Detach removes nodeID under the caller-selected policy. The mutation is
// atomic: no intermediate state in which a node has no parent while children
// still reference it is ever observable.
func (r *Registry) Detach(ctx context.Context, nodeID string, policy DetachPolicy) error {
	return r.submit(ctx, func(s *state) error {
		node, ok := s.nodes[nodeID]
		if !ok {
			return types.NewErrorf(types.ErrNodeNotFound, "node %s not found", nodeID)
		}

		switch policy {
		case DetachReparent:
			if node.ParentID == "" && len(node.Children) > 0 {
				return types.NewError(types.ErrInvalidRequest, "cannot re-parent children of the root node")
			}
			return s.detachReparent(r, node)
		case DetachCascade:
			return s.detachCascade(r, node)
		default:
			return types.NewErrorf(types.ErrInvalidRequest, "unknown detach policy %q", policy)
		}
	})
}

// Reparent moves nodeID (and its subtree) under newParentID.
func (r *Registry) Reparent(ctx context.Context, nodeID, newParentID string) error {
	return r.submit(ctx, func(s *state) error {
		node, ok := s.nodes[nodeID]
		if !ok {
			return types.NewErrorf(types.ErrNodeNotFound, "node %s not found", nodeID)
		}
		newParent, ok := s.nodes[newParentID]
		if !ok {
			return types.NewErrorf(types.ErrHierarchyNotFound, "parent node %s not found", newParentID)
		}
		if nodeID == newParentID || s.inSubtree(nodeID, newParentID) {
			return types.NewError(types.ErrInvalidRequest, "re-parenting would create a cycle")
		}
		if node.ParentID == "" {
			return types.NewError(types.ErrInvalidRequest, "cannot re-parent the root node")
		}
		if node.ParentID == newParentID {
			return nil
		}

		cap := r.limits.MaxFanout
		if newParent.Role != nil && newParent.Role.MaxSubordinates < cap {
			cap = newParent.Role.MaxSubordinates
		}
		if len(newParent.Children)+1 > cap {
			return types.NewErrorf(types.ErrFanoutLimitExceeded, "re-parent would exceed fanout cap %d of node %s", cap, newParentID)
		}
		subtreeHeight := s.subtreeHeight(nodeID)
		if newParent.Level+1+subtreeHeight > r.limits.MaxDepth {
			return types.NewErrorf(types.ErrDepthLimitExceeded, "re-parent would exceed max depth %d", r.limits.MaxDepth)
		}

		oldParentID := node.ParentID
		s.removeChildRef(oldParentID, nodeID)
		node.ParentID = newParentID
		newParent.Children = append(newParent.Children, nodeID)
		s.relevel(nodeID, newParent.Level+1)
		s.refreshSiblings(oldParentID)
		s.refreshSiblings(newParentID)
		s.recomputeDepth()

		r.logger.Info("node re-parented",
			zap.String("node_id", nodeID),
			zap.String("old_parent", oldParentID),
			zap.String("new_parent", newParentID),
		)
		return nil
	})
}

// TouchActive records activity for a node. Used by the scaling controller's
// least-recently-active retirement policy.
func (r *Registry) TouchActive(ctx context.Context, nodeID string, at time.Time) error {
	return r.submit(ctx, func(s *state) error {
		node, ok := s.nodes[nodeID]
		if !ok {
			return types.NewErrorf(types.ErrNodeNotFound, "node %s not found", nodeID)
		}
		node.LastActiveAt = at
		return nil
	})
}

// SetDepartment reassigns a node's department membership.
func (r *Registry) SetDepartment(ctx context.Context, nodeID, departmentID string) error {
	return r.submit(ctx, func(s *state) error {
		node, ok := s.nodes[nodeID]
		if !ok {
			return types.NewErrorf(types.ErrNodeNotFound, "node %s not found", nodeID)
		}
		node.DepartmentID = departmentID
		return nil
	})
}

// Reconcile verifies structural integrity and, when the walk succeeds,
// clears the degraded flag. It is the only way to resume mutations on a
// degraded hierarchy.
func (r *Registry) Reconcile(ctx context.Context) error {
	cmd := command{reply: make(chan error, 1), apply: func(s *state) error {
		return s.verify()
	}}
	select {
	case r.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRegistryClosed
	}
	select {
	case err := <-cmd.reply:
		if err != nil {
			return types.NewError(types.ErrHierarchyDegraded, "reconciliation failed").WithCause(err)
		}
		r.degraded.Store(false)
		r.logger.Info("hierarchy reconciled")
		return nil
	case <-r.done:
		return ErrRegistryClosed
	}
}

// --- read API, served from the current snapshot ---

// Snapshot returns the current immutable view of the hierarchy. Callers
// must not mutate the returned nodes.
func (r *Registry) Snapshot() *Snapshot { return r.snap.Load() }

// Node returns one node by id.
func (r *Registry) Node(nodeID string) (*types.Node, error) {
	return r.Snapshot().Node(nodeID)
}

// Ancestors returns nodeID's chain of ancestors, nearest first.
func (r *Registry) Ancestors(nodeID string) ([]*types.Node, error) {
	return r.Snapshot().Ancestors(nodeID)
}

// Descendants returns all nodes below nodeID, breadth-first.
func (r *Registry) Descendants(nodeID string) ([]*types.Node, error) {
	return r.Snapshot().Descendants(nodeID)
}

// Siblings returns the nodes sharing nodeID's parent.
func (r *Registry) Siblings(nodeID string) ([]*types.Node, error) {
	return r.Snapshot().Siblings(nodeID)
}

// DepthOf returns the level of nodeID (root = 0).
func (r *Registry) DepthOf(nodeID string) (int, error) {
	return r.Snapshot().DepthOf(nodeID)
}

// FanoutOf returns the direct child count of nodeID.
func (r *Registry) FanoutOf(nodeID string) (int, error) {
	return r.Snapshot().FanoutOf(nodeID)
}
