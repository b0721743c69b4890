package hierarchy

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/orgflow/orgflow/types"
)

// snapshot publishes an immutable deep copy of the working state.
func (s *state) snapshot(name string) *Snapshot {
	nodes := make(map[string]*types.Node, len(s.nodes))
	for id, node := range s.nodes {
		nodes[id] = node.Clone()
	}
	return &Snapshot{
		Name:   name,
		RootID: s.rootID,
		Nodes:  nodes,
		Depth:  s.depth,
		Size:   s.size,
	}
}

// detachReparent removes node and hands its children to node's former
// parent. The parent's fanout cap is validated before anything mutates,
// so a rejected detach leaves the tree untouched.
func (s *state) detachReparent(r *Registry, node *types.Node) error {
	parentID := node.ParentID

	if parentID != "" && len(node.Children) > 0 {
		parent := s.nodes[parentID]
		cap := r.limits.MaxFanout
		if parent.Role != nil && parent.Role.MaxSubordinates < cap {
			cap = parent.Role.MaxSubordinates
		}
		// the detached node frees its own slot under the parent
		if len(parent.Children)-1+len(node.Children) > cap {
			return types.NewErrorf(types.ErrFanoutLimitExceeded,
				"re-parenting %d children would exceed fanout cap %d of node %s",
				len(node.Children), cap, parentID)
		}
	}

	if parentID != "" {
		s.removeChildRef(parentID, node.ID)
	} else {
		s.rootID = ""
	}

	if parentID != "" {
		parent := s.nodes[parentID]
		for _, childID := range node.Children {
			child := s.nodes[childID]
			child.ParentID = parentID
			parent.Children = append(parent.Children, childID)
			s.relevel(childID, parent.Level+1)
		}
		s.refreshSiblings(parentID)
	}

	delete(s.nodes, node.ID)
	s.size--
	s.recomputeDepth()

	r.logger.Info("node detached",
		zap.String("node_id", node.ID),
		zap.String("policy", string(DetachReparent)),
		zap.Int("reparented_children", len(node.Children)),
	)
	return nil
}

// detachCascade removes node and its entire subtree.
func (s *state) detachCascade(r *Registry, node *types.Node) error {
	removed := 0
	var walk func(id string)
	walk = func(id string) {
		n, ok := s.nodes[id]
		if !ok {
			return
		}
		for _, childID := range n.Children {
			walk(childID)
		}
		delete(s.nodes, id)
		removed++
	}
	walk(node.ID)

	if node.ParentID != "" {
		s.removeChildRef(node.ParentID, node.ID)
		s.refreshSiblings(node.ParentID)
	} else {
		s.rootID = ""
	}

	s.size -= removed
	s.recomputeDepth()

	r.logger.Info("subtree detached",
		zap.String("node_id", node.ID),
		zap.String("policy", string(DetachCascade)),
		zap.Int("removed", removed),
	)
	return nil
}

// removeChildRef drops childID from parentID's child list.
func (s *state) removeChildRef(parentID, childID string) {
	parent, ok := s.nodes[parentID]
	if !ok {
		return
	}
	children := parent.Children[:0]
	for _, id := range parent.Children {
		if id != childID {
			children = append(children, id)
		}
	}
	parent.Children = children
}

// refreshSiblings rebuilds the cached sibling sets of parentID's children.
func (s *state) refreshSiblings(parentID string) {
	parent, ok := s.nodes[parentID]
	if !ok {
		return
	}
	for _, childID := range parent.Children {
		child, ok := s.nodes[childID]
		if !ok {
			continue
		}
		siblings := make([]string, 0, len(parent.Children)-1)
		for _, id := range parent.Children {
			if id != childID {
				siblings = append(siblings, id)
			}
		}
		child.Siblings = siblings
	}
}

// relevel fixes the level of nodeID and its whole subtree.
func (s *state) relevel(nodeID string, level int) {
	node, ok := s.nodes[nodeID]
	if !ok {
		return
	}
	node.Level = level
	for _, childID := range node.Children {
		s.relevel(childID, level+1)
	}
}

// inSubtree reports whether candidate lies within rootID's subtree.
func (s *state) inSubtree(rootID, candidate string) bool {
	node, ok := s.nodes[rootID]
	if !ok {
		return false
	}
	for _, childID := range node.Children {
		if childID == candidate || s.inSubtree(childID, candidate) {
			return true
		}
	}
	return false
}

// subtreeHeight returns the height of nodeID's subtree (0 for a leaf).
func (s *state) subtreeHeight(nodeID string) int {
	node, ok := s.nodes[nodeID]
	if !ok {
		return 0
	}
	max := 0
	for _, childID := range node.Children {
		if h := s.subtreeHeight(childID) + 1; h > max {
			max = h
		}
	}
	return max
}

// recomputeDepth rescans node levels after a removal or move.
func (s *state) recomputeDepth() {
	depth := 0
	for _, node := range s.nodes {
		if node.Level > depth {
			depth = node.Level
		}
	}
	s.depth = depth
}

// verify walks the tree from the root and checks referential integrity:
// every node is reachable, parent/child references agree, and levels are
// consistent.
func (s *state) verify() error {
	if s.rootID == "" {
		if len(s.nodes) != 0 {
			return fmt.Errorf("%d nodes present but no root", len(s.nodes))
		}
		return nil
	}
	root, ok := s.nodes[s.rootID]
	if !ok {
		return fmt.Errorf("root %s missing from node arena", s.rootID)
	}
	if root.Level != 0 || root.ParentID != "" {
		return fmt.Errorf("root %s has level %d parent %q", root.ID, root.Level, root.ParentID)
	}

	seen := make(map[string]bool, len(s.nodes))
	queue := []string{s.rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			return fmt.Errorf("node %s reachable twice (cycle)", id)
		}
		seen[id] = true
		node := s.nodes[id]
		for _, childID := range node.Children {
			child, ok := s.nodes[childID]
			if !ok {
				return fmt.Errorf("node %s references missing child %s", id, childID)
			}
			if child.ParentID != id {
				return fmt.Errorf("child %s records parent %q, expected %s", childID, child.ParentID, id)
			}
			if child.Level != node.Level+1 {
				return fmt.Errorf("child %s has level %d, expected %d", childID, child.Level, node.Level+1)
			}
			queue = append(queue, childID)
		}
	}
	if len(seen) != len(s.nodes) {
		return fmt.Errorf("%d nodes unreachable from root", len(s.nodes)-len(seen))
	}
	return nil
}
