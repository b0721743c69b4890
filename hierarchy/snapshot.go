package hierarchy

import (
	"github.com/orgflow/orgflow/types"
)

// Snapshot is an immutable view of a hierarchy at one point in time.
// Readers may hold it indefinitely; it never changes after publication.
type Snapshot struct {
	Name   string
	RootID string
	Nodes  map[string]*types.Node
	Depth  int // highest level present, root = 0
	Size   int
}

// Node returns one node by id.
func (s *Snapshot) Node(nodeID string) (*types.Node, error) {
	node, ok := s.Nodes[nodeID]
	if !ok {
		return nil, types.NewErrorf(types.ErrNodeNotFound, "node %s not found", nodeID)
	}
	return node, nil
}

// Ancestors returns the chain of ancestors of nodeID, nearest first,
// ending at the root.
func (s *Snapshot) Ancestors(nodeID string) ([]*types.Node, error) {
	node, err := s.Node(nodeID)
	if err != nil {
		return nil, err
	}
	var out []*types.Node
	for node.ParentID != "" {
		parent, ok := s.Nodes[node.ParentID]
		if !ok {
			return nil, types.NewErrorf(types.ErrHierarchyDegraded, "node %s references missing parent %s", node.ID, node.ParentID)
		}
		out = append(out, parent)
		node = parent
	}
	return out, nil
}

// Descendants returns every node below nodeID, breadth-first.
func (s *Snapshot) Descendants(nodeID string) ([]*types.Node, error) {
	node, err := s.Node(nodeID)
	if err != nil {
		return nil, err
	}
	var out []*types.Node
	queue := append([]string(nil), node.Children...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		child, ok := s.Nodes[id]
		if !ok {
			return nil, types.NewErrorf(types.ErrHierarchyDegraded, "missing child node %s", id)
		}
		out = append(out, child)
		queue = append(queue, child.Children...)
	}
	return out, nil
}

// Siblings returns the nodes sharing nodeID's parent, in child order.
func (s *Snapshot) Siblings(nodeID string) ([]*types.Node, error) {
	node, err := s.Node(nodeID)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Node, 0, len(node.Siblings))
	for _, id := range node.Siblings {
		if sib, ok := s.Nodes[id]; ok {
			out = append(out, sib)
		}
	}
	return out, nil
}

// DepthOf returns the level of nodeID (root = 0).
func (s *Snapshot) DepthOf(nodeID string) (int, error) {
	node, err := s.Node(nodeID)
	if err != nil {
		return 0, err
	}
	return node.Level, nil
}

// FanoutOf returns the direct child count of nodeID.
func (s *Snapshot) FanoutOf(nodeID string) (int, error) {
	node, err := s.Node(nodeID)
	if err != nil {
		return 0, err
	}
	return len(node.Children), nil
}

// IsAncestor reports whether ancestorID lies on the path from nodeID to the
// root.
func (s *Snapshot) IsAncestor(ancestorID, nodeID string) bool {
	node, ok := s.Nodes[nodeID]
	if !ok {
		return false
	}
	for node.ParentID != "" {
		if node.ParentID == ancestorID {
			return true
		}
		node, ok = s.Nodes[node.ParentID]
		if !ok {
			return false
		}
	}
	return false
}

// AreSiblings reports whether the two nodes share a parent.
func (s *Snapshot) AreSiblings(a, b string) bool {
	na, ok := s.Nodes[a]
	if !ok {
		return false
	}
	nb, ok := s.Nodes[b]
	if !ok {
		return false
	}
	return na.ParentID != "" && na.ParentID == nb.ParentID
}

// Exists reports whether the node is present.
func (s *Snapshot) Exists(nodeID string) bool {
	_, ok := s.Nodes[nodeID]
	return ok
}
