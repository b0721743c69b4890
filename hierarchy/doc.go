// Package hierarchy implements the authority-graph registry: an arena of
// nodes indexed by id, with parent/children stored as id references only.
//
// Each hierarchy is owned by a single serializing actor. Mutations (attach,
// detach, re-parent) are submitted to and executed sequentially by that
// actor, while reads run concurrently against an immutable snapshot. This
// keeps depth/fanout counters free of lost-update races without a lock per
// node.
package hierarchy
