// Package nestedset plans lft/rgt coordinate changes for the nested set
// encoding of a comment tree. A node's [lft, rgt] interval contains the
// intervals of all its descendants, so subtree reads are single range
// scans. All functions here are pure; the store applies the returned
// plans inside its transactions.
package nestedset

// Shift describes a bulk coordinate update within one tree: every lft
// strictly greater than LftGt moves by Delta, every rgt greater than or
// equal to RgtGte moves by Delta. Both predicates must be applied in one
// atomic statement so no row is observed half-shifted.
type Shift struct {
	LftGt  int
	RgtGte int
	Delta  int
}

// IsZero reports whether the shift moves nothing.
func (s Shift) IsZero() bool { return s.Delta == 0 }

// PlanInsertAsRoot places a new root past the rightmost coordinate of the
// tree. No existing row moves; an empty tree has currentMaxRgt = 0, so
// the first root gets (1, 2).
func PlanInsertAsRoot(currentMaxRgt int) (lft, rgt int) {
	return currentMaxRgt + 1, currentMaxRgt + 2
}

// PlanInsertAsReply makes room for a new last child of the parent:
// every rgt >= parentRgt grows by 2 (the parent and all its ancestors
// widen), every lft > parentRgt slides right by 2. The new node takes
// the freed slot (parentRgt, parentRgt+1). Only the parent's rgt
// matters; its lft never moves.
func PlanInsertAsReply(parentRgt int) (s Shift, lft, rgt int) {
	s = Shift{LftGt: parentRgt, RgtGte: parentRgt, Delta: 2}
	return s, parentRgt, parentRgt + 1
}

// PlanDeleteSubtree closes the gap left by physically removing the
// subtree [nodeLft, nodeRgt]: everything past the interval slides left
// by its width. Returns the shift and the width.
func PlanDeleteSubtree(nodeLft, nodeRgt int) (s Shift, width int) {
	width = nodeRgt - nodeLft + 1
	s = Shift{LftGt: nodeRgt, RgtGte: nodeRgt + 1, Delta: -width}
	return s, width
}

// Descendants derives the subtree size from a node's own interval:
// every descendant occupies two coordinates inside (lft, rgt).
func Descendants(lft, rgt int) int {
	return (rgt - lft - 1) / 2
}
