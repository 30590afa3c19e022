// Package tree turns flat, pre-order comment rows into the nested shape
// returned to callers. It relies purely on interval containment; it
// never re-derives parent/child links from parent ids.
package tree

import (
	"github.com/example/course-platform/services/comments/internal/store"
)

// Node is a comment with its replies nested under it.
type Node struct {
	store.Comment
	ReplyCount int     `json:"reply_count"`
	Children   []*Node `json:"children"`
}

// ListItem is the flat variant used by root listings: the comment plus
// its precomputed reply count, no children.
type ListItem struct {
	store.Comment
	ReplyCount int `json:"reply_count"`
}

// Assemble nests a pre-order row slice (lft ascending) in one linear
// pass. The stack holds the current ancestor chain: a row belongs under
// the nearest ancestor whose rgt still encloses it, so ancestors whose
// intervals have closed are popped first. Rows may form a forest; every
// interval top-level within the slice becomes a returned root.
func Assemble(rows []store.Comment) []*Node {
	out := []*Node{}
	var stack []*Node

	for _, c := range rows {
		n := &Node{Comment: c, ReplyCount: c.ReplyCount(), Children: []*Node{}}

		for len(stack) > 0 && c.Lft > stack[len(stack)-1].Rgt {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			out = append(out, n)
		} else {
			top := stack[len(stack)-1]
			top.Children = append(top.Children, n)
		}
		stack = append(stack, n)
	}
	return out
}

// WithCounts converts rows to flat list items.
func WithCounts(rows []store.Comment) []ListItem {
	out := make([]ListItem, len(rows))
	for i, c := range rows {
		out[i] = ListItem{Comment: c, ReplyCount: c.ReplyCount()}
	}
	return out
}
