package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/course-platform/services/comments/internal/nestedset"
)

// DeletedPlaceholder replaces the content of tombstoned comments.
const DeletedPlaceholder = "[deleted]"

// Sort directions for root listing, chronological only.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// Pagination bounds for root listings.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// NormalizePage clamps pagination inputs to legal values. Callers and
// backends share this so the reported page always matches the query.
func NormalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > MaxPageSize {
		size = DefaultPageSize
	}
	return page, size
}

// Comment is a node in a lesson's reply forest, encoded with nested set
// coordinates. Lft/Rgt are scoped per lesson: trees of different lessons
// never share coordinate space.
type Comment struct {
	ID        string    `json:"id"`
	LessonID  string    `json:"lesson_id"`
	AuthorID  string    `json:"author_id"`
	ParentID  *string   `json:"parent_id,omitempty"`
	Content   string    `json:"content"`
	Lft       int       `json:"-"`
	Rgt       int       `json:"-"`
	Depth     int       `json:"depth"`
	IsDeleted bool      `json:"is_deleted"`
	IsEdited  bool      `json:"is_edited"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReplyCount is the number of descendants, derived from the node's own
// interval with no extra I/O. Tombstoned descendants count too: they are
// still structural members of the tree.
func (c Comment) ReplyCount() int {
	return nestedset.Descendants(c.Lft, c.Rgt)
}

// Sentinel errors. The service layer maps these onto its public error
// kinds; handlers never see them directly.
var (
	ErrNotFound         = errors.New("comment not found")
	ErrAlreadyDeleted   = errors.New("comment already deleted")
	ErrForbidden        = errors.New("comment not owned by requester")
	ErrVersionConflict  = errors.New("comment was modified concurrently")
	ErrTreeBusy         = errors.New("comment tree is locked by another writer")
	ErrInvalidOperation = errors.New("operation not valid for this comment")
)

// CommentStore is the contract for comment persistence. Structural
// mutations (Create of a reply, PurgeSubtree) serialize per lesson tree;
// reads never block on the tree lock.
type CommentStore interface {
	// Create persists a new comment. The store assigns ID, coordinates,
	// depth, version and timestamps; the caller fills LessonID, AuthorID,
	// ParentID and Content. A tombstoned parent yields ErrAlreadyDeleted,
	// a missing one ErrNotFound, a parent from another lesson
	// ErrInvalidOperation.
	Create(ctx context.Context, c Comment) (Comment, error)
	// GetNode loads a single comment, tombstoned or not.
	GetNode(ctx context.Context, id string) (Comment, error)
	// FetchSubtree returns the node and all its descendants in pre-order
	// (lft ascending), tombstones included.
	FetchSubtree(ctx context.Context, id string) ([]Comment, error)
	// FetchRootsPage lists live roots of a lesson chronologically with
	// offset pagination; the second return is the total live root count.
	FetchRootsPage(ctx context.Context, lessonID string, page, size int, sortDir string) ([]Comment, int, error)
	// UpdateContent replaces the text of a live comment owned by
	// authorID, marking it edited and bumping its version.
	UpdateContent(ctx context.Context, id, authorID, content string) (Comment, error)
	// DeleteSubtree tombstones the comment and every descendant in one
	// transaction. Coordinates do not change: tombstones stay structural
	// members of the tree. Returns the number of rows tombstoned.
	DeleteSubtree(ctx context.Context, id, requesterID string, privileged bool) (int, error)
	// PurgeSubtree physically removes a fully tombstoned subtree and
	// closes the coordinate gap. A subtree with any live row yields
	// ErrInvalidOperation.
	PurgeSubtree(ctx context.Context, id string) (int, error)
	// CountActive counts the live comments of a lesson.
	CountActive(ctx context.Context, lessonID string) (int, error)
}
