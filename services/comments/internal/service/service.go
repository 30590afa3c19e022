// Package service enforces the business rules of the threaded-comments
// engine on top of the store: content validation, depth limits,
// ownership and privilege checks, bounded retry of structural writes,
// and event publishing.
package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/example/course-platform/internal/platform/events"
	"github.com/example/course-platform/services/comments/internal/store"
	"github.com/example/course-platform/services/comments/internal/tree"
)

// Public error kinds. Transport layers map these to status codes;
// Conflict is the only kind callers may blindly retry.
var (
	ErrNotFound         = errors.New("comment not found")
	ErrForbidden        = errors.New("not allowed to modify this comment")
	ErrDepthExceeded    = errors.New("maximum reply depth exceeded")
	ErrInvalidOperation = errors.New("invalid comment operation")
	ErrConflict         = errors.New("write conflict, retry")
	ErrValidation       = errors.New("invalid comment content")
)

// Config holds the engine knobs; zero values fall back to defaults.
type Config struct {
	MaxDepth      int // nesting levels, depths 0..MaxDepth-1 are legal
	MaxContentLen int // runes
	WriteRetries  int // attempts for writes losing the tree lock race
}

const retryBackoff = 25 * time.Millisecond

type Service struct {
	store  store.CommentStore
	events *events.Publisher
	log    *zap.Logger
	cfg    Config
}

func New(cs store.CommentStore, pub *events.Publisher, log *zap.Logger, cfg Config) *Service {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if cfg.MaxContentLen <= 0 {
		cfg.MaxContentLen = 4000
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: cs, events: pub, log: log, cfg: cfg}
}

// CreateInput describes a new root comment (ParentID nil) or reply.
type CreateInput struct {
	LessonID string
	AuthorID string
	ParentID *string
	Content  string
}

// RootsPage is one page of a lesson's root comments.
type RootsPage struct {
	Items []tree.ListItem `json:"items"`
	Page  int             `json:"page"`
	Size  int             `json:"size"`
	Total int             `json:"total"`
}

func (s *Service) validateContent(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrValidation
	}
	if utf8.RuneCountInString(text) > s.cfg.MaxContentLen {
		return ErrValidation
	}
	return nil
}

// withRetry reruns fn while it loses the tree lock race, with a short
// backoff, surfacing Conflict once attempts are exhausted.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.cfg.WriteRetries; attempt++ {
		if err = fn(); !errors.Is(err, store.ErrTreeBusy) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff << attempt):
		}
	}
	return ErrConflict
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*tree.Node, error) {
	if err := s.validateContent(in.Content); err != nil {
		return nil, err
	}

	if in.ParentID != nil {
		parent, err := s.store.GetNode(ctx, *in.ParentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		if parent.IsDeleted {
			return nil, ErrInvalidOperation
		}
		if parent.LessonID != in.LessonID {
			return nil, ErrInvalidOperation
		}
		// Depth never changes after creation, so this check cannot be
		// invalidated between here and the locked insert.
		if parent.Depth+1 >= s.cfg.MaxDepth {
			return nil, ErrDepthExceeded
		}
	}

	var created store.Comment
	err := s.withRetry(ctx, func() error {
		c, err := s.store.Create(ctx, store.Comment{
			LessonID: in.LessonID,
			AuthorID: in.AuthorID,
			ParentID: in.ParentID,
			Content:  in.Content,
		})
		if err == nil {
			created = c
		}
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, store.ErrAlreadyDeleted), errors.Is(err, store.ErrInvalidOperation):
			// Parent vanished under the lock after the pre-check.
			return nil, ErrInvalidOperation
		}
		return nil, err
	}

	s.events.Publish(events.SubjectCommentCreated, "comment_created", in.AuthorID, map[string]any{
		"comment_id": created.ID,
		"lesson_id":  created.LessonID,
		"depth":      created.Depth,
	})
	s.log.Info("comment created",
		zap.String("comment_id", created.ID),
		zap.String("lesson_id", created.LessonID),
		zap.Int("depth", created.Depth))

	return &tree.Node{Comment: created, Children: []*tree.Node{}}, nil
}

func (s *Service) Update(ctx context.Context, id, authorID, text string) (*tree.Node, error) {
	if err := s.validateContent(text); err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateContent(ctx, id, authorID, text)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrAlreadyDeleted):
			return nil, ErrNotFound
		case errors.Is(err, store.ErrForbidden):
			return nil, ErrForbidden
		case errors.Is(err, store.ErrVersionConflict):
			return nil, ErrConflict
		}
		return nil, err
	}

	s.events.Publish(events.SubjectCommentUpdated, "comment_updated", authorID, map[string]any{
		"comment_id": updated.ID,
		"lesson_id":  updated.LessonID,
	})

	return &tree.Node{Comment: updated, ReplyCount: updated.ReplyCount(), Children: []*tree.Node{}}, nil
}

// Delete tombstones the comment and its whole subtree. Returns the
// number of rows tombstoned.
func (s *Service) Delete(ctx context.Context, id, requesterID string, privileged bool) (int, error) {
	var removed int
	err := s.withRetry(ctx, func() error {
		n, err := s.store.DeleteSubtree(ctx, id, requesterID, privileged)
		if err == nil {
			removed = n
		}
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrAlreadyDeleted):
			return 0, ErrNotFound
		case errors.Is(err, store.ErrForbidden):
			return 0, ErrForbidden
		}
		return 0, err
	}

	s.events.Publish(events.SubjectCommentDeleted, "comment_deleted", requesterID, map[string]any{
		"comment_id": id,
		"removed":    removed,
	})
	s.log.Info("comment subtree tombstoned",
		zap.String("comment_id", id),
		zap.Int("removed", removed))

	return removed, nil
}

// Purge physically removes a fully tombstoned subtree. Privileged only.
func (s *Service) Purge(ctx context.Context, id, requesterID string, privileged bool) (int, error) {
	if !privileged {
		return 0, ErrForbidden
	}

	var purged int
	err := s.withRetry(ctx, func() error {
		n, err := s.store.PurgeSubtree(ctx, id)
		if err == nil {
			purged = n
		}
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return 0, ErrNotFound
		case errors.Is(err, store.ErrInvalidOperation):
			return 0, ErrInvalidOperation
		}
		return 0, err
	}

	s.events.Publish(events.SubjectCommentPurged, "comment_purged", requesterID, map[string]any{
		"comment_id": id,
		"removed":    purged,
	})

	return purged, nil
}

// Replies returns the nested reply tree under a comment, tombstones
// included as placeholders. The comment itself is not part of the
// result.
func (s *Service) Replies(ctx context.Context, id string) ([]*tree.Node, error) {
	rows, err := s.store.FetchSubtree(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	// Pre-order puts the node itself first; drop it. A result without
	// even the node means it vanished between store reads.
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return tree.Assemble(rows[1:]), nil
}

// Roots lists a lesson's root comments chronologically with per-root
// reply counts derived from intervals, no extra queries.
func (s *Service) Roots(ctx context.Context, lessonID string, page, size int, sortDir string) (RootsPage, error) {
	if sortDir != store.SortDesc {
		sortDir = store.SortAsc
	}
	page, size = store.NormalizePage(page, size)
	roots, total, err := s.store.FetchRootsPage(ctx, lessonID, page, size, sortDir)
	if err != nil {
		return RootsPage{}, err
	}
	return RootsPage{
		Items: tree.WithCounts(roots),
		Page:  page,
		Size:  size,
		Total: total,
	}, nil
}

// Count returns the number of live comments in a lesson.
func (s *Service) Count(ctx context.Context, lessonID string) (int, error) {
	return s.store.CountActive(ctx, lessonID)
}
