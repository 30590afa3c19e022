package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/course-platform/services/comments/internal/nestedset"
)

// InMemoryCommentStore is a development-only in-memory implementation.
// It runs the same nested-set algorithms as the Postgres store under a
// single mutex, which also stands in for the per-tree advisory lock.
type InMemoryCommentStore struct {
	mu       sync.RWMutex
	comments map[string]*Comment // id -> comment
}

func NewInMemoryCommentStore() *InMemoryCommentStore {
	return &InMemoryCommentStore{comments: make(map[string]*Comment)}
}

// treeRows returns every row of one lesson's tree, lft ascending.
func (s *InMemoryCommentStore) treeRows(lessonID string) []*Comment {
	var out []*Comment
	for _, c := range s.comments {
		if c.LessonID == lessonID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lft < out[j].Lft })
	return out
}

func (s *InMemoryCommentStore) applyShift(lessonID string, sh nestedset.Shift) {
	if sh.IsZero() {
		return
	}
	for _, c := range s.comments {
		if c.LessonID != lessonID {
			continue
		}
		if c.Lft > sh.LftGt {
			c.Lft += sh.Delta
		}
		if c.Rgt >= sh.RgtGte {
			c.Rgt += sh.Delta
		}
	}
}

func (s *InMemoryCommentStore) Create(_ context.Context, c Comment) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ParentID == nil {
		maxRgt := 0
		for _, row := range s.comments {
			if row.LessonID == c.LessonID && row.Rgt > maxRgt {
				maxRgt = row.Rgt
			}
		}
		c.Lft, c.Rgt = nestedset.PlanInsertAsRoot(maxRgt)
		c.Depth = 0
	} else {
		parent, ok := s.comments[*c.ParentID]
		if !ok {
			return Comment{}, ErrNotFound
		}
		if parent.LessonID != c.LessonID {
			return Comment{}, ErrInvalidOperation
		}
		if parent.IsDeleted {
			return Comment{}, ErrAlreadyDeleted
		}
		shift, lft, rgt := nestedset.PlanInsertAsReply(parent.Rgt)
		s.applyShift(c.LessonID, shift)
		c.Lft, c.Rgt = lft, rgt
		c.Depth = parent.Depth + 1
	}

	c.ID = uuid.NewString()
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	c.Version = 1
	c.IsDeleted, c.IsEdited = false, false

	stored := c
	s.comments[c.ID] = &stored
	return c, nil
}

func (s *InMemoryCommentStore) GetNode(_ context.Context, id string) (Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.comments[id]
	if !ok {
		return Comment{}, ErrNotFound
	}
	return *c, nil
}

func (s *InMemoryCommentStore) FetchSubtree(_ context.Context, id string) ([]Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.comments[id]
	if !ok {
		return nil, ErrNotFound
	}

	var out []Comment
	for _, c := range s.treeRows(node.LessonID) {
		if c.Lft >= node.Lft && c.Lft <= node.Rgt {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *InMemoryCommentStore) FetchRootsPage(_ context.Context, lessonID string, page, size int, sortDir string) ([]Comment, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page, size = NormalizePage(page, size)

	var roots []Comment
	for _, c := range s.comments {
		if c.LessonID == lessonID && c.ParentID == nil && !c.IsDeleted {
			roots = append(roots, *c)
		}
	}
	sort.Slice(roots, func(i, j int) bool {
		if !roots[i].CreatedAt.Equal(roots[j].CreatedAt) {
			if sortDir == SortDesc {
				return roots[i].CreatedAt.After(roots[j].CreatedAt)
			}
			return roots[i].CreatedAt.Before(roots[j].CreatedAt)
		}
		if sortDir == SortDesc {
			return roots[i].ID > roots[j].ID
		}
		return roots[i].ID < roots[j].ID
	})

	total := len(roots)
	start := (page - 1) * size
	if start >= total {
		return []Comment{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return roots[start:end], total, nil
}

func (s *InMemoryCommentStore) UpdateContent(_ context.Context, id, authorID, content string) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.comments[id]
	if !ok || c.IsDeleted {
		return Comment{}, ErrNotFound
	}
	if c.AuthorID != authorID {
		return Comment{}, ErrForbidden
	}
	if c.Content == content {
		return *c, nil
	}
	c.Content = content
	c.IsEdited = true
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	return *c, nil
}

func (s *InMemoryCommentStore) DeleteSubtree(_ context.Context, id, requesterID string, privileged bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.comments[id]
	if !ok {
		return 0, ErrNotFound
	}
	if node.IsDeleted {
		return 0, ErrAlreadyDeleted
	}
	if node.AuthorID != requesterID && !privileged {
		return 0, ErrForbidden
	}

	now := time.Now().UTC()
	count := 0
	for _, c := range s.comments {
		if c.LessonID != node.LessonID || c.IsDeleted {
			continue
		}
		if c.Lft >= node.Lft && c.Lft <= node.Rgt {
			c.IsDeleted = true
			c.Content = DeletedPlaceholder
			c.Version++
			c.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (s *InMemoryCommentStore) PurgeSubtree(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.comments[id]
	if !ok {
		return 0, ErrNotFound
	}

	var doomed []string
	for _, c := range s.comments {
		if c.LessonID != node.LessonID {
			continue
		}
		if c.Lft >= node.Lft && c.Lft <= node.Rgt {
			if !c.IsDeleted {
				return 0, ErrInvalidOperation
			}
			doomed = append(doomed, c.ID)
		}
	}
	for _, did := range doomed {
		delete(s.comments, did)
	}

	shift, _ := nestedset.PlanDeleteSubtree(node.Lft, node.Rgt)
	s.applyShift(node.LessonID, shift)
	return len(doomed), nil
}

func (s *InMemoryCommentStore) CountActive(_ context.Context, lessonID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, c := range s.comments {
		if c.LessonID == lessonID && !c.IsDeleted {
			n++
		}
	}
	return n, nil
}
