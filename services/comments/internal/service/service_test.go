package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/course-platform/services/comments/internal/store"
)

func newService(t *testing.T) (*Service, *store.InMemoryCommentStore) {
	t.Helper()
	st := store.NewInMemoryCommentStore()
	return New(st, nil, zap.NewNop(), Config{MaxDepth: 3, MaxContentLen: 100, WriteRetries: 3}), st
}

func mustRoot(t *testing.T, svc *Service, lessonID, authorID, text string) string {
	t.Helper()
	n, err := svc.Create(context.Background(), CreateInput{LessonID: lessonID, AuthorID: authorID, Content: text})
	require.NoError(t, err)
	return n.ID
}

func mustReply(t *testing.T, svc *Service, lessonID, authorID, parentID, text string) string {
	t.Helper()
	n, err := svc.Create(context.Background(), CreateInput{LessonID: lessonID, AuthorID: authorID, ParentID: &parentID, Content: text})
	require.NoError(t, err)
	return n.ID
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{LessonID: "l1", AuthorID: "u1", Content: "   "})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, CreateInput{LessonID: "l1", AuthorID: "u1", Content: strings.Repeat("x", 101)})
	assert.ErrorIs(t, err, ErrValidation)

	// Limit counts runes, not bytes.
	_, err = svc.Create(ctx, CreateInput{LessonID: "l1", AuthorID: "u1", Content: strings.Repeat("ж", 100)})
	assert.NoError(t, err)
}

func TestCreate_DepthLimit(t *testing.T) {
	svc, _ := newService(t)

	root := mustRoot(t, svc, "l1", "u1", "root")
	child := mustReply(t, svc, "l1", "u2", root, "depth 1")
	grand := mustReply(t, svc, "l1", "u3", child, "depth 2")

	// Depth 3 would exceed MaxDepth=3 (legal depths are 0..2).
	_, err := svc.Create(context.Background(), CreateInput{
		LessonID: "l1", AuthorID: "u4", ParentID: &grand, Content: "too deep",
	})
	assert.ErrorIs(t, err, ErrDepthExceeded)
}

func TestCreate_ParentRules(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	missing := "no-such-id"
	_, err := svc.Create(ctx, CreateInput{LessonID: "l1", AuthorID: "u1", ParentID: &missing, Content: "hi"})
	assert.ErrorIs(t, err, ErrNotFound)

	root := mustRoot(t, svc, "l1", "u1", "root")

	// Reply attached from another lesson.
	_, err = svc.Create(ctx, CreateInput{LessonID: "l2", AuthorID: "u1", ParentID: &root, Content: "hi"})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	// Reply to a tombstone.
	_, err = svc.Delete(ctx, root, "u1", false)
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateInput{LessonID: "l1", AuthorID: "u2", ParentID: &root, Content: "hi"})
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestUpdate_Mapping(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	root := mustRoot(t, svc, "l1", "u1", "original")

	_, err := svc.Update(ctx, root, "intruder", "hacked")
	assert.ErrorIs(t, err, ErrForbidden)

	n, err := svc.Update(ctx, root, "u1", "edited")
	require.NoError(t, err)
	assert.Equal(t, "edited", n.Content)
	assert.True(t, n.IsEdited)

	_, err = svc.Update(ctx, "no-such-id", "u1", "text")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Delete(ctx, root, "u1", false)
	require.NoError(t, err)
	_, err = svc.Update(ctx, root, "u1", "after delete")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_Mapping(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	root := mustRoot(t, svc, "l1", "u1", "root")
	mustReply(t, svc, "l1", "u2", root, "reply")

	_, err := svc.Delete(ctx, root, "u2", false)
	assert.ErrorIs(t, err, ErrForbidden)

	// Moderators may remove others' comments.
	removed, err := svc.Delete(ctx, root, "moderator", true)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = svc.Delete(ctx, root, "u1", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurge_RequiresPrivilege(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	root := mustRoot(t, svc, "l1", "u1", "root")

	_, err := svc.Purge(ctx, root, "u1", false)
	assert.ErrorIs(t, err, ErrForbidden)

	// Live subtree cannot be purged even by an admin.
	_, err = svc.Purge(ctx, root, "admin", true)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = svc.Delete(ctx, root, "u1", false)
	require.NoError(t, err)

	purged, err := svc.Purge(ctx, root, "admin", true)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = svc.Purge(ctx, root, "admin", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplies_ExcludesTheNodeItself(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	root := mustRoot(t, svc, "l1", "u1", "root")
	b := mustReply(t, svc, "l1", "u2", root, "first")
	mustReply(t, svc, "l1", "u3", b, "nested")
	mustReply(t, svc, "l1", "u4", root, "second")

	nodes, err := svc.Replies(ctx, root)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "first", nodes[0].Content)
	require.Len(t, nodes[0].Children, 1)
	assert.Equal(t, "nested", nodes[0].Children[0].Content)
	assert.Equal(t, "second", nodes[1].Content)

	leaf, err := svc.Replies(ctx, nodes[1].ID)
	require.NoError(t, err)
	assert.Empty(t, leaf)

	_, err = svc.Replies(ctx, "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoots_PaginationAndCounts(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	a := mustRoot(t, svc, "l1", "u1", "a")
	mustReply(t, svc, "l1", "u2", a, "reply to a")
	mustRoot(t, svc, "l1", "u1", "b")
	mustRoot(t, svc, "l1", "u1", "c")

	page, err := svc.Roots(ctx, "l1", 1, 2, store.SortAsc)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "a", page.Items[0].Content)
	assert.Equal(t, 1, page.Items[0].ReplyCount)
	assert.Equal(t, 0, page.Items[1].ReplyCount)

	page, err = svc.Roots(ctx, "l1", 2, 2, store.SortAsc)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "c", page.Items[0].Content)

	n, err := svc.Count(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestRoots_NormalizesPaging(t *testing.T) {
	svc, _ := newService(t)
	mustRoot(t, svc, "l1", "u1", "a")

	page, err := svc.Roots(context.Background(), "l1", 0, 0, store.SortAsc)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, store.DefaultPageSize, page.Size)
	require.Len(t, page.Items, 1)

	page, err = svc.Roots(context.Background(), "l1", 1, store.MaxPageSize+1, store.SortAsc)
	require.NoError(t, err)
	assert.Equal(t, store.DefaultPageSize, page.Size)
}

// vanishingSubtreeStore returns an empty subtree with no error, the
// observable state when a node disappears between store reads.
type vanishingSubtreeStore struct {
	store.CommentStore
}

func (vanishingSubtreeStore) FetchSubtree(context.Context, string) ([]store.Comment, error) {
	return []store.Comment{}, nil
}

func TestReplies_VanishedNodeIsNotFound(t *testing.T) {
	inner := store.NewInMemoryCommentStore()
	svc := New(vanishingSubtreeStore{inner}, nil, zap.NewNop(), Config{})

	_, err := svc.Replies(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

// flakyStore wraps a real store and fails the next N structural writes
// with ErrTreeBusy, simulating a contended tree lock.
type flakyStore struct {
	store.CommentStore
	busyLeft int
}

func (f *flakyStore) Create(ctx context.Context, c store.Comment) (store.Comment, error) {
	if f.busyLeft > 0 {
		f.busyLeft--
		return store.Comment{}, store.ErrTreeBusy
	}
	return f.CommentStore.Create(ctx, c)
}

func TestCreate_RetriesBusyTree(t *testing.T) {
	inner := store.NewInMemoryCommentStore()
	fs := &flakyStore{CommentStore: inner, busyLeft: 2}
	svc := New(fs, nil, zap.NewNop(), Config{MaxDepth: 3, MaxContentLen: 100, WriteRetries: 3})

	n, err := svc.Create(context.Background(), CreateInput{LessonID: "l1", AuthorID: "u1", Content: "eventually"})
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, 0, fs.busyLeft)
}

func TestCreate_ConflictAfterRetriesExhausted(t *testing.T) {
	inner := store.NewInMemoryCommentStore()
	fs := &flakyStore{CommentStore: inner, busyLeft: 10}
	svc := New(fs, nil, zap.NewNop(), Config{MaxDepth: 3, MaxContentLen: 100, WriteRetries: 2})

	_, err := svc.Create(context.Background(), CreateInput{LessonID: "l1", AuthorID: "u1", Content: "never lands"})
	assert.ErrorIs(t, err, ErrConflict)
}
