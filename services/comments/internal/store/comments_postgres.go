package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/course-platform/services/comments/internal/nestedset"
)

// PostgresCommentStore persists comment trees in Postgres.
//
// Expected schema:
//
//	comments (
//	    id uuid PRIMARY KEY,
//	    lesson_id text NOT NULL,
//	    author_id text NOT NULL,
//	    parent_id uuid REFERENCES comments(id),
//	    content text NOT NULL,
//	    lft int NOT NULL, rgt int NOT NULL, depth int NOT NULL,
//	    is_deleted boolean NOT NULL DEFAULT false,
//	    is_edited boolean NOT NULL DEFAULT false,
//	    version int NOT NULL DEFAULT 1,
//	    created_at timestamptz NOT NULL,
//	    updated_at timestamptz NOT NULL
//	)
//
// with an index on (lesson_id, lft).
type PostgresCommentStore struct {
	pool *pgxpool.Pool
}

// NewPostgresCommentStore creates a store backed by Postgres.
func NewPostgresCommentStore(pool *pgxpool.Pool) *PostgresCommentStore {
	return &PostgresCommentStore{pool: pool}
}

const commentColumns = `id, lesson_id, author_id, parent_id, content, lft, rgt, depth, is_deleted, is_edited, version, created_at, updated_at`

func scanComment(row pgx.Row) (Comment, error) {
	var c Comment
	err := row.Scan(&c.ID, &c.LessonID, &c.AuthorID, &c.ParentID, &c.Content,
		&c.Lft, &c.Rgt, &c.Depth, &c.IsDeleted, &c.IsEdited, &c.Version,
		&c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// acquireTreeLock serializes structural mutations of one lesson's tree.
// Transaction-scoped advisory lock, released automatically at commit or
// rollback. Non-blocking: a held lock surfaces as ErrTreeBusy so the
// service can retry with backoff instead of queueing writers.
func acquireTreeLock(ctx context.Context, tx pgx.Tx, lessonID string) error {
	var acquired bool
	err := tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`, lessonID,
	).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("tree lock: %w", err)
	}
	if !acquired {
		return ErrTreeBusy
	}
	return nil
}

// applyShift bulk-updates coordinates in a single statement so no row is
// ever visible half-shifted.
func applyShift(ctx context.Context, tx pgx.Tx, lessonID string, s nestedset.Shift) error {
	if s.IsZero() {
		return nil
	}
	_, err := tx.Exec(ctx, `
UPDATE comments SET
    lft = CASE WHEN lft > $2 THEN lft + $4 ELSE lft END,
    rgt = CASE WHEN rgt >= $3 THEN rgt + $4 ELSE rgt END
WHERE lesson_id = $1 AND (lft > $2 OR rgt >= $3)`,
		lessonID, s.LftGt, s.RgtGte, s.Delta)
	return err
}

func getNodeForUpdate(ctx context.Context, tx pgx.Tx, id string) (Comment, error) {
	c, err := scanComment(tx.QueryRow(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Comment{}, ErrNotFound
		}
		return Comment{}, err
	}
	return c, nil
}

func (s *PostgresCommentStore) Create(ctx context.Context, c Comment) (Comment, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Comment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := acquireTreeLock(ctx, tx, c.LessonID); err != nil {
		return Comment{}, err
	}

	if c.ParentID == nil {
		var maxRgt int
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(rgt), 0) FROM comments WHERE lesson_id = $1`, c.LessonID,
		).Scan(&maxRgt)
		if err != nil {
			return Comment{}, err
		}
		c.Lft, c.Rgt = nestedset.PlanInsertAsRoot(maxRgt)
		c.Depth = 0
	} else {
		parent, err := getNodeForUpdate(ctx, tx, *c.ParentID)
		if err != nil {
			return Comment{}, err
		}
		if parent.LessonID != c.LessonID {
			return Comment{}, ErrInvalidOperation
		}
		if parent.IsDeleted {
			return Comment{}, ErrAlreadyDeleted
		}
		shift, lft, rgt := nestedset.PlanInsertAsReply(parent.Rgt)
		if err := applyShift(ctx, tx, c.LessonID, shift); err != nil {
			return Comment{}, err
		}
		c.Lft, c.Rgt = lft, rgt
		c.Depth = parent.Depth + 1
	}

	c.ID = uuid.NewString()
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	c.Version = 1
	c.IsDeleted, c.IsEdited = false, false

	_, err = tx.Exec(ctx, `
INSERT INTO comments (`+commentColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		c.ID, c.LessonID, c.AuthorID, c.ParentID, c.Content,
		c.Lft, c.Rgt, c.Depth, c.IsDeleted, c.IsEdited, c.Version,
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return Comment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Comment{}, err
	}
	return c, nil
}

func (s *PostgresCommentStore) GetNode(ctx context.Context, id string) (Comment, error) {
	c, err := scanComment(s.pool.QueryRow(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Comment{}, ErrNotFound
		}
		return Comment{}, err
	}
	return c, nil
}

func (s *PostgresCommentStore) FetchSubtree(ctx context.Context, id string) ([]Comment, error) {
	// Both statements must see one snapshot: a structural shift
	// committing between the node read and the range scan would make the
	// lft/rgt bounds point at a different part of the tree. Repeatable
	// read pins the snapshot at the first statement.
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	node, err := scanComment(tx.QueryRow(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	// Single range scan; lft order is exactly pre-order, so parents
	// always precede their children.
	rows, err := tx.Query(ctx, `
SELECT `+commentColumns+` FROM comments
WHERE lesson_id = $1 AND lft BETWEEN $2 AND $3
ORDER BY lft ASC`,
		node.LessonID, node.Lft, node.Rgt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out, err := scanComments(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresCommentStore) FetchRootsPage(ctx context.Context, lessonID string, page, size int, sortDir string) ([]Comment, int, error) {
	page, size = NormalizePage(page, size)
	dir := "ASC"
	if sortDir == SortDesc {
		dir = "DESC"
	}

	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM comments WHERE lesson_id = $1 AND parent_id IS NULL AND is_deleted = FALSE`,
		lessonID,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
SELECT `+commentColumns+` FROM comments
WHERE lesson_id = $1 AND parent_id IS NULL AND is_deleted = FALSE
ORDER BY created_at `+dir+`, id `+dir+`
LIMIT $2 OFFSET $3`,
		lessonID, size, (page-1)*size)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out, err := scanComments(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *PostgresCommentStore) UpdateContent(ctx context.Context, id, authorID, content string) (Comment, error) {
	cur, err := s.GetNode(ctx, id)
	if err != nil {
		return Comment{}, err
	}
	if cur.IsDeleted {
		return Comment{}, ErrNotFound
	}
	if cur.AuthorID != authorID {
		return Comment{}, ErrForbidden
	}
	if cur.Content == content {
		return cur, nil
	}

	// Non-structural mutation: no tree lock, just the version guard.
	updated, err := scanComment(s.pool.QueryRow(ctx, `
UPDATE comments
SET content = $1, is_edited = TRUE, version = version + 1, updated_at = now()
WHERE id = $2 AND version = $3 AND is_deleted = FALSE
RETURNING `+commentColumns,
		content, id, cur.Version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Comment{}, ErrVersionConflict
		}
		return Comment{}, err
	}
	return updated, nil
}

func (s *PostgresCommentStore) DeleteSubtree(ctx context.Context, id, requesterID string, privileged bool) (int, error) {
	cur, err := s.GetNode(ctx, id)
	if err != nil {
		return 0, err
	}
	if cur.IsDeleted {
		return 0, ErrAlreadyDeleted
	}
	if cur.AuthorID != requesterID && !privileged {
		return 0, ErrForbidden
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The cascade touches a coordinate range, so it serializes with
	// inserts on the same tree: otherwise a concurrent reply could land
	// inside the range after we read it and survive live under a
	// tombstoned parent.
	if err := acquireTreeLock(ctx, tx, cur.LessonID); err != nil {
		return 0, err
	}
	node, err := getNodeForUpdate(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	if node.IsDeleted {
		return 0, ErrAlreadyDeleted
	}

	tag, err := tx.Exec(ctx, `
UPDATE comments
SET is_deleted = TRUE, content = $4, version = version + 1, updated_at = now()
WHERE lesson_id = $1 AND lft >= $2 AND lft <= $3 AND is_deleted = FALSE`,
		node.LessonID, node.Lft, node.Rgt, DeletedPlaceholder)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresCommentStore) PurgeSubtree(ctx context.Context, id string) (int, error) {
	cur, err := s.GetNode(ctx, id)
	if err != nil {
		return 0, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := acquireTreeLock(ctx, tx, cur.LessonID); err != nil {
		return 0, err
	}
	node, err := getNodeForUpdate(ctx, tx, id)
	if err != nil {
		return 0, err
	}

	var live int
	err = tx.QueryRow(ctx, `
SELECT COUNT(*) FROM comments
WHERE lesson_id = $1 AND lft >= $2 AND lft <= $3 AND is_deleted = FALSE`,
		node.LessonID, node.Lft, node.Rgt,
	).Scan(&live)
	if err != nil {
		return 0, err
	}
	if live > 0 {
		return 0, ErrInvalidOperation
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM comments WHERE lesson_id = $1 AND lft >= $2 AND lft <= $3`,
		node.LessonID, node.Lft, node.Rgt)
	if err != nil {
		return 0, err
	}

	shift, _ := nestedset.PlanDeleteSubtree(node.Lft, node.Rgt)
	if err := applyShift(ctx, tx, node.LessonID, shift); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresCommentStore) CountActive(ctx context.Context, lessonID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM comments WHERE lesson_id = $1 AND is_deleted = FALSE`,
		lessonID,
	).Scan(&n)
	return n, err
}

func scanComments(rows pgx.Rows) ([]Comment, error) {
	var out []Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
