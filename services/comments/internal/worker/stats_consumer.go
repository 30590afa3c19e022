// Package worker maintains per-lesson comment statistics from the
// comment event stream. Counters live in comment_stats and are updated
// by a pull consumer with event-id dedupe, so replays are harmless.
package worker

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/example/course-platform/internal/platform/db"
	"github.com/example/course-platform/internal/platform/events"
)

const (
	subjectFilter = "comments.comment.*"
	durableName   = "comments_stats"
)

// StartStatsConsumer subscribes to comments.comment.* and keeps the
// comment_stats table current. It returns immediately; processing runs
// until ctx is cancelled. Setup failures are logged and leave stats
// stale rather than taking the service down.
func StartStatsConsumer(ctx context.Context, nc *nats.Conn) {
	js, err := nc.JetStream()
	if err != nil {
		log.Printf("stats_consumer: jetstream: %v", err)
		return
	}

	sub, err := js.PullSubscribe(subjectFilter, durableName)
	if err != nil {
		log.Printf("stats_consumer: subscribe: %v", err)
		return
	}

	pool, err := db.Open(context.Background())
	if err != nil {
		log.Printf("stats_consumer: db open: %v", err)
		return
	}

	go func() {
		defer pool.Close()
		batchSize := envInt("WORKER_BATCH_SIZE", 100)
		maxWait := time.Duration(envInt("WORKER_BATCH_INTERVAL_MS", 2000)) * time.Millisecond

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msgs, err := sub.Fetch(batchSize, nats.MaxWait(maxWait))
			if err != nil {
				if err == nats.ErrTimeout {
					continue
				}
				log.Printf("stats_consumer: fetch: %v", err)
				time.Sleep(1 * time.Second)
				continue
			}
			if len(msgs) == 0 {
				continue
			}

			if err := processBatch(ctx, pool, msgs); err != nil {
				log.Printf("stats_consumer: batch: %v", err)
				for _, m := range msgs {
					if err := m.Nak(); err != nil {
						log.Printf("stats_consumer: nak error: %v", err)
					}
				}
				continue
			}

			for _, m := range msgs {
				if err := m.Ack(); err != nil {
					log.Printf("stats_consumer: ack error: %v", err)
				}
			}
		}
	}()
}

// processBatch applies a batch of events in one transaction. An event
// whose id is already in processed_events is skipped.
func processBatch(ctx context.Context, pool *pgxpool.Pool, msgs []*nats.Msg) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, m := range msgs {
		var ev events.Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			// Malformed payloads will never parse; drop them rather
			// than poison the batch.
			log.Printf("stats_consumer: invalid event on %s: %v", m.Subject, err)
			continue
		}

		ct, err := tx.Exec(ctx,
			`INSERT INTO processed_events (event_id, subject, occurred_at, payload)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (event_id) DO NOTHING`,
			ev.EventID, m.Subject, ev.OccurredAt, m.Data)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			continue
		}

		lessonID, _ := ev.Properties["lesson_id"].(string)

		switch m.Subject {
		case events.SubjectCommentCreated:
			if lessonID == "" {
				continue
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO comment_stats (lesson_id, total_comments, last_comment_at)
				 VALUES ($1, 1, $2)
				 ON CONFLICT (lesson_id) DO UPDATE
				 SET total_comments = comment_stats.total_comments + 1,
				     last_comment_at = EXCLUDED.last_comment_at`,
				lessonID, ev.OccurredAt); err != nil {
				return err
			}
		case events.SubjectCommentDeleted:
			removed := intProp(ev.Properties, "removed")
			if lessonID == "" {
				// Older delete events carry only the comment id; look
				// the lesson up from the tombstoned row.
				commentID, _ := ev.Properties["comment_id"].(string)
				if commentID == "" {
					continue
				}
				if err := tx.QueryRow(ctx,
					`SELECT lesson_id FROM comments WHERE id = $1`, commentID).Scan(&lessonID); err != nil {
					log.Printf("stats_consumer: lesson lookup for %s: %v", commentID, err)
					continue
				}
			}
			if removed <= 0 {
				removed = 1
			}
			if _, err := tx.Exec(ctx,
				`UPDATE comment_stats
				 SET total_comments = GREATEST(total_comments - $2, 0)
				 WHERE lesson_id = $1`,
				lessonID, removed); err != nil {
				return err
			}
		case events.SubjectCommentUpdated, events.SubjectCommentPurged:
			// Edits do not change counts; purges remove rows that were
			// already subtracted when they were tombstoned.
		default:
			log.Printf("stats_consumer: unknown subject: %s", m.Subject)
		}
	}

	return tx.Commit(ctx)
}

func intProp(props map[string]any, key string) int {
	switch v := props[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
