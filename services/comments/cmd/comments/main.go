package main

import (
	"context"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/example/course-platform/internal/platform/auth"
	"github.com/example/course-platform/internal/platform/config"
	"github.com/example/course-platform/internal/platform/db"
	"github.com/example/course-platform/internal/platform/events"
	"github.com/example/course-platform/internal/platform/httpserver"
	"github.com/example/course-platform/internal/platform/logging"
	"github.com/example/course-platform/internal/platform/natsconn"
	"github.com/example/course-platform/internal/platform/run"
	"github.com/example/course-platform/services/comments/internal/handlers"
	"github.com/example/course-platform/services/comments/internal/service"
	"github.com/example/course-platform/services/comments/internal/store"
	"github.com/example/course-platform/services/comments/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	comments, pool, closePool := initComments(log)
	if closePool != nil {
		defer closePool()
	}

	jwtSecret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	verifier := auth.JWTVerifier{Secret: []byte(jwtSecret)}

	// NATS is optional; without it events are dropped and stats go stale.
	var publisher *events.Publisher
	nc, err := natsconn.Connect(natsconn.Options{})
	if err != nil {
		log.Warn("nats unavailable, comment events disabled", zap.Error(err))
	} else {
		defer nc.Close()
		js, jsErr := nc.JetStream()
		if jsErr != nil {
			log.Warn("jetstream unavailable, comment events disabled", zap.Error(jsErr))
		} else {
			publisher = events.New(js, log)
		}
	}

	svc := service.New(comments, publisher, log, service.Config{
		MaxDepth:      cfg.Comments.MaxDepth,
		MaxContentLen: cfg.Comments.MaxContentLen,
		WriteRetries:  cfg.Comments.WriteRetries,
	})

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		ReadyFunc: func() error {
			if pool == nil {
				return nil
			}
			return pool.Ping(context.Background())
		},
	})

	// Public reads, authenticated writes, admin-only purge.
	r.Get("/v1/lessons/{lesson_id}/comments", handlers.ListComments(svc))
	r.Get("/v1/lessons/{lesson_id}/comments/count", handlers.CountComments(svc))
	r.Get("/v1/comments/{comment_id}/replies", handlers.GetReplies(svc))
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireUser(verifier))
		r.Post("/v1/lessons/{lesson_id}/comments", handlers.CreateComment(svc))
		r.Put("/v1/comments/{comment_id}", handlers.UpdateComment(svc))
		r.Delete("/v1/comments/{comment_id}", handlers.DeleteComment(svc))
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Delete("/v1/comments/{comment_id}/purge", handlers.PurgeComment(svc))
		})
	})

	srv := httpserver.New(httpserver.Options{Addr: cfg.HTTP.Addr, ServiceName: cfg.ServiceName, Logger: log, Router: r})

	runner := run.New(log)
	code := runner.WithSignals(func(ctx context.Context) error {
		if nc != nil {
			worker.StartStatsConsumer(ctx, nc)
		}
		go func() {
			<-ctx.Done()
			_ = srv.Shutdown(context.Background())
		}()
		return srv.Start(log)
	})

	log.Info("exit", zap.Int("code", code))
	run.Exit(code)
}

// initComments selects the CommentStore backend. In production
// (APP_ENV=production) Postgres is mandatory and the process exits when
// it cannot be reached.
func initComments(log *zap.Logger) (store.CommentStore, *pgxpool.Pool, func()) {
	isProd := strings.EqualFold(strings.TrimSpace(os.Getenv("APP_ENV")), "production")

	pool, err := db.Open(context.Background())
	if err != nil {
		if isProd {
			log.Error("postgres is required in production but unavailable", zap.Error(err))
			_ = log.Sync()
			os.Exit(1)
		}
		log.Warn("postgres unavailable, using in-memory comment store (development only)", zap.Error(err))
		return store.NewInMemoryCommentStore(), nil, nil
	}

	log.Info("comments store: postgres")
	return store.NewPostgresCommentStore(pool), pool, pool.Close
}
