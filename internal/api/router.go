package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue-engine/internal/queue"
)

type RouterConfig struct {
	Service *queue.Service
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Env     string
	Version string
	Log     zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	svc := cfg.Service

	r.Route("/clinic-days", func(r chi.Router) {
		r.Post("/", openDayHandler(svc))
		r.Post("/{id}/close", closeDayHandler(svc))
		r.Get("/{id}/queue", snapshotHandler(svc))
		r.Post("/{id}/entries", bookEntryHandler(svc))
		r.Post("/{id}/walk-ins", admitWalkInHandler(svc))
		r.Post("/{id}/call-next", callNextHandler(svc))
		r.Post("/{id}/events", ingestEventHandler(svc))
	})

	r.Route("/entries", func(r chi.Router) {
		r.Get("/{id}", getEntryHandler(svc))
		r.Post("/{id}/check-in", entryCommandHandler(func(req *http.Request, id uuid.UUID, v int64) (*queue.QueueEntry, error) {
			return svc.CheckIn(req.Context(), id, v)
		}))
		r.Post("/{id}/absent", entryCommandHandler(func(req *http.Request, id uuid.UUID, v int64) (*queue.QueueEntry, error) {
			return svc.MarkAbsent(req.Context(), id, v)
		}))
		r.Post("/{id}/return", entryCommandHandler(func(req *http.Request, id uuid.UUID, v int64) (*queue.QueueEntry, error) {
			return svc.MarkReturned(req.Context(), id, v)
		}))
		r.Post("/{id}/start", entryCommandHandler(func(req *http.Request, id uuid.UUID, v int64) (*queue.QueueEntry, error) {
			return svc.StartService(req.Context(), id, v)
		}))
		r.Post("/{id}/cancel", entryCommandHandler(func(req *http.Request, id uuid.UUID, v int64) (*queue.QueueEntry, error) {
			return svc.Cancel(req.Context(), id, v)
		}))
		r.Post("/{id}/complete", completeServiceHandler(svc))
		r.Post("/{id}/reorder", reorderHandler(svc))
	})

	return r
}
