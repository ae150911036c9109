package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Service      BookingService
	Logger       *zap.Logger
	Dependencies []Dependency
	Env          string
	Version      string

	CORSOrigins []string
	// WriteRateLimit caps mutating requests per client IP per minute; 0 disables it.
	WriteRateLimit int
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	h := &handlers{svc: cfg.Service, log: log}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	health := NewHealthHandler(cfg.Dependencies, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	writes := func(r chi.Router) {
		if cfg.WriteRateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.WriteRateLimit, time.Minute))
		}
	}

	r.Route("/providers", func(r chi.Router) {
		r.Get("/available", h.availableProviders)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/slots", h.providerSlots)
			r.Get("/slots/open", h.openSlots)
			r.Get("/schedule", h.providerSchedule)
			r.Get("/appointments", h.providerAppointments)
			r.Get("/days/{date}", h.dayAggregate)

			r.Group(func(r chi.Router) {
				writes(r)
				r.Post("/slots", h.publishSlot)
				r.Post("/slots/{slot_id}/close", h.closeSlot)
				r.Delete("/slots/{slot_id}", h.deleteSlot)
			})
		})
	})

	r.Route("/appointments", func(r chi.Router) {
		r.Get("/mine", h.myAppointments)
		r.Get("/{id}", h.getAppointment)

		r.Group(func(r chi.Router) {
			writes(r)
			r.Post("/", h.createAppointment)
			r.Post("/{id}/cancel", h.cancelAppointment)
			r.Post("/{id}/status", h.updateStatus)
		})
	})

	return r
}
