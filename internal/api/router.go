package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/opsml/internal/metrics"
	"github.com/starford/opsml/internal/registry"
)

// RouterConfig wires the optional pieces of the façade.
type RouterConfig struct {
	Auth Auth
	// ProdToken gates every write when set.
	ProdToken string
	Settings  SettingsResponse
	// Health is probed by /healthcheck.
	Health func(context.Context) error
	// Events, if non-nil, is mounted at GET /events inside the auth group.
	Events  http.Handler
	Metrics *metrics.Recorder
	// MaxUpload bounds a single streamed object; <= 0 is unbounded.
	MaxUpload int64
}

// NewRouter creates a chi router with every registry route mounted.
func NewRouter(svc *registry.Service, cfg RouterConfig) chi.Router {
	h := NewHandler(svc, cfg.Settings, cfg.Health)
	fh := NewFileHandler(svc.Backend(), cfg.Metrics, cfg.MaxUpload)

	r := chi.NewRouter()

	// Unauthenticated.
	r.Get("/healthcheck", h.Healthcheck)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth))

		r.Get("/settings", h.Settings)

		// Reads.
		r.Post("/cards/list", h.ListCards)
		r.Post("/cards/load", h.LoadCard)
		r.Post("/cards/uid", h.CheckUID)
		r.Post("/cards/versions", h.CardVersions)
		r.Get("/download", fh.Download)
		r.Get("/files/list", fh.List)
		r.Get("/files/exists", fh.Exists)
		r.Get("/files/presign", fh.Presign)

		if cfg.Events != nil {
			r.Get("/events", cfg.Events.ServeHTTP)
		}

		// Writes.
		r.Group(func(r chi.Router) {
			r.Use(ProdTokenMiddleware(cfg.ProdToken))
			r.Post("/cards/register", h.RegisterCard)
			r.Post("/cards/update", h.UpdateCard)
			r.Post("/cards/delete", h.DeleteCard)
			r.Post("/cards/version", h.ReserveVersion)
			r.Post("/cards/version/release", h.ReleaseVersion)
			r.Post("/upload", fh.Upload)
			r.Post("/files/delete", fh.Delete)
		})
	})

	return r
}
