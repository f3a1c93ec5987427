package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/middleware"
)

// RouterOptions are the optional parts of the router.
type RouterOptions struct {
	Checker     *health.Checker
	Metrics     *metrics.Metrics
	Timeout     time.Duration
	// Reloader enables POST /api/v1/index/reload when set.
	Reloader    Reloader
	// RateLimiter bounds each client on /api/v1; nil disables it.
	RateLimiter *middleware.RateLimiter
}

// NewRouter builds the searcher's HTTP handler.
//
// Route table:
//
//	GET  /api/v1/titles?prefix=&limit=  prefix search
//	GET  /api/v1/titles/{title}         exact lookup
//	GET  /api/v1/articles/{title}       article text
//	GET  /api/v1/index                  served artifact
//	POST /api/v1/index/reload           reopen a rebuilt artifact
//	GET  /api/v1/cache/stats
//	POST /api/v1/cache/invalidate
//	GET  /health/live, /health/ready
//
// Middleware chain (outermost first): RequestID, Recoverer, Metrics, then
// RateLimit and Timeout on /api/v1.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	if opts.Metrics != nil {
		r.Use(middleware.Metrics(opts.Metrics))
	}

	if opts.Checker != nil {
		r.Get("/health/live", opts.Checker.LiveHandler())
		r.Get("/health/ready", opts.Checker.ReadyHandler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(opts.RateLimiter))
		if opts.Timeout > 0 {
			r.Use(middleware.Timeout(opts.Timeout))
		}
		r.Get("/titles", h.Search)
		r.Get("/titles/*", h.Lookup)
		r.Get("/articles/*", h.Article)
		r.Get("/index", h.IndexInfo)
		if opts.Reloader != nil {
			r.Post("/index/reload", h.IndexReload(opts.Reloader))
		}
		r.Get("/cache/stats", h.CacheStats)
		r.Post("/cache/invalidate", h.CacheInvalidate)
	})
	return r
}
