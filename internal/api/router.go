package api

import (
	"net/http"
	"time"

	"github.com/propbot/propbot/pkg/health"
	"github.com/propbot/propbot/pkg/metrics"
	"github.com/propbot/propbot/pkg/middleware"
)

// RouterConfig carries the settings of the middleware chain.
type RouterConfig struct {
	RequestTimeout time.Duration
	AllowOrigins   []string
	// AnalyzeLimiter, when set, bounds how often a client may start
	// analyses.
	AnalyzeLimiter *middleware.ClientLimiter
}

// NewRouter builds the HTTP handler.
//
// Route table:
//
//	GET    /api/v1/search
//	GET    /api/v1/opportunities
//	GET    /api/v1/opportunities/{id}
//	GET    /api/v1/stats
//	POST   /api/v1/analyze/batch        (event stream)
//	POST   /api/v1/analyze/{id}
//	GET    /api/v1/analysis/{id}
//	GET    /api/v1/recommendations
//	GET    /api/v1/profile
//	GET    /api/v1/ingest/runs
//	POST   /api/v1/ingest
//	GET    /health/live
//	GET    /health/ready
//
// Middleware chain (outermost first):
//
//	RequestID → CORS → Metrics → mux
//
// Model-backed routes are not bounded by RequestTimeout; they are rate
// limited per client instead.
func NewRouter(h *Handler, checker *health.Checker, m *metrics.Metrics, cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	quick := func(fn http.HandlerFunc) http.Handler {
		if cfg.RequestTimeout <= 0 {
			return fn
		}
		return middleware.Timeout(cfg.RequestTimeout)(fn)
	}

	mux.Handle("GET /health/live", checker.LiveHandler())
	mux.Handle("GET /health/ready", checker.ReadyHandler())

	// Opportunities
	mux.Handle("GET /api/v1/search", quick(h.Search))
	mux.Handle("GET /api/v1/opportunities", quick(h.ListOpportunities))
	mux.Handle("GET /api/v1/opportunities/{id}", quick(h.GetOpportunity))
	mux.Handle("GET /api/v1/stats", quick(h.Stats))
	mux.Handle("GET /api/v1/recommendations", quick(h.Recommendations))
	mux.Handle("GET /api/v1/profile", quick(h.Profile))

	limited := func(fn http.HandlerFunc) http.Handler {
		if cfg.AnalyzeLimiter == nil {
			return fn
		}
		return middleware.RateLimit(cfg.AnalyzeLimiter)(fn)
	}

	// Analysis
	mux.Handle("POST /api/v1/analyze/batch", limited(h.AnalyzeBatch))
	mux.Handle("POST /api/v1/analyze/{id}", limited(h.Analyze))
	mux.Handle("GET /api/v1/analysis/{id}", quick(h.GetAnalysis))

	// Ingest
	mux.Handle("GET /api/v1/ingest/runs", quick(h.IngestRuns))
	mux.Handle("POST /api/v1/ingest", quick(h.RequestIngest))

	var chain http.Handler = mux
	if m != nil {
		chain = middleware.Metrics(m)(chain)
	}
	chain = middleware.CORS(middleware.DefaultCORSConfig(cfg.AllowOrigins))(chain)
	chain = middleware.RequestID(chain)

	return chain
}
