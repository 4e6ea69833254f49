package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/veil/internal/logger"
	"github.com/marmos91/veil/pkg/accounting"
	"github.com/marmos91/veil/pkg/api/handlers"
)

// Sources is what the status API reads from.
type Sources struct {
	// Sessions is typically the session.Manager.
	Sessions interface {
		handlers.SessionSource
		handlers.SessionCounter
	}

	// Accounting is nil when traffic accounting is disabled; the
	// /accounting routes are not mounted then.
	Accounting accounting.Store

	// Ready reports whether the tunnel listener is bound. Nil means ready.
	Ready func() bool

	StartedAt time.Time
	Version   string
}

// NewRouter creates and configures the chi router with all middleware and routes.
//
// The router is configured with:
//   - Request ID middleware for request tracking
//   - Real IP extraction for proper client identification
//   - Custom request logging using the internal logger
//   - Panic recovery to prevent server crashes
//   - Request timeout to prevent hung requests
//
// Routes:
//   - GET /health - Liveness probe with uptime and session count
//   - GET /health/ready - Readiness probe
//   - GET /sessions - Live session snapshot
//   - GET /sessions/{id} - One session
//   - GET /accounting - Per-client traffic totals (when enabled)
//   - GET /accounting/{key} - One client's totals (when enabled)
func NewRouter(src Sources) http.Handler {
	if src.StartedAt.IsZero() {
		src.StartedAt = time.Now()
	}

	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.NotFound(handlers.RouteNotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	healthHandler := handlers.NewHealthHandler(src.Sessions, src.Ready, src.StartedAt, src.Version)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	if src.Sessions != nil {
		sessionHandler := handlers.NewSessionHandler(src.Sessions)
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", sessionHandler.List)
			r.Get("/{id}", sessionHandler.Get)
		})
	}

	if src.Accounting != nil {
		accountingHandler := handlers.NewAccountingHandler(src.Accounting)
		r.Route("/accounting", func(r chi.Router) {
			r.Get("/", accountingHandler.List)
			r.Get("/{key}", accountingHandler.Get)
		})
	}

	// Root redirect to health for convenience
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

// requestLogger is a custom middleware that logs requests using the internal logger.
//
// It logs:
//   - Request start (DEBUG level): method, path, remote addr
//   - Request completion (DEBUG level): method, path, status, duration
//
// Completion is logged at DEBUG because status pollers hit the API every
// few seconds.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			logger.KeyClientAddr, r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debug("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			logger.KeyStatus, ww.Status(),
			"bytes", ww.BytesWritten(),
			logger.DurationMs(time.Since(start)),
		)
	})
}
