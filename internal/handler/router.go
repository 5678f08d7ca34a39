package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eventmarket/messaging/internal/middleware"
	natsclient "github.com/eventmarket/messaging/internal/nats"
	"github.com/eventmarket/messaging/internal/realtime"
	"github.com/eventmarket/messaging/internal/service"
	"github.com/eventmarket/messaging/internal/upload"
	"github.com/eventmarket/messaging/pkg/logger"
)

// RouterConfig collects everything the HTTP surface needs.
type RouterConfig struct {
	Service  *service.MessagingService
	Hub      *realtime.Hub
	Verifier middleware.TokenVerifier
	Store    Pinger
	NATS     *natsclient.Client
	Logger   *logger.Logger

	// Uploads is optional. UploadDir, when set, is served under /uploads/.
	Uploads   upload.Store
	UploadDir string

	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	MaxBodyBytes      int64
	WSAuthTimeout     time.Duration
}

// NewRouter builds the chi router for the API server.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logger.Global()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}

	healthHandler := NewHealthHandler(cfg.Store, cfg.NATS)
	threadHandler := NewThreadHandler(cfg.Service, cfg.Logger)
	messageHandler := NewMessageHandler(cfg.Service, cfg.Uploads, cfg.Logger)
	socketHandler := NewSocketHandler(cfg.Service, cfg.Hub, cfg.Verifier, cfg.WSAuthTimeout, middleware.OriginChecker(cfg.AllowedOrigins), cfg.Logger)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Socket clients authenticate with an event after the upgrade.
	r.Get("/ws", socketHandler.Serve)

	if cfg.UploadDir != "" {
		r.Handle("/uploads/*", serveUploads(cfg.UploadDir))
	}

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Verifier))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}
		r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))

		r.Get("/unread", threadHandler.Unread)
		r.Get("/users/{id}/presence", threadHandler.Presence)

		r.Route("/threads", func(r chi.Router) {
			r.Post("/", threadHandler.Create)
			r.Get("/", threadHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Use(middleware.ValidateUUIDParam("id", "thread"))

				r.Get("/", threadHandler.Get)
				r.Patch("/", threadHandler.Update)

				// Messages
				r.Get("/messages", messageHandler.List)
				r.Post("/messages", messageHandler.Send)
				r.Post("/read", messageHandler.MarkRead)

				// Typing
				r.Get("/typing", messageHandler.GetTyping)
				r.Post("/typing", messageHandler.SetTyping)
			})
		})
	})

	return r
}

// serveUploads serves stored attachments as downloads that never render as
// active content in the API origin.
func serveUploads(dir string) http.Handler {
	files := http.StripPrefix("/uploads/", http.FileServer(http.Dir(dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		h := w.Header()
		h.Set("Content-Disposition", "attachment")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "sandbox; default-src 'none'")
		files.ServeHTTP(w, r)
	})
}
