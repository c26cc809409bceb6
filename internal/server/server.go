package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/veildata/veil/internal/auth"
	"github.com/veildata/veil/internal/ledger"
	"github.com/veildata/veil/internal/model"
	"github.com/veildata/veil/internal/ratelimit"
	"github.com/veildata/veil/internal/results"
	"github.com/veildata/veil/internal/service/pipeline"
	"github.com/veildata/veil/internal/storage"
)

// Server is the Veil HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Limiter is optional (nil = rate limiting disabled).
type ServerConfig struct {
	DB       *storage.DB
	JWTMgr   *auth.JWTManager
	Ledger   *ledger.Ledger
	Pipeline *pipeline.Service
	Results  *results.Store
	Logger   *slog.Logger

	Limiter ratelimit.Limiter

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	MaxScriptBytes      int64
	PresignTTL          time.Duration

	// OpenAPISpec is the raw YAML served at /openapi.yaml (optional).
	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Ledger:              cfg.Ledger,
		Pipeline:            cfg.Pipeline,
		Results:             cfg.Results,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxScriptBytes:      cfg.MaxScriptBytes,
		PresignTTL:          cfg.PresignTTL,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Per-user limit on the API; per-IP on credential checks.
	apiRL := ratelimit.Middleware(cfg.Limiter, userKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Token issuance (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// User management (admin only).
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("POST /v1/users", adminOnly(http.HandlerFunc(h.HandleCreateUser)))
	mux.Handle("GET /v1/users/{user_id}", adminOnly(http.HandlerFunc(h.HandleGetUser)))

	// Budgets. Reads are owner-or-steward scoped inside the handler;
	// overrides are steward/admin only.
	stewardOnly := requireRole(model.RoleDataSteward, model.RoleAdmin)
	mux.Handle("GET /v1/budgets", apiRL(http.HandlerFunc(h.HandleOwnBudget)))
	mux.Handle("GET /v1/budgets/{user_id}", apiRL(http.HandlerFunc(h.HandleGetBudget)))
	mux.Handle("PATCH /v1/budgets/{user_id}", stewardOnly(http.HandlerFunc(h.HandleSetBudget)))

	// Jobs.
	researcher := requireRole(model.RoleResearcher, model.RoleAdmin)
	mux.Handle("POST /v1/jobs", apiRL(researcher(http.HandlerFunc(h.HandleCreateJob))))
	mux.Handle("GET /v1/jobs", apiRL(http.HandlerFunc(h.HandleListJobs)))
	mux.Handle("GET /v1/jobs/{job_id}", apiRL(http.HandlerFunc(h.HandleGetJob)))
	mux.Handle("DELETE /v1/jobs/{job_id}", apiRL(http.HandlerFunc(h.HandleDeleteJob)))
	mux.Handle("POST /v1/jobs/{job_id}/script", apiRL(http.HandlerFunc(h.HandleUploadScript)))

	// Engine callback channel.
	engineOnly := requireRole(model.RoleEngine, model.RoleAdmin)
	mux.Handle("PATCH /v1/jobs/{job_id}/status", engineOnly(http.HandlerFunc(h.HandleSetJobStatus)))

	// Runs.
	mux.Handle("GET /v1/jobs/{job_id}/runs", apiRL(http.HandlerFunc(h.HandleListRuns)))
	mux.Handle("GET /v1/jobs/{job_id}/runs/{run_id}", apiRL(http.HandlerFunc(h.HandleGetRun)))
	mux.Handle("POST /v1/jobs/{job_id}/runs/{run_id}/refine", apiRL(http.HandlerFunc(h.HandleRefine)))
	mux.Handle("POST /v1/jobs/{job_id}/runs/{run_id}/release", apiRL(http.HandlerFunc(h.HandleRelease)))
	mux.Handle("GET /v1/jobs/{job_id}/runs/{run_id}/analyses", apiRL(http.HandlerFunc(h.HandleAnalyses)))
	mux.Handle("GET /v1/jobs/{job_id}/runs/{run_id}/results", apiRL(http.HandlerFunc(h.HandleSanitizedResults)))
	mux.Handle("GET /v1/jobs/{job_id}/runs/{run_id}/released", apiRL(http.HandlerFunc(h.HandleReleasedResults)))

	// Health and API spec (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// userKeyFunc extracts the caller's user ID for rate limiting.
// Returns empty string for admin and engine roles (exempt).
func userKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if claims.Role == model.RoleAdmin || claims.Role == model.RoleEngine {
		return ""
	}
	return claims.Subject
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
