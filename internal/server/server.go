// Package server implements the HTTP API for the conflict check service.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/maryamyalansari-spec/onboarding-platform/internal/auth"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/engine"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/ratelimit"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/storage"
)

// Server is the conflict check HTTP server.
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

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB     *storage.DB
	Engine *engine.Engine
	JWTMgr *auth.JWTManager
	Logger *slog.Logger

	// Staff API keys provisioned for token exchange.
	StaffKeys []StaffKey

	// Optional dependencies (nil = disabled).
	Limiter     ratelimit.Limiter
	MCPServer   *mcpserver.MCPServer
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Engine:              cfg.Engine,
		JWTMgr:              cfg.JWTMgr,
		StaffKeys:           cfg.StaffKeys,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules. Auth is keyed by IP because no identity exists yet;
	// everything else is keyed by firm so one tenant cannot starve another.
	authRL := ratelimit.Middleware(cfg.Limiter, "auth", ratelimit.IPKeyFunc, reqIDFunc)
	intakeRL := ratelimit.Middleware(cfg.Limiter, "intake", firmKeyFunc, reqIDFunc)
	queryRL := ratelimit.Middleware(cfg.Limiter, "query", firmKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Token exchange (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Party intake and lifecycle (intake+).
	intakeRole := requireRole(auth.RoleIntake)
	mux.Handle("POST /v1/parties", intakeRL(intakeRole(http.HandlerFunc(h.HandleUpsertParty))))
	mux.Handle("DELETE /v1/parties/{entity_id}", intakeRL(intakeRole(http.HandlerFunc(h.HandleDeactivateParty))))
	mux.Handle("POST /v1/parties/{entity_id}/check", intakeRL(intakeRole(http.HandlerFunc(h.HandleTriggerCheck))))

	// Verdict and run queries (intake+).
	mux.Handle("GET /v1/parties/{entity_id}/verdict", queryRL(intakeRole(http.HandlerFunc(h.HandleGetVerdict))))
	mux.Handle("GET /v1/runs/{run_id}", queryRL(intakeRole(http.HandlerFunc(h.HandleGetRun))))

	// Review and audit (reviewer+).
	reviewerRole := requireRole(auth.RoleReviewer)
	mux.Handle("POST /v1/runs/{run_id}/decision", reviewerRole(http.HandlerFunc(h.HandleDecision)))
	mux.Handle("GET /v1/parties/{entity_id}/audit", queryRL(reviewerRole(http.HandlerFunc(h.HandleAuditByEntity))))

	// Firm-wide audit export and tamper-evidence sweep (admin only).
	adminOnly := requireRole(auth.RoleAdmin)
	mux.Handle("GET /v1/audit", adminOnly(http.HandlerFunc(h.HandleAuditExport)))
	mux.Handle("GET /v1/audit/verify", adminOnly(http.HandlerFunc(h.HandleAuditVerify)))

	// MCP StreamableHTTP transport (auth required, intake+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", intakeRole(mcpHTTP))
	}

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

// firmKeyFunc extracts the firm ID from the request context for rate limiting.
// Returns empty string for admin roles (exempt from rate limits).
func firmKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if claims.Role.Allows(auth.RoleAdmin) {
		return ""
	}
	return claims.FirmID.String()
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
