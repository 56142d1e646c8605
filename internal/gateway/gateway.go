package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/crosslogic/session-billing/internal/billing"
	"github.com/crosslogic/session-billing/internal/escrow"
	"github.com/crosslogic/session-billing/internal/session"
	"github.com/crosslogic/session-billing/pkg/apperr"
	"github.com/crosslogic/session-billing/pkg/cache"
	"github.com/crosslogic/session-billing/pkg/database"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Options holds the HTTP-facing settings.
type Options struct {
	JWTSecret      string
	AdminToken     string
	AllowedOrigins []string
	MetricsPath    string
	RequestTimeout time.Duration
	// LiveIdleTimeout closes a WebSocket heartbeat channel that has been
	// silent for this long.
	LiveIdleTimeout time.Duration
	// RateLimitPerMinute caps authenticated requests per user. Zero disables.
	RateLimitPerMinute int64
}

// Gateway serves the session, wallet and admin API.
type Gateway struct {
	machine        *session.Machine
	ledger         *escrow.Ledger
	webhookHandler *billing.WebhookHandler
	db             *database.Database
	cache          *cache.Cache
	authenticator  *Authenticator
	limiter        *RateLimiter
	opts           Options
	logger         *zap.Logger
	router         *chi.Mux
}

// NewGateway wires the routes. db, cache and webhookHandler may be nil; the
// readiness probe and the Stripe route adapt accordingly.
func NewGateway(
	machine *session.Machine,
	ledger *escrow.Ledger,
	webhookHandler *billing.WebhookHandler,
	db *database.Database,
	cache *cache.Cache,
	opts Options,
	logger *zap.Logger,
) *Gateway {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.LiveIdleTimeout <= 0 {
		opts.LiveIdleTimeout = 2 * time.Minute
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	g := &Gateway{
		machine:        machine,
		ledger:         ledger,
		webhookHandler: webhookHandler,
		db:             db,
		cache:          cache,
		authenticator:  NewAuthenticator(opts.JWTSecret),
		opts:           opts,
		logger:         logger,
		router:         chi.NewRouter(),
	}
	if opts.RateLimitPerMinute > 0 {
		g.limiter = NewRateLimiter(cache, opts.RateLimitPerMinute, logger)
	}

	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(securityHeaders)
	g.router.Use(g.requireJSON)

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   g.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Admin-Token"},
		ExposedHeaders:   []string{"Idempotent-Replayed", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	g.registerMetrics()

	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	if g.webhookHandler != nil {
		g.router.Post("/api/webhooks/stripe", g.webhookHandler.HandleWebhook)
	}

	// The WebSocket route sits outside the timeout middleware; it lives as
	// long as the session does.
	g.router.With(g.authMiddleware).Get("/v1/sessions/{usage_id}/live", g.handleLive)

	g.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(g.opts.RequestTimeout))
		r.Use(g.authMiddleware)
		r.Use(g.rateLimitMiddleware)

		r.Post("/v1/sessions", g.handleStartSession)
		r.Get("/v1/sessions/{usage_id}", g.handleSessionStatus)
		r.Post("/v1/sessions/{usage_id}/heartbeat", g.handleHeartbeat)
		r.Post("/v1/sessions/{usage_id}/pause", g.handlePause)
		r.Post("/v1/sessions/{usage_id}/resume", g.handleResume)
		r.Post("/v1/sessions/{usage_id}/end", g.handleEndSession)
		r.Post("/v1/sessions/{usage_id}/cancel", g.handleCancelSession)

		r.Get("/v1/wallet", g.handleWallet)
	})

	g.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(g.opts.RequestTimeout))
		r.Use(g.adminAuthMiddleware)

		r.Post("/admin/sessions/{usage_id}/end", g.handleAdminEnd)
		r.Post("/admin/sessions/{usage_id}/cancel", g.handleAdminCancel)
		r.Post("/admin/sessions/{usage_id}/dispute", g.handleAdminDispute)
		r.Post("/admin/wallets/{account_id}/credit", g.handleAdminCredit)
	})
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := g.authenticator.Validate(bearerToken(r))
		if err != nil {
			g.logger.Debug("authentication failed",
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			g.writeError(w, apperr.New(apperr.CodeUnauthorized, err.Error()))
			return
		}
		next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), claims.UserID)))
	})
}

func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminToken := r.Header.Get("X-Admin-Token")
		if adminToken == "" {
			g.writeError(w, apperr.New(apperr.CodeUnauthorized, "missing admin token"))
			return
		}

		if subtle.ConstantTimeCompare([]byte(adminToken), []byte(g.opts.AdminToken)) != 1 {
			g.logger.Warn("invalid admin token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, apperr.New(apperr.CodeUnauthorized, "invalid admin token"))
			return
		}

		// Audit log for admin actions
		g.logger.Info("admin action authenticated",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)

		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if g.db != nil {
		if err := g.db.Health(ctx); err != nil {
			g.writeError(w, apperr.Wrap(apperr.CodeLedgerUnavailable, "database not ready", err))
			return
		}
	}
	if g.cache != nil {
		if err := g.cache.Health(ctx); err != nil {
			g.writeError(w, apperr.Wrap(apperr.CodeLedgerUnavailable, "cache not ready", err))
			return
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Debug("failed to write response", zap.Error(err))
	}
}

type errorBody struct {
	Error *apperr.Error `json:"error"`
}

// writeError renders any error through the apperr taxonomy. Internal causes
// are logged, never returned to the client.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	appErr := apperr.As(err)
	if appErr.StatusCode >= http.StatusInternalServerError {
		g.logger.Error("request failed",
			zap.String("code", string(appErr.Code)),
			zap.Error(err),
		)
	}
	if appErr.Retryable() && w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", "1")
	}
	g.writeJSON(w, appErr.StatusCode, errorBody{Error: appErr})
}

// decodeJSON reads an optional JSON body; an empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return apperr.InvalidInput("malformed JSON at offset %d", syntaxErr.Offset)
		}
		return apperr.InvalidInput("invalid request body: %v", err)
	}
	return nil
}
