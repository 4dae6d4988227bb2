// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/nexshop/riskgate/internal/assessment"
	"github.com/nexshop/riskgate/internal/audit"
	"github.com/nexshop/riskgate/internal/circuitbreaker"
	"github.com/nexshop/riskgate/internal/config"
	"github.com/nexshop/riskgate/internal/fingerprint"
	"github.com/nexshop/riskgate/internal/health"
	"github.com/nexshop/riskgate/internal/logging"
	"github.com/nexshop/riskgate/internal/mediator"
	"github.com/nexshop/riskgate/internal/metrics"
	"github.com/nexshop/riskgate/internal/ratelimit"
	"github.com/nexshop/riskgate/internal/realtime"
	"github.com/nexshop/riskgate/internal/security"
	"github.com/nexshop/riskgate/internal/traces"
	"github.com/nexshop/riskgate/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	client      *assessment.Client
	guard       *mediator.Guard
	events      audit.Store
	hub         *realtime.Hub
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAssessmentClient sets a custom scoring client (for testing)
func WithAssessmentClient(c *assessment.Client) Option {
	return func(s *Server) {
		s.client = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set client/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		eventStore := audit.NewPostgresStore(db)
		if err := eventStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate security event store", "error", err)
		}
		s.events = eventStore
	} else {
		s.events = audit.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Create scoring client if not injected
	if s.client == nil {
		if err := security.ValidateProviderURL(cfg.ScoringURL, cfg.IsDevelopment()); err != nil {
			return nil, fmt.Errorf("scoring URL rejected: %w", err)
		}
		s.client = assessment.NewClient(assessment.ClientConfig{
			BaseURL:       cfg.ScoringURL,
			APIKey:        cfg.ScoringAPIKey,
			Timeout:       cfg.ScoringTimeout,
			MaxRetries:    cfg.MaxRetries,
			RetryBackoff:  cfg.RetryBackoff,
			FallbackLevel: assessment.RiskLevel(cfg.FallbackRiskLevel),
			Breaker:       circuitbreaker.New(5, 30*time.Second),
		}, assessment.NewClientStats(), s.logger)
	}
	s.logger.Info("risk scoring client configured",
		"url", cfg.ScoringURL,
		"timeout", cfg.ScoringTimeout,
		"max_retries", cfg.MaxRetries,
	)

	// Create realtime hub for security alert streaming
	s.hub = realtime.NewHub(s.logger)
	s.logger.Info("security alert streaming enabled")

	// Mediation guard around the protected actions
	s.guard = mediator.NewGuard(s.client, s.events, mediator.Config{
		LoginEnabled:     cfg.LoginProtection,
		CheckoutEnabled:  cfg.CheckoutProtection,
		SensitiveEnabled: cfg.SensitiveProtection,
		FallbackEnabled:  cfg.FallbackEnabled,
		FallbackProceeds: cfg.FallbackProceeds,
	}, s.logger).
		WithResolver(demoResolver()).
		WithAlerter(s.hub)
	s.logger.Info("mediation enabled",
		"login", cfg.LoginProtection,
		"checkout", cfg.CheckoutProtection,
		"sensitive", cfg.SensitiveProtection,
		"fallback", cfg.FallbackEnabled,
	)

	// Health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.checks.Register("scoring_service", func(ctx context.Context) health.Status {
		status, err := s.client.Health(ctx)
		if err != nil {
			return health.Status{Name: "scoring_service", Detail: err.Error()}
		}
		if !status.Healthy {
			return health.Status{Name: "scoring_service", Detail: "provider reports " + status.Status}
		}
		return health.Status{Name: "scoring_service", Healthy: true}
	})

	// Distributed tracing (no-op when endpoint is unset)
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdown
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// demoResolver maps the seeded storefront accounts to durable user keys.
// Production deployments replace this with a session-store resolver.
func demoResolver() *mediator.StaticResolver {
	return mediator.NewStaticResolver(map[string]string{
		"alice@example.com": "user_alice",
		"bob@example.com":   "user_bob",
		"alice":             "user_alice",
		"bob":               "user_bob",
	})
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/", s.infoHandler)

	v1 := s.router.Group("/api/v1")

	// Protected storefront actions. Each passes through the mediation
	// guard before its own handler runs.
	v1.POST("/auth/login", s.guard.Protect(assessment.ActionLogin), s.loginHandler)
	v1.POST("/checkout", s.guard.Protect(assessment.ActionCheckout), s.checkoutHandler)
	v1.POST("/actions/:name", s.guard.Protect(assessment.ActionSensitive), s.sensitiveActionHandler)

	// Device fingerprinting
	v1.POST("/devices/fingerprint", s.fingerprintHandler)

	// Security event queries
	auditHandler := audit.NewHandler(s.events, s.logger)
	auditHandler.RegisterRoutes(v1.Group("/audit"))

	// Scoring provider surfaces
	v1.GET("/assessments/stats", s.assessmentStatsHandler)
	v1.GET("/users/:id/assessments", s.assessmentHistoryHandler)

	// Realtime security alert feed
	s.router.GET("/ws/alerts", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	v1.GET("/alerts/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	allHealthy, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "riskgate",
		"description": "Risk assessment mediation layer for NexShop",
		"version":     "0.1.0",
	})
}

// loginHandler runs after the mediation guard has allowed or challenged
// the request. A challenged login still succeeds but tells the caller
// additional verification is pending.
func (s *Server) loginHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_json",
			"message": "Request body must be valid JSON",
		})
		return
	}

	resp := gin.H{
		"status":         "authenticated",
		"user_id":        mediator.UserIDFrom(c),
		"risk_level":     mediator.RiskLevelFrom(c),
		"correlation_id": mediator.CorrelationIDFrom(c),
	}
	if mediator.RequiresReview(c) {
		resp["status"] = "challenge_required"
		resp["challenge"] = "email_verification"
		resp["reasons"] = mediator.SecurityReasons(c)
	}
	if mediator.IsFallback(c) {
		resp["degraded"] = true
	}

	s.guard.LogOutcome(c, audit.EventLoginAttempt, outcomeAction(c), true, map[string]any{
		"username": req.Username,
	})

	c.JSON(http.StatusOK, resp)
}

func outcomeAction(c *gin.Context) audit.ActionTaken {
	if mediator.RequiresReview(c) {
		return audit.ActionRequiresReview
	}
	return audit.ActionAllowed
}

func (s *Server) checkoutHandler(c *gin.Context) {
	var req struct {
		UserID string  `json:"user_id"`
		Amount float64 `json:"amount"`
		Items  []struct {
			SKU      string `json:"sku"`
			Quantity int    `json:"quantity"`
		} `json:"items"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_json",
			"message": "Request body must be valid JSON",
		})
		return
	}

	resp := gin.H{
		"status":         "order_placed",
		"amount":         req.Amount,
		"risk_level":     mediator.RiskLevelFrom(c),
		"correlation_id": mediator.CorrelationIDFrom(c),
	}
	if mediator.RequiresReview(c) {
		resp["status"] = "pending_review"
		resp["reasons"] = mediator.SecurityReasons(c)
	}
	if mediator.IsFallback(c) {
		resp["degraded"] = true
	}

	s.guard.LogOutcome(c, audit.EventCheckoutAttempt, outcomeAction(c), true, map[string]any{
		"amount":     req.Amount,
		"item_count": len(req.Items),
	})

	c.JSON(http.StatusOK, resp)
}

// sensitiveActionHandler covers account-level changes (password reset,
// address change, payout settings). Challenged outcomes demand step-up
// authentication before the action applies.
func (s *Server) sensitiveActionHandler(c *gin.Context) {
	name := c.Param("name")

	resp := gin.H{
		"action":         name,
		"status":         "applied",
		"risk_level":     mediator.RiskLevelFrom(c),
		"correlation_id": mediator.CorrelationIDFrom(c),
	}
	action := audit.ActionAllowed
	if mediator.RequiresAdditionalAuth(c) {
		resp["status"] = "additional_auth_required"
		resp["reasons"] = mediator.SecurityReasons(c)
		action = audit.ActionAdditionalAuth
	}

	s.guard.LogOutcome(c, audit.EventSensitiveAttempt, action, true, map[string]any{
		"action_name": name,
	})

	c.JSON(http.StatusOK, resp)
}

func (s *Server) fingerprintHandler(c *gin.Context) {
	var profile fingerprint.DeviceProfile
	if err := c.ShouldBindJSON(&profile); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_json",
			"message": "Request body must be valid JSON",
		})
		return
	}

	synth := fingerprint.NewSynthesizer(
		fingerprint.ProfileSources(profile),
		fingerprint.WithLogger(s.logger),
	)
	result := synth.Collect(c.Request.Context())

	c.JSON(http.StatusOK, gin.H{
		"fingerprint": result.Token,
		"stable":      result.Stable,
		"signals":     result.Signals,
		"of_total":    result.OfTotal,
	})
}

func (s *Server) assessmentStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.client.Stats().Snapshot())
}

func (s *Server) assessmentHistoryHandler(c *gin.Context) {
	userID := c.Param("id")

	filters := assessment.HistoryFilters{
		RiskLevel:  assessment.RiskLevel(c.Query("risk_level")),
		ActionType: assessment.ActionType(c.Query("action_type")),
	}
	if page, err := parseIntQuery(c, "page"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_page",
			"message": "page must be a positive integer",
		})
		return
	} else {
		filters.Page = page
	}
	if limit, err := parseIntQuery(c, "limit"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_limit",
			"message": "limit must be a positive integer",
		})
		return
	} else {
		filters.Limit = limit
	}

	page, err := s.client.History(c.Request.Context(), userID, filters)
	if err != nil {
		logging.L(c.Request.Context()).Error("history lookup failed",
			"user_id", userID,
			"error", err,
		)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "history_unavailable",
			"message": "Assessment history could not be retrieved",
		})
		return
	}

	c.JSON(http.StatusOK, page)
}

func parseIntQuery(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start alert hub
	go s.hub.Run(runCtx)

	// Export connection pool gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines (alert hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush pending trace spans
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
