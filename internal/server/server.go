// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/resend/resend-go/v2"

	"github.com/baggo/baggo/internal/auth"
	"github.com/baggo/baggo/internal/circuitbreaker"
	"github.com/baggo/baggo/internal/config"
	"github.com/baggo/baggo/internal/escrow"
	"github.com/baggo/baggo/internal/health"
	"github.com/baggo/baggo/internal/ledger"
	"github.com/baggo/baggo/internal/logging"
	"github.com/baggo/baggo/internal/metrics"
	"github.com/baggo/baggo/internal/notify"
	"github.com/baggo/baggo/internal/packages"
	"github.com/baggo/baggo/internal/payments"
	"github.com/baggo/baggo/internal/ratelimit"
	"github.com/baggo/baggo/internal/refunds"
	"github.com/baggo/baggo/internal/requests"
	"github.com/baggo/baggo/internal/security"
	"github.com/baggo/baggo/internal/traces"
	"github.com/baggo/baggo/internal/trips"
	"github.com/baggo/baggo/internal/users"
	"github.com/baggo/baggo/internal/validation"
	"github.com/baggo/baggo/migrations"
)

// Version is reported by /health and attached to traces.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg       *config.Config
	db        *sql.DB // nil if using in-memory
	issuer    *auth.Issuer
	ledger    *ledger.Ledger
	users     *users.Service
	packages  *packages.Service
	trips     *trips.Service
	requests  *requests.Service
	payments  *payments.Settlement
	refunds   *refunds.Service
	hub       *notify.Hub
	notifier  *notify.Dispatcher
	health    *health.Registry
	limiter   *ratelimit.Limiter
	providers []payments.Provider
	email     notify.EmailSender

	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error

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

// WithProviders replaces the payment providers built from config (for testing)
func WithProviders(providers ...payments.Provider) Option {
	return func(s *Server) {
		s.providers = providers
	}
}

// WithEmailSender replaces the Resend client (for testing)
func WithEmailSender(sender notify.EmailSender) Option {
	return func(s *Server) {
		s.email = sender
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(2 * time.Second),
	}

	// Apply options first (may set logger/providers)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		ledgerStore  ledger.Store
		userStore    users.Store
		packageStore packages.Store
		tripStore    trips.Store
		requestStore requests.Store
		refundStore  refunds.Store
	)
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
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}

		s.db = db
		s.health.Register("database", health.DB(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ledgerStore = ledger.NewPostgresStore(db)
		userStore = users.NewPostgresStore(db)
		packageStore = packages.NewPostgresStore(db)
		tripStore = trips.NewPostgresStore(db)
		requestStore = requests.NewPostgresStore(db)
		refundStore = refunds.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		ledgerStore = ledger.NewMemoryStore()
		userStore = users.NewMemoryStore()
		packageStore = packages.NewMemoryStore()
		tripStore = trips.NewMemoryStore()
		requestStore = requests.NewMemoryStore()
		refundStore = refunds.NewMemoryStore()
	}

	// Notifications: live stream always, email when Resend is configured
	s.hub = notify.NewHub(s.logger)
	sinks := []notify.Sink{s.hub}

	s.ledger = ledger.New(ledgerStore)
	s.users = users.NewService(userStore, s.ledger, cfg.ReferralDiscountPercent, s.logger)
	s.packages = packages.NewService(packageStore, s.logger)
	s.trips = trips.NewService(tripStore, s.logger)

	if s.email == nil && cfg.ResendAPIKey != "" {
		s.email = resend.NewClient(cfg.ResendAPIKey).Emails
	}
	if s.email != nil {
		sinks = append(sinks, notify.NewEmailSink(s.email, cfg.FromEmail, s.users))
		s.logger.Info("email notifications enabled", "from", cfg.FromEmail)
	}
	s.notifier = notify.NewDispatcher(s.logger, notify.DefaultTimeout, sinks...)

	engine := escrow.NewEngine(ledger.EscrowAccounts{Ledger: s.ledger}, s.logger)
	s.requests = requests.NewService(requestStore, engine, requests.Collaborators{
		Users:    s.users,
		Packages: s.packages,
		Trips:    s.trips,
		Notifier: s.notifier,
	}, s.logger)

	// Payment providers
	if s.providers == nil {
		s.providers = providersFromConfig(cfg)
	}
	if len(s.providers) == 0 {
		s.logger.Warn("no payment provider configured, payments are disabled")
	}
	for _, p := range s.providers {
		s.logger.Info("payment provider enabled", "provider", p.Name())
	}
	s.payments = payments.NewSettlement(s.requests, s.users, payments.Config{
		Timeout:  cfg.ProviderTimeout,
		Currency: cfg.PaymentCurrency,
		Breaker:  circuitbreaker.New(5, 30*time.Second),
	}, s.logger, s.providers...)
	s.health.Register("payments", func(ctx context.Context) health.Status {
		if len(s.providers) == 0 {
			return health.Status{Name: "payments", Healthy: false, Detail: "no provider configured"}
		}
		return health.Status{Name: "payments", Healthy: true}
	})

	s.refunds = refunds.NewService(refundStore, s.requests, s.payments, s.notifier, s.logger)

	s.issuer = auth.NewIssuer(cfg.JWTSecret)

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

func providersFromConfig(cfg *config.Config) []payments.Provider {
	var out []payments.Provider
	if cfg.StripeSecretKey != "" {
		out = append(out, payments.NewStripeProvider(cfg.StripeSecretKey))
	}
	if cfg.PaystackSecretKey != "" {
		out = append(out, payments.NewPaystackProvider(cfg.PaystackSecretKey, &http.Client{Timeout: cfg.ProviderTimeout}))
	}
	return out
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Bearer tokens are optional here; route groups decide what they require.
	s.router.Use(auth.Middleware(s.issuer))

	// Rate limiting keys on the authenticated user, so it runs after auth.
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitPerMinute > 0 {
		rl.RequestsPerMinute = int(s.cfg.RateLimitPerMinute)
	}
	s.limiter = ratelimit.New(rl)
	s.router.Use(s.limiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}

		ctx := logging.WithCorrelationID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
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

	v1 := s.router.Group("/v1")
	authed := v1.Group("", auth.RequireAuth())
	admin := v1.Group("", auth.RequireAdmin())

	usersHandler := users.NewHandler(s.users, s.issuer)
	usersHandler.RegisterRoutes(v1)
	usersHandler.RegisterProtectedRoutes(authed)
	usersHandler.RegisterAdminRoutes(admin)

	ledger.NewHandler(s.ledger, s.users, s.logger).RegisterRoutes(authed)
	packages.NewHandler(s.packages).RegisterRoutes(authed)
	trips.NewHandler(s.trips).RegisterRoutes(authed)

	requestsHandler := requests.NewHandler(s.requests)
	requestsHandler.RegisterRoutes(authed)
	requestsHandler.RegisterAdminRoutes(admin)

	// Webhooks authenticate by provider signature, not bearer token.
	paymentsHandler := payments.NewHandler(s.payments, s.cfg.StripeWebhookSecret, s.cfg.PaystackSecretKey, s.logger)
	paymentsHandler.RegisterRoutes(authed)
	paymentsHandler.RegisterWebhookRoutes(v1)

	refundsHandler := refunds.NewHandler(s.refunds)
	refundsHandler.RegisterRoutes(authed)
	refundsHandler.RegisterAdminRoutes(admin)

	// Live request tracking
	authed.GET("/ws", s.hub.HandleWebSocket)
	admin.GET("/admin/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

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
	defer signal.Stop(sigChan)

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

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop the hub and collectors after in-flight requests are done
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Let queued notifications finish
	s.notifier.Wait()
	s.logger.Info("notifications drained")

	if s.limiter != nil {
		s.limiter.Stop()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
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
