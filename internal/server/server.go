// Package server runs the reference server: the canonical copy of every
// replicated collection behind pull/push endpoints, the order, validator
// and KYC RPCs, and the change stream replicas listen on.
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

	"github.com/mbd888/escrowsync/internal/config"
	"github.com/mbd888/escrowsync/internal/docstore"
	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/health"
	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/internal/metrics"
	"github.com/mbd888/escrowsync/internal/orders"
	"github.com/mbd888/escrowsync/internal/ratelimit"
	"github.com/mbd888/escrowsync/internal/realtime"
	"github.com/mbd888/escrowsync/internal/remote"
	"github.com/mbd888/escrowsync/internal/security"
	"github.com/mbd888/escrowsync/internal/sqldb"
	"github.com/mbd888/escrowsync/internal/validation"
)

const version = "0.1.0"

// dbStatsInterval is how often pool stats are sampled into gauges.
const dbStatsInterval = 15 * time.Second

// Server is the reference server.
type Server struct {
	cfg          *config.Config
	db           *sql.DB // nil when using in-memory stores
	ownsDB       bool
	hub          *realtime.Hub
	hubRunning   atomic.Bool
	handler      *remote.Handler
	orders       *remote.Collection[documents.Order]
	validators   *remote.Collection[documents.Validator]
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDB uses an already-open, migrated Postgres database instead of
// dialing cfg.DatabaseURL. The caller keeps ownership of db.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// New builds the server. With cfg.DatabaseURL (or WithDB) collections live
// in Postgres; otherwise they are in memory and lost on restart.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.db == nil && cfg.DatabaseURL != "" {
		db, err := sqldb.OpenPostgres(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.ownsDB = true
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else if s.db == nil {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}
	if s.db != nil {
		s.health.Register("database", health.DB("database", s.db))
	}

	policy := cfg.Policy
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	tiers, err := policy.EscrowTiers()
	if err != nil {
		return nil, fmt.Errorf("escrow tiers: %w", err)
	}

	s.hub = realtime.NewHub(s.logger)
	s.health.Register("change_stream", health.Loop("change_stream", s.hubRunning.Load))

	assets := collection[documents.Asset](s, documents.CollectionAssets)
	contacts := collection[documents.Contact](s, documents.CollectionContacts)
	allowances := collection[documents.Allowance](s, documents.CollectionAllowances)
	s.validators = collection[documents.Validator](s, documents.CollectionValidators)
	s.orders = collection[documents.Order](s, documents.CollectionOrders)
	escrows := collection[documents.Escrow](s, documents.CollectionEscrows)
	proofs := collection[documents.PaymentVerification](s, documents.CollectionPaymentVerifications)
	kyc := collection[documents.KYCRecord](s, documents.CollectionKYC)

	// The server never holds funds; it only applies administrative
	// transitions, so the order service runs without a custody ledger.
	svc := orders.NewService(s.orders, nil, tiers).
		WithEscrows(escrows).
		WithMaxProofRejections(policy.MaxProofRejections).
		WithLogger(s.logger)

	s.handler = remote.NewHandler(s.logger).
		Register(assets).
		Register(contacts).
		Register(allowances).
		Register(s.validators).
		Register(s.orders).
		Register(escrows).
		Register(proofs).
		Register(kyc).
		WithOrders(svc).
		WithReference(remote.NewReference(s.validators, kyc)).
		WithStream(s.hub)

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func collection[T documents.Replicable[T]](s *Server, name string) *remote.Collection[T] {
	var store docstore.Store[T]
	if s.db != nil {
		store = docstore.NewPostgresStore[T](s.db, name)
	} else {
		store = docstore.NewMemoryStore[T](name)
	}
	return remote.NewCollection[T](store, s.hub, s.logger)
}

// maskDSN hides the password in a connection string for logging.
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
	s.router.Use(security.CORSMiddleware(nil))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		if replica := c.GetHeader(realtime.ReplicaHeader); replica != "" {
			ctx = logging.WithReplicaID(ctx, replica)
		}
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/metrics" || path == "/health/live" || path == "/health/ready":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware("id", "userId", "collection"))
	s.handler.RegisterRoutes(v1)
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Storage   string          `json:"storage"`
	Checks    []health.Status `json:"checks"`
	Stream    realtime.Stats  `json:"stream"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)
	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}

	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   version,
		Storage:   storage,
		Checks:    checks,
		Stream:    s.hub.Stats(),
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

// Start launches the background loops (change stream hub, pool stats)
// without binding a port. Run calls it; tests call it directly.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.hubRunning.Store(true)
	go func() {
		defer s.hubRunning.Store(false)
		s.hub.Run(runCtx)
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, dbStatsInterval)
	}
	s.ready.Store(true)
}

// Run serves HTTP until ctx is done or a shutdown signal arrives.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.Close()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown drains HTTP traffic and then stops the background loops.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic.
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}
	s.Close()
	s.logger.Info("server stopped")
	return nil
}

// Close stops background loops and releases the database if the server
// opened it.
func (s *Server) Close() {
	s.ready.Store(false)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.db != nil && s.ownsDB {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Orders exposes the canonical orders collection.
func (s *Server) Orders() *remote.Collection[documents.Order] {
	return s.orders
}

// Validators exposes the canonical validators collection for seeding.
func (s *Server) Validators() *remote.Collection[documents.Validator] {
	return s.validators
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
