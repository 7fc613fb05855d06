// Package server assembles the escrow engine: storage, settlement,
// dispute voting, notifications, realtime streaming and the HTTP surface.
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

	"github.com/parcelmarket/escrowd/internal/config"
	"github.com/parcelmarket/escrowd/internal/dispute"
	"github.com/parcelmarket/escrowd/internal/escrow"
	"github.com/parcelmarket/escrowd/internal/health"
	"github.com/parcelmarket/escrowd/internal/logging"
	"github.com/parcelmarket/escrowd/internal/metrics"
	"github.com/parcelmarket/escrowd/internal/notify"
	"github.com/parcelmarket/escrowd/internal/ratelimit"
	"github.com/parcelmarket/escrowd/internal/realtime"
	"github.com/parcelmarket/escrowd/internal/security"
	"github.com/parcelmarket/escrowd/internal/settlement"
	"github.com/parcelmarket/escrowd/internal/syncutil"
	"github.com/parcelmarket/escrowd/internal/traces"
	"github.com/parcelmarket/escrowd/internal/validation"
)

// Server wraps the HTTP server and its collaborators.
type Server struct {
	cfg            *config.Config
	db             *sql.DB // nil when using in-memory stores
	settler        settlement.Settler
	escrowService  *escrow.Service
	sweeper        *escrow.Sweeper
	disputeManager *dispute.Manager
	dispatcher     *notify.Dispatcher
	notifyStore    notify.Store
	hub            *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	healthChecks   *health.Registry
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc
	shutdownTraces func(context.Context) error
	dbStatsStop    chan struct{}

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithSettler injects a settlement backend (tests).
func WithSettler(st settlement.Settler) Option {
	return func(s *Server) { s.settler = st }
}

// New builds a fully wired server. Postgres stores are used when
// DATABASE_URL is set, in-memory stores otherwise.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, "json"),
		healthChecks: health.NewRegistry(5 * time.Second),
	}
	for _, opt := range opts {
		opt(s)
	}

	shutdownTraces, err := traces.Init(context.Background(), cfg.OTLPEndpoint, "escrowd", cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	var escrowStore escrow.Store
	var disputeStore dispute.Store
	var notifyStore notify.Store

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		notifyStore = notify.NewPostgresStore(db)
		s.healthChecks.Register("database", func(ctx context.Context) error {
			return db.PingContext(ctx)
		})
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		mem := escrow.NewMemoryStore()
		escrowStore = mem
		disputeStore = dispute.NewMemoryStore(mem)
		notifyStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.settler == nil {
		settler, err := newSettler(cfg)
		if err != nil {
			return nil, err
		}
		s.settler = settler
	}
	s.logger.Info("settlement backend ready", "backend", cfg.SettlementBackend)

	s.notifyStore = notifyStore
	s.dispatcher = notify.NewDispatcher(notifyStore, notify.WithLogger(s.logger))
	s.hub = realtime.NewHub(s.logger)

	// One lock set shared by escrow release and dispute opening so both
	// serialize per contract.
	locks := &syncutil.ShardedMutex{}

	s.escrowService = escrow.NewService(escrowStore, s.settler,
		escrow.WithLogger(s.logger),
		escrow.WithLocks(locks),
		escrow.WithNotifier(s.dispatcher),
		escrow.WithEvents(s.hub),
		escrow.WithFeePercent(cfg.FeePercent),
		escrow.WithReleaseWindow(cfg.AutoReleaseWindow()),
		escrow.WithSettleTimeout(cfg.SettlementTimeout),
		escrow.WithSweepBatchSize(cfg.SweepBatchSize),
	)
	s.sweeper = escrow.NewSweeper(s.escrowService, cfg.SweepInterval, s.logger)

	s.disputeManager = dispute.NewManager(disputeStore, escrowStore, s.settler,
		dispute.WithLogger(s.logger),
		dispute.WithLocks(locks),
		dispute.WithNotifier(s.dispatcher),
		dispute.WithEvents(s.hub),
		dispute.WithQuorum(cfg.QuorumThreshold),
		dispute.WithSettleTimeout(cfg.SettlementTimeout),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// newSettler builds the configured settlement backend.
func newSettler(cfg *config.Config) (settlement.Settler, error) {
	switch cfg.SettlementBackend {
	case config.BackendOnchain:
		return settlement.NewOnchainSettler(settlement.OnchainConfig{
			RPCURL:       cfg.RPCURL,
			PrivateKey:   cfg.PrivateKey,
			ChainID:      cfg.ChainID,
			USDCContract: cfg.USDCContract,
		})
	case config.BackendStripe:
		return settlement.NewStripeSettler(cfg.StripeAPIKey), nil
	default:
		return settlement.NewLedgerSettler(), nil
	}
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

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
			"message": "internal error",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(limiterCfg)
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

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/", s.infoHandler)
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "data": s.hub.Stats()})
	})

	escrowGroup := s.router.Group("/escrow")
	escrow.NewHandler(s.escrowService).RegisterRoutes(escrowGroup)
	dispute.NewHandler(s.disputeManager).RegisterRoutes(escrowGroup)

	notifyGroup := s.router.Group("/notify")
	notify.NewHandler(s.notifyStore).RegisterRoutes(notifyGroup)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "escrowd",
		"description": "Escrow lifecycle and dispute resolution engine",
		"version":     "0.1.0",
		"settlement":  s.cfg.SettlementBackend,
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	checks, ok := s.healthChecks.Check(c.Request.Context())
	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// Run starts the HTTP server and background loops, blocking until a
// shutdown signal arrives or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"settlement", s.cfg.SettlementBackend,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	s.sweeper.Start(runCtx)

	if s.db != nil {
		s.dbStatsStop = make(chan struct{})
		go metrics.StartDBStatsCollector(s.db, 15*time.Second, s.dbStatsStop)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the server and background loops.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
		}
	}

	s.sweeper.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Let in-flight webhook deliveries finish.
	s.dispatcher.Drain()

	if s.dbStatsStop != nil {
		close(s.dbStatsStop)
	}

	if closer, ok := s.settler.(interface{ Close() }); ok {
		closer.Close()
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router exposes the gin router for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
