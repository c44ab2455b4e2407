// Package server wires paycore's stores, providers, reconciliation engine
// and HTTP routes into one process.
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

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/nats-io/nats.go"

	"github.com/petnest/paycore/internal/audit"
	"github.com/petnest/paycore/internal/auth"
	"github.com/petnest/paycore/internal/circuitbreaker"
	"github.com/petnest/paycore/internal/commission"
	"github.com/petnest/paycore/internal/config"
	"github.com/petnest/paycore/internal/health"
	"github.com/petnest/paycore/internal/idgen"
	"github.com/petnest/paycore/internal/logging"
	"github.com/petnest/paycore/internal/metrics"
	"github.com/petnest/paycore/internal/money"
	"github.com/petnest/paycore/internal/provider"
	"github.com/petnest/paycore/internal/provider/cardcheckout"
	"github.com/petnest/paycore/internal/provider/cryptoinvoice"
	"github.com/petnest/paycore/internal/provider/wallet"
	"github.com/petnest/paycore/internal/ratelimit"
	"github.com/petnest/paycore/internal/realtime"
	"github.com/petnest/paycore/internal/reconciliation"
	"github.com/petnest/paycore/internal/retry"
	"github.com/petnest/paycore/internal/security"
	"github.com/petnest/paycore/internal/store"
	"github.com/petnest/paycore/internal/subscription"
	"github.com/petnest/paycore/internal/traces"
	"github.com/petnest/paycore/internal/validation"
	"github.com/petnest/paycore/internal/webhook"
	"github.com/petnest/paycore/migrations"
)

// Version is reported by /health and the tracer resource.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	db             *sql.DB // nil if using in-memory
	tx             store.Tx
	providers      *provider.Registry
	extraProviders []provider.Client
	engine         *reconciliation.Engine
	sweepTimer     *reconciliation.Timer
	audit          *audit.Dispatcher
	realtimeHub    *realtime.Hub
	natsConn       *nats.Conn
	chainClient    *ethclient.Client
	tokens         *auth.Tokens
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry
	shutdownTraces func(context.Context) error
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	drainDelay     time.Duration
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

// WithProviders registers additional provider adapters, replacing any
// configured adapter of the same name (for testing).
func WithProviders(clients ...provider.Client) Option {
	return func(s *Server) {
		s.extraProviders = append(s.extraProviders, clients...)
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	if err := validation.RegisterTags(); err != nil {
		return nil, fmt.Errorf("failed to register validators: %w", err)
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var window webhook.Window
	if cfg.DatabaseURL != "" {
		db, err := s.openDatabase(ctx)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.tx = store.NewPostgresTx(db)
		window = webhook.NewPostgresWindow(db)
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory stores")
		s.tx = store.NewMemoryTx()
		window = webhook.NewMemoryWindow(cfg.WebhookWindow)
	}

	catalog, tiers, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	rates, err := money.ParseRates(cfg.BaseCurrency, cfg.FXRates)
	if err != nil {
		return nil, fmt.Errorf("invalid FX_RATES: %w", err)
	}

	s.providers = s.buildProviders()
	if len(s.providers.Names()) == 0 {
		s.logger.Warn("no payment providers configured")
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	backends, err := s.auditBackends()
	if err != nil {
		return nil, err
	}
	s.audit = audit.NewDispatcher(0, backends...)

	subs := subscription.NewLedger(catalog)
	comms := commission.NewLedger(tiers, cfg.BaseCurrency)
	s.engine = reconciliation.New(reconciliation.Config{
		Tx:            s.tx,
		Providers:     s.providers,
		Subscriptions: subs,
		Commissions:   comms,
		Rates:         rates,
		Sink:          s.audit,
		CaptureRetry: retry.Policy{
			MaxAttempts: cfg.CaptureMaxAttempts,
			BaseDelay:   cfg.CaptureBaseDelay,
			MaxDelay:    5 * time.Second,
		},
	})
	sweeper := reconciliation.NewSweeper(s.engine, window, reconciliation.SweepConfig{
		RequeryAfter: cfg.SweepRequeryAfter,
		Expiry:       cfg.PaymentExpiry,
		Window:       cfg.WebhookWindow,
	})
	s.sweepTimer = reconciliation.NewTimer(sweeper, cfg.SweepInterval)

	secret := cfg.JWTSecret
	if secret == "" {
		// Nobody can forge a token against a secret nobody knows.
		s.logger.Warn("JWT_SECRET not set, bearer tokens will be rejected")
		secret = randomHex(32)
	}
	s.tokens = auth.NewTokens(secret, cfg.JWTIssuer, 0)

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.DB(s.db))
	}
	s.health.Register("providers", health.OpenCircuits(s.providers.OpenCircuits))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(sweeper, window, comms)

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) openDatabase(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.logger.Info("database migrations applied")
	}
	return db, nil
}

func loadCatalog(cfg *config.Config) (*subscription.Catalog, commission.TierTable, error) {
	catalog := subscription.DefaultCatalog()
	tiers := commission.DefaultTiers()
	if cfg.Catalog == nil {
		return catalog, tiers, nil
	}
	if len(cfg.Catalog.Plans) > 0 {
		c, err := subscription.CatalogFromConfig(cfg.Catalog.Plans)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid plan catalog: %w", err)
		}
		catalog = c
	}
	if len(cfg.Catalog.Tiers) > 0 {
		t, err := commission.TiersFromConfig(cfg.Catalog.Tiers)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid commission tiers: %w", err)
		}
		tiers = t
	}
	return catalog, tiers, nil
}

func (s *Server) buildProviders() *provider.Registry {
	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("provider circuit changed", "provider", key, "from", from.String(), "to", to.String())
	})
	reg := provider.NewRegistry(breaker)

	cfg := s.cfg
	if cfg.CardEnabled() {
		reg.Register(cardcheckout.New(cardcheckout.Config{
			SecretKey:     cfg.Card.SecretKey,
			WebhookSecret: cfg.Card.WebhookSecret,
			BaseURL:       cfg.Card.BaseURL,
			Timeout:       cfg.ProviderTimeout,
		}))
	}
	if cfg.WalletEnabled() {
		reg.Register(wallet.New(wallet.Config{
			ClientID:     cfg.Wallet.ClientID,
			ClientSecret: cfg.Wallet.ClientSecret,
			BaseURL:      cfg.Wallet.BaseURL,
			WebhookToken: cfg.Wallet.WebhookToken,
			Timeout:      cfg.ProviderTimeout,
		}))
	}
	if cfg.CryptoEnabled() {
		reg.Register(cryptoinvoice.New(cryptoinvoice.Config{
			APIKey:      cfg.Crypto.APIKey,
			IPNSecret:   cfg.Crypto.IPNSecret,
			BaseURL:     cfg.Crypto.BaseURL,
			CallbackURL: cfg.Crypto.CallbackURL,
			Timeout:     cfg.ProviderTimeout,
		}))
	}
	for _, c := range s.extraProviders {
		reg.Register(c)
	}
	s.logger.Info("payment providers enabled", "providers", reg.Names())
	return reg
}

func (s *Server) auditBackends() ([]audit.Backend, error) {
	backends := []audit.Backend{audit.NewLogSink(s.logger), s.realtimeHub}

	if s.cfg.NATSURL != "" {
		conn, err := audit.DialNATS(s.cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		s.natsConn = conn
		backends = append(backends, audit.NewNATSSink(conn, s.cfg.NATSSubjectPrefix+".reconciliation"))
		s.logger.Info("audit NATS sink enabled", "subjectPrefix", s.cfg.NATSSubjectPrefix)
	}

	if s.cfg.ChainPrivateKey != "" {
		client, err := audit.DialChain(s.cfg.ChainRPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to audit chain: %w", err)
		}
		sink, err := audit.NewChainSink(client, s.cfg.ChainPrivateKey, s.cfg.ChainID)
		if err != nil {
			client.Close()
			return nil, err
		}
		s.chainClient = client
		backends = append(backends, sink)
		s.logger.Info("audit chain anchor enabled", "address", sink.Address().Hex(), "chainId", s.cfg.ChainID)
	}
	return backends, nil
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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(auth.Middleware(s.tokens))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an ID from the load balancer when there is one
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.New()
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes(sweeper *reconciliation.Sweeper, window webhook.Window, comms *commission.Ledger) {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", s.websocketHandler)

	// Provider pushes are authenticated by signature, not by caller.
	ingestor := webhook.NewIngestor(s.providers, window, s.engine)
	webhook.NewHandler(ingestor, s.cfg.WebhookDeadline).RegisterRoutes(s.router)

	s.rateLimiter = ratelimit.New(ratelimit.FromRPS(s.cfg.RateLimitRPS))
	v1 := s.router.Group("/v1", s.rateLimiter.Middleware())
	authed := v1.Group("", auth.RequireAuth())
	admin := v1.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret))

	stores := s.tx.Stores()
	payments := reconciliation.NewHandler(s.engine, sweeper)
	payments.RegisterRoutes(authed)
	payments.RegisterAdminRoutes(admin)

	subscriptions := subscription.NewHandler(subscription.NewService(stores.Subscriptions))
	subscriptions.RegisterRoutes(authed)
	subscriptions.RegisterAdminRoutes(admin)

	affiliates := commission.NewHandler(commission.NewService(stores.Commissions, comms, store.CommissionTx(s.tx)))
	affiliates.RegisterRoutes(authed)
	affiliates.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Providers []provider.Name `json:"providers"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Providers: s.providers.Names(),
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
	if s.db != nil {
		if st := health.DB(s.db)(c.Request.Context()); !st.Healthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "detail": "database unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// websocketHandler streams reconciliation outcomes. Operators presenting
// the admin secret see every outcome; everyone else watches the references
// they name, which are unguessable.
func (s *Server) websocketHandler(c *gin.Context) {
	var sub realtime.Subscription
	if auth.CheckAdmin(c, s.cfg.AdminSecret) || auth.IsAdmin(c) {
		sub.AllEvents = true
	} else {
		ref := c.Query("reference")
		if !idgen.IsReference(ref) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_reference",
				"message": "reference query parameter must be a payment reference",
			})
			return
		}
		sub.References = []string{ref}
	}
	s.realtimeHub.HandleWebSocket(c.Writer, c.Request, sub)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Webhook handling may take up to the webhook deadline.
		WriteTimeout: s.cfg.WebhookDeadline + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	s.audit.Start(runCtx)
	go s.sweepTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	// In-flight requests are done; stop the background work.
	s.sweepTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Flush outcomes still queued for the audit sinks.
	if err := s.audit.Close(ctx); err != nil {
		s.logger.Error("audit flush incomplete", "error", err)
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.natsConn != nil {
		if err := s.natsConn.Drain(); err != nil {
			s.logger.Error("nats drain error", "error", err)
		}
	}
	if s.chainClient != nil {
		s.chainClient.Close()
	}

	if err := s.shutdownTraces(ctx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
			errs = append(errs, err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the reconciliation engine.
func (s *Server) Engine() *reconciliation.Engine {
	return s.engine
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
