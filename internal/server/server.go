// Package server wires the exchange together and serves the HTTP API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/campex/campex/internal/admin"
	"github.com/campex/campex/internal/audit"
	"github.com/campex/campex/internal/auth"
	"github.com/campex/campex/internal/config"
	"github.com/campex/campex/internal/engine"
	"github.com/campex/campex/internal/escrow"
	"github.com/campex/campex/internal/events"
	"github.com/campex/campex/internal/health"
	"github.com/campex/campex/internal/holdings"
	"github.com/campex/campex/internal/idgen"
	"github.com/campex/campex/internal/ipo"
	"github.com/campex/campex/internal/ledger"
	"github.com/campex/campex/internal/logging"
	"github.com/campex/campex/internal/market"
	"github.com/campex/campex/internal/metrics"
	"github.com/campex/campex/internal/notify"
	"github.com/campex/campex/internal/orders"
	"github.com/campex/campex/internal/ratelimit"
	"github.com/campex/campex/internal/realtime"
	"github.com/campex/campex/internal/security"
	"github.com/campex/campex/internal/shard"
	"github.com/campex/campex/internal/transfer"
	"github.com/campex/campex/internal/validation"
)

// Server is the exchange process: stores, services, and the HTTP API.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB

	bus      *events.Bus
	hub      *realtime.Hub
	clock    *market.Clock
	ledger   *ledger.Ledger
	holdings *holdings.Service
	escrows  *escrow.Service
	engine   *engine.Engine
	shards   *shard.Router
	orders   *orders.Service
	transfer *transfer.Service
	ipo      *ipo.Service
	auditor  *audit.Auditor
	admin    *admin.Service
	authMgr  *auth.Manager
	notifier *notify.Notifier

	marketStore market.Store
	escrowTimer *escrow.Timer
	auditTimer  *audit.Timer

	limiter *ratelimit.Limiter
	healthR *health.Registry

	router  *gin.Engine
	httpSrv *http.Server

	cancelRun context.CancelFunc
	ready     atomic.Bool
	healthy   atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a fully wired server. With DATABASE_URL set it uses
// PostgreSQL storage; otherwise everything lives in memory.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		logger:  slog.Default(),
		healthR: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.healthy.Store(true)

	ctx := context.Background()
	seed := market.Config{
		IPOPrice:           cfg.IPOPrice,
		IPOSharesRemaining: cfg.IPOShares,
		BandBP:             cfg.BandBP,
		TransferFee: market.FeePolicy{
			RatePct: cfg.TransferFeePct,
			MinFee:  cfg.TransferFeeMin,
		},
	}

	var (
		ledgerStore ledger.Store
		holdStore   holdings.Store
		escrowStore escrow.Store
		orderStore  orders.Store
		authStore   auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("pinging database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		lps := ledger.NewPostgresStore(db)
		hps := holdings.NewPostgresStore(db)
		eps := escrow.NewPostgresStore(db)
		ops := orders.NewPostgresStore(db)
		mps := market.NewPostgresStore(db)
		aps := auth.NewPostgresStore(db)
		for name, migrate := range map[string]func(context.Context) error{
			"ledger":   lps.Migrate,
			"holdings": hps.Migrate,
			"escrows":  eps.Migrate,
			"orders":   ops.Migrate,
			"auth":     aps.Migrate,
		} {
			if err := migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrating %s: %w", name, err)
			}
		}
		if err := mps.Migrate(ctx, seed); err != nil {
			return nil, fmt.Errorf("migrating market config: %w", err)
		}
		ledgerStore, holdStore, escrowStore, orderStore = lps, hps, eps, ops
		s.marketStore, authStore = mps, aps
	} else {
		s.logger.Info("using in-memory storage")
		ledgerStore = ledger.NewMemoryStore()
		holdStore = holdings.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		orderStore = orders.NewMemoryStore()
		s.marketStore = market.NewMemoryStore(seed)
		authStore = auth.NewMemoryStore()
	}

	s.bus = events.New(s.logger)
	s.hub = realtime.NewHub(s.logger)
	s.hub.Attach(s.bus)
	s.clock = market.NewClock(s.marketStore, clockPublisher{s.bus}, s.logger)

	s.ledger = ledger.New(ledgerStore, s.logger)
	s.holdings = holdings.NewService(holdStore)
	s.escrows = escrow.NewService(escrowStore, s.ledger, s.logger)

	refPrice := cfg.IPOPrice
	if last, err := orderStore.LastTrade(ctx); err == nil && last != nil {
		refPrice = last.Price
	}
	s.engine = engine.New(engine.Config{
		Market:   s.marketStore,
		Ledger:   engineLedger{s.ledger},
		Escrows:  escrowPort{s.escrows},
		Holdings: s.holdings,
		Orders:   orderStore,
		Trades:   orderStore,
		Bus:      s.bus,
		Logger:   s.logger,
		RefPrice: refPrice,
	})

	policy := shard.OverflowReject
	if cfg.ShardPolicy == "redirect" {
		policy = shard.OverflowRedirect
	}
	s.shards = shard.New(cfg.ShardCount, cfg.ShardQueueSize, s.logger,
		shard.WithPolicy(policy), shard.WithPublisher(s.bus))

	s.orders = orders.NewService(orderStore, s.ledger, s.escrows, s.holdings,
		s.engine, s.clock, s.shards, s.bus, s.logger)
	s.escrowTimer = escrow.NewTimer(s.escrows, s.orders, cfg.EscrowMaxAge, s.logger)
	s.ipo = ipo.NewService(s.marketStore, s.ledger, s.holdings, s.engine, s.clock, s.bus, s.logger)
	s.transfer = transfer.NewService(s.ledger, s.marketStore, s.bus, s.logger)
	s.auditor = audit.New(s.ledger, s.escrows, s.bus, s.logger)
	s.auditTimer = audit.NewTimer(s.auditor, cfg.AuditInterval, s.logger)
	s.admin = admin.NewService(s.ledger, s.holdings, s.engine, s.clock,
		s.marketStore, s.ipo, s.auditor, s.bus, s.logger)
	s.authMgr = auth.NewManager(authStore)

	if cfg.NotifyURL != "" {
		if cfg.IsProduction() {
			if err := security.ValidateEndpointURL(cfg.NotifyURL); err != nil {
				return nil, fmt.Errorf("NOTIFY_URL rejected: %w", err)
			}
		}
		s.notifier = notify.New(cfg.NotifyURL, s.ledger, s.logger)
		s.notifier.Subscribe(s.bus)
	}

	// The opening auction clears overnight orders; closing sweeps the book.
	s.clock.OnOpen(func(ctx context.Context) {
		if _, err := s.engine.RunCallAuction(ctx); err != nil {
			s.logger.Error("opening auction failed", "error", err)
		}
	})
	s.clock.OnClose(func(ctx context.Context) {
		if _, err := s.engine.CancelAll(ctx, "market_closed"); err != nil {
			s.logger.Error("close-of-market cancel failed", "error", err)
		}
	})

	s.registerHealthChecks()
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

// engineLedger adapts the ledger to the engine's settlement port.
type engineLedger struct {
	lgr *ledger.Ledger
}

func (a engineLedger) RecordBuySpend(ctx context.Context, uid string, amount int64, note string) error {
	acct, err := a.lgr.Account(ctx, uid)
	if err != nil {
		return err
	}
	return a.lgr.Record(ctx, &ledger.Entry{
		UID:          uid,
		Delta:        -amount,
		Kind:         ledger.KindTradeBuy,
		Note:         note,
		BalanceAfter: acct.Points + acct.Escrow,
	})
}

func (a engineLedger) CreditSale(ctx context.Context, uid string, amount int64, note string) error {
	_, err := a.lgr.Credit(ctx, uid, amount, ledger.KindTradeSell, note)
	return err
}

// escrowPort narrows the escrow service for the engine.
type escrowPort struct {
	svc *escrow.Service
}

func (p escrowPort) Consume(ctx context.Context, escrowID string, amount int64) error {
	return p.svc.Consume(ctx, escrowID, amount)
}

func (p escrowPort) Complete(ctx context.Context, escrowID string, actual int64) error {
	_, err := p.svc.Complete(ctx, escrowID, actual)
	return err
}

func (p escrowPort) Cancel(ctx context.Context, escrowID, reason string) error {
	_, err := p.svc.Cancel(ctx, escrowID, reason)
	return err
}

// clockPublisher bridges the market clock's string topics onto the bus.
type clockPublisher struct {
	bus *events.Bus
}

func (p clockPublisher) Publish(topic string, uid string, payload map[string]any) {
	p.bus.Publish(events.Topic(topic), uid, payload)
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.healthR.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.healthR.Register("market_clock", func(ctx context.Context) health.Status {
		return health.Status{Name: "market_clock", Healthy: s.clock.Running()}
	})
	s.healthR.Register("shard_router", func(ctx context.Context) health.Status {
		return health.Status{Name: "shard_router", Healthy: s.shards.Running()}
	})
	s.healthR.Register("event_bus", func(ctx context.Context) health.Status {
		dropped := s.bus.Dropped()
		st := health.Status{Name: "event_bus", Healthy: true}
		if dropped > 0 {
			st.Detail = fmt.Sprintf("%d events dropped", dropped)
		}
		return st
	})
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	if at := strings.Index(dsn, "@"); at != -1 {
		if scheme := strings.Index(dsn, "://"); scheme != -1 {
			userInfo := dsn[scheme+3 : at]
			if colon := strings.Index(userInfo, ":"); colon != -1 {
				return dsn[:scheme+3+colon+1] + "****" + dsn[at:]
			}
		}
	}
	return dsn
}

func (s *Server) setupMiddleware() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.CustomRecovery(func(c *gin.Context, err any) {
		s.logger.Error("panic recovered", "error", fmt.Sprint(err), "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	r.Use(security.HeadersMiddleware())
	r.Use(security.CORSMiddleware([]string{"*"}))
	r.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS,
		CleanupInterval:   time.Minute,
	})
	r.Use(s.limiter.Middleware())
	r.Use(metrics.Middleware())
	r.Use(s.requestIDMiddleware())
	r.Use(s.loggingMiddleware())

	s.router = r
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)
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
			"client_ip", c.ClientIP(),
			"request_id", logging.RequestID(c.Request.Context()),
		}
		switch {
		case status >= 500:
			s.logger.Error("request", attrs...)
		case status >= 400:
			s.logger.Warn("request", attrs...)
		default:
			s.logger.Info("request", attrs...)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/", s.dashboardHandler)
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	marketHandler := market.NewHandler(s.clock)
	engineHandler := engine.NewHandler(s.engine)
	ordersHandler := orders.NewHandler(s.orders)
	ipoHandler := ipo.NewHandler(s.ipo)
	transferHandler := transfer.NewHandler(s.transfer, s.ledger)
	ledgerHandler := ledger.NewHandler(s.ledger)
	authHandler := auth.NewHandler(s.authMgr)
	adminHandler := admin.NewHandler(s.admin)

	v1 := s.router.Group("/v1")
	{
		marketHandler.RegisterRoutes(v1)
		engineHandler.RegisterRoutes(v1)
		ordersHandler.RegisterRoutes(v1)
		ipoHandler.RegisterRoutes(v1)
		v1.GET("/auth/info", authHandler.Info)
	}

	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth())
	{
		ledgerHandler.RegisterProtectedRoutes(protected)
		ordersHandler.RegisterProtectedRoutes(protected)
		ipoHandler.RegisterProtectedRoutes(protected)
		transferHandler.RegisterProtectedRoutes(protected)
		authHandler.RegisterRoutes(protected)
	}

	adm := v1.Group("/admin")
	adm.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		adminHandler.RegisterRoutes(adm)
		adm.POST("/users/:uid/keys", s.issueKeyHandler)
		adm.GET("/stats", s.statsHandler)
		adm.GET("/events", s.eventReplayHandler)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthR.CheckAll(c.Request.Context())
	code := http.StatusOK
	state := "healthy"
	if !healthy || !s.healthy.Load() {
		code = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	c.JSON(code, gin.H{
		"status": state,
		"checks": statuses,
		"time":   time.Now().UTC(),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// issueKeyHandler mints an API key for a participant. Staff run this once
// per camper after creating the account; the key is shown only here.
func (s *Server) issueKeyHandler(c *gin.Context) {
	uid := c.Param("uid")
	if !validation.IsValidUID(uid) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_uid",
			"message": "uid must be a valid user id (usr_ + hex)",
		})
		return
	}
	if _, err := s.ledger.Account(c.Request.Context(), uid); err != nil {
		if errors.Is(err, ledger.ErrUnknownUser) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "User not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "default"
	}

	rawKey, key, err := s.authMgr.GenerateKey(c.Request.Context(), uid, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"uid":     uid,
		"message": "Save this key now. It will not be shown again.",
	})
}

func (s *Server) statsHandler(c *gin.Context) {
	stats := gin.H{
		"bus":        s.bus.Stats(),
		"busDropped": s.bus.Dropped(),
		"shards":     s.shards.Stats(),
		"websocket":  s.hub.Stats(),
	}
	if s.notifier != nil {
		stats["notifier_running"] = s.notifier.Running()
	}
	c.JSON(http.StatusOK, stats)
}

// eventReplayHandler returns recently retained bus events for debugging.
func (s *Server) eventReplayHandler(c *gin.Context) {
	filter := events.ReplayFilter{
		Topic: events.Topic(c.Query("topic")),
		UID:   c.Query("uid"),
	}
	evs := s.bus.Replay(filter)
	c.JSON(http.StatusOK, gin.H{"events": evs, "count": len(evs)})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	s.bus.Start(runCtx)
	s.shards.Start()
	s.engine.Start(runCtx)
	go s.clock.Start(runCtx)
	go s.hub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.auditTimer.Start(runCtx)
	if s.notifier != nil {
		s.notifier.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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
		s.logger.Info("server listening", "addr", s.httpSrv.Addr, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		s.healthy.Store(false)
		return err
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	}
	return s.Shutdown()
}

// Shutdown stops accepting requests, then stops background work in
// reverse startup order.
func (s *Server) Shutdown() error {
	s.ready.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http shutdown failed", "error", err)
			firstErr = err
		}
	}

	s.auditTimer.Stop()
	s.escrowTimer.Stop()
	s.clock.Stop()
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.shards.Stop()
	s.bus.Stop()
	s.limiter.Stop()

	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
