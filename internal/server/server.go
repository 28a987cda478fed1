// Package server wires the HTTP API, stores, and background loops.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/mbd888/splitpool/internal/chain"
	"github.com/mbd888/splitpool/internal/circuitbreaker"
	"github.com/mbd888/splitpool/internal/config"
	"github.com/mbd888/splitpool/internal/custody"
	"github.com/mbd888/splitpool/internal/health"
	"github.com/mbd888/splitpool/internal/idgen"
	"github.com/mbd888/splitpool/internal/logging"
	"github.com/mbd888/splitpool/internal/metrics"
	"github.com/mbd888/splitpool/internal/ratelimit"
	"github.com/mbd888/splitpool/internal/reconciliation"
	"github.com/mbd888/splitpool/internal/retry"
	"github.com/mbd888/splitpool/internal/security"
	"github.com/mbd888/splitpool/internal/settlement"
	"github.com/mbd888/splitpool/internal/splits"
	"github.com/mbd888/splitpool/internal/txbuilder"
	"github.com/mbd888/splitpool/internal/validation"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Server is the assembled application.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db          *sql.DB // nil when running on in-memory stores
	store       splits.Store
	chainClient chain.Client

	settlement *settlement.Service
	reconTimer *reconciliation.Timer
	limiter    *ratelimit.Limiter
	checks     *health.Registry

	router  *gin.Engine
	httpSrv *http.Server
	ready   atomic.Bool
}

// Option customizes server construction.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithChainClient overrides the RPC client. Tests inject a fake here.
func WithChainClient(client chain.Client) Option {
	return func(s *Server) { s.chainClient = client }
}

// New builds a server from config. It connects to postgres when
// DATABASE_URL is set and falls back to in-memory stores otherwise.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	feePayer, err := solana.PrivateKeyFromBase58(cfg.FeePayerKey)
	if err != nil {
		return nil, fmt.Errorf("server: parsing FEE_PAYER_KEY: %w", err)
	}
	mint, err := solana.PublicKeyFromBase58(cfg.USDCMint)
	if err != nil {
		return nil, fmt.Errorf("server: parsing USDC_MINT: %w", err)
	}
	var feeAddr solana.PublicKey
	if cfg.FeeAddress != "" {
		feeAddr, err = solana.PublicKeyFromBase58(cfg.FeeAddress)
		if err != nil {
			return nil, fmt.Errorf("server: parsing FEE_ADDRESS: %w", err)
		}
	}

	var keyStore custody.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("server: opening database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("server: pinging database: %w", err)
		}
		s.db = db
		s.store = splits.NewPostgresStore(db)
		keyStore = custody.NewPostgresStore(db)
		s.logger.Info("using postgres store")
	} else {
		s.store = splits.NewMemoryStore()
		keyStore = custody.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, state is lost on restart")
	}

	if s.chainClient == nil {
		s.chainClient = chain.Dial(cfg.RPCURL)
	}
	s.chainClient = chain.Guard(s.chainClient, circuitbreaker.New(5, 30*time.Second))
	tier := retry.TierDevnet
	if cfg.Network == "mainnet-beta" {
		tier = retry.TierMainnet
	}

	oracle := chain.NewOracle(s.chainClient, mint)
	submitter := txbuilder.NewSubmitter(s.chainClient, oracle, txbuilder.Config{
		Mint:       mint,
		FeeAddress: feeAddr,
		FeeBps:     uint64(cfg.FeeBps),
		Tier:       tier,
	}, s.logger)

	keys := custody.NewService(keyStore, s.logger)
	updater := splits.NewUpdater(s.store, s.logger)
	s.settlement = settlement.NewService(
		s.store, updater, keys, oracle, submitter,
		feePayer, uint64(cfg.FeeBps), s.logger,
	)

	if cfg.ReconcileInterval != "" {
		interval, err := time.ParseDuration(cfg.ReconcileInterval)
		if err != nil {
			return nil, fmt.Errorf("server: parsing RECONCILE_INTERVAL: %w", err)
		}
		recon := reconciliation.NewService(s.store, oracle, s.logger)
		s.reconTimer = reconciliation.NewTimer(recon, interval, s.logger)
	}

	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.Database(s.db))
	}
	s.checks.Register("chain_rpc", health.ChainRPC(s.chainClient))

	s.limiter = ratelimit.New(ratelimit.DefaultConfig())
	s.setupRouter()
	return s, nil
}

func (s *Server) setupRouter() {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("panic recovered", "panic", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
		})
	}))
	router.Use(security.HeadersMiddleware())
	router.Use(security.CORSMiddleware([]string{"*"}))
	router.Use(validation.RequestSizeMiddleware(maxRequestBody))
	router.Use(s.limiter.Middleware())
	router.Use(metrics.Middleware())
	router.Use(s.requestIDMiddleware())
	router.Use(s.loggingMiddleware())

	router.GET("/healthz", s.handleHealthz)
	router.GET("/readyz", s.handleReadyz)
	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/v1")
	settlement.NewHandler(s.settlement).RegisterRoutes(v1)

	s.router = router
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
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
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		switch {
		case status >= 500:
			s.logger.Error("request failed", attrs...)
		case status >= 400:
			s.logger.Warn("request rejected", attrs...)
		default:
			s.logger.Info("request", attrs...)
		}
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "checks": statuses})
}

func (s *Server) handleReadyz(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	if s.reconTimer != nil {
		s.reconTimer.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "port", s.cfg.Port, "network", s.cfg.Network)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Mark ready once the listener has had a moment to bind.
	go func() {
		select {
		case <-time.After(100 * time.Millisecond):
			s.ready.Store(true)
		case <-runCtx.Done():
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	}

	return s.shutdown(cancelRun)
}

func (s *Server) shutdown(cancelRun context.CancelFunc) error {
	s.ready.Store(false)
	cancelRun()

	if s.reconTimer != nil {
		s.reconTimer.Stop()
	}
	s.limiter.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("closing database", "error", err)
		}
	}
	s.logger.Info("server stopped")
	return nil
}
