package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/workforce/internal/api"
	"github.com/wuwenbin0122/workforce/internal/auth"
	"github.com/wuwenbin0122/workforce/internal/bootstrap"
	"github.com/wuwenbin0122/workforce/internal/utils"
)

func main() {
	var (
		addr        = pflag.String("addr", "", "listen address (default :$PORT)")
		storeFlag   = pflag.String("store", "", "store backend: memory, postgres or mongo (overrides STORE_BACKEND)")
		rulesFile   = pflag.String("rules", "", "tool detection rules YAML (overrides TOOL_RULES_FILE)")
		pricingFile = pflag.String("pricing", "", "usage pricing YAML (overrides USAGE_PRICING_FILE)")
		bus         = pflag.Bool("redis-bus", false, "fan message events out over Redis pub/sub")
	)
	pflag.Parse()

	cfg, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("config: failed to load: %v", err)
	}
	if *storeFlag != "" {
		cfg.Store.Backend = *storeFlag
	}
	if *rulesFile != "" {
		cfg.Tools.RulesFile = *rulesFile
	}
	if *pricingFile != "" {
		cfg.Usage.PricingFile = *pricingFile
	}
	if *bus {
		cfg.Store.RealtimeBus = true
	}
	if *addr == "" {
		*addr = ":" + cfg.ServerPort
	}

	logger, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("logger: failed to build: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, *addr, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *utils.Config, addr string, logger *zap.Logger) error {
	ctx := context.Background()

	backend, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	authOpts := []auth.Option{}
	if backend.Postgres != nil {
		authOpts = append(authOpts, auth.WithUserStore(auth.NewPostgresUserStore(backend.Postgres.Pool)))
	}
	authService, err := auth.NewService(cfg.JWTSecret, auth.DefaultTokenTTL, authOpts...)
	if err != nil {
		return err
	}

	sessions, err := newSessionRegistry(cfg, backend.Store, logger)
	if err != nil {
		return err
	}
	defer sessions.Shutdown()

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sessions.Janitor(sweepCtx, cfg.Sessions.SweepInterval)

	if gin.Mode() == gin.DebugMode && !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	handler := api.NewHandler(authService, backend.Store, sessions, logger.Sugar().Named("api"))
	for name, check := range backend.Checks {
		handler.AddHealthCheck(name, check)
	}
	handler.RegisterRoutes(router)

	// WriteTimeout stays zero: the stream endpoint holds connections open.
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", addr), zap.String("store", cfg.Store.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}

	logger.Info("server stopped cleanly")
	return nil
}
