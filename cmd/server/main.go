package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pulse/config"
	"pulse/internal/auth"
	"pulse/internal/database"
	"pulse/internal/fanout"
	"pulse/internal/gateway"
	"pulse/internal/graph"
	"pulse/internal/handler"
	"pulse/internal/logger"
	"pulse/internal/metrics"
	"pulse/internal/middleware"
	"pulse/internal/registry"
	"pulse/internal/repository"
	"pulse/internal/router"
	"pulse/internal/store"
	"pulse/internal/worker"
	"pulse/internal/ws"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pulse:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(&cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.With(zap.String("node", cfg.Server.NodeID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	var db *gorm.DB
	if cfg.Graph.Source == "mysql" {
		if db, err = database.NewDB(&cfg.Database); err != nil {
			return multierr.Append(fmt.Errorf("database: %w", err), kv.Close())
		}
		if err := database.AutoMigrate(db); err != nil {
			return multierr.Append(fmt.Errorf("migrate: %w", err), kv.Close())
		}
		log.Info("social graph served from mysql")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewCollector(reg)

	presence := store.NewPresenceStore(kv, cfg.Redis.SessionExpiry, log.Named("presence"))
	serviceStore := store.NewServiceStore(kv, log.Named("services"))
	socialGraph := buildGraph(cfg, kv, db, log)

	hub := ws.NewHub(cfg.Server.NodeID, kv, log.Named("hub"))
	if err := hub.Start(ctx); err != nil {
		return multierr.Append(fmt.Errorf("relay: %w", err), kv.Close())
	}
	engine := fanout.New(presence, socialGraph, hub, cfg.Gateway.FanoutWorkers, rec, log.Named("fanout"))

	services := registry.New(serviceStore, registry.Options{
		MaxServices:     cfg.Services.MaxServices,
		AllowedTypes:    cfg.Services.AllowedTypes,
		RequireApproval: cfg.Services.RequireApproval,
	}, log.Named("registry"))
	if err := services.Sync(ctx); err != nil {
		log.Warn("could not load stored service registrations", zap.Error(err))
	}
	if err := services.LoadStatic(ctx, cfg.Services.Registry); err != nil {
		return multierr.Append(fmt.Errorf("service registry: %w", err), kv.Close())
	}
	log.Info("service registry ready", zap.Int("services", services.Count()))

	verifier := auth.NewVerifier(&cfg.JWT)
	gwOpts := gateway.Options{
		NodeID:      cfg.Server.NodeID,
		AuthTimeout: cfg.Gateway.AuthTimeout,
		EventRate:   cfg.Gateway.EventRate,
		EventBurst:  cfg.Gateway.EventBurst,
	}
	users := gateway.NewUserGateway(presence, engine, verifier, gwOpts, rec, log.Named("gateway"))
	svcGateway := gateway.NewServiceGateway(services, serviceStore, engine, cfg.Services.SessionExpiry, gwOpts, rec, log.Named("gateway.service"))

	sweeper := worker.NewSweeper(presence, serviceStore, engine, hub, worker.SweeperOptions{
		IdleTimeout:        cfg.Redis.IdleTimeout,
		ServiceIdleTimeout: cfg.Services.IdleTimeout,
	}, rec, log.Named("sweeper"))
	go sweeper.Start(ctx, cfg.Redis.SweepInterval)

	wsOpts := handler.WSOptions{
		Pump: ws.Options{
			WriteWait:     cfg.Gateway.WriteWait,
			PongWait:      cfg.Gateway.PongWait,
			MaxFrameBytes: cfg.Gateway.MaxFrameBytes,
		},
		SendBuffer: cfg.Gateway.SendBuffer,
	}
	upgrader := ws.NewUpgrader(strings.Split(cfg.Server.CORSOrigin, ","))
	limiter := middleware.NewRateLimiter(100, time.Minute)
	defer limiter.Stop()
	handlers := router.Handlers{
		UserWS:    handler.NewUserWSHandler(hub, users, upgrader, wsOpts, log.Named("ws")),
		ServiceWS: handler.NewServiceWSHandler(hub, svcGateway, ws.NewUpgrader(nil), wsOpts, log.Named("ws.service")),
		Health:    handler.NewHealthHandler(kv, hub, cfg.Server.NodeID),
		Presence:  handler.NewPresenceHandler(presence, engine, log.Named("presence")),
		Services:  handler.NewServiceHandler(services, serviceStore, log.Named("admin")),
		Verifier:  verifier,
		Limiter:   limiter,
		Gatherer:  reg,
	}

	public := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router.Setup(cfg, handlers, log),
		ReadTimeout: cfg.Server.ReadTimeout,
	}
	internal := &http.Server{
		Addr:        ":" + cfg.Server.InternalPort,
		Handler:     router.SetupInternal(cfg, handlers, log),
		ReadTimeout: cfg.Server.ReadTimeout,
	}
	errCh := make(chan error, 2)
	for name, srv := range map[string]*http.Server{"public": public, "internal": internal} {
		go func() {
			log.Info("listening", zap.String("listener", name), zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s listener: %w", name, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.Error("listener failed, shutting down", zap.Error(runErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.CloseAll()
	err = multierr.Combine(
		runErr,
		public.Shutdown(shutdownCtx),
		internal.Shutdown(shutdownCtx),
		closeDB(db),
		kv.Close(),
	)
	if err != nil {
		log.Error("shutdown incomplete", zap.Error(err))
		return err
	}
	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.KV, error) {
	if cfg.Redis.Backend == "memory" {
		log.Warn("using in-memory store; presence is not shared between instances")
		return store.NewMemory(), nil
	}
	return store.NewRedis(ctx, &cfg.Redis, log.Named("redis"))
}

func buildGraph(cfg *config.Config, kv store.KV, db *gorm.DB, log *zap.Logger) graph.Graph {
	var g graph.Graph
	if db != nil {
		g = repository.NewFriendRepository(db)
	} else {
		g = graph.NewKV(kv, cfg.Graph.ReverseScan, log.Named("graph"))
	}
	if cfg.Graph.CacheSize > 0 && cfg.Graph.CacheTTL > 0 {
		return graph.NewCached(g, cfg.Graph.CacheSize, cfg.Graph.CacheTTL)
	}
	return g
}

func closeDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
