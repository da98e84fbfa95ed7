package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timberdb/coordinator/internal/client"
	"github.com/timberdb/coordinator/internal/cluster"
	"github.com/timberdb/coordinator/internal/config"
	"github.com/timberdb/coordinator/internal/handler"
	"github.com/timberdb/coordinator/internal/health"
	"github.com/timberdb/coordinator/internal/metrics"
	"github.com/timberdb/coordinator/internal/model"
	"github.com/timberdb/coordinator/internal/service"
	"github.com/timberdb/coordinator/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting TimberDB Coordinator Service")

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("port", cfg.Server.Port),
		zap.String("database_host", cfg.Database.Host),
		zap.Int("database_port", cfg.Database.Port),
		zap.String("database_name", cfg.Database.Database),
		zap.String("collections_base_url", cfg.Collections.BaseURL))

	// Initialize metrics
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Metrics initialized")

	// Initialize alias registry (PostgreSQL)
	aliasStore, err := store.NewPostgresAliasStore(
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Database,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize alias store", zap.Error(err))
	}
	logger.Info("Alias store initialized")

	// Trigger definitions share the registry connection pool
	triggerStore := store.NewPostgresTriggerStore(aliasStore.GetPool())
	logger.Info("Trigger store initialized")

	// Initialize lock manager (Redis)
	lockManager, err := store.NewRedisLockManager(
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
		cfg.Rotation.LockLease,
		cfg.Rotation.LockRetryInterval,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize lock manager", zap.Error(err))
	}
	logger.Info("Lock manager initialized")

	// Trigger state shares the Redis connection
	stateStore := store.NewRedisTriggerStateStore(lockManager.Client(), logger)
	logger.Info("Trigger state store initialized")

	// Connect to NATS for trigger event publishing (optional)
	var natsConn *nats.Conn
	if cfg.Nats.Enabled {
		natsConn, err = nats.Connect(cfg.Nats.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		logger.Info("NATS connected", zap.String("url", cfg.Nats.URL))
	}

	// Join the cluster gossip mesh, or use the fixed node list when one is
	// configured.
	var provider cluster.LiveNodeProvider
	var gossip *cluster.GossipMembership
	if len(cfg.Gossip.StaticNodes) > 0 {
		provider = cluster.NewStaticMembership(cfg.Gossip.StaticNodes)
		logger.Info("Cluster membership initialized (static)",
			zap.Strings("nodes", cfg.Gossip.StaticNodes))
	} else {
		gossip, err = cluster.NewGossipMembership(&cluster.GossipConfig{
			BindPort:      cfg.Gossip.BindPort,
			SeedNodes:     cfg.Gossip.Seeds,
			ProbeInterval: cfg.Gossip.ProbeInterval,
			ProbeTimeout:  cfg.Gossip.ProbeTimeout,
		}, cfg.Server.NodeID, logger)
		if err != nil {
			logger.Fatal("Failed to join cluster gossip", zap.Error(err))
		}
		provider = gossip
		logger.Info("Cluster membership initialized",
			zap.String("node_id", cfg.Server.NodeID),
			zap.Int("bind_port", cfg.Gossip.BindPort),
			zap.Strings("seeds", cfg.Gossip.Seeds))
	}

	// Initialize collection management client
	collectionAdmin := client.NewHTTPCollectionAdmin(
		cfg.Collections.BaseURL,
		cfg.Collections.RequestTimeout,
		cfg.Collections.PollInterval,
		logger,
	)
	logger.Info("Collection admin client initialized")

	// Initialize services
	logger.Info("Initializing services")

	rotationService := service.NewRotationService(
		aliasStore,
		collectionAdmin,
		m,
		cfg.Rotation.ReadinessTimeout,
		cfg.Rotation.MaxCASRetries,
		logger,
	)

	actionRegistry := service.DefaultActionRegistry(logger, natsConn)

	triggerEngine := service.NewTriggerEngine(
		provider,
		stateStore,
		actionRegistry,
		m,
		cfg.Trigger.ScanInterval,
		cfg.Trigger.PersistMaxElapsed,
		logger,
	)

	// Load persisted trigger definitions
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	loadTriggers(startupCtx, triggerEngine, triggerStore, cfg.Trigger.BootstrapFile, logger)
	cancelStartup()

	logger.Info("All services initialized")

	// Initialize handlers
	adminHandler := handler.NewAdminHandler(rotationService, triggerEngine, triggerStore, lockManager, m, logger)
	healthChecker := health.NewHealthChecker(aliasStore, lockManager, stateStore, logger)
	logger.Info("Handlers initialized")

	// Start admin HTTP server
	mux := http.NewServeMux()
	adminHandler.Register(mux)
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var g errgroup.Group
	g.Go(func() error {
		logger.Info("Starting admin server", zap.String("address", addr))
		return server.ListenAndServe()
	})

	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		g.Go(func() error {
			logger.Info("Starting metrics server", zap.String("address", metricsAddr))
			return http.ListenAndServe(metricsAddr, metricsMux)
		})
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- g.Wait()
	}()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	// Graceful shutdown
	logger.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown failed", zap.Error(err))
	}

	// Stop services
	triggerEngine.Stop()

	if gossip != nil {
		if err := gossip.Shutdown(); err != nil {
			logger.Warn("Gossip shutdown failed", zap.Error(err))
		}
	}
	if natsConn != nil {
		natsConn.Close()
	}

	// Close stores
	triggerStore.Close()
	aliasStore.Close()
	if err := stateStore.Close(); err != nil {
		logger.Warn("State store close failed", zap.Error(err))
	}
	if err := lockManager.Close(); err != nil {
		logger.Warn("Lock manager close failed", zap.Error(err))
	}

	logger.Info("Coordinator service stopped")
}

// loadTriggers loads the persisted trigger set, falling back to the bootstrap
// file for definitions not yet in the registry.
func loadTriggers(
	ctx context.Context,
	engine *service.TriggerEngine,
	triggerStore store.TriggerStore,
	bootstrapFile string,
	logger *zap.Logger,
) {
	defs, err := triggerStore.ListTriggers(ctx)
	if err != nil {
		logger.Error("Failed to list persisted triggers", zap.Error(err))
	}

	loaded := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		if err := engine.SetTrigger(ctx, *def); err != nil {
			logger.Error("Failed to load persisted trigger",
				zap.String("trigger", def.Name),
				zap.Error(err))
			continue
		}
		loaded[def.Name] = struct{}{}
	}

	if bootstrapFile == "" {
		logger.Info("Triggers loaded", zap.Int("count", len(loaded)))
		return
	}

	bootstrap, err := model.LoadTriggerFile(bootstrapFile)
	if err != nil {
		logger.Error("Failed to read trigger bootstrap file",
			zap.String("path", bootstrapFile),
			zap.Error(err))
		return
	}

	for _, def := range bootstrap {
		// Persisted definitions win over the bootstrap file.
		if _, ok := loaded[def.Name]; ok {
			continue
		}
		if err := triggerStore.UpsertTrigger(ctx, &def); err != nil {
			logger.Error("Failed to persist bootstrap trigger",
				zap.String("trigger", def.Name),
				zap.Error(err))
			continue
		}
		if err := engine.SetTrigger(ctx, def); err != nil {
			logger.Error("Failed to load bootstrap trigger",
				zap.String("trigger", def.Name),
				zap.Error(err))
			continue
		}
		loaded[def.Name] = struct{}{}
	}

	logger.Info("Triggers loaded", zap.Int("count", len(loaded)))
}
