package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/keepalive"

	"github.com/bhyvex/metis/internal/client"
	"github.com/bhyvex/metis/internal/cluster"
	"github.com/bhyvex/metis/internal/config"
	"github.com/bhyvex/metis/internal/frontend/command"
	"github.com/bhyvex/metis/internal/frontend/web"
	"github.com/bhyvex/metis/internal/frontend/webdav"
	"github.com/bhyvex/metis/internal/health"
	"github.com/bhyvex/metis/internal/logging"
	"github.com/bhyvex/metis/internal/manager"
	"github.com/bhyvex/metis/internal/metrics"
	"github.com/bhyvex/metis/internal/model"
	"github.com/bhyvex/metis/internal/store"
	"github.com/bhyvex/metis/internal/util/bufpool"
)

const shutdownTimeout = 30 * time.Second

func main() {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(flags.ConfigPath, flags.ServerID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if flags.PrintConfig {
		out, err := config.Dump(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to render configuration: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting Metis manager",
		zap.Uint32("server_id", cfg.ServerID),
		zap.String("database_host", cfg.Database.Host),
		zap.Int("database_port", cfg.Database.Port),
		zap.String("database_name", cfg.Database.Database),
		zap.String("index_store", cfg.Index.Store))

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	ctx := context.Background()

	// Bootstrap database
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
	metadataStore, err := store.NewPostgresMetadataStore(connectCtx, cfg.Database.DSN(), logger)
	cancel()
	if err != nil {
		logger.Fatal("Failed to connect to metadata database", zap.Error(err))
	}
	defer metadataStore.Close()

	if err := metadataStore.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate metadata database", zap.Error(err))
	}

	addrs, err := metadataStore.GetManager(ctx, cfg.ServerID)
	if err != nil {
		logger.Fatal("Failed to load manager addresses", zap.Uint32("server_id", cfg.ServerID), zap.Error(err))
	}
	overrideAddresses(addrs, cfg)

	deps := manager.Dependencies{Metadata: metadataStore}

	if cfg.Index.Store == "pebble" {
		indexStore, err := store.NewPebbleIndexStore(cfg.Index.PebbleDir, logger)
		if err != nil {
			logger.Fatal("Failed to open index store", zap.String("dir", cfg.Index.PebbleDir), zap.Error(err))
		}
		defer indexStore.Close()
		deps.Index = indexStore
	}

	var headerStore store.HeaderStore
	if cfg.Redis.Enabled {
		redisStore, err := store.NewRedisHeaderStore(store.RedisOptions{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxRetries:   cfg.Redis.MaxRetries,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to connect to header store", zap.Error(err))
		}
		defer redisStore.Close()
		headerStore = redisStore
		deps.Headers = redisStore
	}

	storageClient := client.NewStorageClient(cfg.StorageClient.RequestTimeout, logger,
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: cfg.StorageClient.DialTimeout,
		}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.StorageClient.KeepaliveTime,
			Timeout:             cfg.StorageClient.KeepaliveTimeout,
			PermitWithoutStream: true,
		}))
	defer storageClient.Close()
	deps.Transport = storageClient
	deps.Prober = storageClient

	mgr, err := manager.New(cfg, deps, logger, m)
	if err != nil {
		logger.Fatal("Failed to create manager", zap.Error(err))
	}
	if err := mgr.LoadAll(ctx); err != nil {
		logger.Fatal("Failed to load cluster state", zap.Error(err))
	}

	if cfg.Gossip.Enabled {
		feed, err := cluster.NewGossipFeed(cluster.GossipConfig{
			Name:     fmt.Sprintf("metis-manager-%d", cfg.ServerID),
			BindAddr: cfg.Gossip.BindAddr,
			BindPort: cfg.Gossip.BindPort,
			Seeds:    cfg.Gossip.Seeds,
		}, mgr.Directory(), logger)
		if err != nil {
			logger.Fatal("Failed to join gossip cluster", zap.Error(err))
		}
		defer feed.Shutdown()
	}

	mgr.Start(ctx)

	bufferSize, err := config.ParseSize(cfg.Buffers.BufferSize)
	if err != nil {
		logger.Fatal("Invalid buffer size", zap.Error(err))
	}
	buffers := bufpool.New(int(bufferSize), cfg.Buffers.MaxFreeBuffers)

	healthChecker := health.NewHealthChecker(metadataStore, headerStore, mgr.Directory(), cfg.Placement.MinimumCopies, logger)

	webServer := web.NewServer(web.Options{
		Addr:           addrs.WebAddr(),
		Config:         cfg.Web,
		MetricsPath:    metricsPath(cfg),
		MetricsHandler: promhttp.Handler(),
	}, mgr, healthChecker, logger, m)
	davServer := webdav.NewServer(addrs.WebDavAddr(), cfg.WebDav, int64(bufferSize), mgr, logger, m)
	cmdServer := command.NewServer(addrs.CmdAddr(), cfg.Cmd, buffers, mgr, logger, m)

	if err := cmdServer.Start(); err != nil {
		logger.Fatal("Failed to start command front-end", zap.Error(err))
	}
	if err := webServer.Start(); err != nil {
		logger.Fatal("Failed to start web front-end", zap.Error(err))
	}
	if err := davServer.Start(); err != nil {
		logger.Fatal("Failed to start webdav front-end", zap.Error(err))
	}

	logger.Info("Manager ready",
		zap.String("cmd", addrs.CmdAddr()),
		zap.String("web", addrs.WebAddr()),
		zap.String("webdav", addrs.WebDavAddr()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal", zap.String("signal", sig.String()))

	// Graceful shutdown
	logger.Info("Shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := cmdServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Command front-end shutdown incomplete", zap.Error(err))
	}
	if err := davServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Webdav front-end shutdown incomplete", zap.Error(err))
	}
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Web front-end shutdown incomplete", zap.Error(err))
	}
	mgr.Stop()

	logger.Info("Manager stopped")
}

// overrideAddresses applies listen addresses from the configuration over the
// ones stored in the database.
func overrideAddresses(addrs *model.ManagerAddresses, cfg *config.Config) {
	if cfg.Cmd.IP != "" {
		addrs.CmdIP = cfg.Cmd.IP
	}
	if cfg.Cmd.Port != 0 {
		addrs.CmdPort = cfg.Cmd.Port
	}
	if cfg.Web.IP != "" {
		addrs.WebIP = cfg.Web.IP
	}
	if cfg.Web.Port != 0 {
		addrs.WebPort = cfg.Web.Port
	}
	if cfg.WebDav.IP != "" {
		addrs.WebDavIP = cfg.WebDav.IP
	}
	if cfg.WebDav.Port != 0 {
		addrs.WebDavPort = cfg.WebDav.Port
	}
}

func metricsPath(cfg *config.Config) string {
	if !cfg.Metrics.Enabled {
		return ""
	}
	return cfg.Metrics.Path
}
