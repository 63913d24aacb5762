package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"offsync/internal/config"
	"offsync/internal/log"
	"offsync/internal/metrics"
	"offsync/internal/netmon"
	"offsync/internal/projection"
	"offsync/internal/queue"
	"offsync/internal/remote"
	"offsync/internal/server"
	"offsync/internal/store"
	"offsync/internal/syncer"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	queueStore, err := store.NewSQLiteStore(cfg.DataDir, logger)
	if err != nil {
		logger.Fatal("Failed to initialize queue store", zap.Error(err))
	}
	defer queueStore.Close()

	client := remote.NewClient(cfg, logger)
	manager := queue.NewManager(cfg, queueStore, logger)
	proj := projection.NewProjection(logger)
	monitor := netmon.NewMonitor(client, cfg, logger)
	queueMetrics := metrics.NewQueueMetrics(manager, logger)
	sync := syncer.NewSyncer(cfg, manager, client, proj, monitor, queueMetrics, logger)

	// Connectivity restored -> automatic sync. The monitor's first probe
	// also lands here, which covers sync-on-startup when already online.
	monitor.Subscribe(func(online bool) {
		if online {
			sync.Trigger()
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go monitor.Run(ctx)
	go sync.Run(ctx)
	go queueMetrics.Run(ctx)

	if cfg.SyncOnStart {
		if stats := manager.Stats(); stats.Pending > 0 {
			logger.Info("Pending actions at startup", zap.Int("pending", stats.Pending))
			sync.Trigger()
		}
	}

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, manager, sync, proj, monitor, queueMetrics, logger)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	// Load TLS certificates
	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Server starting with TLS", zap.String("addr", cfg.ListenAddr))
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		} else {
			logger.Info("Server starting without TLS", zap.String("addr", cfg.ListenAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		}
	}()

	logger.Info("Agent started", zap.String("user_id", cfg.UserID), zap.String("device_id", cfg.DeviceID))
	<-ctx.Done()
	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
