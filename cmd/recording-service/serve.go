package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	grpcserver "github.com/loveretold/recording/internal/grpc"
	"github.com/loveretold/recording/internal/httpapi"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the recording service",
		Long: `Run the HTTP recording API, and the session status gRPC service when
enabled. The service drains active recordings on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := setupLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(runCtx, ctx, logger)
		},
	}
}

func runServe(ctx context.Context, cc *commandContext, logger *zap.Logger) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}

	logger.Info("Starting Recording Service",
		zap.String("http_address", cfg.HTTP.Address()),
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.String("sessions_backend", cfg.Sessions.Backend),
		zap.String("capture_driver", cfg.Capture.Driver))

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	hotplug := startHotplug(ctx, cfg.Capture, logger)
	if hotplug != nil {
		defer hotplug.Stop()
	}

	manager, err := comps.newRecordingManager(ctx, hotplug)
	if err != nil {
		return err
	}

	api, err := httpapi.NewServer(httpapi.Config{
		Addr:              cfg.HTTP.Address(),
		Recordings:        manager,
		Sessions:          comps.sessions,
		Metrics:           comps.metrics,
		Logger:            logger,
		AllowedOrigins:    cfg.HTTP.AllowedOrigins,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout.Std(),
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		if err := api.Start(); err != nil {
			errCh <- err
		}
	}()

	// the gRPC service republishes a local store; a remote one is never proxied
	var rpc *grpcserver.Server
	if cfg.GRPC.Enabled && comps.sessions != nil && cfg.Sessions.Backend != "grpc" {
		rpc, err = grpcserver.NewServer(grpcserver.ServerConfig{
			Config: &cfg.GRPC,
			Store:  comps.sessions,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := rpc.Start(); err != nil {
				errCh <- err
			}
		}()
	} else if cfg.GRPC.Enabled {
		logger.Warn("gRPC session service disabled: no local session store",
			zap.String("sessions_backend", cfg.Sessions.Backend))
	}

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-errCh:
		logger.Error("Server error", zap.Error(err))
		shutdown(api, rpc, manager.Shutdown, logger)
		return err
	}

	shutdown(api, rpc, manager.Shutdown, logger)
	logger.Info("Recording Service stopped")
	return nil
}

// shutdown stops intake first, then drains recordings and their uploads
func shutdown(api *httpapi.Server, rpc *grpcserver.Server, drain func(context.Context) error, logger *zap.Logger) {
	logger.Info("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	api.SetHealthy(false)
	if err := drain(ctx); err != nil {
		logger.Warn("Recording manager shutdown error", zap.Error(err))
	}
	if err := api.Stop(ctx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	if rpc != nil {
		if err := rpc.Stop(ctx); err != nil {
			logger.Warn("gRPC server shutdown error", zap.Error(err))
		}
	}
}
