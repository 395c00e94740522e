package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loveretold/recording/internal/capture"
	"github.com/loveretold/recording/internal/codec"
	"github.com/loveretold/recording/internal/config"
	grpcserver "github.com/loveretold/recording/internal/grpc"
	"github.com/loveretold/recording/internal/ledger"
	"github.com/loveretold/recording/internal/metrics"
	"github.com/loveretold/recording/internal/notify"
	"github.com/loveretold/recording/internal/recording"
	"github.com/loveretold/recording/internal/session"
	"github.com/loveretold/recording/internal/storage"
	"github.com/loveretold/recording/internal/upload"
	"go.uber.org/zap"
)

// components are the collaborators shared by serve, record and upload
type components struct {
	cfg      *config.Config
	logger   *zap.Logger
	storage  storage.Storage
	sessions session.Store
	ledger   ledger.Ledger
	notifier notify.Notifier
	metrics  metrics.Provider
	uploads  *upload.Manager
	closers  []func() error
}

func buildComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(cfg.Metrics.Enabled, nil),
	}

	var err error
	if c.storage, err = buildStorage(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if c.sessions, err = c.buildSessions(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if c.ledger, err = c.buildLedger(); err != nil {
		c.Close()
		return nil, err
	}
	c.notifier = c.buildNotifier(ctx)

	c.uploads, err = upload.NewManager(upload.Config{
		Storage:      c.storage,
		Sessions:     c.sessions,
		Notifier:     c.notifier,
		Ledger:       c.ledger,
		Metrics:      c.metrics,
		Logger:       logger,
		Concurrency:  cfg.Upload.Concurrency,
		MaxRetries:   cfg.Upload.MaxRetries,
		BaseDelay:    cfg.Upload.BaseDelay.Std(),
		MaxDelay:     cfg.Upload.MaxDelay.Std(),
		Timeout:      cfg.Upload.Timeout.Std(),
		ProgressStep: cfg.Upload.ProgressStep,
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close releases backend connections in reverse order
func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.logger.Warn("Failed to close backend", zap.Error(err))
		}
	}
	c.closers = nil
}

func buildStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Storage, error) {
	sc := cfg.Storage
	var store storage.Storage

	switch sc.Driver {
	case "memory":
		store = storage.NewMemoryStorage(sc.BaseURL)
	case "s3":
		s3Store, err := storage.NewS3Storage(ctx, storage.S3Config{
			Endpoint:      sc.Endpoint,
			Region:        sc.Region,
			Bucket:        sc.Bucket,
			AccessKey:     sc.AccessKey,
			SecretKey:     sc.SecretKey,
			UseSSL:        sc.UseSSL,
			PartSize:      sc.PartSize,
			PresignExpiry: sc.PresignExpiry.Std(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 storage: %w", err)
		}
		if sc.EnsureBucket {
			ensureBucket(ctx, s3Store, sc.Bucket, logger)
		}
		store = s3Store
	default:
		minioStore, err := storage.NewMinioStorage(storage.MinioConfig{
			Endpoint:      sc.Endpoint,
			Bucket:        sc.Bucket,
			AccessKey:     sc.AccessKey,
			SecretKey:     sc.SecretKey,
			UseSSL:        sc.UseSSL,
			Region:        sc.Region,
			PresignExpiry: sc.PresignExpiry.Std(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create minio storage: %w", err)
		}
		if sc.EnsureBucket {
			ensureBucket(ctx, minioStore, sc.Bucket, logger)
		}
		store = minioStore
	}

	cache := storage.NewURLCache(cfg.Cache.URLCacheMB, cfg.Cache.URLCacheTTL.Std(), logger)
	return storage.WithURLCache(store, cache), nil
}

type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

// ensureBucket creates the bucket if needed. A failure is logged only; puts
// surface the problem per recording.
func ensureBucket(ctx context.Context, b bucketEnsurer, bucket string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := b.EnsureBucket(ctx); err != nil {
		logger.Warn("Failed to ensure bucket exists - service will continue but recordings may fail",
			zap.String("bucket", bucket), zap.Error(err))
		return
	}
	logger.Info("Storage bucket ready", zap.String("bucket", bucket))
}

func (c *components) buildSessions(ctx context.Context) (session.Store, error) {
	sc := c.cfg.Sessions
	switch sc.Backend {
	case "memory":
		return session.NewMemoryStore(), nil
	case "redis":
		store, err := session.NewRedisStore(ctx, session.RedisConfig{
			Addr:      sc.RedisAddr,
			Password:  sc.RedisPassword,
			DB:        sc.RedisDB,
			KeyPrefix: sc.KeyPrefix,
			Compress:  sc.Compress,
		}, c.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect session store: %w", err)
		}
		c.closers = append(c.closers, store.Close)
		return store, nil
	case "postgres":
		pool, err := session.NewPostgresPool(ctx, sc.PostgresDSN, c.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect session store: %w", err)
		}
		c.closers = append(c.closers, func() error { pool.Close(); return nil })
		store := session.NewPostgresStore(pool, c.logger)
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate session store: %w", err)
		}
		return store, nil
	case "grpc":
		client, err := grpcserver.NewClient(sc.GRPCAddr, sc.Timeout.Std(), c.logger)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, client.Close)
		return client, nil
	default:
		return nil, nil
	}
}

func (c *components) buildLedger() (ledger.Ledger, error) {
	lc := c.cfg.Ledger
	switch lc.Driver {
	case "sqlite":
		l, err := ledger.OpenSQLite(lc.Path, c.logger)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, l.Close)
		return l, nil
	case "postgres":
		l, err := ledger.NewGormLedger(lc.DSN, c.logger)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, l.Close)
		return l, nil
	default:
		return ledger.Nop{}, nil
	}
}

// buildNotifier fans out to every configured target. An unreachable broker
// is logged and skipped so uploads still run.
func (c *components) buildNotifier(ctx context.Context) notify.Notifier {
	nc := c.cfg.Notify
	var targets notify.Multi

	if nc.WebhookURL != "" {
		targets = append(targets, notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:        nc.WebhookURL,
			ServiceKey: nc.ServiceKey,
			Timeout:    nc.WebhookTimeout.Std(),
		}, c.logger))
	}
	if nc.AMQPURL != "" {
		pub, err := notify.NewAMQPPublisher(ctx, notify.AMQPConfig{
			URL:        nc.AMQPURL,
			Exchange:   nc.AMQPExchange,
			RoutingKey: nc.AMQPRoutingKey,
		}, c.logger)
		if err != nil {
			c.logger.Warn("AMQP publisher unavailable", zap.Error(err))
		} else {
			c.closers = append(c.closers, pub.Close)
			targets = append(targets, pub)
		}
	}

	if len(targets) == 0 {
		return notify.Nop{}
	}
	return targets
}

// buildCapturer returns the configured device and the device paths hotplug
// removal is watched for
func buildCapturer(cfg config.CaptureConfig, hotplug *capture.HotplugMonitor, logger *zap.Logger) (capture.Capturer, []string) {
	if cfg.Driver == "rtp" {
		return capture.NewRTPDevice(capture.RTPConfig{
			ListenAddr: cfg.RTPListenAddr,
			Codec:      cfg.RTPCodec,
			Logger:     logger,
		}), nil
	}
	return capture.NewFFmpegDevice(capture.FFmpegConfig{
		Binary:         cfg.FFmpegBinary,
		VideoDevice:    cfg.VideoDevice,
		AudioDevice:    cfg.AudioDevice,
		VideoInput:     cfg.VideoInput,
		AudioInput:     cfg.AudioInput,
		LockDir:        cfg.LockDir,
		StartupTimeout: cfg.StartupTimeout.Std(),
		Hotplug:        hotplug,
		Logger:         logger,
	}), []string{cfg.VideoDevice, cfg.AudioDevice}
}

// buildProbe asks ffmpeg which containers it can write. Without ffmpeg the
// selector falls back to its defaults.
func buildProbe(ctx context.Context, cfg config.CaptureConfig, logger *zap.Logger) codec.Probe {
	if cfg.Driver != "ffmpeg" {
		return nil
	}
	probe, err := codec.FFmpegProbe(ctx, cfg.FFmpegBinary)
	if err != nil {
		logger.Warn("Codec probe unavailable", zap.Error(err))
		return nil
	}
	return probe
}

func (c *components) newRecordingManager(ctx context.Context, hotplug *capture.HotplugMonitor) (*recording.Manager, error) {
	cfg := c.cfg
	capturer, devices := buildCapturer(cfg.Capture, hotplug, c.logger)
	if hotplug == nil {
		devices = nil
	}

	return recording.NewManager(recording.ManagerConfig{
		Capturer:      capturer,
		Uploads:       c.uploads,
		Sessions:      c.sessions,
		Probe:         buildProbe(ctx, cfg.Capture, c.logger),
		Metrics:       c.metrics,
		Logger:        c.logger,
		Hotplug:       hotplug,
		Devices:       devices,
		Constraints:   cfg.Recording.Constraints,
		MaxDuration:   cfg.Recording.MaxDuration.Std(),
		ChunkDuration: cfg.Recording.ChunkDuration.Std(),
		WarningLead:   cfg.Recording.WarningLead.Std(),
		WarnBytes:     cfg.Collector.WarnBytes,
		CriticalBytes: cfg.Collector.CriticalBytes,
	})
}

// startHotplug connects the removal monitor when enabled for a local device
func startHotplug(ctx context.Context, cfg config.CaptureConfig, logger *zap.Logger) *capture.HotplugMonitor {
	if !cfg.Hotplug || cfg.Driver != "ffmpeg" {
		return nil
	}
	monitor := capture.NewHotplugMonitor(logger)
	if err := monitor.Start(ctx); err != nil {
		logger.Warn("Hotplug monitor unavailable", zap.Error(err))
	}
	return monitor
}

var errNoSessionStore = errors.New(`no session store configured (sessions.backend is "none")`)
