package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gookit/validate"
	"github.com/joho/godotenv"
	"github.com/loveretold/recording/internal/capture"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the recording service
type Config struct {
	HTTP      HTTPConfig      `yaml:"http" toml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc" toml:"grpc"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Recording RecordingConfig `yaml:"recording" toml:"recording"`
	Upload    UploadConfig    `yaml:"upload" toml:"upload"`
	Collector CollectorConfig `yaml:"collector" toml:"collector"`
	Capture   CaptureConfig   `yaml:"capture" toml:"capture"`
	Notify    NotifyConfig    `yaml:"notify" toml:"notify"`
	Ledger    LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// HTTPConfig holds the HTTP API server configuration
type HTTPConfig struct {
	Host              string   `yaml:"host" toml:"host"`
	Port              int      `yaml:"port" toml:"port" validate:"required|min:1|max:65535"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout" toml:"read_header_timeout"`
	AllowedOrigins    []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// GRPCConfig holds the session status gRPC server configuration
type GRPCConfig struct {
	Enabled          bool     `yaml:"enabled" toml:"enabled"`
	Host             string   `yaml:"host" toml:"host"`
	Port             int      `yaml:"port" toml:"port" validate:"required|min:1|max:65535"`
	MaxMessageSize   int      `yaml:"max_message_size" toml:"max_message_size" validate:"min:1024"`
	KeepaliveTime    Duration `yaml:"keepalive_time" toml:"keepalive_time"`
	KeepaliveTimeout Duration `yaml:"keepalive_timeout" toml:"keepalive_timeout"`
}

// StorageConfig selects and configures the object store
type StorageConfig struct {
	Driver        string   `yaml:"driver" toml:"driver" validate:"required|in:minio,s3,memory"`
	Endpoint      string   `yaml:"endpoint" toml:"endpoint"`
	Bucket        string   `yaml:"bucket" toml:"bucket" validate:"required"`
	AccessKey     string   `yaml:"access_key" toml:"access_key"`
	SecretKey     string   `yaml:"secret_key" toml:"secret_key"`
	UseSSL        bool     `yaml:"use_ssl" toml:"use_ssl"`
	Region        string   `yaml:"region" toml:"region"`
	PartSize      int64    `yaml:"part_size" toml:"part_size"`
	PresignExpiry Duration `yaml:"presign_expiry" toml:"presign_expiry"`
	EnsureBucket  bool     `yaml:"ensure_bucket" toml:"ensure_bucket"`
	// BaseURL prefixes download URLs of the memory driver
	BaseURL string `yaml:"base_url" toml:"base_url"`
}

// SessionsConfig selects the session status store. "none" checks session
// identity only and keeps no status.
type SessionsConfig struct {
	Backend       string   `yaml:"backend" toml:"backend" validate:"required|in:none,memory,redis,postgres,grpc"`
	RedisAddr     string   `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int      `yaml:"redis_db" toml:"redis_db"`
	KeyPrefix     string   `yaml:"key_prefix" toml:"key_prefix"`
	Compress      bool     `yaml:"compress" toml:"compress"`
	PostgresDSN   string   `yaml:"postgres_dsn" toml:"postgres_dsn"`
	GRPCAddr      string   `yaml:"grpc_addr" toml:"grpc_addr"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
	// TTL applies to records created by the service itself
	TTL Duration `yaml:"ttl" toml:"ttl"`
}

// RecordingConfig holds recorder timing and defaults for new recordings
type RecordingConfig struct {
	MaxDuration   Duration            `yaml:"max_duration" toml:"max_duration"`
	ChunkDuration Duration            `yaml:"chunk_duration" toml:"chunk_duration"`
	WarningLead   Duration            `yaml:"warning_lead" toml:"warning_lead"`
	Kind          string              `yaml:"kind" toml:"kind" validate:"in:audio,video"`
	Progressive   bool                `yaml:"progressive" toml:"progressive"`
	Layout        string              `yaml:"layout" toml:"layout" validate:"in:user-scoped,legacy"`
	Constraints   capture.Constraints `yaml:"constraints" toml:"constraints"`
}

// UploadConfig holds upload concurrency and retry policy
type UploadConfig struct {
	Concurrency  int      `yaml:"concurrency" toml:"concurrency" validate:"required|min:1|max:16"`
	MaxRetries   int      `yaml:"max_retries" toml:"max_retries" validate:"required|min:1"`
	BaseDelay    Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay     Duration `yaml:"max_delay" toml:"max_delay"`
	Timeout      Duration `yaml:"timeout" toml:"timeout"`
	ProgressStep int      `yaml:"progress_step" toml:"progress_step" validate:"min:1|max:100"`
}

// CollectorConfig holds memory thresholds for collected chunks
type CollectorConfig struct {
	WarnBytes     int64    `yaml:"warn_bytes" toml:"warn_bytes" validate:"required|min:1"`
	CriticalBytes int64    `yaml:"critical_bytes" toml:"critical_bytes" validate:"required|min:1"`
	GapThreshold  Duration `yaml:"gap_threshold" toml:"gap_threshold"`
}

// CaptureConfig selects and configures the capture device
type CaptureConfig struct {
	Driver         string   `yaml:"driver" toml:"driver" validate:"required|in:ffmpeg,rtp"`
	FFmpegBinary   string   `yaml:"ffmpeg_binary" toml:"ffmpeg_binary"`
	VideoDevice    string   `yaml:"video_device" toml:"video_device"`
	AudioDevice    string   `yaml:"audio_device" toml:"audio_device"`
	VideoInput     string   `yaml:"video_input" toml:"video_input"`
	AudioInput     string   `yaml:"audio_input" toml:"audio_input"`
	LockDir        string   `yaml:"lock_dir" toml:"lock_dir"`
	StartupTimeout Duration `yaml:"startup_timeout" toml:"startup_timeout"`
	RTPListenAddr  string   `yaml:"rtp_listen_addr" toml:"rtp_listen_addr"`
	RTPCodec       string   `yaml:"rtp_codec" toml:"rtp_codec"`
	// Hotplug fails recordings whose device is unplugged
	Hotplug bool `yaml:"hotplug" toml:"hotplug"`
}

// NotifyConfig holds downstream notification targets; empty URLs disable them
type NotifyConfig struct {
	WebhookURL     string   `yaml:"webhook_url" toml:"webhook_url"`
	ServiceKey     string   `yaml:"service_key" toml:"service_key"`
	WebhookTimeout Duration `yaml:"webhook_timeout" toml:"webhook_timeout"`
	AMQPURL        string   `yaml:"amqp_url" toml:"amqp_url"`
	AMQPExchange   string   `yaml:"amqp_exchange" toml:"amqp_exchange"`
	AMQPRoutingKey string   `yaml:"amqp_routing_key" toml:"amqp_routing_key"`
}

// LedgerConfig selects the chunk ledger
type LedgerConfig struct {
	Driver string `yaml:"driver" toml:"driver" validate:"in:none,sqlite,postgres"`
	Path   string `yaml:"path" toml:"path"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// CacheConfig sizes the download URL cache; zero size disables it
type CacheConfig struct {
	URLCacheMB  int      `yaml:"url_cache_mb" toml:"url_cache_mb"`
	URLCacheTTL Duration `yaml:"url_cache_ttl" toml:"url_cache_ttl"`
}

// MetricsConfig toggles Prometheus metrics
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"required|in:debug,info,warn,error"`
	Format string `yaml:"format" toml:"format" validate:"in:json,console"`
	Output string `yaml:"output" toml:"output"`
}

// Load reads configuration from file and applies environment overrides. A
// .env file in the working directory is loaded first; a missing config file
// keeps the defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.setDefaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := cfg.decode(path, data); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.NewDecoder(bytes.NewReader(data)).Decode(c)
	case ".yaml", ".yml", "":
		return yaml.Unmarshal(data, c)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// Validate checks field rules and the cross-field constraints
func (c *Config) Validate() error {
	v := validate.Struct(c)
	if !v.Validate() {
		return fmt.Errorf("invalid config: %s", v.Errors.Error())
	}

	var errs []error
	if c.Collector.CriticalBytes <= c.Collector.WarnBytes {
		errs = append(errs, errors.New("collector.critical_bytes must exceed collector.warn_bytes"))
	}
	if c.Recording.ChunkDuration.Std() <= 0 || c.Recording.MaxDuration.Std() < c.Recording.ChunkDuration.Std() {
		errs = append(errs, errors.New("recording.max_duration must be at least one chunk_duration"))
	}
	switch c.Storage.Driver {
	case "minio":
		if c.Storage.Endpoint == "" {
			errs = append(errs, errors.New("storage.endpoint is required for minio"))
		}
	}
	switch c.Sessions.Backend {
	case "redis":
		if c.Sessions.RedisAddr == "" {
			errs = append(errs, errors.New("sessions.redis_addr is required for redis"))
		}
	case "postgres":
		if c.Sessions.PostgresDSN == "" {
			errs = append(errs, errors.New("sessions.postgres_dsn is required for postgres"))
		}
	case "grpc":
		if c.Sessions.GRPCAddr == "" {
			errs = append(errs, errors.New("sessions.grpc_addr is required for grpc"))
		}
	}
	switch c.Ledger.Driver {
	case "sqlite":
		if c.Ledger.Path == "" {
			errs = append(errs, errors.New("ledger.path is required for sqlite"))
		}
	case "postgres":
		if c.Ledger.DSN == "" {
			errs = append(errs, errors.New("ledger.dsn is required for postgres"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) setDefaults() {
	c.HTTP = HTTPConfig{
		Host:              "0.0.0.0",
		Port:              8080,
		ReadHeaderTimeout: Duration(10 * time.Second),
	}

	c.GRPC = GRPCConfig{
		Enabled:          true,
		Host:             "0.0.0.0",
		Port:             50054,
		MaxMessageSize:   10 * 1024 * 1024, // 10MB
		KeepaliveTime:    Duration(30 * time.Second),
		KeepaliveTimeout: Duration(10 * time.Second),
	}

	c.Storage = StorageConfig{
		Driver:        "minio",
		Endpoint:      "minio:9100",
		Bucket:        "recordings-private",
		AccessKey:     "minioadmin",
		SecretKey:     "minioadmin123",
		UseSSL:        false,
		Region:        "us-east-1",
		PartSize:      16 * 1024 * 1024,
		PresignExpiry: Duration(time.Hour),
		EnsureBucket:  true,
	}

	c.Sessions = SessionsConfig{
		Backend:   "none",
		RedisAddr: "redis:6379",
		KeyPrefix: "recording:session:",
		Timeout:   Duration(5 * time.Second),
		TTL:       Duration(7 * 24 * time.Hour),
	}

	c.Recording = RecordingConfig{
		MaxDuration:   Duration(15 * time.Minute),
		ChunkDuration: Duration(45 * time.Second),
		WarningLead:   Duration(time.Minute),
		Kind:          "audio",
		Layout:        "user-scoped",
		Constraints:   capture.DefaultConstraints(),
	}

	c.Upload = UploadConfig{
		Concurrency:  2,
		MaxRetries:   3,
		BaseDelay:    Duration(time.Second),
		MaxDelay:     Duration(30 * time.Second),
		Timeout:      Duration(10 * time.Minute),
		ProgressStep: 10,
	}

	c.Collector = CollectorConfig{
		WarnBytes:     200 * 1024 * 1024, // 200MB
		CriticalBytes: 400 * 1024 * 1024, // 400MB
		GapThreshold:  Duration(90 * time.Second),
	}

	c.Capture = CaptureConfig{
		Driver:         "ffmpeg",
		FFmpegBinary:   "ffmpeg",
		VideoDevice:    "/dev/video0",
		AudioDevice:    "default",
		VideoInput:     "v4l2",
		AudioInput:     "alsa",
		LockDir:        os.TempDir(),
		StartupTimeout: Duration(5 * time.Second),
		RTPListenAddr:  ":5004",
		RTPCodec:       "opus",
		Hotplug:        true,
	}

	c.Notify = NotifyConfig{
		WebhookTimeout: Duration(30 * time.Second),
	}

	c.Ledger = LedgerConfig{
		Driver: "none",
	}

	c.Cache = CacheConfig{
		URLCacheMB:  8,
		URLCacheTTL: Duration(30 * time.Minute),
	}

	c.Metrics = MetricsConfig{
		Enabled: true,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}

func (c *Config) applyEnvOverrides() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	int64Var := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	// HTTP
	str("RECORDING_HTTP_HOST", &c.HTTP.Host)
	integer("RECORDING_HTTP_PORT", &c.HTTP.Port)
	if v := os.Getenv("RECORDING_HTTP_ALLOWED_ORIGINS"); v != "" {
		c.HTTP.AllowedOrigins = splitList(v)
	}

	// GRPC
	boolean("RECORDING_GRPC_ENABLED", &c.GRPC.Enabled)
	str("RECORDING_GRPC_HOST", &c.GRPC.Host)
	integer("RECORDING_GRPC_PORT", &c.GRPC.Port)

	// Storage
	str("RECORDING_STORAGE_DRIVER", &c.Storage.Driver)
	str("RECORDING_S3_ENDPOINT", &c.Storage.Endpoint)
	str("RECORDING_S3_BUCKET", &c.Storage.Bucket)
	str("RECORDING_S3_ACCESS_KEY", &c.Storage.AccessKey)
	str("RECORDING_S3_SECRET_KEY", &c.Storage.SecretKey)
	boolean("RECORDING_S3_USE_SSL", &c.Storage.UseSSL)
	str("RECORDING_S3_REGION", &c.Storage.Region)

	// Sessions
	str("RECORDING_SESSIONS_BACKEND", &c.Sessions.Backend)
	str("RECORDING_REDIS_ADDR", &c.Sessions.RedisAddr)
	str("RECORDING_REDIS_PASSWORD", &c.Sessions.RedisPassword)
	integer("RECORDING_REDIS_DB", &c.Sessions.RedisDB)
	str("RECORDING_POSTGRES_DSN", &c.Sessions.PostgresDSN)
	str("RECORDING_SESSIONS_GRPC_ADDR", &c.Sessions.GRPCAddr)

	// Recording
	duration("RECORDING_MAX_DURATION", &c.Recording.MaxDuration)
	duration("RECORDING_CHUNK_DURATION", &c.Recording.ChunkDuration)
	duration("RECORDING_WARNING_LEAD", &c.Recording.WarningLead)
	str("RECORDING_KIND", &c.Recording.Kind)
	boolean("RECORDING_PROGRESSIVE", &c.Recording.Progressive)
	str("RECORDING_LAYOUT", &c.Recording.Layout)

	// Upload
	integer("RECORDING_UPLOAD_CONCURRENCY", &c.Upload.Concurrency)
	integer("RECORDING_UPLOAD_MAX_RETRIES", &c.Upload.MaxRetries)
	duration("RECORDING_UPLOAD_TIMEOUT", &c.Upload.Timeout)

	// Collector
	int64Var("RECORDING_COLLECTOR_WARN_BYTES", &c.Collector.WarnBytes)
	int64Var("RECORDING_COLLECTOR_CRITICAL_BYTES", &c.Collector.CriticalBytes)

	// Capture
	str("RECORDING_CAPTURE_DRIVER", &c.Capture.Driver)
	str("RECORDING_FFMPEG_BINARY", &c.Capture.FFmpegBinary)
	str("RECORDING_VIDEO_DEVICE", &c.Capture.VideoDevice)
	str("RECORDING_AUDIO_DEVICE", &c.Capture.AudioDevice)
	str("RECORDING_RTP_LISTEN_ADDR", &c.Capture.RTPListenAddr)

	// Notify
	str("RECORDING_WEBHOOK_URL", &c.Notify.WebhookURL)
	str("RECORDING_SERVICE_KEY", &c.Notify.ServiceKey)
	str("RECORDING_AMQP_URL", &c.Notify.AMQPURL)

	// Ledger
	str("RECORDING_LEDGER_DRIVER", &c.Ledger.Driver)
	str("RECORDING_LEDGER_PATH", &c.Ledger.Path)
	str("RECORDING_LEDGER_DSN", &c.Ledger.DSN)

	// Metrics and logging
	boolean("RECORDING_METRICS_ENABLED", &c.Metrics.Enabled)
	str("RECORDING_LOG_LEVEL", &c.Logging.Level)
	str("RECORDING_LOG_FORMAT", &c.Logging.Format)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment override: %w", errors.Join(errs...))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Address returns the HTTP listen address
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Address returns the gRPC server address
func (c *GRPCConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
