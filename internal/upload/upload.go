package upload

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loveretold/recording/internal/codec"
	"github.com/loveretold/recording/internal/ledger"
	"github.com/loveretold/recording/internal/metrics"
	"github.com/loveretold/recording/internal/notify"
	"github.com/loveretold/recording/internal/session"
	"github.com/loveretold/recording/internal/storage"
	"go.uber.org/zap"
)

const (
	DefaultConcurrency  = 2
	DefaultMaxRetries   = 3
	DefaultBaseDelay    = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultTimeout      = 10 * time.Minute
	DefaultProgressStep = 10

	statusWriteTimeout = 5 * time.Second
)

// Mode is how a recording reaches storage
type Mode string

const (
	ModeMonolithic  Mode = "monolithic"
	ModeProgressive Mode = "progressive"
)

// Layout selects the storage path scheme for monolithic uploads
type Layout int

const (
	// LayoutUserScoped writes users/{userId}/recordings/{sessionId}/final/recording.{ext}
	LayoutUserScoped Layout = iota
	// LayoutLegacy writes recordings/{sessionId}/{sessionId}_{timestamp}.{ext}
	LayoutLegacy
)

func (l Layout) String() string {
	if l == LayoutLegacy {
		return "legacy"
	}
	return "user-scoped"
}

// ParseLayout converts "legacy" or "user-scoped"; empty means user-scoped
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "", "user-scoped", "user":
		return LayoutUserScoped, nil
	case "legacy":
		return LayoutLegacy, nil
	default:
		return LayoutUserScoped, errors.New("unknown layout " + strconv.Quote(s))
	}
}

// Target identifies where a recording is stored
type Target struct {
	ID       session.ID
	Layout   Layout
	MimeType string
	// EstimatedChunks bounds the chunk count of a progressive upload before
	// the recording ends; zero reports no progress until SetExpected
	EstimatedChunks int
}

// SessionID returns the serialized session identifier
func (t Target) SessionID() string {
	return t.ID.String()
}

// FinalPath returns the single-object path for the target's layout
func (t Target) FinalPath(now time.Time) string {
	ext := codec.Extension(t.MimeType)
	if t.Layout == LayoutLegacy {
		return session.MonolithicPath(t.SessionID(), now.UnixMilli(), ext)
	}
	return session.FinalPath(t.ID, ext)
}

// EstimateChunks returns the most chunks a recording of maxDuration sliced
// every chunkDuration can produce
func EstimateChunks(maxDuration, chunkDuration time.Duration) int {
	if maxDuration <= 0 || chunkDuration <= 0 {
		return 0
	}
	return int((maxDuration + chunkDuration - 1) / chunkDuration)
}

// ProgressFunc receives non-decreasing progress percentages
type ProgressFunc func(percent int)

// Result describes a finished upload
type Result struct {
	SessionID string        `json:"session_id"`
	Mode      Mode          `json:"mode"`
	Paths     []string      `json:"paths"`
	Bytes     int64         `json:"bytes"`
	Chunks    int           `json:"chunks"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	URL       string        `json:"url,omitempty"`
}

// Config holds the manager's collaborators and retry policy
type Config struct {
	Storage  storage.Storage
	Sessions session.Store
	Notifier notify.Notifier
	Ledger   ledger.Ledger
	Metrics  metrics.Provider
	Logger   *zap.Logger

	Concurrency  int
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Timeout      time.Duration
	ProgressStep int
	Clock        func() time.Time
}

// Manager transfers recordings to storage and keeps the session record in sync
type Manager struct {
	cfg      Config
	storage  storage.Storage
	sessions session.Store
	notifier notify.Notifier
	ledger   ledger.Ledger
	metrics  metrics.Provider
	logger   *zap.Logger
	clock    func() time.Time
}

// NewManager creates an upload manager; storage is required, the other
// collaborators are optional
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Storage == nil {
		return nil, errors.New("upload manager requires storage")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(DefaultMaxDelay, cfg.BaseDelay)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ProgressStep <= 0 || cfg.ProgressStep > 100 {
		cfg.ProgressStep = DefaultProgressStep
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.Nop{}
	}

	return &Manager{
		cfg:      cfg,
		storage:  cfg.Storage,
		sessions: cfg.Sessions,
		notifier: cfg.Notifier,
		ledger:   cfg.Ledger,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
	}, nil
}

// Health checks the storage backend
func (m *Manager) Health(ctx context.Context) error {
	return m.storage.Health(ctx)
}

// putResult is the outcome of one object transfer including retries
type putResult struct {
	object   *storage.Object
	attempts int
}

// put stores data at path, retrying retryable failures with jittered
// exponential backoff up to MaxRetries attempts
func (m *Manager) put(ctx context.Context, mode Mode, path string, data []byte, meta storage.ObjectMeta, onRead func(offset int64)) (putResult, error) {
	var res putResult
	logger := m.logger.With(zap.String("path", path), zap.String("mode", string(mode)))

	op := func() (*storage.Object, error) {
		res.attempts++
		m.metrics.IncUploadAttempts(string(mode))

		body := newCountingReader(bytes.NewReader(data), onRead)
		obj, err := m.storage.Put(ctx, path, body, int64(len(data)), meta)
		if err != nil {
			if !storage.CodeOf(err).Retryable() {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return obj, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.BaseDelay
	bo.MaxInterval = m.cfg.MaxDelay
	bo.Multiplier = 2

	obj, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(m.cfg.MaxRetries)),
		backoff.WithMaxElapsedTime(m.cfg.Timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("Upload attempt failed, retrying",
				zap.Int("attempt", res.attempts),
				zap.Duration("retry_in", next),
				zap.Error(err))
		}))
	if err != nil {
		return res, m.classify(ctx, "put", res.attempts, err)
	}
	res.object = obj
	m.metrics.AddUploadBytes(string(mode), int64(len(data)))
	return res, nil
}

// classify turns the final error of a retry loop into an *Error
func (m *Manager) classify(ctx context.Context, op string, attempts int, err error) *Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		kind := KindUnknown
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return &Error{Kind: kind, Op: op, Attempts: attempts, Err: err}
	}
	kind := kindFor(err)
	if kind != KindAuth && kind != KindQuotaExceeded && kind != KindInvalidFormat && attempts >= m.cfg.MaxRetries {
		kind = KindRetryExhausted
	}
	return &Error{Kind: kind, Op: op, Attempts: attempts, Err: err}
}

// syncStatus writes update to the session store. Failures are logged and
// swallowed so they never affect the transfer itself.
func (m *Manager) syncStatus(ctx context.Context, sessionID string, update session.Update) {
	if m.sessions == nil || update.Empty() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	if err := m.sessions.Update(ctx, sessionID, update); err != nil {
		m.logger.Warn("Session status update failed",
			zap.String("session_id", sessionID),
			zap.String("status", string(update.Status)),
			zap.Error(err))
	}
}

// markFailed records a structured failure on the session
func (m *Manager) markFailed(ctx context.Context, sessionID string, uerr *Error) {
	m.syncStatus(ctx, sessionID, session.Update{
		Status: session.StatusFailed,
		Error: &session.Failure{
			Code:       string(uerr.Kind),
			Message:    uerr.Message(),
			Timestamp:  m.clock().UTC(),
			Retryable:  uerr.Retryable(),
			RetryCount: uerr.Attempts,
		},
	})
}

// announce tells downstream services the recording is stored
func (m *Manager) announce(ctx context.Context, target Target, res *Result) {
	msg := notify.Message{
		SessionID:     res.SessionID,
		UserID:        target.ID.UserID,
		PromptID:      target.ID.PromptID,
		StorytellerID: target.ID.StorytellerID,
		Mode:          string(res.Mode),
		MimeType:      target.MimeType,
		TotalChunks:   res.Chunks,
		FileSize:      res.Bytes,
		StoragePaths:  res.Paths,
		UploadedAt:    m.clock().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if err := m.notifier.RecordingUploaded(ctx, msg); err != nil {
		m.logger.Warn("Upload notification failed", zap.String("session_id", res.SessionID), zap.Error(err))
	}
}

func chunkMeta(target Target, index int, ts time.Time) storage.ObjectMeta {
	return storage.ObjectMeta{
		ContentType: target.MimeType,
		Metadata: map[string]string{
			"session-id":  target.SessionID(),
			"chunk-index": strconv.Itoa(index),
			"captured-at": strconv.FormatInt(ts.UnixMilli(), 10),
		},
	}
}
