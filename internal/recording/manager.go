package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loveretold/recording/internal/capture"
	"github.com/loveretold/recording/internal/codec"
	"github.com/loveretold/recording/internal/collector"
	"github.com/loveretold/recording/internal/media"
	"github.com/loveretold/recording/internal/metrics"
	"github.com/loveretold/recording/internal/recorder"
	"github.com/loveretold/recording/internal/session"
	"github.com/loveretold/recording/internal/upload"
	"go.uber.org/zap"
)

const statusWriteTimeout = 5 * time.Second

var (
	ErrAlreadyRecording = errors.New("session is already recording")
	ErrNotFound         = errors.New("no recording for session")
	ErrNotRetryable     = errors.New("recording has no retryable upload failure")
	ErrShuttingDown     = errors.New("recording manager is shutting down")
)

// StartRequest describes a new recording
type StartRequest struct {
	SessionID   string
	Kind        media.Kind
	Progressive bool
	Layout      upload.Layout
}

// ManagerConfig holds configuration for the recording manager
type ManagerConfig struct {
	Capturer capture.Capturer
	Uploads  *upload.Manager
	// Sessions validates sessions before recording; nil checks identity only
	Sessions session.Store
	Probe    codec.Probe
	Metrics  metrics.Provider
	Logger   *zap.Logger

	// Hotplug fails recordings when one of Devices is unplugged
	Hotplug *capture.HotplugMonitor
	Devices []string

	Constraints   capture.Constraints
	MaxDuration   time.Duration
	ChunkDuration time.Duration
	WarningLead   time.Duration
	WarnBytes     int64
	CriticalBytes int64

	Clock     func() time.Time
	NewTicker func(time.Duration) recorder.Ticker
}

// Manager coordinates all recording sessions
type Manager struct {
	mu         sync.RWMutex
	recordings map[string]*Recording // keyed by session ID
	closed     bool

	cfg       ManagerConfig
	validator *session.Validator
	ctx       context.Context
	cancel    context.CancelFunc
	metrics   metrics.Provider
	logger    *zap.Logger
}

// NewManager creates a new recording manager
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Capturer == nil {
		return nil, errors.New("recording manager requires a capturer")
	}
	if cfg.Uploads == nil {
		return nil, errors.New("recording manager requires an upload manager")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = recorder.DefaultMaxDuration
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = recorder.DefaultChunkDuration
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		recordings: make(map[string]*Recording),
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
	if cfg.Sessions != nil {
		m.validator = session.NewValidator(cfg.Sessions, cfg.Clock, cfg.Logger)
	}
	return m, nil
}

// Start validates the session and begins recording it. A finished
// recording of the same session is discarded and replaced; an active one
// makes Start fail with ErrAlreadyRecording.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Recording, error) {
	id, err := m.checkSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	sessionID := id.String()
	logger := m.logger.With(zap.String("session_id", sessionID))

	mimeType := codec.Select(req.Kind, m.cfg.Probe, logger)
	target := upload.Target{
		ID:              id,
		Layout:          req.Layout,
		MimeType:        mimeType,
		EstimatedChunks: upload.EstimateChunks(m.cfg.MaxDuration, m.cfg.ChunkDuration),
	}
	r := &Recording{
		id:          id,
		recordingID: uuid.New().String(),
		kind:        req.Kind,
		mimeType:    mimeType,
		target:      target,
		startTime:   m.cfg.Clock(),
		phase:       PhaseRecording,
		idle:        make(chan struct{}),
		subs:        make(map[int]chan Event),
		visibility:  recorder.NewVisibility(),
		uploads:     m.cfg.Uploads,
		ctx:         m.ctx,
		metrics:     m.metrics,
		logger:      logger,
		clock:       m.cfg.Clock,
		onSettle:    m.updateActive,
	}
	r.collector = collector.New(collector.Options{
		MimeType:      mimeType,
		WarnBytes:     m.cfg.WarnBytes,
		CriticalBytes: m.cfg.CriticalBytes,
		Logger:        logger.Named("collector"),
	})
	r.rec, err = recorder.New(recorder.Options{
		Kind:          req.Kind,
		MimeType:      mimeType,
		Constraints:   m.cfg.Constraints,
		MaxDuration:   m.cfg.MaxDuration,
		ChunkDuration: m.cfg.ChunkDuration,
		WarningLead:   m.cfg.WarningLead,
		Capturer:      m.cfg.Capturer,
		Background:    r.visibility,
		Clock:         m.cfg.Clock,
		NewTicker:     m.cfg.NewTicker,
		Logger:        logger.Named("recorder"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create recorder: %w", err)
	}

	// Reserve the slot before touching the device
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	previous, exists := m.recordings[sessionID]
	if exists && previous.Active() {
		m.mu.Unlock()
		return nil, ErrAlreadyRecording
	}
	m.recordings[sessionID] = r
	m.mu.Unlock()

	if exists {
		previous.release()
		logger.Info("Discarded previous recording", zap.String("recording_id", previous.RecordingID()))
	}

	if req.Progressive {
		r.progressive = m.cfg.Uploads.StartProgressive(m.ctx, r.target, r.onUploadProgress)
	}

	if err := r.rec.Start(ctx); err != nil {
		m.mu.Lock()
		if m.recordings[sessionID] == r {
			delete(m.recordings, sessionID)
		}
		m.mu.Unlock()
		r.release()
		m.metrics.IncRecordings("capture_failed")
		return nil, err
	}

	if m.cfg.Hotplug != nil {
		for _, device := range m.cfg.Devices {
			r.unwatch = append(r.unwatch, m.cfg.Hotplug.Watch(device, func(dev string) {
				if err := r.rec.Fail(fmt.Errorf("%s: %w", dev, capture.ErrDeviceRemoved)); err != nil {
					logger.Warn("Failed to abort recording after unplug", zap.Error(err))
				}
			}))
		}
	}

	m.syncStatus(sessionID, session.Update{Status: session.StatusRecording, MimeType: mimeType, ClearError: true})
	go r.consume()
	m.updateActive()

	logger.Info("Recording started",
		zap.String("recording_id", r.recordingID),
		zap.String("kind", req.Kind.String()),
		zap.String("mime_type", mimeType),
		zap.Bool("progressive", req.Progressive),
		zap.String("layout", req.Layout.String()))

	return r, nil
}

// checkSession parses the identifier and, with a store configured, refuses
// sessions that cannot be recorded
func (m *Manager) checkSession(ctx context.Context, raw string) (session.ID, error) {
	if m.validator == nil {
		return session.Validate(raw, m.cfg.Clock())
	}
	res, err := m.validator.Check(ctx, raw)
	if err != nil {
		return session.ID{}, err
	}
	return res.ID, nil
}

// Get returns the recording for a session
func (m *Manager) Get(sessionID string) (*Recording, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, exists := m.recordings[sessionID]
	return r, exists
}

func (m *Manager) lookup(sessionID string) (*Recording, error) {
	r, exists := m.Get(sessionID)
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return r, nil
}

// Pause pauses a session's recording
func (m *Manager) Pause(sessionID string) error {
	r, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return r.rec.Pause()
}

// Resume resumes a paused recording
func (m *Manager) Resume(sessionID string) error {
	r, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return r.rec.Resume()
}

// Stop finalizes a recording. The upload continues in the background;
// use Recording.Wait for its outcome.
func (m *Manager) Stop(ctx context.Context, sessionID string) (*Recording, error) {
	r, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	if err := r.rec.Stop(ctx); err != nil {
		return nil, fmt.Errorf("failed to stop recording: %w", err)
	}
	m.logger.Info("Recording stopped",
		zap.String("session_id", sessionID),
		zap.String("recording_id", r.RecordingID()))
	return r, nil
}

// SetBackgrounded reports the client's visibility. Backgrounding pauses an
// active recording; foregrounding never resumes it.
func (m *Manager) SetBackgrounded(sessionID string, hidden bool) error {
	r, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	r.visibility.Set(hidden)
	return nil
}

// Preview assembles the chunks collected so far for a session
func (m *Manager) Preview(sessionID string) (media.Blob, error) {
	r, err := m.lookup(sessionID)
	if err != nil {
		return media.Blob{}, err
	}
	return r.Preview(), nil
}

// Subscribe streams a session's pipeline events
func (m *Manager) Subscribe(sessionID string) (<-chan Event, func(), error) {
	r, err := m.lookup(sessionID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := r.Subscribe()
	return ch, cancel, nil
}

// Retry repeats a failed upload for a session
func (m *Manager) Retry(sessionID string) error {
	r, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return r.Retry()
}

// Discard forgets a finished recording and frees its chunks
func (m *Manager) Discard(sessionID string) error {
	m.mu.Lock()
	r, exists := m.recordings[sessionID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if r.Active() {
		m.mu.Unlock()
		return ErrAlreadyRecording
	}
	delete(m.recordings, sessionID)
	m.mu.Unlock()

	r.release()
	m.logger.Info("Recording discarded", zap.String("session_id", sessionID))
	return nil
}

// ActiveRecordings returns the number of recordings still recording or
// uploading
func (m *Manager) ActiveRecordings() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, r := range m.recordings {
		if r.Active() {
			n++
		}
	}
	return n
}

// ListRecordings returns the session IDs the manager knows about
func (m *Manager) ListRecordings() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.recordings))
	for id := range m.recordings {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns stats for all known recordings
func (m *Manager) Stats() []RecordingStats {
	m.mu.RLock()
	recordings := make([]*Recording, 0, len(m.recordings))
	for _, r := range m.recordings {
		recordings = append(recordings, r)
	}
	m.mu.RUnlock()

	stats := make([]RecordingStats, 0, len(recordings))
	for _, r := range recordings {
		stats = append(stats, r.Stats())
	}
	return stats
}

// Shutdown stops every recording and waits for uploads to settle until ctx
// ends; uploads still running then are cancelled
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	recordings := make([]*Recording, 0, len(m.recordings))
	for _, r := range m.recordings {
		recordings = append(recordings, r)
	}
	m.mu.Unlock()
	defer m.cancel()

	m.logger.Info("Shutting down recording manager", zap.Int("recordings", len(recordings)))

	var errs []error
	for _, r := range recordings {
		if err := r.rec.Stop(ctx); err != nil {
			m.logger.Error("Failed to stop recording during shutdown",
				zap.String("session_id", r.SessionID()),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	for _, r := range recordings {
		if _, err := r.Wait(ctx); err != nil && errors.Is(err, ctx.Err()) {
			errs = append(errs, fmt.Errorf("%s: %w", r.SessionID(), err))
		}
	}
	m.updateActive()
	return errors.Join(errs...)
}

// Health checks the health of the recording manager
func (m *Manager) Health(ctx context.Context) error {
	return m.cfg.Uploads.Health(ctx)
}

func (m *Manager) updateActive() {
	m.metrics.SetActiveRecordings(m.ActiveRecordings())
}

// syncStatus is a best-effort session store write
func (m *Manager) syncStatus(sessionID string, update session.Update) {
	if m.cfg.Sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, statusWriteTimeout)
	defer cancel()
	if err := m.cfg.Sessions.Update(ctx, sessionID, update); err != nil {
		m.logger.Warn("Session status update failed",
			zap.String("session_id", sessionID),
			zap.String("status", string(update.Status)),
			zap.Error(err))
	}
}
