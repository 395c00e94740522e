package recording

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loveretold/recording/internal/capture"
	"github.com/loveretold/recording/internal/collector"
	"github.com/loveretold/recording/internal/media"
	"github.com/loveretold/recording/internal/metrics"
	"github.com/loveretold/recording/internal/recorder"
	"github.com/loveretold/recording/internal/session"
	"github.com/loveretold/recording/internal/upload"
	"go.uber.org/zap"
)

// subscriberBuffer is the per-subscriber event backlog before events are dropped
const subscriberBuffer = 64

// Phase is the pipeline stage of one recording
type Phase int

const (
	PhaseRecording Phase = iota
	PhaseUploading
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseRecording:
		return "recording"
	case PhaseUploading:
		return "uploading"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event types published to subscribers. Recorder events keep their own
// names.
const (
	EventMemoryPressure = "memory_pressure"
	EventUploadStarted  = "upload_started"
	EventUploadProgress = "upload_progress"
	EventUploaded       = "upload_complete"
	EventUploadFailed   = "upload_failed"
)

// Event is one entry of a recording's live event stream
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Recording is one session's pipeline: recorder -> collector and upload
type Recording struct {
	mu          sync.RWMutex
	id          session.ID
	recordingID string
	kind        media.Kind
	mimeType    string
	target      upload.Target
	startTime   time.Time
	phase       Phase
	elapsed     time.Duration
	paused      bool
	chunks      int
	progress    int
	level       collector.Level
	result      *upload.Result
	err         error
	idle        chan struct{}
	subs        map[int]chan Event
	nextSub     int

	rec         *recorder.Recorder
	collector   *collector.Collector
	progressive *upload.Progressive
	visibility  *recorder.Visibility
	uploads     *upload.Manager
	unwatch     []func()

	ctx      context.Context
	metrics  metrics.Provider
	logger   *zap.Logger
	clock    func() time.Time
	onSettle func()
}

// SessionID returns the serialized session identifier
func (r *Recording) SessionID() string {
	return r.id.String()
}

// RecordingID is unique per recording attempt
func (r *Recording) RecordingID() string {
	return r.recordingID
}

// Phase returns the current pipeline stage
func (r *Recording) Phase() Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

// Active reports whether the recording or its upload is still running
func (r *Recording) Active() bool {
	phase := r.Phase()
	return phase == PhaseRecording || phase == PhaseUploading
}

// Wait blocks until the pipeline is idle and returns its upload outcome
func (r *Recording) Wait(ctx context.Context) (*upload.Result, error) {
	r.mu.RLock()
	idle := r.idle
	r.mu.RUnlock()

	select {
	case <-idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result, r.err
}

// Preview assembles everything collected so far
func (r *Recording) Preview() media.Blob {
	return r.collector.Assemble()
}

// Subscribe returns a channel of events and a cancel func. The channel is
// closed once the pipeline goes idle or cancel is called.
func (r *Recording) Subscribe() (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	select {
	case <-r.idle:
		close(ch)
		return ch, func() {}
	default:
	}

	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if sub, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(sub)
			}
		})
	}
}

// publish delivers an event to every subscriber without blocking
func (r *Recording) publish(eventType string, data map[string]any) {
	e := Event{Type: eventType, SessionID: r.SessionID(), Timestamp: r.clock().UTC(), Data: data}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, ch := range r.subs {
		select {
		case ch <- e:
		default:
			r.logger.Debug("Dropping event for slow subscriber", zap.Int("subscriber", id), zap.String("type", eventType))
		}
	}
}

// consume fans recorder events out until the recorder closes its channel
func (r *Recording) consume() {
	for e := range r.rec.Events() {
		switch ev := e.(type) {
		case recorder.ChunkReady:
			r.onChunk(ev.Chunk)
		case recorder.Progress:
			r.mu.Lock()
			r.elapsed = ev.Elapsed
			r.mu.Unlock()
			r.publish(recorder.Name(ev), map[string]any{
				"elapsed_ms":   ev.Elapsed.Milliseconds(),
				"remaining_ms": ev.Remaining.Milliseconds(),
			})
		case recorder.Warning:
			r.publish(recorder.Name(ev), map[string]any{"remaining_ms": ev.Remaining.Milliseconds()})
		case recorder.PauseStateChanged:
			r.mu.Lock()
			r.paused = ev.Paused
			r.mu.Unlock()
			r.publish(recorder.Name(ev), map[string]any{"paused": ev.Paused, "auto": ev.Auto})
		case recorder.ErrorEvent:
			r.onRecorderError(ev.Err)
			return
		case recorder.Complete:
			r.onComplete(ev)
			return
		}
	}
}

func (r *Recording) onChunk(chunk media.Chunk) {
	if !r.collector.Add(chunk) {
		return
	}
	if r.progressive != nil {
		if err := r.progressive.Enqueue(chunk); err != nil {
			r.logger.Warn("Chunk not queued for upload", zap.Int("chunk_index", chunk.Index), zap.Error(err))
		}
	}

	stats := r.collector.Stats()
	r.mu.Lock()
	r.chunks++
	levelChanged := stats.Level != r.level
	r.level = stats.Level
	r.mu.Unlock()

	r.publish(recorder.Name(recorder.ChunkReady{}), map[string]any{
		"index": chunk.Index,
		"size":  chunk.Size(),
	})
	if levelChanged {
		data := map[string]any{"level": stats.Level.String(), "estimated_memory": stats.EstimatedMemory}
		if err := stats.Err(); err != nil {
			data["message"] = err.Error()
		}
		r.publish(EventMemoryPressure, data)
	}
}

func (r *Recording) onRecorderError(err error) {
	ce := capture.Classify(err)
	r.logger.Error("Recording aborted", zap.String("kind", string(ce.Kind)), zap.Error(err))

	if r.progressive != nil {
		r.progressive.Cleanup()
	}
	r.publish(recorder.Name(recorder.ErrorEvent{}), map[string]any{
		"kind":    string(ce.Kind),
		"message": ce.Message(),
	})
	r.metrics.IncRecordings("failed")
	r.settle(PhaseFailed, nil, ce)
}

func (r *Recording) onComplete(c recorder.Complete) {
	report := r.collector.Validate(c.Reported)
	if report.Valid() {
		r.logger.Debug("Collected chunks match recorder", zap.Stringer("report", report))
	} else {
		r.logger.Warn("Collected chunks do not match recorder", zap.Stringer("report", report))
	}

	r.mu.Lock()
	r.elapsed = c.Duration
	r.phase = PhaseUploading
	r.mu.Unlock()

	r.metrics.IncRecordings("completed")
	r.metrics.ObserveRecordingDuration(c.Duration)
	r.publish(recorder.Name(c), map[string]any{
		"total_chunks": c.TotalChunks,
		"duration_ms":  c.Duration.Milliseconds(),
		"auto_stopped": c.AutoStopped,
		"mime_type":    c.MimeType,
		"valid":        report.Valid(),
	})

	r.runUpload(func(ctx context.Context) (*upload.Result, error) {
		if r.progressive != nil {
			r.progressive.SetExpected(c.TotalChunks)
			return r.progressive.Wait(ctx)
		}
		return r.uploads.Upload(ctx, r.target, r.collector.Assemble(), r.onUploadProgress)
	})
}

// runUpload executes fn and settles the pipeline with its outcome
func (r *Recording) runUpload(fn func(ctx context.Context) (*upload.Result, error)) {
	r.publish(EventUploadStarted, map[string]any{"mode": string(r.mode())})

	res, err := fn(r.ctx)
	if err != nil {
		r.publish(EventUploadFailed, map[string]any{
			"kind":      string(upload.KindOf(err)),
			"message":   upload.UserMessage(err),
			"retryable": retryable(err),
		})
		r.settle(PhaseFailed, nil, err)
		return
	}
	r.publish(EventUploaded, map[string]any{"paths": res.Paths, "bytes": res.Bytes, "url": res.URL})
	r.settle(PhaseCompleted, res, nil)
}

func (r *Recording) onUploadProgress(pct int) {
	r.mu.Lock()
	r.progress = max(r.progress, pct)
	r.mu.Unlock()
	r.publish(EventUploadProgress, map[string]any{"progress": pct})
}

// settle moves the pipeline to a terminal phase, releases watchers and
// subscribers, and wakes Wait callers
func (r *Recording) settle(phase Phase, res *upload.Result, err error) {
	for _, unwatch := range r.unwatch {
		unwatch()
	}

	r.mu.Lock()
	r.unwatch = nil
	r.phase = phase
	r.result = res
	r.err = err
	if res != nil {
		r.progress = 100
	}
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	close(r.idle)
	r.mu.Unlock()

	if r.onSettle != nil {
		r.onSettle()
	}
}

// Retry repeats a failed upload in the background. Progressive uploads
// requeue only the chunks that failed.
func (r *Recording) Retry() error {
	r.mu.Lock()
	if r.phase != PhaseFailed || r.err == nil {
		r.mu.Unlock()
		return ErrNotRetryable
	}
	var uerr *upload.Error
	if !errors.As(r.err, &uerr) || !uerr.Retryable() {
		r.mu.Unlock()
		return ErrNotRetryable
	}
	r.phase = PhaseUploading
	r.err = nil
	r.idle = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("Retrying upload", zap.String("kind", string(uerr.Kind)))
	go r.runUpload(func(ctx context.Context) (*upload.Result, error) {
		if r.progressive != nil {
			r.progressive.RetryFailed()
			return r.progressive.Wait(ctx)
		}
		return r.uploads.Upload(ctx, r.target, r.collector.Assemble(), r.onUploadProgress)
	})
	return nil
}

// release drops every buffered chunk. It is called when a recording is
// replaced or discarded.
func (r *Recording) release() {
	if r.progressive != nil {
		r.progressive.Cleanup()
	}
	r.collector.Reset()
}

func (r *Recording) mode() upload.Mode {
	if r.progressive != nil {
		return upload.ModeProgressive
	}
	return upload.ModeMonolithic
}

// Stats returns a snapshot of the recording and its upload
func (r *Recording) Stats() RecordingStats {
	r.mu.RLock()
	stats := RecordingStats{
		SessionID:      r.SessionID(),
		RecordingID:    r.recordingID,
		Kind:           r.kind.String(),
		MimeType:       r.mimeType,
		Mode:           r.mode(),
		Phase:          r.phase.String(),
		State:          r.rec.State().String(),
		StartTime:      r.startTime,
		Elapsed:        r.elapsed,
		Paused:         r.paused,
		Chunks:         r.chunks,
		UploadProgress: r.progress,
	}
	if r.result != nil {
		stats.Paths = r.result.Paths
		stats.URL = r.result.URL
	}
	if r.err != nil {
		stats.Error = r.err.Error()
		stats.Message = userMessage(r.err)
	}
	r.mu.RUnlock()

	stats.Collected = r.collector.Stats()
	if r.progressive != nil {
		snap := r.progressive.Snapshot()
		stats.Upload = &snap
		stats.UploadProgress = max(stats.UploadProgress, snap.Progress)
	}
	return stats
}

// RecordingStats describes one recording for the API
type RecordingStats struct {
	SessionID      string           `json:"session_id"`
	RecordingID    string           `json:"recording_id"`
	Kind           string           `json:"kind"`
	MimeType       string           `json:"mime_type"`
	Mode           upload.Mode      `json:"mode"`
	Phase          string           `json:"phase"`
	State          string           `json:"state"`
	StartTime      time.Time        `json:"start_time"`
	Elapsed        time.Duration    `json:"elapsed"`
	Paused         bool             `json:"paused"`
	Chunks         int              `json:"chunks"`
	Collected      collector.Stats  `json:"collected"`
	UploadProgress int              `json:"upload_progress"`
	Upload         *upload.Snapshot `json:"upload,omitempty"`
	Paths          []string         `json:"paths,omitempty"`
	URL            string           `json:"url,omitempty"`
	Error          string           `json:"error,omitempty"`
	Message        string           `json:"message,omitempty"`
}

func retryable(err error) bool {
	var uerr *upload.Error
	return errors.As(err, &uerr) && uerr.Retryable()
}

// userMessage picks the message of whichever layer classified err
func userMessage(err error) string {
	var ce *capture.Error
	if errors.As(err, &ce) {
		return ce.Message()
	}
	var se *session.Error
	if errors.As(err, &se) {
		return se.Message()
	}
	return upload.UserMessage(err)
}
