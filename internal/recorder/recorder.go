package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/loveretold/recording/internal/capture"
	"github.com/loveretold/recording/internal/media"
	"go.uber.org/zap"
)

const (
	DefaultMaxDuration   = 15 * time.Minute
	DefaultChunkDuration = 45 * time.Second
	DefaultWarningLead   = time.Minute
	DefaultRetainChunks  = 4
	DefaultEventBuffer   = 256
	DefaultReadBuffer    = 32 * 1024
	DefaultFinishTimeout = 10 * time.Second

	progressInterval = time.Second
)

var (
	ErrAlreadyStarted = errors.New("recorder already started")
	ErrStreamEnded    = errors.New("capture stream ended unexpectedly")
)

// State of the recorder state machine
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Ticker is the part of time.Ticker the recorder uses
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker wraps time.NewTicker
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// OrientationLock keeps the capture orientation fixed during video
// recordings
type OrientationLock interface {
	Lock() error
	Unlock()
}

// Options configures a Recorder
type Options struct {
	Kind          media.Kind
	MimeType      string
	Constraints   capture.Constraints
	MaxDuration   time.Duration
	ChunkDuration time.Duration
	WarningLead   time.Duration

	Capturer        capture.Capturer
	OrientationLock OrientationLock
	Background      BackgroundSource

	Clock     func() time.Time
	NewTicker func(time.Duration) Ticker
	Logger    *zap.Logger

	EventBuffer    int
	ReadBufferSize int
	// RetainChunks bounds the recorder's own chunk history
	RetainChunks  int
	FinishTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxDuration <= 0 {
		o.MaxDuration = DefaultMaxDuration
	}
	if o.ChunkDuration <= 0 {
		o.ChunkDuration = DefaultChunkDuration
	}
	if o.WarningLead <= 0 {
		o.WarningLead = DefaultWarningLead
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.NewTicker == nil {
		o.NewTicker = NewRealTicker
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBuffer
	}
	if o.RetainChunks <= 0 {
		o.RetainChunks = DefaultRetainChunks
	}
	if o.FinishTimeout <= 0 {
		o.FinishTimeout = DefaultFinishTimeout
	}
	return o
}

func (o Options) validate() error {
	if o.Capturer == nil {
		return errors.New("recorder needs a capturer")
	}
	if o.ChunkDuration > o.MaxDuration {
		return fmt.Errorf("chunk duration %s exceeds max duration %s", o.ChunkDuration, o.MaxDuration)
	}
	if o.WarningLead >= o.MaxDuration {
		return fmt.Errorf("warning lead %s must be shorter than max duration %s", o.WarningLead, o.MaxDuration)
	}
	return nil
}

type command struct {
	fn   func()
	done chan struct{}
}

// Recorder slices one live capture stream into chunks. All state changes
// happen on a single loop goroutine; the public methods send commands to it.
type Recorder struct {
	opts   Options
	logger *zap.Logger

	events   chan Event
	cmds     chan command
	done     chan struct{}
	readDone chan error

	mu           sync.Mutex
	state        State
	starting     bool
	err          error
	accumulated  time.Duration
	segmentStart time.Time
	pending      []byte

	// loop-owned
	stream      capture.Stream
	mimeType    string
	nextIndex   int
	retained    []media.Chunk
	reported    []media.ChunkInfo
	warned      bool
	finished    bool
	progress    Ticker
	slicer      Ticker
	unsubscribe func()
	locked      bool
}

// New validates options and creates an idle recorder
func New(opts Options) (*Recorder, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Recorder{
		opts:     opts,
		logger:   opts.Logger,
		events:   make(chan Event, opts.EventBuffer),
		cmds:     make(chan command),
		done:     make(chan struct{}),
		readDone: make(chan error, 1),
	}, nil
}

// Events returns the channel every event is published on. It is closed
// after Complete or ErrorEvent.
func (r *Recorder) Events() <-chan Event {
	return r.events
}

// Done is closed when the recorder loop has exited
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

// State returns the current state
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the failure that moved the recorder into StateError
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Elapsed returns recorded time excluding paused intervals
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsedLocked()
}

func (r *Recorder) elapsedLocked() time.Duration {
	elapsed := r.accumulated
	if r.state == StateRecording {
		elapsed += r.opts.Clock().Sub(r.segmentStart)
	}
	return elapsed
}

// Start acquires the capture stream and begins recording. A capture failure
// moves the recorder to StateError and is returned classified.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateIdle || r.starting {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.starting = true
	r.mu.Unlock()

	req := capture.RequestFor(r.opts.Kind, r.opts.Constraints)
	stream, err := r.opts.Capturer.Acquire(ctx, req, r.opts.MimeType)
	if err != nil {
		ce := capture.Classify(err)
		r.mu.Lock()
		r.state = StateError
		r.err = ce
		r.mu.Unlock()
		r.logger.Warn("Capture failed", zap.String("kind", string(ce.Kind)), zap.Error(err))
		r.events <- ErrorEvent{Err: ce}
		close(r.events)
		close(r.done)
		return ce
	}

	r.stream = stream
	r.mimeType = stream.MimeType()
	if r.mimeType == "" {
		r.mimeType = r.opts.MimeType
	}

	if r.opts.Kind == media.KindVideo && r.opts.OrientationLock != nil {
		if err := r.opts.OrientationLock.Lock(); err != nil {
			r.logger.Debug("Orientation lock unavailable", zap.Error(err))
		} else {
			r.locked = true
		}
	}

	r.progress = r.opts.NewTicker(progressInterval)
	r.slicer = r.opts.NewTicker(r.opts.ChunkDuration)

	r.mu.Lock()
	r.state = StateRecording
	r.segmentStart = r.opts.Clock()
	r.mu.Unlock()

	if r.opts.Background != nil {
		r.unsubscribe = r.opts.Background.OnBackgroundedChanged(r.backgroundChanged)
	}

	go r.read()
	go r.run()

	r.logger.Info("Recording started",
		zap.String("kind", r.opts.Kind.String()),
		zap.String("mime_type", r.mimeType),
		zap.Duration("max_duration", r.opts.MaxDuration),
		zap.Duration("chunk_duration", r.opts.ChunkDuration))
	return nil
}

// read copies stream bytes into the pending buffer until EOF or error
func (r *Recorder) read() {
	buf := make([]byte, r.opts.ReadBufferSize)
	for {
		n, err := r.stream.Read(buf)
		if n > 0 {
			r.mu.Lock()
			r.pending = append(r.pending, buf[:n]...)
			r.mu.Unlock()
		}
		if err != nil {
			if isEOF(err) {
				err = nil
			}
			r.readDone <- err
			return
		}
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for !r.finished {
		select {
		case c := <-r.cmds:
			c.fn()
			close(c.done)
		case <-r.progress.C():
			r.tick()
		case <-r.slicer.C():
			r.emitPending()
		case err := <-r.readDone:
			if err == nil {
				err = ErrStreamEnded
			}
			r.fail(capture.Classify(err))
		}
	}
}

// do runs fn on the loop goroutine. Calls on a recorder that never started
// or already finished are no-ops.
func (r *Recorder) do(ctx context.Context, fn func()) error {
	if r.State() == StateIdle {
		return nil
	}
	c := command{fn: fn, done: make(chan struct{})}
	select {
	case r.cmds <- c:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause pauses a recording; it is a no-op in any other state
func (r *Recorder) Pause() error {
	var err error
	if doErr := r.do(context.Background(), func() { err = r.pause(false) }); doErr != nil {
		return doErr
	}
	return err
}

// Resume resumes a paused recording; it is a no-op in any other state
func (r *Recorder) Resume() error {
	var err error
	if doErr := r.do(context.Background(), func() { err = r.resume() }); doErr != nil {
		return doErr
	}
	return err
}

// Stop finalizes the recording and waits for Complete to be published
func (r *Recorder) Stop(ctx context.Context) error {
	return r.do(ctx, func() { r.finish(false) })
}

// Fail aborts the recording with err, e.g. when a device disappears
func (r *Recorder) Fail(err error) error {
	return r.do(context.Background(), func() { r.fail(capture.Classify(err)) })
}

func (r *Recorder) backgroundChanged(backgrounded bool) {
	if !backgrounded {
		return
	}
	_ = r.do(context.Background(), func() {
		if err := r.pause(true); err != nil {
			r.logger.Warn("Background pause failed", zap.Error(err))
		}
	})
}

func (r *Recorder) pause(auto bool) error {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.stream.Pause(); err != nil {
		return fmt.Errorf("pause capture: %w", err)
	}

	r.mu.Lock()
	r.accumulated += r.opts.Clock().Sub(r.segmentStart)
	r.state = StatePaused
	elapsed := r.accumulated
	r.mu.Unlock()

	r.logger.Info("Recording paused", zap.Bool("auto", auto), zap.Duration("elapsed", elapsed))
	r.emit(PauseStateChanged{Paused: true, Auto: auto})
	return nil
}

func (r *Recorder) resume() error {
	r.mu.Lock()
	if r.state != StatePaused {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.stream.Resume(); err != nil {
		return fmt.Errorf("resume capture: %w", err)
	}

	r.mu.Lock()
	r.segmentStart = r.opts.Clock()
	r.state = StateRecording
	r.mu.Unlock()

	r.logger.Info("Recording resumed")
	r.emit(PauseStateChanged{Paused: false})
	return nil
}

func (r *Recorder) tick() {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return
	}
	elapsed := r.elapsedLocked()
	r.mu.Unlock()

	remaining := r.opts.MaxDuration - elapsed
	if remaining < 0 {
		remaining = 0
	}
	r.emit(Progress{Elapsed: elapsed, Remaining: remaining})

	if !r.warned && elapsed >= r.opts.MaxDuration-r.opts.WarningLead {
		r.warned = true
		r.logger.Info("Recording nearing max duration", zap.Duration("remaining", remaining))
		r.emit(Warning{Remaining: remaining})
	}

	if elapsed >= r.opts.MaxDuration {
		r.logger.Info("Max duration reached, stopping", zap.Duration("elapsed", elapsed))
		r.finish(true)
	}
}

// emitPending turns buffered bytes into the next chunk. Nothing is emitted
// when no bytes arrived, so indices are never skipped.
func (r *Recorder) emitPending() {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	data := r.pending
	r.pending = nil
	r.mu.Unlock()

	chunk := media.Chunk{
		Index:     r.nextIndex,
		Data:      data,
		Timestamp: r.opts.Clock(),
		MimeType:  r.mimeType,
	}
	r.nextIndex++

	r.reported = append(r.reported, chunk.Info())
	r.retained = append(r.retained, chunk)
	if over := len(r.retained) - r.opts.RetainChunks; over > 0 {
		r.retained = append([]media.Chunk(nil), r.retained[over:]...)
	}

	r.logger.Debug("Chunk ready", zap.Int("index", chunk.Index), zap.Int("size", chunk.Size()))
	r.emit(ChunkReady{Chunk: chunk})
}

// finish stops capture, drains the stream and publishes Complete
func (r *Recorder) finish(auto bool) {
	r.mu.Lock()
	if r.state != StateRecording && r.state != StatePaused {
		r.mu.Unlock()
		return
	}
	duration := r.elapsedLocked()
	r.mu.Unlock()

	if duration > r.opts.MaxDuration {
		duration = r.opts.MaxDuration
	}

	if err := r.stream.Finish(); err != nil {
		r.logger.Warn("Finishing capture failed", zap.Error(err))
	}

	timer := time.NewTimer(r.opts.FinishTimeout)
	select {
	case err := <-r.readDone:
		if err != nil {
			r.logger.Warn("Capture ended with error while finishing", zap.Error(err))
		}
	case <-timer.C:
		r.logger.Warn("Capture did not end after finish, completing with what was read",
			zap.Duration("timeout", r.opts.FinishTimeout))
	}
	timer.Stop()

	r.emitPending()
	r.release()

	r.mu.Lock()
	r.state = StateStopped
	r.accumulated = duration
	r.mu.Unlock()

	complete := Complete{
		Chunks:      append([]media.Chunk(nil), r.retained...),
		Reported:    append([]media.ChunkInfo(nil), r.reported...),
		TotalChunks: r.nextIndex,
		Duration:    duration,
		AutoStopped: auto,
		MimeType:    r.mimeType,
	}
	r.logger.Info("Recording complete",
		zap.Int("chunks", complete.TotalChunks),
		zap.Duration("duration", duration),
		zap.Bool("auto_stopped", auto))

	r.emit(complete)
	close(r.events)
	r.finished = true
}

func (r *Recorder) fail(err *capture.Error) {
	r.mu.Lock()
	if r.state != StateRecording && r.state != StatePaused {
		r.mu.Unlock()
		return
	}
	r.accumulated = r.elapsedLocked()
	r.state = StateError
	r.err = err
	r.mu.Unlock()

	r.logger.Error("Recording failed", zap.String("kind", string(err.Kind)), zap.Error(err))
	r.release()
	r.emit(ErrorEvent{Err: err})
	close(r.events)
	r.finished = true
}

// release stops timers and tracks and drops every held resource
func (r *Recorder) release() {
	r.progress.Stop()
	r.slicer.Stop()
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	capture.StopAll(r.stream)
	if r.locked {
		r.opts.OrientationLock.Unlock()
		r.locked = false
	}
	r.mu.Lock()
	r.pending = nil
	r.mu.Unlock()
}

// emit publishes an event. Progress is dropped rather than blocking when
// the consumer lags.
func (r *Recorder) emit(e Event) {
	if _, ok := e.(Progress); ok {
		select {
		case r.events <- e:
		default:
			r.logger.Debug("Dropping progress event, consumer is behind")
		}
		return
	}
	r.events <- e
}

func (r *Recorder) pendingLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
