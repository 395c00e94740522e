package upload

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/loveretold/recording/internal/ledger"
	"github.com/loveretold/recording/internal/media"
	"github.com/loveretold/recording/internal/session"
	"go.uber.org/zap"
)

// UploadedChunk records a chunk that reached storage
type UploadedChunk struct {
	Index      int       `json:"index"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ETag       string    `json:"etag,omitempty"`
	Attempts   int       `json:"attempts"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// FailedChunk records a chunk that exhausted its retries
type FailedChunk struct {
	Index    int       `json:"index"`
	Size     int64     `json:"size"`
	Attempts int       `json:"attempts"`
	Kind     ErrorKind `json:"kind"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Snapshot is a point-in-time copy of the upload state
type Snapshot struct {
	SessionID string          `json:"session_id"`
	Queued    []int           `json:"queued"`
	Active    []int           `json:"active"`
	Uploaded  []UploadedChunk `json:"uploaded"`
	Failed    []FailedChunk   `json:"failed"`
	// Expected is the total chunk count, or -1 while recording continues
	Expected int   `json:"expected"`
	Progress int   `json:"progress"`
	Bytes    int64 `json:"bytes"`
}

// Progressive uploads chunks in the background as they are recorded. The
// state lives only in memory and is lost with the process.
type Progressive struct {
	m       *Manager
	target  Target
	ctx     context.Context
	logger  *zap.Logger
	tracker *progressTracker
	started time.Time

	mu       sync.Mutex
	cond     *sync.Cond
	changed  chan struct{}
	queue    []media.Chunk
	pending  map[int]bool
	active   map[int]bool
	uploaded map[int]UploadedChunk
	failed   map[int]FailedChunk
	retry    map[int]media.Chunk
	expected int
	bytes    int64
	marked   bool
	closed   bool
	result   *Result

	// syncMu orders progress writes to the session store
	syncMu sync.Mutex
	// finishMu lets one Wait call resolve the outcome at a time
	finishMu sync.Mutex
	wg       sync.WaitGroup
}

// StartProgressive starts a worker pool for one recording. ctx bounds every
// chunk upload and should outlive the recording itself.
func (m *Manager) StartProgressive(ctx context.Context, target Target, onProgress ProgressFunc) *Progressive {
	p := &Progressive{
		m:        m,
		target:   target,
		ctx:      ctx,
		logger:   m.logger.With(zap.String("session_id", target.SessionID()), zap.String("mode", string(ModeProgressive))),
		tracker:  newProgressTracker(m.cfg.ProgressStep, onProgress),
		started:  m.clock(),
		changed:  make(chan struct{}),
		pending:  make(map[int]bool),
		active:   make(map[int]bool),
		uploaded: make(map[int]UploadedChunk),
		failed:   make(map[int]FailedChunk),
		retry:    make(map[int]media.Chunk),
		expected: -1,
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < m.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Debug("Progressive upload started", zap.Int("concurrency", m.cfg.Concurrency))
	return p
}

// Enqueue admits a chunk for upload. Chunks already queued, in flight or
// uploaded are ignored; a previously failed chunk is queued again.
func (p *Progressive) Enqueue(chunk media.Chunk) error {
	if len(chunk.Data) == 0 {
		p.logger.Warn("Dropping empty chunk", zap.Int("chunk_index", chunk.Index))
		return &Error{Kind: KindInvalidFormat, Op: "enqueue", Err: fmt.Errorf("chunk %d is empty", chunk.Index)}
	}
	if chunk.Index < 0 {
		return &Error{Kind: KindInvalidFormat, Op: "enqueue", Err: fmt.Errorf("chunk index %d is negative", chunk.Index)}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	idx := chunk.Index
	if _, ok := p.uploaded[idx]; ok || p.pending[idx] || p.active[idx] {
		p.logger.Debug("Chunk already admitted", zap.Int("chunk_index", idx))
		return nil
	}
	delete(p.failed, idx)
	delete(p.retry, idx)

	p.admitLocked(chunk)
	return nil
}

func (p *Progressive) admitLocked(chunk media.Chunk) {
	p.queue = append(p.queue, chunk)
	p.pending[chunk.Index] = true
	p.result = nil
	p.m.metrics.SetQueueDepth(len(p.queue))
	p.cond.Signal()
	p.signalLocked()
}

// SetExpected fixes the total number of chunks once recording has finished
func (p *Progressive) SetExpected(total int) {
	p.mu.Lock()
	p.expected = max(total, 0)
	pct := p.percentLocked()
	p.signalLocked()
	p.mu.Unlock()

	p.report(pct)
}

// RetryFailed re-queues every failed chunk in index order and returns how
// many were queued
func (p *Progressive) RetryFailed() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0
	}
	indices := make([]int, 0, len(p.retry))
	for idx := range p.retry {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	for _, idx := range indices {
		chunk := p.retry[idx]
		delete(p.retry, idx)
		delete(p.failed, idx)
		p.admitLocked(chunk)
	}
	if len(indices) > 0 {
		p.marked = false
		p.logger.Info("Retrying failed chunks", zap.Ints("chunks", indices))
	}
	return len(indices)
}

// Wait blocks until every expected chunk is settled, the timeout passes or
// ctx ends. It succeeds only when no chunk is missing; the session is then
// marked processing with every chunk path.
func (p *Progressive) Wait(ctx context.Context) (*Result, error) {
	timer := time.NewTimer(p.m.cfg.Timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if p.result != nil {
			res := p.result
			p.mu.Unlock()
			return res, nil
		}
		settled := p.expected >= 0 && len(p.queue) == 0 && len(p.active) == 0
		changed := p.changed
		p.mu.Unlock()

		if settled {
			return p.finish(ctx)
		}

		select {
		case <-changed:
		case <-timer.C:
			uerr := &Error{Kind: KindTimeout, Op: "wait", Missing: p.missing(),
				Err: fmt.Errorf("not settled after %s", p.m.cfg.Timeout)}
			p.logger.Error("Progressive upload timed out", zap.Ints("missing", uerr.Missing))
			p.m.markFailed(ctx, p.target.SessionID(), uerr)
			p.m.metrics.IncUploads(string(ModeProgressive), "timeout")
			return nil, uerr
		case <-ctx.Done():
			kind := KindUnknown
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				kind = KindTimeout
			}
			return nil, &Error{Kind: kind, Op: "wait", Err: ctx.Err()}
		}
	}
}

// finish resolves a settled upload into a result or a failure
func (p *Progressive) finish(ctx context.Context) (*Result, error) {
	p.finishMu.Lock()
	defer p.finishMu.Unlock()

	sessionID := p.target.SessionID()

	p.mu.Lock()
	if p.result != nil {
		res := p.result
		p.mu.Unlock()
		return res, nil
	}
	expected := p.expected
	missing := p.missingLocked()
	failed := make([]FailedChunk, 0, len(p.failed))
	for _, f := range p.failed {
		failed = append(failed, f)
	}
	paths := make([]string, 0, len(p.uploaded))
	attempts := 0
	for idx := 0; idx < expected; idx++ {
		if up, ok := p.uploaded[idx]; ok {
			paths = append(paths, up.Path)
			attempts += up.Attempts
		}
	}
	bytes := p.bytes
	p.mu.Unlock()

	if expected == 0 {
		uerr := &Error{Kind: KindInvalidFormat, Op: "wait", Err: errors.New("recording produced no chunks")}
		p.m.markFailed(ctx, sessionID, uerr)
		p.m.metrics.IncUploads(string(ModeProgressive), "failed")
		return nil, uerr
	}

	if len(missing) > 0 {
		uerr := &Error{Kind: KindRetryExhausted, Op: "wait", Missing: missing}
		for _, f := range failed {
			uerr.Attempts = max(uerr.Attempts, f.Attempts)
			if f.Kind == KindAuth || f.Kind == KindQuotaExceeded || f.Kind == KindInvalidFormat {
				uerr.Kind = f.Kind
			}
		}
		uerr.Err = fmt.Errorf("%d of %d chunks missing", len(missing), expected)
		p.logger.Error("Progressive upload incomplete",
			zap.Ints("missing", missing),
			zap.Int("failed", len(failed)),
			zap.String("kind", string(uerr.Kind)))
		p.m.markFailed(ctx, sessionID, uerr)
		p.m.metrics.IncUploads(string(ModeProgressive), "failed")
		return nil, uerr
	}

	p.report(100)
	result := &Result{
		SessionID: sessionID,
		Mode:      ModeProgressive,
		Paths:     paths,
		Bytes:     bytes,
		Chunks:    expected,
		Attempts:  attempts,
		Duration:  p.m.clock().Sub(p.started),
	}

	p.m.syncStatus(ctx, sessionID, session.Update{
		Status:            session.StatusProcessing,
		UploadProgress:    session.Int(100),
		ChunksUploaded:    session.Int(expected),
		LastChunkUploaded: session.Int(expected - 1),
		FileSize:          session.Int64(bytes),
		MimeType:          p.target.MimeType,
		StoragePaths:      paths,
		ClearError:        true,
	})
	p.m.metrics.IncUploads(string(ModeProgressive), "success")
	p.m.metrics.ObserveUploadDuration(string(ModeProgressive), result.Duration)
	p.m.announce(ctx, p.target, result)

	p.mu.Lock()
	p.result = result
	p.mu.Unlock()

	p.logger.Info("Progressive upload complete",
		zap.Int("chunks", expected),
		zap.Int64("bytes", bytes),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// Progress returns the current non-decreasing percentage
func (p *Progressive) Progress() int {
	return p.tracker.value()
}

// Snapshot copies the current upload state
func (p *Progressive) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{
		SessionID: p.target.SessionID(),
		Expected:  p.expected,
		Progress:  p.tracker.value(),
		Bytes:     p.bytes,
		Queued:    make([]int, 0, len(p.queue)),
		Active:    make([]int, 0, len(p.active)),
		Uploaded:  make([]UploadedChunk, 0, len(p.uploaded)),
		Failed:    make([]FailedChunk, 0, len(p.failed)),
	}
	for _, c := range p.queue {
		snap.Queued = append(snap.Queued, c.Index)
	}
	for idx := range p.active {
		snap.Active = append(snap.Active, idx)
	}
	for _, up := range p.uploaded {
		snap.Uploaded = append(snap.Uploaded, up)
	}
	for _, f := range p.failed {
		snap.Failed = append(snap.Failed, f)
	}
	sort.Ints(snap.Active)
	slices.SortFunc(snap.Uploaded, func(a, b UploadedChunk) int { return a.Index - b.Index })
	slices.SortFunc(snap.Failed, func(a, b FailedChunk) int { return a.Index - b.Index })
	return snap
}

// Cleanup releases the queue and bookkeeping. Uploads already in flight
// are not aborted; their outcome is discarded.
func (p *Progressive) Cleanup() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.queue = nil
	p.pending = make(map[int]bool)
	p.retry = make(map[int]media.Chunk)
	p.cond.Broadcast()
	p.signalLocked()
	p.mu.Unlock()

	p.m.metrics.SetQueueDepth(0)
	p.logger.Debug("Progressive upload cleaned up")
}

func (p *Progressive) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		chunk := p.queue[0]
		p.queue[0] = media.Chunk{}
		p.queue = p.queue[1:]
		delete(p.pending, chunk.Index)
		p.active[chunk.Index] = true
		markUploading := !p.marked
		p.marked = true
		depth := len(p.queue)
		p.mu.Unlock()

		p.m.metrics.SetQueueDepth(depth)
		if markUploading {
			p.m.syncStatus(p.ctx, p.target.SessionID(), session.Update{
				Status:     session.StatusUploading,
				MimeType:   p.target.MimeType,
				ClearError: true,
			})
		}
		p.upload(chunk)
	}
}

func (p *Progressive) upload(chunk media.Chunk) {
	idx := chunk.Index
	path := session.ChunkPath(p.target.ID, idx)
	size := int64(len(chunk.Data))

	res, err := p.m.put(p.ctx, ModeProgressive, path, chunk.Data, chunkMeta(p.target, idx, chunk.Timestamp), nil)
	now := p.m.clock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	delete(p.active, idx)
	var etag string
	if err != nil {
		var uerr *Error
		if !errors.As(err, &uerr) {
			uerr = &Error{Kind: KindUnknown, Err: err}
		}
		p.failed[idx] = FailedChunk{
			Index:    idx,
			Size:     size,
			Attempts: res.attempts,
			Kind:     uerr.Kind,
			Error:    uerr.Error(),
			FailedAt: now,
		}
		p.retry[idx] = chunk
	} else {
		if res.object != nil {
			etag = res.object.ETag
		}
		p.uploaded[idx] = UploadedChunk{Index: idx, Path: path, Size: size, ETag: etag, Attempts: res.attempts, UploadedAt: now}
		p.bytes += size
	}
	uploaded := len(p.uploaded)
	total := p.bytes
	pct := p.percentLocked()
	p.signalLocked()
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("Chunk upload failed",
			zap.Int("chunk_index", idx),
			zap.Int("attempts", res.attempts),
			zap.Error(err))
		return
	}

	p.logger.Debug("Chunk uploaded",
		zap.Int("chunk_index", idx),
		zap.Int64("bytes", size),
		zap.Int("attempts", res.attempts))

	if lerr := p.m.ledger.RecordChunk(context.WithoutCancel(p.ctx), ledger.Entry{
		SessionID:  p.target.SessionID(),
		ChunkIndex: idx,
		ObjectPath: path,
		Size:       size,
		ETag:       etag,
		MimeType:   p.target.MimeType,
		UploadedAt: now,
	}); lerr != nil {
		p.logger.Warn("Chunk ledger write failed", zap.Int("chunk_index", idx), zap.Error(lerr))
	}

	p.syncMu.Lock()
	if persist := p.report(pct); persist {
		p.m.syncStatus(p.ctx, p.target.SessionID(), session.Update{
			UploadProgress:    session.Int(p.tracker.value()),
			ChunksUploaded:    session.Int(uploaded),
			LastChunkUploaded: session.Int(idx),
			FileSize:          session.Int64(total),
		})
	}
	p.syncMu.Unlock()
}

// report raises progress and reports whether the value should be persisted.
// 100 is persisted by finish together with the final status.
func (p *Progressive) report(pct int) bool {
	value, persist := p.tracker.update(pct)
	return persist && value < 100
}

// percentLocked is uploaded/expected. Before the total is known the
// target's estimate stands in for it, capped below 100; with no estimate
// progress stays at zero.
func (p *Progressive) percentLocked() int {
	done := int64(len(p.uploaded))
	if p.expected < 0 {
		if p.target.EstimatedChunks <= 0 {
			return 0
		}
		return min(percent(done, int64(p.target.EstimatedChunks)), 99)
	}
	return percent(done, int64(p.expected))
}

func (p *Progressive) missing() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.missingLocked()
}

func (p *Progressive) missingLocked() []int {
	var out []int
	for idx := 0; idx < p.expected; idx++ {
		if _, ok := p.uploaded[idx]; !ok {
			out = append(out, idx)
		}
	}
	return out
}

// signalLocked wakes every Wait call
func (p *Progressive) signalLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}
