package recording

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loveretold/recording/internal/capture"
	"github.com/loveretold/recording/internal/media"
	"github.com/loveretold/recording/internal/recorder"
	"github.com/loveretold/recording/internal/session"
	"github.com/loveretold/recording/internal/storage"
	"github.com/loveretold/recording/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChunkDuration = 45 * time.Second

type stubTrack struct {
	kind    media.Kind
	stopped atomic.Bool
}

func (t *stubTrack) ID() string       { return "stub-" + t.kind.String() }
func (t *stubTrack) Kind() media.Kind { return t.kind }
func (t *stubTrack) Stop()            { t.stopped.Store(true) }

// pipeStream yields whatever the test writes and ends on Finish
type pipeStream struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	mime   string
	tracks []capture.Track
}

func (s *pipeStream) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *pipeStream) MimeType() string           { return s.mime }
func (s *pipeStream) Tracks() []capture.Track    { return s.tracks }
func (s *pipeStream) Pause() error               { return nil }
func (s *pipeStream) Resume() error              { return nil }
func (s *pipeStream) Finish() error              { return s.w.Close() }

type stubCapturer struct {
	mu      sync.Mutex
	streams []*pipeStream
	err     error
}

func (c *stubCapturer) Acquire(_ context.Context, req capture.Request, mimeType string) (capture.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	r, w := io.Pipe()
	s := &pipeStream{r: r, w: w, mime: mimeType, tracks: []capture.Track{&stubTrack{kind: media.KindAudio}}}
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *stubCapturer) acquired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func (c *stubCapturer) last() *pipeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[len(c.streams)-1]
}

type manualTicker struct {
	d time.Duration
	c chan time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.c }
func (t *manualTicker) Stop()               {}

type tickers struct {
	mu   sync.Mutex
	list []*manualTicker
}

func (ts *tickers) New(d time.Duration) recorder.Ticker {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &manualTicker{d: d, c: make(chan time.Time, 1)}
	ts.list = append(ts.list, t)
	return t
}

func (ts *tickers) tick(d time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, t := range ts.list {
		if t.d != d {
			continue
		}
		select {
		case t.c <- time.Now():
		default:
		}
	}
}

// switchStorage fails every put while failing is set
type switchStorage struct {
	*storage.MemoryStorage
	failing atomic.Bool
}

func (s *switchStorage) Put(ctx context.Context, path string, body io.Reader, size int64, meta storage.ObjectMeta) (*storage.Object, error) {
	if s.failing.Load() {
		return nil, &storage.Error{Code: storage.CodeNetwork, Op: "put", Path: path, Err: errors.New("offline")}
	}
	return s.MemoryStorage.Put(ctx, path, body, size, meta)
}

type pipelineHarness struct {
	id       session.ID
	store    *session.MemoryStore
	storage  *switchStorage
	capturer *stubCapturer
	tickers  *tickers
	manager  *Manager
}

func newPipelineHarness(t *testing.T) *pipelineHarness {
	t.Helper()
	now := time.Now()
	id, err := session.New("prompt", "user", "teller", now)
	require.NoError(t, err)

	h := &pipelineHarness{
		id:       id,
		store:    session.NewMemoryStore(),
		storage:  &switchStorage{MemoryStorage: storage.NewMemoryStorage("")},
		capturer: &stubCapturer{},
		tickers:  &tickers{},
	}
	h.store.Put(session.Record{SessionID: id.String(), Status: session.StatusActive, ExpiresAt: now.Add(time.Hour)})

	uploads, err := upload.NewManager(upload.Config{
		Storage:   h.storage,
		Sessions:  h.store,
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
		Timeout:   5 * time.Second,
	})
	require.NoError(t, err)

	h.manager, err = NewManager(ManagerConfig{
		Capturer:      h.capturer,
		Uploads:       uploads,
		Sessions:      h.store,
		ChunkDuration: testChunkDuration,
		NewTicker:     h.tickers.New,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.manager.Shutdown(ctx)
	})
	return h
}

func (h *pipelineHarness) start(t *testing.T, progressive bool) *Recording {
	t.Helper()
	r, err := h.manager.Start(context.Background(), StartRequest{
		SessionID:   h.id.String(),
		Kind:        media.KindAudio,
		Progressive: progressive,
	})
	require.NoError(t, err)
	return r
}

// feed writes data to the live stream and slices it into the next chunk
func (h *pipelineHarness) feed(t *testing.T, r *Recording, data string) {
	t.Helper()
	want := r.Stats().Chunks + 1
	_, err := h.capturer.last().w.Write([]byte(data))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		h.tickers.tick(testChunkDuration)
		return r.Stats().Chunks == want
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *pipelineHarness) stop(t *testing.T, r *Recording) (*upload.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.manager.Stop(ctx, r.SessionID())
	require.NoError(t, err)
	return r.Wait(ctx)
}

func (h *pipelineHarness) record(t *testing.T) *session.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), h.id.String())
	require.NoError(t, err)
	return rec
}

func TestNewManager_RequiresCollaborators(t *testing.T) {
	_, err := NewManager(ManagerConfig{})
	assert.Error(t, err)
	_, err = NewManager(ManagerConfig{Capturer: &stubCapturer{}})
	assert.Error(t, err)
}

func TestManager_MonolithicRecording(t *testing.T) {
	h := newPipelineHarness(t)
	r := h.start(t, false)
	assert.Equal(t, session.StatusRecording, h.record(t).Status)

	h.feed(t, r, "hello ")
	h.feed(t, r, "world")

	res, err := h.stop(t, r)
	require.NoError(t, err)
	require.Len(t, res.Paths, 1)
	assert.Equal(t, session.FinalPath(h.id, "webm"), res.Paths[0])

	obj, ok := h.storage.Get(res.Paths[0])
	require.True(t, ok)
	assert.Equal(t, "hello world", string(obj.Data))

	rec := h.record(t)
	assert.Equal(t, session.StatusProcessing, rec.Status)
	assert.Equal(t, 100, rec.RecordingData.UploadProgress)

	stats := r.Stats()
	assert.Equal(t, "completed", stats.Phase)
	assert.Equal(t, upload.ModeMonolithic, stats.Mode)
	assert.Equal(t, 2, stats.Chunks)
	assert.Equal(t, 100, stats.UploadProgress)
	assert.Equal(t, 0, h.manager.ActiveRecordings())
}

func TestManager_ProgressiveRecording(t *testing.T) {
	h := newPipelineHarness(t)
	r := h.start(t, true)
	assert.Equal(t, 20, r.target.EstimatedChunks)

	h.feed(t, r, "one")
	h.feed(t, r, "two")
	h.feed(t, r, "three")
	require.Eventually(t, func() bool {
		return len(r.progressive.Snapshot().Uploaded) == 3
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return r.progressive.Progress() == 15 }, 2*time.Second, 5*time.Millisecond)

	res, err := h.stop(t, r)
	require.NoError(t, err)
	assert.Equal(t, []string{
		session.ChunkPath(h.id, 0),
		session.ChunkPath(h.id, 1),
		session.ChunkPath(h.id, 2),
	}, res.Paths)

	obj, ok := h.storage.Get(session.ChunkPath(h.id, 1))
	require.True(t, ok)
	assert.Equal(t, "two", string(obj.Data))

	rec := h.record(t)
	assert.Equal(t, session.StatusProcessing, rec.Status)
	assert.Equal(t, 3, rec.RecordingData.ChunksUploaded)

	stats := r.Stats()
	require.NotNil(t, stats.Upload)
	assert.Len(t, stats.Upload.Uploaded, 3)
	assert.Equal(t, upload.ModeProgressive, stats.Mode)
}

func TestManager_SecondStartFails(t *testing.T) {
	h := newPipelineHarness(t)
	h.start(t, false)

	_, err := h.manager.Start(context.Background(), StartRequest{SessionID: h.id.String(), Kind: media.KindAudio})
	assert.ErrorIs(t, err, ErrAlreadyRecording)
	assert.Equal(t, 1, h.capturer.acquired())
}

func TestManager_StartOverReplacesFinishedRecording(t *testing.T) {
	h := newPipelineHarness(t)
	first := h.start(t, false)
	h.feed(t, first, "take one")
	_, err := h.stop(t, first)
	require.NoError(t, err)

	// a processing session is not recordable again
	_, err = h.manager.Start(context.Background(), StartRequest{SessionID: h.id.String(), Kind: media.KindAudio})
	assert.Equal(t, session.KindCompleted, session.KindOf(err))

	h.store.Put(session.Record{SessionID: h.id.String(), Status: session.StatusActive, ExpiresAt: time.Now().Add(time.Hour)})
	second := h.start(t, false)
	assert.NotEqual(t, first.RecordingID(), second.RecordingID())
	assert.Equal(t, 0, first.collector.Len())
	assert.Empty(t, second.Preview().Data)
}

func TestManager_RefusesExpiredSession(t *testing.T) {
	h := newPipelineHarness(t)
	h.store.Put(session.Record{SessionID: h.id.String(), Status: session.StatusActive, ExpiresAt: time.Now().Add(-time.Minute)})

	_, err := h.manager.Start(context.Background(), StartRequest{SessionID: h.id.String(), Kind: media.KindVideo})
	assert.Equal(t, session.KindExpired, session.KindOf(err))
	assert.Equal(t, 0, h.capturer.acquired())
}

func TestManager_RefusesMalformedSession(t *testing.T) {
	h := newPipelineHarness(t)
	_, err := h.manager.Start(context.Background(), StartRequest{SessionID: "not-a-session", Kind: media.KindAudio})
	assert.Error(t, err)
	assert.Equal(t, 0, h.capturer.acquired())
}

func TestManager_CaptureFailure(t *testing.T) {
	h := newPipelineHarness(t)
	h.capturer.err = fs.ErrPermission

	_, err := h.manager.Start(context.Background(), StartRequest{SessionID: h.id.String(), Kind: media.KindAudio})
	assert.Equal(t, capture.KindPermissionDenied, capture.KindOf(err))

	_, exists := h.manager.Get(h.id.String())
	assert.False(t, exists)
	assert.Equal(t, session.StatusActive, h.record(t).Status)
}

func TestManager_BackgroundPausesWithoutAutoResume(t *testing.T) {
	h := newPipelineHarness(t)
	r := h.start(t, false)

	require.NoError(t, h.manager.SetBackgrounded(r.SessionID(), true))
	require.Eventually(t, func() bool { return r.Stats().Paused }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "paused", r.Stats().State)

	require.NoError(t, h.manager.SetBackgrounded(r.SessionID(), false))
	assert.Equal(t, "paused", r.Stats().State)

	require.NoError(t, h.manager.Resume(r.SessionID()))
	assert.Equal(t, "recording", r.Stats().State)
}

func TestManager_PreviewWhileRecording(t *testing.T) {
	h := newPipelineHarness(t)
	r := h.start(t, false)
	h.feed(t, r, "partial")

	blob, err := h.manager.Preview(r.SessionID())
	require.NoError(t, err)
	assert.Equal(t, "partial", string(blob.Data))
	assert.Equal(t, "audio/webm", blob.MimeType)
	assert.Equal(t, 1, blob.Chunks)
}

func TestManager_SubscribeStreamsPipelineEvents(t *testing.T) {
	h := newPipelineHarness(t)
	r := h.start(t, false)

	events, cancel, err := h.manager.Subscribe(r.SessionID())
	require.NoError(t, err)
	defer cancel()

	h.feed(t, r, "data")
	_, err = h.stop(t, r)
	require.NoError(t, err)

	var types []string
	for e := range events {
		assert.Equal(t, r.SessionID(), e.SessionID)
		types = append(types, e.Type)
	}
	assert.Contains(t, types, "chunk_ready")
	assert.Contains(t, types, "complete")
	assert.Contains(t, types, EventUploadStarted)
	assert.Equal(t, EventUploaded, types[len(types)-1])
}

func TestManager_RetryFailedUpload(t *testing.T) {
	h := newPipelineHarness(t)
	h.storage.failing.Store(true)
	r := h.start(t, false)
	h.feed(t, r, "fragile")

	_, err := h.stop(t, r)
	assert.Equal(t, upload.KindRetryExhausted, upload.KindOf(err))
	assert.Equal(t, "failed", r.Stats().Phase)
	assert.NotEmpty(t, r.Stats().Message)
	assert.Equal(t, session.StatusFailed, h.record(t).Status)

	h.storage.failing.Store(false)
	require.NoError(t, h.manager.Retry(r.SessionID()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Paths, 1)
	assert.Equal(t, session.StatusProcessing, h.record(t).Status)

	assert.ErrorIs(t, h.manager.Retry(r.SessionID()), ErrNotRetryable)
}

func TestManager_UnknownSession(t *testing.T) {
	h := newPipelineHarness(t)
	assert.ErrorIs(t, h.manager.Pause("missing"), ErrNotFound)
	assert.ErrorIs(t, h.manager.SetBackgrounded("missing", true), ErrNotFound)
	_, err := h.manager.Preview("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_Discard(t *testing.T) {
	h := newPipelineHarness(t)
	r := h.start(t, false)
	assert.ErrorIs(t, h.manager.Discard(r.SessionID()), ErrAlreadyRecording)

	h.feed(t, r, "bye")
	_, err := h.stop(t, r)
	require.NoError(t, err)

	require.NoError(t, h.manager.Discard(r.SessionID()))
	_, exists := h.manager.Get(r.SessionID())
	assert.False(t, exists)
}

func TestManager_Shutdown(t *testing.T) {
	h := newPipelineHarness(t)
	r := h.start(t, false)
	h.feed(t, r, "last words")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.manager.Shutdown(ctx))

	res, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Paths, 1)

	_, err = h.manager.Start(context.Background(), StartRequest{SessionID: h.id.String(), Kind: media.KindAudio})
	assert.Error(t, err)
}
