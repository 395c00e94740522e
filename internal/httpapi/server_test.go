package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/loveretold/recording/internal/capture"
	"github.com/loveretold/recording/internal/media"
	"github.com/loveretold/recording/internal/recorder"
	"github.com/loveretold/recording/internal/recording"
	"github.com/loveretold/recording/internal/session"
	"github.com/loveretold/recording/internal/storage"
	"github.com/loveretold/recording/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chunkEvery = 30 * time.Second

type audioTrack struct{}

func (audioTrack) ID() string       { return "mic" }
func (audioTrack) Kind() media.Kind { return media.KindAudio }
func (audioTrack) Stop()            {}

type pipeStream struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	mime string
}

func (s *pipeStream) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *pipeStream) MimeType() string           { return s.mime }
func (s *pipeStream) Tracks() []capture.Track    { return []capture.Track{audioTrack{}} }
func (s *pipeStream) Pause() error               { return nil }
func (s *pipeStream) Resume() error              { return nil }
func (s *pipeStream) Finish() error              { return s.w.Close() }

type pipeCapturer struct {
	mu     sync.Mutex
	stream *pipeStream
}

func (c *pipeCapturer) Acquire(_ context.Context, _ capture.Request, mimeType string) (capture.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, w := io.Pipe()
	c.stream = &pipeStream{r: r, w: w, mime: mimeType}
	return c.stream, nil
}

func (c *pipeCapturer) write(t *testing.T, data string) {
	t.Helper()
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	_, err := s.w.Write([]byte(data))
	require.NoError(t, err)
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

func (ts *tickers) tick() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, t := range ts.list {
		if t.d != chunkEvery {
			continue
		}
		select {
		case t.c <- time.Now():
		default:
		}
	}
}

type apiHarness struct {
	id       session.ID
	store    *session.MemoryStore
	objects  *storage.MemoryStorage
	capturer *pipeCapturer
	tickers  *tickers
	manager  *recording.Manager
	server   *Server
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	now := time.Now()
	id, err := session.New("prompt", "user", "teller", now)
	require.NoError(t, err)

	h := &apiHarness{
		id:       id,
		store:    session.NewMemoryStore(),
		objects:  storage.NewMemoryStorage(""),
		capturer: &pipeCapturer{},
		tickers:  &tickers{},
	}
	h.store.Put(session.Record{SessionID: id.String(), Status: session.StatusActive, ExpiresAt: now.Add(time.Hour)})

	uploads, err := upload.NewManager(upload.Config{
		Storage:   h.objects,
		Sessions:  h.store,
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
		Timeout:   5 * time.Second,
	})
	require.NoError(t, err)

	h.manager, err = recording.NewManager(recording.ManagerConfig{
		Capturer:      h.capturer,
		Uploads:       uploads,
		Sessions:      h.store,
		ChunkDuration: chunkEvery,
		NewTicker:     h.tickers.New,
	})
	require.NoError(t, err)

	h.server, err = NewServer(Config{
		Recordings: h.manager,
		Sessions:   h.store,
		ServiceID:  "recorder-test",
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.manager.Shutdown(ctx)
	})
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, Body) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)

	var env Body
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func (h *apiHarness) start(t *testing.T) {
	t.Helper()
	w, env := h.do(t, http.MethodPost, "/recordings", map[string]any{"session_id": h.id.String(), "kind": "audio"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.True(t, env.Success)
}

// feed writes data and slices it into the next chunk
func (h *apiHarness) feed(t *testing.T, data string) {
	t.Helper()
	r, ok := h.manager.Get(h.id.String())
	require.True(t, ok)
	want := r.Stats().Chunks + 1
	h.capturer.write(t, data)
	require.Eventually(t, func() bool {
		h.tickers.tick()
		return r.Stats().Chunks == want
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *apiHarness) wait(t *testing.T) (*upload.Result, error) {
	t.Helper()
	r, ok := h.manager.Get(h.id.String())
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Wait(ctx)
}

func dataMap(t *testing.T, env Body) map[string]any {
	t.Helper()
	m, ok := env.Data.(map[string]any)
	require.True(t, ok, "data is %T", env.Data)
	return m
}

func TestNewServer_RequiresManager(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)

	w, env := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", dataMap(t, env)["status"])
	assert.Equal(t, "recorder-test", dataMap(t, env)["service_id"])

	h.server.SetHealthy(false)
	w, env = h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.False(t, env.Success)
	assert.Equal(t, "draining", dataMap(t, env)["status"])
}

func TestGetSession(t *testing.T) {
	h := newAPIHarness(t)

	w, env := h.do(t, http.MethodGet, "/sessions/"+h.id.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, dataMap(t, env)["recordable"])

	w, env = h.do(t, http.MethodGet, "/sessions/not-a-session", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, env.Error)

	other, err := session.New("prompt", "user", "someone_else", time.Now())
	require.NoError(t, err)
	w, _ = h.do(t, http.MethodGet, "/sessions/"+other.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	h.store.Put(session.Record{SessionID: other.String(), Status: session.StatusActive, ExpiresAt: time.Now().Add(-time.Minute)})
	w, env = h.do(t, http.MethodGet, "/sessions/"+other.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, dataMap(t, env)["recordable"])
	resolved, ok := dataMap(t, env)["session"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(session.StatusExpired), resolved["status"])
}

func TestStartRecording_Validation(t *testing.T) {
	h := newAPIHarness(t)

	w, _ := h.do(t, http.MethodPost, "/recordings", map[string]any{"kind": "audio"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = h.do(t, http.MethodPost, "/recordings", map[string]any{"session_id": h.id.String(), "kind": "hologram"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = h.do(t, http.MethodPost, "/recordings", map[string]any{"session_id": h.id.String(), "layout": "flat"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env := h.do(t, http.MethodPost, "/recordings", map[string]any{"session_id": "garbage"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(session.KindInvalidFormat), dataMap(t, env)["kind"])
}

func TestStartRecording_ExpiredSession(t *testing.T) {
	h := newAPIHarness(t)
	h.store.Put(session.Record{SessionID: h.id.String(), Status: session.StatusActive, ExpiresAt: time.Now().Add(-time.Minute)})

	w, env := h.do(t, http.MethodPost, "/recordings", map[string]any{"session_id": h.id.String()})
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, string(session.KindExpired), dataMap(t, env)["kind"])
	assert.Equal(t, 0, h.manager.ActiveRecordings())
}

func TestRecordingLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	h.start(t)
	path := "/recordings/" + h.id.String()

	w, _ := h.do(t, http.MethodPost, "/recordings", map[string]any{"session_id": h.id.String()})
	assert.Equal(t, http.StatusConflict, w.Code)

	h.feed(t, "first ")

	w, env := h.do(t, http.MethodPost, path+"/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "paused", dataMap(t, env)["state"])

	w, env = h.do(t, http.MethodPost, path+"/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "recording", dataMap(t, env)["state"])

	h.feed(t, "second")

	w, _ = h.do(t, http.MethodGet, path+"/preview", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio/webm", w.Header().Get("Content-Type"))
	assert.Equal(t, "first second", w.Body.String())

	w, _ = h.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = h.do(t, http.MethodPost, path+"/stop", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	res, err := h.wait(t)
	require.NoError(t, err)
	require.Len(t, res.Paths, 1)

	w, env = h.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", dataMap(t, env)["phase"])

	w, _ = h.do(t, http.MethodPost, path+"/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = h.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, _ = h.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVisibility(t *testing.T) {
	h := newAPIHarness(t)
	h.start(t)
	path := "/recordings/" + h.id.String() + "/visibility"

	w, _ := h.do(t, http.MethodPost, path, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = h.do(t, http.MethodPost, path, map[string]any{"hidden": true})
	require.Equal(t, http.StatusOK, w.Code)

	r, ok := h.manager.Get(h.id.String())
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return r.Stats().State == "paused"
	}, 2*time.Second, 5*time.Millisecond)

	w, _ = h.do(t, http.MethodPost, path, map[string]any{"hidden": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "paused", r.Stats().State)
}

func TestUnknownRecording(t *testing.T) {
	h := newAPIHarness(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/recordings/nope"},
		{http.MethodPost, "/recordings/nope/pause"},
		{http.MethodPost, "/recordings/nope/stop"},
		{http.MethodGet, "/recordings/nope/preview"},
		{http.MethodGet, "/recordings/nope/events"},
	} {
		w, env := h.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, tc.path)
		assert.False(t, env.Success, tc.path)
	}
}

func TestStats(t *testing.T) {
	h := newAPIHarness(t)
	h.start(t)

	w, env := h.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := dataMap(t, env)
	assert.Equal(t, float64(1), data["active_recordings"])
	recs, ok := data["recordings"].([]any)
	require.True(t, ok)
	assert.Len(t, recs, 1)

	w, env = h.do(t, http.MethodGet, "/recordings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{h.id.String()}, dataMap(t, env)["recordings"])
}

func TestEventsWebsocket(t *testing.T) {
	h := newAPIHarness(t)
	h.start(t)
	h.feed(t, "hello")

	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/recordings/" + h.id.String() + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"event": "pause"}))
	r, ok := h.manager.Get(h.id.String())
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return r.Stats().State == "paused"
	}, 2*time.Second, 5*time.Millisecond)

	w, _ := h.do(t, http.MethodPost, "/recordings/"+h.id.String()+"/stop", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var types []string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		var e recording.Event
		require.NoError(t, json.Unmarshal(data, &e))
		assert.Equal(t, h.id.String(), e.SessionID)
		types = append(types, e.Type)
	}

	assert.Contains(t, types, "complete")
	assert.Contains(t, types, recording.EventUploadStarted)
	assert.Contains(t, types, recording.EventUploaded)
}

func TestUpgraderOrigins(t *testing.T) {
	u := newUpgrader([]string{"https://app.example.com/"})

	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/recordings/x/events", nil)
	assert.True(t, u.CheckOrigin(req))

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, u.CheckOrigin(req))

	req.Header.Set("Origin", "https://evil.example.net")
	assert.False(t, u.CheckOrigin(req))

	req.Header.Set("Origin", "http://api.example.com")
	assert.True(t, u.CheckOrigin(req))

	assert.True(t, newUpgrader([]string{"*"}).CheckOrigin(req))
}
