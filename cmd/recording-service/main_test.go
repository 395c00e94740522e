package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loveretold/recording/internal/config"
	"github.com/loveretold/recording/internal/notify"
	"github.com/loveretold/recording/internal/recording"
	"github.com/loveretold/recording/internal/rtp"
	"github.com/loveretold/recording/internal/session"
	"github.com/loveretold/recording/internal/upload"
	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRenderTable(t *testing.T) {
	assert.Empty(t, renderTable(nil, nil, nil))

	out := renderTable([]string{"Field", "Value"}, [][]string{{"User", "u1"}, {"Short"}}, []columnAlignment{alignLeft, alignRight})
	assert.Contains(t, out, "FIELD")
	assert.Contains(t, out, "u1")
	assert.Contains(t, out, "Short")
}

func TestRenderStatusLine(t *testing.T) {
	got := renderStatusLine("Status", statusError, "Expired", false)
	assert.Equal(t, "  Status:          [ERROR] Expired", got)

	colored := renderStatusLine("Status", statusOK, "", true)
	assert.True(t, strings.HasPrefix(colored, ansiGreen))
	assert.True(t, strings.HasSuffix(colored, ansiReset))
	assert.Contains(t, colored, "[OK]")
}

func TestShouldColorizeNonFile(t *testing.T) {
	assert.False(t, shouldColorize(io.Discard))
	assert.False(t, shouldColorize(&bytes.Buffer{}))
}

func TestDisplayStatus(t *testing.T) {
	assert.Equal(t, "Uploading", displayStatus(session.StatusUploading))
	assert.Equal(t, "Unknown", displayStatus(""))
	assert.Equal(t, statusWarn, sessionStatusKind(session.StatusExpired))
	assert.Equal(t, statusError, sessionStatusKind(session.StatusRemoved))
	assert.Equal(t, statusInfo, sessionStatusKind(session.StatusUploading))
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "record", "upload", "session", "codecs", "inspect"} {
		assert.True(t, names[want], want)
	}

	inspect, _, err := root.Find([]string{"inspect"})
	require.NoError(t, err)
	assert.True(t, shouldSkipConfig(inspect))

	parse, _, err := root.Find([]string{"session", "parse"})
	require.NoError(t, err)
	assert.True(t, shouldSkipConfig(parse))

	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	assert.False(t, shouldSkipConfig(serve))
}

func TestSessionNewAndParse(t *testing.T) {
	out, err := execute(t, "session", "new", "--prompt", "p1", "--user", "u1", "--storyteller", "s1")
	require.NoError(t, err)
	raw := strings.TrimSpace(out)
	assert.True(t, session.IsValid(raw, time.Now()), raw)

	out, err = execute(t, "session", "parse", raw)
	require.NoError(t, err)
	assert.Contains(t, out, "u1")
	assert.Contains(t, out, "p1")
	assert.Contains(t, out, "inside accepted window")

	_, err = execute(t, "session", "parse", "not-a-session")
	assert.Equal(t, session.KindInvalidFormat, session.KindOf(err))
}

func TestSessionCommands_NeedStore(t *testing.T) {
	_, err := execute(t, "session", "new", "--prompt", "p", "--user", "u", "--storyteller", "s", "--register")
	assert.ErrorIs(t, err, errNoSessionStore)

	id, err := session.New("p", "u", "s", time.Now())
	require.NoError(t, err)
	_, err = execute(t, "session", "status", id.String())
	assert.ErrorIs(t, err, errNoSessionStore)
}

func TestRenderResolution(t *testing.T) {
	var out bytes.Buffer
	renderResolution(&out, session.Resolution{
		Status:  session.StatusFailed,
		Message: "Upload failed.",
		Record: &session.Record{
			SessionID:     "abc",
			Status:        session.StatusFailed,
			RecordingData: session.RecordingData{UploadProgress: 40, FileSize: 2048},
			StoragePaths:  []string{"users/u/recordings/abc/chunks/chunk-0"},
			Error:         &session.Failure{Code: "network", Message: "offline", Retryable: true},
		},
	}, true)

	text := out.String()
	assert.Contains(t, text, "Failed")
	assert.Contains(t, text, "40%")
	assert.Contains(t, text, "2.0 KiB")
	assert.Contains(t, text, "network: offline (retryable: true)")
	assert.Contains(t, text, "[OK] yes")
}

func TestInspectCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.brtp")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := rtp.NewWriter(f, rtp.WriterConfig{Codec: "opus"})
	require.NoError(t, err)

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		raw, err := (&pionrtp.Packet{
			Header:  pionrtp.Header{Version: 2, PayloadType: 111, SequenceNumber: uint16(i), SSRC: 0xbeef},
			Payload: []byte("frame"),
		}).Marshal()
		require.NoError(t, err)
		p, err := rtp.Parse(raw, start.Add(time.Duration(i)*20*time.Millisecond))
		require.NoError(t, err)
		require.NoError(t, w.WritePacket(p))
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	out, err := execute(t, "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "opus")
	assert.Contains(t, out, "40ms")
	assert.Contains(t, out, "111 (3)")
	assert.Contains(t, out, "0x0000beef")
	assert.Contains(t, out, "[OK] complete")
}

func TestBuildComponents_Memory(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	cfg.Storage.Driver = "memory"
	cfg.Sessions.Backend = "memory"

	comps, err := buildComponents(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer comps.Close()

	assert.NotNil(t, comps.uploads)
	assert.NotNil(t, comps.sessions)
	assert.Equal(t, notify.Nop{}, comps.notifier)
	assert.Empty(t, comps.closers)
}

func TestBuildSessions_NoneIsNil(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	comps := &components{cfg: cfg, logger: zap.NewNop()}
	store, err := comps.buildSessions(context.Background())
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestRecordView_Plain(t *testing.T) {
	var out bytes.Buffer
	view := newRecordView(&out, time.Minute)
	require.False(t, view.interactive)

	view.handle(recording.Event{Type: "pause_state_changed", Data: map[string]any{"paused": true}})
	view.handle(recording.Event{Type: "complete", Data: map[string]any{"duration_ms": int64(1500)}})
	view.handle(recording.Event{Type: recording.EventUploadStarted})
	view.handle(recording.Event{Type: recording.EventUploadProgress, Data: map[string]any{"progress": 30}})
	view.handle(recording.Event{Type: recording.EventUploadProgress, Data: map[string]any{"progress": 50}})
	view.finish()

	assert.Equal(t, "paused\nrecorded 1.5s\nuploading\nupload 50%\n", out.String())
}

func TestPrintResult(t *testing.T) {
	var out bytes.Buffer
	printResult(&out, &upload.Result{
		Paths:    []string{"users/u/recordings/s/final/recording.webm"},
		Bytes:    3 << 20,
		Chunks:   4,
		Attempts: 5,
		Duration: 1200 * time.Millisecond,
		URL:      "https://example.com/r",
	})

	text := out.String()
	assert.Contains(t, text, "Uploaded 3.0 MiB in 4 chunk(s), 5 attempt(s), 1.2s")
	assert.Contains(t, text, "final/recording.webm")
	assert.Contains(t, text, "URL: https://example.com/r")

	out.Reset()
	printResult(&out, nil)
	assert.Empty(t, out.String())
}

func TestSetupLogger(t *testing.T) {
	logger, err := setupLogger(config.LoggingConfig{Level: "debug", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger, err = setupLogger(config.LoggingConfig{Level: "warn", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))

	_, err = setupLogger(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}
