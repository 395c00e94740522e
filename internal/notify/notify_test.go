package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() Message {
	return Message{
		SessionID:    "ab12cd34-p1-u1-t1-1700000000000",
		UserID:       "u1",
		Mode:         "progressive",
		MimeType:     "video/webm",
		TotalChunks:  3,
		FileSize:     42,
		StoragePaths: []string{"users/u1/recordings/x/chunks/chunk-0"},
		UploadedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestWebhookNotifier_Delivers(t *testing.T) {
	var (
		got    Message
		key    string
		method string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		key = r.Header.Get(serviceKeyHeader)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL + "/", ServiceKey: "secret"}, nil)
	require.NoError(t, n.RecordingUploaded(context.Background(), testMessage()))

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "secret", key)
	assert.Equal(t, testMessage(), got)
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "merge queue full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL}, nil)
	err := n.RecordingUploaded(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=503")
	assert.Contains(t, err.Error(), "merge queue full")
}

func TestWebhookNotifier_NilIsNoop(t *testing.T) {
	n := NewWebhookNotifier(WebhookConfig{}, nil)
	assert.Nil(t, n)
	assert.NoError(t, n.RecordingUploaded(context.Background(), testMessage()))
}

type recordingNotifier struct {
	calls int
	err   error
}

func (r *recordingNotifier) RecordingUploaded(context.Context, Message) error {
	r.calls++
	return r.err
}

func TestMulti(t *testing.T) {
	ok := &recordingNotifier{}
	failing := &recordingNotifier{err: errors.New("broker down")}

	err := Multi{ok, nil, failing, Nop{}}.RecordingUploaded(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, 1, failing.calls)

	assert.NoError(t, Multi{ok}.RecordingUploaded(context.Background(), testMessage()))
}
