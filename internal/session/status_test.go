package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)

	tests := []struct {
		name string
		rec  *Record
		want Status
	}{
		{"nil record", nil, StatusInvalid},
		{"active not expired", &Record{Status: StatusActive, ExpiresAt: future}, StatusActive},
		{"stale active past expiry", &Record{Status: StatusActive, ExpiresAt: past}, StatusExpired},
		{"uploading past expiry", &Record{Status: StatusUploading, ExpiresAt: past}, StatusExpired},
		{"removed wins over expiry", &Record{Status: StatusRemoved, ExpiresAt: past}, StatusRemoved},
		{"no expiry set", &Record{Status: StatusProcessing}, StatusProcessing},
		{"unknown stored status", &Record{Status: "weird", ExpiresAt: future}, StatusInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.rec, testNow))
		})
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range AllStatuses {
		want := s == StatusCompleted || s == StatusExpired || s == StatusRemoved || s == StatusFailed
		assert.Equal(t, want, s.IsTerminal(), s)
		assert.NotEmpty(t, StatusMessage(s))
	}
}

func TestUpdate_Apply(t *testing.T) {
	rec := &Record{
		SessionID:     "s",
		Status:        StatusActive,
		RecordingData: RecordingData{MimeType: "video/webm", FileSize: 10},
		Error:         &Failure{Code: "old"},
	}

	Update{
		Status:         StatusUploading,
		UploadProgress: Int(40),
		ChunksUploaded: Int(4),
		ClearError:     true,
	}.Apply(rec, testNow)

	assert.Equal(t, StatusUploading, rec.Status)
	assert.Equal(t, 40, rec.RecordingData.UploadProgress)
	assert.Equal(t, 4, rec.RecordingData.ChunksUploaded)
	assert.Equal(t, int64(10), rec.RecordingData.FileSize)
	assert.Equal(t, "video/webm", rec.RecordingData.MimeType)
	assert.Nil(t, rec.Error)
	assert.Equal(t, testNow, rec.UpdatedAt)

	Update{Status: StatusFailed, Error: &Failure{Code: "upload-network-error", Retryable: true, RetryCount: 3}}.Apply(rec, testNow)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "upload-network-error", rec.Error.Code)
	assert.Equal(t, 40, rec.RecordingData.UploadProgress)
}

func TestUpdate_Empty(t *testing.T) {
	assert.True(t, Update{}.Empty())
	assert.False(t, Update{UploadProgress: Int(0)}.Empty())
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Update(ctx, "missing", Update{Status: StatusFailed}), ErrNotFound)

	store.Put(Record{SessionID: "s1", Status: StatusActive, StoragePaths: []string{"a"}})
	require.NoError(t, store.Update(ctx, "s1", Update{Status: StatusUploading}))

	rec, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusUploading, rec.Status)

	rec.StoragePaths[0] = "mutated"
	again, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "a", again.StoragePaths[0])
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (*Record, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) Update(context.Context, string, Update) error {
	return errors.New("connection refused")
}

func TestValidator_Check(t *testing.T) {
	ctx := context.Background()
	clock := func() time.Time { return testNow }
	raw := ID{RandomPrefix: "r", PromptID: "p", UserID: "u", StorytellerID: "s", Timestamp: testNow.Add(-time.Hour).UnixMilli()}.String()

	t.Run("invalid format", func(t *testing.T) {
		v := NewValidator(NewMemoryStore(), clock, nil)
		res, err := v.Check(ctx, "nope")
		assert.Equal(t, KindInvalidFormat, KindOf(err))
		assert.Equal(t, StatusInvalid, res.Status)
		assert.NotEmpty(t, res.Message)
	})

	t.Run("not found", func(t *testing.T) {
		v := NewValidator(NewMemoryStore(), clock, nil)
		_, err := v.Check(ctx, raw)
		assert.Equal(t, KindNotFound, KindOf(err))
	})

	t.Run("store unavailable", func(t *testing.T) {
		v := NewValidator(failingStore{}, clock, nil)
		_, err := v.Check(ctx, raw)
		assert.Equal(t, KindUnavailable, KindOf(err))
	})

	t.Run("lazy expiry overrides stale active", func(t *testing.T) {
		store := NewMemoryStore()
		store.Put(Record{SessionID: raw, Status: StatusActive, ExpiresAt: testNow.Add(-time.Minute)})
		v := NewValidator(store, clock, nil)

		res, err := v.Check(ctx, raw)
		assert.Equal(t, KindExpired, KindOf(err))
		assert.Equal(t, StatusExpired, res.Status)
		assert.True(t, strings.Contains(res.Message, "expired"))
	})

	t.Run("removed", func(t *testing.T) {
		store := NewMemoryStore()
		store.Put(Record{SessionID: raw, Status: StatusRemoved, ExpiresAt: testNow.Add(-time.Minute)})
		_, err := NewValidator(store, clock, nil).Check(ctx, raw)
		assert.Equal(t, KindRemoved, KindOf(err))
	})

	t.Run("already completed", func(t *testing.T) {
		store := NewMemoryStore()
		store.Put(Record{SessionID: raw, Status: StatusCompleted, ExpiresAt: testNow.Add(time.Hour)})
		_, err := NewValidator(store, clock, nil).Check(ctx, raw)
		assert.Equal(t, KindCompleted, KindOf(err))
	})

	t.Run("active", func(t *testing.T) {
		store := NewMemoryStore()
		store.Put(Record{SessionID: raw, Status: StatusActive, ExpiresAt: testNow.Add(time.Hour), QuestionText: "Tell me about your first job"})
		res, err := NewValidator(store, clock, nil).Check(ctx, raw)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, res.Status)
		assert.Equal(t, "p", res.ID.PromptID)
		assert.Equal(t, "Tell me about your first job", res.Record.QuestionText)
	})
}
