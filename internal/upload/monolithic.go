package upload

import (
	"context"
	"errors"
	"strconv"

	"github.com/loveretold/recording/internal/media"
	"github.com/loveretold/recording/internal/session"
	"github.com/loveretold/recording/internal/storage"
	"go.uber.org/zap"
)

// Upload stores an assembled recording as a single object. The session is
// marked uploading first, then processing with the final path, or failed
// with a structured error.
func (m *Manager) Upload(ctx context.Context, target Target, blob media.Blob, onProgress ProgressFunc) (*Result, error) {
	sessionID := target.SessionID()
	logger := m.logger.With(zap.String("session_id", sessionID), zap.String("mode", string(ModeMonolithic)))

	if target.MimeType == "" {
		target.MimeType = blob.MimeType
	}
	if len(blob.Data) == 0 {
		uerr := &Error{Kind: KindInvalidFormat, Op: "upload", Err: errors.New("recording is empty")}
		m.markFailed(ctx, sessionID, uerr)
		m.metrics.IncUploads(string(ModeMonolithic), "failed")
		return nil, uerr
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	started := m.clock()
	path := target.FinalPath(started)
	total := blob.Size()

	m.syncStatus(ctx, sessionID, session.Update{
		Status:         session.StatusUploading,
		UploadProgress: session.Int(0),
		FileSize:       session.Int64(total),
		MimeType:       target.MimeType,
		ClearError:     true,
	})

	tracker := newProgressTracker(m.cfg.ProgressStep, onProgress)
	report := func(pct int) {
		if _, persist := tracker.update(pct); persist && pct < 100 {
			m.syncStatus(ctx, sessionID, session.Update{UploadProgress: session.Int(pct)})
		}
	}
	// a retried attempt rereads from zero; the tracker keeps the furthest offset
	onRead := func(offset int64) {
		report(min(percent(offset, total), 99))
	}

	logger.Info("Uploading recording", zap.String("path", path), zap.Int64("bytes", total))

	meta := storage.ObjectMeta{
		ContentType: target.MimeType,
		Metadata: map[string]string{
			"session-id": sessionID,
			"chunks":     strconv.Itoa(blob.Chunks),
		},
	}
	res, err := m.put(ctx, ModeMonolithic, path, blob.Data, meta, onRead)
	if err != nil {
		var uerr *Error
		if !errors.As(err, &uerr) {
			uerr = &Error{Kind: KindUnknown, Op: "upload", Err: err}
		}
		uerr.Op = "upload"
		logger.Error("Recording upload failed",
			zap.String("kind", string(uerr.Kind)),
			zap.Int("attempts", uerr.Attempts),
			zap.Error(uerr.Err))
		m.markFailed(ctx, sessionID, uerr)
		m.metrics.IncUploads(string(ModeMonolithic), "failed")
		return nil, uerr
	}

	report(100)
	result := &Result{
		SessionID: sessionID,
		Mode:      ModeMonolithic,
		Paths:     []string{path},
		Bytes:     total,
		Chunks:    blob.Chunks,
		Attempts:  res.attempts,
		Duration:  m.clock().Sub(started),
	}
	if url, err := m.storage.DownloadURL(ctx, path); err != nil {
		logger.Warn("Could not sign download URL", zap.Error(err))
	} else {
		result.URL = url
	}

	m.syncStatus(ctx, sessionID, session.Update{
		Status:         session.StatusProcessing,
		UploadProgress: session.Int(100),
		FileSize:       session.Int64(total),
		StoragePaths:   result.Paths,
		ClearError:     true,
	})
	m.metrics.IncUploads(string(ModeMonolithic), "success")
	m.metrics.ObserveUploadDuration(string(ModeMonolithic), result.Duration)
	m.announce(ctx, target, result)

	logger.Info("Recording uploaded",
		zap.String("path", path),
		zap.Int("attempts", res.attempts),
		zap.Duration("duration", result.Duration))
	return result, nil
}
