package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loveretold/recording/internal/capture"
	"github.com/loveretold/recording/internal/media"
	"github.com/loveretold/recording/internal/recorder"
	"github.com/loveretold/recording/internal/recording"
	"github.com/loveretold/recording/internal/session"
	"github.com/loveretold/recording/internal/upload"
	"go.uber.org/zap"
)

const stopTimeout = 15 * time.Second

type startRecordingRequest struct {
	SessionID   string `json:"session_id" binding:"required"`
	Kind        string `json:"kind"`
	Progressive bool   `json:"progressive"`
	Layout      string `json:"layout"`
}

type visibilityRequest struct {
	Hidden *bool `json:"hidden" binding:"required"`
}

// errorDetail accompanies classified failures so clients can branch on kind
type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"service_id":        s.cfg.ServiceID,
		"active_recordings": s.recordings.ActiveRecordings(),
	}
	if !s.healthy.Load() {
		body["status"] = "draining"
		serviceUnavailable(c, "service is shutting down", body)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.HealthTimeout)
	defer cancel()
	if err := s.recordings.Health(ctx); err != nil {
		s.logger.Warn("Health check failed", zap.Error(err))
		body["status"] = "unhealthy"
		serviceUnavailable(c, "storage unavailable", body)
		return
	}

	body["status"] = "healthy"
	ok(c, body)
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.recordings.Stats()
	sort.Slice(stats, func(i, j int) bool { return stats[i].StartTime.Before(stats[j].StartTime) })
	ok(c, gin.H{
		"service_id":        s.cfg.ServiceID,
		"active_recordings": s.recordings.ActiveRecordings(),
		"recordings":        stats,
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	res, err := s.validator.Check(c.Request.Context(), c.Param("id"))
	switch session.KindOf(err) {
	case session.KindInvalidFormat:
		if res.Record == nil {
			fail(c, http.StatusBadRequest, res.Message, errorDetail{Kind: string(session.KindInvalidFormat), Message: res.Message})
			return
		}
	case session.KindNotFound:
		fail(c, http.StatusNotFound, res.Message, errorDetail{Kind: string(session.KindNotFound), Message: res.Message})
		return
	case session.KindUnavailable:
		serviceUnavailable(c, res.Message, errorDetail{Kind: string(session.KindUnavailable), Message: res.Message})
		return
	}

	// Expired, removed and completed sessions resolve normally; they are
	// just not recordable.
	ok(c, gin.H{
		"session":    res,
		"recordable": err == nil,
	})
}

func (s *Server) handleListRecordings(c *gin.Context) {
	ids := s.recordings.ListRecordings()
	sort.Strings(ids)
	ok(c, gin.H{"recordings": ids})
}

func (s *Server) handleStartRecording(c *gin.Context) {
	var req startRecordingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "session_id is required")
		return
	}

	kind := media.KindAudio
	if req.Kind != "" {
		k, err := media.ParseKind(req.Kind)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		kind = k
	}
	layout, err := upload.ParseLayout(req.Layout)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	r, err := s.recordings.Start(c.Request.Context(), recording.StartRequest{
		SessionID:   req.SessionID,
		Kind:        kind,
		Progressive: req.Progressive,
		Layout:      layout,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	created(c, r.Stats())
}

func (s *Server) handleGetRecording(c *gin.Context) {
	r, exists := s.recordings.Get(c.Param("id"))
	if !exists {
		notFound(c, "recording not found")
		return
	}
	ok(c, r.Stats())
}

func (s *Server) handleDiscardRecording(c *gin.Context) {
	if err := s.recordings.Discard(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePause(c *gin.Context) {
	s.control(c, s.recordings.Pause)
}

func (s *Server) handleResume(c *gin.Context) {
	s.control(c, s.recordings.Resume)
}

func (s *Server) handleRetry(c *gin.Context) {
	id := c.Param("id")
	if err := s.recordings.Retry(id); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondStats(c, http.StatusAccepted, id)
}

// control applies fn to the session's recording and responds with its stats
func (s *Server) control(c *gin.Context, fn func(string) error) {
	id := c.Param("id")
	if err := fn(id); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondStats(c, http.StatusOK, id)
}

func (s *Server) respondStats(c *gin.Context, status int, id string) {
	r, exists := s.recordings.Get(id)
	if !exists {
		notFound(c, "recording not found")
		return
	}
	if status == http.StatusAccepted {
		accepted(c, r.Stats())
		return
	}
	ok(c, r.Stats())
}

func (s *Server) handleStop(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), stopTimeout)
	defer cancel()

	r, err := s.recordings.Stop(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	// The upload continues after the response; clients follow it through
	// the events stream or by polling the recording.
	accepted(c, r.Stats())
}

func (s *Server) handleVisibility(c *gin.Context) {
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "hidden is required")
		return
	}
	id := c.Param("id")
	if err := s.recordings.SetBackgrounded(id, *req.Hidden); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondStats(c, http.StatusOK, id)
}

func (s *Server) handlePreview(c *gin.Context) {
	blob, err := s.recordings.Preview(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if blob.Size() == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	c.Data(http.StatusOK, blob.MimeType, blob.Data)
}

// writeError maps pipeline errors onto HTTP statuses
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, recording.ErrNotFound):
		notFound(c, "recording not found")
		return
	case errors.Is(err, recording.ErrAlreadyRecording), errors.Is(err, recorder.ErrAlreadyStarted):
		conflict(c, "session is already recording")
		return
	case errors.Is(err, recording.ErrNotRetryable):
		conflict(c, "recording has no retryable upload failure")
		return
	case errors.Is(err, recording.ErrShuttingDown):
		serviceUnavailable(c, "service is shutting down")
		return
	case errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusGatewayTimeout, "request timed out")
		return
	}

	if kind := session.KindOf(err); kind != "" {
		detail := errorDetail{Kind: string(kind), Message: session.UserMessage(err)}
		fail(c, sessionStatus(kind), detail.Message, detail)
		return
	}

	var ce *capture.Error
	if errors.As(err, &ce) {
		fail(c, http.StatusUnprocessableEntity, ce.Message(), errorDetail{Kind: string(ce.Kind), Message: ce.Message()})
		return
	}

	s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	internal(c, "internal error")
}

func sessionStatus(kind session.ErrorKind) int {
	switch kind {
	case session.KindInvalidFormat:
		return http.StatusBadRequest
	case session.KindNotFound:
		return http.StatusNotFound
	case session.KindExpired, session.KindRemoved:
		return http.StatusGone
	case session.KindCompleted:
		return http.StatusConflict
	case session.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
