package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const serviceKeyHeader = "X-Recording-Service-Key"

// WebhookConfig configures a WebhookNotifier
type WebhookConfig struct {
	URL        string
	ServiceKey string
	Timeout    time.Duration
}

// WebhookNotifier POSTs the message as JSON to a downstream service
type WebhookNotifier struct {
	url        string
	serviceKey string
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWebhookNotifier returns nil when no URL is configured; a nil notifier
// is a no-op
func NewWebhookNotifier(cfg WebhookConfig, logger *zap.Logger) *WebhookNotifier {
	if cfg.URL == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookNotifier{
		url:        strings.TrimRight(cfg.URL, "/"),
		serviceKey: cfg.ServiceKey,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (w *WebhookNotifier) RecordingUploaded(ctx context.Context, msg Message) error {
	if w == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.serviceKey != "" {
		req.Header.Set(serviceKeyHeader, w.serviceKey)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		w.logger.Debug("Webhook delivered", zap.String("session_id", msg.SessionID), zap.Int("status", resp.StatusCode))
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("webhook failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(data)))
}
