package services

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pubudusj/spelling-game-backend/internal/logging"
	"github.com/pubudusj/spelling-game-backend/pkg/flow"
)

const defaultNotifyTimeout = 10 * time.Second

// NotifyConfig configures the webhook notification sink.
type NotifyConfig struct {
	// WebhookURL receives failure notifications. Empty disables the sink.
	WebhookURL string
	Timeout    time.Duration
}

// Notification is one failure report delivered to the sink.
type Notification struct {
	Subject  string         `json:"subject"`
	Graph    string         `json:"graph,omitempty"`
	Language string         `json:"language,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
	At       time.Time      `json:"at"`
}

// NotifySink posts failure notifications to a webhook. Delivery is best
// effort from the pipeline's point of view, but errors are returned so the
// calling state can still log them.
type NotifySink struct {
	cfg    NotifyConfig
	client *http.Client
	logger *slog.Logger
}

// NewNotifySink creates a NotifySink.
func NewNotifySink(cfg NotifyConfig, logger *slog.Logger) *NotifySink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultNotifyTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifySink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Enabled reports whether a webhook is configured.
func (s *NotifySink) Enabled() bool {
	return s.cfg.WebhookURL != ""
}

// Notify delivers one notification. With no webhook configured it logs the
// report and returns nil.
func (s *NotifySink) Notify(ctx context.Context, n Notification) error {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}

	if !s.Enabled() {
		logging.LogWith(ctx, s.logger).Warn("failure notification (no webhook configured)",
			slog.String("subject", n.Subject), slog.Any("detail", n.Detail))
		return nil
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return flow.NewError(flow.ErrCodeExecution, "marshal notification").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return flow.NewError(flow.ErrCodeExecution, "build notification request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return flow.NewError(flow.ErrCodeExecution, "notification delivery failed").WithCause(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return flow.NewErrorf(flow.ErrCodeExecution, "notification webhook returned status %d", resp.StatusCode)
	}

	logging.LogWith(ctx, s.logger).Info("failure notification delivered",
		slog.String("subject", n.Subject))
	return nil
}
