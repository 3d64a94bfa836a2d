package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"dropgate/internal/config"
)

// webhookNotifier posts events as JSON to the configured endpoint with basic
// auth. When notifications are disabled every call is a logged no-op.
type webhookNotifier struct {
	config *config.NotificationConfig
	client *http.Client
	logger *zap.Logger
}

func NewWebhookNotifier(cfg *config.Config, logger *zap.Logger) Notifier {
	return &webhookNotifier{
		config: &cfg.Notifications,
		client: &http.Client{
			Timeout: cfg.Notifications.Timeout,
		},
		logger: logger,
	}
}

func (n *webhookNotifier) RefreshFailed(ctx context.Context, event *RefreshFailedEvent) error {
	return n.post(ctx, "token_refresh_failed", event)
}

func (n *webhookNotifier) ConnectionRestored(ctx context.Context, event *ConnectionRestoredEvent) error {
	return n.post(ctx, "connection_restored", event)
}

func (n *webhookNotifier) UploadFailed(ctx context.Context, event *UploadFailedEvent) error {
	return n.post(ctx, "upload_failed", event)
}

func (n *webhookNotifier) EscalateToAdmin(ctx context.Context, event *AdminEscalationEvent) error {
	return n.post(ctx, "admin_escalation", event)
}

type envelope struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

func (n *webhookNotifier) post(ctx context.Context, event string, payload interface{}) error {
	if !n.config.Enabled || n.config.WebhookURL == "" {
		n.logger.Debug("Notifications disabled, skipping",
			zap.String("event", event),
		)
		return nil
	}

	body, err := json.Marshal(envelope{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.config.Username != "" {
		req.SetBasicAuth(n.config.Username, n.config.Password)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}

	n.logger.Info("Notification delivered",
		zap.String("event", event),
	)

	return nil
}
