package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dropgate/internal/config"
)

func newTestNotifier(url string, enabled bool) Notifier {
	cfg := &config.Config{
		Notifications: config.NotificationConfig{
			Enabled:    enabled,
			WebhookURL: url,
			Username:   "dropgate",
			Password:   "secret",
			Timeout:    5 * time.Second,
		},
	}
	return NewWebhookNotifier(cfg, zap.NewNop())
}

func TestWebhookDeliversEnvelope(t *testing.T) {
	var received envelope
	var gotUser, gotPass string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newTestNotifier(srv.URL, true)

	err := n.RefreshFailed(context.Background(), &RefreshFailedEvent{
		UserID:    7,
		Email:     "employee@example.com",
		Provider:  "google_drive",
		ErrorType: "invalid_refresh_token",
	})
	require.NoError(t, err)

	assert.Equal(t, "token_refresh_failed", received.Event)
	assert.Equal(t, "dropgate", gotUser)
	assert.Equal(t, "secret", gotPass)
	assert.False(t, received.Timestamp.IsZero())
}

func TestWebhookEventNames(t *testing.T) {
	var events []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env envelope
		json.NewDecoder(r.Body).Decode(&env)
		events = append(events, env.Event)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newTestNotifier(srv.URL, true)
	ctx := context.Background()

	require.NoError(t, n.ConnectionRestored(ctx, &ConnectionRestoredEvent{UserID: 1}))
	require.NoError(t, n.UploadFailed(ctx, &UploadFailedEvent{UploadID: 2}))
	require.NoError(t, n.EscalateToAdmin(ctx, &AdminEscalationEvent{UserID: 3}))

	assert.Equal(t, []string{"connection_restored", "upload_failed", "admin_escalation"}, events)
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := newTestNotifier(srv.URL, true)

	err := n.RefreshFailed(context.Background(), &RefreshFailedEvent{UserID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookDisabledIsNoop(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	n := newTestNotifier(srv.URL, false)

	require.NoError(t, n.RefreshFailed(context.Background(), &RefreshFailedEvent{UserID: 1}))
	assert.False(t, called)
}
