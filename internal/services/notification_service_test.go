package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/alert"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
)

func testNotification() *job.NotificationJob {
	return &job.NotificationJob{
		AlertID:     "alert-1",
		DeviceID:    "router-1",
		RuleID:      "down-critical",
		Severity:    alert.SeverityCritical,
		Action:      job.ActionTriggered,
		Message:     "router-1 is down",
		TriggeredAt: epoch,
	}
}

func TestWebhookNotifier_SignsPayload(t *testing.T) {
	var received webhookPayload
	var signature, event string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(body, &received))
		signature = r.Header.Get("X-Fleetpulse-Signature")
		event = r.Header.Get("X-Fleetpulse-Event")
		assert.Equal(t, signPayload(body, "s3cret"), signature)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, "s3cret", nil)
	require.NoError(t, n.Notify(context.Background(), testNotification()))

	assert.Equal(t, "alert.triggered", event)
	assert.Equal(t, "alert.triggered", received.Event)
	assert.Equal(t, "alert-1", received.AlertID)
	assert.Contains(t, signature, "sha256=")
	assert.True(t, received.TriggeredAt.Equal(epoch))
}

func TestWebhookNotifier_NoSecret(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Fleetpulse-Signature"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	require.NoError(t, NewWebhookNotifier(server.URL, "", nil).Notify(context.Background(), testNotification()))
}

func TestWebhookNotifier_Retries(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantErr   bool
		wantCalls int64
	}{
		{name: "server error then success", statuses: []int{http.StatusBadGateway, http.StatusOK}, wantErr: false, wantCalls: 2},
		{name: "client error is permanent", statuses: []int{http.StatusBadRequest}, wantErr: true, wantCalls: 1},
		{name: "rate limited is retried", statuses: []int{http.StatusTooManyRequests, http.StatusAccepted}, wantErr: false, wantCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int64
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				i := int(calls.Add(1)) - 1
				status := tt.statuses[len(tt.statuses)-1]
				if i < len(tt.statuses) {
					status = tt.statuses[i]
				}
				w.WriteHeader(status)
			}))
			defer server.Close()

			err := NewWebhookNotifier(server.URL, "", nil).Notify(context.Background(), testNotification())
			if (err != nil) != tt.wantErr {
				t.Errorf("Notify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("Notify() calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

type recordingNotifier struct {
	got []*job.NotificationJob
	err error
}

func (n *recordingNotifier) Notify(_ context.Context, j *job.NotificationJob) error {
	n.got = append(n.got, j)
	return n.err
}

func TestNotificationService_HandleNotification(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := NewNotificationService(notifier, nil)

	env, err := job.NewEnvelope(testNotification(), 7, epoch)
	require.NoError(t, err)
	require.NoError(t, svc.HandleNotification(context.Background(), env, testNotification()))
	require.Len(t, notifier.got, 1)

	notifier.err = assert.AnError
	assert.ErrorIs(t, svc.HandleNotification(context.Background(), env, testNotification()), assert.AnError)

	assert.ErrorIs(t, svc.HandleNotification(context.Background(), env, &job.MaintenanceJob{Task: job.TaskRecoverInflight}), job.ErrInvalidJob)
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, NewLogNotifier(nil).Notify(context.Background(), testNotification()))
}
