package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
)

// Notifier delivers one alert notification
type Notifier interface {
	Notify(ctx context.Context, n *job.NotificationJob) error
}

// NotificationService consumes the alert-critical lane
type NotificationService struct {
	notifier Notifier
	logger   *logger.Logger
}

// NewNotificationService creates a new notification service
func NewNotificationService(notifier Notifier, log *logger.Logger) *NotificationService {
	if log == nil {
		log = logger.Nop()
	}
	return &NotificationService{notifier: notifier, logger: log}
}

// HandleNotification is the router handler of notification jobs
func (s *NotificationService) HandleNotification(ctx context.Context, env *job.Envelope, j job.Job) error {
	n, ok := j.(*job.NotificationJob)
	if !ok {
		return fmt.Errorf("%w: expected notification, got %T", job.ErrInvalidJob, j)
	}

	if err := s.notifier.Notify(ctx, n); err != nil {
		fields := map[string]interface{}{
			"alert_id":  n.AlertID,
			"device_id": n.DeviceID,
			"rule_id":   n.RuleID,
			"action":    n.Action,
		}
		if env != nil {
			fields["job_id"] = env.ID
		}
		s.logger.WithFields(fields).ErrorWithErr(err, "Failed to deliver notification")
		return err
	}
	return nil
}

// LogNotifier writes notifications to the log
type LogNotifier struct {
	logger *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	if log == nil {
		log = logger.Nop()
	}
	return &LogNotifier{logger: log}
}

func (n *LogNotifier) Notify(_ context.Context, j *job.NotificationJob) error {
	n.logger.WithFields(map[string]interface{}{
		"alert_id":  j.AlertID,
		"device_id": j.DeviceID,
		"rule_id":   j.RuleID,
		"severity":  j.Severity,
		"action":    j.Action,
	}).Info(j.Message)
	return nil
}

// webhookPayload is the body posted to the webhook endpoint
type webhookPayload struct {
	Event       string     `json:"event"`
	AlertID     string     `json:"alert_id"`
	DeviceID    string     `json:"device_id"`
	RuleID      string     `json:"rule_id"`
	Severity    string     `json:"severity"`
	Message     string     `json:"message"`
	TriggeredAt time.Time  `json:"triggered_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// WebhookNotifier posts notifications as JSON, signed with HMAC-SHA256 when a
// secret is configured
type WebhookNotifier struct {
	url        string
	secret     string
	retries    uint64
	httpClient *http.Client
	logger     *logger.Logger
}

// NewWebhookNotifier creates a new webhook notifier
func NewWebhookNotifier(url, secret string, log *logger.Logger) *WebhookNotifier {
	if log == nil {
		log = logger.Nop()
	}
	return &WebhookNotifier{
		url:     url,
		secret:  secret,
		retries: 3,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: log,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, j *job.NotificationJob) error {
	payloadJSON, err := json.Marshal(webhookPayload{
		Event:       "alert." + j.Action,
		AlertID:     j.AlertID,
		DeviceID:    j.DeviceID,
		RuleID:      j.RuleID,
		Severity:    j.Severity,
		Message:     j.Message,
		TriggeredAt: j.TriggeredAt,
		ResolvedAt:  j.ResolvedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), n.retries), ctx)
	return backoff.Retry(func() error {
		return n.deliver(ctx, j.Action, payloadJSON)
	}, policy)
}

func (n *WebhookNotifier) deliver(ctx context.Context, action string, payloadJSON []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payloadJSON))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fleetpulse-Event", "alert."+action)
	req.Header.Set("X-Fleetpulse-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	if n.secret != "" {
		req.Header.Set("X-Fleetpulse-Signature", signPayload(payloadJSON, n.secret))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("webhook returned error status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	n.logger.WithFields(map[string]interface{}{
		"event":  "alert." + action,
		"status": resp.StatusCode,
	}).Debug("Webhook delivered")
	return nil
}

// signPayload signs the payload with HMAC-SHA256
func signPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}
