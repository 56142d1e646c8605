package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/crosslogic/session-billing/pkg/events"
	"go.uber.org/zap"
)

const (
	headerSignature = "X-Billing-Signature"
	headerEventType = "X-Billing-Event-Type"
	headerEventID   = "X-Billing-Event-ID"
	headerTimestamp = "X-Billing-Timestamp"
)

// WebhookAdapter delivers events to a generic HTTP endpoint with an HMAC
// signature over the body.
type WebhookAdapter struct {
	url     string
	secret  string
	method  string
	headers map[string]string
	client  *http.Client
	logger  *zap.Logger
}

// WebhookPayload is the body posted to the endpoint.
type WebhookPayload struct {
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	Timestamp  string                 `json:"timestamp"`
	Subject    string                 `json:"subject,omitempty"`
	Recipients []string               `json:"recipients,omitempty"`
	Data       map[string]interface{} `json:"data"`
}

// NewWebhookAdapter creates a new generic webhook adapter
func NewWebhookAdapter(url, secret, method string, headers map[string]string, logger *zap.Logger) *WebhookAdapter {
	return &WebhookAdapter{
		url:     url,
		secret:  secret,
		method:  method,
		headers: headers,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Send posts one event.
func (w *WebhookAdapter) Send(ctx context.Context, event events.Event) error {
	payload := WebhookPayload{
		EventID:    event.ID,
		EventType:  string(event.Type),
		Timestamp:  event.Timestamp.Format(time.RFC3339),
		Subject:    event.Subject,
		Recipients: event.Recipients(),
		Data:       event.Payload,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, w.method, w.url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "session-billing-notifications/1.0")
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}

	req.Header.Set(headerEventType, string(event.Type))
	req.Header.Set(headerEventID, event.ID)
	req.Header.Set(headerTimestamp, event.Timestamp.Format(time.RFC3339))
	if w.secret != "" {
		req.Header.Set(headerSignature, Sign(jsonData, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug("webhook sent",
		zap.String("url", maskURL(w.url)),
		zap.String("event_id", event.ID),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}

// Sign returns the "sha256=<hex>" HMAC of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is the receiver-side check for Sign.
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}
