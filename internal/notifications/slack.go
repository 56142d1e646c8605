package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/crosslogic/session-billing/internal/billing"
	"github.com/crosslogic/session-billing/pkg/events"
	"go.uber.org/zap"
)

// SlackAdapter sends operator notifications to Slack via webhooks
type SlackAdapter struct {
	webhookURL string
	channel    string
	client     *http.Client
	logger     *zap.Logger
}

// SlackWebhookPayload represents a Slack webhook message
type SlackWebhookPayload struct {
	Channel  string       `json:"channel,omitempty"`
	Username string       `json:"username,omitempty"`
	Blocks   []SlackBlock `json:"blocks,omitempty"`
	Text     string       `json:"text,omitempty"` // Fallback text
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type   string            `json:"type"`
	Text   *SlackTextObject  `json:"text,omitempty"`
	Fields []SlackTextObject `json:"fields,omitempty"`
}

// SlackTextObject represents a text object in Slack
type SlackTextObject struct {
	Type  string `json:"type"` // "plain_text" or "mrkdwn"
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// NewSlackAdapter creates a new Slack notification adapter
func NewSlackAdapter(webhookURL, channel string, logger *zap.Logger) *SlackAdapter {
	return &SlackAdapter{
		webhookURL: webhookURL,
		channel:    channel,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Send sends a notification to Slack
func (s *SlackAdapter) Send(ctx context.Context, event events.Event) error {
	payload := SlackWebhookPayload{
		Channel:  s.channel,
		Username: "Session Billing",
		Blocks:   s.formatEvent(event),
		Text:     fmt.Sprintf("Event: %s", event.Type),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	return nil
}

func (s *SlackAdapter) formatEvent(event events.Event) []SlackBlock {
	switch event.Type {
	case events.EventSessionEnded:
		return s.formatSessionEnded(event)
	case events.EventSessionDisputed:
		return s.formatDisputed(event)
	case events.EventPaymentFailed:
		return s.formatPaymentFailed(event)
	case events.EventWalletCredited:
		return s.formatWalletCredited(event)
	default:
		return s.formatGeneric(event)
	}
}

func header(text string) SlackBlock {
	return SlackBlock{
		Type: "header",
		Text: &SlackTextObject{Type: "plain_text", Text: text, Emoji: true},
	}
}

func timestampContext(event events.Event) SlackBlock {
	return SlackBlock{
		Type: "context",
		Fields: []SlackTextObject{
			{Type: "mrkdwn", Text: fmt.Sprintf("<!date^%d^{date_num} {time_secs}|%s>", event.Timestamp.Unix(), event.Timestamp.Format(time.RFC3339))},
		},
	}
}

func (s *SlackAdapter) formatSessionEnded(event events.Event) []SlackBlock {
	blocks := []SlackBlock{
		header("✅ Session Completed"),
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Usage:*\n`%s`", event.Subject)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Invoice:*\n%s", getStringField(event.Payload, "invoice_id"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Billable minutes:*\n%d", getIntField(event.Payload, "billable_minutes"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Charge:*\n%s", billing.FormatMinorUnits(getIntField(event.Payload, "final_charge")))},
			},
		},
	}
	if summary := getStringField(event.Payload, "summary"); summary != "" {
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackTextObject{Type: "mrkdwn", Text: "```" + summary + "```"},
		})
	}
	return append(blocks, timestampContext(event))
}

func (s *SlackAdapter) formatDisputed(event events.Event) []SlackBlock {
	return []SlackBlock{
		header("⚠️ Session Disputed"),
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Usage:*\n`%s`", event.Subject)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Resource:*\n`%s`", getStringField(event.Payload, "resource_id"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Payer:*\n`%s`", getStringField(event.Payload, "payer_id"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Payee:*\n`%s`", getStringField(event.Payload, "payee_id"))},
			},
		},
		timestampContext(event),
	}
}

func (s *SlackAdapter) formatPaymentFailed(event events.Event) []SlackBlock {
	return []SlackBlock{
		header("❌ Wallet Top-up Failed"),
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Account:*\n`%s`", getStringField(event.Payload, "account_id"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Amount:*\n%s", billing.FormatMinorUnits(getIntField(event.Payload, "amount")))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Payment ID:*\n`%s`", getStringField(event.Payload, "stripe_payment_id"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Reason:*\n%s", getStringField(event.Payload, "failure_message"))},
			},
		},
		timestampContext(event),
	}
}

func (s *SlackAdapter) formatWalletCredited(event events.Event) []SlackBlock {
	return []SlackBlock{
		header("💰 Wallet Credited"),
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Account:*\n`%s`", getStringField(event.Payload, "account_id"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Amount:*\n%s", billing.FormatMinorUnits(getIntField(event.Payload, "amount")))},
			},
		},
		timestampContext(event),
	}
}

func (s *SlackAdapter) formatGeneric(event events.Event) []SlackBlock {
	return []SlackBlock{
		header(fmt.Sprintf("📬 Event: %s", event.Type)),
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Event ID:*\n`%s`", event.ID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Subject:*\n`%s`", event.Subject)},
			},
		},
	}
}

func getStringField(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// getIntField accepts the numeric kinds a payload picks up either in-process
// or after a JSON round trip.
func getIntField(payload map[string]interface{}, key string) int64 {
	switch v := payload[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}
