package billing

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/session-billing/pkg/cache"
	"github.com/crosslogic/session-billing/pkg/events"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const testSecret = "whsec_test_secret"

type credit struct {
	account string
	amount  int64
	key     string
}

type fakeCrediter struct {
	mu      sync.Mutex
	credits []credit
	seen    map[string]bool
	err     error
}

func (f *fakeCrediter) Credit(_ context.Context, account string, amount int64, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[key] {
		return true, nil
	}
	f.seen[key] = true
	f.credits = append(f.credits, credit{account, amount, key})
	return false, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func paymentEvent(eventID, eventType, intentID string, amount int64, account string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"object": "event",
		"api_version": "2023-10-16",
		"type": %q,
		"data": {"object": {
			"id": %q,
			"object": "payment_intent",
			"amount": %d,
			"amount_received": %d,
			"currency": "usd",
			"metadata": {"account_id": %q},
			"last_payment_error": {"code": "card_declined", "message": "Your card was declined."}
		}}
	}`, eventID, eventType, intentID, amount, amount, account))
}

func post(t *testing.T, h *WebhookHandler, payload []byte, signature string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	w := httptest.NewRecorder()
	h.HandleWebhook(w, req)
	return w.Code
}

func TestWebhookHandler_HandleWebhook_SignatureVerification(t *testing.T) {
	handler := NewWebhookHandler(testSecret, &fakeCrediter{}, nil, zap.NewNop(), nil)
	valid := []byte(`{"id": "evt_123", "object": "event", "api_version": "2023-10-16"}`)

	tests := []struct {
		name           string
		payload        []byte
		signature      string
		expectedStatus int
	}{
		{name: "No signature", payload: []byte(`{}`), expectedStatus: http.StatusBadRequest},
		{name: "Invalid signature", payload: []byte(`{}`), signature: "t=123,v1=invalid", expectedStatus: http.StatusBadRequest},
		{name: "Wrong secret", payload: valid, signature: generateSignature(t, valid, "whsec_other"), expectedStatus: http.StatusBadRequest},
		{name: "Valid signature, unknown type", payload: valid, signature: generateSignature(t, valid, testSecret), expectedStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedStatus, post(t, handler, tt.payload, tt.signature))
		})
	}
}

func TestWebhookHandler_PaymentSucceededCreditsWallet(t *testing.T) {
	ledger := &fakeCrediter{}
	pub := &capturePublisher{}
	handler := NewWebhookHandler(testSecret, ledger, nil, zap.NewNop(), pub)

	payload := paymentEvent("evt_1", "payment_intent.succeeded", "pi_1", 5_000, "student-1")
	require.Equal(t, http.StatusOK, post(t, handler, payload, generateSignature(t, payload, testSecret)))

	require.Len(t, ledger.credits, 1)
	assert.Equal(t, credit{"student-1", 5_000, "stripe:pi_1"}, ledger.credits[0])
	require.Len(t, pub.events, 1)
	assert.Equal(t, events.EventWalletCredited, pub.events[0].Type)
	assert.Equal(t, "student-1", pub.events[0].Subject)

	// Same delivery again is acknowledged without a second credit.
	require.Equal(t, http.StatusOK, post(t, handler, payload, generateSignature(t, payload, testSecret)))
	assert.Len(t, ledger.credits, 1)

	// A new event for the same intent reaches the ledger, which dedupes by key.
	again := paymentEvent("evt_2", "payment_intent.succeeded", "pi_1", 5_000, "student-1")
	require.Equal(t, http.StatusOK, post(t, handler, again, generateSignature(t, again, testSecret)))
	assert.Len(t, ledger.credits, 1)
	assert.Len(t, pub.events, 1)
}

func TestWebhookHandler_MissingAccountIsIgnored(t *testing.T) {
	ledger := &fakeCrediter{}
	handler := NewWebhookHandler(testSecret, ledger, nil, zap.NewNop(), nil)

	payload := paymentEvent("evt_1", "payment_intent.succeeded", "pi_1", 5_000, "")
	assert.Equal(t, http.StatusOK, post(t, handler, payload, generateSignature(t, payload, testSecret)))
	assert.Empty(t, ledger.credits)
}

func TestWebhookHandler_ForeignCurrencyIsIgnored(t *testing.T) {
	ledger := &fakeCrediter{}
	pub := &capturePublisher{}
	handler := NewWebhookHandler(testSecret, ledger, nil, zap.NewNop(), pub)

	payload := bytes.Replace(paymentEvent("evt_1", "payment_intent.succeeded", "pi_1", 5_000, "student-1"),
		[]byte(`"currency": "usd"`), []byte(`"currency": "jpy"`), 1)
	assert.Equal(t, http.StatusOK, post(t, handler, payload, generateSignature(t, payload, testSecret)))
	assert.Empty(t, ledger.credits)
	assert.Empty(t, pub.events)

	eur := NewWebhookHandler(testSecret, ledger, nil, zap.NewNop(), pub).WithCurrency("EUR")
	usd := paymentEvent("evt_2", "payment_intent.succeeded", "pi_2", 5_000, "student-1")
	assert.Equal(t, http.StatusOK, post(t, eur, usd, generateSignature(t, usd, testSecret)))
	assert.Empty(t, ledger.credits)

	euro := bytes.Replace(paymentEvent("evt_3", "payment_intent.succeeded", "pi_3", 5_000, "student-1"),
		[]byte(`"currency": "usd"`), []byte(`"currency": "eur"`), 1)
	assert.Equal(t, http.StatusOK, post(t, eur, euro, generateSignature(t, euro, testSecret)))
	require.Len(t, ledger.credits, 1)
	assert.Equal(t, credit{"student-1", 5_000, "stripe:pi_3"}, ledger.credits[0])
}

func TestWebhookHandler_LedgerFailureReleasesReservation(t *testing.T) {
	ledger := &fakeCrediter{err: errors.New("ledger unavailable")}
	handler := NewWebhookHandler(testSecret, ledger, nil, zap.NewNop(), nil)

	payload := paymentEvent("evt_1", "payment_intent.succeeded", "pi_1", 5_000, "student-1")
	assert.Equal(t, http.StatusInternalServerError, post(t, handler, payload, generateSignature(t, payload, testSecret)))

	handler.mu.Lock()
	_, held := handler.processedEvents["evt_1"]
	handler.mu.Unlock()
	assert.False(t, held)

	ledger.err = nil
	assert.Equal(t, http.StatusOK, post(t, handler, payload, generateSignature(t, payload, testSecret)))
	assert.Len(t, ledger.credits, 1)
}

func TestWebhookHandler_PaymentFailedPublishes(t *testing.T) {
	pub := &capturePublisher{}
	ledger := &fakeCrediter{}
	handler := NewWebhookHandler(testSecret, ledger, nil, zap.NewNop(), pub)

	payload := paymentEvent("evt_9", "payment_intent.payment_failed", "pi_9", 2_500, "student-1")
	require.Equal(t, http.StatusOK, post(t, handler, payload, generateSignature(t, payload, testSecret)))

	assert.Empty(t, ledger.credits)
	require.Len(t, pub.events, 1)
	assert.Equal(t, events.EventPaymentFailed, pub.events[0].Type)
	assert.Equal(t, "card_declined", pub.events[0].Payload["failure_code"])
}

func TestWebhookHandler_RedisReservation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ledger := &fakeCrediter{}
	handler := NewWebhookHandler(testSecret, ledger, cache.NewFromClient(client), zap.NewNop(), nil)

	payload := paymentEvent("evt_r", "payment_intent.succeeded", "pi_r", 1_000, "student-2")
	require.Equal(t, http.StatusOK, post(t, handler, payload, generateSignature(t, payload, testSecret)))

	got, err := mr.Get("webhooks:stripe:evt_r")
	require.NoError(t, err)
	assert.Equal(t, "processed", got)

	require.Equal(t, http.StatusOK, post(t, handler, payload, generateSignature(t, payload, testSecret)))
	assert.Len(t, ledger.credits, 1)
}

func generateSignature(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	now := time.Now().Unix()
	signature := webhook.ComputeSignature(time.Unix(now, 0), payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", now, hex.EncodeToString(signature))
}
