package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/crosslogic/session-billing/pkg/cache"
	"github.com/crosslogic/session-billing/pkg/events"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const (
	webhookProcessedTTL  = 24 * time.Hour
	webhookProcessingTTL = 5 * time.Minute

	// metadataAccountID is the PaymentIntent metadata key naming the wallet
	// to credit.
	metadataAccountID = "account_id"

	// DefaultCurrency is the wallet currency when none is configured.
	DefaultCurrency = stripe.CurrencyUSD
)

// Crediter moves top-up money into a wallet. escrow.Ledger satisfies it; the
// key makes repeated credits for the same payment a no-op.
type Crediter interface {
	Credit(ctx context.Context, accountID string, amount int64, key string) (bool, error)
}

// Publisher receives wallet events. events.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// WebhookHandler processes Stripe webhook events for wallet top-ups.
//
// Handled events:
//   - payment_intent.succeeded credits metadata["account_id"] with the
//     received amount, keyed by the PaymentIntent id.
//   - payment_intent.payment_failed publishes payment.failed so the payer
//     can be told.
//
// Wallets hold one currency. Intents in any other currency are logged and
// skipped.
//
// Every request must pass Stripe signature verification. Delivery ids are
// reserved before processing and released on failure, so Stripe's own retry
// gets another attempt while concurrent duplicates are acknowledged without
// work.
type WebhookHandler struct {
	webhookSecret string
	currency      stripe.Currency
	ledger        Crediter
	cache         *cache.Cache
	publisher     Publisher
	logger        *zap.Logger

	// processedEvents is the reservation table when no cache is configured.
	processedEvents map[string]time.Time
	mu              sync.Mutex
}

// NewWebhookHandler creates a Stripe webhook handler. cacheClient and
// publisher may be nil.
func NewWebhookHandler(webhookSecret string, ledger Crediter, cacheClient *cache.Cache, logger *zap.Logger, publisher Publisher) *WebhookHandler {
	return &WebhookHandler{
		webhookSecret:   webhookSecret,
		currency:        DefaultCurrency,
		ledger:          ledger,
		cache:           cacheClient,
		publisher:       publisher,
		logger:          logger,
		processedEvents: make(map[string]time.Time),
	}
}

// WithCurrency sets the wallet currency, an ISO code such as "usd".
func (h *WebhookHandler) WithCurrency(currency string) *WebhookHandler {
	if currency != "" {
		h.currency = stripe.Currency(strings.ToLower(currency))
	}
	return h
}

// HandleWebhook verifies, deduplicates and routes one Stripe event.
//
// Responses: 200 when processed, duplicated or ignored; 400 for an unreadable
// body or bad signature; 500 when processing failed and Stripe should retry.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(body, signature, h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	reserved, err := h.reserveEvent(ctx, event.ID)
	if err != nil {
		h.logger.Error("failed to reserve webhook event",
			zap.Error(err),
			zap.String("event_id", event.ID),
		)
		http.Error(w, "Failed to reserve event", http.StatusInternalServerError)
		return
	}
	if !reserved {
		h.logger.Info("webhook event already in progress or processed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	h.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Time("created", time.Unix(event.Created, 0)),
	)

	var handlerErr error
	switch event.Type {
	case "payment_intent.succeeded":
		handlerErr = h.handlePaymentSucceeded(ctx, event)
	case "payment_intent.payment_failed":
		handlerErr = h.handlePaymentFailed(ctx, event)
	default:
		h.logger.Info("ignoring webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
	}

	h.finalizeEvent(context.WithoutCancel(ctx), event.ID, handlerErr == nil)

	if handlerErr != nil {
		h.logger.Error("webhook event processing failed",
			zap.Error(handlerErr),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handlePaymentSucceeded credits the wallet named in the intent's metadata.
// Intents without an account_id belong to some other flow and are skipped.
func (h *WebhookHandler) handlePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	var paymentIntent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &paymentIntent); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	accountID := paymentIntent.Metadata[metadataAccountID]
	if accountID == "" {
		h.logger.Warn("payment intent has no account_id metadata, skipping",
			zap.String("payment_id", paymentIntent.ID),
		)
		return nil
	}

	if paymentIntent.Currency != h.currency {
		h.logger.Warn("payment intent currency does not match wallet currency, skipping",
			zap.String("payment_id", paymentIntent.ID),
			zap.String("account_id", accountID),
			zap.String("currency", string(paymentIntent.Currency)),
			zap.String("wallet_currency", string(h.currency)),
		)
		return nil
	}

	amount := paymentIntent.AmountReceived
	if amount == 0 {
		amount = paymentIntent.Amount
	}
	if amount <= 0 {
		h.logger.Warn("payment intent has no positive amount, skipping",
			zap.String("payment_id", paymentIntent.ID),
			zap.Int64("amount", amount),
		)
		return nil
	}

	replayed, err := h.ledger.Credit(ctx, accountID, amount, "stripe:"+paymentIntent.ID)
	if err != nil {
		return fmt.Errorf("failed to credit wallet %s: %w", accountID, err)
	}

	h.logger.Info("wallet topped up",
		zap.String("account_id", accountID),
		zap.String("payment_id", paymentIntent.ID),
		zap.Int64("amount", amount),
		zap.String("currency", string(paymentIntent.Currency)),
		zap.Bool("already_processed", replayed),
	)
	if replayed {
		return nil
	}

	h.publish(ctx, events.NewEvent(events.EventWalletCredited, accountID, map[string]interface{}{
		"account_id":        accountID,
		"amount":            amount,
		"currency":          string(paymentIntent.Currency),
		"stripe_payment_id": paymentIntent.ID,
	}))
	return nil
}

// handlePaymentFailed only notifies; no money moved.
func (h *WebhookHandler) handlePaymentFailed(ctx context.Context, event stripe.Event) error {
	var paymentIntent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &paymentIntent); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	failureCode := ""
	failureMessage := ""
	if paymentIntent.LastPaymentError != nil {
		failureCode = string(paymentIntent.LastPaymentError.Code)
		failureMessage = paymentIntent.LastPaymentError.Msg
	}
	accountID := paymentIntent.Metadata[metadataAccountID]

	h.logger.Warn("wallet top-up failed",
		zap.String("account_id", accountID),
		zap.String("payment_id", paymentIntent.ID),
		zap.String("failure_code", failureCode),
		zap.String("failure_message", failureMessage),
	)

	h.publish(ctx, events.NewEvent(events.EventPaymentFailed, accountID, map[string]interface{}{
		"account_id":        accountID,
		"amount":            paymentIntent.Amount,
		"stripe_payment_id": paymentIntent.ID,
		"failure_code":      failureCode,
		"failure_message":   failureMessage,
	}))
	return nil
}

func (h *WebhookHandler) publish(ctx context.Context, evt events.Event) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, evt); err != nil {
		h.logger.Error("failed to publish wallet event",
			zap.String("event_type", string(evt.Type)),
			zap.Error(err),
		)
	}
}

func (h *WebhookHandler) reserveEvent(ctx context.Context, eventID string) (bool, error) {
	if h.cache != nil {
		return h.cache.SetNX(ctx, h.redisKeyForEvent(eventID), "processing", webhookProcessingTTL)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanupExpiredEvents(time.Now())
	if _, exists := h.processedEvents[eventID]; exists {
		return false, nil
	}
	h.processedEvents[eventID] = time.Now()
	return true, nil
}

func (h *WebhookHandler) finalizeEvent(ctx context.Context, eventID string, success bool) {
	if h.cache != nil {
		key := h.redisKeyForEvent(eventID)
		if success {
			if err := h.cache.Set(ctx, key, "processed", webhookProcessedTTL); err != nil {
				h.logger.Warn("failed to persist webhook completion in cache",
					zap.String("event_id", eventID),
					zap.Error(err),
				)
			}
			return
		}
		if err := h.cache.Delete(ctx, key); err != nil {
			h.logger.Warn("failed to release webhook reservation",
				zap.String("event_id", eventID),
				zap.Error(err),
			)
		}
		return
	}

	if !success {
		h.mu.Lock()
		delete(h.processedEvents, eventID)
		h.mu.Unlock()
	}
}

func (h *WebhookHandler) redisKeyForEvent(eventID string) string {
	return fmt.Sprintf("webhooks:stripe:%s", eventID)
}

func (h *WebhookHandler) cleanupExpiredEvents(now time.Time) {
	for id, ts := range h.processedEvents {
		if now.Sub(ts) > webhookProcessedTTL {
			delete(h.processedEvents, id)
		}
	}
}
