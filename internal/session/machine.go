package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/session-billing/internal/billing"
	"github.com/crosslogic/session-billing/internal/escrow"
	"github.com/crosslogic/session-billing/internal/liveness"
	"github.com/crosslogic/session-billing/pkg/apperr"
	"github.com/crosslogic/session-billing/pkg/clock"
	"github.com/crosslogic/session-billing/pkg/events"
	"github.com/crosslogic/session-billing/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger is the subset of escrow.Ledger the machine needs.
type Ledger interface {
	Lock(ctx context.Context, payerID string, amount int64, key string) (*escrow.LockResult, error)
	Settle(ctx context.Context, req escrow.SettleRequest) (*escrow.SettlementResult, error)
	RefundFull(ctx context.Context, holdRef string) (*escrow.SettlementResult, error)
}

// Publisher receives lifecycle events. events.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Config holds the billing policy applied by the machine.
type Config struct {
	DefaultRatePerMinute int64
	DefaultMaxMinutes    int64
	PlatformFeeBps       int64
	// CancelGraceSeconds bounds how much billable time a participant may
	// accumulate and still cancel for a full refund.
	CancelGraceSeconds int64
	Liveness           liveness.Config
}

// DefaultConfig mirrors the stock marketplace policy: 100 cents/minute,
// 60 minute cap, 15% platform fee.
func DefaultConfig() Config {
	return Config{
		DefaultRatePerMinute: 100,
		DefaultMaxMinutes:    60,
		PlatformFeeBps:       1_500,
		CancelGraceSeconds:   60,
		Liveness:             liveness.DefaultConfig(),
	}
}

// Machine drives usages through ACTIVE, PAUSED, COMPLETED, CANCELLED and
// DISPUTED. It has no timers; every transition is caused by a caller.
type Machine struct {
	cfg       Config
	repo      Repository
	ledger    Ledger
	tracker   *liveness.Tracker
	locker    Locker
	publisher Publisher
	clock     clock.Clock
	logger    *zap.Logger
}

// NewMachine wires a machine. A nil locker defaults to an in-process
// KeyedMutex and a nil publisher drops events.
func NewMachine(cfg Config, repo Repository, ledger Ledger, locker Locker, publisher Publisher, clk clock.Clock, logger *zap.Logger) *Machine {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		cfg:       cfg,
		repo:      repo,
		ledger:    ledger,
		tracker:   liveness.NewTracker(cfg.Liveness),
		locker:    locker,
		publisher: publisher,
		clock:     clk,
		logger:    logger,
	}
}

// Tracker exposes the effective liveness thresholds.
func (m *Machine) Tracker() *liveness.Tracker {
	return m.tracker
}

// StartRequest opens a session.
type StartRequest struct {
	ResourceID    string
	PayerID       string
	PayeeID       string
	RatePerMinute int64
	MaxMinutes    int64
	// IdempotencyKey is optional; when set it becomes part of the escrow hold ref.
	IdempotencyKey string
}

// Start locks escrow for the full session cap and opens an ACTIVE usage. If
// the resource already has an open usage for the same payer it is returned
// with replayed set. An idempotency key names exactly one hold, so reusing
// it for another resource, rate or cap is rejected.
func (m *Machine) Start(ctx context.Context, req StartRequest) (*Usage, bool, error) {
	if req.ResourceID == "" || req.PayerID == "" || req.PayeeID == "" {
		return nil, false, apperr.InvalidInput("resource_id, payer_id and payee_id are required")
	}
	if req.PayerID == req.PayeeID {
		return nil, false, apperr.InvalidInput("payer and payee must differ")
	}
	if req.RatePerMinute == 0 {
		req.RatePerMinute = m.cfg.DefaultRatePerMinute
	}
	if req.MaxMinutes == 0 {
		req.MaxMinutes = m.cfg.DefaultMaxMinutes
	}
	if req.RatePerMinute <= 0 {
		return nil, false, apperr.InvalidInput("rate_per_minute must be positive, got %d", req.RatePerMinute)
	}
	if req.MaxMinutes <= 0 {
		return nil, false, apperr.InvalidInput("max_minutes must be positive, got %d", req.MaxMinutes)
	}
	if err := billing.ValidateWindow(req.RatePerMinute, req.MaxMinutes); err != nil {
		return nil, false, err
	}

	release, err := m.acquire(ctx, req.ResourceID)
	if err != nil {
		return nil, false, err
	}
	defer release()

	existing, err := m.repo.FindOpenByResource(ctx, req.ResourceID)
	if err != nil {
		return nil, false, m.repoError("start", req.ResourceID, err)
	}
	if existing != nil {
		if existing.PayerID != req.PayerID {
			return nil, false, apperr.InvalidState("start session", string(existing.Status)).
				WithDetail("resource_id", req.ResourceID)
		}
		return existing, true, nil
	}

	now := m.clock.Now()
	id := uuid.NewString()
	ref := "hold:" + id
	if req.IdempotencyKey != "" {
		ref = fmt.Sprintf("start:%s:%s", req.PayerID, req.IdempotencyKey)
		owner, err := m.repo.FindByExternalRef(ctx, ref)
		if err != nil {
			return nil, false, m.repoError("start", req.ResourceID, err)
		}
		if owner != nil {
			// An open owner on this resource was returned above.
			return nil, false, apperr.InvalidState("start session", string(owner.Status)).
				WithDetail("hold_ref", ref).
				WithDetail("usage_id", owner.ID).
				WithDetail("resource_id", owner.ResourceID)
		}
	}

	escrowAmount := req.RatePerMinute * req.MaxMinutes
	lock, err := m.ledger.Lock(ctx, req.PayerID, escrowAmount, ref)
	if err != nil {
		return nil, false, err
	}
	if lock.Hold.Status != escrow.HoldLocked {
		// The key was used for a session that has since been resolved.
		return nil, false, apperr.InvalidState("start session", "escrow hold "+string(lock.Hold.Status)).
			WithDetail("hold_ref", ref)
	}

	u := &Usage{
		ID:            id,
		ResourceID:    req.ResourceID,
		PayerID:       req.PayerID,
		PayeeID:       req.PayeeID,
		RatePerMinute: req.RatePerMinute,
		MaxMinutes:    req.MaxMinutes,
		EscrowAmount:  lock.Hold.Amount,
		ExternalRef:   ref,
		Status:        StatusActive,
		Record:        m.tracker.Start(now),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.repo.Create(ctx, u); err != nil {
		// A replayed hold may already fund another usage; only release holds
		// locked by this call.
		if !lock.AlreadyProcessed {
			if _, refundErr := m.ledger.RefundFull(ctx, ref); refundErr != nil {
				m.logger.Error("failed to release escrow after session create failure",
					zap.String("hold_ref", ref),
					zap.Error(refundErr),
				)
			}
		}
		return nil, false, m.repoError("start", req.ResourceID, err)
	}

	metrics.RecordTransition("start", string(StatusActive))
	metrics.SessionsOpen.Inc()
	m.logger.Info("session started",
		zap.String("usage_id", u.ID),
		zap.String("resource_id", u.ResourceID),
		zap.String("payer_id", u.PayerID),
		zap.String("payee_id", u.PayeeID),
		zap.Int64("escrow_amount", u.EscrowAmount),
	)
	m.publish(ctx, events.EventEscrowLocked, u, map[string]interface{}{
		"hold_ref": ref,
		"amount":   u.EscrowAmount,
	})
	m.publish(ctx, events.EventSessionStarted, u, map[string]interface{}{
		"rate_per_minute": u.RatePerMinute,
		"max_minutes":     u.MaxMinutes,
	})
	return u, false, nil
}

// HeartbeatResult is the live cost view returned for each heartbeat.
type HeartbeatResult struct {
	BillableMinutes int64  `json:"billable_minutes"`
	CurrentCost     int64  `json:"current_cost"`
	MaxCost         int64  `json:"max_cost"`
	Stale           bool   `json:"stale"`
	Status          Status `json:"status"`
}

// Heartbeat records participant liveness. Only ACTIVE usages accept
// heartbeats; heartbeats not newer than the last one are acknowledged and
// not applied.
func (m *Machine) Heartbeat(ctx context.Context, usageID string, declared liveness.HeartbeatStatus) (*HeartbeatResult, error) {
	if declared == "" {
		declared = liveness.HeartbeatActive
	}
	if !declared.Valid() {
		return nil, apperr.InvalidInput("unknown heartbeat status %q", declared)
	}

	u, release, err := m.loadLocked(ctx, usageID)
	if err != nil {
		return nil, err
	}
	defer release()

	if u.Status != StatusActive {
		return nil, apperr.InvalidState("heartbeat", string(u.Status))
	}

	now := m.clock.Now()
	rec, outcome := m.tracker.RecordHeartbeat(u.Record, now, declared)
	if outcome.Stale {
		metrics.Heartbeats.WithLabelValues("stale").Inc()
		m.logger.Debug("stale heartbeat ignored",
			zap.String("usage_id", u.ID),
			zap.Time("last_heartbeat", u.LastHeartbeat),
		)
		return m.liveCost(u, now, true)
	}

	u.Record = rec
	u.UpdatedAt = now
	if err := m.repo.Update(ctx, u); err != nil {
		return nil, m.repoError("heartbeat", u.ID, err)
	}

	if outcome.Disconnection != nil {
		metrics.Heartbeats.WithLabelValues("disconnection").Inc()
		m.logger.Info("disconnection recorded",
			zap.String("usage_id", u.ID),
			zap.Int64("gap_seconds", outcome.Disconnection.DurationSeconds),
			zap.Int64("billed_seconds_removed", outcome.BilledDisconnectSeconds),
		)
	} else {
		metrics.Heartbeats.WithLabelValues("applied").Inc()
	}
	return m.liveCost(u, now, false)
}

func (m *Machine) liveCost(u *Usage, now time.Time, stale bool) (*HeartbeatResult, error) {
	b, err := billing.ComputeBreakdown(liveness.BillableSeconds(u.Record, now), u.RatePerMinute, nil)
	if err != nil {
		return nil, err
	}
	cost := b.FinalAmount
	if cost > u.EscrowAmount {
		cost = u.EscrowAmount
	}
	return &HeartbeatResult{
		BillableMinutes: b.BillableMinutes,
		CurrentCost:     cost,
		MaxCost:         u.EscrowAmount,
		Stale:           stale,
		Status:          u.Status,
	}, nil
}

// Pause moves an ACTIVE usage to PAUSED. The gap before the pause is
// accounted for like a heartbeat; paused time stays on the wall clock.
func (m *Machine) Pause(ctx context.Context, usageID string) (*Usage, error) {
	u, release, err := m.loadLocked(ctx, usageID)
	if err != nil {
		return nil, err
	}
	defer release()

	if u.Status != StatusActive {
		return nil, apperr.InvalidTransition("pause", string(u.Status))
	}
	now := m.clock.Now()
	rec, outcome := m.tracker.RecordHeartbeat(u.Record, now, liveness.HeartbeatPaused)
	if outcome.Stale {
		rec = m.tracker.Mark(u.Record, now, liveness.HeartbeatPaused, false)
	}
	u.Record = rec
	return m.transition(ctx, u, "pause", StatusPaused, now, events.EventSessionPaused)
}

// Resume moves a PAUSED usage back to ACTIVE. The paused interval never
// counts as a disconnection.
func (m *Machine) Resume(ctx context.Context, usageID string) (*Usage, error) {
	u, release, err := m.loadLocked(ctx, usageID)
	if err != nil {
		return nil, err
	}
	defer release()

	if u.Status != StatusPaused {
		return nil, apperr.InvalidTransition("resume", string(u.Status))
	}
	now := m.clock.Now()
	u.Record = m.tracker.Mark(u.Record, now, liveness.HeartbeatActive, true)
	return m.transition(ctx, u, "resume", StatusActive, now, events.EventSessionResumed)
}

func (m *Machine) transition(ctx context.Context, u *Usage, op string, to Status, now time.Time, evt events.EventType) (*Usage, error) {
	from := u.Status
	u.Status = to
	u.UpdatedAt = now
	if err := m.repo.Update(ctx, u); err != nil {
		return nil, m.repoError(op, u.ID, err)
	}
	metrics.RecordTransition(op, string(to))
	m.logger.Info("session transition",
		zap.String("usage_id", u.ID),
		zap.String("operation", op),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	m.publish(ctx, evt, u, nil)
	return u, nil
}

// End settles an ACTIVE or PAUSED usage: billable time is frozen, the charge
// computed and capped at escrow, and the hold split between payer, payee
// and platform in one ledger commit. Ending a COMPLETED or DISPUTED usage
// returns the stored bill with replayed set and moves no money.
func (m *Machine) End(ctx context.Context, usageID string, rating *int) (*billing.Bill, bool, error) {
	if err := billing.ValidateRating(rating); err != nil {
		return nil, false, err
	}

	u, release, err := m.loadLocked(ctx, usageID)
	if err != nil {
		return nil, false, err
	}
	defer release()

	switch u.Status {
	case StatusCompleted, StatusDisputed:
		if u.Bill == nil {
			return nil, false, apperr.New(apperr.CodeInternal, "completed session has no bill").WithDetail("usage_id", u.ID)
		}
		return u.Bill, true, nil
	case StatusCancelled:
		return nil, false, apperr.InvalidTransition("end", string(u.Status))
	}

	now := m.clock.Now()
	frozen := u.Record.Clone()
	frozen.LeaveTime = &now
	billable := liveness.BillableSeconds(frozen, now)

	breakdown, err := billing.ComputeBreakdown(billable, u.RatePerMinute, rating)
	if err != nil {
		return nil, false, err
	}
	split, err := billing.Split(breakdown.FinalAmount, u.EscrowAmount, m.cfg.PlatformFeeBps)
	if err != nil {
		return nil, false, err
	}
	bill := billing.NewBill(billing.BillInput{
		InvoiceID:         uuid.NewString(),
		UsageID:           u.ID,
		ResourceID:        u.ResourceID,
		PayerID:           u.PayerID,
		PayeeID:           u.PayeeID,
		JoinTime:          u.JoinTime,
		LeaveTime:         now,
		WallClockSeconds:  liveness.WallClockSeconds(frozen, now),
		DisconnectSeconds: frozen.TotalDisconnectSeconds,
		Disconnections:    len(frozen.Disconnections),
		Breakdown:         breakdown,
		Settlement:        split,
		SettledAt:         now,
	})
	receipt, err := json.Marshal(bill)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.CodeInternal, "failed to encode bill", err)
	}

	res, err := m.ledger.Settle(ctx, escrow.SettleRequest{
		HoldRef:      u.ExternalRef,
		RefundAmount: split.PayerRefund,
		PayeeID:      u.PayeeID,
		PayoutAmount: split.PayeeEarning,
		PlatformFee:  split.PlatformFee,
		Receipt:      receipt,
	})
	if err != nil {
		m.logger.Warn("settlement failed, session left open",
			zap.String("usage_id", u.ID),
			zap.Error(err),
		)
		return nil, false, err
	}

	replayed := res.AlreadyProcessed
	if replayed {
		// An earlier attempt settled the hold but never recorded the usage.
		recovered, err := billFromReceipt(res.Record)
		if err != nil {
			return nil, false, err
		}
		bill = recovered
		now = bill.Timing.LeaveTime
		rating = bill.Rating
		m.logger.Warn("recovered bill from ledger receipt",
			zap.String("usage_id", u.ID),
			zap.String("invoice_id", bill.InvoiceID),
		)
	}

	leave := now
	u.Status = StatusCompleted
	u.LeaveTime = &leave
	u.QualityRating = rating
	u.Bill = bill
	u.UpdatedAt = m.clock.Now()
	if err := m.repo.Update(ctx, u); err != nil {
		// The hold is settled; a retry recovers the bill from the receipt.
		m.logger.Error("settled session could not be persisted",
			zap.String("usage_id", u.ID),
			zap.String("invoice_id", bill.InvoiceID),
			zap.Error(err),
		)
		return nil, false, m.repoError("end", u.ID, err)
	}

	metrics.RecordTransition("end", string(StatusCompleted))
	metrics.SessionsOpen.Dec()
	if !replayed {
		metrics.RecordSettlement(bill.Timing.BillableMinutes, bill.Billing.PayeeEarning, bill.Billing.PlatformFee, bill.Billing.PayerRefund)
	}
	m.logger.Info("session settled",
		zap.String("usage_id", u.ID),
		zap.String("invoice_id", bill.InvoiceID),
		zap.Int64("billable_minutes", bill.Timing.BillableMinutes),
		zap.Int64("final_charge", bill.Billing.FinalCharge),
		zap.Int64("payer_refund", bill.Billing.PayerRefund),
	)
	m.publish(ctx, events.EventSessionEnded, u, map[string]interface{}{
		"invoice_id":       bill.InvoiceID,
		"billable_minutes": bill.Timing.BillableMinutes,
		"final_charge":     bill.Billing.FinalCharge,
		"summary":          bill.Summary(),
	})
	m.publish(ctx, events.EventEscrowSettled, u, map[string]interface{}{
		"hold_ref":      u.ExternalRef,
		"payee_earning": bill.Billing.PayeeEarning,
		"platform_fee":  bill.Billing.PlatformFee,
		"payer_refund":  bill.Billing.PayerRefund,
	})
	return bill, replayed, nil
}

func billFromReceipt(rec *escrow.Record) (*billing.Bill, error) {
	if rec == nil || len(rec.Receipt) == 0 {
		return nil, apperr.New(apperr.CodeInternal, "settled hold has no receipt")
	}
	var bill billing.Bill
	if err := json.Unmarshal(rec.Receipt, &bill); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to decode settlement receipt", err)
	}
	return &bill, nil
}

// Cancel refunds the whole escrow and closes the usage. Without override it
// is only allowed while billable time is within the cancel grace window.
// Cancelling a CANCELLED usage returns it unchanged.
func (m *Machine) Cancel(ctx context.Context, usageID string, override bool) (*Usage, error) {
	u, release, err := m.loadLocked(ctx, usageID)
	if err != nil {
		return nil, err
	}
	defer release()

	switch u.Status {
	case StatusCancelled:
		return u, nil
	case StatusCompleted, StatusDisputed:
		return nil, apperr.InvalidTransition("cancel", string(u.Status))
	}

	now := m.clock.Now()
	billable := liveness.BillableSeconds(u.Record, now)
	if !override && billable > m.cfg.CancelGraceSeconds {
		return nil, apperr.InvalidTransition("cancel", string(u.Status)).
			WithDetail("billable_seconds", billable).
			WithDetail("cancel_grace_seconds", m.cfg.CancelGraceSeconds)
	}

	if _, err := m.ledger.RefundFull(ctx, u.ExternalRef); err != nil {
		return nil, err
	}

	leave := now
	u.LeaveTime = &leave
	u, err = m.transition(ctx, u, "cancel", StatusCancelled, now, events.EventSessionCancelled)
	if err != nil {
		return nil, err
	}
	metrics.SessionsOpen.Dec()
	m.publish(ctx, events.EventEscrowRefunded, u, map[string]interface{}{
		"hold_ref": u.ExternalRef,
		"amount":   u.EscrowAmount,
		"override": override,
	})
	return u, nil
}

// Dispute flags a COMPLETED usage for review. Money does not move.
func (m *Machine) Dispute(ctx context.Context, usageID string) (*Usage, error) {
	u, release, err := m.loadLocked(ctx, usageID)
	if err != nil {
		return nil, err
	}
	defer release()

	switch u.Status {
	case StatusDisputed:
		return u, nil
	case StatusCompleted:
	default:
		return nil, apperr.InvalidTransition("dispute", string(u.Status))
	}
	return m.transition(ctx, u, "dispute", StatusDisputed, m.clock.Now(), events.EventSessionDisputed)
}

// EscrowView is how much of the hold is spoken for.
type EscrowView struct {
	Locked    int64 `json:"locked"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
}

// StatusView is the read model returned by Status.
type StatusView struct {
	UsageID         string             `json:"usage_id"`
	Status          Status             `json:"status"`
	BillableSeconds int64              `json:"billable_seconds"`
	BillableMinutes int64              `json:"billable_minutes"`
	Billing         *billing.Breakdown `json:"billing"`
	Escrow          EscrowView         `json:"escrow"`
}

// Status reports the live or frozen cost of a usage.
func (m *Machine) Status(ctx context.Context, usageID string) (*StatusView, error) {
	u, err := m.Get(ctx, usageID)
	if err != nil {
		return nil, err
	}
	view := &StatusView{
		UsageID: u.ID,
		Status:  u.Status,
		Escrow:  EscrowView{Locked: u.EscrowAmount, Remaining: u.EscrowAmount},
	}

	switch {
	case u.Bill != nil:
		b := u.Bill
		view.BillableSeconds = b.Timing.BillableSeconds
		view.BillableMinutes = b.Timing.BillableMinutes
		view.Billing = &billing.Breakdown{
			BillableSeconds:   b.Timing.BillableSeconds,
			BillableMinutes:   b.Timing.BillableMinutes,
			RatePerMinute:     b.Billing.RatePerMinute,
			Tiers:             append([]billing.Tier(nil), b.Billing.Tiers...),
			Subtotal:          b.Billing.Subtotal,
			QualityAdjustment: b.Billing.QualityAdjustment,
			FinalAmount:       b.Billing.FinalCharge,
			Rating:            b.Rating,
		}
		view.Escrow.Used = b.Billing.FinalCharge
		view.Escrow.Remaining = b.Billing.PayerRefund
	case u.Status == StatusCancelled:
		view.BillableSeconds = liveness.BillableSeconds(u.Record, m.clock.Now())
		view.BillableMinutes = (view.BillableSeconds + 59) / 60
	default:
		seconds := liveness.BillableSeconds(u.Record, m.clock.Now())
		b, err := billing.ComputeBreakdown(seconds, u.RatePerMinute, nil)
		if err != nil {
			return nil, err
		}
		used := b.FinalAmount
		if used > u.EscrowAmount {
			used = u.EscrowAmount
		}
		view.BillableSeconds = seconds
		view.BillableMinutes = b.BillableMinutes
		view.Billing = b
		view.Escrow.Used = used
		view.Escrow.Remaining = u.EscrowAmount - used
	}
	return view, nil
}

// Get returns a usage by id.
func (m *Machine) Get(ctx context.Context, usageID string) (*Usage, error) {
	u, err := m.repo.Get(ctx, usageID)
	if err != nil {
		return nil, m.repoError("get", usageID, err)
	}
	return u, nil
}

// ListOpen returns every ACTIVE or PAUSED usage.
func (m *Machine) ListOpen(ctx context.Context) ([]*Usage, error) {
	out, err := m.repo.ListOpen(ctx)
	if err != nil {
		return nil, m.repoError("list", "", err)
	}
	return out, nil
}

// loadLocked resolves the usage's resource, takes its lock and reloads the
// usage so the caller sees the latest committed state.
func (m *Machine) loadLocked(ctx context.Context, usageID string) (*Usage, func(), error) {
	if usageID == "" {
		return nil, nil, apperr.InvalidInput("usage id is required")
	}
	u, err := m.Get(ctx, usageID)
	if err != nil {
		return nil, nil, err
	}
	release, err := m.acquire(ctx, u.ResourceID)
	if err != nil {
		return nil, nil, err
	}
	u, err = m.Get(ctx, usageID)
	if err != nil {
		release()
		return nil, nil, err
	}
	return u, release, nil
}

func (m *Machine) acquire(ctx context.Context, resourceID string) (func(), error) {
	release, err := m.locker.Acquire(ctx, "session:"+resourceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to acquire session lock", err).
			WithDetail("resource_id", resourceID)
	}
	return release, nil
}

func (m *Machine) repoError(operation, id string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return apperr.NotFound("session", id)
	case errors.Is(err, ErrOpenSessionExists):
		return apperr.InvalidState(operation, "resource already has an open session").WithDetail("resource_id", id)
	case errors.Is(err, ErrExternalRefInUse):
		return apperr.InvalidState(operation, "escrow hold belongs to another session").WithDetail("resource_id", id)
	case errors.Is(err, ErrVersionConflict):
		return apperr.Wrap(apperr.CodeInvalidState, "session was modified concurrently", err).WithDetail("usage_id", id)
	default:
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return appErr
		}
		m.logger.Error("session repository failure",
			zap.String("operation", operation),
			zap.String("id", id),
			zap.Error(err),
		)
		return apperr.Wrap(apperr.CodeInternal, "session store failure", err)
	}
}

func (m *Machine) publish(ctx context.Context, eventType events.EventType, u *Usage, extra map[string]interface{}) {
	if m.publisher == nil {
		return
	}
	payload := map[string]interface{}{
		"usage_id":    u.ID,
		"resource_id": u.ResourceID,
		"payer_id":    u.PayerID,
		"payee_id":    u.PayeeID,
		"status":      string(u.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := m.publisher.Publish(ctx, events.NewEvent(eventType, u.ID, payload)); err != nil {
		m.logger.Error("failed to publish session event",
			zap.String("event_type", string(eventType)),
			zap.String("usage_id", u.ID),
			zap.Error(err),
		)
	}
}
