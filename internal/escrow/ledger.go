package escrow

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/crosslogic/session-billing/pkg/apperr"
	"github.com/crosslogic/session-billing/pkg/clock"
	"github.com/crosslogic/session-billing/pkg/metrics"
	"go.uber.org/zap"
)

// Ledger is the escrow adapter used by the session machine. It turns each
// operation into one Store commit and maps store failures onto apperr codes.
type Ledger struct {
	store           Store
	clock           clock.Clock
	logger          *zap.Logger
	platformAccount string
}

// NewLedger creates a ledger. Platform fees are credited to platformAccount.
func NewLedger(store Store, clk clock.Clock, logger *zap.Logger, platformAccount string) *Ledger {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:           store,
		clock:           clk,
		logger:          logger,
		platformAccount: platformAccount,
	}
}

// PlatformAccount is the account platform fees are credited to.
func (l *Ledger) PlatformAccount() string {
	return l.platformAccount
}

// LockResult is the outcome of Lock.
type LockResult struct {
	Hold             *Hold
	AlreadyProcessed bool
}

// SettleRequest describes how a hold is split at settlement.
type SettleRequest struct {
	HoldRef      string
	RefundAmount int64
	PayeeID      string
	PayoutAmount int64
	PlatformFee  int64
	// Receipt is stored with the commit and returned verbatim on replay.
	Receipt json.RawMessage
}

// SettlementResult is the outcome of Settle or RefundFull.
type SettlementResult struct {
	Hold             *Hold
	Record           *Record
	AlreadyProcessed bool
}

// Lock reserves amount from payerID. The hold ref is key, so a retried
// lock with the same key and arguments returns the original hold. Reusing
// the key for another payer or amount is INVALID_INPUT.
func (l *Ledger) Lock(ctx context.Context, payerID string, amount int64, key string) (*LockResult, error) {
	if payerID == "" || key == "" {
		return nil, apperr.InvalidInput("payer id and idempotency key are required")
	}
	if amount <= 0 {
		return nil, apperr.InvalidInput("hold amount must be positive, got %d", amount)
	}

	now := l.clock.Now()
	c := &Commit{
		Key:       key,
		Operation: OpLock,
		HoldRef:   key,
		Postings:  []Posting{{AccountID: payerID, Delta: -amount}},
		NewHold: &Hold{
			Ref:       key,
			PayerID:   payerID,
			Amount:    amount,
			Status:    HoldLocked,
			CreatedAt: now,
		},
		CreatedAt: now,
	}

	_, replayed, err := l.commit(ctx, c)
	if err != nil {
		return nil, err
	}
	hold, err := l.Hold(ctx, key)
	if err != nil {
		return nil, err
	}
	if replayed && (hold.PayerID != payerID || hold.Amount != amount) {
		l.logger.Warn("lock key reused with different arguments",
			zap.String("key", key),
			zap.String("payer_id", payerID),
			zap.Int64("amount", amount),
			zap.Int64("original_amount", hold.Amount),
		)
		return nil, apperr.InvalidInput("idempotency key %s was used for a different hold", key).
			WithDetail("original_payer_id", hold.PayerID).
			WithDetail("original_amount", hold.Amount).
			WithDetail("requested_payer_id", payerID).
			WithDetail("requested_amount", amount)
	}
	return &LockResult{Hold: hold, AlreadyProcessed: replayed}, nil
}

// Settle resolves a LOCKED hold in one commit: refund to the payer, payout
// to the payee and fee to the platform account. The three must add up to
// the hold amount.
func (l *Ledger) Settle(ctx context.Context, req SettleRequest) (*SettlementResult, error) {
	if req.HoldRef == "" || req.PayeeID == "" {
		return nil, apperr.InvalidInput("hold ref and payee id are required")
	}
	if req.RefundAmount < 0 || req.PayoutAmount < 0 || req.PlatformFee < 0 {
		return nil, apperr.InvalidInput("settlement amounts must be non-negative")
	}

	key := req.HoldRef + ":settle"
	if rec, err := l.store.Record(ctx, key); err != nil {
		return nil, l.storeError("settle", req.HoldRef, err)
	} else if rec != nil {
		return l.replayed(ctx, "settle", rec)
	}

	hold, err := l.Hold(ctx, req.HoldRef)
	if err != nil {
		return nil, err
	}
	if total := req.RefundAmount + req.PayoutAmount + req.PlatformFee; total != hold.Amount {
		return nil, apperr.InvalidInput("settlement of %d does not match hold amount %d", total, hold.Amount).
			WithDetail("hold_ref", hold.Ref)
	}

	postings := make([]Posting, 0, 3)
	if req.RefundAmount > 0 {
		postings = append(postings, Posting{AccountID: hold.PayerID, Delta: req.RefundAmount})
	}
	if req.PayoutAmount > 0 {
		postings = append(postings, Posting{AccountID: req.PayeeID, Delta: req.PayoutAmount})
	}
	if req.PlatformFee > 0 {
		postings = append(postings, Posting{AccountID: l.platformAccount, Delta: req.PlatformFee})
	}

	c := &Commit{
		Key:       key,
		Operation: OpSettle,
		HoldRef:   hold.Ref,
		Postings:  postings,
		Resolve: &Resolution{
			Status:         HoldSettled,
			RefundedAmount: req.RefundAmount,
			PayeeID:        req.PayeeID,
			PayoutAmount:   req.PayoutAmount,
			FeeAmount:      req.PlatformFee,
		},
		Receipt:   req.Receipt,
		CreatedAt: l.clock.Now(),
	}
	return l.resolve(ctx, c)
}

// RefundFull returns the whole hold to the payer.
func (l *Ledger) RefundFull(ctx context.Context, holdRef string) (*SettlementResult, error) {
	if holdRef == "" {
		return nil, apperr.InvalidInput("hold ref is required")
	}

	key := holdRef + ":refund"
	if rec, err := l.store.Record(ctx, key); err != nil {
		return nil, l.storeError("refund", holdRef, err)
	} else if rec != nil {
		return l.replayed(ctx, "refund", rec)
	}

	hold, err := l.Hold(ctx, holdRef)
	if err != nil {
		return nil, err
	}
	c := &Commit{
		Key:       key,
		Operation: OpRefund,
		HoldRef:   hold.Ref,
		Postings:  []Posting{{AccountID: hold.PayerID, Delta: hold.Amount}},
		Resolve: &Resolution{
			Status:         HoldRefunded,
			RefundedAmount: hold.Amount,
		},
		CreatedAt: l.clock.Now(),
	}
	return l.resolve(ctx, c)
}

// Credit adds funds to an account, for wallet top-ups and manual adjustments.
// It reports whether key had already been applied.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64, key string) (bool, error) {
	if accountID == "" || key == "" {
		return false, apperr.InvalidInput("account id and reference are required")
	}
	if amount <= 0 {
		return false, apperr.InvalidInput("credit amount must be positive, got %d", amount)
	}
	_, replayed, err := l.commit(ctx, &Commit{
		Key:       key,
		Operation: OpCredit,
		Postings:  []Posting{{AccountID: accountID, Delta: amount}},
		CreatedAt: l.clock.Now(),
	})
	return replayed, err
}

// Balance returns the spendable balance of accountID.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	balance, err := l.store.Balance(ctx, accountID)
	if err != nil {
		return 0, l.storeError("balance", accountID, err)
	}
	return balance, nil
}

// Hold returns the hold with the given ref.
func (l *Ledger) Hold(ctx context.Context, ref string) (*Hold, error) {
	hold, err := l.store.Hold(ctx, ref)
	if err != nil {
		return nil, l.storeError("hold", ref, err)
	}
	return hold, nil
}

func (l *Ledger) resolve(ctx context.Context, c *Commit) (*SettlementResult, error) {
	rec, replayed, err := l.commit(ctx, c)
	if err != nil {
		return nil, err
	}
	hold, err := l.Hold(ctx, c.HoldRef)
	if err != nil {
		return nil, err
	}
	return &SettlementResult{Hold: hold, Record: rec, AlreadyProcessed: replayed}, nil
}

func (l *Ledger) replayed(ctx context.Context, operation string, rec *Record) (*SettlementResult, error) {
	metrics.RecordLedgerOperation(operation, "replayed")
	hold, err := l.Hold(ctx, rec.HoldRef)
	if err != nil {
		return nil, err
	}
	return &SettlementResult{Hold: hold, Record: rec, AlreadyProcessed: true}, nil
}

func (l *Ledger) commit(ctx context.Context, c *Commit) (*Record, bool, error) {
	op := string(c.Operation)
	rec, replayed, err := l.store.Commit(ctx, c)
	if err != nil {
		return nil, false, l.storeError(op, c.HoldRef, err)
	}
	if replayed {
		metrics.RecordLedgerOperation(op, "replayed")
		l.logger.Debug("ledger operation already processed",
			zap.String("key", c.Key),
			zap.String("operation", op),
		)
	} else {
		metrics.RecordLedgerOperation(op, "applied")
		l.logger.Info("ledger operation applied",
			zap.String("key", c.Key),
			zap.String("operation", op),
			zap.Int("postings", len(c.Postings)),
		)
	}
	return rec, replayed, nil
}

// storeError maps store failures onto the error taxonomy.
func (l *Ledger) storeError(operation, ref string, err error) error {
	var (
		funds *InsufficientFundsError
		state *HoldStateError
	)
	switch {
	case errors.As(err, &funds):
		metrics.RecordLedgerOperation(operation, "rejected")
		return apperr.InsufficientFunds(funds.AccountID, funds.Required, funds.Available)
	case errors.As(err, &state):
		metrics.RecordLedgerOperation(operation, "rejected")
		status := string(state.Status)
		if status == "" {
			status = "already locked"
		}
		return apperr.InvalidState(operation+" escrow hold", status).WithDetail("hold_ref", state.Ref)
	case errors.Is(err, ErrHoldNotFound):
		return apperr.NotFound("escrow hold", ref)
	default:
		metrics.RecordLedgerOperation(operation, "failed")
		l.logger.Error("ledger store failure",
			zap.String("operation", operation),
			zap.String("ref", ref),
			zap.Error(err),
		)
		return apperr.LedgerUnavailable(operation, err)
	}
}
