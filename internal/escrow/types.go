// Package escrow moves money between payer balances, escrow holds, payee
// earnings and the platform account. Every mutation is a single atomic
// commit keyed by an idempotency key; replaying a key returns the original
// record and never re-applies postings.
package escrow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// HoldStatus is the lifecycle state of an escrow hold.
type HoldStatus string

const (
	HoldLocked   HoldStatus = "LOCKED"
	HoldSettled  HoldStatus = "SETTLED"
	HoldRefunded HoldStatus = "REFUNDED"
)

// Operation names the kind of ledger commit.
type Operation string

const (
	OpLock   Operation = "lock"
	OpSettle Operation = "settle"
	OpRefund Operation = "refund"
	OpCredit Operation = "credit"
)

// Hold is the bookkeeping entry for funds reserved from a payer. The payer
// balance is the only store of value; a hold is resolved exactly once.
type Hold struct {
	Ref            string     `json:"ref"`
	PayerID        string     `json:"payer_id"`
	Amount         int64      `json:"amount"`
	Status         HoldStatus `json:"status"`
	RefundedAmount int64      `json:"refunded_amount"`
	PayeeID        string     `json:"payee_id,omitempty"`
	PayoutAmount   int64      `json:"payout_amount"`
	FeeAmount      int64      `json:"fee_amount"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

func (h *Hold) clone() *Hold {
	if h == nil {
		return nil
	}
	out := *h
	if h.ResolvedAt != nil {
		at := *h.ResolvedAt
		out.ResolvedAt = &at
	}
	return &out
}

// Posting is a signed balance change on one account.
type Posting struct {
	AccountID string `json:"account_id"`
	Delta     int64  `json:"delta"`
}

// Record is the persisted trace of one applied commit. Its presence for a
// key is the "already processed" marker.
type Record struct {
	Key       string          `json:"key"`
	Operation Operation       `json:"operation"`
	HoldRef   string          `json:"hold_ref,omitempty"`
	Postings  []Posting       `json:"postings"`
	Receipt   json.RawMessage `json:"receipt,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Record) clone() *Record {
	out := *r
	out.Postings = append([]Posting(nil), r.Postings...)
	if r.Receipt != nil {
		out.Receipt = append(json.RawMessage(nil), r.Receipt...)
	}
	return &out
}

// Resolution moves a LOCKED hold to a terminal status.
type Resolution struct {
	Status         HoldStatus
	RefundedAmount int64
	PayeeID        string
	PayoutAmount   int64
	FeeAmount      int64
}

// Commit is everything one ledger operation changes. A store applies all of
// it or none of it.
type Commit struct {
	Key       string
	Operation Operation
	HoldRef   string
	Postings  []Posting
	// NewHold is inserted for lock commits.
	NewHold *Hold
	// Resolve transitions the existing hold at HoldRef.
	Resolve   *Resolution
	Receipt   json.RawMessage
	CreatedAt time.Time
}

func (c *Commit) record() *Record {
	return &Record{
		Key:       c.Key,
		Operation: c.Operation,
		HoldRef:   c.HoldRef,
		Postings:  append([]Posting(nil), c.Postings...),
		Receipt:   c.Receipt,
		CreatedAt: c.CreatedAt,
	}
}

// ErrHoldNotFound is returned when a commit resolves a hold that does not exist.
var ErrHoldNotFound = errors.New("escrow hold not found")

// InsufficientFundsError is returned when a posting would drive a balance negative.
type InsufficientFundsError struct {
	AccountID string
	Required  int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("account %s: required %d, available %d", e.AccountID, e.Required, e.Available)
}

// HoldStateError is returned when a hold cannot take the requested transition.
type HoldStateError struct {
	Ref    string
	Status HoldStatus
}

func (e *HoldStateError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("escrow hold %s already exists", e.Ref)
	}
	return fmt.Sprintf("escrow hold %s is %s", e.Ref, e.Status)
}
