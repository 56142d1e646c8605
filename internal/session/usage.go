// Package session owns the lifecycle of a billable session: escrow at
// start, heartbeats while live, settlement or refund at the end.
package session

import (
	"time"

	"github.com/crosslogic/session-billing/internal/billing"
	"github.com/crosslogic/session-billing/internal/liveness"
)

// Status is the lifecycle state of a usage.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusDisputed  Status = "DISPUTED"
)

// Open reports whether the session is still live.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusPaused
}

// Usage is the metered record of one session between a payer and a payee.
type Usage struct {
	ID            string `json:"id"`
	ResourceID    string `json:"resource_id"`
	PayerID       string `json:"payer_id"`
	PayeeID       string `json:"payee_id"`
	RatePerMinute int64  `json:"rate_per_minute"`
	MaxMinutes    int64  `json:"max_minutes"`
	EscrowAmount  int64  `json:"escrow_amount"`
	// ExternalRef is the escrow hold ref, which doubles as the lock idempotency key.
	ExternalRef string `json:"external_ref"`
	Status      Status `json:"status"`

	liveness.Record

	QualityRating *int          `json:"quality_rating,omitempty"`
	Bill          *billing.Bill `json:"bill,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Version       int64         `json:"version"`
}

// Clone returns a deep copy of u.
func (u *Usage) Clone() *Usage {
	out := *u
	out.Record = u.Record.Clone()
	if u.QualityRating != nil {
		r := *u.QualityRating
		out.QualityRating = &r
	}
	if u.Bill != nil {
		bill := *u.Bill
		bill.Billing.Tiers = append([]billing.Tier(nil), u.Bill.Billing.Tiers...)
		if u.Bill.Rating != nil {
			r := *u.Bill.Rating
			bill.Rating = &r
		}
		out.Bill = &bill
	}
	return &out
}

// IsParticipant reports whether userID is the payer or the payee.
func (u *Usage) IsParticipant(userID string) bool {
	return userID != "" && (userID == u.PayerID || userID == u.PayeeID)
}
