package billing

import (
	"fmt"
	"strings"
	"time"
)

// BillStatusSettled is the only status a Bill is ever issued with.
const BillStatusSettled = "SETTLED"

// Timing describes how a session's billable duration was derived.
type Timing struct {
	JoinTime          time.Time `json:"join_time"`
	LeaveTime         time.Time `json:"leave_time"`
	WallClockSeconds  int64     `json:"wall_clock_seconds"`
	DisconnectSeconds int64     `json:"disconnect_seconds"`
	BillableSeconds   int64     `json:"billable_seconds"`
	BillableMinutes   int64     `json:"billable_minutes"`
	Disconnections    int       `json:"disconnections"`
}

// Charges is the money section of a Bill.
type Charges struct {
	RatePerMinute     int64  `json:"rate_per_minute"`
	Tiers             []Tier `json:"tiers"`
	Subtotal          int64  `json:"subtotal"`
	QualityAdjustment int64  `json:"quality_adjustment"`
	FinalCharge       int64  `json:"final_charge"`
	PlatformFee       int64  `json:"platform_fee"`
	PayeeEarning      int64  `json:"payee_earning"`
	PayerRefund       int64  `json:"payer_refund"`
	EscrowAmount      int64  `json:"escrow_amount"`
}

// Bill is the final, human-readable settlement of a session. Once issued it
// is frozen and replayed verbatim.
type Bill struct {
	InvoiceID  string    `json:"invoice_id"`
	UsageID    string    `json:"usage_id"`
	ResourceID string    `json:"resource_id"`
	PayerID    string    `json:"payer_id"`
	PayeeID    string    `json:"payee_id"`
	Timing     Timing    `json:"timing"`
	Billing    Charges   `json:"billing"`
	Rating     *int      `json:"rating,omitempty"`
	Status     string    `json:"status"`
	SettledAt  time.Time `json:"settled_at"`
}

// BillInput carries everything the reporter needs to assemble a Bill.
type BillInput struct {
	InvoiceID         string
	UsageID           string
	ResourceID        string
	PayerID           string
	PayeeID           string
	JoinTime          time.Time
	LeaveTime         time.Time
	WallClockSeconds  int64
	DisconnectSeconds int64
	Disconnections    int
	Breakdown         *Breakdown
	Settlement        Settlement
	SettledAt         time.Time
}

// NewBill assembles a Bill from calculator output and the ledger split.
func NewBill(in BillInput) *Bill {
	tiers := make([]Tier, len(in.Breakdown.Tiers))
	copy(tiers, in.Breakdown.Tiers)

	return &Bill{
		InvoiceID:  in.InvoiceID,
		UsageID:    in.UsageID,
		ResourceID: in.ResourceID,
		PayerID:    in.PayerID,
		PayeeID:    in.PayeeID,
		Timing: Timing{
			JoinTime:          in.JoinTime.UTC(),
			LeaveTime:         in.LeaveTime.UTC(),
			WallClockSeconds:  in.WallClockSeconds,
			DisconnectSeconds: in.DisconnectSeconds,
			BillableSeconds:   in.Breakdown.BillableSeconds,
			BillableMinutes:   in.Breakdown.BillableMinutes,
			Disconnections:    in.Disconnections,
		},
		Billing: Charges{
			RatePerMinute:     in.Breakdown.RatePerMinute,
			Tiers:             tiers,
			Subtotal:          in.Breakdown.Subtotal,
			QualityAdjustment: in.Breakdown.QualityAdjustment,
			FinalCharge:       in.Settlement.FinalCharge,
			PlatformFee:       in.Settlement.PlatformFee,
			PayeeEarning:      in.Settlement.PayeeEarning,
			PayerRefund:       in.Settlement.PayerRefund,
			EscrowAmount:      in.Settlement.EscrowAmount,
		},
		Rating:    copyRating(in.Breakdown.Rating),
		Status:    BillStatusSettled,
		SettledAt: in.SettledAt.UTC(),
	}
}

// Summary renders the bill as plain text for receipts and notifications.
func (b *Bill) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Invoice %s\n", b.InvoiceID)
	fmt.Fprintf(&sb, "Session %s (%s)\n", b.UsageID, b.ResourceID)
	fmt.Fprintf(&sb, "Duration: %s billed of %s on the clock (%d disconnection(s), %s not billed)\n",
		FormatSeconds(b.Timing.BillableSeconds),
		FormatSeconds(b.Timing.WallClockSeconds),
		b.Timing.Disconnections,
		FormatSeconds(b.Timing.DisconnectSeconds),
	)
	for _, tier := range b.Billing.Tiers {
		fmt.Fprintf(&sb, "  %-40s %3d min x %s = %s\n",
			tier.Label, tier.Minutes, FormatMinorUnits(tier.RatePerMinute), FormatMinorUnits(tier.Amount))
	}
	fmt.Fprintf(&sb, "Subtotal:           %s\n", FormatMinorUnits(b.Billing.Subtotal))
	if b.Billing.QualityAdjustment != 0 {
		fmt.Fprintf(&sb, "Quality adjustment: %s\n", FormatMinorUnits(b.Billing.QualityAdjustment))
	}
	fmt.Fprintf(&sb, "Total charged:      %s\n", FormatMinorUnits(b.Billing.FinalCharge))
	fmt.Fprintf(&sb, "Platform fee:       %s\n", FormatMinorUnits(b.Billing.PlatformFee))
	fmt.Fprintf(&sb, "Payee earning:      %s\n", FormatMinorUnits(b.Billing.PayeeEarning))
	fmt.Fprintf(&sb, "Refunded to payer:  %s of %s held\n",
		FormatMinorUnits(b.Billing.PayerRefund), FormatMinorUnits(b.Billing.EscrowAmount))
	return sb.String()
}

// FormatMinorUnits formats an amount in cents as dollars.
func FormatMinorUnits(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s$%d.%02d", sign, amount/100, amount%100)
}

// FormatSeconds formats a duration in whole seconds as 1h02m03s / 4m05s / 6s.
func FormatSeconds(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h, m, s := seconds/3600, (seconds%3600)/60, seconds%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
