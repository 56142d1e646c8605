package billing

import (
	"math"

	"github.com/crosslogic/session-billing/pkg/apperr"
)

// bpsDenominator is the basis-point denominator used for every multiplier.
const bpsDenominator = 10_000

// MaxChargeUnits bounds minutes*ratePerMinute. Every basis-point product and
// its half-up rounding stays within int64 below it.
const MaxChargeUnits = (math.MaxInt64/2 - bpsDenominator) / bpsDenominator

// TierSpec describes one contiguous minute range of the rate schedule.
// Span is the number of minutes in the range; zero means unbounded.
type TierSpec struct {
	Label         string
	Span          int64
	MultiplierBps int64
}

// Schedule is the tiered per-minute schedule applied to every session.
// Minutes 1-10 carry an early-session discount, 11-30 bill at the base
// rate and 31+ carry a loyalty discount.
var Schedule = []TierSpec{
	{Label: "Minutes 1-10 (early session discount)", Span: 10, MultiplierBps: 8_000},
	{Label: "Minutes 11-30 (standard rate)", Span: 20, MultiplierBps: 10_000},
	{Label: "Minutes 31+ (loyalty discount)", Span: 0, MultiplierBps: 9_000},
}

const (
	minRating = 1
	maxRating = 5

	// excellentRating earns a bonus on top of the subtotal.
	excellentRating  = 5
	excellentBonusBp = 500

	// Ratings at or below poorRating reduce the subtotal.
	poorRating    = 2
	poorPenaltyBp = 1_000
)

// Tier is one billed line of a breakdown.
type Tier struct {
	Label         string `json:"label"`
	Minutes       int64  `json:"minutes"`
	RatePerMinute int64  `json:"rate_per_minute"`
	MultiplierBps int64  `json:"multiplier_bps"`
	Amount        int64  `json:"amount"`
}

// Breakdown is the tiered charge for a number of billable seconds. All
// amounts are in minor currency units.
type Breakdown struct {
	BillableSeconds   int64  `json:"billable_seconds"`
	BillableMinutes   int64  `json:"billable_minutes"`
	RatePerMinute     int64  `json:"rate_per_minute"`
	Tiers             []Tier `json:"tiers"`
	Subtotal          int64  `json:"subtotal"`
	QualityAdjustment int64  `json:"quality_adjustment"`
	FinalAmount       int64  `json:"final_amount"`
	Rating            *int   `json:"rating,omitempty"`
}

// ComputeBreakdown prices billableSeconds against Schedule at ratePerMinute,
// applying the optional quality rating. Each tier amount and the quality
// adjustment are rounded half-up to the minor unit before summing, so every
// line can be re-derived on its own. The result is not capped by any escrow.
func ComputeBreakdown(billableSeconds, ratePerMinute int64, rating *int) (*Breakdown, error) {
	if billableSeconds < 0 {
		return nil, apperr.InvalidInput("billable seconds must be non-negative, got %d", billableSeconds)
	}
	if ratePerMinute <= 0 {
		return nil, apperr.InvalidInput("rate per minute must be positive, got %d", ratePerMinute)
	}
	if err := ValidateRating(rating); err != nil {
		return nil, err
	}

	minutes := ceilDiv(billableSeconds, 60)
	if minutes > 0 && ratePerMinute > MaxChargeUnits/minutes {
		return nil, apperr.InvalidInput("%d minutes at rate %d exceeds the chargeable range", minutes, ratePerMinute)
	}
	b := &Breakdown{
		BillableSeconds: billableSeconds,
		BillableMinutes: minutes,
		RatePerMinute:   ratePerMinute,
		Tiers:           make([]Tier, 0, len(Schedule)),
		Rating:          copyRating(rating),
	}

	remaining := minutes
	for _, band := range Schedule {
		if remaining <= 0 {
			break
		}
		inTier := remaining
		if band.Span > 0 && inTier > band.Span {
			inTier = band.Span
		}
		remaining -= inTier

		amount := roundHalfUp(inTier*ratePerMinute*band.MultiplierBps, bpsDenominator)
		b.Tiers = append(b.Tiers, Tier{
			Label:         band.Label,
			Minutes:       inTier,
			RatePerMinute: roundHalfUp(ratePerMinute*band.MultiplierBps, bpsDenominator),
			MultiplierBps: band.MultiplierBps,
			Amount:        amount,
		})
		b.Subtotal += amount
	}

	b.QualityAdjustment = qualityAdjustment(b.Subtotal, rating)
	b.FinalAmount = b.Subtotal + b.QualityAdjustment
	if b.FinalAmount < 0 {
		b.FinalAmount = 0
	}
	return b, nil
}

// ValidateWindow checks that a session of maxMinutes at ratePerMinute can be
// priced for up to twice its window without leaving the chargeable range.
func ValidateWindow(ratePerMinute, maxMinutes int64) error {
	if ratePerMinute <= 0 || maxMinutes <= 0 {
		return apperr.InvalidInput("rate per minute and max minutes must be positive")
	}
	if ratePerMinute > MaxChargeUnits/2/maxMinutes {
		return apperr.InvalidInput("rate %d for %d minutes exceeds the chargeable range", ratePerMinute, maxMinutes).
			WithDetail("max_charge_units", int64(MaxChargeUnits/2))
	}
	return nil
}

// ValidateRating accepts nil or a rating in 1..5.
func ValidateRating(rating *int) error {
	if rating == nil {
		return nil
	}
	if *rating < minRating || *rating > maxRating {
		return apperr.InvalidInput("rating must be between %d and %d, got %d", minRating, maxRating, *rating)
	}
	return nil
}

func qualityAdjustment(subtotal int64, rating *int) int64 {
	if rating == nil {
		return 0
	}
	switch {
	case *rating == excellentRating:
		return roundHalfUp(subtotal*excellentBonusBp, bpsDenominator)
	case *rating <= poorRating:
		// Round the magnitude so a penalty mirrors the equivalent bonus.
		return -roundHalfUp(subtotal*poorPenaltyBp, bpsDenominator)
	default:
		return 0
	}
}

// Settlement is the split of a final charge between payee, platform and payer.
type Settlement struct {
	FinalCharge  int64 `json:"final_charge"`
	PlatformFee  int64 `json:"platform_fee"`
	PayeeEarning int64 `json:"payee_earning"`
	PayerRefund  int64 `json:"payer_refund"`
	EscrowAmount int64 `json:"escrow_amount"`
}

// Split caps finalAmount to [0, escrowAmount] and divides it. The platform
// fee is feeBps basis points of the capped charge, rounded half-up.
// PlatformFee+PayeeEarning == FinalCharge and FinalCharge+PayerRefund == EscrowAmount.
func Split(finalAmount, escrowAmount, feeBps int64) (Settlement, error) {
	if escrowAmount < 0 {
		return Settlement{}, apperr.InvalidInput("escrow amount must be non-negative, got %d", escrowAmount)
	}
	if escrowAmount > MaxChargeUnits {
		return Settlement{}, apperr.InvalidInput("escrow amount %d exceeds the chargeable range", escrowAmount)
	}
	if feeBps < 0 || feeBps > bpsDenominator {
		return Settlement{}, apperr.InvalidInput("platform fee must be between 0 and %d bps, got %d", bpsDenominator, feeBps)
	}

	charge := finalAmount
	if charge < 0 {
		charge = 0
	}
	if charge > escrowAmount {
		charge = escrowAmount
	}
	fee := roundHalfUp(charge*feeBps, bpsDenominator)
	return Settlement{
		FinalCharge:  charge,
		PlatformFee:  fee,
		PayeeEarning: charge - fee,
		PayerRefund:  escrowAmount - charge,
		EscrowAmount: escrowAmount,
	}, nil
}

// roundHalfUp returns num/den rounded half-up for num >= 0, den > 0.
func roundHalfUp(num, den int64) int64 {
	return (2*num + den) / (2 * den)
}

func ceilDiv(num, den int64) int64 {
	return (num + den - 1) / den
}

func copyRating(rating *int) *int {
	if rating == nil {
		return nil
	}
	r := *rating
	return &r
}
