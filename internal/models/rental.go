package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Rental agreement statuses
const (
	RentalStatusActive    = "active"
	RentalStatusEnded     = "ended"
	RentalStatusDefaulted = "defaulted"
)

var ValidRentalTransitions = map[string][]string{
	RentalStatusActive:    {RentalStatusEnded, RentalStatusDefaulted},
	RentalStatusEnded:     {},
	RentalStatusDefaulted: {},
}

func IsValidRentalTransition(from, to string) bool {
	return contains(ValidRentalTransitions[from], to)
}

type RentalAgreement struct {
	ListingID          uint64         `json:"listing_id"`
	Owner              common.Address `json:"owner"`
	Renter             common.Address `json:"renter"`
	Collateral         *big.Int       `json:"collateral"`
	PremiumPerPeriod   *big.Int       `json:"premium_per_period"`
	FeeBPS             int64          `json:"fee_bps"`
	PeriodLength       time.Duration  `json:"period_length"`
	StartedAt          time.Time      `json:"started_at"`
	Deadline           time.Time      `json:"deadline"`
	PremiumsPaid       int            `json:"premiums_paid"`
	MaxPremiumPayments int            `json:"max_premium_payments"`
	Status             string         `json:"status"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (r *RentalAgreement) Clone() *RentalAgreement {
	c := *r
	c.Collateral = CopyInt(r.Collateral)
	c.PremiumPerPeriod = CopyInt(r.PremiumPerPeriod)
	return &c
}

// MaxRentalTerm caps periodLength*maxPremiumPayments.
const MaxRentalTerm = 100 * 365 * 24 * time.Hour

// RentalTerm returns periods*period. ok is false when the product exceeds
// MaxRentalTerm, in which case the result saturates at MaxRentalTerm.
func RentalTerm(period time.Duration, periods int) (term time.Duration, ok bool) {
	switch {
	case period <= 0 || periods < 0:
		return 0, false
	case periods > 0 && period > MaxRentalTerm/time.Duration(periods):
		return MaxRentalTerm, false
	}
	return time.Duration(periods) * period, true
}

// PaidThrough is the moment the prepaid premiums run out.
func (r *RentalAgreement) PaidThrough() time.Time {
	term, _ := RentalTerm(r.PeriodLength, r.PremiumsPaid)
	return r.StartedAt.Add(term)
}

// PremiumsCurrent reports whether the renter has paid for the period containing now.
func (r *RentalAgreement) PremiumsCurrent(now time.Time) bool {
	return now.Before(r.PaidThrough())
}

// PeriodsDue counts the periods owed at now: every started period up to the
// term limit that has not been paid yet.
func (r *RentalAgreement) PeriodsDue(now time.Time) int {
	if r.PeriodLength <= 0 || now.Before(r.StartedAt) {
		return 0
	}
	started := int(now.Sub(r.StartedAt)/r.PeriodLength) + 1
	if started > r.MaxPremiumPayments {
		started = r.MaxPremiumPayments
	}
	due := started - r.PremiumsPaid
	if due < 0 {
		return 0
	}
	return due
}

// PremiumFor is premium*periods and the fee charged on top of it.
func (r *RentalAgreement) PremiumFor(periods int) (premium, fee *big.Int) {
	premium = new(big.Int).Mul(CopyInt(r.PremiumPerPeriod), big.NewInt(int64(periods)))
	return premium, BPS(premium, r.FeeBPS)
}

// PaymentsDue is the read model returned to renters before paying or stopping.
type PaymentsDue struct {
	ListingID   uint64    `json:"listing_id"`
	Periods     int       `json:"periods"`
	Premium     *big.Int  `json:"premium"`
	Fee         *big.Int  `json:"fee"`
	Amount      *big.Int  `json:"amount"`
	PaidThrough time.Time `json:"paid_through"`
	Deadline    time.Time `json:"deadline"`
}
