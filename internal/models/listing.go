package models

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Listing statuses
const (
	ListingStatusOpen      = "open"
	ListingStatusRented    = "rented"
	ListingStatusCancelled = "cancelled"
	ListingStatusClosed    = "closed"
)

// Bid settlement modes
const (
	BidModeInternal = "internal"
	BidModeExternal = "external"
)

// Valid state transitions: from -> []to
var ValidListingTransitions = map[string][]string{
	ListingStatusOpen:      {ListingStatusRented, ListingStatusClosed, ListingStatusCancelled},
	ListingStatusRented:    {ListingStatusClosed},
	ListingStatusCancelled: {},
	ListingStatusClosed:    {},
}

func IsValidListingTransition(from, to string) bool {
	allowed, ok := ValidListingTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminalListingStatus reports whether the listing no longer holds an asset.
func IsTerminalListingStatus(status string) bool {
	return status == ListingStatusCancelled || status == ListingStatusClosed
}

// AssetRef identifies one non-fungible token.
type AssetRef struct {
	Contract common.Address `json:"contract"`
	TokenID  string         `json:"token_id"`
}

func (a AssetRef) String() string {
	return fmt.Sprintf("%s/%s", a.Contract.Hex(), a.TokenID)
}

// RentalTerms are published alongside a rentable listing.
type RentalTerms struct {
	Collateral         *big.Int      `json:"collateral"`
	PremiumPerPeriod   *big.Int      `json:"premium_per_period"`
	PeriodLength       time.Duration `json:"period_length"`
	MaxPremiumPayments int           `json:"max_premium_payments"`
}

func (t *RentalTerms) Clone() *RentalTerms {
	if t == nil {
		return nil
	}
	return &RentalTerms{
		Collateral:         CopyInt(t.Collateral),
		PremiumPerPeriod:   CopyInt(t.PremiumPerPeriod),
		PeriodLength:       t.PeriodLength,
		MaxPremiumPayments: t.MaxPremiumPayments,
	}
}

type Listing struct {
	ID            uint64         `json:"id"`
	Asset         AssetRef       `json:"asset"`
	Seller        common.Address `json:"seller"`
	CurrentBidder common.Address `json:"current_bidder"`
	CurrentPrice  *big.Int       `json:"current_price"`
	BidMode       string         `json:"bid_mode,omitempty"`
	BidEscrow     *big.Int       `json:"bid_escrow"`
	BidderFee     *big.Int       `json:"bidder_fee"`
	SellerFee     *big.Int       `json:"seller_fee"`
	BidFeeBPS     int64          `json:"bid_fee_bps"`
	SellFeeBPS    int64          `json:"sell_fee_bps"`
	Status        string         `json:"status"`
	IsRentable    bool           `json:"is_rentable"`
	RentalTerms   *RentalTerms   `json:"rental_terms,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// HasBidder reports whether someone other than the seller holds the current bid.
func (l *Listing) HasBidder() bool {
	return l.CurrentBidder != (common.Address{})
}

func (l *Listing) Clone() *Listing {
	c := *l
	c.CurrentPrice = CopyInt(l.CurrentPrice)
	c.BidEscrow = CopyInt(l.BidEscrow)
	c.BidderFee = CopyInt(l.BidderFee)
	c.SellerFee = CopyInt(l.SellerFee)
	c.RentalTerms = l.RentalTerms.Clone()
	return &c
}

// ListingFilter narrows ListListings results. Zero values match everything.
type ListingFilter struct {
	Status string
	Seller *common.Address
	Limit  int
	Offset int
}

// BPS returns amount * bps / 10000, rounded down.
func BPS(amount *big.Int, bps int64) *big.Int {
	if amount == nil || bps == 0 {
		return new(big.Int)
	}
	v := new(big.Int).Mul(amount, big.NewInt(bps))
	return v.Quo(v, big.NewInt(10000))
}

// CopyInt returns an independent copy, treating nil as zero.
func CopyInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
