package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Offer statuses
const (
	OfferStatusActive    = "active"
	OfferStatusCompleted = "completed"
	OfferStatusCancelled = "cancelled"
)

// Staking offer statuses
const (
	StakingOfferStatusActive    = "active"
	StakingOfferStatusAccepted  = "accepted"
	StakingOfferStatusCancelled = "cancelled"
)

var ValidOfferTransitions = map[string][]string{
	OfferStatusActive:    {OfferStatusCompleted, OfferStatusCancelled},
	OfferStatusCompleted: {},
	OfferStatusCancelled: {},
}

var ValidStakingOfferTransitions = map[string][]string{
	StakingOfferStatusActive:    {StakingOfferStatusAccepted, StakingOfferStatusCancelled},
	StakingOfferStatusAccepted:  {},
	StakingOfferStatusCancelled: {},
}

func IsValidOfferTransition(from, to string) bool {
	return contains(ValidOfferTransitions[from], to)
}

func IsValidStakingOfferTransition(from, to string) bool {
	return contains(ValidStakingOfferTransitions[from], to)
}

// ListingOffer is a buy-now offer that lives next to the running bid.
type ListingOffer struct {
	ID        uint64         `json:"id"`
	ListingID uint64         `json:"listing_id"`
	Offerer   common.Address `json:"offerer"`
	Amount    *big.Int       `json:"amount"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (o *ListingOffer) Clone() *ListingOffer {
	c := *o
	c.Amount = CopyInt(o.Amount)
	return &c
}

// StakingOffer is a negotiated rental proposal; Premium covers all periods granted on acceptance.
type StakingOffer struct {
	ID         uint64         `json:"id"`
	ListingID  uint64         `json:"listing_id"`
	Offerer    common.Address `json:"offerer"`
	Collateral *big.Int       `json:"collateral"`
	Premium    *big.Int       `json:"premium"`
	Fee        *big.Int       `json:"fee"`
	Status     string         `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Total is the amount escrowed for the offer.
func (o *StakingOffer) Total() *big.Int {
	t := new(big.Int).Add(CopyInt(o.Collateral), CopyInt(o.Premium))
	return t.Add(t, CopyInt(o.Fee))
}

func (o *StakingOffer) Clone() *StakingOffer {
	c := *o
	c.Collateral = CopyInt(o.Collateral)
	c.Premium = CopyInt(o.Premium)
	c.Fee = CopyInt(o.Fee)
	return &c
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
