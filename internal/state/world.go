// Package state holds the marketplace world: every record the engine reads or
// writes, cloned per operation so a failed call leaves nothing behind.
package state

import (
	"math/big"
	"sort"

	"github.com/RedDuck-Software/Undas.Contracts/internal/chain"
	"github.com/RedDuck-Software/Undas.Contracts/internal/custody"
	"github.com/RedDuck-Software/Undas.Contracts/internal/models"
	"github.com/ethereum/go-ethereum/common"
)

type World struct {
	Ledger *custody.Ledger
	Assets *chain.AssetRegistry
	Tokens *chain.TokenLedger

	NextListingID      uint64
	NextOfferID        uint64
	NextStakingOfferID uint64

	Listings      map[uint64]*models.Listing
	OpenByAsset   map[models.AssetRef]uint64
	Offers        map[uint64]*models.ListingOffer
	StakingOffers map[uint64]*models.StakingOffer
	Rentals       map[uint64]*models.RentalAgreement
	Stakes        map[common.Address]*models.LockedStake
	TotalLocked   *big.Int
	Epoch         *models.DividendEpoch
	Cashback      map[common.Address]*big.Int

	dirty dirtySet
}

type dirtySet struct {
	listings      map[uint64]struct{}
	offers        map[uint64]struct{}
	stakingOffers map[uint64]struct{}
	rentals       map[uint64]struct{}
	stakes        map[common.Address]struct{}
	cashback      map[common.Address]struct{}
	epoch         bool
	counters      bool
}

func newDirtySet() dirtySet {
	return dirtySet{
		listings:      make(map[uint64]struct{}),
		offers:        make(map[uint64]struct{}),
		stakingOffers: make(map[uint64]struct{}),
		rentals:       make(map[uint64]struct{}),
		stakes:        make(map[common.Address]struct{}),
		cashback:      make(map[common.Address]struct{}),
	}
}

func New(epoch *models.DividendEpoch) *World {
	return &World{
		Ledger:             custody.NewLedger(),
		Assets:             chain.NewAssetRegistry(),
		Tokens:             chain.NewTokenLedger(),
		NextListingID:      1,
		NextOfferID:        1,
		NextStakingOfferID: 1,
		Listings:           make(map[uint64]*models.Listing),
		OpenByAsset:        make(map[models.AssetRef]uint64),
		Offers:             make(map[uint64]*models.ListingOffer),
		StakingOffers:      make(map[uint64]*models.StakingOffer),
		Rentals:            make(map[uint64]*models.RentalAgreement),
		Stakes:             make(map[common.Address]*models.LockedStake),
		TotalLocked:        new(big.Int),
		Epoch:              epoch,
		Cashback:           make(map[common.Address]*big.Int),
		dirty:              newDirtySet(),
	}
}

// Clone deep-copies the world. The copy starts with empty change tracking.
func (w *World) Clone() *World {
	c := New(w.Epoch.Clone())
	c.Ledger = w.Ledger.Clone()
	c.Assets = w.Assets.Clone()
	c.Tokens = w.Tokens.Clone()
	c.NextListingID = w.NextListingID
	c.NextOfferID = w.NextOfferID
	c.NextStakingOfferID = w.NextStakingOfferID
	for id, l := range w.Listings {
		c.Listings[id] = l.Clone()
	}
	for ref, id := range w.OpenByAsset {
		c.OpenByAsset[ref] = id
	}
	for id, o := range w.Offers {
		c.Offers[id] = o.Clone()
	}
	for id, o := range w.StakingOffers {
		c.StakingOffers[id] = o.Clone()
	}
	for id, r := range w.Rentals {
		c.Rentals[id] = r.Clone()
	}
	for a, s := range w.Stakes {
		c.Stakes[a] = s.Clone()
	}
	c.TotalLocked.Set(w.TotalLocked)
	for a, v := range w.Cashback {
		c.Cashback[a] = new(big.Int).Set(v)
	}
	return c
}

// Reindex rebuilds the open-asset index after records were loaded directly.
func (w *World) Reindex() {
	w.OpenByAsset = make(map[models.AssetRef]uint64)
	for id, l := range w.Listings {
		if !models.IsTerminalListingStatus(l.Status) {
			w.OpenByAsset[l.Asset] = id
		}
	}
}

// AllocateListingID hands out the next sequential listing id.
func (w *World) AllocateListingID() uint64 {
	id := w.NextListingID
	w.NextListingID++
	w.dirty.counters = true
	return id
}

func (w *World) AllocateOfferID() uint64 {
	id := w.NextOfferID
	w.NextOfferID++
	w.dirty.counters = true
	return id
}

func (w *World) AllocateStakingOfferID() uint64 {
	id := w.NextStakingOfferID
	w.NextStakingOfferID++
	w.dirty.counters = true
	return id
}

func (w *World) SaveListing(l *models.Listing) {
	w.Listings[l.ID] = l
	if models.IsTerminalListingStatus(l.Status) {
		if w.OpenByAsset[l.Asset] == l.ID {
			delete(w.OpenByAsset, l.Asset)
		}
	} else {
		w.OpenByAsset[l.Asset] = l.ID
	}
	w.dirty.listings[l.ID] = struct{}{}
}

func (w *World) SaveOffer(o *models.ListingOffer) {
	w.Offers[o.ID] = o
	w.dirty.offers[o.ID] = struct{}{}
}

func (w *World) SaveStakingOffer(o *models.StakingOffer) {
	w.StakingOffers[o.ID] = o
	w.dirty.stakingOffers[o.ID] = struct{}{}
}

func (w *World) SaveRental(r *models.RentalAgreement) {
	w.Rentals[r.ListingID] = r
	w.dirty.rentals[r.ListingID] = struct{}{}
}

func (w *World) SaveStake(s *models.LockedStake) {
	if s.Amount.Sign() == 0 {
		delete(w.Stakes, s.Owner)
	} else {
		w.Stakes[s.Owner] = s
	}
	w.dirty.stakes[s.Owner] = struct{}{}
}

func (w *World) SaveEpoch(e *models.DividendEpoch) {
	w.Epoch = e
	w.dirty.epoch = true
}

func (w *World) AddCashback(owner common.Address, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	cur, ok := w.Cashback[owner]
	if !ok {
		cur = new(big.Int)
		w.Cashback[owner] = cur
	}
	cur.Add(cur, amount)
	w.dirty.cashback[owner] = struct{}{}
}

// ActiveOffer finds the caller's active offer on a listing.
func (w *World) ActiveOffer(listingID uint64, offerer common.Address) *models.ListingOffer {
	for _, o := range w.Offers {
		if o.ListingID == listingID && o.Offerer == offerer && o.Status == models.OfferStatusActive {
			return o
		}
	}
	return nil
}

func (w *World) ActiveStakingOffer(listingID uint64, offerer common.Address) *models.StakingOffer {
	for _, o := range w.StakingOffers {
		if o.ListingID == listingID && o.Offerer == offerer && o.Status == models.StakingOfferStatusActive {
			return o
		}
	}
	return nil
}

// OffersFor returns all offers on a listing ordered by id.
func (w *World) OffersFor(listingID uint64) []*models.ListingOffer {
	var out []*models.ListingOffer
	for _, o := range w.Offers {
		if o.ListingID == listingID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (w *World) StakingOffersFor(listingID uint64) []*models.StakingOffer {
	var out []*models.StakingOffer
	for _, o := range w.StakingOffers {
		if o.ListingID == listingID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Changes is the set of records an operation wrote.
type Changes struct {
	Listings      []*models.Listing
	Offers        []*models.ListingOffer
	StakingOffers []*models.StakingOffer
	Rentals       []*models.RentalAgreement
	Stakes        map[common.Address]*models.LockedStake // nil value means removed
	Cashback      map[common.Address]*big.Int
	Epoch         *models.DividendEpoch
	Counters      bool

	Custody custody.Changes
	Assets  []chain.Asset
	Tokens  map[common.Address]*big.Int
}

func (w *World) Changes() Changes {
	ch := Changes{
		Stakes:   make(map[common.Address]*models.LockedStake),
		Cashback: make(map[common.Address]*big.Int),
		Counters: w.dirty.counters,
		Custody:  w.Ledger.Changes(),
		Assets:   w.Assets.Touched(),
		Tokens:   w.Tokens.Touched(),
	}
	for id := range w.dirty.listings {
		ch.Listings = append(ch.Listings, w.Listings[id])
	}
	sort.Slice(ch.Listings, func(i, j int) bool { return ch.Listings[i].ID < ch.Listings[j].ID })
	for id := range w.dirty.offers {
		ch.Offers = append(ch.Offers, w.Offers[id])
	}
	for id := range w.dirty.stakingOffers {
		ch.StakingOffers = append(ch.StakingOffers, w.StakingOffers[id])
	}
	for id := range w.dirty.rentals {
		ch.Rentals = append(ch.Rentals, w.Rentals[id])
	}
	for a := range w.dirty.stakes {
		ch.Stakes[a] = w.Stakes[a]
	}
	for a := range w.dirty.cashback {
		ch.Cashback[a] = new(big.Int).Set(w.Cashback[a])
	}
	if w.dirty.epoch {
		ch.Epoch = w.Epoch
	}
	return ch
}

// Empty reports whether nothing was written.
func (c Changes) Empty() bool {
	return len(c.Listings) == 0 && len(c.Offers) == 0 && len(c.StakingOffers) == 0 &&
		len(c.Rentals) == 0 && len(c.Stakes) == 0 && len(c.Cashback) == 0 && c.Epoch == nil &&
		!c.Counters && len(c.Custody.Wallets) == 0 && len(c.Custody.Holds) == 0 &&
		!c.Custody.PoolsTouched && len(c.Assets) == 0 && len(c.Tokens) == 0
}
