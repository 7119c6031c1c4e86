package services

import (
	"context"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/RedDuck-Software/Undas.Contracts/internal/events"
	"github.com/RedDuck-Software/Undas.Contracts/internal/models"
	"github.com/RedDuck-Software/Undas.Contracts/internal/rbac"
	"github.com/RedDuck-Software/Undas.Contracts/internal/state"
	"github.com/ethereum/go-ethereum/common"
)

// CreateListing puts an owned, approved asset up for sale. Rentable listings
// must carry rental terms.
func (m *Marketplace) CreateListing(ctx context.Context, msg Msg, asset models.AssetRef, price *big.Int, rentable bool, terms *models.RentalTerms) (*models.Listing, error) {
	var out *models.Listing
	err := m.execute(ctx, "create_listing", msg, func(t *txn) error {
		l, err := t.createListing(asset, price, rentable, terms)
		if err != nil {
			return err
		}
		out = l.Clone()
		return nil
	})
	return out, err
}

// Cancel withdraws an open listing and unwinds every hold attached to it.
func (m *Marketplace) Cancel(ctx context.Context, msg Msg, listingID uint64) error {
	return m.execute(ctx, "cancel", msg, func(t *txn) error {
		l, err := t.listing(listingID)
		if err != nil {
			return err
		}
		if t.roleOf(l) != rbac.RoleSeller || !rbac.HasPermission(rbac.RoleSeller, rbac.PermCancelListing) {
			return fail(ErrAuthorization, MsgOnlySeller)
		}
		if l.Status != models.ListingStatusOpen {
			return fail(ErrInvalidState, "listing %d is %s", l.ID, l.Status)
		}

		bidder := l.CurrentBidder
		t.refundBidder(l)
		t.refund(obListingFee(l.ID), "listing fee refund")
		if err := t.moveAsset(l.Asset, t.p.Marketplace, l.Seller); err != nil {
			return err
		}
		if err := t.transition(l, models.ListingStatusCancelled); err != nil {
			return err
		}

		t.emit(events.EventCancelBid, map[string]any{
			"listing_id": l.ID,
			"seller":     l.Seller.Hex(),
			"bidder":     addrOrEmpty(bidder),
		})
		t.audit("listing_cancelled", "listing", idStr(l.ID), nil)
		return nil
	})
}

// UpdatePrice raises the asking price of a listing nobody has bid on yet.
// Only the difference in listing fee is charged.
func (m *Marketplace) UpdatePrice(ctx context.Context, msg Msg, listingID uint64, newPrice *big.Int) (*models.Listing, error) {
	var out *models.Listing
	err := m.execute(ctx, "update_price", msg, func(t *txn) error {
		l, err := t.listing(listingID)
		if err != nil {
			return err
		}
		if !rbac.HasPermission(t.roleOf(l), rbac.PermUpdatePrice) {
			return fail(ErrAuthorization, "only seller can update price")
		}
		if l.Status != models.ListingStatusOpen {
			return fail(ErrInvalidState, "listing %d is %s", l.ID, l.Status)
		}
		if l.HasBidder() {
			return fail(ErrInvalidState, "listing %d already has a bid", l.ID)
		}
		if newPrice == nil || newPrice.Cmp(l.CurrentPrice) <= 0 {
			return fail(ErrInvalidState, "price can only increase")
		}

		fee := t.listingFee(newPrice)
		held := t.w.Ledger.HeldAmount(obListingFee(l.ID))
		refunded := new(big.Int)
		if diff := new(big.Int).Sub(fee, held); diff.Sign() > 0 {
			if err := t.requirePayment(diff, MsgBidFee); err != nil {
				return err
			}
			refunded = t.refund(obListingFee(l.ID), "listing fee refund")
			if err := t.hold(obListingFee(l.ID), l.Seller, fee); err != nil {
				return err
			}
			l.SellerFee = fee
		}

		old := l.CurrentPrice
		l.CurrentPrice = new(big.Int).Set(newPrice)
		l.UpdatedAt = t.now
		t.w.SaveListing(l)

		t.audit("listing_price_updated", "listing", idStr(l.ID), map[string]any{
			"old_price": amountStr(old),
			"new_price": amountStr(newPrice),
			"fee":       amountStr(l.SellerFee),
			"refunded":  amountStr(refunded),
		})
		out = l.Clone()
		return nil
	})
	return out, err
}

func (m *Marketplace) GetListing(ctx context.Context, id uint64) (*models.Listing, error) {
	var out *models.Listing
	var err error
	m.view(func(w *state.World, _ time.Time) {
		l, ok := w.Listings[id]
		if !ok {
			err = fail(ErrNotFound, "listing %d not found", id)
			return
		}
		out = l.Clone()
	})
	return out, err
}

// ListListings returns listings ordered by id.
func (m *Marketplace) ListListings(ctx context.Context, f models.ListingFilter) []*models.Listing {
	var out []*models.Listing
	m.view(func(w *state.World, _ time.Time) {
		for _, l := range w.Listings {
			if f.Status != "" && l.Status != f.Status {
				continue
			}
			if f.Seller != nil && l.Seller != *f.Seller {
				continue
			}
			out = append(out, l.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (t *txn) createListing(asset models.AssetRef, price *big.Int, rentable bool, terms *models.RentalTerms) (*models.Listing, error) {
	sender := t.msg.Sender
	if price == nil || price.Sign() <= 0 {
		return nil, fail(ErrInvalidState, "price must be positive")
	}
	if id, ok := t.w.OpenByAsset[asset]; ok {
		return nil, fail(ErrInvalidState, "asset %s is already listed as %d", asset, id)
	}
	owner, err := t.w.Assets.OwnerOf(asset)
	if err != nil {
		return nil, assetErr(err)
	}
	if owner != sender {
		return nil, fail(ErrAuthorization, "caller does not own asset %s", asset)
	}
	if !t.w.Assets.IsApproved(asset, t.p.Marketplace) {
		return nil, fail(ErrAuthorization, "marketplace is not approved for asset %s", asset)
	}
	if rentable {
		if terms == nil {
			return nil, fail(ErrInvalidState, "rentable listing requires rental terms")
		}
		terms = terms.Clone()
		if terms.PeriodLength <= 0 {
			terms.PeriodLength = t.p.DefaultRentalPeriod
		}
		if err := validateTerms(terms); err != nil {
			return nil, err
		}
	} else {
		terms = nil
	}

	fee := t.listingFee(price)
	if err := t.requirePayment(fee, MsgBidFee); err != nil {
		return nil, err
	}

	l := &models.Listing{
		ID:           t.w.AllocateListingID(),
		Asset:        asset,
		Seller:       sender,
		CurrentPrice: new(big.Int).Set(price),
		BidEscrow:    new(big.Int),
		BidderFee:    new(big.Int),
		SellerFee:    fee,
		BidFeeBPS:    t.p.BidFeeBPS,
		SellFeeBPS:   t.p.SellFeeBPS,
		Status:       models.ListingStatusOpen,
		IsRentable:   rentable,
		RentalTerms:  terms,
		CreatedAt:    t.now,
		UpdatedAt:    t.now,
	}
	if err := t.hold(obListingFee(l.ID), sender, fee); err != nil {
		return nil, err
	}
	if err := t.moveAsset(asset, sender, t.p.Marketplace); err != nil {
		return nil, err
	}
	t.w.SaveListing(l)

	payload := map[string]any{
		"listing_id":     l.ID,
		"seller":         sender.Hex(),
		"asset_contract": asset.Contract.Hex(),
		"asset_id":       asset.TokenID,
		"price":          amountStr(price),
		"fee":            amountStr(fee),
		"rentable":       rentable,
	}
	if terms != nil {
		payload["collateral"] = amountStr(terms.Collateral)
		payload["premium"] = amountStr(terms.PremiumPerPeriod)
		payload["max_premium_payments"] = terms.MaxPremiumPayments
	}
	t.emit(events.EventListed, payload)
	t.audit("listing_created", "listing", idStr(l.ID), map[string]any{"price": amountStr(price), "rentable": rentable})
	return l, nil
}

func validateTerms(terms *models.RentalTerms) error {
	if terms.Collateral == nil || terms.Collateral.Sign() < 0 {
		return fail(ErrInvalidState, "collateral must not be negative")
	}
	if terms.PremiumPerPeriod == nil || terms.PremiumPerPeriod.Sign() <= 0 {
		return fail(ErrInvalidState, "premium must be positive")
	}
	if terms.MaxPremiumPayments < 1 {
		return fail(ErrInvalidState, "at least one premium payment is required")
	}
	if terms.PeriodLength <= 0 {
		return fail(ErrInvalidState, "rental period must be positive")
	}
	if _, ok := models.RentalTerm(terms.PeriodLength, terms.MaxPremiumPayments); !ok {
		return fail(ErrScheduleViolation, "rental term exceeds %s", models.MaxRentalTerm)
	}
	return nil
}

// listingFee is price*bidFeeBPS/10000, floored at the configured minimum.
func (t *txn) listingFee(price *big.Int) *big.Int {
	fee := models.BPS(price, t.p.BidFeeBPS)
	if fee.Cmp(t.p.MinBidFee) < 0 {
		fee.Set(t.p.MinBidFee)
	}
	return fee
}

func (t *txn) listing(id uint64) (*models.Listing, error) {
	l, ok := t.w.Listings[id]
	if !ok {
		return nil, fail(ErrNotFound, "listing %d not found", id)
	}
	return l, nil
}

// transition validates and applies a listing status change.
func (t *txn) transition(l *models.Listing, to string) error {
	if !models.IsValidListingTransition(l.Status, to) {
		return fail(ErrInvalidState, "invalid transition from %s to %s", l.Status, to)
	}
	l.Status = to
	l.UpdatedAt = t.now
	t.w.SaveListing(l)
	return nil
}

// roleOf resolves the caller's role on a listing.
func (t *txn) roleOf(l *models.Listing) string {
	sender := t.msg.Sender
	if sender == l.Seller {
		return rbac.RoleSeller
	}
	if r, ok := t.w.Rentals[l.ID]; ok && r.Status == models.RentalStatusActive && r.Renter == sender {
		return rbac.RoleRenter
	}
	return rbac.RoleParticipant
}

// refundBidder returns the current bidder's escrow and fee and clears the bid.
func (t *txn) refundBidder(l *models.Listing) {
	if !l.HasBidder() {
		return
	}
	t.refund(obBid(l.ID), "outbid refund")
	t.refund(obBidFee(l.ID), "bid fee refund")
	l.CurrentBidder = common.Address{}
	l.BidMode = ""
	l.BidEscrow = new(big.Int)
	l.BidderFee = new(big.Int)
	t.w.SaveListing(l)
}

func idStr(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func addrOrEmpty(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}
