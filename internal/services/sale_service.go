package services

import (
	"context"
	"math/big"
	"time"

	"github.com/RedDuck-Software/Undas.Contracts/internal/events"
	"github.com/RedDuck-Software/Undas.Contracts/internal/models"
	"github.com/RedDuck-Software/Undas.Contracts/internal/rbac"
	"github.com/RedDuck-Software/Undas.Contracts/internal/state"
	"github.com/ethereum/go-ethereum/common"
)

// BidResult reports what a bid call did: created a listing or raised the bid on one.
type BidResult struct {
	Listing *models.Listing `json:"listing"`
	Created bool            `json:"created"`
}

// Bid places an internal-mode bid: price and fee are both escrowed. On an asset
// with no open listing the caller lists it instead.
func (m *Marketplace) Bid(ctx context.Context, msg Msg, asset models.AssetRef, price *big.Int) (*BidResult, error) {
	return m.bid(ctx, "bid", msg, asset, price, models.BidModeInternal)
}

// BidExternal places a bid where only the fee is escrowed. The price stays in
// the bidder's wallet until settlement.
func (m *Marketplace) BidExternal(ctx context.Context, msg Msg, asset models.AssetRef, price *big.Int) (*BidResult, error) {
	return m.bid(ctx, "bid_external", msg, asset, price, models.BidModeExternal)
}

func (m *Marketplace) bid(ctx context.Context, op string, msg Msg, asset models.AssetRef, price *big.Int, mode string) (*BidResult, error) {
	var out BidResult
	err := m.execute(ctx, op, msg, func(t *txn) error {
		id, listed := t.w.OpenByAsset[asset]
		if !listed {
			l, err := t.createListing(asset, price, false, nil)
			if err != nil {
				return err
			}
			out = BidResult{Listing: l.Clone(), Created: true}
			return nil
		}

		l, err := t.listing(id)
		if err != nil {
			return err
		}
		if err := t.placeBid(l, price, mode); err != nil {
			return err
		}
		out = BidResult{Listing: l.Clone()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// BidAndStake lists an asset and publishes its rental terms in one step.
func (m *Marketplace) BidAndStake(ctx context.Context, msg Msg, asset models.AssetRef, price *big.Int, terms models.RentalTerms) (*models.Listing, error) {
	var out *models.Listing
	err := m.execute(ctx, "bid_and_stake", msg, func(t *txn) error {
		l, err := t.createListing(asset, price, true, &terms)
		if err != nil {
			return err
		}
		out = l.Clone()
		return nil
	})
	return out, err
}

// IsBuyable reports whether the listing can be bought right now.
func (m *Marketplace) IsBuyable(ctx context.Context, listingID uint64) bool {
	var ok bool
	m.view(func(w *state.World, _ time.Time) {
		l, found := w.Listings[listingID]
		ok = found && l.Status == models.ListingStatusOpen
	})
	return ok
}

// BuyToken buys the listing at its current price.
func (m *Marketplace) BuyToken(ctx context.Context, msg Msg, listingID uint64) (*models.Listing, error) {
	var out *models.Listing
	err := m.execute(ctx, "buy_token", msg, func(t *txn) error {
		l, err := t.listing(listingID)
		if err != nil {
			return err
		}
		if l.Status != models.ListingStatusOpen {
			return fail(ErrInvalidState, "listing %d is not buyable", l.ID)
		}
		if !rbac.HasPermission(t.roleOf(l), rbac.PermBuy) {
			return fail(ErrAuthorization, "seller cannot buy own listing")
		}

		buyer := t.msg.Sender
		if l.HasBidder() && l.CurrentBidder == buyer {
			if l.BidMode == models.BidModeExternal {
				if err := t.requirePayment(l.CurrentPrice, "insufficient payment for listing"); err != nil {
					return err
				}
			}
			if err := t.settleWithBidder(l); err != nil {
				return err
			}
		} else {
			if err := t.requirePayment(l.CurrentPrice, "insufficient payment for listing"); err != nil {
				return err
			}
			t.refundBidder(l)
			if err := t.settle(l, buyer, ""); err != nil {
				return err
			}
		}
		out = l.Clone()
		return nil
	})
	return out, err
}

// AcceptBid sells the listing to its current bidder at the bid price.
func (m *Marketplace) AcceptBid(ctx context.Context, msg Msg, listingID uint64) (*models.Listing, error) {
	var out *models.Listing
	err := m.execute(ctx, "accept_bid", msg, func(t *txn) error {
		l, err := t.listing(listingID)
		if err != nil {
			return err
		}
		if !rbac.HasPermission(t.roleOf(l), rbac.PermAcceptBid) {
			return fail(ErrAuthorization, "only seller can accept a bid")
		}
		if l.Status != models.ListingStatusOpen {
			return fail(ErrInvalidState, "listing %d is %s", l.ID, l.Status)
		}
		if !l.HasBidder() {
			return fail(ErrInvalidState, "listing %d has no bid", l.ID)
		}
		if err := t.settleWithBidder(l); err != nil {
			return err
		}
		out = l.Clone()
		return nil
	})
	return out, err
}

func (t *txn) placeBid(l *models.Listing, price *big.Int, mode string) error {
	sender := t.msg.Sender
	if l.Status != models.ListingStatusOpen {
		return fail(ErrInvalidState, "listing %d is %s", l.ID, l.Status)
	}
	if !rbac.HasPermission(t.roleOf(l), rbac.PermBid) {
		return fail(ErrAuthorization, "seller cannot bid on own listing")
	}
	if price == nil {
		return fail(ErrInvalidState, "price is required")
	}
	if l.HasBidder() {
		if price.Cmp(l.CurrentPrice) <= 0 {
			return fail(ErrInvalidState, "bid must exceed current price %s", l.CurrentPrice)
		}
	} else if price.Cmp(l.CurrentPrice) < 0 {
		return fail(ErrInvalidState, "bid must be at least asking price %s", l.CurrentPrice)
	}

	fee := t.listingFee(price)
	if err := t.requirePayment(fee, MsgBidFee); err != nil {
		return err
	}
	total := new(big.Int).Add(price, fee)
	if mode == models.BidModeInternal {
		if err := t.requirePayment(total, "insufficient value for bid"); err != nil {
			return err
		}
	}

	previous := l.CurrentBidder
	t.refundBidder(l)

	if mode == models.BidModeExternal && t.w.Ledger.Balance(sender).Cmp(total) < 0 {
		return fail(ErrInsufficientFunds, "wallet cannot cover bid of %s", price)
	}
	if err := t.hold(obBidFee(l.ID), sender, fee); err != nil {
		return err
	}
	escrow := new(big.Int)
	if mode == models.BidModeInternal {
		if err := t.hold(obBid(l.ID), sender, price); err != nil {
			return err
		}
		escrow.Set(price)
	}

	l.CurrentBidder = sender
	l.CurrentPrice = new(big.Int).Set(price)
	l.BidMode = mode
	l.BidEscrow = escrow
	l.BidderFee = fee
	l.UpdatedAt = t.now
	t.w.SaveListing(l)

	t.emit(events.EventBidPlaced, map[string]any{
		"listing_id":      l.ID,
		"seller":          l.Seller.Hex(),
		"bidder":          sender.Hex(),
		"previous_bidder": addrOrEmpty(previous),
		"price":           amountStr(price),
		"fee":             amountStr(fee),
		"mode":            mode,
	})
	t.audit("bid_placed", "listing", idStr(l.ID), map[string]any{"price": amountStr(price), "mode": mode})
	return nil
}

// settleWithBidder sells to the current bidder, paying from their escrow or wallet.
func (t *txn) settleWithBidder(l *models.Listing) error {
	buyer := l.CurrentBidder
	if err := t.collectHeldFee(obBidFee(l.ID), buyer); err != nil {
		return err
	}
	return t.settle(l, buyer, custodySource(l))
}

// settle pays the seller, sweeps the fees and hands the asset to buyer. An
// empty source means the buyer pays from their wallet.
func (t *txn) settle(l *models.Listing, buyer common.Address, source string) error {
	price := l.CurrentPrice
	sellFee := models.BPS(price, l.SellFeeBPS)
	net := new(big.Int).Sub(price, sellFee)

	if source != "" {
		if err := t.release(obBid(l.ID), l.Seller, net, "sale proceeds"); err != nil {
			return err
		}
		if err := t.collectFee(obBid(l.ID), sellFee, l.Seller); err != nil {
			return err
		}
	} else {
		if err := t.transfer(buyer, l.Seller, net, "sale proceeds"); err != nil {
			return err
		}
		if err := t.collectFeeFrom(buyer, sellFee, l.Seller); err != nil {
			return err
		}
	}
	if err := t.collectHeldFee(obListingFee(l.ID), l.Seller); err != nil {
		return err
	}
	if err := t.moveAsset(l.Asset, t.p.Marketplace, buyer); err != nil {
		return err
	}

	l.CurrentBidder = common.Address{}
	l.BidMode = ""
	l.BidEscrow = new(big.Int)
	l.BidderFee = new(big.Int)
	if err := t.transition(l, models.ListingStatusClosed); err != nil {
		return err
	}

	t.emit(events.EventSale, map[string]any{
		"listing_id": l.ID,
		"seller":     l.Seller.Hex(),
		"buyer":      buyer.Hex(),
		"price":      amountStr(price),
		"fee":        amountStr(sellFee),
	})
	t.audit("listing_sold", "listing", idStr(l.ID), map[string]any{
		"buyer": buyer.Hex(),
		"price": amountStr(price),
	})
	return nil
}

// custodySource names where the current bid is paid from: the bid escrow for
// internal bids, the bidder's wallet otherwise.
func custodySource(l *models.Listing) string {
	if l.BidMode == models.BidModeInternal {
		return string(obBid(l.ID))
	}
	return ""
}
