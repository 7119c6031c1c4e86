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

// ListingOffer escrows an offer to buy a listed asset for amount.
func (m *Marketplace) ListingOffer(ctx context.Context, msg Msg, listingID uint64, amount *big.Int) (*models.ListingOffer, error) {
	var out *models.ListingOffer
	err := m.execute(ctx, "listing_offer", msg, func(t *txn) error {
		l, err := t.listing(listingID)
		if err != nil {
			return err
		}
		if l.Status != models.ListingStatusOpen {
			return fail(ErrInvalidState, "listing %d is %s", l.ID, l.Status)
		}
		if !rbac.HasPermission(t.roleOf(l), rbac.PermMakeOffer) {
			return fail(ErrAuthorization, "seller cannot make an offer on own listing")
		}
		if amount == nil || amount.Sign() <= 0 {
			return fail(ErrInvalidState, "offer amount must be positive")
		}
		if err := t.requirePayment(amount, "insufficient value for offer"); err != nil {
			return err
		}
		sender := t.msg.Sender
		if t.w.ActiveOffer(l.ID, sender) != nil {
			return fail(ErrInvalidState, "offer already exists for listing %d", l.ID)
		}

		o := &models.ListingOffer{
			ID:        t.w.AllocateOfferID(),
			ListingID: l.ID,
			Offerer:   sender,
			Amount:    new(big.Int).Set(amount),
			Status:    models.OfferStatusActive,
			CreatedAt: t.now,
			UpdatedAt: t.now,
		}
		if err := t.hold(obOffer(o.ID), sender, amount); err != nil {
			return err
		}
		t.w.SaveOffer(o)

		t.emitOffer(l, o)
		t.audit("offer_created", "listing_offer", idStr(o.ID), map[string]any{"listing_id": l.ID, "amount": amountStr(amount)})
		out = o.Clone()
		return nil
	})
	return out, err
}

// AcceptListingOffer sells the listing to offerer for their escrowed amount.
// Other offers on the listing stay active until their owners cancel them.
func (m *Marketplace) AcceptListingOffer(ctx context.Context, msg Msg, listingID uint64, offerer common.Address) (*models.ListingOffer, error) {
	var out *models.ListingOffer
	err := m.execute(ctx, "accept_listing_offer", msg, func(t *txn) error {
		l, err := t.listing(listingID)
		if err != nil {
			return err
		}
		if !rbac.HasPermission(t.roleOf(l), rbac.PermAcceptOffer) {
			return fail(ErrAuthorization, "only seller can accept an offer")
		}
		if l.Status != models.ListingStatusOpen {
			return fail(ErrInvalidState, "listing %d is %s", l.ID, l.Status)
		}
		o := t.w.ActiveOffer(l.ID, offerer)
		if o == nil {
			return fail(ErrNotFound, "no active offer from %s", offerer.Hex())
		}

		t.refundBidder(l)

		sellFee := models.BPS(o.Amount, l.SellFeeBPS)
		net := new(big.Int).Sub(o.Amount, sellFee)
		if err := t.release(obOffer(o.ID), l.Seller, net, "offer proceeds"); err != nil {
			return err
		}
		if err := t.collectFee(obOffer(o.ID), sellFee, l.Seller); err != nil {
			return err
		}
		if err := t.collectHeldFee(obListingFee(l.ID), l.Seller); err != nil {
			return err
		}
		if err := t.moveAsset(l.Asset, t.p.Marketplace, offerer); err != nil {
			return err
		}
		if err := t.transition(l, models.ListingStatusClosed); err != nil {
			return err
		}
		if err := t.offerTransition(o, models.OfferStatusCompleted); err != nil {
			return err
		}

		t.emit(events.EventListingOfferCompleted, map[string]any{
			"listing_id": l.ID,
			"offer_id":   o.ID,
			"seller":     l.Seller.Hex(),
			"offerer":    offerer.Hex(),
			"amount":     amountStr(o.Amount),
			"fee":        amountStr(sellFee),
		})
		t.audit("offer_accepted", "listing_offer", idStr(o.ID), map[string]any{"listing_id": l.ID})
		out = o.Clone()
		return nil
	})
	return out, err
}

// CancelListingOffer refunds the caller's active offer. It works after the
// listing itself has closed.
func (m *Marketplace) CancelListingOffer(ctx context.Context, msg Msg, listingID uint64) (*models.ListingOffer, error) {
	var out *models.ListingOffer
	err := m.execute(ctx, "cancel_listing_offer", msg, func(t *txn) error {
		l, err := t.listing(listingID)
		if err != nil {
			return err
		}
		o := t.w.ActiveOffer(l.ID, t.msg.Sender)
		if o == nil {
			return fail(ErrNotFound, "no active offer on listing %d", l.ID)
		}
		t.refund(obOffer(o.ID), "offer refund")
		if err := t.offerTransition(o, models.OfferStatusCancelled); err != nil {
			return err
		}

		t.emitOffer(l, o)
		t.audit("offer_cancelled", "listing_offer", idStr(o.ID), nil)
		out = o.Clone()
		return nil
	})
	return out, err
}

func (m *Marketplace) ListOffers(ctx context.Context, listingID uint64) []*models.ListingOffer {
	var out []*models.ListingOffer
	m.view(func(w *state.World, _ time.Time) {
		for _, o := range w.OffersFor(listingID) {
			out = append(out, o.Clone())
		}
	})
	return out
}

func (t *txn) offerTransition(o *models.ListingOffer, to string) error {
	if !models.IsValidOfferTransition(o.Status, to) {
		return fail(ErrInvalidState, "invalid offer transition from %s to %s", o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = t.now
	t.w.SaveOffer(o)
	return nil
}

func (t *txn) emitOffer(l *models.Listing, o *models.ListingOffer) {
	t.emit(events.EventListingOffer, map[string]any{
		"listing_id": l.ID,
		"offer_id":   o.ID,
		"seller":     l.Seller.Hex(),
		"offerer":    o.Offerer.Hex(),
		"amount":     amountStr(o.Amount),
		"status":     o.Status,
	})
}
