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

// RentNFT rents a rentable listing on its published terms, prepaying periods premiums.
func (m *Marketplace) RentNFT(ctx context.Context, msg Msg, listingID uint64, periods int) (*models.RentalAgreement, error) {
	var out *models.RentalAgreement
	err := m.execute(ctx, "rent_nft", msg, func(t *txn) error {
		l, err := t.listing(listingID)
		if err != nil {
			return err
		}
		if l.Status != models.ListingStatusOpen {
			return fail(ErrInvalidState, "listing %d is %s", l.ID, l.Status)
		}
		if !l.IsRentable || l.RentalTerms == nil {
			return fail(ErrInvalidState, "listing %d is not rentable", l.ID)
		}
		if !rbac.HasPermission(t.roleOf(l), rbac.PermRent) {
			return fail(ErrAuthorization, "seller cannot rent own listing")
		}
		terms := l.RentalTerms
		if periods < 1 {
			return fail(ErrInvalidState, "at least one period must be prepaid")
		}
		if periods > terms.MaxPremiumPayments {
			return fail(ErrScheduleViolation, MsgTooManyPayments)
		}

		renter := t.msg.Sender
		premium := new(big.Int).Mul(terms.PremiumPerPeriod, big.NewInt(int64(periods)))
		fee := models.BPS(premium, l.SellFeeBPS)
		total := new(big.Int).Add(terms.Collateral, premium)
		total.Add(total, fee)
		if err := t.requirePayment(total, "insufficient value for rent"); err != nil {
			return err
		}

		if err := t.hold(obCollateral(l.ID), renter, terms.Collateral); err != nil {
			return err
		}
		if err := t.transfer(renter, l.Seller, premium, "rental premium"); err != nil {
			return err
		}
		if err := t.collectFeeFrom(renter, fee, renter); err != nil {
			return err
		}

		r, err := t.startRental(l, renter, terms.Collateral, terms.PremiumPerPeriod, periods, terms.MaxPremiumPayments, terms.PeriodLength)
		if err != nil {
			return err
		}
		t.emit(events.EventRented, map[string]any{
			"listing_id": l.ID,
			"owner":      r.Owner.Hex(),
			"renter":     renter.Hex(),
			"collateral": amountStr(r.Collateral),
			"premium":    amountStr(premium),
			"fee":        amountStr(fee),
			"deadline":   r.Deadline.Unix(),
		})
		out = r.Clone()
		return nil
	})
	return out, err
}

// StakingOffer proposes rental terms on an open listing, escrowing
// collateral, premium and the fee on the premium.
func (m *Marketplace) StakingOffer(ctx context.Context, msg Msg, listingID uint64, collateral, premium *big.Int) (*models.StakingOffer, error) {
	var out *models.StakingOffer
	err := m.execute(ctx, "staking_offer", msg, func(t *txn) error {
		l, err := t.listing(listingID)
		if err != nil {
			return err
		}
		if l.Status != models.ListingStatusOpen {
			return fail(ErrInvalidState, "listing %d is %s", l.ID, l.Status)
		}
		if !rbac.HasPermission(t.roleOf(l), rbac.PermMakeOffer) {
			return fail(ErrAuthorization, "seller cannot make a staking offer on own listing")
		}
		if premium == nil || premium.Sign() <= 0 {
			return fail(ErrInvalidState, "premium must be positive")
		}
		if collateral == nil {
			collateral = new(big.Int)
		}
		if collateral.Sign() < 0 {
			return fail(ErrInvalidState, "collateral must not be negative")
		}
		sender := t.msg.Sender
		if t.w.ActiveStakingOffer(l.ID, sender) != nil {
			return fail(ErrInvalidState, "staking offer already exists for listing %d", l.ID)
		}

		o := &models.StakingOffer{
			ListingID:  l.ID,
			Offerer:    sender,
			Collateral: new(big.Int).Set(collateral),
			Premium:    new(big.Int).Set(premium),
			Fee:        models.BPS(premium, l.SellFeeBPS),
			Status:     models.StakingOfferStatusActive,
			CreatedAt:  t.now,
			UpdatedAt:  t.now,
		}
		total := o.Total()
		if err := t.requirePayment(total, "insufficient value for staking offer"); err != nil {
			return err
		}
		o.ID = t.w.AllocateStakingOfferID()
		if err := t.hold(obStakingOffer(o.ID), sender, total); err != nil {
			return err
		}
		t.w.SaveStakingOffer(o)

		t.emit(events.EventStakingOffered, map[string]any{
			"listing_id": l.ID,
			"offer_id":   o.ID,
			"seller":     l.Seller.Hex(),
			"offerer":    sender.Hex(),
			"collateral": amountStr(o.Collateral),
			"premium":    amountStr(o.Premium),
		})
		t.audit("staking_offer_created", "staking_offer", idStr(o.ID), map[string]any{"listing_id": l.ID})
		out = o.Clone()
		return nil
	})
	return out, err
}

// AcceptStakingOffer turns a staking offer into a rental. The escrowed premium
// covers periods whole periods.
func (m *Marketplace) AcceptStakingOffer(ctx context.Context, msg Msg, listingID uint64, offerer common.Address, periods int) (*models.RentalAgreement, error) {
	var out *models.RentalAgreement
	err := m.execute(ctx, "accept_staking_offer", msg, func(t *txn) error {
		l, err := t.listing(listingID)
		if err != nil {
			return err
		}
		if !rbac.HasPermission(t.roleOf(l), rbac.PermAcceptStakingOffer) {
			return fail(ErrAuthorization, "only seller can accept a staking offer")
		}
		if l.Status != models.ListingStatusOpen {
			return fail(ErrInvalidState, "listing %d is %s", l.ID, l.Status)
		}
		o := t.w.ActiveStakingOffer(l.ID, offerer)
		if o == nil {
			return fail(ErrNotFound, "no active staking offer from %s", offerer.Hex())
		}
		if periods < 1 {
			return fail(ErrInvalidState, "at least one period must be prepaid")
		}
		perPeriod, rem := new(big.Int).QuoRem(o.Premium, big.NewInt(int64(periods)), new(big.Int))
		if rem.Sign() != 0 {
			return fail(ErrScheduleViolation, "premium %s does not split into %d whole periods", o.Premium, periods)
		}

		maxPayments := periods
		period := t.p.DefaultRentalPeriod
		if terms := l.RentalTerms; terms != nil {
			maxPayments = terms.MaxPremiumPayments
			if terms.PeriodLength > 0 {
				period = terms.PeriodLength
			}
		}
		if periods > maxPayments {
			return fail(ErrScheduleViolation, MsgTooManyPayments)
		}

		escrow := obStakingOffer(o.ID)
		if o.Collateral.Sign() > 0 {
			if err := t.w.Ledger.Split(escrow, obCollateral(l.ID), o.Collateral); err != nil {
				return err
			}
		}
		if err := t.release(escrow, l.Seller, o.Premium, "rental premium"); err != nil {
			return err
		}
		if err := t.collectHeldFee(escrow, offerer); err != nil {
			return err
		}

		r, err := t.startRental(l, offerer, o.Collateral, perPeriod, periods, maxPayments, period)
		if err != nil {
			return err
		}
		if err := t.stakingTransition(o, models.StakingOfferStatusAccepted); err != nil {
			return err
		}

		t.emit(events.EventStakingOfferAccepted, map[string]any{
			"listing_id": l.ID,
			"offer_id":   o.ID,
			"owner":      l.Seller.Hex(),
			"renter":     offerer.Hex(),
			"collateral": amountStr(o.Collateral),
			"premium":    amountStr(o.Premium),
			"periods":    periods,
			"deadline":   r.Deadline.Unix(),
		})
		out = r.Clone()
		return nil
	})
	return out, err
}

// CancelStakingOffer refunds the caller's active staking offer in full.
func (m *Marketplace) CancelStakingOffer(ctx context.Context, msg Msg, listingID uint64) (*models.StakingOffer, error) {
	var out *models.StakingOffer
	err := m.execute(ctx, "cancel_staking_offer", msg, func(t *txn) error {
		o := t.w.ActiveStakingOffer(listingID, t.msg.Sender)
		if o == nil {
			return fail(ErrNotFound, "no active staking offer on listing %d", listingID)
		}
		refunded := t.refund(obStakingOffer(o.ID), "staking offer refund")
		if err := t.stakingTransition(o, models.StakingOfferStatusCancelled); err != nil {
			return err
		}

		t.emit(events.EventStakingOfferCancelled, map[string]any{
			"listing_id": listingID,
			"offer_id":   o.ID,
			"offerer":    o.Offerer.Hex(),
			"amount":     amountStr(refunded),
		})
		t.audit("staking_offer_cancelled", "staking_offer", idStr(o.ID), nil)
		out = o.Clone()
		return nil
	})
	return out, err
}

// PayPremium pays periods more premiums on an active rental.
func (m *Marketplace) PayPremium(ctx context.Context, msg Msg, listingID uint64, periods int) (*models.RentalAgreement, error) {
	var out *models.RentalAgreement
	err := m.execute(ctx, "pay_premium", msg, func(t *txn) error {
		l, r, err := t.activeRental(listingID)
		if err != nil {
			return err
		}
		if !rbac.HasPermission(t.roleOf(l), rbac.PermPayPremium) {
			return fail(ErrAuthorization, "only renter can pay premiums")
		}
		if periods < 1 {
			return fail(ErrInvalidState, "at least one period must be paid")
		}
		if r.PremiumsPaid+periods > r.MaxPremiumPayments {
			return fail(ErrScheduleViolation, MsgTooManyPayments)
		}

		premium, fee := r.PremiumFor(periods)
		if err := t.requirePayment(new(big.Int).Add(premium, fee), "insufficient value for premium"); err != nil {
			return err
		}
		if err := t.transfer(r.Renter, r.Owner, premium, "rental premium"); err != nil {
			return err
		}
		if err := t.collectFeeFrom(r.Renter, fee, r.Renter); err != nil {
			return err
		}
		r.PremiumsPaid += periods
		r.UpdatedAt = t.now
		t.w.SaveRental(r)

		t.emit(events.EventPremiumPaid, map[string]any{
			"listing_id":    l.ID,
			"owner":         r.Owner.Hex(),
			"renter":        r.Renter.Hex(),
			"periods":       periods,
			"premium":       amountStr(premium),
			"fee":           amountStr(fee),
			"premiums_paid": r.PremiumsPaid,
		})
		t.audit("premium_paid", "rental", idStr(l.ID), map[string]any{"periods": periods})
		out = r.Clone()
		return nil
	})
	return out, err
}

// ClaimCollateral lets the owner take the collateral once the renter stops
// being paid up. The asset stays with the renter.
func (m *Marketplace) ClaimCollateral(ctx context.Context, msg Msg, listingID uint64) (*models.RentalAgreement, error) {
	var out *models.RentalAgreement
	err := m.execute(ctx, "claim_collateral", msg, func(t *txn) error {
		l, r, err := t.activeRental(listingID)
		if err != nil {
			return err
		}
		if !rbac.HasPermission(t.roleOf(l), rbac.PermClaimCollateral) {
			return fail(ErrAuthorization, "only owner can claim collateral")
		}
		if r.PremiumsCurrent(t.now) {
			return fail(ErrScheduleViolation, MsgPremiumsCurrent)
		}

		collateral := t.w.Ledger.HeldAmount(obCollateral(l.ID))
		if err := t.release(obCollateral(l.ID), r.Owner, collateral, "collateral claim"); err != nil {
			return err
		}
		if err := t.rentalTransition(r, models.RentalStatusDefaulted); err != nil {
			return err
		}
		if err := t.transition(l, models.ListingStatusClosed); err != nil {
			return err
		}

		t.emit(events.EventCollateralClaimed, map[string]any{
			"listing_id": l.ID,
			"owner":      r.Owner.Hex(),
			"renter":     r.Renter.Hex(),
			"collateral": amountStr(collateral),
		})
		t.audit("collateral_claimed", "rental", idStr(l.ID), map[string]any{"collateral": amountStr(collateral)})
		out = r.Clone()
		return nil
	})
	return out, err
}

// StopRental returns the asset to its owner. Overdue premiums and their fee
// come out of the collateral first; the renter covers any shortfall with the
// attached value and gets the rest of the collateral back.
func (m *Marketplace) StopRental(ctx context.Context, msg Msg, listingID uint64) (*models.RentalAgreement, error) {
	var out *models.RentalAgreement
	err := m.execute(ctx, "stop_rental", msg, func(t *txn) error {
		l, r, err := t.activeRental(listingID)
		if err != nil {
			return err
		}
		if !rbac.HasPermission(t.roleOf(l), rbac.PermStopRental) {
			return fail(ErrAuthorization, "only renter can stop rental")
		}
		if !t.w.Assets.IsApproved(l.Asset, t.p.Marketplace) {
			return fail(ErrAuthorization, "renter has not approved the marketplace for %s", l.Asset)
		}

		due := r.PeriodsDue(t.now)
		premium, fee := r.PremiumFor(due)
		ob := obCollateral(l.ID)
		held := t.w.Ledger.HeldAmount(ob)

		premiumFromCollateral := minInt(premium, held)
		left := new(big.Int).Sub(held, premiumFromCollateral)
		feeFromCollateral := minInt(fee, left)
		premiumShort := new(big.Int).Sub(premium, premiumFromCollateral)
		feeShort := new(big.Int).Sub(fee, feeFromCollateral)
		if err := t.requirePayment(new(big.Int).Add(premiumShort, feeShort), "insufficient value for overdue premiums"); err != nil {
			return err
		}

		if err := t.release(ob, r.Owner, premiumFromCollateral, "overdue premium"); err != nil {
			return err
		}
		if err := t.transfer(r.Renter, r.Owner, premiumShort, "overdue premium"); err != nil {
			return err
		}
		if err := t.collectFee(ob, feeFromCollateral, r.Renter); err != nil {
			return err
		}
		if err := t.collectFeeFrom(r.Renter, feeShort, r.Renter); err != nil {
			return err
		}
		returned := t.refund(ob, "collateral return")

		if err := t.moveAsset(l.Asset, r.Renter, r.Owner); err != nil {
			return err
		}
		r.PremiumsPaid += due
		if err := t.rentalTransition(r, models.RentalStatusEnded); err != nil {
			return err
		}
		if err := t.transition(l, models.ListingStatusClosed); err != nil {
			return err
		}

		t.emit(events.EventRentalStopped, map[string]any{
			"listing_id":        l.ID,
			"owner":             r.Owner.Hex(),
			"renter":            r.Renter.Hex(),
			"overdue_periods":   due,
			"overdue_premium":   amountStr(premium),
			"collateral_return": amountStr(returned),
		})
		t.audit("rental_stopped", "rental", idStr(l.ID), map[string]any{"overdue_periods": due})
		out = r.Clone()
		return nil
	})
	return out, err
}

// PaymentsDue reports what the renter owes right now.
func (m *Marketplace) PaymentsDue(ctx context.Context, listingID uint64) (*models.PaymentsDue, error) {
	var out *models.PaymentsDue
	var err error
	m.view(func(w *state.World, now time.Time) {
		r, ok := w.Rentals[listingID]
		if !ok {
			err = fail(ErrNotFound, "no rental for listing %d", listingID)
			return
		}
		periods := 0
		if r.Status == models.RentalStatusActive {
			periods = r.PeriodsDue(now)
		}
		premium, fee := r.PremiumFor(periods)
		out = &models.PaymentsDue{
			ListingID:   listingID,
			Periods:     periods,
			Premium:     premium,
			Fee:         fee,
			Amount:      new(big.Int).Add(premium, fee),
			PaidThrough: r.PaidThrough(),
			Deadline:    r.Deadline,
		}
	})
	return out, err
}

func (m *Marketplace) GetRental(ctx context.Context, listingID uint64) (*models.RentalAgreement, error) {
	var out *models.RentalAgreement
	var err error
	m.view(func(w *state.World, _ time.Time) {
		r, ok := w.Rentals[listingID]
		if !ok {
			err = fail(ErrNotFound, "no rental for listing %d", listingID)
			return
		}
		out = r.Clone()
	})
	return out, err
}

func (m *Marketplace) ListStakingOffers(ctx context.Context, listingID uint64) []*models.StakingOffer {
	var out []*models.StakingOffer
	m.view(func(w *state.World, _ time.Time) {
		for _, o := range w.StakingOffersFor(listingID) {
			out = append(out, o.Clone())
		}
	})
	return out
}

// startRental hands the asset to renter and records the agreement. Payments
// are settled by the caller.
func (t *txn) startRental(l *models.Listing, renter common.Address, collateral, perPeriod *big.Int, paid, maxPayments int, period time.Duration) (*models.RentalAgreement, error) {
	term, ok := models.RentalTerm(period, maxPayments)
	if !ok {
		return nil, fail(ErrScheduleViolation, "rental term exceeds %s", models.MaxRentalTerm)
	}
	t.refundBidder(l)
	if err := t.collectHeldFee(obListingFee(l.ID), l.Seller); err != nil {
		return nil, err
	}
	if err := t.moveAsset(l.Asset, t.p.Marketplace, renter); err != nil {
		return nil, err
	}

	r := &models.RentalAgreement{
		ListingID:          l.ID,
		Owner:              l.Seller,
		Renter:             renter,
		Collateral:         new(big.Int).Set(collateral),
		PremiumPerPeriod:   new(big.Int).Set(perPeriod),
		FeeBPS:             l.SellFeeBPS,
		PeriodLength:       period,
		StartedAt:          t.now,
		Deadline:           t.now.Add(term),
		PremiumsPaid:       paid,
		MaxPremiumPayments: maxPayments,
		Status:             models.RentalStatusActive,
		UpdatedAt:          t.now,
	}
	t.w.SaveRental(r)
	if err := t.transition(l, models.ListingStatusRented); err != nil {
		return nil, err
	}
	t.audit("rental_started", "rental", idStr(l.ID), map[string]any{
		"renter":  renter.Hex(),
		"periods": paid,
	})
	return r, nil
}

func (t *txn) activeRental(listingID uint64) (*models.Listing, *models.RentalAgreement, error) {
	l, err := t.listing(listingID)
	if err != nil {
		return nil, nil, err
	}
	r, ok := t.w.Rentals[listingID]
	if !ok || r.Status != models.RentalStatusActive {
		return nil, nil, fail(ErrInvalidState, "listing %d has no active rental", listingID)
	}
	return l, r, nil
}

func (t *txn) rentalTransition(r *models.RentalAgreement, to string) error {
	if !models.IsValidRentalTransition(r.Status, to) {
		return fail(ErrInvalidState, "invalid rental transition from %s to %s", r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = t.now
	t.w.SaveRental(r)
	return nil
}

func (t *txn) stakingTransition(o *models.StakingOffer, to string) error {
	if !models.IsValidStakingOfferTransition(o.Status, to) {
		return fail(ErrInvalidState, "invalid staking offer transition from %s to %s", o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = t.now
	t.w.SaveStakingOffer(o)
	return nil
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) < 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
