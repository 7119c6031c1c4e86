package services

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/RedDuck-Software/Undas.Contracts/internal/events"
	"github.com/RedDuck-Software/Undas.Contracts/internal/metrics"
	"github.com/RedDuck-Software/Undas.Contracts/internal/models"
	"github.com/RedDuck-Software/Undas.Contracts/internal/state"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

var (
	marketAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	adminAddr  = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	sellerAddr = common.HexToAddress("0x0000000000000000000000000000000000000001")
	buyerAddr  = common.HexToAddress("0x0000000000000000000000000000000000000002")
	buyer2Addr = common.HexToAddress("0x0000000000000000000000000000000000000003")
	nftAddr    = common.HexToAddress("0x00000000000000000000000000000000000000ff")

	genesis = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func eth(v string) *big.Int {
	return decimal.RequireFromString(v).Shift(18).BigInt()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, ev events.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type failingPersister struct {
	fail bool
}

func (f *failingPersister) Persist(context.Context, *state.World) error {
	if f.fail {
		return errors.New("connection reset")
	}
	return nil
}

type MarketplaceTestSuite struct {
	suite.Suite
	ctx   context.Context
	clock *fakeClock
	pub   *recordingPublisher
	m     *Marketplace
	asset models.AssetRef
}

func TestMarketplace(t *testing.T) {
	suite.Run(t, new(MarketplaceTestSuite))
}

func (s *MarketplaceTestSuite) SetupTest() {
	s.build(nil)
}

// build creates a funded marketplace: seller owns and has approved token 0,
// every participant holds 100 ether.
func (s *MarketplaceTestSuite) build(tweak func(p *Params), opts ...Option) {
	s.ctx = context.Background()
	s.clock = &fakeClock{now: genesis.Add(time.Hour)}
	s.pub = &recordingPublisher{}
	s.asset = models.AssetRef{Contract: nftAddr, TokenID: "0"}

	p := Params{
		Marketplace:         marketAddr,
		BidFeeBPS:           200,
		SellFeeBPS:          10,
		MinBidFee:           new(big.Int),
		DefaultRentalPeriod: 24 * time.Hour,
		Schedule: models.EpochSchedule{
			Genesis:     genesis,
			Length:      7 * 24 * time.Hour,
			ClaimWindow: 24 * time.Hour,
		},
		LockPeriod: 24 * time.Hour,
	}
	if tweak != nil {
		tweak(&p)
	}

	opts = append([]Option{
		WithClock(s.clock),
		WithAdminCheck(func(a common.Address) bool { return a == adminAddr }),
	}, opts...)
	s.m = NewMarketplace(nil, p, s.pub, zap.NewNop(), opts...)

	admin := Msg{Sender: adminAddr}
	for _, a := range []common.Address{sellerAddr, buyerAddr, buyer2Addr} {
		s.Require().NoError(s.m.Deposit(s.ctx, admin, a, eth("100")))
	}
	s.Require().NoError(s.m.MintAsset(s.ctx, admin, s.asset, sellerAddr))
	s.Require().NoError(s.m.ApproveAsset(s.ctx, Msg{Sender: sellerAddr}, s.asset))
}

func (s *MarketplaceTestSuite) equalAmount(want, got *big.Int, msgAndArgs ...any) {
	s.T().Helper()
	s.Equal(want.String(), got.String(), msgAndArgs...)
}

func (s *MarketplaceTestSuite) balanceOf(a common.Address) *big.Int {
	return s.m.Balance(s.ctx, a)
}

func (s *MarketplaceTestSuite) list(price string) *models.Listing {
	l, err := s.m.CreateListing(s.ctx, Msg{Sender: sellerAddr, Value: eth("0.04")}, s.asset, eth(price), false, nil)
	s.Require().NoError(err)
	return l
}

func (s *MarketplaceTestSuite) listRentable() *models.Listing {
	l, err := s.m.BidAndStake(s.ctx, Msg{Sender: sellerAddr, Value: eth("0.04")}, s.asset, eth("2"), models.RentalTerms{
		Collateral:         eth("1"),
		PremiumPerPeriod:   eth("0.1"),
		MaxPremiumPayments: 3,
	})
	s.Require().NoError(err)
	return l
}

func (s *MarketplaceTestSuite) TestBidExternalListsAndChargesExactFee() {
	res, err := s.m.BidExternal(s.ctx, Msg{Sender: sellerAddr, Value: eth("0.04")}, s.asset, eth("2"))
	s.Require().NoError(err)
	s.True(res.Created)
	s.Equal(uint64(1), res.Listing.ID)
	s.Equal(models.ListingStatusOpen, res.Listing.Status)

	s.equalAmount(eth("99.96"), s.balanceOf(sellerAddr))
	s.Contains(s.pub.types(), events.EventListed)

	owner, err := s.m.AssetOwner(s.ctx, s.asset)
	s.Require().NoError(err)
	s.Equal(marketAddr, owner)
}

func (s *MarketplaceTestSuite) TestMinimumBidFee() {
	s.build(func(p *Params) { p.MinBidFee = eth("0.05") })

	_, err := s.m.Bid(s.ctx, Msg{Sender: sellerAddr, Value: eth("0.01")}, s.asset, big.NewInt(200))
	s.ErrorIs(err, ErrInsufficientPayment)
	s.EqualError(err, MsgBidFee)
	s.equalAmount(eth("100"), s.balanceOf(sellerAddr))

	res, err := s.m.Bid(s.ctx, Msg{Sender: sellerAddr, Value: eth("0.1")}, s.asset, big.NewInt(200))
	s.Require().NoError(err)
	s.True(res.Created)

	_, err = s.m.BuyToken(s.ctx, Msg{Sender: buyerAddr, Value: big.NewInt(200)}, res.Listing.ID)
	s.Require().NoError(err)
	s.equalAmount(new(big.Int).Sub(eth("100"), big.NewInt(200)), s.balanceOf(buyerAddr))
	s.equalAmount(new(big.Int).Add(eth("99.95"), big.NewInt(200)), s.balanceOf(sellerAddr))
}

func (s *MarketplaceTestSuite) TestCreateListingRequiresApprovalAndOwnership() {
	other := models.AssetRef{Contract: nftAddr, TokenID: "1"}
	s.Require().NoError(s.m.MintAsset(s.ctx, Msg{Sender: adminAddr}, other, sellerAddr))

	_, err := s.m.CreateListing(s.ctx, Msg{Sender: sellerAddr, Value: eth("1")}, other, eth("1"), false, nil)
	s.ErrorIs(err, ErrAuthorization)

	_, err = s.m.CreateListing(s.ctx, Msg{Sender: buyerAddr, Value: eth("1")}, s.asset, eth("1"), false, nil)
	s.ErrorIs(err, ErrAuthorization)

	s.list("2")
	_, err = s.m.CreateListing(s.ctx, Msg{Sender: sellerAddr, Value: eth("1")}, s.asset, eth("1"), false, nil)
	s.ErrorIs(err, ErrInvalidState)
}

func (s *MarketplaceTestSuite) TestBidPriceMonotonicAndOutbidRefund() {
	l := s.list("2")

	_, err := s.m.Bid(s.ctx, Msg{Sender: buyerAddr, Value: eth("3")}, s.asset, eth("1.5"))
	s.ErrorIs(err, ErrInvalidState)

	_, err = s.m.Bid(s.ctx, Msg{Sender: sellerAddr, Value: eth("3")}, s.asset, eth("2"))
	s.ErrorIs(err, ErrAuthorization)

	res, err := s.m.Bid(s.ctx, Msg{Sender: buyerAddr, Value: eth("2.04")}, s.asset, eth("2"))
	s.Require().NoError(err)
	s.False(res.Created)
	s.Equal(buyerAddr, res.Listing.CurrentBidder)
	s.equalAmount(eth("97.96"), s.balanceOf(buyerAddr))

	_, err = s.m.Bid(s.ctx, Msg{Sender: buyer2Addr, Value: eth("3")}, s.asset, eth("2"))
	s.ErrorIs(err, ErrInvalidState)

	_, err = s.m.Bid(s.ctx, Msg{Sender: buyer2Addr, Value: eth("3")}, s.asset, eth("3"))
	s.ErrorIs(err, ErrInsufficientPayment)

	_, err = s.m.Bid(s.ctx, Msg{Sender: buyer2Addr, Value: eth("3.06")}, s.asset, eth("3"))
	s.Require().NoError(err)
	s.equalAmount(eth("100"), s.balanceOf(buyerAddr))
	s.equalAmount(eth("96.94"), s.balanceOf(buyer2Addr))

	_, err = s.m.UpdatePrice(s.ctx, Msg{Sender: sellerAddr, Value: eth("1")}, l.ID, eth("5"))
	s.ErrorIs(err, ErrInvalidState)

	got, err := s.m.GetListing(s.ctx, l.ID)
	s.Require().NoError(err)
	s.equalAmount(eth("3"), got.CurrentPrice)
	s.Contains(s.pub.types(), events.EventBidPlaced)
}

func (s *MarketplaceTestSuite) TestBuyTokenByInternalBidderPaysFromEscrow() {
	l := s.list("2")
	_, err := s.m.Bid(s.ctx, Msg{Sender: buyerAddr, Value: eth("2.04")}, s.asset, eth("2"))
	s.Require().NoError(err)

	_, err = s.m.BuyToken(s.ctx, Msg{Sender: buyerAddr}, l.ID)
	s.Require().NoError(err)

	s.equalAmount(eth("97.96"), s.balanceOf(buyerAddr))
	s.equalAmount(eth("101.958"), s.balanceOf(sellerAddr))
	pool, _ := s.m.FeePool(s.ctx)
	s.equalAmount(eth("0.082"), pool)
	s.False(s.m.IsBuyable(s.ctx, l.ID))

	owner, err := s.m.AssetOwner(s.ctx, s.asset)
	s.Require().NoError(err)
	s.Equal(buyerAddr, owner)
}

func (s *MarketplaceTestSuite) TestBuyTokenRefundsBidder() {
	l := s.list("2")
	_, err := s.m.BidExternal(s.ctx, Msg{Sender: buyerAddr, Value: eth("0.04")}, s.asset, eth("2.5"))
	s.ErrorIs(err, ErrInsufficientPayment)

	_, err = s.m.BidExternal(s.ctx, Msg{Sender: buyerAddr, Value: eth("0.04")}, s.asset, eth("2"))
	s.Require().NoError(err)
	s.equalAmount(eth("99.96"), s.balanceOf(buyerAddr))

	_, err = s.m.BuyToken(s.ctx, Msg{Sender: buyer2Addr, Value: eth("1.9")}, l.ID)
	s.ErrorIs(err, ErrInsufficientPayment)

	_, err = s.m.BuyToken(s.ctx, Msg{Sender: buyer2Addr, Value: eth("2")}, l.ID)
	s.Require().NoError(err)
	s.equalAmount(eth("100"), s.balanceOf(buyerAddr))
	s.equalAmount(eth("98"), s.balanceOf(buyer2Addr))
}

func (s *MarketplaceTestSuite) TestAcceptBidExternal() {
	l := s.list("2")
	_, err := s.m.AcceptBid(s.ctx, Msg{Sender: sellerAddr}, l.ID)
	s.ErrorIs(err, ErrInvalidState)

	_, err = s.m.BidExternal(s.ctx, Msg{Sender: buyerAddr, Value: eth("0.04")}, s.asset, eth("2"))
	s.Require().NoError(err)

	_, err = s.m.AcceptBid(s.ctx, Msg{Sender: buyerAddr}, l.ID)
	s.ErrorIs(err, ErrAuthorization)

	_, err = s.m.AcceptBid(s.ctx, Msg{Sender: sellerAddr}, l.ID)
	s.Require().NoError(err)
	s.equalAmount(eth("97.96"), s.balanceOf(buyerAddr))
	s.equalAmount(eth("101.958"), s.balanceOf(sellerAddr))
}

func (s *MarketplaceTestSuite) TestCancel() {
	l := s.list("2")
	_, err := s.m.Bid(s.ctx, Msg{Sender: buyerAddr, Value: eth("2.04")}, s.asset, eth("2"))
	s.Require().NoError(err)

	err = s.m.Cancel(s.ctx, Msg{Sender: buyerAddr}, l.ID)
	s.ErrorIs(err, ErrAuthorization)
	s.EqualError(err, MsgOnlySeller)

	s.Require().NoError(s.m.Cancel(s.ctx, Msg{Sender: sellerAddr}, l.ID))
	s.equalAmount(eth("100"), s.balanceOf(buyerAddr))
	s.equalAmount(eth("100"), s.balanceOf(sellerAddr))

	owner, err := s.m.AssetOwner(s.ctx, s.asset)
	s.Require().NoError(err)
	s.Equal(sellerAddr, owner)

	got, err := s.m.GetListing(s.ctx, l.ID)
	s.Require().NoError(err)
	s.Equal(models.ListingStatusCancelled, got.Status)
	s.Contains(s.pub.types(), events.EventCancelBid)

	s.ErrorIs(s.m.Cancel(s.ctx, Msg{Sender: sellerAddr}, l.ID), ErrInvalidState)
}

func (s *MarketplaceTestSuite) TestUpdatePriceChargesDifference() {
	l := s.list("2")

	_, err := s.m.UpdatePrice(s.ctx, Msg{Sender: sellerAddr, Value: eth("1")}, l.ID, eth("1"))
	s.ErrorIs(err, ErrInvalidState)

	_, err = s.m.UpdatePrice(s.ctx, Msg{Sender: sellerAddr, Value: eth("0.01")}, l.ID, eth("3"))
	s.ErrorIs(err, ErrInsufficientPayment)

	got, err := s.m.UpdatePrice(s.ctx, Msg{Sender: sellerAddr, Value: eth("0.02")}, l.ID, eth("3"))
	s.Require().NoError(err)
	s.equalAmount(eth("3"), got.CurrentPrice)
	s.equalAmount(eth("0.06"), got.SellerFee)
	s.equalAmount(eth("99.94"), s.balanceOf(sellerAddr))
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (a *recordingAudit) Log(_ context.Context, entry models.AuditLog) error {
	a.mu.Lock()
	a.entries = append(a.entries, entry)
	a.mu.Unlock()
	return nil
}

func (a *recordingAudit) last(action string) *models.AuditLog {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.entries) - 1; i >= 0; i-- {
		if a.entries[i].Action == action {
			return &a.entries[i]
		}
	}
	return nil
}

func (s *MarketplaceTestSuite) TestUpdatePriceReportsFeeRefund() {
	audit := &recordingAudit{}
	var payouts []Payout
	s.build(nil, WithAuditLogger(audit), WithPayoutHook(func(_ context.Context, p Payout) {
		payouts = append(payouts, p)
	}))
	l := s.list("2")

	_, err := s.m.UpdatePrice(s.ctx, Msg{Sender: sellerAddr, Value: eth("0.02")}, l.ID, eth("3"))
	s.Require().NoError(err)

	s.Require().Len(payouts, 1)
	s.Equal(sellerAddr, payouts[0].To)
	s.Equal("listing fee refund", payouts[0].Reason)
	s.equalAmount(eth("0.04"), payouts[0].Amount)

	entry := audit.last("listing_price_updated")
	s.Require().NotNil(entry)
	meta, ok := entry.Meta.(map[string]any)
	s.Require().True(ok)
	s.Equal(eth("0.04").String(), meta["refunded"])
	s.Equal(eth("0.06").String(), meta["fee"])
}

func (s *MarketplaceTestSuite) TestOffersAcceptOneAndCancelOther() {
	l := s.list("2")

	_, err := s.m.ListingOffer(s.ctx, Msg{Sender: buyer2Addr, Value: eth("1.5")}, l.ID, eth("1.5"))
	s.Require().NoError(err)
	_, err = s.m.ListingOffer(s.ctx, Msg{Sender: buyerAddr, Value: eth("1")}, l.ID, eth("1"))
	s.Require().NoError(err)
	_, err = s.m.ListingOffer(s.ctx, Msg{Sender: buyerAddr, Value: eth("1")}, l.ID, eth("1"))
	s.ErrorIs(err, ErrInvalidState)
	_, err = s.m.ListingOffer(s.ctx, Msg{Sender: sellerAddr, Value: eth("1")}, l.ID, eth("1"))
	s.ErrorIs(err, ErrAuthorization)

	_, err = s.m.AcceptListingOffer(s.ctx, Msg{Sender: buyer2Addr}, l.ID, buyerAddr)
	s.ErrorIs(err, ErrAuthorization)

	o, err := s.m.AcceptListingOffer(s.ctx, Msg{Sender: sellerAddr}, l.ID, buyerAddr)
	s.Require().NoError(err)
	s.Equal(models.OfferStatusCompleted, o.Status)

	owner, err := s.m.AssetOwner(s.ctx, s.asset)
	s.Require().NoError(err)
	s.Equal(buyerAddr, owner)
	s.equalAmount(eth("99"), s.balanceOf(buyerAddr))
	s.equalAmount(eth("100.959"), s.balanceOf(sellerAddr))

	offers := s.m.ListOffers(s.ctx, l.ID)
	s.Require().Len(offers, 2)
	s.Equal(models.OfferStatusActive, offers[0].Status)

	_, err = s.m.CancelListingOffer(s.ctx, Msg{Sender: buyer2Addr}, l.ID)
	s.Require().NoError(err)
	s.equalAmount(eth("100"), s.balanceOf(buyer2Addr))

	_, err = s.m.CancelListingOffer(s.ctx, Msg{Sender: buyer2Addr}, l.ID)
	s.ErrorIs(err, ErrNotFound)
	s.Contains(s.pub.types(), events.EventListingOfferCompleted)
}

func (s *MarketplaceTestSuite) TestRentTooManyPayments() {
	l := s.listRentable()

	_, err := s.m.RentNFT(s.ctx, Msg{Sender: buyerAddr, Value: eth("10")}, l.ID, 4)
	s.ErrorIs(err, ErrScheduleViolation)
	s.EqualError(err, MsgTooManyPayments)

	_, err = s.m.RentNFT(s.ctx, Msg{Sender: buyerAddr, Value: eth("1.1")}, l.ID, 1)
	s.ErrorIs(err, ErrInsufficientPayment)

	r, err := s.m.RentNFT(s.ctx, Msg{Sender: buyerAddr, Value: eth("1.1001")}, l.ID, 1)
	s.Require().NoError(err)
	s.Equal(1, r.PremiumsPaid)
	s.Equal(s.clock.Now().Add(72*time.Hour), r.Deadline)
	s.equalAmount(eth("98.8999"), s.balanceOf(buyerAddr))
	s.equalAmount(eth("100.06"), s.balanceOf(sellerAddr))

	_, err = s.m.PayPremium(s.ctx, Msg{Sender: buyerAddr, Value: eth("1")}, l.ID, 2)
	s.Require().NoError(err)
	_, err = s.m.PayPremium(s.ctx, Msg{Sender: buyerAddr, Value: eth("1")}, l.ID, 1)
	s.ErrorIs(err, ErrScheduleViolation)
	s.EqualError(err, MsgTooManyPayments)

	_, err = s.m.PayPremium(s.ctx, Msg{Sender: buyer2Addr, Value: eth("1")}, l.ID, 1)
	s.ErrorIs(err, ErrAuthorization)
}

func (s *MarketplaceTestSuite) TestBidAndStakeInvalidTermsLeavesNothing() {
	bad := []models.RentalTerms{
		{Collateral: eth("1"), PremiumPerPeriod: eth("0.1"), MaxPremiumPayments: 0},
		{Collateral: big.NewInt(-1), PremiumPerPeriod: eth("0.1"), MaxPremiumPayments: 3},
		{Collateral: eth("1"), PremiumPerPeriod: new(big.Int), MaxPremiumPayments: 3},
		{Collateral: eth("1"), PremiumPerPeriod: big.NewInt(1), PeriodLength: 24 * time.Hour, MaxPremiumPayments: 110000},
	}

	for _, terms := range bad {
		_, err := s.m.BidAndStake(s.ctx, Msg{Sender: sellerAddr, Value: eth("0.04")}, s.asset, eth("2"), terms)
		s.Require().Error(err, "terms %+v", terms)

		_, err = s.m.GetListing(s.ctx, 1)
		s.ErrorIs(err, ErrNotFound)
		s.Empty(s.m.ListListings(s.ctx, models.ListingFilter{}))
		s.equalAmount(eth("100"), s.balanceOf(sellerAddr))
		s.m.view(func(w *state.World, _ time.Time) {
			_, held := w.Ledger.HoldOf(obListingFee(1))
			s.False(held)
			s.Zero(w.Ledger.TotalHeld().Sign())
		})
		owner, err := s.m.AssetOwner(s.ctx, s.asset)
		s.Require().NoError(err)
		s.Equal(sellerAddr, owner)
	}
	s.NotContains(s.pub.types(), events.EventListed)
}

func (s *MarketplaceTestSuite) TestFullyPrepaidLongRentalKeepsCollateral() {
	l, err := s.m.BidAndStake(s.ctx, Msg{Sender: sellerAddr, Value: eth("0.04")}, s.asset, eth("2"), models.RentalTerms{
		Collateral:         eth("1"),
		PremiumPerPeriod:   big.NewInt(1),
		PeriodLength:       24 * time.Hour,
		MaxPremiumPayments: 36000,
	})
	s.Require().NoError(err)

	r, err := s.m.RentNFT(s.ctx, Msg{Sender: buyerAddr, Value: eth("1.1")}, l.ID, 36000)
	s.Require().NoError(err)
	s.True(r.PaidThrough().After(s.clock.Now()))
	s.Equal(r.Deadline, r.PaidThrough())

	_, err = s.m.ClaimCollateral(s.ctx, Msg{Sender: sellerAddr}, l.ID)
	s.ErrorIs(err, ErrScheduleViolation)
	s.EqualError(err, MsgPremiumsCurrent)
}

func (s *MarketplaceTestSuite) TestClaimCollateralAfterDeadlineWithAllPremiumsPaid() {
	l := s.listRentable()
	r, err := s.m.RentNFT(s.ctx, Msg{Sender: buyerAddr, Value: eth("1.3003")}, l.ID, 3)
	s.Require().NoError(err)
	s.Equal(3, r.PremiumsPaid)

	s.clock.Set(r.Deadline.Add(-time.Second))
	_, err = s.m.ClaimCollateral(s.ctx, Msg{Sender: sellerAddr}, l.ID)
	s.EqualError(err, MsgPremiumsCurrent)

	s.clock.Set(r.Deadline)
	got, err := s.m.ClaimCollateral(s.ctx, Msg{Sender: sellerAddr}, l.ID)
	s.Require().NoError(err)
	s.Equal(models.RentalStatusDefaulted, got.Status)
	s.equalAmount(eth("101.26"), s.balanceOf(sellerAddr))
	s.Contains(s.pub.types(), events.EventCollateralClaimed)
}

func (s *MarketplaceTestSuite) TestClaimCollateralOnlyAfterPaidThrough() {
	l := s.listRentable()
	_, err := s.m.RentNFT(s.ctx, Msg{Sender: buyerAddr, Value: eth("1.1001")}, l.ID, 1)
	s.Require().NoError(err)

	_, err = s.m.ClaimCollateral(s.ctx, Msg{Sender: sellerAddr}, l.ID)
	s.ErrorIs(err, ErrScheduleViolation)
	s.EqualError(err, MsgPremiumsCurrent)

	_, err = s.m.Bid(s.ctx, Msg{Sender: buyer2Addr, Value: eth("5")}, s.asset, eth("3"))
	s.ErrorIs(err, ErrInvalidState)

	s.clock.Set(s.clock.Now().Add(24 * time.Hour))
	_, err = s.m.ClaimCollateral(s.ctx, Msg{Sender: buyerAddr}, l.ID)
	s.ErrorIs(err, ErrAuthorization)

	r, err := s.m.ClaimCollateral(s.ctx, Msg{Sender: sellerAddr}, l.ID)
	s.Require().NoError(err)
	s.Equal(models.RentalStatusDefaulted, r.Status)
	s.equalAmount(eth("101.06"), s.balanceOf(sellerAddr))

	got, err := s.m.GetListing(s.ctx, l.ID)
	s.Require().NoError(err)
	s.Equal(models.ListingStatusClosed, got.Status)

	_, err = s.m.StopRental(s.ctx, Msg{Sender: buyerAddr}, l.ID)
	s.ErrorIs(err, ErrInvalidState)
}

func (s *MarketplaceTestSuite) TestStopRentalPaysOverdueFromCollateral() {
	l := s.listRentable()
	_, err := s.m.RentNFT(s.ctx, Msg{Sender: buyerAddr, Value: eth("1.1001")}, l.ID, 1)
	s.Require().NoError(err)

	s.clock.Set(s.clock.Now().Add(30 * time.Hour))
	due, err := s.m.PaymentsDue(s.ctx, l.ID)
	s.Require().NoError(err)
	s.Equal(1, due.Periods)
	s.equalAmount(eth("0.1001"), due.Amount)

	_, err = s.m.StopRental(s.ctx, Msg{Sender: buyerAddr}, l.ID)
	s.ErrorIs(err, ErrAuthorization)

	s.Require().NoError(s.m.ApproveAsset(s.ctx, Msg{Sender: buyerAddr}, s.asset))
	r, err := s.m.StopRental(s.ctx, Msg{Sender: buyerAddr}, l.ID)
	s.Require().NoError(err)
	s.Equal(models.RentalStatusEnded, r.Status)
	s.Equal(2, r.PremiumsPaid)

	s.equalAmount(eth("99.7998"), s.balanceOf(buyerAddr))
	s.equalAmount(eth("100.16"), s.balanceOf(sellerAddr))

	owner, err := s.m.AssetOwner(s.ctx, s.asset)
	s.Require().NoError(err)
	s.Equal(sellerAddr, owner)
	s.Contains(s.pub.types(), events.EventRentalStopped)
}

func (s *MarketplaceTestSuite) TestStakingOfferAccepted() {
	l := s.list("2")
	_, err := s.m.Bid(s.ctx, Msg{Sender: buyer2Addr, Value: eth("2.04")}, s.asset, eth("2"))
	s.Require().NoError(err)

	_, err = s.m.StakingOffer(s.ctx, Msg{Sender: buyerAddr, Value: eth("1.3")}, l.ID, eth("1"), eth("0.3"))
	s.ErrorIs(err, ErrInsufficientPayment)
	o, err := s.m.StakingOffer(s.ctx, Msg{Sender: buyerAddr, Value: eth("1.3003")}, l.ID, eth("1"), eth("0.3"))
	s.Require().NoError(err)
	s.equalAmount(eth("0.0003"), o.Fee)

	_, err = s.m.AcceptStakingOffer(s.ctx, Msg{Sender: sellerAddr}, l.ID, buyerAddr, 7)
	s.ErrorIs(err, ErrScheduleViolation)

	r, err := s.m.AcceptStakingOffer(s.ctx, Msg{Sender: sellerAddr}, l.ID, buyerAddr, 3)
	s.Require().NoError(err)
	s.equalAmount(eth("0.1"), r.PremiumPerPeriod)
	s.Equal(3, r.MaxPremiumPayments)
	s.Equal(24*time.Hour, r.PeriodLength)

	s.equalAmount(eth("100"), s.balanceOf(buyer2Addr))
	s.equalAmount(eth("98.6997"), s.balanceOf(buyerAddr))
	s.equalAmount(eth("100.26"), s.balanceOf(sellerAddr))

	got, err := s.m.GetListing(s.ctx, l.ID)
	s.Require().NoError(err)
	s.Equal(models.ListingStatusRented, got.Status)

	_, err = s.m.Bid(s.ctx, Msg{Sender: buyer2Addr, Value: eth("5")}, s.asset, eth("3"))
	s.ErrorIs(err, ErrInvalidState)
	_, err = s.m.CancelStakingOffer(s.ctx, Msg{Sender: buyerAddr}, l.ID)
	s.ErrorIs(err, ErrNotFound)
}

func (s *MarketplaceTestSuite) TestCancelStakingOfferRefundsInFull() {
	l := s.list("2")
	_, err := s.m.StakingOffer(s.ctx, Msg{Sender: buyerAddr, Value: eth("1.3003")}, l.ID, eth("1"), eth("0.3"))
	s.Require().NoError(err)
	s.equalAmount(eth("98.6997"), s.balanceOf(buyerAddr))

	o, err := s.m.CancelStakingOffer(s.ctx, Msg{Sender: buyerAddr}, l.ID)
	s.Require().NoError(err)
	s.Equal(models.StakingOfferStatusCancelled, o.Status)
	s.equalAmount(eth("100"), s.balanceOf(buyerAddr))
	s.Len(s.m.ListStakingOffers(s.ctx, l.ID), 1)
}

func (s *MarketplaceTestSuite) TestDividendShareAndSingleClaim() {
	admin := Msg{Sender: adminAddr}
	s.Require().NoError(s.m.MintTokens(s.ctx, admin, buyerAddr, big.NewInt(100)))
	s.Require().NoError(s.m.MintTokens(s.ctx, admin, buyer2Addr, big.NewInt(300)))

	res, err := s.m.LockTokens(s.ctx, Msg{Sender: buyerAddr}, big.NewInt(100))
	s.Require().NoError(err)
	s.True(res.Locked)
	_, err = s.m.LockTokens(s.ctx, Msg{Sender: buyer2Addr}, big.NewInt(300))
	s.Require().NoError(err)

	l := s.list("2")
	_, err = s.m.BuyToken(s.ctx, Msg{Sender: sellerAddr, Value: eth("2")}, l.ID)
	s.ErrorIs(err, ErrAuthorization)
	_, err = s.m.BuyToken(s.ctx, Msg{Sender: adminAddr, Value: eth("2")}, l.ID)
	s.ErrorIs(err, ErrInsufficientFunds)
	s.Require().NoError(s.m.Deposit(s.ctx, admin, adminAddr, eth("2")))
	_, err = s.m.BuyToken(s.ctx, Msg{Sender: adminAddr, Value: eth("2")}, l.ID)
	s.Require().NoError(err)

	_, err = s.m.ClaimDividends(s.ctx, Msg{Sender: buyerAddr})
	s.ErrorIs(err, ErrScheduleViolation)
	s.EqualError(err, MsgNotReady)

	s.clock.Set(genesis.Add(6*24*time.Hour + time.Hour))
	epoch := s.m.CurrentEpoch(s.ctx)
	s.True(epoch.SnapshotTaken)
	s.equalAmount(eth("0.042"), epoch.TotalFeesCollected)

	paid, err := s.m.ClaimDividends(s.ctx, Msg{Sender: buyerAddr})
	s.Require().NoError(err)
	s.equalAmount(eth("0.0105"), paid)
	s.equalAmount(eth("100.0105"), s.balanceOf(buyerAddr))

	_, err = s.m.ClaimDividends(s.ctx, Msg{Sender: buyerAddr})
	s.EqualError(err, MsgNotReady)
	_, err = s.m.ClaimDividends(s.ctx, Msg{Sender: sellerAddr})
	s.EqualError(err, MsgNotReady)

	s.clock.Set(genesis.Add(7*24*time.Hour + time.Hour))
	s.Require().NoError(s.m.Deposit(s.ctx, admin, adminAddr, big.NewInt(1)))
	pool, epochPool := s.m.FeePool(s.ctx)
	s.equalAmount(eth("0.0315"), pool)
	s.Zero(epochPool.Sign())
	s.Equal(uint64(1), s.m.CurrentEpoch(s.ctx).Number)
	s.Contains(s.pub.types(), events.EventDividendsPaid)
}

func (s *MarketplaceTestSuite) TestLockUnlockRoundTrip() {
	s.Require().NoError(s.m.MintTokens(s.ctx, Msg{Sender: adminAddr}, buyerAddr, big.NewInt(500)))

	_, err := s.m.LockTokens(s.ctx, Msg{Sender: buyerAddr}, big.NewInt(501))
	s.ErrorIs(err, ErrInsufficientFunds)

	res, err := s.m.LockTokens(s.ctx, Msg{Sender: buyerAddr}, big.NewInt(200))
	s.Require().NoError(err)
	s.True(res.Locked)
	s.Equal(int64(300), s.m.TokenBalance(s.ctx, buyerAddr).Int64())

	_, err = s.m.UnlockTokens(s.ctx, Msg{Sender: buyerAddr}, big.NewInt(200))
	s.ErrorIs(err, ErrScheduleViolation)

	s.clock.Set(s.clock.Now().Add(25 * time.Hour))
	_, err = s.m.UnlockTokens(s.ctx, Msg{Sender: buyerAddr}, big.NewInt(0))
	s.ErrorIs(err, ErrAccountingViolation)
	_, err = s.m.UnlockTokens(s.ctx, Msg{Sender: buyerAddr}, big.NewInt(201))
	s.EqualError(err, MsgWrongUnlock)

	_, err = s.m.UnlockTokens(s.ctx, Msg{Sender: buyerAddr}, big.NewInt(200))
	s.Require().NoError(err)
	s.Equal(int64(500), s.m.TokenBalance(s.ctx, buyerAddr).Int64())
	s.Nil(s.m.LockedStake(s.ctx, buyerAddr))
}

func (s *MarketplaceTestSuite) TestLockInsideClaimWindowFails() {
	s.Require().NoError(s.m.MintTokens(s.ctx, Msg{Sender: adminAddr}, buyerAddr, big.NewInt(500)))
	_, err := s.m.LockTokens(s.ctx, Msg{Sender: buyerAddr}, big.NewInt(100))
	s.Require().NoError(err)

	s.clock.Set(genesis.Add(6*24*time.Hour + 2*time.Hour))
	res, err := s.m.LockTokens(s.ctx, Msg{Sender: buyerAddr}, big.NewInt(100))
	s.Require().NoError(err)
	s.False(res.Locked)
	s.Equal(int64(400), s.m.TokenBalance(s.ctx, buyerAddr).Int64())
	s.Contains(s.pub.types(), events.EventLockFailed)

	_, err = s.m.UnlockTokens(s.ctx, Msg{Sender: buyerAddr}, big.NewInt(100))
	s.EqualError(err, MsgWrongUnlock)
}

func (s *MarketplaceTestSuite) TestCashbackAccruesToFeePayer() {
	s.build(func(p *Params) {
		p.CashbackBPS = 1000
		p.CashbackRate = big.NewInt(2)
	})
	l := s.list("2")
	_, err := s.m.BuyToken(s.ctx, Msg{Sender: buyerAddr, Value: eth("2")}, l.ID)
	s.Require().NoError(err)

	// 10% of (0.04 listing fee + 0.002 sell fee), doubled.
	s.equalAmount(eth("0.0084"), s.m.TokenCashback(s.ctx, sellerAddr))
	s.Zero(s.m.TokenCashback(s.ctx, buyerAddr).Sign())
}

func (s *MarketplaceTestSuite) TestFailedPersistRollsBack() {
	p := &failingPersister{}
	s.build(nil, WithPersister(p))
	l := s.list("2")

	p.fail = true
	_, err := s.m.Bid(s.ctx, Msg{Sender: buyerAddr, Value: eth("2.04")}, s.asset, eth("2"))
	s.Require().Error(err)

	s.equalAmount(eth("100"), s.balanceOf(buyerAddr))
	got, err := s.m.GetListing(s.ctx, l.ID)
	s.Require().NoError(err)
	s.False(got.HasBidder())
	s.NotContains(s.pub.types(), events.EventBidPlaced)
}

func (s *MarketplaceTestSuite) TestFailedOperationLeavesNoTrace() {
	l := s.listRentable()
	_, err := s.m.RentNFT(s.ctx, Msg{Sender: buyerAddr, Value: eth("1.2")}, l.ID, 3)
	s.ErrorIs(err, ErrInsufficientPayment)

	s.equalAmount(eth("100"), s.balanceOf(buyerAddr))
	s.True(s.m.IsBuyable(s.ctx, l.ID))
	_, err = s.m.GetRental(s.ctx, l.ID)
	s.ErrorIs(err, ErrNotFound)
}

func (s *MarketplaceTestSuite) TestPayoutHookMayReenter() {
	var observed *big.Int
	hook := func(ctx context.Context, p Payout) {
		if p.Reason != "outbid refund" {
			return
		}
		observed = s.m.Balance(ctx, p.To)
		s.NoError(s.m.Withdraw(ctx, Msg{Sender: p.To}, p.Amount))
	}
	s.build(nil, WithPayoutHook(hook))
	s.list("2")

	_, err := s.m.Bid(s.ctx, Msg{Sender: buyerAddr, Value: eth("2.04")}, s.asset, eth("2"))
	s.Require().NoError(err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err = s.m.Bid(s.ctx, Msg{Sender: buyer2Addr, Value: eth("3.06")}, s.asset, eth("3"))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.FailNow("payout hook deadlocked")
	}
	s.Require().NoError(err)

	s.Require().NotNil(observed)
	s.equalAmount(eth("100"), observed)
	s.equalAmount(eth("98"), s.balanceOf(buyerAddr))
}

type recordingPersister struct {
	writes []state.Changes
}

func (r *recordingPersister) Persist(_ context.Context, w *state.World) error {
	if ch := w.Changes(); !ch.Empty() {
		r.writes = append(r.writes, ch)
	}
	return nil
}

func (s *MarketplaceTestSuite) TestSyncEpochSnapshotsWithoutTraffic() {
	rec := &recordingPersister{}
	s.build(nil, WithPersister(rec))
	l := s.list("2")
	_, err := s.m.BuyToken(s.ctx, Msg{Sender: buyerAddr, Value: eth("2")}, l.ID)
	s.Require().NoError(err)
	before := len(rec.writes)

	s.Require().NoError(s.m.SyncEpoch(s.ctx))
	s.Len(rec.writes, before)

	s.clock.Set(genesis.Add(6*24*time.Hour + time.Hour))
	s.Require().NoError(s.m.SyncEpoch(s.ctx))
	s.Require().Len(rec.writes, before+1)
	snap := rec.writes[len(rec.writes)-1]
	s.Require().NotNil(snap.Epoch)
	s.True(snap.Epoch.SnapshotTaken)
	s.equalAmount(eth("0.042"), snap.Epoch.TotalFeesCollected)

	s.Require().NoError(s.m.SyncEpoch(s.ctx))
	s.Len(rec.writes, before+1)
}

func (s *MarketplaceTestSuite) TestStateGaugesTrackEscrowAndSupply() {
	mt := metrics.NewMetrics(prometheus.NewRegistry())
	s.build(nil, WithMetrics(mt))
	s.Require().NoError(s.m.MintTokens(s.ctx, Msg{Sender: adminAddr}, buyerAddr, big.NewInt(500)))

	s.list("2")
	s.InDelta(4e16, testutil.ToFloat64(mt.EscrowHeld), 1)
	s.InDelta(500, testutil.ToFloat64(mt.TokenSupply), 0)
	s.InDelta(1, testutil.ToFloat64(mt.OpenListings), 0)

	_, err := s.m.Bid(s.ctx, Msg{Sender: buyerAddr, Value: eth("2.04")}, s.asset, eth("2"))
	s.Require().NoError(err)
	s.InDelta(2.08e18, testutil.ToFloat64(mt.EscrowHeld), 1e3)
}
