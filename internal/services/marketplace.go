package services

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/RedDuck-Software/Undas.Contracts/internal/config"
	"github.com/RedDuck-Software/Undas.Contracts/internal/custody"
	"github.com/RedDuck-Software/Undas.Contracts/internal/events"
	"github.com/RedDuck-Software/Undas.Contracts/internal/metrics"
	"github.com/RedDuck-Software/Undas.Contracts/internal/models"
	"github.com/RedDuck-Software/Undas.Contracts/internal/state"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Msg carries the caller of an operation and the value attached to the call.
// Only the amount an operation needs is pulled from the caller's wallet.
type Msg struct {
	Sender common.Address
	Value  *big.Int
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// StatePersister stores the records an operation changed. Persist must be
// all-or-nothing; an error aborts the operation.
type StatePersister interface {
	Persist(ctx context.Context, w *state.World) error
}

type AuditLogger interface {
	Log(ctx context.Context, entry models.AuditLog) error
}

// Payout is a transfer of value to a wallet, reported after commit.
type Payout struct {
	To     common.Address
	Amount *big.Int
	Reason string
}

// PayoutHook observes payouts once the operation is committed and the engine
// is unlocked, so it may call back into the marketplace.
type PayoutHook func(ctx context.Context, p Payout)

type Params struct {
	Marketplace         common.Address
	BidFeeBPS           int64
	SellFeeBPS          int64
	MinBidFee           *big.Int
	DefaultRentalPeriod time.Duration
	Schedule            models.EpochSchedule
	LockPeriod          time.Duration
	CashbackBPS         int64
	CashbackRate        *big.Int
}

// ParamsFromConfig builds engine parameters. A zero genesis falls back to the given time.
func ParamsFromConfig(cfg *config.Config, genesis time.Time) Params {
	if !cfg.EpochGenesis.IsZero() {
		genesis = cfg.EpochGenesis
	}
	return Params{
		Marketplace:         cfg.MarketplaceAddress,
		BidFeeBPS:           int64(cfg.BidFeeBPS),
		SellFeeBPS:          int64(cfg.SellFeeBPS),
		MinBidFee:           cfg.MinBidFeeWei,
		DefaultRentalPeriod: cfg.DefaultRentalPeriod,
		Schedule: models.EpochSchedule{
			Genesis:     genesis,
			Length:      cfg.EpochLength,
			ClaimWindow: cfg.ClaimWindow,
		},
		LockPeriod:   cfg.LockPeriod,
		CashbackBPS:  int64(cfg.CashbackBPS),
		CashbackRate: cfg.CashbackTokensPerNative,
	}
}

// DeriveGenesis recovers the epoch genesis from a persisted world so a
// restarted process keeps the same schedule. It returns fallback for a fresh world.
func DeriveGenesis(w *state.World, length time.Duration, fallback time.Time) time.Time {
	if w == nil || w.Epoch == nil || length <= 0 {
		return fallback
	}
	return w.Epoch.StartsAt.Add(-time.Duration(w.Epoch.Number) * length)
}

type Marketplace struct {
	mu        sync.Mutex
	world     *state.World
	params    Params
	clock     Clock
	persister StatePersister
	audit     AuditLogger
	publisher events.Publisher
	hooks     []PayoutHook
	isAdmin   AdminCheck
	metrics   *metrics.Metrics
	log       *zap.Logger
}

type Option func(*Marketplace)

func WithClock(c Clock) Option { return func(m *Marketplace) { m.clock = c } }
func WithPersister(p StatePersister) Option { return func(m *Marketplace) { m.persister = p } }
func WithAuditLogger(a AuditLogger) Option { return func(m *Marketplace) { m.audit = a } }
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Marketplace) { m.metrics = mt } }
func WithPayoutHook(h PayoutHook) Option { return func(m *Marketplace) { m.hooks = append(m.hooks, h) } }

// NewMarketplace wraps world, or a fresh world when nil.
func NewMarketplace(world *state.World, params Params, publisher events.Publisher, log *zap.Logger, opts ...Option) *Marketplace {
	m := &Marketplace{
		params:    params,
		clock:     SystemClock{},
		publisher: publisher,
		log:       log,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.params.MinBidFee == nil {
		m.params.MinBidFee = new(big.Int)
	}
	if m.params.CashbackRate == nil {
		m.params.CashbackRate = big.NewInt(1)
	}
	if world == nil {
		s := m.params.Schedule
		world = state.New(models.NewDividendEpoch(s, s.EpochAt(m.clock.Now())))
	}
	m.world = world
	return m
}

func (m *Marketplace) Params() Params { return m.params }

// txn is one operation running against a private copy of the world.
type txn struct {
	ctx     context.Context
	w       *state.World
	now     time.Time
	msg     Msg
	p       *Params
	events  []events.Event
	audits  []models.AuditLog
	payouts []Payout
	dryRun  bool
}

// execute runs fn against a clone of the world and swaps the clone in only if
// fn and persistence both succeed. Events, audit rows and payout hooks run
// after the lock is released.
func (m *Marketplace) execute(ctx context.Context, op string, msg Msg, fn func(t *txn) error) error {
	started := time.Now()
	if msg.Value == nil {
		msg.Value = new(big.Int)
	}

	m.mu.Lock()
	t := &txn{ctx: ctx, w: m.world.Clone(), now: m.clock.Now(), msg: msg, p: &m.params}
	m.advanceEpoch(t)
	err := fn(t)
	if err == nil && m.persister != nil {
		if perr := m.persister.Persist(ctx, t.w); perr != nil {
			err = fmt.Errorf("persist state: %w", perr)
		}
	}
	if err == nil {
		m.world = t.w
		m.observeState()
	}
	m.mu.Unlock()

	m.metrics.ObserveOperation(op, started, err)
	if err != nil {
		m.log.Debug("operation rejected",
			zap.String("op", op),
			zap.String("sender", msg.Sender.Hex()),
			zap.Error(err),
		)
		return err
	}

	m.dispatch(ctx, t)
	return nil
}

// view runs a read against the committed world.
func (m *Marketplace) view(fn func(w *state.World, now time.Time)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.world, m.clock.Now())
}

func (m *Marketplace) dispatch(ctx context.Context, t *txn) {
	if m.audit != nil {
		for _, entry := range t.audits {
			_ = m.audit.Log(ctx, entry)
		}
	}

	if m.publisher != nil && len(t.events) > 0 {
		if bp, ok := m.publisher.(events.BatchPublisher); ok {
			_ = bp.PublishBatch(ctx, events.StreamMarketplace, t.events)
		} else {
			for _, ev := range t.events {
				_ = m.publisher.Publish(ctx, events.StreamMarketplace, ev)
			}
		}
	}

	for _, p := range t.payouts {
		for _, h := range m.hooks {
			h(ctx, p)
		}
	}
}

func (m *Marketplace) observeState() {
	if m.metrics == nil {
		return
	}
	m.metrics.FeePool.Set(weiFloat(m.world.Ledger.FeePool()))
	m.metrics.TotalLocked.Set(weiFloat(m.world.TotalLocked))
	m.metrics.EscrowHeld.Set(weiFloat(m.world.Ledger.TotalHeld()))
	m.metrics.TokenSupply.Set(weiFloat(m.world.Tokens.TotalSupply()))
	m.metrics.OpenListings.Set(float64(len(m.world.OpenByAsset)))
}

func weiFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

func (t *txn) emit(typ string, payload map[string]any) {
	t.events = append(t.events, events.Event{Type: typ, Payload: payload})
}

func (t *txn) audit(action, entityType, entityID string, meta map[string]any) {
	t.audits = append(t.audits, models.AuditLog{
		ActorAddress: t.msg.Sender.Hex(),
		ActorType:    "user",
		Action:       action,
		EntityType:   entityType,
		EntityID:     entityID,
		Meta:         meta,
		CreatedAt:    t.now,
	})
}

// requirePayment checks the attached value covers amount.
func (t *txn) requirePayment(amount *big.Int, msg string) error {
	if t.msg.Value.Cmp(amount) < 0 {
		return fail(ErrInsufficientPayment, "%s", msg)
	}
	return nil
}

func (t *txn) hold(ob custody.Obligation, payer common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	return t.w.Ledger.Hold(ob, payer, amount)
}

func (t *txn) release(ob custody.Obligation, to common.Address, amount *big.Int, reason string) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := t.w.Ledger.Release(ob, to, amount); err != nil {
		return err
	}
	t.payouts = append(t.payouts, Payout{To: to, Amount: new(big.Int).Set(amount), Reason: reason})
	return nil
}

func (t *txn) transfer(from, to common.Address, amount *big.Int, reason string) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := t.w.Ledger.Transfer(from, to, amount); err != nil {
		return err
	}
	t.payouts = append(t.payouts, Payout{To: to, Amount: new(big.Int).Set(amount), Reason: reason})
	return nil
}

// refund returns a hold to its payer if it is still open.
func (t *txn) refund(ob custody.Obligation, reason string) *big.Int {
	h, ok := t.w.Ledger.HoldOf(ob)
	if !ok {
		return new(big.Int)
	}
	amount := t.w.Ledger.RefundIfHeld(ob)
	t.payouts = append(t.payouts, Payout{To: h.Payer, Amount: new(big.Int).Set(amount), Reason: reason})
	return amount
}

// collectFee moves part of a hold into the fee pool and accrues cashback to payer.
func (t *txn) collectFee(ob custody.Obligation, amount *big.Int, payer common.Address) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := t.w.Ledger.CollectFee(ob, amount); err != nil {
		return err
	}
	t.accrueCashback(payer, amount)
	return nil
}

// collectHeldFee sweeps whatever remains of a fee hold into the fee pool.
func (t *txn) collectHeldFee(ob custody.Obligation, payer common.Address) error {
	return t.collectFee(ob, t.w.Ledger.HeldAmount(ob), payer)
}

// collectFeeFrom takes a fee straight from a wallet. Cashback accrues to payer,
// which differs from the wallet when a buyer pays the seller's sell fee.
func (t *txn) collectFeeFrom(from common.Address, amount *big.Int, payer common.Address) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := t.w.Ledger.CollectFeeFrom(from, amount); err != nil {
		return err
	}
	t.accrueCashback(payer, amount)
	return nil
}

func (t *txn) accrueCashback(payer common.Address, fee *big.Int) {
	if t.p.CashbackBPS == 0 {
		return
	}
	cb := models.BPS(fee, t.p.CashbackBPS)
	cb.Mul(cb, t.p.CashbackRate)
	t.w.AddCashback(payer, cb)
}

// moveAsset transfers an NFT with the marketplace as operator.
func (t *txn) moveAsset(ref models.AssetRef, from, to common.Address) error {
	if err := t.w.Assets.TransferFrom(t.p.Marketplace, from, to, ref); err != nil {
		return assetErr(err)
	}
	return nil
}

func obListingFee(listingID uint64) custody.Obligation {
	return custody.Obligation(fmt.Sprintf("listing:%d:seller-fee", listingID))
}

func obBid(listingID uint64) custody.Obligation {
	return custody.Obligation(fmt.Sprintf("listing:%d:bid", listingID))
}

func obBidFee(listingID uint64) custody.Obligation {
	return custody.Obligation(fmt.Sprintf("listing:%d:bid-fee", listingID))
}

func obOffer(offerID uint64) custody.Obligation {
	return custody.Obligation(fmt.Sprintf("offer:%d", offerID))
}

func obStakingOffer(offerID uint64) custody.Obligation {
	return custody.Obligation(fmt.Sprintf("staking-offer:%d", offerID))
}

func obCollateral(listingID uint64) custody.Obligation {
	return custody.Obligation(fmt.Sprintf("rental:%d:collateral", listingID))
}

func amountStr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
