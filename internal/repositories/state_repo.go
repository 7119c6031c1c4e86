package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/RedDuck-Software/Undas.Contracts/internal/chain"
	"github.com/RedDuck-Software/Undas.Contracts/internal/custody"
	"github.com/RedDuck-Software/Undas.Contracts/internal/models"
	"github.com/RedDuck-Software/Undas.Contracts/internal/state"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StateRepo mirrors the marketplace world into Postgres. Every record an
// operation touched is written in one transaction.
type StateRepo struct {
	pool *pgxpool.Pool
}

func NewStateRepo(pool *pgxpool.Pool) *StateRepo {
	return &StateRepo{pool: pool}
}

func (r *StateRepo) Persist(ctx context.Context, w *state.World) error {
	ch := w.Changes()
	if ch.Empty() {
		return nil
	}

	b := &pgx.Batch{}
	queueState(b, w)
	queueEpoch(b, w.Epoch)
	for _, l := range ch.Listings {
		if err := queueListing(b, l); err != nil {
			return err
		}
	}
	for _, o := range ch.Offers {
		b.Queue(`
			INSERT INTO listing_offers (id, listing_id, offerer, amount, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
		`, o.ID, o.ListingID, o.Offerer.Hex(), wei(o.Amount), o.Status, o.CreatedAt, o.UpdatedAt)
	}
	for _, o := range ch.StakingOffers {
		b.Queue(`
			INSERT INTO staking_offers (id, listing_id, offerer, collateral, premium, fee, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
		`, o.ID, o.ListingID, o.Offerer.Hex(), wei(o.Collateral), wei(o.Premium), wei(o.Fee), o.Status, o.CreatedAt, o.UpdatedAt)
	}
	for _, ra := range ch.Rentals {
		b.Queue(`
			INSERT INTO rental_agreements (listing_id, owner, renter, collateral, premium_per_period, fee_bps,
				period_seconds, started_at, deadline, premiums_paid, max_premium_payments, status, updated_at)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (listing_id) DO UPDATE SET
				owner = EXCLUDED.owner, renter = EXCLUDED.renter, collateral = EXCLUDED.collateral,
				premium_per_period = EXCLUDED.premium_per_period, period_seconds = EXCLUDED.period_seconds,
				started_at = EXCLUDED.started_at, deadline = EXCLUDED.deadline,
				premiums_paid = EXCLUDED.premiums_paid, max_premium_payments = EXCLUDED.max_premium_payments,
				status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
		`, ra.ListingID, ra.Owner.Hex(), ra.Renter.Hex(), wei(ra.Collateral), wei(ra.PremiumPerPeriod), ra.FeeBPS,
			int64(ra.PeriodLength/time.Second), ra.StartedAt, ra.Deadline, ra.PremiumsPaid, ra.MaxPremiumPayments,
			ra.Status, ra.UpdatedAt)
	}
	for owner, s := range ch.Stakes {
		if s == nil {
			b.Queue(`DELETE FROM locked_stakes WHERE owner = $1`, owner.Hex())
			continue
		}
		b.Queue(`
			INSERT INTO locked_stakes (owner, amount, locked_at, lock_period_end, claim_window_end)
			VALUES ($1, $2::numeric, $3, $4, $5)
			ON CONFLICT (owner) DO UPDATE SET amount = EXCLUDED.amount, locked_at = EXCLUDED.locked_at,
				lock_period_end = EXCLUDED.lock_period_end, claim_window_end = EXCLUDED.claim_window_end
		`, owner.Hex(), wei(s.Amount), s.LockedAt, s.LockPeriodEnd, s.ClaimWindowEnd)
	}
	for owner, v := range ch.Cashback {
		b.Queue(`
			INSERT INTO cashback (owner, amount) VALUES ($1, $2::numeric)
			ON CONFLICT (owner) DO UPDATE SET amount = EXCLUDED.amount
		`, owner.Hex(), wei(v))
	}
	for addr, bal := range ch.Custody.Wallets {
		b.Queue(`
			INSERT INTO wallets (address, balance) VALUES ($1, $2::numeric)
			ON CONFLICT (address) DO UPDATE SET balance = EXCLUDED.balance
		`, addr.Hex(), wei(bal))
	}
	for _, ob := range ch.Custody.Holds {
		h, ok := w.Ledger.HoldOf(ob)
		if !ok {
			b.Queue(`DELETE FROM escrow_holds WHERE obligation = $1`, string(ob))
			continue
		}
		b.Queue(`
			INSERT INTO escrow_holds (obligation, payer, amount) VALUES ($1, $2, $3::numeric)
			ON CONFLICT (obligation) DO UPDATE SET payer = EXCLUDED.payer, amount = EXCLUDED.amount
		`, string(ob), h.Payer.Hex(), wei(h.Amount))
	}
	for _, a := range ch.Assets {
		b.Queue(`
			INSERT INTO assets (contract, token_id, owner, approved) VALUES ($1, $2, $3, $4)
			ON CONFLICT (contract, token_id) DO UPDATE SET owner = EXCLUDED.owner, approved = EXCLUDED.approved
		`, a.Ref.Contract.Hex(), a.Ref.TokenID, a.Owner.Hex(), nullAddr(a.Approved))
	}
	for addr, bal := range ch.Tokens {
		b.Queue(`
			INSERT INTO token_balances (address, balance) VALUES ($1, $2::numeric)
			ON CONFLICT (address) DO UPDATE SET balance = EXCLUDED.balance
		`, addr.Hex(), wei(bal))
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("persist statement %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// queueState writes the singleton row: counters, pools and the live epoch number.
func queueState(b *pgx.Batch, w *state.World) {
	b.Queue(`
		INSERT INTO marketplace_state (id, next_listing_id, next_offer_id, next_staking_offer_id,
			total_locked, fee_pool, epoch_pool, current_epoch, updated_at)
		VALUES (1, $1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			next_listing_id = EXCLUDED.next_listing_id, next_offer_id = EXCLUDED.next_offer_id,
			next_staking_offer_id = EXCLUDED.next_staking_offer_id, total_locked = EXCLUDED.total_locked,
			fee_pool = EXCLUDED.fee_pool, epoch_pool = EXCLUDED.epoch_pool,
			current_epoch = EXCLUDED.current_epoch, updated_at = now()
	`, w.NextListingID, w.NextOfferID, w.NextStakingOfferID, wei(w.TotalLocked),
		wei(w.Ledger.FeePool()), wei(w.Ledger.EpochPool()), w.Epoch.Number)
}

func queueListing(b *pgx.Batch, l *models.Listing) error {
	var terms []byte
	if l.RentalTerms != nil {
		var err error
		if terms, err = json.Marshal(l.RentalTerms); err != nil {
			return fmt.Errorf("encode rental terms for listing %d: %w", l.ID, err)
		}
	}
	b.Queue(`
		INSERT INTO listings (id, asset_contract, asset_id, seller, current_bidder, current_price, bid_mode,
			bid_escrow, bidder_fee, seller_fee, bid_fee_bps, sell_fee_bps, status, is_rentable, rental_terms,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8::numeric, $9::numeric, $10::numeric, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			current_bidder = EXCLUDED.current_bidder, current_price = EXCLUDED.current_price,
			bid_mode = EXCLUDED.bid_mode, bid_escrow = EXCLUDED.bid_escrow, bidder_fee = EXCLUDED.bidder_fee,
			seller_fee = EXCLUDED.seller_fee, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
	`, l.ID, l.Asset.Contract.Hex(), l.Asset.TokenID, l.Seller.Hex(), nullAddr(l.CurrentBidder), wei(l.CurrentPrice),
		l.BidMode, wei(l.BidEscrow), wei(l.BidderFee), wei(l.SellerFee), l.BidFeeBPS, l.SellFeeBPS, l.Status,
		l.IsRentable, terms, l.CreatedAt, l.UpdatedAt)
	return nil
}

func queueEpoch(b *pgx.Batch, e *models.DividendEpoch) {
	b.Queue(`
		INSERT INTO dividend_epochs (number, starts_at, claim_window_opens_at, ends_at, total_fees_collected,
			total_stake_snapshot, snapshot_taken, paid_out)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8::numeric)
		ON CONFLICT (number) DO UPDATE SET total_fees_collected = EXCLUDED.total_fees_collected,
			total_stake_snapshot = EXCLUDED.total_stake_snapshot, snapshot_taken = EXCLUDED.snapshot_taken,
			paid_out = EXCLUDED.paid_out
	`, e.Number, e.StartsAt, e.ClaimWindowOpensAt, e.EndsAt, wei(e.TotalFeesCollected),
		wei(e.TotalStakeSnapshot), e.SnapshotTaken, wei(e.PaidOut))
	for owner, amount := range e.ClaimedBy {
		b.Queue(`
			INSERT INTO dividend_claims (epoch, owner, amount) VALUES ($1, $2, $3::numeric)
			ON CONFLICT (epoch, owner) DO NOTHING
		`, e.Number, owner.Hex(), wei(amount))
	}
}

// Load rebuilds the world from Postgres. It returns nil when nothing was persisted yet.
func (r *StateRepo) Load(ctx context.Context) (*state.World, error) {
	var (
		nextListing, nextOffer, nextStaking, epochNumber uint64
		totalLocked, feePool, epochPool                  string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT next_listing_id, next_offer_id, next_staking_offer_id, total_locked::text,
		       fee_pool::text, epoch_pool::text, current_epoch
		FROM marketplace_state WHERE id = 1
	`).Scan(&nextListing, &nextOffer, &nextStaking, &totalLocked, &feePool, &epochPool, &epochNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load marketplace state: %w", err)
	}

	epoch, err := r.loadEpoch(ctx, epochNumber)
	if err != nil {
		return nil, err
	}
	w := state.New(epoch)
	w.NextListingID = nextListing
	w.NextOfferID = nextOffer
	w.NextStakingOfferID = nextStaking
	if w.TotalLocked, err = parseWei(totalLocked); err != nil {
		return nil, err
	}

	loaders := []func(context.Context, *state.World) error{
		r.loadListings, r.loadOffers, r.loadStakingOffers, r.loadRentals, r.loadStakes, r.loadCashback,
		r.loadAssets, r.loadTokens,
	}
	for _, load := range loaders {
		if err := load(ctx, w); err != nil {
			return nil, err
		}
	}
	ledger, err := r.loadLedger(ctx, feePool, epochPool)
	if err != nil {
		return nil, err
	}
	w.Ledger = ledger
	w.Reindex()
	return w, nil
}

func (r *StateRepo) loadEpoch(ctx context.Context, n uint64) (*models.DividendEpoch, error) {
	e := &models.DividendEpoch{Number: n, ClaimedBy: make(map[common.Address]*big.Int)}
	var fees, snapshot, paid string
	err := r.pool.QueryRow(ctx, `
		SELECT starts_at, claim_window_opens_at, ends_at, total_fees_collected::text,
		       total_stake_snapshot::text, snapshot_taken, paid_out::text
		FROM dividend_epochs WHERE number = $1
	`, n).Scan(&e.StartsAt, &e.ClaimWindowOpensAt, &e.EndsAt, &fees, &snapshot, &e.SnapshotTaken, &paid)
	if err != nil {
		return nil, fmt.Errorf("load epoch %d: %w", n, err)
	}
	if e.TotalFeesCollected, err = parseWei(fees); err != nil {
		return nil, err
	}
	if e.TotalStakeSnapshot, err = parseWei(snapshot); err != nil {
		return nil, err
	}
	if e.PaidOut, err = parseWei(paid); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `SELECT owner, amount::text FROM dividend_claims WHERE epoch = $1`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var owner, amount string
		if err := rows.Scan(&owner, &amount); err != nil {
			return nil, err
		}
		v, err := parseWei(amount)
		if err != nil {
			return nil, err
		}
		e.ClaimedBy[common.HexToAddress(owner)] = v
	}
	return e, rows.Err()
}

func (r *StateRepo) loadListings(ctx context.Context, w *state.World) error {
	rows, err := r.pool.Query(ctx, `
		SELECT id, asset_contract, asset_id, seller, current_bidder, current_price::text, bid_mode,
		       bid_escrow::text, bidder_fee::text, seller_fee::text, bid_fee_bps, sell_fee_bps, status,
		       is_rentable, rental_terms, created_at, updated_at
		FROM listings
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l                               models.Listing
			contract, seller                string
			bidder                          *string
			price, escrow, bidderFee, fee   string
			terms                           []byte
		)
		if err := rows.Scan(&l.ID, &contract, &l.Asset.TokenID, &seller, &bidder, &price, &l.BidMode,
			&escrow, &bidderFee, &fee, &l.BidFeeBPS, &l.SellFeeBPS, &l.Status, &l.IsRentable, &terms,
			&l.CreatedAt, &l.UpdatedAt); err != nil {
			return err
		}
		l.Asset.Contract = common.HexToAddress(contract)
		l.Seller = common.HexToAddress(seller)
		if bidder != nil {
			l.CurrentBidder = common.HexToAddress(*bidder)
		}
		if err := parseAll(map[**big.Int]string{
			&l.CurrentPrice: price, &l.BidEscrow: escrow, &l.BidderFee: bidderFee, &l.SellerFee: fee,
		}); err != nil {
			return fmt.Errorf("listing %d: %w", l.ID, err)
		}
		if len(terms) > 0 {
			l.RentalTerms = &models.RentalTerms{}
			if err := json.Unmarshal(terms, l.RentalTerms); err != nil {
				return fmt.Errorf("listing %d rental terms: %w", l.ID, err)
			}
		}
		w.Listings[l.ID] = &l
	}
	return rows.Err()
}

func (r *StateRepo) loadOffers(ctx context.Context, w *state.World) error {
	rows, err := r.pool.Query(ctx, `
		SELECT id, listing_id, offerer, amount::text, status, created_at, updated_at FROM listing_offers
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var o models.ListingOffer
		var offerer, amount string
		if err := rows.Scan(&o.ID, &o.ListingID, &offerer, &amount, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return err
		}
		o.Offerer = common.HexToAddress(offerer)
		if o.Amount, err = parseWei(amount); err != nil {
			return err
		}
		w.Offers[o.ID] = &o
	}
	return rows.Err()
}

func (r *StateRepo) loadStakingOffers(ctx context.Context, w *state.World) error {
	rows, err := r.pool.Query(ctx, `
		SELECT id, listing_id, offerer, collateral::text, premium::text, fee::text, status, created_at, updated_at
		FROM staking_offers
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var o models.StakingOffer
		var offerer, collateral, premium, fee string
		if err := rows.Scan(&o.ID, &o.ListingID, &offerer, &collateral, &premium, &fee, &o.Status,
			&o.CreatedAt, &o.UpdatedAt); err != nil {
			return err
		}
		o.Offerer = common.HexToAddress(offerer)
		if err := parseAll(map[**big.Int]string{&o.Collateral: collateral, &o.Premium: premium, &o.Fee: fee}); err != nil {
			return fmt.Errorf("staking offer %d: %w", o.ID, err)
		}
		w.StakingOffers[o.ID] = &o
	}
	return rows.Err()
}

func (r *StateRepo) loadRentals(ctx context.Context, w *state.World) error {
	rows, err := r.pool.Query(ctx, `
		SELECT listing_id, owner, renter, collateral::text, premium_per_period::text, fee_bps, period_seconds,
		       started_at, deadline, premiums_paid, max_premium_payments, status, updated_at
		FROM rental_agreements
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var ra models.RentalAgreement
		var owner, renter, collateral, premium string
		var periodSeconds int64
		if err := rows.Scan(&ra.ListingID, &owner, &renter, &collateral, &premium, &ra.FeeBPS, &periodSeconds,
			&ra.StartedAt, &ra.Deadline, &ra.PremiumsPaid, &ra.MaxPremiumPayments, &ra.Status, &ra.UpdatedAt); err != nil {
			return err
		}
		ra.Owner = common.HexToAddress(owner)
		ra.Renter = common.HexToAddress(renter)
		ra.PeriodLength = time.Duration(periodSeconds) * time.Second
		if err := parseAll(map[**big.Int]string{&ra.Collateral: collateral, &ra.PremiumPerPeriod: premium}); err != nil {
			return fmt.Errorf("rental %d: %w", ra.ListingID, err)
		}
		w.Rentals[ra.ListingID] = &ra
	}
	return rows.Err()
}

func (r *StateRepo) loadStakes(ctx context.Context, w *state.World) error {
	rows, err := r.pool.Query(ctx, `
		SELECT owner, amount::text, locked_at, lock_period_end, claim_window_end FROM locked_stakes
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var s models.LockedStake
		var owner, amount string
		if err := rows.Scan(&owner, &amount, &s.LockedAt, &s.LockPeriodEnd, &s.ClaimWindowEnd); err != nil {
			return err
		}
		s.Owner = common.HexToAddress(owner)
		if s.Amount, err = parseWei(amount); err != nil {
			return err
		}
		w.Stakes[s.Owner] = &s
	}
	return rows.Err()
}

func (r *StateRepo) loadCashback(ctx context.Context, w *state.World) error {
	balances, err := r.loadBalances(ctx, `SELECT owner, amount::text FROM cashback`)
	if err != nil {
		return err
	}
	for a, v := range balances {
		w.Cashback[a] = v
	}
	return nil
}

func (r *StateRepo) loadAssets(ctx context.Context, w *state.World) error {
	rows, err := r.pool.Query(ctx, `SELECT contract, token_id, owner, approved FROM assets`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var assets []chain.Asset
	for rows.Next() {
		var a chain.Asset
		var contract, owner string
		var approved *string
		if err := rows.Scan(&contract, &a.Ref.TokenID, &owner, &approved); err != nil {
			return err
		}
		a.Ref.Contract = common.HexToAddress(contract)
		a.Owner = common.HexToAddress(owner)
		if approved != nil {
			a.Approved = common.HexToAddress(*approved)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	w.Assets = chain.RestoreAssets(assets)
	return nil
}

func (r *StateRepo) loadTokens(ctx context.Context, w *state.World) error {
	balances, err := r.loadBalances(ctx, `SELECT address, balance::text FROM token_balances`)
	if err != nil {
		return err
	}
	w.Tokens = chain.RestoreTokens(balances)
	return nil
}

func (r *StateRepo) loadLedger(ctx context.Context, feePool, epochPool string) (*custody.Ledger, error) {
	wallets, err := r.loadBalances(ctx, `SELECT address, balance::text FROM wallets`)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `SELECT obligation, payer, amount::text FROM escrow_holds`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var holds []custody.Hold
	for rows.Next() {
		var ob, payer, amount string
		if err := rows.Scan(&ob, &payer, &amount); err != nil {
			return nil, err
		}
		v, err := parseWei(amount)
		if err != nil {
			return nil, err
		}
		holds = append(holds, custody.Hold{Obligation: custody.Obligation(ob), Payer: common.HexToAddress(payer), Amount: v})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fee, err := parseWei(feePool)
	if err != nil {
		return nil, err
	}
	epoch, err := parseWei(epochPool)
	if err != nil {
		return nil, err
	}
	return custody.Restore(wallets, holds, fee, epoch), nil
}

func (r *StateRepo) loadBalances(ctx context.Context, query string) (map[common.Address]*big.Int, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[common.Address]*big.Int)
	for rows.Next() {
		var addr, amount string
		if err := rows.Scan(&addr, &amount); err != nil {
			return nil, err
		}
		v, err := parseWei(amount)
		if err != nil {
			return nil, err
		}
		out[common.HexToAddress(addr)] = v
	}
	return out, rows.Err()
}

func wei(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	return v, nil
}

func parseAll(fields map[**big.Int]string) error {
	for dst, s := range fields {
		v, err := parseWei(s)
		if err != nil {
			return err
		}
		*dst = v
	}
	return nil
}

func nullAddr(a common.Address) *string {
	if a == (common.Address{}) {
		return nil
	}
	s := a.Hex()
	return &s
}
