package services

import (
	"context"
	"math/big"
	"time"

	"github.com/RedDuck-Software/Undas.Contracts/internal/events"
	"github.com/RedDuck-Software/Undas.Contracts/internal/models"
	"github.com/RedDuck-Software/Undas.Contracts/internal/state"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type LockResult struct {
	Locked bool                `json:"locked"`
	Stake  *models.LockedStake `json:"stake,omitempty"`
}

// LockTokens locks platform tokens for dividends. Inside the claim window
// nothing moves and the result reports Locked=false.
func (m *Marketplace) LockTokens(ctx context.Context, msg Msg, amount *big.Int) (*LockResult, error) {
	var out LockResult
	err := m.execute(ctx, "lock_tokens", msg, func(t *txn) error {
		sender := t.msg.Sender
		if amount == nil || amount.Sign() <= 0 {
			return fail(ErrInvalidState, "lock amount must be positive")
		}
		if t.p.Schedule.InClaimWindow(t.now) {
			t.emit(events.EventLockFailed, map[string]any{
				"account": sender.Hex(),
				"amount":  amountStr(amount),
				"epoch":   t.w.Epoch.Number,
			})
			out = LockResult{Locked: false}
			return nil
		}

		if err := t.w.Tokens.Transfer(sender, t.p.Marketplace, amount); err != nil {
			return assetErr(err)
		}
		stake := t.stakeOf(sender)
		stake.Amount.Add(stake.Amount, amount)
		stake.LockedAt = t.now
		stake.LockPeriodEnd = t.now.Add(t.p.LockPeriod)
		stake.ClaimWindowEnd = t.w.Epoch.EndsAt
		t.w.SaveStake(stake)
		t.w.TotalLocked.Add(t.w.TotalLocked, amount)

		t.emit(events.EventLock, map[string]any{
			"account":         sender.Hex(),
			"amount":          amountStr(amount),
			"total":           amountStr(stake.Amount),
			"lock_period_end": stake.LockPeriodEnd.Unix(),
		})
		t.audit("tokens_locked", "stake", sender.Hex(), map[string]any{"amount": amountStr(amount)})
		out = LockResult{Locked: true, Stake: stake.Clone()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UnlockTokens returns locked tokens once the lock period is over.
func (m *Marketplace) UnlockTokens(ctx context.Context, msg Msg, amount *big.Int) (*models.LockedStake, error) {
	var out *models.LockedStake
	err := m.execute(ctx, "unlock_tokens", msg, func(t *txn) error {
		sender := t.msg.Sender
		cur, ok := t.w.Stakes[sender]
		if !ok || amount == nil || amount.Sign() <= 0 || amount.Cmp(cur.Amount) > 0 || t.p.Schedule.InClaimWindow(t.now) {
			return fail(ErrAccountingViolation, MsgWrongUnlock)
		}
		if t.now.Before(cur.LockPeriodEnd) {
			return fail(ErrScheduleViolation, "tokens are locked until %s", cur.LockPeriodEnd.Format(time.RFC3339))
		}

		if err := t.w.Tokens.Transfer(t.p.Marketplace, sender, amount); err != nil {
			return assetErr(err)
		}
		stake := cur.Clone()
		stake.Amount.Sub(stake.Amount, amount)
		t.w.SaveStake(stake)
		t.w.TotalLocked.Sub(t.w.TotalLocked, amount)

		t.emit(events.EventUnlock, map[string]any{
			"account": sender.Hex(),
			"amount":  amountStr(amount),
			"total":   amountStr(stake.Amount),
		})
		t.audit("tokens_unlocked", "stake", sender.Hex(), map[string]any{"amount": amountStr(amount)})
		out = stake.Clone()
		return nil
	})
	return out, err
}

// ClaimDividends pays the caller's share of the frozen epoch pool, once per epoch.
func (m *Marketplace) ClaimDividends(ctx context.Context, msg Msg) (*big.Int, error) {
	var out *big.Int
	err := m.execute(ctx, "claim_dividends", msg, func(t *txn) error {
		sender := t.msg.Sender
		e := t.w.Epoch
		stake, staked := t.w.Stakes[sender]
		_, claimed := e.ClaimedBy[sender]
		if !t.p.Schedule.InClaimWindow(t.now) || !e.SnapshotTaken || claimed || !staked || stake.Amount.Sign() == 0 {
			return fail(ErrScheduleViolation, MsgNotReady)
		}

		payout := e.Share(stake.Amount)
		if payout.Sign() > 0 {
			if err := t.w.Ledger.PayDividend(sender, payout); err != nil {
				return err
			}
			t.payouts = append(t.payouts, Payout{To: sender, Amount: new(big.Int).Set(payout), Reason: "dividends"})
		}
		e.ClaimedBy[sender] = new(big.Int).Set(payout)
		e.PaidOut.Add(e.PaidOut, payout)
		t.w.SaveEpoch(e)

		t.emit(events.EventDividendsPaid, map[string]any{
			"account": sender.Hex(),
			"amount":  amountStr(payout),
			"epoch":   e.Number,
		})
		t.audit("dividends_claimed", "epoch", idStr(e.Number), map[string]any{"amount": amountStr(payout)})
		out = payout
		return nil
	})
	return out, err
}

func (m *Marketplace) TokenCashback(ctx context.Context, owner common.Address) *big.Int {
	out := new(big.Int)
	m.view(func(w *state.World, _ time.Time) {
		if v, ok := w.Cashback[owner]; ok {
			out.Set(v)
		}
	})
	return out
}

// CurrentEpoch returns the epoch as it stands now, including a snapshot or
// rollover that no operation has triggered yet.
func (m *Marketplace) CurrentEpoch(ctx context.Context) *models.DividendEpoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &txn{ctx: ctx, w: m.world.Clone(), now: m.clock.Now(), p: &m.params, dryRun: true}
	m.advanceEpoch(t)
	return t.w.Epoch.Clone()
}

// SyncEpoch applies a pending rollover or snapshot without waiting for the
// next user operation, so persisted state and metrics follow the schedule.
func (m *Marketplace) SyncEpoch(ctx context.Context) error {
	return m.execute(ctx, "sync_epoch", Msg{Sender: m.params.Marketplace}, func(t *txn) error { return nil })
}

func (m *Marketplace) LockedStake(ctx context.Context, owner common.Address) *models.LockedStake {
	var out *models.LockedStake
	m.view(func(w *state.World, _ time.Time) {
		if s, ok := w.Stakes[owner]; ok {
			out = s.Clone()
		}
	})
	return out
}

// advanceEpoch rolls the dividend schedule forward to now. An ended epoch
// returns its unclaimed funds to the fee pool; an epoch whose claim window has
// opened freezes the fee pool and the stake total.
func (m *Marketplace) advanceEpoch(t *txn) {
	s := t.p.Schedule
	e := t.w.Epoch
	if n := s.EpochAt(t.now); e == nil || n > e.Number {
		if e != nil && e.SnapshotTaken {
			left := t.w.Ledger.ReturnUnclaimed()
			m.logEpoch(t, "epoch closed",
				zap.Uint64("epoch", e.Number),
				zap.String("paid_out", amountStr(e.PaidOut)),
				zap.String("returned", amountStr(left)),
			)
		}
		e = models.NewDividendEpoch(s, n)
		t.w.SaveEpoch(e)
	}

	if !e.SnapshotTaken && !t.now.Before(e.ClaimWindowOpensAt) && t.now.Before(e.EndsAt) {
		e.TotalFeesCollected = t.w.Ledger.FreezeFeePool()
		e.TotalStakeSnapshot = new(big.Int).Set(t.w.TotalLocked)
		e.SnapshotTaken = true
		t.w.SaveEpoch(e)
		m.logEpoch(t, "dividend snapshot taken",
			zap.Uint64("epoch", e.Number),
			zap.String("pool", amountStr(e.TotalFeesCollected)),
			zap.String("total_locked", amountStr(e.TotalStakeSnapshot)),
		)
	}
}

func (m *Marketplace) logEpoch(t *txn, msg string, fields ...zap.Field) {
	if t.dryRun {
		return
	}
	m.log.Info(msg, fields...)
}

func (t *txn) stakeOf(owner common.Address) *models.LockedStake {
	if s, ok := t.w.Stakes[owner]; ok {
		return s.Clone()
	}
	return &models.LockedStake{Owner: owner, Amount: new(big.Int)}
}
