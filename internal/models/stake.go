package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type LockedStake struct {
	Owner          common.Address `json:"owner"`
	Amount         *big.Int       `json:"amount"`
	LockedAt       time.Time      `json:"locked_at"`
	LockPeriodEnd  time.Time      `json:"lock_period_end"`
	ClaimWindowEnd time.Time      `json:"claim_window_end"`
}

func (s *LockedStake) Clone() *LockedStake {
	c := *s
	c.Amount = CopyInt(s.Amount)
	return &c
}

// EpochSchedule derives dividend epochs from a fixed genesis. The claim window
// is the trailing ClaimWindow slice of every epoch.
type EpochSchedule struct {
	Genesis     time.Time
	Length      time.Duration
	ClaimWindow time.Duration
}

// EpochAt returns the epoch number containing t. Times before genesis fall in epoch 0.
func (s EpochSchedule) EpochAt(t time.Time) uint64 {
	if s.Length <= 0 || t.Before(s.Genesis) {
		return 0
	}
	return uint64(t.Sub(s.Genesis) / s.Length)
}

func (s EpochSchedule) Bounds(n uint64) (start, windowOpens, end time.Time) {
	start = s.Genesis.Add(time.Duration(n) * s.Length)
	end = start.Add(s.Length)
	windowOpens = end.Add(-s.ClaimWindow)
	return start, windowOpens, end
}

// InClaimWindow reports whether t falls inside its epoch's claim window.
func (s EpochSchedule) InClaimWindow(t time.Time) bool {
	if t.Before(s.Genesis) {
		return false
	}
	_, opens, end := s.Bounds(s.EpochAt(t))
	return !t.Before(opens) && t.Before(end)
}

// DividendEpoch is one lock-then-claim cycle. The pool and stake total are
// frozen when the claim window opens.
type DividendEpoch struct {
	Number             uint64                      `json:"number"`
	StartsAt           time.Time                   `json:"starts_at"`
	ClaimWindowOpensAt time.Time                   `json:"claim_window_opens_at"`
	EndsAt             time.Time                   `json:"ends_at"`
	TotalFeesCollected *big.Int                    `json:"total_fees_collected"`
	TotalStakeSnapshot *big.Int                    `json:"total_stake_snapshot"`
	SnapshotTaken      bool                        `json:"snapshot_taken"`
	ClaimedBy          map[common.Address]*big.Int `json:"claimed_by"`
	PaidOut            *big.Int                    `json:"paid_out"`
}

func NewDividendEpoch(s EpochSchedule, n uint64) *DividendEpoch {
	start, opens, end := s.Bounds(n)
	return &DividendEpoch{
		Number:             n,
		StartsAt:           start,
		ClaimWindowOpensAt: opens,
		EndsAt:             end,
		TotalFeesCollected: new(big.Int),
		TotalStakeSnapshot: new(big.Int),
		ClaimedBy:          make(map[common.Address]*big.Int),
		PaidOut:            new(big.Int),
	}
}

func (e *DividendEpoch) Clone() *DividendEpoch {
	c := *e
	c.TotalFeesCollected = CopyInt(e.TotalFeesCollected)
	c.TotalStakeSnapshot = CopyInt(e.TotalStakeSnapshot)
	c.PaidOut = CopyInt(e.PaidOut)
	c.ClaimedBy = make(map[common.Address]*big.Int, len(e.ClaimedBy))
	for k, v := range e.ClaimedBy {
		c.ClaimedBy[k] = CopyInt(v)
	}
	return &c
}

// Share is pool * stake / total, rounded down.
func (e *DividendEpoch) Share(stake *big.Int) *big.Int {
	if e.TotalStakeSnapshot.Sign() == 0 || stake == nil {
		return new(big.Int)
	}
	v := new(big.Int).Mul(e.TotalFeesCollected, stake)
	return v.Quo(v, e.TotalStakeSnapshot)
}
