// Package custody keeps every native-currency balance the marketplace manages.
// Value lives in tagged accounts: participant wallets, one escrow hold per
// obligation, the fee pool and the frozen epoch pool. Nothing else writes them.
package custody

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTransferRejected  = errors.New("transfer rejected")
)

// Obligation names one escrow hold, e.g. "listing:7:bid".
type Obligation string

type Hold struct {
	Obligation Obligation     `json:"obligation"`
	Payer      common.Address `json:"payer"`
	Amount     *big.Int       `json:"amount"`
}

type Ledger struct {
	wallets   map[common.Address]*big.Int
	holds     map[Obligation]*Hold
	feePool   *big.Int
	epochPool *big.Int

	touchedWallets map[common.Address]struct{}
	touchedHolds   map[Obligation]struct{}
	poolsTouched   bool
}

func NewLedger() *Ledger {
	return &Ledger{
		wallets:        make(map[common.Address]*big.Int),
		holds:          make(map[Obligation]*Hold),
		feePool:        new(big.Int),
		epochPool:      new(big.Int),
		touchedWallets: make(map[common.Address]struct{}),
		touchedHolds:   make(map[Obligation]struct{}),
	}
}

// Clone returns a deep copy with empty change tracking.
func (l *Ledger) Clone() *Ledger {
	c := NewLedger()
	for a, v := range l.wallets {
		c.wallets[a] = new(big.Int).Set(v)
	}
	for k, h := range l.holds {
		c.holds[k] = &Hold{Obligation: h.Obligation, Payer: h.Payer, Amount: new(big.Int).Set(h.Amount)}
	}
	c.feePool.Set(l.feePool)
	c.epochPool.Set(l.epochPool)
	return c
}

func (l *Ledger) Balance(addr common.Address) *big.Int {
	if v, ok := l.wallets[addr]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (l *Ledger) FeePool() *big.Int   { return new(big.Int).Set(l.feePool) }
func (l *Ledger) EpochPool() *big.Int { return new(big.Int).Set(l.epochPool) }

func (l *Ledger) HoldOf(ob Obligation) (*Hold, bool) {
	h, ok := l.holds[ob]
	if !ok {
		return nil, false
	}
	return &Hold{Obligation: h.Obligation, Payer: h.Payer, Amount: new(big.Int).Set(h.Amount)}, true
}

// HeldAmount returns the remaining hold, zero when the obligation is settled.
func (l *Ledger) HeldAmount(ob Obligation) *big.Int {
	if h, ok := l.holds[ob]; ok {
		return new(big.Int).Set(h.Amount)
	}
	return new(big.Int)
}

// TotalHeld sums all escrow holds.
func (l *Ledger) TotalHeld() *big.Int {
	total := new(big.Int)
	for _, h := range l.holds {
		total.Add(total, h.Amount)
	}
	return total
}

// Deposit credits a wallet from outside the marketplace.
func (l *Ledger) Deposit(to common.Address, amount *big.Int) error {
	if err := checkTarget(to, amount); err != nil {
		return err
	}
	l.credit(to, amount)
	return nil
}

// Withdraw debits a wallet to outside the marketplace.
func (l *Ledger) Withdraw(from common.Address, amount *big.Int) error {
	if err := checkTarget(from, amount); err != nil {
		return err
	}
	return l.debit(from, amount)
}

// Transfer moves exactly amount between wallets or fails without effect.
func (l *Ledger) Transfer(from, to common.Address, amount *big.Int) error {
	if err := checkTarget(to, amount); err != nil {
		return err
	}
	if err := l.debit(from, amount); err != nil {
		return err
	}
	l.credit(to, amount)
	return nil
}

// Hold escrows amount from payer under a new obligation.
func (l *Ledger) Hold(ob Obligation, payer common.Address, amount *big.Int) error {
	if ob == "" {
		return fmt.Errorf("%w: empty obligation", ErrTransferRejected)
	}
	if _, exists := l.holds[ob]; exists {
		return fmt.Errorf("%w: obligation %s already held", ErrTransferRejected, ob)
	}
	if err := checkTarget(payer, amount); err != nil {
		return err
	}
	if err := l.debit(payer, amount); err != nil {
		return err
	}
	l.holds[ob] = &Hold{Obligation: ob, Payer: payer, Amount: new(big.Int).Set(amount)}
	l.touchedHolds[ob] = struct{}{}
	return nil
}

// Release pays part or all of a hold to a wallet.
func (l *Ledger) Release(ob Obligation, to common.Address, amount *big.Int) error {
	if err := checkTarget(to, amount); err != nil {
		return err
	}
	if err := l.take(ob, amount); err != nil {
		return err
	}
	l.credit(to, amount)
	return nil
}

// Split carves amount out of one hold into a new obligation with the same payer.
func (l *Ledger) Split(from, to Obligation, amount *big.Int) error {
	if to == "" || from == to {
		return fmt.Errorf("%w: invalid split target", ErrTransferRejected)
	}
	if _, exists := l.holds[to]; exists {
		return fmt.Errorf("%w: obligation %s already held", ErrTransferRejected, to)
	}
	h, ok := l.holds[from]
	if !ok {
		return fmt.Errorf("%w: no hold for %s", ErrTransferRejected, from)
	}
	payer := h.Payer
	if err := l.take(from, amount); err != nil {
		return err
	}
	l.holds[to] = &Hold{Obligation: to, Payer: payer, Amount: new(big.Int).Set(amount)}
	l.touchedHolds[to] = struct{}{}
	return nil
}

// Refund returns the remaining hold to its payer. A settled obligation cannot be refunded again.
func (l *Ledger) Refund(ob Obligation) (*big.Int, error) {
	h, ok := l.holds[ob]
	if !ok {
		return nil, fmt.Errorf("%w: no hold for %s", ErrTransferRejected, ob)
	}
	amount := new(big.Int).Set(h.Amount)
	delete(l.holds, ob)
	l.touchedHolds[ob] = struct{}{}
	l.credit(h.Payer, amount)
	return amount, nil
}

// RefundIfHeld refunds ob when it exists and reports the amount returned.
func (l *Ledger) RefundIfHeld(ob Obligation) *big.Int {
	if _, ok := l.holds[ob]; !ok {
		return new(big.Int)
	}
	amount, _ := l.Refund(ob)
	return amount
}

// CollectFee moves part of a hold into the fee pool.
func (l *Ledger) CollectFee(ob Obligation, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := l.take(ob, amount); err != nil {
		return err
	}
	l.feePool.Add(l.feePool, amount)
	l.poolsTouched = true
	return nil
}

// CollectFeeFrom moves value from a wallet straight into the fee pool.
func (l *Ledger) CollectFeeFrom(from common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative fee", ErrTransferRejected)
	}
	if err := l.debit(from, amount); err != nil {
		return err
	}
	l.feePool.Add(l.feePool, amount)
	l.poolsTouched = true
	return nil
}

// FreezeFeePool moves the fee pool into the epoch pool and returns the epoch pool.
func (l *Ledger) FreezeFeePool() *big.Int {
	l.epochPool.Add(l.epochPool, l.feePool)
	l.feePool.SetInt64(0)
	l.poolsTouched = true
	return new(big.Int).Set(l.epochPool)
}

// PayDividend pays from the epoch pool to a wallet.
func (l *Ledger) PayDividend(to common.Address, amount *big.Int) error {
	if err := checkTarget(to, amount); err != nil {
		return err
	}
	if l.epochPool.Cmp(amount) < 0 {
		return fmt.Errorf("%w: epoch pool holds %s, need %s", ErrInsufficientFunds, l.epochPool, amount)
	}
	l.epochPool.Sub(l.epochPool, amount)
	l.poolsTouched = true
	l.credit(to, amount)
	return nil
}

// ReturnUnclaimed rolls whatever is left in the epoch pool back into the fee pool.
func (l *Ledger) ReturnUnclaimed() *big.Int {
	left := new(big.Int).Set(l.epochPool)
	l.feePool.Add(l.feePool, left)
	l.epochPool.SetInt64(0)
	l.poolsTouched = true
	return left
}

func (l *Ledger) credit(to common.Address, amount *big.Int) {
	bal, ok := l.wallets[to]
	if !ok {
		bal = new(big.Int)
		l.wallets[to] = bal
	}
	bal.Add(bal, amount)
	l.touchedWallets[to] = struct{}{}
}

func (l *Ledger) debit(from common.Address, amount *big.Int) error {
	bal, ok := l.wallets[from]
	if !ok || bal.Cmp(amount) < 0 {
		have := new(big.Int)
		if ok {
			have.Set(bal)
		}
		return fmt.Errorf("%w: %s has %s, need %s", ErrInsufficientFunds, from.Hex(), have, amount)
	}
	bal.Sub(bal, amount)
	l.touchedWallets[from] = struct{}{}
	return nil
}

func (l *Ledger) take(ob Obligation, amount *big.Int) error {
	h, ok := l.holds[ob]
	if !ok {
		return fmt.Errorf("%w: no hold for %s", ErrTransferRejected, ob)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative amount", ErrTransferRejected)
	}
	if h.Amount.Cmp(amount) < 0 {
		return fmt.Errorf("%w: hold %s has %s, need %s", ErrInsufficientFunds, ob, h.Amount, amount)
	}
	h.Amount.Sub(h.Amount, amount)
	if h.Amount.Sign() == 0 {
		delete(l.holds, ob)
	}
	l.touchedHolds[ob] = struct{}{}
	return nil
}

func checkTarget(addr common.Address, amount *big.Int) error {
	if addr == (common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrTransferRejected)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrTransferRejected)
	}
	return nil
}

// Changes lists the accounts written since the ledger was created or cloned.
type Changes struct {
	Wallets      map[common.Address]*big.Int
	Holds        []Obligation
	PoolsTouched bool
}

func (l *Ledger) Changes() Changes {
	ch := Changes{Wallets: make(map[common.Address]*big.Int, len(l.touchedWallets)), PoolsTouched: l.poolsTouched}
	for a := range l.touchedWallets {
		ch.Wallets[a] = l.Balance(a)
	}
	for ob := range l.touchedHolds {
		ch.Holds = append(ch.Holds, ob)
	}
	sort.Slice(ch.Holds, func(i, j int) bool { return ch.Holds[i] < ch.Holds[j] })
	return ch
}

// Restore rebuilds a ledger from persisted balances.
func Restore(wallets map[common.Address]*big.Int, holds []Hold, feePool, epochPool *big.Int) *Ledger {
	l := NewLedger()
	for a, v := range wallets {
		l.wallets[a] = new(big.Int).Set(v)
	}
	for _, h := range holds {
		l.holds[h.Obligation] = &Hold{Obligation: h.Obligation, Payer: h.Payer, Amount: new(big.Int).Set(h.Amount)}
	}
	if feePool != nil {
		l.feePool.Set(feePool)
	}
	if epochPool != nil {
		l.epochPool.Set(epochPool)
	}
	return l
}
