package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var ErrTokenBalance = errors.New("token balance too low")

// TokenLedger holds balances of the platform token used for locking and cashback.
type TokenLedger struct {
	balances map[common.Address]*big.Int
	supply   *big.Int
	touched  map[common.Address]struct{}
}

func NewTokenLedger() *TokenLedger {
	return &TokenLedger{
		balances: make(map[common.Address]*big.Int),
		supply:   new(big.Int),
		touched:  make(map[common.Address]struct{}),
	}
}

func (t *TokenLedger) Clone() *TokenLedger {
	c := NewTokenLedger()
	for a, v := range t.balances {
		c.balances[a] = new(big.Int).Set(v)
	}
	c.supply.Set(t.supply)
	return c
}

func (t *TokenLedger) BalanceOf(addr common.Address) *big.Int {
	if v, ok := t.balances[addr]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (t *TokenLedger) TotalSupply() *big.Int { return new(big.Int).Set(t.supply) }

func (t *TokenLedger) Mint(to common.Address, amount *big.Int) error {
	if to == (common.Address{}) || amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("mint: invalid recipient or amount")
	}
	t.add(to, amount)
	t.supply.Add(t.supply, amount)
	return nil
}

func (t *TokenLedger) Transfer(from, to common.Address, amount *big.Int) error {
	if to == (common.Address{}) || amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("token transfer: invalid recipient or amount")
	}
	bal := t.balances[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s", ErrTokenBalance, from.Hex())
	}
	bal.Sub(bal, amount)
	t.touched[from] = struct{}{}
	t.add(to, amount)
	return nil
}

func (t *TokenLedger) add(to common.Address, amount *big.Int) {
	bal, ok := t.balances[to]
	if !ok {
		bal = new(big.Int)
		t.balances[to] = bal
	}
	bal.Add(bal, amount)
	t.touched[to] = struct{}{}
}

// Touched returns balances written since creation or the last clone.
func (t *TokenLedger) Touched() map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(t.touched))
	for a := range t.touched {
		out[a] = t.BalanceOf(a)
	}
	return out
}

func RestoreTokens(balances map[common.Address]*big.Int) *TokenLedger {
	t := NewTokenLedger()
	for a, v := range balances {
		t.balances[a] = new(big.Int).Set(v)
		t.supply.Add(t.supply, v)
	}
	return t
}
