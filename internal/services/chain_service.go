package services

import (
	"context"
	"math/big"
	"time"

	"github.com/RedDuck-Software/Undas.Contracts/internal/chain"
	"github.com/RedDuck-Software/Undas.Contracts/internal/models"
	"github.com/RedDuck-Software/Undas.Contracts/internal/rbac"
	"github.com/RedDuck-Software/Undas.Contracts/internal/state"
	"github.com/ethereum/go-ethereum/common"
)

// AdminCheck reports whether an address may run admin operations.
type AdminCheck func(addr common.Address) bool

func WithAdminCheck(check AdminCheck) Option { return func(m *Marketplace) { m.isAdmin = check } }

// Deposit credits a wallet with native currency arriving from outside.
func (m *Marketplace) Deposit(ctx context.Context, msg Msg, to common.Address, amount *big.Int) error {
	return m.execute(ctx, "deposit", msg, func(t *txn) error {
		if err := m.requireAdmin(t, rbac.PermDeposit); err != nil {
			return err
		}
		if err := t.w.Ledger.Deposit(to, amount); err != nil {
			return err
		}
		t.audit("deposit", "wallet", to.Hex(), map[string]any{"amount": amountStr(amount)})
		return nil
	})
}

// Withdraw debits the caller's wallet.
func (m *Marketplace) Withdraw(ctx context.Context, msg Msg, amount *big.Int) error {
	return m.execute(ctx, "withdraw", msg, func(t *txn) error {
		if err := t.w.Ledger.Withdraw(t.msg.Sender, amount); err != nil {
			return err
		}
		t.audit("withdraw", "wallet", t.msg.Sender.Hex(), map[string]any{"amount": amountStr(amount)})
		return nil
	})
}

// MintAsset registers a new token owned by owner.
func (m *Marketplace) MintAsset(ctx context.Context, msg Msg, ref models.AssetRef, owner common.Address) error {
	return m.execute(ctx, "mint_asset", msg, func(t *txn) error {
		if err := m.requireAdmin(t, rbac.PermMint); err != nil {
			return err
		}
		if err := t.w.Assets.Mint(ref, owner); err != nil {
			return fail(ErrInvalidState, "%s", err.Error())
		}
		t.audit("asset_minted", "asset", ref.String(), map[string]any{"owner": owner.Hex()})
		return nil
	})
}

// ApproveAsset lets the marketplace move the caller's token.
func (m *Marketplace) ApproveAsset(ctx context.Context, msg Msg, ref models.AssetRef) error {
	return m.execute(ctx, "approve_asset", msg, func(t *txn) error {
		if err := t.w.Assets.Approve(t.msg.Sender, ref, t.p.Marketplace); err != nil {
			return assetErr(err)
		}
		return nil
	})
}

func (m *Marketplace) MintTokens(ctx context.Context, msg Msg, to common.Address, amount *big.Int) error {
	return m.execute(ctx, "mint_tokens", msg, func(t *txn) error {
		if err := m.requireAdmin(t, rbac.PermMint); err != nil {
			return err
		}
		if err := t.w.Tokens.Mint(to, amount); err != nil {
			return fail(ErrTransferRejected, "%s", err.Error())
		}
		t.audit("tokens_minted", "token", to.Hex(), map[string]any{"amount": amountStr(amount)})
		return nil
	})
}

// AccountView is every balance the marketplace keeps for one address.
type AccountView struct {
	Address      common.Address `json:"address"`
	Balance      *big.Int       `json:"balance"`
	TokenBalance *big.Int       `json:"token_balance"`
	Cashback     *big.Int       `json:"cashback"`
	Locked       *big.Int       `json:"locked"`
	Assets       []chain.Asset  `json:"assets"`
}

func (m *Marketplace) Account(ctx context.Context, addr common.Address) *AccountView {
	out := &AccountView{Address: addr, Cashback: new(big.Int), Locked: new(big.Int)}
	m.view(func(w *state.World, _ time.Time) {
		out.Balance = w.Ledger.Balance(addr)
		out.TokenBalance = w.Tokens.BalanceOf(addr)
		if v, ok := w.Cashback[addr]; ok {
			out.Cashback.Set(v)
		}
		if s, ok := w.Stakes[addr]; ok {
			out.Locked.Set(s.Amount)
		}
		out.Assets = w.Assets.OwnedBy(addr)
	})
	return out
}

func (m *Marketplace) Balance(ctx context.Context, addr common.Address) *big.Int {
	var out *big.Int
	m.view(func(w *state.World, _ time.Time) { out = w.Ledger.Balance(addr) })
	return out
}

func (m *Marketplace) TokenBalance(ctx context.Context, addr common.Address) *big.Int {
	var out *big.Int
	m.view(func(w *state.World, _ time.Time) { out = w.Tokens.BalanceOf(addr) })
	return out
}

func (m *Marketplace) AssetOwner(ctx context.Context, ref models.AssetRef) (common.Address, error) {
	var out common.Address
	var err error
	m.view(func(w *state.World, _ time.Time) {
		out, err = w.Assets.OwnerOf(ref)
	})
	if err != nil {
		return common.Address{}, assetErr(err)
	}
	return out, nil
}

// FeePool returns the undistributed fee pool and the frozen epoch pool.
func (m *Marketplace) FeePool(ctx context.Context) (pool, epoch *big.Int) {
	m.view(func(w *state.World, _ time.Time) {
		pool = w.Ledger.FeePool()
		epoch = w.Ledger.EpochPool()
	})
	return pool, epoch
}

func (m *Marketplace) requireAdmin(t *txn, perm string) error {
	if m.isAdmin == nil || !m.isAdmin(t.msg.Sender) || !rbac.HasPermission(rbac.RoleAdmin, perm) {
		return fail(ErrAuthorization, "admin only")
	}
	return nil
}
