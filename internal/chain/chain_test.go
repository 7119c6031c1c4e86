package chain

import (
	"math/big"
	"testing"

	"github.com/RedDuck-Software/Undas.Contracts/internal/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	market = common.HexToAddress("0x2000000000000000000000000000000000000002")
	other  = common.HexToAddress("0x3000000000000000000000000000000000000003")
	nft    = models.AssetRef{Contract: common.HexToAddress("0xC0FFEE0000000000000000000000000000000000"), TokenID: "1"}
)

func TestTransferRequiresApproval(t *testing.T) {
	r := NewAssetRegistry()
	require.NoError(t, r.Mint(nft, owner))

	err := r.TransferFrom(market, owner, market, nft)
	assert.ErrorIs(t, err, ErrNotApproved)

	require.NoError(t, r.Approve(owner, nft, market))
	assert.True(t, r.IsApproved(nft, market))
	require.NoError(t, r.TransferFrom(market, owner, market, nft))

	got, err := r.OwnerOf(nft)
	require.NoError(t, err)
	assert.Equal(t, market, got)

	a, ok := r.Get(nft)
	require.True(t, ok)
	assert.Equal(t, common.Address{}, a.Approved, "approval is cleared on transfer")
}

func TestApproveOnlyByOwner(t *testing.T) {
	r := NewAssetRegistry()
	require.NoError(t, r.Mint(nft, owner))
	assert.ErrorIs(t, r.Approve(other, nft, market), ErrNotOwner)
	assert.ErrorIs(t, r.Mint(nft, other), ErrAssetExists)
}

func TestAssetCloneIsolation(t *testing.T) {
	r := NewAssetRegistry()
	require.NoError(t, r.Mint(nft, owner))

	c := r.Clone()
	require.NoError(t, c.TransferFrom(owner, owner, other, nft))
	assert.Len(t, c.Touched(), 1)

	got, _ := r.OwnerOf(nft)
	assert.Equal(t, owner, got)
	assert.Len(t, r.OwnedBy(owner), 1)
}

func TestTokenTransfer(t *testing.T) {
	tl := NewTokenLedger()
	require.NoError(t, tl.Mint(owner, big.NewInt(100)))

	assert.ErrorIs(t, tl.Transfer(owner, market, big.NewInt(101)), ErrTokenBalance)
	require.NoError(t, tl.Transfer(owner, market, big.NewInt(60)))

	assert.Equal(t, int64(40), tl.BalanceOf(owner).Int64())
	assert.Equal(t, int64(60), tl.BalanceOf(market).Int64())
	assert.Equal(t, int64(100), tl.TotalSupply().Int64())

	restored := RestoreTokens(tl.Touched())
	assert.Equal(t, int64(100), restored.TotalSupply().Int64())
}
