package custody

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type LedgerTestSuite struct {
	suite.Suite
	ledger *Ledger
}

func TestLedger(t *testing.T) {
	suite.Run(t, new(LedgerTestSuite))
}

func (s *LedgerTestSuite) SetupTest() {
	s.ledger = NewLedger()
	s.Require().NoError(s.ledger.Deposit(alice, big.NewInt(1000)))
}

func (s *LedgerTestSuite) TestTransferExact() {
	s.Require().NoError(s.ledger.Transfer(alice, bob, big.NewInt(400)))
	s.Equal(int64(600), s.ledger.Balance(alice).Int64())
	s.Equal(int64(400), s.ledger.Balance(bob).Int64())
}

func (s *LedgerTestSuite) TestTransferInsufficientLeavesBalances() {
	err := s.ledger.Transfer(alice, bob, big.NewInt(1001))
	s.ErrorIs(err, ErrInsufficientFunds)
	s.Equal(int64(1000), s.ledger.Balance(alice).Int64())
	s.Equal(int64(0), s.ledger.Balance(bob).Int64())
}

func (s *LedgerTestSuite) TestTransferRejected() {
	s.ErrorIs(s.ledger.Transfer(alice, common.Address{}, big.NewInt(1)), ErrTransferRejected)
	s.ErrorIs(s.ledger.Transfer(alice, bob, big.NewInt(0)), ErrTransferRejected)
	s.ErrorIs(s.ledger.Transfer(alice, bob, big.NewInt(-5)), ErrTransferRejected)
}

func (s *LedgerTestSuite) TestHoldAndRefundOnce() {
	ob := Obligation("listing:1:offer:alice")
	s.Require().NoError(s.ledger.Hold(ob, alice, big.NewInt(300)))
	s.Equal(int64(700), s.ledger.Balance(alice).Int64())
	s.Equal(int64(300), s.ledger.HeldAmount(ob).Int64())

	refunded, err := s.ledger.Refund(ob)
	s.Require().NoError(err)
	s.Equal(int64(300), refunded.Int64())
	s.Equal(int64(1000), s.ledger.Balance(alice).Int64())

	_, err = s.ledger.Refund(ob)
	s.ErrorIs(err, ErrTransferRejected)
	s.Equal(int64(1000), s.ledger.Balance(alice).Int64())
}

func (s *LedgerTestSuite) TestDuplicateHoldRejected() {
	ob := Obligation("listing:1:bid")
	s.Require().NoError(s.ledger.Hold(ob, alice, big.NewInt(10)))
	s.ErrorIs(s.ledger.Hold(ob, alice, big.NewInt(10)), ErrTransferRejected)
	s.Equal(int64(10), s.ledger.HeldAmount(ob).Int64())
}

func (s *LedgerTestSuite) TestPartialReleaseThenRefund() {
	ob := Obligation("rental:3:collateral")
	s.Require().NoError(s.ledger.Hold(ob, alice, big.NewInt(500)))
	s.Require().NoError(s.ledger.Release(ob, bob, big.NewInt(200)))
	s.ErrorIs(s.ledger.Release(ob, bob, big.NewInt(301)), ErrInsufficientFunds)

	refunded, err := s.ledger.Refund(ob)
	s.Require().NoError(err)
	s.Equal(int64(300), refunded.Int64())
	s.Equal(int64(800), s.ledger.Balance(alice).Int64())
	s.Equal(int64(200), s.ledger.Balance(bob).Int64())
}

func (s *LedgerTestSuite) TestFullReleaseRemovesHold() {
	ob := Obligation("listing:2:offer")
	s.Require().NoError(s.ledger.Hold(ob, alice, big.NewInt(50)))
	s.Require().NoError(s.ledger.Release(ob, bob, big.NewInt(50)))
	_, ok := s.ledger.HoldOf(ob)
	s.False(ok)
	s.Zero(s.ledger.RefundIfHeld(ob).Sign())
}

func (s *LedgerTestSuite) TestSplitKeepsPayer() {
	s.Require().NoError(s.ledger.Hold("staking-offer:1", alice, big.NewInt(120)))
	s.Require().NoError(s.ledger.Split("staking-offer:1", "rental:4:collateral", big.NewInt(100)))
	s.ErrorIs(s.ledger.Split("staking-offer:1", "rental:4:collateral", big.NewInt(1)), ErrTransferRejected)

	h, ok := s.ledger.HoldOf("rental:4:collateral")
	s.Require().True(ok)
	s.Equal(alice, h.Payer)
	s.Equal(int64(100), h.Amount.Int64())
	s.Equal(int64(20), s.ledger.HeldAmount("staking-offer:1").Int64())
}

func (s *LedgerTestSuite) TestFeePoolSeparateFromEscrow() {
	ob := Obligation("listing:1:fee")
	s.Require().NoError(s.ledger.Hold(ob, alice, big.NewInt(40)))
	s.Require().NoError(s.ledger.CollectFee(ob, big.NewInt(40)))
	s.Require().NoError(s.ledger.CollectFeeFrom(alice, big.NewInt(10)))

	s.Equal(int64(50), s.ledger.FeePool().Int64())
	s.Zero(s.ledger.TotalHeld().Sign())

	frozen := s.ledger.FreezeFeePool()
	s.Equal(int64(50), frozen.Int64())
	s.Zero(s.ledger.FeePool().Sign())

	s.Require().NoError(s.ledger.PayDividend(bob, big.NewInt(30)))
	s.ErrorIs(s.ledger.PayDividend(bob, big.NewInt(30)), ErrInsufficientFunds)

	left := s.ledger.ReturnUnclaimed()
	s.Equal(int64(20), left.Int64())
	s.Equal(int64(20), s.ledger.FeePool().Int64())
	s.Zero(s.ledger.EpochPool().Sign())
}

func (s *LedgerTestSuite) TestCloneIsolation() {
	ob := Obligation("listing:9:bid")
	s.Require().NoError(s.ledger.Hold(ob, alice, big.NewInt(100)))

	c := s.ledger.Clone()
	s.Require().NoError(c.Release(ob, bob, big.NewInt(100)))
	s.Require().NoError(c.Transfer(alice, bob, big.NewInt(900)))

	s.Equal(int64(100), s.ledger.HeldAmount(ob).Int64())
	s.Equal(int64(900), s.ledger.Balance(alice).Int64())
	s.Zero(s.ledger.Balance(bob).Sign())
}

func TestChangesTrackWrites(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Deposit(alice, big.NewInt(10)))

	c := l.Clone()
	assert.Empty(t, c.Changes().Wallets)

	require.NoError(t, c.Hold("x", alice, big.NewInt(4)))
	ch := c.Changes()
	assert.Equal(t, int64(6), ch.Wallets[alice].Int64())
	assert.Equal(t, []Obligation{"x"}, ch.Holds)
	assert.False(t, ch.PoolsTouched)
}

func TestRestore(t *testing.T) {
	l := Restore(
		map[common.Address]*big.Int{alice: big.NewInt(7)},
		[]Hold{{Obligation: "h", Payer: bob, Amount: big.NewInt(3)}},
		big.NewInt(2),
		big.NewInt(1),
	)
	assert.Equal(t, int64(7), l.Balance(alice).Int64())
	assert.Equal(t, int64(2), l.FeePool().Int64())
	assert.Equal(t, int64(1), l.EpochPool().Int64())

	refunded, err := l.Refund("h")
	require.NoError(t, err)
	assert.Equal(t, int64(3), refunded.Int64())
	assert.Equal(t, int64(3), l.Balance(bob).Int64())
}
