// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dex

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/amm/modules"
	"github.com/luxfi/amm/state"
)

var (
	tokenX = common.HexToAddress("0x1000000000000000000000000000000000000001")
	tokenY = common.HexToAddress("0x1000000000000000000000000000000000000002")
	alice  = common.HexToAddress("0x2000000000000000000000000000000000000001")
	bob    = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

const (
	testNow      = int64(1_000)
	testDeadline = int64(9_999)
)

// bigExp returns base^exp (avoids overflow in big.NewInt literals)
func bigExp(base, exp int64) *big.Int {
	result := big.NewInt(1)
	b := big.NewInt(base)
	for i := int64(0); i < exp; i++ {
		result.Mul(result, b)
	}
	return result
}

// e18 returns n * 10^18
func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), bigExp(10, 18))
}

func newTestLedger(t *testing.T) (*Ledger, *state.Book) {
	t.Helper()
	ledger := NewLedger(WithClock(func() int64 { return testNow }))
	book := state.NewBook()
	for _, acct := range []common.Address{alice, bob} {
		book.Mint(tokenX, acct, u256(e18(1_000)))
		book.Mint(tokenY, acct, u256(e18(1_000)))
	}
	return ledger, book
}

// seedPool creates the X/Y pool with 100e18 of each token from alice.
func seedPool(t *testing.T, ledger *Ledger, book *state.Book) {
	t.Helper()
	_, err := ledger.CreatePool(tokenX, tokenY)
	require.NoError(t, err)
	_, err = ledger.AddLiquidity(book, alice, tokenX, tokenY, e18(100), e18(100), nil, alice, testDeadline)
	require.NoError(t, err)
}

func u256(v *big.Int) *uint256.Int {
	u, _ := uint256.FromBig(v)
	return u
}

func TestCreatePool(t *testing.T) {
	ledger, _ := newTestLedger(t)

	pool, err := ledger.CreatePool(tokenX, tokenY)
	require.NoError(t, err)
	require.Equal(t, tokenX, pool.Token0)
	require.Equal(t, tokenY, pool.Token1)
	require.Zero(t, pool.Reserve0.Sign())

	// same pair in either order is a duplicate
	_, err = ledger.CreatePool(tokenY, tokenX)
	require.ErrorIs(t, err, ErrPoolExists)

	_, err = ledger.CreatePool(tokenX, tokenX)
	require.ErrorIs(t, err, ErrIdenticalTokens)

	_, err = ledger.CreatePool(common.Address{}, tokenY)
	require.ErrorIs(t, err, ErrZeroAddress)

	_, err = ledger.GetPool(tokenX, common.HexToAddress("0xdead"))
	require.ErrorIs(t, err, ErrPoolNotFound)
}

func TestPairIDOrderInsensitive(t *testing.T) {
	require.Equal(t, PairID(tokenX, tokenY), PairID(tokenY, tokenX))
	require.NotEqual(t, PairID(tokenX, tokenY), PairID(tokenX, alice))
}

func TestFirstMintLocksMinimumLiquidity(t *testing.T) {
	ledger, book := newTestLedger(t)
	_, err := ledger.CreatePool(tokenX, tokenY)
	require.NoError(t, err)

	minted, err := ledger.AddLiquidity(book, alice, tokenX, tokenY, e18(100), e18(100), nil, alice, testDeadline)
	require.NoError(t, err)

	// sqrt(100e18 * 100e18) = 1e20, minus the locked 1000
	wantMinted := new(big.Int).Sub(bigExp(10, 20), MinimumLiquidity)
	require.Equal(t, wantMinted, minted)
	require.Equal(t, wantMinted, ledger.SharesOf(tokenX, tokenY, alice))
	require.Equal(t, MinimumLiquidity, ledger.SharesOf(tokenX, tokenY, modules.BlackholeAddr))

	pool, err := ledger.GetPool(tokenX, tokenY)
	require.NoError(t, err)
	require.Equal(t, bigExp(10, 20), pool.TotalShares)
	require.Equal(t, e18(100), pool.Reserve0)
	require.Equal(t, e18(100), pool.Reserve1)

	// reserves are escrowed at the ledger account
	require.Equal(t, u256(e18(100)), book.BalanceOf(tokenX, LedgerAddress()))
	require.Equal(t, u256(e18(900)), book.BalanceOf(tokenX, alice))
}

func TestProportionalMint(t *testing.T) {
	ledger, book := newTestLedger(t)
	seedPool(t, ledger, book)

	minted, err := ledger.AddLiquidity(book, bob, tokenX, tokenY, e18(50), e18(50), nil, bob, testDeadline)
	require.NoError(t, err)

	// 50/100 of the 1e20 supply
	want := new(big.Int).Mul(big.NewInt(5), bigExp(10, 19))
	require.Equal(t, want, minted)
	require.Equal(t, want, ledger.SharesOf(tokenX, tokenY, bob))
}

func TestSkewedMintDonatesExcess(t *testing.T) {
	ledger, book := newTestLedger(t)
	seedPool(t, ledger, book)

	// 50 of X but 100 of Y: minted by the smaller side only
	minted, err := ledger.AddLiquidity(book, bob, tokenX, tokenY, e18(50), e18(100), nil, bob, testDeadline)
	require.NoError(t, err)
	require.Equal(t, new(big.Int).Mul(big.NewInt(5), bigExp(10, 19)), minted)

	pool, err := ledger.GetPool(tokenX, tokenY)
	require.NoError(t, err)
	require.Equal(t, e18(150), pool.Reserve0)
	require.Equal(t, e18(200), pool.Reserve1)
}

func TestRemoveLiquidityInverse(t *testing.T) {
	ledger, book := newTestLedger(t)
	seedPool(t, ledger, book)

	shares := ledger.SharesOf(tokenX, tokenY, alice)
	outX, outY, err := ledger.RemoveLiquidity(book, alice, tokenX, tokenY, shares, nil, nil, alice, testDeadline)
	require.NoError(t, err)

	// everything back except the value backing the locked shares
	want := new(big.Int).Sub(e18(100), MinimumLiquidity)
	require.Equal(t, want, outX)
	require.Equal(t, want, outY)
	require.Zero(t, ledger.SharesOf(tokenX, tokenY, alice).Sign())

	pool, err := ledger.GetPool(tokenX, tokenY)
	require.NoError(t, err)
	require.Equal(t, MinimumLiquidity, pool.TotalShares)
	require.Equal(t, new(big.Int).SetInt64(1000), pool.Reserve0)
}

func TestRemoveLiquidityInsufficientShares(t *testing.T) {
	ledger, book := newTestLedger(t)
	seedPool(t, ledger, book)

	shares := ledger.SharesOf(tokenX, tokenY, alice)
	tooMany := new(big.Int).Add(shares, big.NewInt(1))
	_, _, err := ledger.RemoveLiquidity(book, alice, tokenX, tokenY, tooMany, nil, nil, alice, testDeadline)
	require.ErrorIs(t, err, ErrInsufficientShares)
}

func TestSwapHoldsInvariant(t *testing.T) {
	ledger, book := newTestLedger(t)
	seedPool(t, ledger, book)

	before, err := ledger.GetPool(tokenX, tokenY)
	require.NoError(t, err)
	k := new(big.Int).Mul(before.Reserve0, before.Reserve1)

	amountIn := e18(10)
	out, err := ledger.Swap(book, bob, tokenX, tokenY, amountIn, nil, bob, testDeadline)
	require.NoError(t, err)
	require.Positive(t, out.Sign())
	// equal reserves plus fee: output strictly below input
	require.Negative(t, out.Cmp(amountIn))

	after, err := ledger.GetPool(tokenX, tokenY)
	require.NoError(t, err)
	require.Equal(t, new(big.Int).Add(before.Reserve0, amountIn), after.Reserve0)
	require.Equal(t, new(big.Int).Sub(before.Reserve1, out), after.Reserve1)

	// fee-adjusted constant product never decreases
	require.True(t, new(big.Int).Mul(after.Reserve0, after.Reserve1).Cmp(k) >= 0)

	// recipient got exactly the quoted output on top of the initial mint
	require.Equal(t, u256(new(big.Int).Add(e18(1_000), out)), book.BalanceOf(tokenY, bob))
}

func TestSwapSlippageGuard(t *testing.T) {
	ledger, book := newTestLedger(t)
	seedPool(t, ledger, book)

	before, err := ledger.GetPool(tokenX, tokenY)
	require.NoError(t, err)

	_, err = ledger.Swap(book, bob, tokenX, tokenY, e18(10), e18(10), bob, testDeadline)
	require.ErrorIs(t, err, ErrInsufficientOutput)

	after, err := ledger.GetPool(tokenX, tokenY)
	require.NoError(t, err)
	require.Equal(t, before.Reserve0, after.Reserve0)
	require.Equal(t, before.Reserve1, after.Reserve1)
}

func TestSwapInvalidInputs(t *testing.T) {
	ledger, book := newTestLedger(t)
	seedPool(t, ledger, book)

	_, err := ledger.Swap(book, bob, tokenX, tokenY, big.NewInt(0), nil, bob, testDeadline)
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ledger.Swap(book, bob, tokenX, tokenY, e18(1), nil, common.Address{}, testDeadline)
	require.ErrorIs(t, err, ErrZeroAddress)

	// deadline in the past
	_, err = ledger.Swap(book, bob, tokenX, tokenY, e18(1), nil, bob, testNow-1)
	require.ErrorIs(t, err, ErrDeadlineExpired)
}

func TestSwapEmptyPool(t *testing.T) {
	ledger, book := newTestLedger(t)
	_, err := ledger.CreatePool(tokenX, tokenY)
	require.NoError(t, err)

	_, err = ledger.Swap(book, bob, tokenX, tokenY, e18(1), nil, bob, testDeadline)
	require.ErrorIs(t, err, ErrNoLiquidity)
}

func TestAddLiquidityRollsBackOnFailedTransfer(t *testing.T) {
	ledger, book := newTestLedger(t)
	seedPool(t, ledger, book)

	pauper := common.HexToAddress("0x3000000000000000000000000000000000000001")
	_, err := ledger.AddLiquidity(book, pauper, tokenX, tokenY, e18(10), e18(10), nil, pauper, testDeadline)
	require.ErrorIs(t, err, state.ErrInsufficientBalance)

	// neither shares nor reserves moved
	require.Zero(t, ledger.SharesOf(tokenX, tokenY, pauper).Sign())
	pool, err := ledger.GetPool(tokenX, tokenY)
	require.NoError(t, err)
	require.Equal(t, e18(100), pool.Reserve0)
	require.Equal(t, bigExp(10, 20), pool.TotalShares)
	require.Equal(t, u256(e18(100)), book.BalanceOf(tokenX, LedgerAddress()))
}

func TestSwapRollsBackOnFailedTransfer(t *testing.T) {
	ledger, book := newTestLedger(t)
	seedPool(t, ledger, book)

	pauper := common.HexToAddress("0x3000000000000000000000000000000000000002")
	_, err := ledger.Swap(book, pauper, tokenX, tokenY, e18(10), nil, pauper, testDeadline)
	require.ErrorIs(t, err, state.ErrInsufficientBalance)

	pool, err := ledger.GetPool(tokenX, tokenY)
	require.NoError(t, err)
	require.Equal(t, e18(100), pool.Reserve0)
	require.Equal(t, e18(100), pool.Reserve1)
}

func TestLedgerSnapshotRevert(t *testing.T) {
	ledger, book := newTestLedger(t)
	seedPool(t, ledger, book)

	aliceShares := ledger.SharesOf(tokenX, tokenY, alice)
	snap := ledger.Snapshot()

	_, err := ledger.Swap(book, bob, tokenX, tokenY, e18(10), nil, bob, testDeadline)
	require.NoError(t, err)
	_, err = ledger.AddLiquidity(book, bob, tokenX, tokenY, e18(5), e18(5), nil, bob, testDeadline)
	require.NoError(t, err)

	require.NoError(t, ledger.RevertToSnapshot(snap))

	pool, err := ledger.GetPool(tokenX, tokenY)
	require.NoError(t, err)
	require.Equal(t, e18(100), pool.Reserve0)
	require.Equal(t, e18(100), pool.Reserve1)
	require.Equal(t, bigExp(10, 20), pool.TotalShares)
	require.Equal(t, aliceShares, ledger.SharesOf(tokenX, tokenY, alice))
	require.Zero(t, ledger.SharesOf(tokenX, tokenY, bob).Sign())

	// a consumed id cannot be reverted to again
	require.ErrorIs(t, ledger.RevertToSnapshot(snap), ErrInvalidSnapshot)
}

func TestLedgerSnapshotDiscard(t *testing.T) {
	ledger, book := newTestLedger(t)
	seedPool(t, ledger, book)

	snap := ledger.Snapshot()
	out, err := ledger.Swap(book, bob, tokenX, tokenY, e18(10), nil, bob, testDeadline)
	require.NoError(t, err)
	ledger.DiscardSnapshot(snap)

	pool, err := ledger.GetPool(tokenX, tokenY)
	require.NoError(t, err)
	require.Equal(t, e18(110), pool.Reserve0)
	require.Equal(t, new(big.Int).Sub(e18(100), out), pool.Reserve1)
}

func TestAccrueFee(t *testing.T) {
	ledger, book := newTestLedger(t)
	seedPool(t, ledger, book)

	require.NoError(t, ledger.AccrueFee(tokenX, tokenY, tokenX, big.NewInt(500)))
	reserve, err := ledger.ReserveOf(tokenX, tokenY, tokenX)
	require.NoError(t, err)
	require.Equal(t, new(big.Int).Add(e18(100), big.NewInt(500)), reserve)

	require.ErrorIs(t, ledger.AccrueFee(tokenX, tokenY, alice, big.NewInt(1)), ErrPoolNotFound)
}
