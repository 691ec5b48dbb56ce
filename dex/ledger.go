// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dex

import (
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/log"

	"github.com/luxfi/amm/registry"
)

// Ledger address as bytes (LP-9010 pool ledger). All pool reserves are
// held by this single account in the balance book.
var poolLedgerAddr = common.HexToAddress(registry.PoolLedgerAddress)

// LedgerAddress returns the account that custodies all pool reserves.
func LedgerAddress() common.Address {
	return poolLedgerAddr
}

// Ledger is the singleton constant-product pool ledger.
// Every operation runs to completion under the ledger lock: no operation
// ever observes another operation's partial effects, and a per-pool
// in-progress flag rejects reentrant entry as defense in depth.
type Ledger struct {
	mu sync.Mutex

	// pools stores pool state by pair ID
	pools map[[32]byte]*Pool

	// shares stores liquidity shares by pair ID and owner.
	// Invariant: sum over owners == pool.TotalShares.
	shares map[[32]byte]map[common.Address]*big.Int

	// inflight marks pools with an operation in progress
	inflight map[[32]byte]bool

	// snapshots stacks full copies of pools and shares, taken by
	// enclosing operations (flash loans) that must be able to unwind
	// callback trades alongside the balance book.
	snapshots []ledgerSnapshot

	feeBps uint32
	now    func() int64

	log log.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithFee overrides the swap fee in basis points.
func WithFee(bps uint32) Option {
	return func(l *Ledger) { l.feeBps = bps }
}

// WithClock overrides the wall clock, unix seconds. Used by tests.
func WithClock(now func() int64) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates an empty pool ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		pools:    make(map[[32]byte]*Pool),
		shares:   make(map[[32]byte]map[common.Address]*big.Int),
		inflight: make(map[[32]byte]bool),
		feeBps:   SwapFeeBps,
		now:      func() int64 { return time.Now().Unix() },
		log:      log.New("module", "dex"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// =========================================================================
// Pool Creation
// =========================================================================

// CreatePool creates the pool for a token pair. Tokens are canonically
// ordered, so (A,B) and (B,A) refer to the same pool; re-creating an
// existing pair fails with ErrPoolExists.
func (l *Ledger) CreatePool(tokenA, tokenB common.Address) (*Pool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tokenA == (common.Address{}) || tokenB == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if tokenA == tokenB {
		return nil, ErrIdenticalTokens
	}

	id := PairID(tokenA, tokenB)
	if _, exists := l.pools[id]; exists {
		return nil, ErrPoolExists
	}

	t0, t1 := SortTokens(tokenA, tokenB)
	pool := &Pool{
		Token0:      t0,
		Token1:      t1,
		Reserve0:    big.NewInt(0),
		Reserve1:    big.NewInt(0),
		TotalShares: big.NewInt(0),
		LastK:       big.NewInt(0),
	}
	l.pools[id] = pool
	l.shares[id] = make(map[common.Address]*big.Int)

	l.log.Info("pool created", "token0", t0, "token1", t1)
	return copyPool(pool), nil
}

// =========================================================================
// Liquidity
// =========================================================================

// AddLiquidity deposits amountA of tokenA and amountB of tokenB from
// [caller] and mints shares to [to].
//
// On the first deposit the mint is floor(sqrt(amountA*amountB)) with
// MinimumLiquidity of it locked to the blackhole address. On later
// deposits the mint is proportional to the smaller relative contribution,
// so a price-skewing deposit donates its excess to existing holders.
func (l *Ledger) AddLiquidity(
	book Book,
	caller common.Address,
	tokenA, tokenB common.Address,
	amountA, amountB *big.Int,
	minSharesOut *big.Int,
	to common.Address,
	deadline int64,
) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := PairID(tokenA, tokenB)
	pool, err := l.enter(id)
	if err != nil {
		return nil, err
	}
	defer l.exit(id)

	// Checks
	if l.now() > deadline {
		return nil, ErrDeadlineExpired
	}
	if to == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if amountA == nil || amountB == nil || amountA.Sign() <= 0 || amountB.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	amount0, amount1 := amountA, amountB
	t0, _ := SortTokens(tokenA, tokenB)
	if t0 != tokenA {
		amount0, amount1 = amountB, amountA
	}

	var minted *big.Int
	var locked *big.Int
	if pool.TotalShares.Sign() == 0 {
		// First mint: sqrt(amount0*amount1), MinimumLiquidity locked forever.
		root := new(big.Int).Sqrt(new(big.Int).Mul(amount0, amount1))
		if root.Cmp(MinimumLiquidity) <= 0 {
			return nil, ErrInsufficientLiquidityMinted
		}
		minted = new(big.Int).Sub(root, MinimumLiquidity)
		locked = MinimumLiquidity
	} else {
		by0 := new(big.Int).Mul(amount0, pool.TotalShares)
		by0.Div(by0, pool.Reserve0)
		by1 := new(big.Int).Mul(amount1, pool.TotalShares)
		by1.Div(by1, pool.Reserve1)
		minted = by0
		if by1.Cmp(by0) < 0 {
			minted = by1
		}
		if minted.Sign() <= 0 {
			return nil, ErrInsufficientLiquidityMinted
		}
	}
	if minSharesOut != nil && minted.Cmp(minSharesOut) < 0 {
		return nil, ErrInsufficientShares
	}

	// Effects
	saved := savePool(pool)
	pool.Reserve0 = new(big.Int).Add(pool.Reserve0, amount0)
	pool.Reserve1 = new(big.Int).Add(pool.Reserve1, amount1)
	pool.TotalShares = new(big.Int).Add(pool.TotalShares, minted)
	if locked != nil {
		pool.TotalShares.Add(pool.TotalShares, locked)
		l.creditShares(id, blackholeAddr, locked)
	}
	l.creditShares(id, to, minted)
	pool.LastK = new(big.Int).Mul(pool.Reserve0, pool.Reserve1)

	// Interactions
	snap := book.Snapshot()
	if err := book.Transfer(pool.Token0, caller, poolLedgerAddr, bigToU256(amount0)); err != nil {
		l.revertLiquidity(book, snap, id, pool, saved, to, minted, locked)
		return nil, err
	}
	if err := book.Transfer(pool.Token1, caller, poolLedgerAddr, bigToU256(amount1)); err != nil {
		l.revertLiquidity(book, snap, id, pool, saved, to, minted, locked)
		return nil, err
	}
	book.DiscardSnapshot(snap)

	l.log.Info("liquidity added",
		"token0", pool.Token0, "token1", pool.Token1,
		"amount0", amount0, "amount1", amount1, "shares", minted)
	return new(big.Int).Set(minted), nil
}

// RemoveLiquidity burns [sharesIn] of [caller]'s shares and pays out the
// proportional reserve amounts to [to], rounding down in favor of the
// remaining holders.
func (l *Ledger) RemoveLiquidity(
	book Book,
	caller common.Address,
	tokenA, tokenB common.Address,
	sharesIn *big.Int,
	minAOut, minBOut *big.Int,
	to common.Address,
	deadline int64,
) (*big.Int, *big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := PairID(tokenA, tokenB)
	pool, err := l.enter(id)
	if err != nil {
		return nil, nil, err
	}
	defer l.exit(id)

	// Checks
	if l.now() > deadline {
		return nil, nil, ErrDeadlineExpired
	}
	if to == (common.Address{}) {
		return nil, nil, ErrZeroAddress
	}
	if sharesIn == nil || sharesIn.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if pool.TotalShares.Sign() == 0 {
		return nil, nil, ErrNoLiquidity
	}
	held := l.sharesOf(id, caller)
	if held.Cmp(sharesIn) < 0 {
		return nil, nil, ErrInsufficientShares
	}

	amount0 := new(big.Int).Mul(sharesIn, pool.Reserve0)
	amount0.Div(amount0, pool.TotalShares)
	amount1 := new(big.Int).Mul(sharesIn, pool.Reserve1)
	amount1.Div(amount1, pool.TotalShares)

	min0, min1 := minAOut, minBOut
	if t0, _ := SortTokens(tokenA, tokenB); t0 != tokenA {
		min0, min1 = minBOut, minAOut
	}
	if (min0 != nil && amount0.Cmp(min0) < 0) || (min1 != nil && amount1.Cmp(min1) < 0) {
		return nil, nil, ErrInsufficientOutput
	}

	// Effects: burn before paying out
	saved := savePool(pool)
	l.debitShares(id, caller, sharesIn)
	pool.TotalShares = new(big.Int).Sub(pool.TotalShares, sharesIn)
	pool.Reserve0 = new(big.Int).Sub(pool.Reserve0, amount0)
	pool.Reserve1 = new(big.Int).Sub(pool.Reserve1, amount1)
	pool.LastK = new(big.Int).Mul(pool.Reserve0, pool.Reserve1)

	// Interactions
	snap := book.Snapshot()
	if err := book.Transfer(pool.Token0, poolLedgerAddr, to, bigToU256(amount0)); err != nil {
		l.revertLiquidity(book, snap, id, pool, saved, caller, new(big.Int).Neg(sharesIn), nil)
		return nil, nil, err
	}
	if err := book.Transfer(pool.Token1, poolLedgerAddr, to, bigToU256(amount1)); err != nil {
		l.revertLiquidity(book, snap, id, pool, saved, caller, new(big.Int).Neg(sharesIn), nil)
		return nil, nil, err
	}
	book.DiscardSnapshot(snap)

	l.log.Info("liquidity removed",
		"token0", pool.Token0, "token1", pool.Token1,
		"shares", sharesIn, "amount0", amount0, "amount1", amount1)

	outA, outB := amount0, amount1
	if t0, _ := SortTokens(tokenA, tokenB); t0 != tokenA {
		outA, outB = amount1, amount0
	}
	return outA, outB, nil
}

// =========================================================================
// Swaps
// =========================================================================

// Swap trades [amountIn] of [tokenIn] for [tokenOut], paying the output to
// [to]. The fee is taken from the input side; the fee-adjusted constant
// product is re-asserted against the post-swap reserves rather than
// trusted from the output formula.
func (l *Ledger) Swap(
	book Book,
	caller common.Address,
	tokenIn, tokenOut common.Address,
	amountIn *big.Int,
	amountOutMin *big.Int,
	to common.Address,
	deadline int64,
) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := PairID(tokenIn, tokenOut)
	pool, err := l.enter(id)
	if err != nil {
		return nil, err
	}
	defer l.exit(id)

	// Checks
	if l.now() > deadline {
		return nil, ErrDeadlineExpired
	}
	if to == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	reserveIn, reserveOut := pool.Reserve0, pool.Reserve1
	if tokenIn == pool.Token1 {
		reserveIn, reserveOut = pool.Reserve1, pool.Reserve0
	}
	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		return nil, ErrNoLiquidity
	}

	// amountOut = aIn*(1-fee)*rOut / (rIn + aIn*(1-fee)), fee on input
	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(int64(BpsDenom-l.feeBps)))
	numerator := new(big.Int).Mul(inWithFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, big.NewInt(int64(BpsDenom)))
	denominator.Add(denominator, inWithFee)
	amountOut := numerator.Div(numerator, denominator)

	if amountOutMin != nil && amountOut.Cmp(amountOutMin) < 0 {
		return nil, ErrInsufficientOutput
	}
	if amountOut.Cmp(reserveOut) >= 0 {
		return nil, ErrInsufficientLiquidity
	}

	// Recompute the invariant on the post-swap reserves: the full input
	// stays in the pool, so (rIn+aIn)*(rOut-out) >= rIn*rOut must hold or
	// rounding has been exploited.
	newIn := new(big.Int).Add(reserveIn, amountIn)
	newOut := new(big.Int).Sub(reserveOut, amountOut)
	if new(big.Int).Mul(newIn, newOut).Cmp(new(big.Int).Mul(reserveIn, reserveOut)) < 0 {
		l.log.Warn("swap rejected by invariant check",
			"token0", pool.Token0, "token1", pool.Token1, "amountIn", amountIn)
		return nil, ErrInvariantViolated
	}

	// Effects
	saved := savePool(pool)
	if tokenIn == pool.Token0 {
		pool.Reserve0 = newIn
		pool.Reserve1 = newOut
	} else {
		pool.Reserve1 = newIn
		pool.Reserve0 = newOut
	}
	pool.LastK = new(big.Int).Mul(pool.Reserve0, pool.Reserve1)

	// Interactions
	snap := book.Snapshot()
	if err := book.Transfer(tokenIn, caller, poolLedgerAddr, bigToU256(amountIn)); err != nil {
		restorePool(pool, saved)
		book.RevertToSnapshot(snap)
		return nil, err
	}
	if err := book.Transfer(tokenOut, poolLedgerAddr, to, bigToU256(amountOut)); err != nil {
		restorePool(pool, saved)
		book.RevertToSnapshot(snap)
		return nil, err
	}
	book.DiscardSnapshot(snap)

	l.log.Info("swap executed",
		"tokenIn", tokenIn, "tokenOut", tokenOut,
		"amountIn", amountIn, "amountOut", amountOut)
	return amountOut, nil
}

// =========================================================================
// Flash-loan support
// =========================================================================

// AccrueFee folds a retained flash-loan fee for [token] into the pair's
// reserves, raising the per-share value. The corresponding balance must
// already sit in the ledger account.
func (l *Ledger) AccrueFee(tokenA, tokenB, token common.Address, fee *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pool, ok := l.pools[PairID(tokenA, tokenB)]
	if !ok {
		return ErrPoolNotFound
	}
	if fee == nil || fee.Sign() < 0 {
		return ErrInvalidAmount
	}
	switch token {
	case pool.Token0:
		pool.Reserve0 = new(big.Int).Add(pool.Reserve0, fee)
	case pool.Token1:
		pool.Reserve1 = new(big.Int).Add(pool.Reserve1, fee)
	default:
		return ErrPoolNotFound
	}
	pool.LastK = new(big.Int).Mul(pool.Reserve0, pool.Reserve1)
	return nil
}

// =========================================================================
// Snapshots
// =========================================================================

// ledgerSnapshot is a full copy of the pool and share state.
type ledgerSnapshot struct {
	pools  map[[32]byte]*Pool
	shares map[[32]byte]map[common.Address]*big.Int
}

// Snapshot captures every pool's reserves, shares and LastK and returns an
// id for RevertToSnapshot. An operation that runs attacker-controlled code
// mid-flight (a flash loan callback) takes this together with a book
// snapshot so both sides of the ledger unwind as one.
func (l *Ledger) Snapshot() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := ledgerSnapshot{
		pools:  make(map[[32]byte]*Pool, len(l.pools)),
		shares: make(map[[32]byte]map[common.Address]*big.Int, len(l.shares)),
	}
	for id, pool := range l.pools {
		snap.pools[id] = copyPool(pool)
	}
	for id, owners := range l.shares {
		cp := make(map[common.Address]*big.Int, len(owners))
		for owner, held := range owners {
			cp[owner] = new(big.Int).Set(held)
		}
		snap.shares[id] = cp
	}
	l.snapshots = append(l.snapshots, snap)
	return len(l.snapshots) - 1
}

// RevertToSnapshot restores the pool and share state captured at [id],
// dropping it and any snapshots taken after it.
func (l *Ledger) RevertToSnapshot(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id < 0 || id >= len(l.snapshots) {
		return ErrInvalidSnapshot
	}
	snap := l.snapshots[id]
	l.pools = snap.pools
	l.shares = snap.shares
	l.snapshots = l.snapshots[:id]
	return nil
}

// DiscardSnapshot commits the state changes made since [id] was taken.
func (l *Ledger) DiscardSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id >= 0 && id < len(l.snapshots) {
		l.snapshots = l.snapshots[:id]
	}
}

// =========================================================================
// Views
// =========================================================================

// GetPool returns a copy of the pool for a token pair.
func (l *Ledger) GetPool(tokenA, tokenB common.Address) (*Pool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pool, ok := l.pools[PairID(tokenA, tokenB)]
	if !ok {
		return nil, ErrPoolNotFound
	}
	return copyPool(pool), nil
}

// ReserveOf returns the current reserve of [token] in the pair's pool.
func (l *Ledger) ReserveOf(tokenA, tokenB, token common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pool, ok := l.pools[PairID(tokenA, tokenB)]
	if !ok {
		return nil, ErrPoolNotFound
	}
	switch token {
	case pool.Token0:
		return new(big.Int).Set(pool.Reserve0), nil
	case pool.Token1:
		return new(big.Int).Set(pool.Reserve1), nil
	}
	return nil, ErrPoolNotFound
}

// SharesOf returns [owner]'s share balance in the pair's pool.
func (l *Ledger) SharesOf(tokenA, tokenB, owner common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sharesOf(PairID(tokenA, tokenB), owner)
}

// =========================================================================
// Internals
// =========================================================================

// enter looks up the pool and sets its in-progress flag. The ledger lock
// already serializes operations; the flag is defense in depth against a
// callback path re-entering a pool mid-operation.
func (l *Ledger) enter(id [32]byte) (*Pool, error) {
	pool, ok := l.pools[id]
	if !ok {
		return nil, ErrPoolNotFound
	}
	if l.inflight[id] {
		return nil, ErrReentrantCall
	}
	l.inflight[id] = true
	return pool, nil
}

func (l *Ledger) exit(id [32]byte) {
	delete(l.inflight, id)
}

func (l *Ledger) sharesOf(id [32]byte, owner common.Address) *big.Int {
	if m := l.shares[id]; m != nil {
		if s, ok := m[owner]; ok {
			return new(big.Int).Set(s)
		}
	}
	return big.NewInt(0)
}

func (l *Ledger) creditShares(id [32]byte, owner common.Address, amount *big.Int) {
	m := l.shares[id]
	if m == nil {
		m = make(map[common.Address]*big.Int)
		l.shares[id] = m
	}
	cur, ok := m[owner]
	if !ok {
		cur = big.NewInt(0)
	}
	m[owner] = new(big.Int).Add(cur, amount)
}

func (l *Ledger) debitShares(id [32]byte, owner common.Address, amount *big.Int) {
	m := l.shares[id]
	if m == nil {
		return
	}
	cur, ok := m[owner]
	if !ok {
		return
	}
	next := new(big.Int).Sub(cur, amount)
	if next.Sign() == 0 {
		delete(m, owner)
	} else {
		m[owner] = next
	}
}

// poolSnap captures the numeric fields of a pool for in-memory rollback.
type poolSnap struct {
	reserve0, reserve1, totalShares, lastK *big.Int
}

func savePool(p *Pool) poolSnap {
	return poolSnap{
		reserve0:    new(big.Int).Set(p.Reserve0),
		reserve1:    new(big.Int).Set(p.Reserve1),
		totalShares: new(big.Int).Set(p.TotalShares),
		lastK:       new(big.Int).Set(p.LastK),
	}
}

func restorePool(p *Pool, s poolSnap) {
	p.Reserve0 = s.reserve0
	p.Reserve1 = s.reserve1
	p.TotalShares = s.totalShares
	p.LastK = s.lastK
}

// revertLiquidity undoes a liquidity mint/burn after a failed transfer:
// book snapshot, pool fields, and the share entries touched.
// A negative mint amount means shares were burned and must be re-credited.
func (l *Ledger) revertLiquidity(
	book Book,
	snap int,
	id [32]byte,
	pool *Pool,
	saved poolSnap,
	owner common.Address,
	minted *big.Int,
	locked *big.Int,
) {
	book.RevertToSnapshot(snap)
	restorePool(pool, saved)
	if minted.Sign() >= 0 {
		l.debitShares(id, owner, minted)
	} else {
		l.creditShares(id, owner, new(big.Int).Neg(minted))
	}
	if locked != nil {
		l.debitShares(id, blackholeAddr, locked)
	}
}

func copyPool(p *Pool) *Pool {
	return &Pool{
		Token0:      p.Token0,
		Token1:      p.Token1,
		Reserve0:    new(big.Int).Set(p.Reserve0),
		Reserve1:    new(big.Int).Set(p.Reserve1),
		TotalShares: new(big.Int).Set(p.TotalShares),
		LastK:       new(big.Int).Set(p.LastK),
	}
}
