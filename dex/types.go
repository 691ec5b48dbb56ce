// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dex implements the constant-product pool ledger of the AMM suite.
// All pairs live in one singleton ledger, which owns the reserve balances
// and the liquidity-share supply for every pool and is the only writer of
// either.
package dex

import (
	"bytes"
	"errors"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/zeebo/blake3"
)

// Book is the token balance surface the ledger settles against.
// Snapshots make every ledger operation all-or-nothing.
type Book interface {
	BalanceOf(token, account common.Address) *uint256.Int
	Transfer(token, from, to common.Address, amount *uint256.Int) error
	Snapshot() int
	RevertToSnapshot(id int) error
	DiscardSnapshot(id int)
}

// Protocol constants
const (
	// SwapFeeBps is the swap fee retained by the pool, taken from the
	// input side (30 = 0.30%).
	SwapFeeBps uint32 = 30

	// BpsDenom is the basis-point denominator.
	BpsDenom uint32 = 10_000
)

// MinimumLiquidity is the share quantity permanently locked to the
// blackhole address on a pool's first mint, so the share price can never
// degenerate to a zero-supply division.
var MinimumLiquidity = big.NewInt(1000)

// Pool is the state of one token-pair market. Token0 < Token1 by byte
// order; a pair always maps to the same pool regardless of argument order.
type Pool struct {
	Token0 common.Address
	Token1 common.Address

	Reserve0    *big.Int
	Reserve1    *big.Int
	TotalShares *big.Int

	// LastK is reserve0*reserve1 as of the last completed operation.
	// Outside an in-flight operation, reserve0*reserve1 >= LastK.
	LastK *big.Int
}

// SortTokens returns the pair in canonical (byte-ascending) order.
func SortTokens(a, b common.Address) (common.Address, common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) < 0 {
		return a, b
	}
	return b, a
}

// PairID computes the unique pool identifier for a token pair.
// Argument order does not matter.
func PairID(a, b common.Address) [32]byte {
	t0, t1 := SortTokens(a, b)
	h := blake3.New()
	h.Write(t0.Bytes())
	h.Write(t1.Bytes())

	var id [32]byte
	h.Digest().Read(id[:])
	return id
}

// Errors - pool ledger
var (
	ErrZeroAddress                 = errors.New("zero address")
	ErrIdenticalTokens             = errors.New("identical tokens")
	ErrPoolExists                  = errors.New("pool already exists")
	ErrPoolNotFound                = errors.New("pool not found")
	ErrInvalidAmount               = errors.New("invalid amount")
	ErrDeadlineExpired             = errors.New("deadline expired")
	ErrInsufficientShares          = errors.New("insufficient shares minted")
	ErrInsufficientOutput          = errors.New("insufficient output amount")
	ErrInsufficientLiquidity       = errors.New("insufficient liquidity")
	ErrInsufficientLiquidityMinted = errors.New("insufficient liquidity minted")
	ErrNoLiquidity                 = errors.New("no liquidity in pool")
	ErrReentrantCall               = errors.New("reentrant call")
	ErrInvariantViolated           = errors.New("constant-product invariant violated")
	ErrInvalidSnapshot             = errors.New("invalid snapshot id")
)

// bigToU256 converts a non-negative big.Int amount to uint256 for the book.
func bigToU256(v *big.Int) *uint256.Int {
	u, _ := uint256.FromBig(v)
	return u
}
