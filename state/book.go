// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package state implements the token balance book the AMM suite settles
// against. Balances are tracked per token per account, and every write is
// journaled so an enclosing operation can be rolled back atomically.
package state

import (
	"errors"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidSnapshot     = errors.New("invalid snapshot id")
)

// slot identifies one balance cell.
type slot struct {
	Token   common.Address
	Account common.Address
}

// journalEntry records the previous value of a written slot.
type journalEntry struct {
	slot slot
	prev *uint256.Int // nil if the slot did not exist
}

// Book is an in-memory token balance store with snapshot/revert semantics.
// It plays the role the EVM state database plays on chain: the single place
// token ownership lives, mutated only through Mint, Burn and Transfer.
type Book struct {
	balances map[slot]*uint256.Int

	journal   []journalEntry
	snapshots []int // journal length at each snapshot
}

// NewBook creates an empty balance book.
func NewBook() *Book {
	return &Book{
		balances: make(map[slot]*uint256.Int),
	}
}

// BalanceOf returns the balance of [account] in [token].
// The returned value is a copy.
func (b *Book) BalanceOf(token, account common.Address) *uint256.Int {
	if bal, ok := b.balances[slot{token, account}]; ok {
		return bal.Clone()
	}
	return uint256.NewInt(0)
}

// Mint credits [amount] of [token] to [account].
func (b *Book) Mint(token, account common.Address, amount *uint256.Int) {
	s := slot{token, account}
	b.record(s)
	cur := b.balances[s]
	if cur == nil {
		cur = uint256.NewInt(0)
	}
	b.balances[s] = new(uint256.Int).Add(cur, amount)
}

// Burn debits [amount] of [token] from [account].
func (b *Book) Burn(token, account common.Address, amount *uint256.Int) error {
	s := slot{token, account}
	cur := b.balances[s]
	if cur == nil || cur.Lt(amount) {
		return ErrInsufficientBalance
	}
	b.record(s)
	b.balances[s] = new(uint256.Int).Sub(cur, amount)
	return nil
}

// Transfer moves [amount] of [token] from [from] to [to].
func (b *Book) Transfer(token, from, to common.Address, amount *uint256.Int) error {
	if err := b.Burn(token, from, amount); err != nil {
		return err
	}
	b.Mint(token, to, amount)
	return nil
}

// Snapshot marks the current state and returns an id that can be passed to
// RevertToSnapshot. Snapshots nest.
func (b *Book) Snapshot() int {
	b.snapshots = append(b.snapshots, len(b.journal))
	return len(b.snapshots) - 1
}

// RevertToSnapshot undoes every write made since [id] was taken.
// Reverting an unknown or already-reverted id is a no-op programming error
// surfaced as ErrInvalidSnapshot.
func (b *Book) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(b.snapshots) {
		return ErrInvalidSnapshot
	}
	mark := b.snapshots[id]
	for i := len(b.journal) - 1; i >= mark; i-- {
		e := b.journal[i]
		if e.prev == nil {
			delete(b.balances, e.slot)
		} else {
			b.balances[e.slot] = e.prev
		}
	}
	b.journal = b.journal[:mark]
	b.snapshots = b.snapshots[:id]
	return nil
}

// DiscardSnapshot commits the writes made since [id]; the journal suffix is
// kept so outer snapshots can still revert through it.
func (b *Book) DiscardSnapshot(id int) {
	if id >= 0 && id < len(b.snapshots) {
		b.snapshots = b.snapshots[:id]
	}
}

func (b *Book) record(s slot) {
	if len(b.snapshots) == 0 {
		return
	}
	var prev *uint256.Int
	if cur, ok := b.balances[s]; ok {
		prev = cur.Clone()
	}
	b.journal = append(b.journal, journalEntry{slot: s, prev: prev})
}
