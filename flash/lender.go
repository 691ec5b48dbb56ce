// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package flash implements the flash loan issuer. Loans are drawn from the
// pool ledger's reserves, capped at a fraction of the lent token's reserve,
// and must be repaid with fee before the borrower's callback returns; a
// loan that comes back short is rolled back as if it never happened.
package flash

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/log"

	"github.com/luxfi/amm/dex"
	"github.com/luxfi/amm/timelock"
)

// Protocol defaults
const (
	// DefaultCapBps caps a single loan at this fraction of the lent
	// token's pool reserve (1000 = 10%).
	DefaultCapBps uint32 = 1000

	// DefaultFeeBps is the loan fee taken on the principal (5 = 0.05%).
	DefaultFeeBps uint32 = 5

	// DefaultUpdateDelay is the timelock delay for cap and fee-recipient
	// changes.
	DefaultUpdateDelay = 48 * time.Hour
)

// Errors - flash issuer
var (
	ErrInvalidAmount      = errors.New("invalid loan amount")
	ErrLoanExceedsCap     = errors.New("loan exceeds reserve cap")
	ErrLoanNotRepaid      = errors.New("loan not repaid with fee")
	ErrBorrowerNotAllowed = errors.New("borrower not on allowlist")
	ErrReentrantCall      = errors.New("reentrant flash loan")
	ErrInvalidCap         = errors.New("cap exceeds denominator")
)

// Borrower is the callback a flash borrower implements. The loan principal
// is already in the borrower's balance when OnFlashLoan runs; the callback
// must return principal+fee to the pool ledger account before returning,
// or the whole loan is unwound. [data] is the opaque payload passed through
// FlashLoan untouched.
type Borrower interface {
	OnFlashLoan(book dex.Book, token common.Address, amount, fee *big.Int, data []byte) error
}

// BorrowerFunc adapts a function to the Borrower interface.
type BorrowerFunc func(book dex.Book, token common.Address, amount, fee *big.Int, data []byte) error

func (f BorrowerFunc) OnFlashLoan(book dex.Book, token common.Address, amount, fee *big.Int, data []byte) error {
	return f(book, token, amount, fee, data)
}

// Lender issues flash loans against the pool ledger's reserves.
// At most one loan is in flight at a time; the borrower callback may trade
// against the pool ledger but may not take a second loan.
type Lender struct {
	mu     sync.Mutex
	locked bool

	ledger *dex.Ledger

	capBps uint32
	feeBps uint32

	// feeRecipient receives loan fees when set; otherwise fees fold into
	// the lent pool's reserves for the liquidity holders.
	feeRecipient common.Address

	// allowlist restricts who may borrow when open is false.
	open      bool
	allowlist map[common.Address]bool

	capChanges       *timelock.Timelock[uint32]
	recipientChanges *timelock.Timelock[common.Address]

	log log.Logger
}

// Option configures a Lender.
type Option func(*Lender)

// WithCap overrides the per-loan reserve cap in basis points.
func WithCap(bps uint32) Option {
	return func(l *Lender) { l.capBps = bps }
}

// WithFee overrides the loan fee in basis points.
func WithFee(bps uint32) Option {
	return func(l *Lender) { l.feeBps = bps }
}

// WithFeeRecipient directs loan fees to [addr] instead of the reserves.
func WithFeeRecipient(addr common.Address) Option {
	return func(l *Lender) { l.feeRecipient = addr }
}

// WithAllowlist switches the lender to closed mode: only the listed
// addresses may borrow.
func WithAllowlist(addrs ...common.Address) Option {
	return func(l *Lender) {
		l.open = false
		for _, a := range addrs {
			l.allowlist[a] = true
		}
	}
}

// WithUpdateDelay overrides the timelock delay for parameter changes.
// Must be passed before the lender issues any proposal.
func WithUpdateDelay(delay time.Duration, clock func() int64) Option {
	return func(l *Lender) {
		l.capChanges = timelock.New(delay, timelock.WithClock[uint32](clock))
		l.recipientChanges = timelock.New(delay, timelock.WithClock[common.Address](clock))
	}
}

// NewLender creates a flash lender drawing on [ledger]'s reserves.
// The lender starts in open mode: anyone may borrow up to the cap.
func NewLender(ledger *dex.Ledger, opts ...Option) *Lender {
	l := &Lender{
		ledger:           ledger,
		capBps:           DefaultCapBps,
		feeBps:           DefaultFeeBps,
		open:             true,
		allowlist:        make(map[common.Address]bool),
		capChanges:       timelock.New[uint32](DefaultUpdateDelay),
		recipientChanges: timelock.New[common.Address](DefaultUpdateDelay),
		log:              log.New("module", "flash"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// =========================================================================
// Loans
// =========================================================================

// FlashLoan lends [amount] of [token] out of the (tokenA, tokenB) pool's
// reserves to [borrower], invoking its callback with the funds in place.
// By the time the callback returns, the pool ledger account must hold at
// least its pre-loan balance plus the fee, or every effect of the loan,
// including anything the callback did with the funds, is reverted.
func (l *Lender) FlashLoan(
	book dex.Book,
	caller common.Address,
	borrower Borrower,
	tokenA, tokenB, token common.Address,
	amount *big.Int,
	data []byte,
) (*big.Int, error) {
	l.mu.Lock()
	if l.locked {
		l.mu.Unlock()
		return nil, ErrReentrantCall
	}
	l.locked = true
	capBps, feeBps := l.capBps, l.feeBps
	open, allowed := l.open, l.allowlist[caller]
	recipient := l.feeRecipient
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.locked = false
		l.mu.Unlock()
	}()

	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if borrower == nil {
		return nil, ErrInvalidAmount
	}
	if !open && !allowed {
		return nil, ErrBorrowerNotAllowed
	}

	reserve, err := l.ledger.ReserveOf(tokenA, tokenB, token)
	if err != nil {
		return nil, err
	}
	cap := new(big.Int).Mul(reserve, big.NewInt(int64(capBps)))
	cap.Div(cap, big.NewInt(int64(dex.BpsDenom)))
	if amount.Cmp(cap) > 0 {
		return nil, ErrLoanExceedsCap
	}

	fee := new(big.Int).Mul(amount, big.NewInt(int64(feeBps)))
	fee.Div(fee, big.NewInt(int64(dex.BpsDenom)))

	ledgerAddr := dex.LedgerAddress()
	before := book.BalanceOf(token, ledgerAddr).ToBig()
	required := new(big.Int).Add(before, fee)

	// The callback may trade against the pools, so a book snapshot alone
	// cannot unwind a failed loan: pool reserves and shares revert with it.
	poolSnap := l.ledger.Snapshot()
	snap := book.Snapshot()
	revert := func() {
		book.RevertToSnapshot(snap)
		l.ledger.RevertToSnapshot(poolSnap)
	}

	if err := book.Transfer(token, ledgerAddr, caller, u256(amount)); err != nil {
		revert()
		return nil, err
	}

	if err := borrower.OnFlashLoan(book, token, amount, fee, data); err != nil {
		revert()
		l.log.Warn("flash loan callback failed", "token", token, "amount", amount, "err", err)
		return nil, err
	}

	after := book.BalanceOf(token, ledgerAddr).ToBig()
	if after.Cmp(required) < 0 {
		revert()
		l.log.Warn("flash loan not repaid",
			"token", token, "amount", amount, "fee", fee,
			"balance", after, "required", required)
		return nil, ErrLoanNotRepaid
	}

	if recipient != (common.Address{}) {
		if err := book.Transfer(token, ledgerAddr, recipient, u256(fee)); err != nil {
			revert()
			return nil, err
		}
	} else if err := l.ledger.AccrueFee(tokenA, tokenB, token, fee); err != nil {
		revert()
		return nil, err
	}
	book.DiscardSnapshot(snap)
	l.ledger.DiscardSnapshot(poolSnap)

	l.log.Info("flash loan settled", "token", token, "amount", amount, "fee", fee)
	return fee, nil
}

// =========================================================================
// Timelocked parameter changes
// =========================================================================

// ProposeCapUpdate schedules a new reserve cap and returns the unix time at
// which it becomes executable. Re-proposing restarts the window.
func (l *Lender) ProposeCapUpdate(bps uint32) (int64, error) {
	if bps > dex.BpsDenom {
		return 0, ErrInvalidCap
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	eligible := l.capChanges.Propose(bps)
	l.log.Info("cap update proposed", "capBps", bps, "eligibleAt", eligible)
	return eligible, nil
}

// ExecuteCapUpdate applies the pending cap once its delay has elapsed.
func (l *Lender) ExecuteCapUpdate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bps, err := l.capChanges.Execute()
	if err != nil {
		return err
	}
	l.capBps = bps
	l.log.Info("cap updated", "capBps", bps)
	return nil
}

// CancelCapUpdate drops the pending cap proposal.
func (l *Lender) CancelCapUpdate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capChanges.Cancel()
}

// ProposeFeeRecipientUpdate schedules a new fee recipient. The zero address
// redirects fees back into pool reserves.
func (l *Lender) ProposeFeeRecipientUpdate(addr common.Address) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	eligible := l.recipientChanges.Propose(addr)
	l.log.Info("fee recipient update proposed", "recipient", addr, "eligibleAt", eligible)
	return eligible
}

// ExecuteFeeRecipientUpdate applies the pending recipient once its delay
// has elapsed.
func (l *Lender) ExecuteFeeRecipientUpdate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	addr, err := l.recipientChanges.Execute()
	if err != nil {
		return err
	}
	l.feeRecipient = addr
	l.log.Info("fee recipient updated", "recipient", addr)
	return nil
}

// CancelFeeRecipientUpdate drops the pending recipient proposal.
func (l *Lender) CancelFeeRecipientUpdate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recipientChanges.Cancel()
}

// =========================================================================
// Views
// =========================================================================

// CapBps returns the active per-loan reserve cap.
func (l *Lender) CapBps() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capBps
}

// FeeBps returns the active loan fee.
func (l *Lender) FeeBps() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.feeBps
}

// FeeFor quotes the fee for a loan of [amount].
func (l *Lender) FeeFor(amount *big.Int) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	fee := new(big.Int).Mul(amount, big.NewInt(int64(l.feeBps)))
	return fee.Div(fee, big.NewInt(int64(dex.BpsDenom)))
}

// MaxLoan quotes the largest loan currently allowed for [token] in the
// (tokenA, tokenB) pool.
func (l *Lender) MaxLoan(tokenA, tokenB, token common.Address) (*big.Int, error) {
	reserve, err := l.ledger.ReserveOf(tokenA, tokenB, token)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	capBps := l.capBps
	l.mu.Unlock()
	cap := new(big.Int).Mul(reserve, big.NewInt(int64(capBps)))
	return cap.Div(cap, big.NewInt(int64(dex.BpsDenom))), nil
}
