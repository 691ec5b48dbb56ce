// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package timelock implements the two-phase change protocol every sensitive
// parameter of the suite routes through: a value is proposed, a fixed delay
// elapses, and only then can the value be executed. A compromised key can
// propose, but observers get the full delay window to react before the
// change lands.
package timelock

import (
	"errors"
	"time"
)

var (
	ErrTimelockNotExpired = errors.New("timelock delay has not expired")
	ErrNoPendingProposal  = errors.New("no pending proposal")
)

// State is the lifecycle position of a proposal slot.
type State uint8

const (
	StateIdle State = iota
	StateProposed
	StateExecutable
)

// Timelock guards a single configuration slot of type T.
// At most one proposal is live at a time; proposing again overwrites the
// prior value and restarts the delay from scratch.
type Timelock[T any] struct {
	delay int64 // seconds

	pending    *T
	eligibleAt int64

	now func() int64
}

// Option configures a Timelock.
type Option[T any] func(*Timelock[T])

// WithClock overrides the wall clock, unix seconds. Used by tests.
func WithClock[T any](now func() int64) Option[T] {
	return func(t *Timelock[T]) { t.now = now }
}

// New creates a timelock with the given execution delay.
func New[T any](delay time.Duration, opts ...Option[T]) *Timelock[T] {
	t := &Timelock[T]{
		delay: int64(delay / time.Second),
		now:   func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Propose records [value] as the pending change and returns the earliest
// time (unix seconds) at which it becomes executable. A prior pending
// proposal is overwritten and its window restarted, not extended.
func (t *Timelock[T]) Propose(value T) int64 {
	v := value
	t.pending = &v
	t.eligibleAt = t.now() + t.delay
	return t.eligibleAt
}

// Execute consumes the pending proposal and returns its value.
// Fails with ErrNoPendingProposal if nothing is pending, or
// ErrTimelockNotExpired if the delay has not fully elapsed.
func (t *Timelock[T]) Execute() (T, error) {
	var zero T
	if t.pending == nil {
		return zero, ErrNoPendingProposal
	}
	if t.now() < t.eligibleAt {
		return zero, ErrTimelockNotExpired
	}
	value := *t.pending
	t.pending = nil
	t.eligibleAt = 0
	return value, nil
}

// Cancel clears the pending proposal unconditionally.
func (t *Timelock[T]) Cancel() error {
	if t.pending == nil {
		return ErrNoPendingProposal
	}
	t.pending = nil
	t.eligibleAt = 0
	return nil
}

// Pending returns the pending value and its eligible time, if any.
func (t *Timelock[T]) Pending() (T, int64, bool) {
	var zero T
	if t.pending == nil {
		return zero, 0, false
	}
	return *t.pending, t.eligibleAt, true
}

// State reports the current lifecycle position of the slot.
func (t *Timelock[T]) State() State {
	switch {
	case t.pending == nil:
		return StateIdle
	case t.now() < t.eligibleAt:
		return StateProposed
	default:
		return StateExecutable
	}
}
