// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package gateway implements the cross-chain settlement gateway: it accepts
// swap instructions relayed from other chains, enforces one-time execution
// per message, and forwards validated instructions to the pool ledger.
// Signature and nonce verification happen in the relay network before a
// payload reaches this gateway; the gateway trusts exactly one relayer
// address at a time and guards changes to it behind a timelock.
package gateway

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"
)

// Errors - settlement gateway
var (
	ErrUnauthorizedRelayer     = errors.New("caller is not the trusted relayer")
	ErrUnauthorizedOwner       = errors.New("caller is not the owner")
	ErrMessageAlreadyProcessed = errors.New("message already processed")
	ErrInvalidToken            = errors.New("invalid token in payload")
	ErrZeroAddress             = errors.New("zero address")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrDeadlineExpired         = errors.New("deadline expired")
	ErrInvalidPayload          = errors.New("malformed payload")
)

// Instruction payload layout, fixed offsets:
//
//	[0:20]    tokenIn
//	[20:40]   tokenOut
//	[40:72]   amountIn  (big-endian, 32 bytes)
//	[72:104]  amountOutMin (big-endian, 32 bytes)
//	[104:124] recipient
//	[124:132] deadline (unix seconds, big-endian uint64)
const (
	offTokenIn      = 0
	offTokenOut     = 20
	offAmountIn     = 40
	offAmountOutMin = 72
	offRecipient    = 104
	offDeadline     = 124

	// PayloadLength is the exact encoded size of an Instruction.
	PayloadLength = 132
)

// Instruction is one relayed cross-chain swap order. The message ID is
// carried alongside the payload, not inside it; the relay network assigns
// it and the gateway only uses it for replay protection.
type Instruction struct {
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	AmountOutMin *big.Int
	Recipient    common.Address
	Deadline     int64
}

// Encode serializes the instruction to its fixed-offset wire form.
func (ix *Instruction) Encode() []byte {
	buf := make([]byte, PayloadLength)
	copy(buf[offTokenIn:], ix.TokenIn.Bytes())
	copy(buf[offTokenOut:], ix.TokenOut.Bytes())
	ix.AmountIn.FillBytes(buf[offAmountIn:offAmountIn+32])
	ix.AmountOutMin.FillBytes(buf[offAmountOutMin:offAmountOutMin+32])
	copy(buf[offRecipient:], ix.Recipient.Bytes())
	binary.BigEndian.PutUint64(buf[offDeadline:], uint64(ix.Deadline))
	return buf
}

// DecodeInstruction parses a fixed-offset payload. Only the shape is
// checked here; field validation happens at execution time.
func DecodeInstruction(payload []byte) (*Instruction, error) {
	if len(payload) != PayloadLength {
		return nil, ErrInvalidPayload
	}
	return &Instruction{
		TokenIn:      common.BytesToAddress(payload[offTokenIn:offTokenOut]),
		TokenOut:     common.BytesToAddress(payload[offTokenOut:offAmountIn]),
		AmountIn:     new(big.Int).SetBytes(payload[offAmountIn:offAmountOutMin]),
		AmountOutMin: new(big.Int).SetBytes(payload[offAmountOutMin:offRecipient]),
		Recipient:    common.BytesToAddress(payload[offRecipient:offDeadline]),
		Deadline:     int64(binary.BigEndian.Uint64(payload[offDeadline:])),
	}, nil
}

// validate applies the execution-time field checks.
func (ix *Instruction) validate(now int64) error {
	if ix.TokenIn == (common.Address{}) || ix.TokenOut == (common.Address{}) {
		return ErrInvalidToken
	}
	if ix.TokenIn == ix.TokenOut {
		return ErrInvalidToken
	}
	if ix.Recipient == (common.Address{}) {
		return ErrZeroAddress
	}
	if ix.AmountIn == nil || ix.AmountIn.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if ix.Deadline < now {
		return ErrDeadlineExpired
	}
	return nil
}
