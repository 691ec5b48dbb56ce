// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package registry

import (
	"fmt"

	"github.com/luxfi/geth/common"
)

// ============================================================================
// PRECOMPILE ADDRESS SCHEME - Aligned with LP Numbering
// ============================================================================
//
// All suite precompiles use trailing-significant 20-byte addresses:
//   Format: 0x0000000000000000000000000000000000PPII
//
// The address ends with the 16-bit LP number for easy identification:
//   PP = family page (6 = bridges, 9 = DEX/markets)
//   II = item within the family
const (
	// DEX / Markets (LP-90xx)
	PoolLedgerAddress  = "0x0000000000000000000000000000000000009010" // LP-9010 constant-product pool ledger
	FlashLenderAddress = "0x0000000000000000000000000000000000009014" // LP-9014 flash loan issuer

	// Bridges (LP-60xx)
	SettlementGatewayAddress = "0x0000000000000000000000000000000000006010" // LP-6010 cross-chain settlement gateway
)

// Entry describes one canonical precompile assignment.
type Entry struct {
	LP      uint16
	Name    string
	Address common.Address
}

// Entries lists every canonical precompile of the suite in LP order.
func Entries() []Entry {
	return []Entry{
		{LP: 0x6010, Name: "SettlementGateway", Address: common.HexToAddress(SettlementGatewayAddress)},
		{LP: 0x9010, Name: "PoolLedger", Address: common.HexToAddress(PoolLedgerAddress)},
		{LP: 0x9014, Name: "FlashLender", Address: common.HexToAddress(FlashLenderAddress)},
	}
}

// Lookup resolves a suite precompile by name.
func Lookup(name string) (Entry, error) {
	for _, e := range Entries() {
		if e.Name == name {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("unknown precompile %q", name)
}
