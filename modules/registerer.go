// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package modules tracks the precompile modules that make up the AMM suite
// and the address ranges they are allowed to occupy.
package modules

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/luxfi/geth/common"
)

// Module describes one registered precompile of the suite.
type Module struct {
	// ConfigKey is the unique name used to reference the module in config.
	ConfigKey string

	// Address is the precompile address the module is served at.
	Address common.Address
}

// AddressRange represents a continuous range of addresses
type AddressRange struct {
	Start common.Address
	End   common.Address
}

// Contains returns true iff [addr] is contained within the (inclusive)
// range of addresses defined by [a].
func (a *AddressRange) Contains(addr common.Address) bool {
	addrBytes := addr.Bytes()
	return bytes.Compare(addrBytes, a.Start[:]) >= 0 && bytes.Compare(addrBytes, a.End[:]) <= 0
}

// BlackholeAddr is the address where assets are burned. The pool ledger
// locks its minimum-liquidity shares here so they can never be redeemed.
var BlackholeAddr = common.Address{
	1, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var (
	// registeredModules is a list of Module to preserve order
	// for deterministic iteration
	registeredModules = make([]Module, 0)

	// Reserved address ranges for the AMM suite, LP-aligned:
	// addresses end with the 16-bit LP number.
	//
	// LP-6xxx: Bridges / cross-chain settlement
	// LP-9xxx: DEX / markets (pool ledger, flash issuer)
	reservedRanges = []AddressRange{
		{
			Start: common.HexToAddress("0x0000000000000000000000000000000000006000"),
			End:   common.HexToAddress("0x0000000000000000000000000000000000006fff"),
		},
		{
			Start: common.HexToAddress("0x0000000000000000000000000000000000009000"),
			End:   common.HexToAddress("0x0000000000000000000000000000000000009fff"),
		},
	}
)

// ReservedAddress returns true if [addr] is in a reserved range for the suite
func ReservedAddress(addr common.Address) bool {
	for _, reservedRange := range reservedRanges {
		if reservedRange.Contains(addr) {
			return true
		}
	}

	return false
}

// RegisterModule registers a precompile module
func RegisterModule(stm Module) error {
	address := stm.Address
	key := stm.ConfigKey

	if address == BlackholeAddr {
		return fmt.Errorf("address %s overlaps with blackhole address", address)
	}
	if !ReservedAddress(address) {
		return fmt.Errorf("address %s not in a reserved range", address)
	}

	for _, registeredModule := range registeredModules {
		if registeredModule.ConfigKey == key {
			return fmt.Errorf("name %s already used by a precompile module", key)
		}
		if registeredModule.Address == address {
			return fmt.Errorf("address %s already used by a precompile module", address)
		}
	}
	// sort by address to ensure deterministic iteration
	registeredModules = insertSortedByAddress(registeredModules, stm)
	return nil
}

// GetModuleByAddress returns the module registered at [address], if any.
func GetModuleByAddress(address common.Address) (Module, bool) {
	for _, stm := range registeredModules {
		if stm.Address == address {
			return stm, true
		}
	}
	return Module{}, false
}

// GetModule returns the module registered under [key], if any.
func GetModule(key string) (Module, bool) {
	for _, stm := range registeredModules {
		if stm.ConfigKey == key {
			return stm, true
		}
	}
	return Module{}, false
}

// RegisteredModules returns all modules in address order.
func RegisteredModules() []Module {
	return registeredModules
}

func insertSortedByAddress(data []Module, stm Module) []Module {
	data = append(data, stm)
	sort.Slice(data, func(i, j int) bool {
		return bytes.Compare(data[i].Address.Bytes(), data[j].Address.Bytes()) < 0
	})
	return data
}
