// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dex

import (
	"fmt"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/amm/modules"
	"github.com/luxfi/amm/registry"
)

// ConfigKey is the key used in chain config to reference this module.
const ConfigKey = "poolLedgerConfig"

// blackholeAddr receives the permanently locked minimum-liquidity shares.
var blackholeAddr = modules.BlackholeAddr

// Module is the precompile module for the pool ledger.
var Module = modules.Module{
	ConfigKey: ConfigKey,
	Address:   common.HexToAddress(registry.PoolLedgerAddress),
}

func init() {
	if err := modules.RegisterModule(Module); err != nil {
		panic(fmt.Errorf("failed to register pool ledger module: %w", err))
	}
}
