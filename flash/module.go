// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package flash

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"

	"github.com/luxfi/amm/modules"
	"github.com/luxfi/amm/registry"
)

// ConfigKey is the key used in chain config to reference this module.
const ConfigKey = "flashLenderConfig"

// Module is the precompile module for the flash loan issuer.
var Module = modules.Module{
	ConfigKey: ConfigKey,
	Address:   common.HexToAddress(registry.FlashLenderAddress),
}

func init() {
	if err := modules.RegisterModule(Module); err != nil {
		panic(fmt.Errorf("failed to register flash lender module: %w", err))
	}
}

func u256(v *big.Int) *uint256.Int {
	u, _ := uint256.FromBig(v)
	return u
}
