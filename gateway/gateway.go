// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gateway

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/log"

	"github.com/luxfi/amm/dex"
	"github.com/luxfi/amm/modules"
	"github.com/luxfi/amm/registry"
	"github.com/luxfi/amm/timelock"
)

// ConfigKey is the key used in chain config to reference this module.
const ConfigKey = "settlementGatewayConfig"

// DefaultRelayerDelay is the timelock delay for trusted-relayer changes.
const DefaultRelayerDelay = 48 * time.Hour

// Module is the precompile module for the settlement gateway.
var Module = modules.Module{
	ConfigKey: ConfigKey,
	Address:   common.HexToAddress(registry.SettlementGatewayAddress),
}

func init() {
	if err := modules.RegisterModule(Module); err != nil {
		panic(fmt.Errorf("failed to register settlement gateway module: %w", err))
	}
}

// Database keys. The processed set and the active relayer survive restarts;
// replay protection is only as durable as this store.
var (
	processedPrefix = []byte("gw/processed/")
	relayerKey      = []byte("gw/relayer")
)

func processedKey(messageID common.Hash) []byte {
	return append(processedPrefix[:len(processedPrefix):len(processedPrefix)], messageID.Bytes()...)
}

// GatewayAddress returns the account that escrows bridged-in funds.
func GatewayAddress() common.Address {
	return Module.Address
}

// Gateway accepts relayed settlement instructions and forwards them to the
// pool ledger. Exactly one relayer address is trusted at a time; the owner
// can rotate it only through the timelock.
type Gateway struct {
	mu sync.Mutex

	db     database.Database
	ledger *dex.Ledger

	owner   common.Address
	relayer common.Address

	relayerChanges *timelock.Timelock[common.Address]

	now func() int64
	log log.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock overrides the wall clock, unix seconds. Used by tests.
func WithClock(now func() int64) Option {
	return func(g *Gateway) {
		g.now = now
		g.relayerChanges = timelock.New(DefaultRelayerDelay, timelock.WithClock[common.Address](now))
	}
}

// WithRelayerDelay overrides the relayer-update timelock delay.
// Apply after WithClock when both are used.
func WithRelayerDelay(delay time.Duration) Option {
	return func(g *Gateway) {
		now := g.now
		g.relayerChanges = timelock.New(delay, timelock.WithClock[common.Address](now))
	}
}

// New creates a settlement gateway backed by [db]. A relayer persisted from
// a previous run takes precedence over [relayer].
func New(db database.Database, ledger *dex.Ledger, owner, relayer common.Address, opts ...Option) (*Gateway, error) {
	if owner == (common.Address{}) || relayer == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	g := &Gateway{
		db:      db,
		ledger:  ledger,
		owner:   owner,
		relayer: relayer,
		now:     func() int64 { return time.Now().Unix() },
		log:     log.New("module", "gateway"),
	}
	g.relayerChanges = timelock.New[common.Address](DefaultRelayerDelay)
	for _, opt := range opts {
		opt(g)
	}

	stored, err := db.Get(relayerKey)
	switch {
	case err == nil:
		g.relayer = common.BytesToAddress(stored)
	case errors.Is(err, database.ErrNotFound):
		if err := db.Put(relayerKey, relayer.Bytes()); err != nil {
			return nil, fmt.Errorf("persisting relayer: %w", err)
		}
	default:
		return nil, fmt.Errorf("loading relayer: %w", err)
	}
	return g, nil
}

// =========================================================================
// Settlement
// =========================================================================

// ExecuteCrossChainSwap settles one relayed instruction. The message is
// marked processed before any transfer happens, so a reentrant or repeated
// delivery of the same ID fails fast; if the forwarded swap itself fails,
// the mark is removed along with everything else and the relay network must
// retry under a fresh message ID.
func (g *Gateway) ExecuteCrossChainSwap(
	book dex.Book,
	caller common.Address,
	messageID common.Hash,
	payload []byte,
) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if caller != g.relayer {
		return nil, ErrUnauthorizedRelayer
	}

	key := processedKey(messageID)
	seen, err := g.db.Has(key)
	if err != nil {
		return nil, fmt.Errorf("reading replay set: %w", err)
	}
	if seen {
		return nil, ErrMessageAlreadyProcessed
	}

	ix, err := DecodeInstruction(payload)
	if err != nil {
		return nil, err
	}
	if err := ix.validate(g.now()); err != nil {
		return nil, err
	}

	// Flip the replay flag before touching balances.
	if err := g.db.Put(key, []byte{1}); err != nil {
		return nil, fmt.Errorf("writing replay set: %w", err)
	}

	amountOut, err := g.ledger.Swap(
		book,
		GatewayAddress(),
		ix.TokenIn, ix.TokenOut,
		ix.AmountIn, ix.AmountOutMin,
		ix.Recipient,
		ix.Deadline,
	)
	if err != nil {
		// The swap left no effects; unwind the mark so the failure is
		// total. A retry still needs a fresh message ID upstream.
		if derr := g.db.Delete(key); derr != nil {
			g.log.Error("failed to unwind replay mark", "messageId", messageID, "err", derr)
		}
		return nil, err
	}

	g.log.Info("cross-chain swap settled",
		"messageId", messageID,
		"tokenIn", ix.TokenIn, "tokenOut", ix.TokenOut,
		"amountIn", ix.AmountIn, "amountOut", amountOut,
		"recipient", ix.Recipient)
	return amountOut, nil
}

// IsProcessed reports whether [messageID] has already been settled.
func (g *Gateway) IsProcessed(messageID common.Hash) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.db.Has(processedKey(messageID))
}

// Relayer returns the currently trusted relayer address.
func (g *Gateway) Relayer() common.Address {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.relayer
}

// =========================================================================
// Relayer rotation
// =========================================================================

// ProposeRelayerUpdate schedules [newRelayer] as the trusted relayer and
// returns the unix time at which the change becomes executable. Proposing
// again overwrites the pending candidate and restarts the full delay.
func (g *Gateway) ProposeRelayerUpdate(caller, newRelayer common.Address) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if caller != g.owner {
		return 0, ErrUnauthorizedOwner
	}
	if newRelayer == (common.Address{}) {
		return 0, ErrZeroAddress
	}
	eligible := g.relayerChanges.Propose(newRelayer)
	g.log.Info("relayer update proposed", "relayer", newRelayer, "eligibleAt", eligible)
	return eligible, nil
}

// ExecuteRelayerUpdate applies the pending relayer once the delay has
// elapsed, persisting the new address.
func (g *Gateway) ExecuteRelayerUpdate(caller common.Address) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if caller != g.owner {
		return ErrUnauthorizedOwner
	}
	newRelayer, err := g.relayerChanges.Execute()
	if err != nil {
		return err
	}
	if err := g.db.Put(relayerKey, newRelayer.Bytes()); err != nil {
		return fmt.Errorf("persisting relayer: %w", err)
	}
	old := g.relayer
	g.relayer = newRelayer
	g.log.Info("relayer updated", "old", old, "new", newRelayer)
	return nil
}

// CancelRelayerUpdate drops the pending relayer proposal.
func (g *Gateway) CancelRelayerUpdate(caller common.Address) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if caller != g.owner {
		return ErrUnauthorizedOwner
	}
	if err := g.relayerChanges.Cancel(); err != nil {
		return err
	}
	g.log.Info("relayer update cancelled")
	return nil
}

// PendingRelayer returns the pending candidate and its eligible time.
func (g *Gateway) PendingRelayer() (common.Address, int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.relayerChanges.Pending()
}
