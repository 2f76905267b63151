package engine

import (
	"math/big"

	"stablecore/crypto"
)

// CollateralAsset describes one accepted collateral type. The set of assets
// is fixed when the engine is constructed and immutable afterwards; every
// asset is tied to exactly one price feed.
type CollateralAsset struct {
	// Symbol is the canonical upper-case asset ticker.
	Symbol string
	// FeedID names the price feed registered for this asset.
	FeedID string
	// Decimals is the asset's native token precision.
	Decimals uint8
	// FeedDecimals is the answer precision of the associated feed.
	FeedDecimals uint8
}

// Position tracks one account's engine-side bookkeeping: deposited
// collateral per asset and the synthetic debt minted against it. Positions
// are created implicitly on first use and never destroyed.
type Position struct {
	Address    crypto.Address
	Collateral map[string]*big.Int
	Debt       *big.Int
}

// CollateralBalance returns the deposited amount for a symbol, zero when
// absent.
func (p *Position) CollateralBalance(symbol string) *big.Int {
	if p == nil || p.Collateral == nil {
		return big.NewInt(0)
	}
	amount, ok := p.Collateral[symbol]
	if !ok || amount == nil {
		return big.NewInt(0)
	}
	return amount
}
