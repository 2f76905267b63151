package engine

import (
	"context"
	"math/big"

	"stablecore/crypto"
	"stablecore/state"
)

// assetPrice resolves the validated feed answer for the asset, rescaled into
// the 18-decimal working unit. Every price-dependent computation funnels
// through the oracle validator here; the engine never reads a feed directly.
func (e *Engine) assetPrice(ctx context.Context, asset CollateralAsset) (*big.Int, error) {
	feed, err := e.feeds.Lookup(asset.FeedID)
	if err != nil {
		return nil, err
	}
	rd, err := e.checker.ValidatedPrice(ctx, feed)
	if err != nil {
		return nil, err
	}
	if asset.FeedDecimals > 18 {
		return new(big.Int).Quo(rd.Answer, pow10(asset.FeedDecimals-18)), nil
	}
	return new(big.Int).Mul(rd.Answer, pow10(18-asset.FeedDecimals)), nil
}

// usdValue converts an asset-native amount into its WAD-scaled USD value.
func (e *Engine) usdValue(ctx context.Context, asset CollateralAsset, amount *big.Int) (*big.Int, error) {
	price, err := e.assetPrice(ctx, asset)
	if err != nil {
		return nil, err
	}
	value := new(big.Int).Mul(clone(amount), price)
	return value.Quo(value, pow10(asset.Decimals)), nil
}

// tokenAmountFromUSD converts a WAD-scaled USD amount into an asset-native
// quantity. Integer division truncates toward zero, a deliberate
// conservative bias: a liquidator is never over-credited collateral.
func (e *Engine) tokenAmountFromUSD(ctx context.Context, asset CollateralAsset, usdAmount *big.Int) (*big.Int, error) {
	price, err := e.assetPrice(ctx, asset)
	if err != nil {
		return nil, err
	}
	amount := new(big.Int).Mul(clone(usdAmount), pow10(asset.Decimals))
	return amount.Quo(amount, price), nil
}

// collateralValue sums the USD value of every approved asset the account
// has deposited.
func (e *Engine) collateralValue(ctx context.Context, kv state.KV, addr crypto.Address) (*big.Int, error) {
	pos, err := getPosition(kv, addr)
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, symbol := range e.order {
		amount := pos.CollateralBalance(symbol)
		if amount.Sign() == 0 {
			continue
		}
		value, err := e.usdValue(ctx, e.assets[symbol], amount)
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	return total, nil
}

// HealthFactor computes the WAD-scaled solvency margin for the given debt
// and collateral value. Zero debt yields MaxHealthFactor; the account can
// never be liquidated.
func (e *Engine) HealthFactor(debt, collateralValue *big.Int) *big.Int {
	if debt == nil || debt.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor)
	}
	adjusted := new(big.Int).Mul(clone(collateralValue), new(big.Int).SetUint64(e.params.LiquidationThresholdPct))
	adjusted.Quo(adjusted, pctPrecision)
	adjusted.Mul(adjusted, wad)
	return adjusted.Quo(adjusted, debt)
}

func (e *Engine) healthFactorFor(ctx context.Context, kv state.KV, addr crypto.Address) (*big.Int, error) {
	pos, err := getPosition(kv, addr)
	if err != nil {
		return nil, err
	}
	value, err := e.collateralValue(ctx, kv, addr)
	if err != nil {
		return nil, err
	}
	return e.HealthFactor(pos.Debt, value), nil
}

// revertIfUnhealthy enforces the global solvency invariant after a
// self-initiated mutation.
func (e *Engine) revertIfUnhealthy(ctx context.Context, kv state.KV, addr crypto.Address) error {
	hf, err := e.healthFactorFor(ctx, kv, addr)
	if err != nil {
		return err
	}
	if hf.Cmp(e.params.MinHealthFactor) < 0 {
		return ErrHealthFactorBroken
	}
	return nil
}

// USDValue reports the WAD-scaled USD value of an asset-native amount.
func (e *Engine) USDValue(ctx context.Context, symbol string, amount *big.Int) (*big.Int, error) {
	asset, err := e.asset(symbol)
	if err != nil {
		return nil, err
	}
	return e.usdValue(ctx, asset, amount)
}

// TokenAmountFromUSD reports the asset-native quantity worth the WAD-scaled
// USD amount at the current validated price.
func (e *Engine) TokenAmountFromUSD(ctx context.Context, symbol string, usdAmount *big.Int) (*big.Int, error) {
	asset, err := e.asset(symbol)
	if err != nil {
		return nil, err
	}
	return e.tokenAmountFromUSD(ctx, asset, usdAmount)
}

// AccountCollateralValue sums the account's collateral in USD.
func (e *Engine) AccountCollateralValue(ctx context.Context, addr crypto.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ledger == nil {
		return nil, errNilLedger
	}
	return e.collateralValue(ctx, e.ledger, addr)
}

// AccountInfo returns the account's minted debt and total collateral value.
func (e *Engine) AccountInfo(ctx context.Context, addr crypto.Address) (debt, collateralValue *big.Int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ledger == nil {
		return nil, nil, errNilLedger
	}
	pos, err := getPosition(e.ledger, addr)
	if err != nil {
		return nil, nil, err
	}
	value, err := e.collateralValue(ctx, e.ledger, addr)
	if err != nil {
		return nil, nil, err
	}
	return clone(pos.Debt), value, nil
}

// AccountHealthFactor reports the account's live health factor.
func (e *Engine) AccountHealthFactor(ctx context.Context, addr crypto.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ledger == nil {
		return nil, errNilLedger
	}
	return e.healthFactorFor(ctx, e.ledger, addr)
}

// CollateralBalance reports the account's deposited amount of one asset.
func (e *Engine) CollateralBalance(addr crypto.Address, symbol string) (*big.Int, error) {
	if _, err := e.asset(symbol); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ledger == nil {
		return nil, errNilLedger
	}
	pos, err := getPosition(e.ledger, addr)
	if err != nil {
		return nil, err
	}
	return clone(pos.CollateralBalance(normaliseSymbol(symbol))), nil
}
