package engine

import (
	"math/big"
	"time"

	"stablecore/oracle"
)

// RiskParameters groups the deployment-time safety constants. They are fixed
// at construction and immutable thereafter.
type RiskParameters struct {
	// LiquidationThresholdPct is the percentage of collateral value counted
	// toward debt capacity.
	LiquidationThresholdPct uint64
	// LiquidationBonusPct is the extra collateral percentage awarded to a
	// liquidator on top of the USD-equivalent of debt repaid.
	LiquidationBonusPct uint64
	// MinHealthFactor is the WAD-scaled threshold below which an account
	// becomes liquidatable.
	MinHealthFactor *big.Int
	// StaleTimeout bounds the age of price feed rounds trusted for
	// valuation.
	StaleTimeout time.Duration
}

// Normalise applies the canonical defaults to unset fields and returns a
// defensive copy.
func (p RiskParameters) Normalise() RiskParameters {
	out := RiskParameters{
		LiquidationThresholdPct: p.LiquidationThresholdPct,
		LiquidationBonusPct:     p.LiquidationBonusPct,
		StaleTimeout:            p.StaleTimeout,
	}
	if out.LiquidationThresholdPct == 0 || out.LiquidationThresholdPct > 100 {
		out.LiquidationThresholdPct = 50
	}
	if out.LiquidationBonusPct == 0 {
		out.LiquidationBonusPct = 10
	}
	if p.MinHealthFactor != nil && p.MinHealthFactor.Sign() > 0 {
		out.MinHealthFactor = new(big.Int).Set(p.MinHealthFactor)
	} else {
		out.MinHealthFactor = new(big.Int).Set(wad)
	}
	if out.StaleTimeout <= 0 {
		out.StaleTimeout = oracle.DefaultStaleTimeout
	}
	return out
}
