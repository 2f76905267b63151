package engine

import (
	"math/big"

	"stablecore/crypto"
)

// Event type identifiers emitted by the engine for off-chain indexing.
const (
	EventTypeCollateralDeposited = "collateral.deposited"
	EventTypeCollateralRedeemed  = "collateral.redeemed"
	EventTypeDebtMinted          = "debt.minted"
	EventTypeDebtBurned          = "debt.burned"
)

// Event is a typed notification produced by a committed state transition.
// Events are informational only and never correctness-critical.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Emitter receives engine events. Implementations must not call back into
// the engine.
type Emitter interface {
	Emit(Event)
}

// NewCollateralDepositedEvent reports a deposit credited to user.
func NewCollateralDepositedEvent(user crypto.Address, symbol string, amount *big.Int) Event {
	return Event{
		Type: EventTypeCollateralDeposited,
		Attributes: map[string]string{
			"user":   user.String(),
			"asset":  symbol,
			"amount": clone(amount).String(),
		},
	}
}

// NewCollateralRedeemedEvent reports collateral leaving from's position.
// from and to differ when the redemption happens as part of a liquidation.
func NewCollateralRedeemedEvent(from, to crypto.Address, symbol string, amount *big.Int) Event {
	return Event{
		Type: EventTypeCollateralRedeemed,
		Attributes: map[string]string{
			"from":   from.String(),
			"to":     to.String(),
			"asset":  symbol,
			"amount": clone(amount).String(),
		},
	}
}

// NewDebtMintedEvent reports synthetic debt issued to user.
func NewDebtMintedEvent(user crypto.Address, amount *big.Int) Event {
	return Event{
		Type: EventTypeDebtMinted,
		Attributes: map[string]string{
			"user":   user.String(),
			"amount": clone(amount).String(),
		},
	}
}

// NewDebtBurnedEvent reports debt repaid on behalf of user, funded by payer.
func NewDebtBurnedEvent(payer, user crypto.Address, amount *big.Int) Event {
	return Event{
		Type: EventTypeDebtBurned,
		Attributes: map[string]string{
			"payer":  payer.String(),
			"user":   user.String(),
			"amount": clone(amount).String(),
		},
	}
}
