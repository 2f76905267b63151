package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"stablecore/crypto"
	"stablecore/oracle"
	"stablecore/token"
)

var (
	errNilLedger = errors.New("engine: ledger not configured")

	// ErrAmountMustBePositive rejects zero or negative amounts on every
	// operation. Checked before asset support so the two failure modes stay
	// distinguishable.
	ErrAmountMustBePositive = errors.New("engine: amount must be positive")
	// ErrUnsupportedCollateral rejects assets outside the approved set.
	ErrUnsupportedCollateral = errors.New("engine: collateral asset not supported")
	// ErrHealthFactorBroken aborts a self-initiated mutation that would
	// leave the acting account below the minimum health factor.
	ErrHealthFactorBroken = errors.New("engine: health factor below minimum")
	// ErrHealthFactorOk forbids liquidating a solvent account.
	ErrHealthFactorOk = errors.New("engine: health factor above minimum")
	// ErrHealthFactorNotImproved aborts liquidations too small to matter.
	ErrHealthFactorNotImproved = errors.New("engine: liquidation did not improve health factor")
	// ErrInsufficientCollateralToSeize aborts liquidations demanding more
	// collateral than the target holds.
	ErrInsufficientCollateralToSeize = errors.New("engine: insufficient collateral to seize")
	// ErrInsufficientDebt rejects burns exceeding the outstanding debt.
	ErrInsufficientDebt = errors.New("engine: burn amount exceeds outstanding debt")
	// ErrInsufficientBalance surfaces token balance shortfalls.
	ErrInsufficientBalance = errors.New("engine: insufficient token balance")
)

// Engine is the collateralized-debt core: it owns the collateral ledger,
// debt accounting, risk checks and the liquidation flow. Public operations
// are serialized and atomic; they either commit fully or leave state
// untouched.
type Engine struct {
	mu         sync.Mutex
	params     RiskParameters
	assets     map[string]CollateralAsset
	order      []string
	vault      crypto.Address
	debt       *token.Token
	collateral map[string]*token.Token
	feeds      *oracle.Registry
	checker    *oracle.Validator
	ledger     Ledger
	emitter    Emitter
}

// New constructs an engine for a fixed collateral set. The debt token handle
// is the mint/burn capability handed over at construction; the vault address
// holds deposited collateral in custody.
func New(vault crypto.Address, debt *token.Token, assets []CollateralAsset, feeds *oracle.Registry, params RiskParameters) (*Engine, error) {
	if vault.IsZero() {
		return nil, fmt.Errorf("engine: vault address required")
	}
	if debt == nil {
		return nil, fmt.Errorf("engine: debt token required")
	}
	if feeds == nil {
		return nil, fmt.Errorf("engine: feed registry required")
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("engine: at least one collateral asset required")
	}

	e := &Engine{
		params:     params.Normalise(),
		assets:     make(map[string]CollateralAsset, len(assets)),
		collateral: make(map[string]*token.Token, len(assets)),
		vault:      vault,
		debt:       debt,
		feeds:      feeds,
	}
	e.checker = oracle.NewValidator(e.params.StaleTimeout)

	for _, asset := range assets {
		symbol := normaliseSymbol(asset.Symbol)
		if symbol == "" {
			return nil, fmt.Errorf("engine: collateral symbol required")
		}
		if _, exists := e.assets[symbol]; exists {
			return nil, fmt.Errorf("engine: duplicate collateral asset %s", symbol)
		}
		if strings.TrimSpace(asset.FeedID) == "" {
			return nil, fmt.Errorf("engine: asset %s missing price feed", symbol)
		}
		if asset.Decimals == 0 {
			asset.Decimals = 18
		}
		if asset.FeedDecimals == 0 {
			asset.FeedDecimals = 8
		}
		asset.Symbol = symbol
		handle, err := token.New(symbol, asset.Decimals)
		if err != nil {
			return nil, err
		}
		e.assets[symbol] = asset
		e.collateral[symbol] = handle
		e.order = append(e.order, symbol)
	}
	sort.Strings(e.order)
	return e, nil
}

// SetLedger wires the engine to its persistence layer.
func (e *Engine) SetLedger(ledger Ledger) {
	e.mu.Lock()
	e.ledger = ledger
	e.mu.Unlock()
}

// SetEmitter wires the event sink. A nil emitter silently drops events.
func (e *Engine) SetEmitter(emitter Emitter) {
	e.mu.Lock()
	e.emitter = emitter
	e.mu.Unlock()
}

// Params returns the engine's immutable risk parameters.
func (e *Engine) Params() RiskParameters {
	return RiskParameters{
		LiquidationThresholdPct: e.params.LiquidationThresholdPct,
		LiquidationBonusPct:     e.params.LiquidationBonusPct,
		MinHealthFactor:         clone(e.params.MinHealthFactor),
		StaleTimeout:            e.params.StaleTimeout,
	}
}

// CollateralAssets lists the approved collateral set in symbol order.
func (e *Engine) CollateralAssets() []CollateralAsset {
	out := make([]CollateralAsset, 0, len(e.order))
	for _, symbol := range e.order {
		out = append(out, e.assets[symbol])
	}
	return out
}

// DebtToken exposes the synthetic debt token handle.
func (e *Engine) DebtToken() *token.Token { return e.debt }

// CollateralToken resolves the ledger handle for an approved asset.
func (e *Engine) CollateralToken(symbol string) (*token.Token, error) {
	asset, err := e.asset(symbol)
	if err != nil {
		return nil, err
	}
	return e.collateral[asset.Symbol], nil
}

// Vault returns the custody address holding deposited collateral.
func (e *Engine) Vault() crypto.Address { return e.vault }

// DebtTokenBalance reports the account's wallet balance of the debt token.
func (e *Engine) DebtTokenBalance(addr crypto.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ledger == nil {
		return nil, errNilLedger
	}
	return e.debt.BalanceOf(e.ledger, addr)
}

// CollateralTokenBalance reports the account's wallet balance of an
// approved collateral asset (as opposed to the deposited position balance).
func (e *Engine) CollateralTokenBalance(addr crypto.Address, symbol string) (*big.Int, error) {
	handle, err := e.CollateralToken(symbol)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ledger == nil {
		return nil, errNilLedger
	}
	return handle.BalanceOf(e.ledger, addr)
}

func (e *Engine) asset(symbol string) (CollateralAsset, error) {
	asset, ok := e.assets[normaliseSymbol(symbol)]
	if !ok {
		return CollateralAsset{}, ErrUnsupportedCollateral
	}
	return asset, nil
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (e *Engine) emit(events []Event) {
	if e.emitter == nil {
		return
	}
	for _, evt := range events {
		e.emitter.Emit(evt)
	}
}

func mapTokenErr(err error) error {
	if errors.Is(err, token.ErrInsufficientBalance) {
		return ErrInsufficientBalance
	}
	if errors.Is(err, token.ErrInvalidAmount) {
		return ErrAmountMustBePositive
	}
	return err
}

// DepositCollateral pulls amount of the asset from the user's wallet into
// the engine's custody and credits their position. The position is credited
// before the transfer is issued so a reentrant observer always sees the
// pending balance.
func (e *Engine) DepositCollateral(ctx context.Context, user crypto.Address, symbol string, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ledger == nil {
		return errNilLedger
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrAmountMustBePositive
	}
	asset, err := e.asset(symbol)
	if err != nil {
		return err
	}

	tx := e.ledger.Begin()
	defer tx.Discard()

	events, err := e.depositCollateralTx(tx, user, asset, amount)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.emit(events)
	return nil
}

func (e *Engine) depositCollateralTx(tx LedgerTx, user crypto.Address, asset CollateralAsset, amount *big.Int) ([]Event, error) {
	pos, err := getPosition(tx, user)
	if err != nil {
		return nil, err
	}
	current := pos.CollateralBalance(asset.Symbol)
	pos.Collateral[asset.Symbol] = new(big.Int).Add(current, amount)
	if err := putPosition(tx, pos); err != nil {
		return nil, err
	}
	if err := e.collateral[asset.Symbol].Transfer(tx, user, e.vault, amount); err != nil {
		return nil, mapTokenErr(err)
	}
	return []Event{NewCollateralDepositedEvent(user, asset.Symbol, amount)}, nil
}

// MintDebt issues synthetic debt against the user's collateral. The debt
// balance is updated first and the health factor validated strictly after:
// issuance is the effect that can push the account underwater.
func (e *Engine) MintDebt(ctx context.Context, user crypto.Address, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ledger == nil {
		return errNilLedger
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrAmountMustBePositive
	}

	tx := e.ledger.Begin()
	defer tx.Discard()

	events, err := e.mintDebtTx(ctx, tx, user, amount)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.emit(events)
	return nil
}

func (e *Engine) mintDebtTx(ctx context.Context, tx LedgerTx, user crypto.Address, amount *big.Int) ([]Event, error) {
	pos, err := getPosition(tx, user)
	if err != nil {
		return nil, err
	}
	pos.Debt = new(big.Int).Add(pos.Debt, amount)
	if err := putPosition(tx, pos); err != nil {
		return nil, err
	}
	if err := e.revertIfUnhealthy(ctx, tx, user); err != nil {
		return nil, err
	}
	if err := e.debt.Mint(tx, user, amount); err != nil {
		return nil, mapTokenErr(err)
	}
	return []Event{NewDebtMintedEvent(user, amount)}, nil
}

// DepositAndMint is the composed deposit-then-mint convenience operation;
// both legs share one atomic scope.
func (e *Engine) DepositAndMint(ctx context.Context, user crypto.Address, symbol string, collateralAmount, debtAmount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ledger == nil {
		return errNilLedger
	}
	if collateralAmount == nil || collateralAmount.Sign() <= 0 || debtAmount == nil || debtAmount.Sign() <= 0 {
		return ErrAmountMustBePositive
	}
	asset, err := e.asset(symbol)
	if err != nil {
		return err
	}

	tx := e.ledger.Begin()
	defer tx.Discard()

	depositEvents, err := e.depositCollateralTx(tx, user, asset, collateralAmount)
	if err != nil {
		return err
	}
	mintEvents, err := e.mintDebtTx(ctx, tx, user, debtAmount)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.emit(append(depositEvents, mintEvents...))
	return nil
}

// RedeemCollateral returns amount of the asset from the user's position to
// their wallet, then re-validates their health factor. A broken post-redeem
// health factor rolls the whole operation back.
func (e *Engine) RedeemCollateral(ctx context.Context, user crypto.Address, symbol string, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ledger == nil {
		return errNilLedger
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrAmountMustBePositive
	}
	asset, err := e.asset(symbol)
	if err != nil {
		return err
	}

	tx := e.ledger.Begin()
	defer tx.Discard()

	events, err := e.redeemCollateralTx(tx, user, user, asset, amount)
	if err != nil {
		return err
	}
	if err := e.revertIfUnhealthy(ctx, tx, user); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.emit(events)
	return nil
}

// redeemCollateralTx debits from's position and transfers the asset to to's
// wallet. The position debit happens before the transfer-out; the health
// check belongs to the caller since liquidations check the target, not the
// recipient.
func (e *Engine) redeemCollateralTx(tx LedgerTx, from, to crypto.Address, asset CollateralAsset, amount *big.Int) ([]Event, error) {
	pos, err := getPosition(tx, from)
	if err != nil {
		return nil, err
	}
	current := pos.CollateralBalance(asset.Symbol)
	if current.Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	pos.Collateral[asset.Symbol] = new(big.Int).Sub(current, amount)
	if err := putPosition(tx, pos); err != nil {
		return nil, err
	}
	if err := e.collateral[asset.Symbol].Transfer(tx, e.vault, to, amount); err != nil {
		return nil, mapTokenErr(err)
	}
	return []Event{NewCollateralRedeemedEvent(from, to, asset.Symbol, amount)}, nil
}

// BurnDebt retires amount of the user's own debt, funded from their wallet.
// Burning only ever improves the health factor, so no post-check is needed.
func (e *Engine) BurnDebt(ctx context.Context, user crypto.Address, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ledger == nil {
		return errNilLedger
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrAmountMustBePositive
	}

	tx := e.ledger.Begin()
	defer tx.Discard()

	events, err := e.burnDebtTx(tx, user, user, amount)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.emit(events)
	return nil
}

// burnDebtTx destroys amount of debt tokens pulled from payer and debits
// user's outstanding debt. Underflow is rejected, never wrapped.
func (e *Engine) burnDebtTx(tx LedgerTx, payer, user crypto.Address, amount *big.Int) ([]Event, error) {
	pos, err := getPosition(tx, user)
	if err != nil {
		return nil, err
	}
	if pos.Debt.Cmp(amount) < 0 {
		return nil, ErrInsufficientDebt
	}
	if err := e.debt.Burn(tx, payer, amount); err != nil {
		return nil, mapTokenErr(err)
	}
	pos.Debt = new(big.Int).Sub(pos.Debt, amount)
	if err := putPosition(tx, pos); err != nil {
		return nil, err
	}
	return []Event{NewDebtBurnedEvent(payer, user, amount)}, nil
}

// RedeemForDebt burns debtAmount of the user's debt and redeems
// collateralAmount of the asset in one atomic scope.
func (e *Engine) RedeemForDebt(ctx context.Context, user crypto.Address, symbol string, collateralAmount, debtAmount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ledger == nil {
		return errNilLedger
	}
	if collateralAmount == nil || collateralAmount.Sign() <= 0 || debtAmount == nil || debtAmount.Sign() <= 0 {
		return ErrAmountMustBePositive
	}
	asset, err := e.asset(symbol)
	if err != nil {
		return err
	}

	tx := e.ledger.Begin()
	defer tx.Discard()

	burnEvents, err := e.burnDebtTx(tx, user, user, debtAmount)
	if err != nil {
		return err
	}
	redeemEvents, err := e.redeemCollateralTx(tx, user, user, asset, collateralAmount)
	if err != nil {
		return err
	}
	if err := e.revertIfUnhealthy(ctx, tx, user); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.emit(append(burnEvents, redeemEvents...))
	return nil
}

// Liquidate lets a third party repay debtToCover of an undercollateralized
// user's debt in exchange for a bonus-adjusted slice of their collateral.
// The target must be unhealthy before and strictly healthier after; the
// whole flow is one atomic unit.
func (e *Engine) Liquidate(ctx context.Context, liquidator, user crypto.Address, symbol string, debtToCover *big.Int) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ledger == nil {
		return nil, errNilLedger
	}
	if debtToCover == nil || debtToCover.Sign() <= 0 {
		return nil, ErrAmountMustBePositive
	}
	asset, err := e.asset(symbol)
	if err != nil {
		return nil, err
	}

	tx := e.ledger.Begin()
	defer tx.Discard()

	startingHF, err := e.healthFactorFor(ctx, tx, user)
	if err != nil {
		return nil, err
	}
	if startingHF.Cmp(e.params.MinHealthFactor) >= 0 {
		return nil, ErrHealthFactorOk
	}

	tokenAmount, err := e.tokenAmountFromUSD(ctx, asset, debtToCover)
	if err != nil {
		return nil, err
	}
	bonus := new(big.Int).Mul(tokenAmount, new(big.Int).SetUint64(e.params.LiquidationBonusPct))
	bonus.Quo(bonus, pctPrecision)
	seized := new(big.Int).Add(tokenAmount, bonus)

	pos, err := getPosition(tx, user)
	if err != nil {
		return nil, err
	}
	if pos.CollateralBalance(asset.Symbol).Cmp(seized) < 0 {
		return nil, ErrInsufficientCollateralToSeize
	}

	redeemEvents, err := e.redeemCollateralTx(tx, user, liquidator, asset, seized)
	if err != nil {
		return nil, err
	}
	burnEvents, err := e.burnDebtTx(tx, liquidator, user, debtToCover)
	if err != nil {
		return nil, err
	}

	endingHF, err := e.healthFactorFor(ctx, tx, user)
	if err != nil {
		return nil, err
	}
	if endingHF.Cmp(startingHF) <= 0 {
		return nil, ErrHealthFactorNotImproved
	}
	if err := e.revertIfUnhealthy(ctx, tx, liquidator); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.emit(append(redeemEvents, burnEvents...))
	return seized, nil
}
