package token

import (
	"errors"
	"math/big"
	"strings"

	"stablecore/crypto"
	"stablecore/state"
)

var (
	ErrInvalidAmount       = errors.New("token: amount must be positive")
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	ErrInvalidSymbol       = errors.New("token: symbol required")
)

// Token is a fungible balance ledger living inside engine state. Collateral
// assets and the synthetic debt token are both instances of it; the engine
// holds the only handles, which is what makes it the sole mint/burn
// authority.
type Token struct {
	symbol   string
	decimals uint8
}

// New constructs a token handle for the given symbol. Symbols are stored
// upper-cased so lookups are casing-independent.
func New(symbol string, decimals uint8) (*Token, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return nil, ErrInvalidSymbol
	}
	return &Token{symbol: trimmed, decimals: decimals}, nil
}

// Symbol returns the canonical token symbol.
func (t *Token) Symbol() string { return t.symbol }

// Decimals returns the native precision of the token.
func (t *Token) Decimals() uint8 { return t.decimals }

func (t *Token) balanceKey(addr crypto.Address) []byte {
	return []byte("token/bal/" + t.symbol + "/" + string(addr.Bytes()))
}

func (t *Token) supplyKey() []byte {
	return []byte("token/supply/" + t.symbol)
}

// BalanceOf reads the holder's balance; absent accounts read as zero.
func (t *Token) BalanceOf(kv state.KV, addr crypto.Address) (*big.Int, error) {
	balance := new(big.Int)
	ok, err := kv.KVGet(t.balanceKey(addr), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// TotalSupply reads the outstanding minted amount.
func (t *Token) TotalSupply(kv state.KV) (*big.Int, error) {
	supply := new(big.Int)
	ok, err := kv.KVGet(t.supplyKey(), supply)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return supply, nil
}

func (t *Token) setBalance(kv state.KV, addr crypto.Address, amount *big.Int) error {
	return kv.KVPut(t.balanceKey(addr), amount)
}

// Transfer moves amount from one holder to another, failing without effect
// when the sender's balance does not cover it.
func (t *Token) Transfer(kv state.KV, from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	fromBal, err := t.BalanceOf(kv, from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if from == to {
		return nil
	}
	toBal, err := t.BalanceOf(kv, to)
	if err != nil {
		return err
	}
	if err := t.setBalance(kv, from, new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	return t.setBalance(kv, to, new(big.Int).Add(toBal, amount))
}

// Mint credits freshly issued tokens to the recipient and grows the supply.
func (t *Token) Mint(kv state.KV, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	balance, err := t.BalanceOf(kv, to)
	if err != nil {
		return err
	}
	supply, err := t.TotalSupply(kv)
	if err != nil {
		return err
	}
	if err := t.setBalance(kv, to, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	return kv.KVPut(t.supplyKey(), new(big.Int).Add(supply, amount))
}

// Burn destroys amount held by from and shrinks the supply.
func (t *Token) Burn(kv state.KV, from crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	balance, err := t.BalanceOf(kv, from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	supply, err := t.TotalSupply(kv)
	if err != nil {
		return err
	}
	if supply.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if err := t.setBalance(kv, from, new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	return kv.KVPut(t.supplyKey(), new(big.Int).Sub(supply, amount))
}
