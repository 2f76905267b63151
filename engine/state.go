package engine

import (
	"math/big"
	"sort"

	"stablecore/crypto"
	"stablecore/state"
)

// Ledger is the persistence surface the engine operates against. Reads
// outside a transaction serve the view methods; Begin opens an atomic scope
// for mutations.
type Ledger interface {
	state.KV
	Begin() LedgerTx
}

// LedgerTx is a buffered mutation scope. Nothing is observable to other
// operations until Commit; Discard drops every pending change.
type LedgerTx interface {
	state.KV
	Commit() error
	Discard()
}

type managerLedger struct {
	*state.Manager
}

func (l managerLedger) Begin() LedgerTx { return l.Manager.Begin() }

// NewLedger adapts a state.Manager into the engine's Ledger interface.
func NewLedger(m *state.Manager) Ledger {
	return managerLedger{m}
}

var positionPrefix = []byte("engine/position/")

// storedCollateral is the rlp representation of one collateral balance; map
// entries are flattened into a sorted slice for deterministic encoding.
type storedCollateral struct {
	Symbol string
	Amount *big.Int
}

type storedPosition struct {
	Address    [20]byte
	Collateral []storedCollateral
	Debt       *big.Int
}

func positionKey(addr crypto.Address) []byte {
	return append(append([]byte{}, positionPrefix...), addr.Bytes()...)
}

// getPosition loads the account's position, defaulting missing accounts to
// zero balances.
func getPosition(kv state.KV, addr crypto.Address) (*Position, error) {
	var stored storedPosition
	ok, err := kv.KVGet(positionKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	pos := &Position{Address: addr, Collateral: make(map[string]*big.Int), Debt: big.NewInt(0)}
	if !ok {
		return pos, nil
	}
	for _, entry := range stored.Collateral {
		pos.Collateral[entry.Symbol] = clone(entry.Amount)
	}
	if stored.Debt != nil {
		pos.Debt = new(big.Int).Set(stored.Debt)
	}
	return pos, nil
}

// putPosition writes the position back with a canonical sorted encoding.
func putPosition(kv state.KV, pos *Position) error {
	stored := storedPosition{Debt: clone(pos.Debt)}
	copy(stored.Address[:], pos.Address.Bytes())
	symbols := make([]string, 0, len(pos.Collateral))
	for symbol, amount := range pos.Collateral {
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		stored.Collateral = append(stored.Collateral, storedCollateral{
			Symbol: symbol,
			Amount: new(big.Int).Set(pos.Collateral[symbol]),
		})
	}
	return kv.KVPut(positionKey(pos.Address), &stored)
}
