package engine

import "math/big"

var (
	// wad is the 18-decimal fixed-point working unit for all USD and ratio
	// arithmetic.
	wad = big.NewInt(1_000_000_000_000_000_000)
	// pctPrecision scales the percentage risk parameters.
	pctPrecision = big.NewInt(100)
	ten          = big.NewInt(10)
)

// MaxHealthFactor is the unbounded health factor assigned to accounts with
// zero debt; they can never be liquidated.
var MaxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// pow10 returns 10^exp as a big integer.
func pow10(exp uint8) *big.Int {
	return new(big.Int).Exp(ten, big.NewInt(int64(exp)), nil)
}

func clone(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
