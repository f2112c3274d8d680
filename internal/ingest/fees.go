package ingest

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// weiExp scales wei to ETH.
const weiExp = -18

// ComputeFees returns gasUsed*gasPrice in native units and its value at
// quotePrice. Both are exact decimals.
func ComputeFees(gasUsed, gasPrice uint64, quotePrice decimal.Decimal) (native, quote decimal.Decimal) {
	wei := new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), new(big.Int).SetUint64(gasPrice))
	native = decimal.NewFromBigInt(wei, weiExp)
	return native, native.Mul(quotePrice)
}
