package storage

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Record is one persisted transfer with its computed fees.
type Record struct {
	ID          int64
	Hash        string
	BlockNumber uint64
	Timestamp   time.Time
	From        string
	To          string
	Gas         uint64
	GasPrice    uint64
	GasUsed     uint64
	FeeNative   decimal.Decimal
	FeeQuote    decimal.Decimal
	// ExecutionPrice stays nil until a swap log has been decoded.
	ExecutionPrice *decimal.Decimal
	IngestedAt     time.Time
}

// RangeQuery filters records. Nil bounds are open; both bounds are inclusive.
type RangeQuery struct {
	Hash   string
	Start  *time.Time
	End    *time.Time
	Offset int
	Limit  int
}

// Summary aggregates fees over all stored records.
type Summary struct {
	TotalFeeNative decimal.Decimal
	TotalFeeQuote  decimal.Decimal
	Count          int64
}

// NormalizeHash is the canonical form hashes are stored and looked up in.
func NormalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}
