package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrQuoteUnavailable means no usable quote price could be obtained. It is
// never represented as a zero price.
var ErrQuoteUnavailable = errors.New("quote price unavailable")

// Sort is the explorer result ordering.
type Sort string

const (
	SortAsc  Sort = "asc"
	SortDesc Sort = "desc"
)

// TransferEvent is one token transfer reported by the explorer. Hash is kept
// verbatim; callers validate it.
type TransferEvent struct {
	Hash        string
	BlockNumber uint64
	Timestamp   time.Time
	From        string
	To          string
	Gas         uint64
	GasPrice    uint64
	GasUsed     uint64
}

// PageRequest selects one page of transfer events. Zero block bounds are
// omitted from the request.
type PageRequest struct {
	Page       int
	PageSize   int
	Sort       Sort
	StartBlock uint64
	EndBlock   uint64
}

// Page is one explorer response. HasMore is false once a short page is seen.
type Page struct {
	Events  []TransferEvent
	HasMore bool
}

// Oldest returns the earliest timestamp in the page.
func (p Page) Oldest() (time.Time, bool) {
	if len(p.Events) == 0 {
		return time.Time{}, false
	}
	oldest := p.Events[0].Timestamp
	for _, ev := range p.Events[1:] {
		if ev.Timestamp.Before(oldest) {
			oldest = ev.Timestamp
		}
	}
	return oldest, true
}

// Quote is a price snapshot used to convert native fees.
type Quote struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// Available reports whether the quote carries a real, positive price.
func (q Quote) Available() bool {
	return q.Price.IsPositive()
}

// EventSource pages through transfer events of the tracked contract. An
// error ends pagination for the caller.
type EventSource interface {
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
}

// BlockResolver maps wall-clock times to block numbers.
type BlockResolver interface {
	BlockAt(ctx context.Context, at time.Time, closest string) (uint64, error)
}

// PriceOracle returns the current native/quote exchange rate.
type PriceOracle interface {
	CurrentQuote(ctx context.Context) (Quote, error)
}

// PriceDecoder extracts the swap execution price of a transaction. ok=false
// means "not available yet", never a real zero.
type PriceDecoder interface {
	DecodeExecutionPrice(ctx context.Context, hash string) (price decimal.Decimal, ok bool)
}
