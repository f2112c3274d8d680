package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"feetracker/internal/fetcher"
	"feetracker/internal/shard"
	"feetracker/internal/storage"
)

type fakeDecoder struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	calls  int
}

func (f *fakeDecoder) DecodeExecutionPrice(_ context.Context, hash string) (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	price, ok := f.prices[hash]
	return price, ok
}

func hashOf(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func event(n int, at time.Time) fetcher.TransferEvent {
	return fetcher.TransferEvent{
		Hash:        hashOf(n),
		BlockNumber: uint64(1000 + n),
		Timestamp:   at,
		From:        "0xfrom",
		To:          "0xto",
		Gas:         50000,
		GasPrice:    1_000_000_000,
		GasUsed:     21000,
	}
}

func newPipeline(t *testing.T, store storage.RecordStore, dec fetcher.PriceDecoder, a shard.Assignment) *Pipeline {
	t.Helper()
	p, err := New(store, dec, Options{Assignment: a}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func TestComputeFeesExact(t *testing.T) {
	native, quote := ComputeFees(21000, 1_000_000_000, decimal.RequireFromString("3000"))
	if !native.Equal(decimal.RequireFromString("0.000021")) {
		t.Fatalf("native fee = %s", native)
	}
	if !quote.Equal(decimal.RequireFromString("0.063")) {
		t.Fatalf("quote fee = %s", quote)
	}

	// Products beyond float64 precision stay exact.
	native, _ = ComputeFees(10_000_000, 1_000_000_000_000_000_001, decimal.NewFromInt(1))
	if !native.Equal(decimal.RequireFromString("10000000.00000000001")) {
		t.Fatalf("large native fee = %s", native)
	}
}

func TestIngestPersistsAndIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	p := newPipeline(t, store, nil, shard.Assignment{WorkerID: 0, TotalWorkers: 1})
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	events := []fetcher.TransferEvent{event(1, now), event(2, now.Add(time.Second))}
	quote := StaticQuote(decimal.RequireFromString("3000"))

	if got := p.Ingest(context.Background(), events, quote); got != 2 {
		t.Fatalf("first ingest persisted %d, want 2", got)
	}
	if got := p.Ingest(context.Background(), events, quote); got != 0 {
		t.Fatalf("second ingest persisted %d, want 0", got)
	}
	if store.Len() != 2 {
		t.Fatalf("store has %d records", store.Len())
	}

	rec, err := store.GetByHash(context.Background(), hashOf(1))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !rec.FeeQuote.Equal(decimal.RequireFromString("0.063")) {
		t.Fatalf("fee quote = %s", rec.FeeQuote)
	}
}

func TestIngestSeesRecordsWrittenElsewhere(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Now().UTC()
	quote := StaticQuote(decimal.NewFromInt(2000))

	first := newPipeline(t, store, nil, shard.Assignment{WorkerID: 0, TotalWorkers: 1})
	second := newPipeline(t, store, nil, shard.Assignment{WorkerID: 0, TotalWorkers: 1})

	if got := first.Ingest(context.Background(), []fetcher.TransferEvent{event(7, now)}, quote); got != 1 {
		t.Fatalf("first persisted %d", got)
	}
	if got := second.Ingest(context.Background(), []fetcher.TransferEvent{event(7, now)}, quote); got != 0 {
		t.Fatalf("second persisted %d", got)
	}
}

func TestIngestSkipsMalformedAndContinues(t *testing.T) {
	store := storage.NewMemoryStore()
	p := newPipeline(t, store, nil, shard.Assignment{WorkerID: 0, TotalWorkers: 1})
	now := time.Now().UTC()

	bad := event(0, now)
	bad.Hash = "0xnothex"
	empty := event(0, now)
	empty.Hash = ""
	events := []fetcher.TransferEvent{event(1, now), bad, empty, event(2, now)}

	if got := p.Ingest(context.Background(), events, StaticQuote(decimal.NewFromInt(1))); got != 2 {
		t.Fatalf("persisted %d, want 2", got)
	}
}

func TestIngestHonoursShard(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Now().UTC()
	var events []fetcher.TransferEvent
	for i := 1; i <= 10; i++ {
		events = append(events, event(i, now))
	}
	quote := StaticQuote(decimal.NewFromInt(1))

	even := newPipeline(t, store, nil, shard.Assignment{WorkerID: 0, TotalWorkers: 2})
	odd := newPipeline(t, store, nil, shard.Assignment{WorkerID: 1, TotalWorkers: 2})

	if got := even.Ingest(context.Background(), events, quote); got != 5 {
		t.Fatalf("even worker persisted %d", got)
	}
	if _, err := store.GetByHash(context.Background(), hashOf(3)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("odd hash stored by even worker: %v", err)
	}
	if got := odd.Ingest(context.Background(), events, quote); got != 5 {
		t.Fatalf("odd worker persisted %d", got)
	}
	if store.Len() != 10 {
		t.Fatalf("store has %d records", store.Len())
	}
}

func TestIngestWithoutQuotePersistsNothing(t *testing.T) {
	store := storage.NewMemoryStore()
	p := newPipeline(t, store, nil, shard.Assignment{WorkerID: 0, TotalWorkers: 1})

	got := p.Ingest(context.Background(), []fetcher.TransferEvent{event(1, time.Now())}, fetcher.Quote{})
	if got != 0 || store.Len() != 0 {
		t.Fatalf("persisted %d (len %d) without a quote", got, store.Len())
	}
}

func TestIngestEnrichesExecutionPrice(t *testing.T) {
	store := storage.NewMemoryStore()
	dec := &fakeDecoder{prices: map[string]decimal.Decimal{hashOf(1): decimal.RequireFromString("2.25")}}
	p := newPipeline(t, store, dec, shard.Assignment{WorkerID: 0, TotalWorkers: 1})
	now := time.Now().UTC()

	if got := p.Ingest(context.Background(), []fetcher.TransferEvent{event(1, now), event(2, now)}, StaticQuote(decimal.NewFromInt(1))); got != 2 {
		t.Fatalf("persisted %d", got)
	}

	withPrice, _ := store.GetByHash(context.Background(), hashOf(1))
	if withPrice.ExecutionPrice == nil || !withPrice.ExecutionPrice.Equal(decimal.RequireFromString("2.25")) {
		t.Fatalf("execution price = %v", withPrice.ExecutionPrice)
	}
	without, _ := store.GetByHash(context.Background(), hashOf(2))
	if without.ExecutionPrice != nil {
		t.Fatalf("expected empty execution price, got %s", without.ExecutionPrice)
	}
}

func TestResolveExecutionPrice(t *testing.T) {
	store := storage.NewMemoryStore()
	dec := &fakeDecoder{prices: map[string]decimal.Decimal{}}
	p := newPipeline(t, store, dec, shard.Assignment{WorkerID: 0, TotalWorkers: 1})
	ctx := context.Background()

	if _, err := p.ResolveExecutionPrice(ctx, hashOf(9)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown hash err = %v", err)
	}

	p.Ingest(ctx, []fetcher.TransferEvent{event(1, time.Now())}, StaticQuote(decimal.NewFromInt(1)))
	if _, err := p.ResolveExecutionPrice(ctx, hashOf(1)); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("undecodable err = %v", err)
	}

	dec.mu.Lock()
	dec.prices[hashOf(1)] = decimal.NewFromInt(4)
	dec.mu.Unlock()

	rec, err := p.ResolveExecutionPrice(ctx, hashOf(1))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec.ExecutionPrice == nil || !rec.ExecutionPrice.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("price = %v", rec.ExecutionPrice)
	}

	calls := dec.calls
	if _, err := p.ResolveExecutionPrice(ctx, hashOf(1)); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if dec.calls != calls {
		t.Fatal("stored price should not be decoded again")
	}
}

func TestNewRejectsBadAssignment(t *testing.T) {
	_, err := New(storage.NewMemoryStore(), nil, Options{Assignment: shard.Assignment{WorkerID: 2, TotalWorkers: 2}}, zerolog.Nop())
	if !errors.Is(err, shard.ErrInvalidAssignment) {
		t.Fatalf("err = %v", err)
	}
}
