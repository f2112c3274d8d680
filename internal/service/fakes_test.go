package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"feetracker/internal/fetcher"
	"feetracker/internal/ingest"
	"feetracker/internal/shard"
	"feetracker/internal/storage"
)

// fakeSource serves a fixed event set the way the explorer pages it.
type fakeSource struct {
	mu       sync.Mutex
	events   []fetcher.TransferEvent
	requests []fetcher.PageRequest
	failPage int
}

func (f *fakeSource) FetchPage(_ context.Context, req fetcher.PageRequest) (fetcher.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.failPage > 0 && req.Page == f.failPage {
		return fetcher.Page{}, fmt.Errorf("upstream 502 on page %d", req.Page)
	}

	sorted := make([]fetcher.TransferEvent, 0, len(f.events))
	for _, ev := range f.events {
		if req.StartBlock > 0 && ev.BlockNumber < req.StartBlock {
			continue
		}
		if req.EndBlock > 0 && ev.BlockNumber > req.EndBlock {
			continue
		}
		sorted = append(sorted, ev)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if req.Sort == fetcher.SortAsc {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	from := (req.Page - 1) * req.PageSize
	if from >= len(sorted) {
		return fetcher.Page{}, nil
	}
	to := from + req.PageSize
	if to > len(sorted) {
		to = len(sorted)
	}
	page := append([]fetcher.TransferEvent(nil), sorted[from:to]...)
	return fetcher.Page{Events: page, HasMore: len(page) == req.PageSize}, nil
}

func (f *fakeSource) pagesRequested() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeOracle struct {
	price decimal.Decimal
	err   error
}

func (f fakeOracle) CurrentQuote(context.Context) (fetcher.Quote, error) {
	if f.err != nil {
		return fetcher.Quote{}, f.err
	}
	return fetcher.Quote{Symbol: "ETHUSDT", Price: f.price, At: time.Now().UTC()}, nil
}

func hashOf(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func transfer(n int, at time.Time) fetcher.TransferEvent {
	return fetcher.TransferEvent{
		Hash:        hashOf(n),
		BlockNumber: uint64(n + 1),
		Timestamp:   at.UTC(),
		GasPrice:    1_000_000_000,
		GasUsed:     21000,
	}
}

func newTestPipeline(t *testing.T, store storage.RecordStore) *ingest.Pipeline {
	t.Helper()
	p, err := ingest.New(store, nil, ingest.Options{Assignment: shard.Assignment{WorkerID: 0, TotalWorkers: 1}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	return p
}
