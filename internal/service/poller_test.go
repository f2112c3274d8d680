package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"feetracker/internal/alerting"
	"feetracker/internal/fetcher"
	"feetracker/internal/ingest"
	"feetracker/internal/scheduler"
	"feetracker/internal/storage"
)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return nil
}

func newTestPoller(t *testing.T, source fetcher.EventSource, oracle fetcher.PriceOracle, store storage.RecordStore, opts PollerOptions, now time.Time) (*Poller, *ingest.Pipeline) {
	t.Helper()
	pipeline := newTestPipeline(t, store)
	p := NewPoller(nil, source, oracle, store, pipeline, nil, nil, opts, zerolog.Nop())
	p.now = func() time.Time { return now }
	return p, pipeline
}

func TestPollerCycleIngestsNewerThanWatermark(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	ctx := context.Background()

	seed := newTestPipeline(t, store)
	existing := transfer(2, now.Add(-2*time.Minute))
	if got := seed.Ingest(ctx, []fetcher.TransferEvent{existing}, ingest.StaticQuote(decimal.NewFromInt(1))); got != 1 {
		t.Fatalf("seed persisted %d", got)
	}

	source := &fakeSource{events: []fetcher.TransferEvent{
		transfer(1, now.Add(-time.Minute)),
		existing,
		transfer(3, now.Add(-5*time.Minute)),
		transfer(4, now.Add(-15*time.Minute)),
		transfer(5, now.Add(-20*time.Minute)),
		transfer(6, now.Add(-30*time.Minute)),
	}}
	p, _ := newTestPoller(t, source, fakeOracle{price: decimal.NewFromInt(3000)}, store, PollerOptions{PageSize: 2, MaxPages: 10, Lookback: 10 * time.Minute}, now)

	res, err := p.Cycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if !res.Watermark.Equal(now.Add(-10 * time.Minute)) {
		t.Fatalf("watermark = %s", res.Watermark)
	}
	if res.Pages != 2 {
		t.Fatalf("pages = %d, want 2 (second page reaches the watermark)", res.Pages)
	}
	if res.Fresh != 3 || res.Persisted != 2 {
		t.Fatalf("fresh=%d persisted=%d", res.Fresh, res.Persisted)
	}
	if _, err := store.GetByHash(ctx, hashOf(4)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("event older than watermark was stored: %v", err)
	}

	rec, err := store.GetByHash(ctx, hashOf(3))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !rec.FeeQuote.Equal(decimal.RequireFromString("0.063")) {
		t.Fatalf("fee quote = %s", rec.FeeQuote)
	}
}

func TestPollerCycleRespectsMaxPages(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var events []fetcher.TransferEvent
	for i := 1; i <= 20; i++ {
		events = append(events, transfer(i, now.Add(-time.Duration(i)*time.Second)))
	}
	source := &fakeSource{events: events}
	p, _ := newTestPoller(t, source, fakeOracle{price: decimal.NewFromInt(1)}, storage.NewMemoryStore(), PollerOptions{PageSize: 5, MaxPages: 2}, now)

	res, err := p.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if source.pagesRequested() != 2 || res.Persisted != 10 {
		t.Fatalf("pages=%d persisted=%d", source.pagesRequested(), res.Persisted)
	}
}

func TestPollerCycleKeepsEventsBeforePageFault(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var events []fetcher.TransferEvent
	for i := 1; i <= 6; i++ {
		events = append(events, transfer(i, now.Add(-time.Duration(i)*time.Second)))
	}
	source := &fakeSource{events: events, failPage: 2}
	p, _ := newTestPoller(t, source, fakeOracle{price: decimal.NewFromInt(1)}, storage.NewMemoryStore(), PollerOptions{PageSize: 3}, now)

	res, err := p.Cycle(context.Background())
	if err == nil {
		t.Fatal("expected fetch fault")
	}
	if res.Persisted != 3 {
		t.Fatalf("persisted %d, want 3", res.Persisted)
	}
}

func TestPollerSkipsCycleWithoutQuote(t *testing.T) {
	now := time.Now().UTC()
	store := storage.NewMemoryStore()
	source := &fakeSource{events: []fetcher.TransferEvent{transfer(1, now)}}
	p, _ := newTestPoller(t, source, fakeOracle{err: fetcher.ErrQuoteUnavailable}, store, PollerOptions{}, now)

	if _, err := p.Cycle(context.Background()); !errors.Is(err, fetcher.ErrQuoteUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if source.pagesRequested() != 0 || store.Len() != 0 {
		t.Fatalf("cycle without quote touched upstream or store")
	}
}

func TestPollerAlertsAfterConsecutiveFailures(t *testing.T) {
	now := time.Now().UTC()
	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{}
	pipeline := newTestPipeline(t, store)
	p := NewPoller(nil, &fakeSource{}, fakeOracle{err: errors.New("ticker down")}, store, pipeline, notifier, alerting.NewFailureGuard(2, time.Hour), PollerOptions{}, zerolog.Nop())
	p.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_ = p.tick(context.Background(), now)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.notes) != 1 {
		t.Fatalf("sent %d alerts, want 1", len(notifier.notes))
	}
	note := notifier.notes[0]
	if note.Stage != "quote" || note.ConsecutiveFailures != 2 {
		t.Fatalf("unexpected alert %+v", note)
	}
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	now := time.Now().UTC()
	store := storage.NewMemoryStore()
	sched := scheduler.New(scheduler.Options{Interval: 10 * time.Millisecond}, zerolog.Nop())
	source := &fakeSource{events: []fetcher.TransferEvent{transfer(1, now)}}
	p := NewPoller(sched, source, fakeOracle{price: decimal.NewFromInt(1)}, store, newTestPipeline(t, store), nil, nil, PollerOptions{}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := p.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run returned %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("store has %d records", store.Len())
	}
	if source.pagesRequested() < 2 {
		t.Fatalf("expected several cycles, got %d requests", source.pagesRequested())
	}
}
