package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"feetracker/internal/fetcher"
	"feetracker/internal/logging"
	"feetracker/internal/metrics"
	"feetracker/internal/shard"
	"feetracker/internal/storage"
)

const defaultSeenCacheSize = 10000

var (
	// ErrPriceUnavailable means an on-demand decode did not produce a price.
	ErrPriceUnavailable = errors.New("execution price could not be computed")
)

// Options tune the pipeline.
type Options struct {
	Assignment    shard.Assignment
	SeenCacheSize int
}

// Pipeline turns raw transfer events into persisted records: shard filter,
// dedup, fee computation, upsert and best-effort price enrichment.
type Pipeline struct {
	store      storage.RecordStore
	decoder    fetcher.PriceDecoder
	assignment shard.Assignment
	seen       *lru.Cache[string, struct{}]
	logger     zerolog.Logger
}

// New builds a pipeline. decoder may be nil, which disables enrichment.
func New(store storage.RecordStore, decoder fetcher.PriceDecoder, opts Options, logger zerolog.Logger) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("ingest: store is required")
	}
	if err := opts.Assignment.Validate(); err != nil {
		return nil, err
	}

	size := opts.SeenCacheSize
	if size <= 0 {
		size = defaultSeenCacheSize
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create seen cache: %w", err)
	}

	return &Pipeline{
		store:      store,
		decoder:    decoder,
		assignment: opts.Assignment,
		seen:       seen,
		logger: logging.Component(logger, "pipeline").With().
			Int("worker_id", opts.Assignment.WorkerID).
			Int("total_workers", opts.Assignment.TotalWorkers).
			Logger(),
	}, nil
}

// Assignment returns the shard this pipeline owns.
func (p *Pipeline) Assignment() shard.Assignment {
	return p.assignment
}

// Ingest processes events in order and returns how many records it
// persisted. Per-event faults are logged and never abort the batch.
func (p *Pipeline) Ingest(ctx context.Context, events []fetcher.TransferEvent, quote fetcher.Quote) int {
	if !quote.Available() {
		p.logger.Warn().Int("events", len(events)).Msg("quote unavailable; batch not ingested")
		return 0
	}

	persisted := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			p.logger.Warn().Err(ctx.Err()).Int("persisted", persisted).Msg("ingest interrupted")
			break
		}
		if p.ingestOne(ctx, ev, quote) {
			persisted++
		}
	}
	return persisted
}

func (p *Pipeline) ingestOne(ctx context.Context, ev fetcher.TransferEvent, quote fetcher.Quote) bool {
	hash := storage.NormalizeHash(ev.Hash)
	log := p.logger.With().Str("hash", hash).Logger()

	owned, err := p.assignment.Owns(hash)
	if err != nil {
		metrics.RecordsSkipped.WithLabelValues("malformed").Inc()
		log.Error().Err(err).Str("stage", "validate").Msg("skipping event with malformed hash")
		return false
	}
	if !owned {
		metrics.RecordsSkipped.WithLabelValues("shard").Inc()
		return false
	}

	exists, err := p.Exists(ctx, hash)
	if err != nil {
		metrics.IngestErrors.WithLabelValues("dedup").Inc()
		log.Error().Err(err).Str("stage", "dedup").Msg("lookup failed; event skipped")
		return false
	}
	if exists {
		metrics.RecordsSkipped.WithLabelValues("duplicate").Inc()
		return false
	}

	feeNative, feeQuote := ComputeFees(ev.GasUsed, ev.GasPrice, quote.Price)
	rec := storage.Record{
		Hash:        hash,
		BlockNumber: ev.BlockNumber,
		Timestamp:   ev.Timestamp.UTC(),
		From:        ev.From,
		To:          ev.To,
		Gas:         ev.Gas,
		GasPrice:    ev.GasPrice,
		GasUsed:     ev.GasUsed,
		FeeNative:   feeNative,
		FeeQuote:    feeQuote,
	}

	stored, inserted, err := p.store.UpsertIfAbsent(ctx, rec)
	if err != nil {
		metrics.IngestErrors.WithLabelValues("persist").Inc()
		log.Error().Err(err).Str("stage", "persist").Msg("failed to persist record")
		return false
	}
	p.seen.Add(hash, struct{}{})
	if !inserted {
		// A concurrent writer stored it between lookup and insert.
		metrics.RecordsSkipped.WithLabelValues("duplicate").Inc()
		return false
	}

	metrics.RecordsIngested.Inc()
	log.Info().
		Time("timestamp", stored.Timestamp).
		Str("fee_native", feeNative.String()).
		Str("fee_quote", feeQuote.String()).
		Msg("stored transaction")

	p.enrich(ctx, hash, log)
	return true
}

// enrich attempts a decode right away; failures leave the price empty for a
// later lazy decode.
func (p *Pipeline) enrich(ctx context.Context, hash string, log zerolog.Logger) {
	if p.decoder == nil {
		return
	}
	price, ok := p.decoder.DecodeExecutionPrice(ctx, hash)
	if !ok || !price.IsPositive() {
		log.Debug().Str("stage", "enrich").Msg("execution price deferred")
		return
	}
	if _, err := p.store.UpdateExecutionPrice(ctx, hash, price); err != nil {
		metrics.IngestErrors.WithLabelValues("enrich").Inc()
		log.Error().Err(err).Str("stage", "enrich").Msg("failed to store execution price")
	}
}

// Exists reports whether hash is already persisted.
func (p *Pipeline) Exists(ctx context.Context, hash string) (bool, error) {
	hash = storage.NormalizeHash(hash)
	if p.seen.Contains(hash) {
		return true, nil
	}
	_, err := p.store.GetByHash(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p.seen.Add(hash, struct{}{})
	return true, nil
}

// ResolveExecutionPrice returns the stored execution price for hash,
// decoding and persisting it first if it is still empty.
func (p *Pipeline) ResolveExecutionPrice(ctx context.Context, hash string) (storage.Record, error) {
	rec, err := p.store.GetByHash(ctx, hash)
	if err != nil {
		return storage.Record{}, err
	}
	if rec.ExecutionPrice != nil {
		return rec, nil
	}
	if p.decoder == nil {
		return rec, ErrPriceUnavailable
	}

	price, ok := p.decoder.DecodeExecutionPrice(ctx, rec.Hash)
	if !ok || !price.IsPositive() {
		return rec, ErrPriceUnavailable
	}
	updated, err := p.store.UpdateExecutionPrice(ctx, rec.Hash, price)
	if err != nil {
		return rec, fmt.Errorf("store execution price: %w", err)
	}
	return updated, nil
}

// StaticQuote wraps a fixed price, mainly for tooling and tests.
func StaticQuote(price decimal.Decimal) fetcher.Quote {
	return fetcher.Quote{Symbol: "static", Price: price, At: time.Now().UTC()}
}
