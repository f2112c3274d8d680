package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"feetracker/internal/fetcher"
	"feetracker/internal/ingest"
	"feetracker/internal/logging"
	"feetracker/internal/metrics"
)

// ErrInvalidRange reports a backfill window whose start is after its end.
var ErrInvalidRange = errors.New("backfill: start must not be after end")

// BackfillOptions tune a historical scan.
type BackfillOptions struct {
	PageSize int
	// ResolveBlocks bounds the scan by block numbers looked up from the window.
	ResolveBlocks bool
}

// Backfill ingests a bounded historical window. It is safe to run alongside
// the poller; both rely on the store's upsert-or-skip to reconcile.
type Backfill struct {
	source   fetcher.EventSource
	blocks   fetcher.BlockResolver
	oracle   fetcher.PriceOracle
	pipeline *ingest.Pipeline
	opts     BackfillOptions
	logger   zerolog.Logger
}

// NewBackfill wires a backfill job. blocks may be nil.
func NewBackfill(source fetcher.EventSource, blocks fetcher.BlockResolver, oracle fetcher.PriceOracle, pipeline *ingest.Pipeline, opts BackfillOptions, logger zerolog.Logger) *Backfill {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	return &Backfill{
		source:   source,
		blocks:   blocks,
		oracle:   oracle,
		pipeline: pipeline,
		opts:     opts,
		logger:   logging.Component(logger, "backfill"),
	}
}

// Run scans ascending and ingests events with start <= timestamp <= end.
// A page fault ends the scan; the count persisted so far is returned with
// the error.
func (b *Backfill) Run(ctx context.Context, start, end time.Time) (total int, err error) {
	status := "ok"
	defer func() {
		if err != nil {
			status = "failed"
			if total > 0 {
				status = "partial"
			}
		}
		metrics.BackfillRuns.WithLabelValues(status).Inc()
	}()

	start, end = start.UTC(), end.UTC()
	if start.After(end) {
		return 0, fmt.Errorf("%w: %s > %s", ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	quote, err := b.oracle.CurrentQuote(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch quote: %w", err)
	}
	if !quote.Available() {
		return 0, fetcher.ErrQuoteUnavailable
	}

	startBlock, endBlock := b.resolveBlocks(ctx, start, end)
	log := b.logger.With().
		Time("start", start).
		Time("end", end).
		Uint64("start_block", startBlock).
		Uint64("end_block", endBlock).
		Logger()
	log.Info().Msg("backfill started")

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		resp, err := b.source.FetchPage(ctx, fetcher.PageRequest{
			Page:       page,
			PageSize:   b.opts.PageSize,
			Sort:       fetcher.SortAsc,
			StartBlock: startBlock,
			EndBlock:   endBlock,
		})
		if err != nil {
			log.Error().Err(err).Int("page", page).Int("persisted", total).Msg("backfill page fetch failed")
			return total, fmt.Errorf("fetch page %d: %w", page, err)
		}
		if len(resp.Events) == 0 {
			break
		}
		metrics.EventsFetched.WithLabelValues("backfill").Add(float64(len(resp.Events)))

		matched := b.filter(ctx, resp.Events, start, end)
		if len(matched) > 0 {
			total += b.pipeline.Ingest(ctx, matched, quote)
		}
		log.Debug().Int("page", page).Int("events", len(resp.Events)).Int("matched", len(matched)).Msg("backfill page processed")

		if oldest, ok := resp.Oldest(); ok && oldest.Before(start) && len(matched) == 0 {
			break
		}
		if !resp.HasMore {
			break
		}
	}

	log.Info().Int("persisted", total).Msg("backfill finished")
	return total, nil
}

// Start launches Run in the background. ctx should outlive the request
// that triggered it.
func (b *Backfill) Start(ctx context.Context, start, end time.Time) {
	go func() {
		if _, err := b.Run(ctx, start, end); err != nil {
			b.logger.Error().Err(err).Time("start", start).Time("end", end).Msg("background backfill failed")
		}
	}()
}

func (b *Backfill) filter(ctx context.Context, events []fetcher.TransferEvent, start, end time.Time) []fetcher.TransferEvent {
	matched := make([]fetcher.TransferEvent, 0, len(events))
	for _, ev := range events {
		if ev.Timestamp.Before(start) || ev.Timestamp.After(end) {
			continue
		}
		exists, err := b.pipeline.Exists(ctx, ev.Hash)
		if err != nil {
			// Leave the decision to the pipeline, which logs the fault.
			matched = append(matched, ev)
			continue
		}
		if !exists {
			matched = append(matched, ev)
		}
	}
	return matched
}

// resolveBlocks looks up block bounds for the window. Any failure leaves
// that bound open.
func (b *Backfill) resolveBlocks(ctx context.Context, start, end time.Time) (uint64, uint64) {
	if !b.opts.ResolveBlocks || b.blocks == nil {
		return 0, 0
	}
	startBlock, err := b.blocks.BlockAt(ctx, start, "after")
	if err != nil {
		b.logger.Warn().Err(err).Time("start", start).Msg("could not resolve start block; scanning unbounded")
		startBlock = 0
	}
	endBlock, err := b.blocks.BlockAt(ctx, end, "before")
	if err != nil {
		b.logger.Warn().Err(err).Time("end", end).Msg("could not resolve end block; scanning unbounded")
		endBlock = 0
	}
	if startBlock > 0 && endBlock > 0 && startBlock > endBlock {
		return 0, 0
	}
	return startBlock, endBlock
}
