package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"feetracker/internal/alerting"
	"feetracker/internal/fetcher"
	"feetracker/internal/ingest"
	"feetracker/internal/logging"
	"feetracker/internal/metrics"
	"feetracker/internal/scheduler"
	"feetracker/internal/storage"
)

// PollerOptions tune a poll cycle.
type PollerOptions struct {
	PageSize int
	MaxPages int
	Lookback time.Duration
	// LockKey is the advisory lock guarding this worker's shard; 0 disables it.
	LockKey int64
}

// CycleResult summarises one poll cycle.
type CycleResult struct {
	Watermark time.Time
	Pages     int
	Fetched   int
	Fresh     int
	Persisted int
	Skipped   bool
}

// cycleError tags a cycle fault with the stage it happened in.
type cycleError struct {
	stage string
	err   error
}

func (e *cycleError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *cycleError) Unwrap() error { return e.err }

// Poller keeps the store current with the newest transfer events.
type Poller struct {
	scheduler *scheduler.Scheduler
	source    fetcher.EventSource
	oracle    fetcher.PriceOracle
	store     storage.RecordStore
	pipeline  *ingest.Pipeline
	locker    storage.AdvisoryLocker
	notifier  alerting.Notifier
	guard     *alerting.FailureGuard
	opts      PollerOptions
	logger    zerolog.Logger
	now       func() time.Time
}

// NewPoller wires a poller. notifier and guard may be nil.
func NewPoller(sched *scheduler.Scheduler, source fetcher.EventSource, oracle fetcher.PriceOracle, store storage.RecordStore, pipeline *ingest.Pipeline, notifier alerting.Notifier, guard *alerting.FailureGuard, opts PollerOptions, logger zerolog.Logger) *Poller {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 10
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Poller{
		scheduler: sched,
		source:    source,
		oracle:    oracle,
		store:     store,
		pipeline:  pipeline,
		locker:    locker,
		notifier:  notifier,
		guard:     guard,
		opts:      opts,
		logger:    logging.Component(logger, "poller"),
		now:       time.Now,
	}
}

// Run drives cycles until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if p.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return p.scheduler.Run(ctx, p.tick)
}

func (p *Poller) tick(ctx context.Context, started time.Time) error {
	_, err := p.Cycle(ctx)
	if ctx.Err() != nil {
		return err
	}
	p.track(ctx, err)
	return err
}

// Cycle runs a single poll: quote, watermark, paginate newest first, filter
// and ingest. Events gathered before a page fault are still ingested.
func (p *Poller) Cycle(ctx context.Context) (res CycleResult, err error) {
	start := time.Now()
	defer func() {
		metrics.CycleDuration.Observe(time.Since(start).Seconds())
		var ce *cycleError
		if errors.As(err, &ce) {
			metrics.CycleFaults.WithLabelValues(ce.stage).Inc()
		}
	}()

	unlock, proceed, err := p.acquireLock(ctx)
	if err != nil {
		return res, &cycleError{stage: "lock", err: err}
	}
	if !proceed {
		p.logger.Warn().Int64("lock_key", p.opts.LockKey).Msg("skip cycle because advisory lock held elsewhere")
		res.Skipped = true
		return res, nil
	}
	if unlock != nil {
		defer unlock()
	}

	quote, err := p.oracle.CurrentQuote(ctx)
	if err != nil || !quote.Available() {
		if err == nil {
			err = fetcher.ErrQuoteUnavailable
		}
		return res, &cycleError{stage: "quote", err: err}
	}
	metrics.QuotePrice.Set(quote.Price.InexactFloat64())

	latest, found, err := p.store.LatestTimestamp(ctx)
	if err != nil {
		return res, &cycleError{stage: "watermark", err: err}
	}
	now := p.now().UTC()
	res.Watermark = Watermark(latest, found, now, p.opts.Lookback)
	metrics.WatermarkLag.Set(now.Sub(res.Watermark).Seconds())

	fresh, pages, fetched, fetchErr := p.collect(ctx, res.Watermark)
	res.Pages, res.Fetched, res.Fresh = pages, fetched, len(fresh)
	metrics.EventsFetched.WithLabelValues("poller").Add(float64(fetched))

	if len(fresh) > 0 {
		res.Persisted = p.pipeline.Ingest(ctx, fresh, quote)
	}

	p.logger.Info().
		Time("watermark", res.Watermark).
		Int("pages", res.Pages).
		Int("fetched", res.Fetched).
		Int("fresh", res.Fresh).
		Int("persisted", res.Persisted).
		Msg("poll cycle complete")

	if fetchErr != nil {
		return res, &cycleError{stage: "fetch", err: fetchErr}
	}
	return res, nil
}

// collect pages newest first and keeps events strictly newer than
// watermark. It stops on a short page, a fault, a page reaching back to the
// watermark, or MaxPages.
func (p *Poller) collect(ctx context.Context, watermark time.Time) ([]fetcher.TransferEvent, int, int, error) {
	var (
		fresh   []fetcher.TransferEvent
		fetched int
		pages   int
	)
	for page := 1; page <= p.opts.MaxPages; page++ {
		resp, err := p.source.FetchPage(ctx, fetcher.PageRequest{
			Page:     page,
			PageSize: p.opts.PageSize,
			Sort:     fetcher.SortDesc,
		})
		if err != nil {
			p.logger.Error().Err(err).Int("page", page).Str("stage", "fetch").Msg("page fetch failed; stopping pagination")
			return fresh, pages, fetched, err
		}
		pages++
		fetched += len(resp.Events)

		for _, ev := range resp.Events {
			if ev.Timestamp.After(watermark) {
				fresh = append(fresh, ev)
			}
		}

		if !resp.HasMore {
			break
		}
		if oldest, ok := resp.Oldest(); ok && !oldest.After(watermark) {
			break
		}
	}
	return fresh, pages, fetched, nil
}

func (p *Poller) track(ctx context.Context, err error) {
	if p.guard == nil {
		return
	}
	if err == nil {
		p.guard.Success()
		return
	}

	now := p.now().UTC()
	streak, due := p.guard.Failure(now)
	if !due || p.notifier == nil {
		return
	}

	assignment := p.pipeline.Assignment()
	note := alerting.Notification{
		At:                  now,
		Job:                 "poller",
		WorkerID:            assignment.WorkerID,
		TotalWorkers:        assignment.TotalWorkers,
		ConsecutiveFailures: streak,
		LastError:           err.Error(),
	}
	var ce *cycleError
	if errors.As(err, &ce) {
		note.Stage = ce.stage
	}
	if notifyErr := p.notifier.Notify(ctx, note); notifyErr != nil {
		p.logger.Error().Err(notifyErr).Msg("failed to dispatch alert")
	}
}

func (p *Poller) acquireLock(ctx context.Context) (func(), bool, error) {
	if p.opts.LockKey == 0 || p.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := p.locker.TryAdvisoryLock(ctx, p.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
