package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"feetracker/internal/service"
	"feetracker/internal/storage"
)

// Backfill ingests a historical window in the foreground.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	start, end := opts.From.UTC(), opts.To.UTC()
	if start.After(end) {
		return errors.New("empty backfill range; check --from/--to")
	}

	var records storage.RecordStore
	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing is written to the database")
		records = storage.NewMemoryStore()
	} else {
		store, closeStore, err := a.requireStore(ctx, "backfill")
		if err != nil {
			return err
		}
		defer closeStore()
		records = store
	}

	decoder := a.newDecoder()
	if decoder != nil {
		defer decoder.Close()
	}
	pipeline, err := a.newPipeline(records, decoder)
	if err != nil {
		return err
	}

	etherscan := a.newEtherscan()
	job := service.NewBackfill(etherscan, etherscan, a.newOracle(), pipeline, service.BackfillOptions{
		PageSize:      a.Config.Backfill.PageSize,
		ResolveBlocks: a.Config.Backfill.ResolveBlocks,
	}, a.Logger)

	persisted, err := job.Run(ctx, start, end)
	fmt.Fprintf(os.Stdout, "backfill %s .. %s: %d records persisted\n", start.Format("2006-01-02T15:04:05Z"), end.Format("2006-01-02T15:04:05Z"), persisted)
	if err != nil {
		return fmt.Errorf("backfill incomplete: %w", err)
	}
	return nil
}
