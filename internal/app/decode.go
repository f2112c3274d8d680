package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"feetracker/internal/ingest"
	"feetracker/internal/storage"
)

// Decode prints the execution price of a transaction. When the hash is
// stored the price is persisted too.
func (a *App) Decode(ctx context.Context, hash string) error {
	decoder := a.newDecoder()
	if decoder == nil {
		return errors.New("ethereum.rpc_url not configured; cannot decode")
	}
	defer decoder.Close()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store != nil {
		defer closeStore()

		pipeline, err := a.newPipeline(store, decoder)
		if err != nil {
			return err
		}
		rec, err := pipeline.ResolveExecutionPrice(ctx, hash)
		switch {
		case err == nil:
			fmt.Fprintf(os.Stdout, "%s\t%s\t(stored)\n", rec.Hash, rec.ExecutionPrice.String())
			return nil
		case errors.Is(err, ingest.ErrPriceUnavailable):
			return err
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
		a.Logger.Info().Str("hash", hash).Msg("transaction not stored; decoding without persisting")
	}

	price, ok := decoder.DecodeExecutionPrice(ctx, hash)
	if !ok {
		return ingest.ErrPriceUnavailable
	}
	fmt.Fprintf(os.Stdout, "%s\t%s\n", storage.NormalizeHash(hash), price.String())
	return nil
}
