package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"feetracker/internal/storage"
)

// Show prints the most recent records.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show records")
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := store.QueryRange(ctx, storage.RangeQuery{Limit: opts.Limit})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no records found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tHash\tBlock\tFee (ETH)\tFee (USDT)\tExec Price")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%s\t%s\t%s\n",
			rec.Timestamp.UTC().Format(time.RFC3339),
			shortHash(rec.Hash),
			rec.BlockNumber,
			formatDecimal(rec.FeeNative, 8),
			formatDecimal(rec.FeeQuote, 4),
			formatOptional(rec.ExecutionPrice, 4),
		)
	}

	return writer.Flush()
}

// Summary prints fee totals and the live quote.
func (a *App) Summary(ctx context.Context) error {
	store, closeStore, err := a.requireStore(ctx, "summarise records")
	if err != nil {
		return err
	}
	defer closeStore()

	sum, err := store.Summary(ctx)
	if err != nil {
		return err
	}

	price := "unavailable"
	if quote, err := a.newOracle().CurrentQuote(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("live quote unavailable")
	} else {
		price = quote.Price.String()
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Records\t%d\n", sum.Count)
	fmt.Fprintf(writer, "Total fee (ETH)\t%s\n", sum.TotalFeeNative.String())
	fmt.Fprintf(writer, "Total fee (USDT)\t%s\n", sum.TotalFeeQuote.String())
	fmt.Fprintf(writer, "Current ETH price\t%s\n", price)
	return writer.Flush()
}

func shortHash(h string) string {
	if len(h) <= 18 {
		return h
	}
	return h[:10] + ".." + h[len(h)-6:]
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func formatOptional(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "-"
	}
	return formatDecimal(*d, places)
}
