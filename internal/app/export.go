package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"feetracker/internal/storage"
)

const defaultExportWindow = 24 * time.Hour

// Export renders stored records as CSV and/or a PNG fee chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no records found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting records")

	if opts.CSVPath != "" {
		if err := writeRecordsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRecordsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRecords(records []storage.Record, max int) []storage.Record {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[:1]
	}

	result := make([]storage.Record, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

var csvHeader = []string{"time_stamp", "tx_hash", "block_number", "gas_used", "gas_price", "fee_eth", "fee_usdt", "execution_price"}

func writeRecordsCSV(path string, records []storage.Record) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	for _, rec := range records {
		price := ""
		if rec.ExecutionPrice != nil {
			price = rec.ExecutionPrice.String()
		}
		row := []string{
			rec.Timestamp.UTC().Format(time.RFC3339),
			rec.Hash,
			strconv.FormatUint(rec.BlockNumber, 10),
			strconv.FormatUint(rec.GasUsed, 10),
			strconv.FormatUint(rec.GasPrice, 10),
			rec.FeeNative.String(),
			rec.FeeQuote.String(),
			price,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeRecordsPNG(path string, records []storage.Record) error {
	if len(records) < 2 {
		return errors.New("at least two records are needed to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	feeNative := make([]float64, len(records))
	feeQuote := make([]float64, len(records))

	for i, rec := range records {
		x[i] = rec.Timestamp
		feeNative[i] = rec.FeeNative.InexactFloat64()
		feeQuote[i] = rec.FeeQuote.InexactFloat64()
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Fee (ETH)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.6f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Fee (USDT)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Fee ETH",
				XValues: x,
				YValues: feeNative,
			},
			chart.TimeSeries{
				Name:    "Fee USDT",
				XValues: x,
				YValues: feeQuote,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
