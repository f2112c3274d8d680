package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"feetracker/internal/ingest"
	"feetracker/internal/storage"
)

// timeLayouts are accepted for start_time/end_time; zone-less values are UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

type transactionResponse struct {
	ID             int64            `json:"id"`
	TxHash         string           `json:"tx_hash"`
	BlockNumber    uint64           `json:"block_number"`
	TimeStamp      time.Time        `json:"time_stamp"`
	FromAddress    string           `json:"from_address"`
	ToAddress      string           `json:"to_address"`
	Gas            uint64           `json:"gas"`
	GasPrice       uint64           `json:"gas_price"`
	GasUsed        uint64           `json:"gas_used"`
	FeeETH         decimal.Decimal  `json:"fee_eth"`
	FeeUSDT        decimal.Decimal  `json:"fee_usdt"`
	ExecutionPrice *decimal.Decimal `json:"execution_price"`
	CreatedAt      time.Time        `json:"created_at"`
}

func toResponse(rec storage.Record) transactionResponse {
	return transactionResponse{
		ID:             rec.ID,
		TxHash:         rec.Hash,
		BlockNumber:    rec.BlockNumber,
		TimeStamp:      rec.Timestamp.UTC(),
		FromAddress:    rec.From,
		ToAddress:      rec.To,
		Gas:            rec.Gas,
		GasPrice:       rec.GasPrice,
		GasUsed:        rec.GasUsed,
		FeeETH:         rec.FeeNative,
		FeeUSDT:        rec.FeeQuote,
		ExecutionPrice: rec.ExecutionPrice,
		CreatedAt:      rec.IngestedAt.UTC(),
	}
}

type executionPriceResponse struct {
	TxHash         string          `json:"tx_hash"`
	ExecutionPrice decimal.Decimal `json:"execution_price"`
}

type summaryResponse struct {
	TotalFeeETH     decimal.Decimal  `json:"total_fee_eth"`
	TotalFeeUSDT    decimal.Decimal  `json:"total_fee_usdt"`
	Count           int64            `json:"count"`
	CurrentETHPrice *decimal.Decimal `json:"current_eth_price"`
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := intParam(q.Get("page"), 1)
	if err != nil || page < 1 {
		writeError(w, http.StatusUnprocessableEntity, "page must be an integer >= 1")
		return
	}
	pageSize, err := intParam(q.Get("page_size"), defaultPageSize)
	if err != nil || pageSize < 1 || pageSize > maxPageSize {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("page_size must be between 1 and %d", maxPageSize))
		return
	}

	query := storage.RangeQuery{
		Hash:   q.Get("tx_hash"),
		Offset: (page - 1) * pageSize,
		Limit:  pageSize,
	}
	if query.Start, err = timeParam(q.Get("start_time")); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid start_time: "+err.Error())
		return
	}
	if query.End, err = timeParam(q.Get("end_time")); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid end_time: "+err.Error())
		return
	}

	records, err := s.store.QueryRange(r.Context(), query)
	if err != nil {
		s.internalError(w, err, "list transactions failed")
		return
	}

	resp := make([]transactionResponse, len(records))
	for i, rec := range records {
		resp[i] = toResponse(rec)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetByHash(r.Context(), chi.URLParam(r, "hash"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Transaction not found")
		return
	}
	if err != nil {
		s.internalError(w, err, "get transaction failed")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(rec))
}

func (s *Server) handleExecutionPrice(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "execution price decoding not configured")
		return
	}
	rec, err := s.resolver.ResolveExecutionPrice(r.Context(), chi.URLParam(r, "hash"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "Transaction not found")
		return
	case errors.Is(err, ingest.ErrPriceUnavailable):
		writeError(w, http.StatusUnprocessableEntity, ingest.ErrPriceUnavailable.Error())
		return
	case err != nil:
		s.internalError(w, err, "resolve execution price failed")
		return
	}
	writeJSON(w, http.StatusOK, executionPriceResponse{TxHash: rec.Hash, ExecutionPrice: *rec.ExecutionPrice})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.Summary(r.Context())
	if err != nil {
		s.internalError(w, err, "summary failed")
		return
	}

	resp := summaryResponse{
		TotalFeeETH:  sum.TotalFeeNative,
		TotalFeeUSDT: sum.TotalFeeQuote,
		Count:        sum.Count,
	}
	if s.oracle != nil {
		quote, err := s.oracle.CurrentQuote(r.Context())
		if err != nil {
			s.logger.Warn().Err(err).Msg("live quote unavailable for summary")
		} else if quote.Available() {
			price := quote.Price
			resp.CurrentETHPrice = &price
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistorical(w http.ResponseWriter, r *http.Request) {
	if s.backfill == nil {
		writeError(w, http.StatusServiceUnavailable, "historical processing not configured")
		return
	}
	q := r.URL.Query()
	if q.Get("start_time") == "" || q.Get("end_time") == "" {
		writeError(w, http.StatusUnprocessableEntity, "start_time and end_time are required")
		return
	}
	start, err := timeParam(q.Get("start_time"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid start_time: "+err.Error())
		return
	}
	end, err := timeParam(q.Get("end_time"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid end_time: "+err.Error())
		return
	}
	if start.After(*end) {
		writeError(w, http.StatusUnprocessableEntity, "start_time must not be after end_time")
		return
	}

	s.backfill.Start(s.jobCtx, *start, *end)
	s.logger.Info().Time("start", *start).Time("end", *end).Msg("historical processing initiated")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message":    "Historical processing initiated.",
		"start_time": start.Format(time.RFC3339),
		"end_time":   end.Format(time.RFC3339),
	})
}

func intParam(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// timeParam parses an optional timestamp; empty input yields nil.
func timeParam(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.Unix(secs, 0).UTC()
		return &t, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognised time %q", raw)
}
