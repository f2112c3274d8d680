// Package api serves the read-side HTTP interface over stored transfers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"feetracker/internal/fetcher"
	"feetracker/internal/logging"
	"feetracker/internal/metrics"
	"feetracker/internal/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// PriceResolver returns a record with its execution price, decoding it on demand.
type PriceResolver interface {
	ResolveExecutionPrice(ctx context.Context, hash string) (storage.Record, error)
}

// BackfillStarter launches a historical scan in the background.
type BackfillStarter interface {
	Start(ctx context.Context, start, end time.Time)
}

// Server exposes stored records, summaries and backfill submission.
type Server struct {
	store    storage.RecordStore
	resolver PriceResolver
	oracle   fetcher.PriceOracle
	backfill BackfillStarter
	// jobCtx scopes background work started from requests.
	jobCtx context.Context
	logger zerolog.Logger
}

// NewServer wires the API. oracle and backfill may be nil; the matching
// routes then degrade (null price, 503).
func NewServer(jobCtx context.Context, store storage.RecordStore, resolver PriceResolver, oracle fetcher.PriceOracle, backfill BackfillStarter, logger zerolog.Logger) *Server {
	if jobCtx == nil {
		jobCtx = context.Background()
	}
	return &Server{
		store:    store,
		resolver: resolver,
		oracle:   oracle,
		backfill: backfill,
		jobCtx:   jobCtx,
		logger:   logging.Component(logger, "api"),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/summary", s.handleSummary)

	r.Route("/transactions", func(r chi.Router) {
		r.Get("/", s.handleListTransactions)
		r.Post("/historical", s.handleHistorical)
		r.Get("/{hash}", s.handleGetTransaction)
		r.Get("/{hash}/execution-price", s.handleExecutionPrice)
	})
	return r
}

// instrument counts requests by route pattern so hashes do not explode label cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if pinger, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		if err := pinger.Ping(r.Context()); err != nil {
			s.logger.Error().Err(err).Msg("health check failed")
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) internalError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
