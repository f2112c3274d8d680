package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"feetracker/internal/logging"
	"feetracker/internal/metrics"
	"feetracker/internal/version"
)

const tickerPath = "/ticker/price"

// OracleOptions parameterise the ticker oracle.
type OracleOptions struct {
	BaseURL string
	Symbol  string
	Timeout time.Duration
}

// Oracle reads the latest price for a symbol from a Binance-style ticker.
type Oracle struct {
	opts    OracleOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewOracle constructs a ticker oracle.
func NewOracle(opts OracleOptions, logger zerolog.Logger) *Oracle {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.binance.com/api/v3"
	}
	if opts.Symbol == "" {
		opts.Symbol = "ETHUSDT"
	}

	return &Oracle{
		opts:    opts,
		logger:  logging.Component(logger, "oracle"),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		now:     time.Now,
	}
}

// CurrentQuote fetches the current price. Every failure, including a
// non-positive price, is wrapped in ErrQuoteUnavailable.
func (o *Oracle) CurrentQuote(ctx context.Context) (quote Quote, err error) {
	start := time.Now()
	defer func() {
		metrics.UpstreamRequests.WithLabelValues("ticker", metrics.StatusLabel(err)).Inc()
		metrics.UpstreamLatency.WithLabelValues("ticker").Observe(time.Since(start).Seconds())
	}()

	endpoint := o.baseURL + tickerPath + "?" + url.Values{"symbol": []string{o.opts.Symbol}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := o.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("%w: ticker http error (%d): %s", ErrQuoteUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
		return Quote{}, err
	}

	var ticker tickerResponse
	if err = json.Unmarshal(body, &ticker); err != nil {
		return Quote{}, fmt.Errorf("%w: decode ticker: %v", ErrQuoteUnavailable, err)
	}

	price, err := decimal.NewFromString(ticker.Price)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: parse price %q: %v", ErrQuoteUnavailable, ticker.Price, err)
	}
	if !price.IsPositive() {
		err = fmt.Errorf("%w: non-positive price %s", ErrQuoteUnavailable, price.String())
		return Quote{}, err
	}

	symbol := ticker.Symbol
	if symbol == "" {
		symbol = o.opts.Symbol
	}
	o.logger.Debug().Str("symbol", symbol).Str("price", price.String()).Msg("quote fetched")
	return Quote{Symbol: symbol, Price: price, At: o.now().UTC()}, nil
}

type tickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

var _ PriceOracle = (*Oracle)(nil)
