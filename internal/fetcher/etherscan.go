package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"feetracker/internal/logging"
	"feetracker/internal/metrics"
	"feetracker/internal/version"
)

const noTransactionsMessage = "No transactions found"

// EtherscanOptions parameterise the explorer client.
type EtherscanOptions struct {
	BaseURL         string
	APIKey          string
	ContractAddress string
	Timeout         time.Duration
	RateLimit       float64
	Burst           int
}

// Etherscan pages token-transfer events from an Etherscan-compatible API.
type Etherscan struct {
	opts    EtherscanOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewEtherscan constructs an explorer client.
func NewEtherscan(opts EtherscanOptions, logger zerolog.Logger) *Etherscan {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.etherscan.io/api"
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Etherscan{
		opts:    opts,
		logger:  logging.Component(logger, "etherscan"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		baseURL: baseURL,
	}
}

// FetchPage retrieves one page of transfer events for the tracked contract.
func (e *Etherscan) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	if e.opts.ContractAddress == "" {
		return Page{}, errors.New("contract address not configured")
	}
	if req.Page <= 0 || req.PageSize <= 0 {
		return Page{}, fmt.Errorf("invalid page request page=%d size=%d", req.Page, req.PageSize)
	}
	sort := req.Sort
	if sort == "" {
		sort = SortDesc
	}

	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", "tokentx")
	params.Set("contractaddress", e.opts.ContractAddress)
	params.Set("page", strconv.Itoa(req.Page))
	params.Set("offset", strconv.Itoa(req.PageSize))
	params.Set("sort", string(sort))
	if req.StartBlock > 0 {
		params.Set("startblock", strconv.FormatUint(req.StartBlock, 10))
	}
	if req.EndBlock > 0 {
		params.Set("endblock", strconv.FormatUint(req.EndBlock, 10))
	}

	resp, err := e.call(ctx, "tokentx", params)
	if err != nil {
		return Page{}, err
	}

	if resp.Status != "1" {
		if strings.EqualFold(strings.TrimSpace(resp.Message), noTransactionsMessage) {
			return Page{}, nil
		}
		return Page{}, resp.fault()
	}

	var raws []rawTransfer
	if err := json.Unmarshal(resp.Result, &raws); err != nil {
		return Page{}, fmt.Errorf("decode tokentx result: %w", err)
	}

	events := make([]TransferEvent, 0, len(raws))
	for _, raw := range raws {
		ev, convErr := raw.toEvent()
		if convErr != nil {
			e.logger.Warn().Err(convErr).Str("hash", raw.Hash).Msg("dropping malformed transfer record")
			continue
		}
		events = append(events, ev)
	}

	return Page{Events: events, HasMore: len(raws) == req.PageSize}, nil
}

// BlockAt resolves the block closest to a timestamp; closest is "before" or "after".
func (e *Etherscan) BlockAt(ctx context.Context, at time.Time, closest string) (uint64, error) {
	if closest != "before" && closest != "after" {
		return 0, fmt.Errorf("closest must be before or after, got %q", closest)
	}
	params := url.Values{}
	params.Set("module", "block")
	params.Set("action", "getblocknobytime")
	params.Set("timestamp", strconv.FormatInt(at.Unix(), 10))
	params.Set("closest", closest)

	resp, err := e.call(ctx, "getblocknobytime", params)
	if err != nil {
		return 0, err
	}
	if resp.Status != "1" {
		return 0, resp.fault()
	}

	var raw string
	if err := json.Unmarshal(resp.Result, &raw); err != nil {
		return 0, fmt.Errorf("decode block number: %w", err)
	}
	block, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse block number %q: %w", raw, err)
	}
	return block, nil
}

func (e *Etherscan) call(ctx context.Context, endpoint string, params url.Values) (resp explorerResponse, err error) {
	start := time.Now()
	defer func() {
		metrics.UpstreamRequests.WithLabelValues(endpoint, metrics.StatusLabel(err)).Inc()
		metrics.UpstreamLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	if err = e.wait(ctx); err != nil {
		return explorerResponse{}, err
	}

	if e.opts.APIKey != "" {
		params.Set("apikey", e.opts.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return explorerResponse{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	httpResp, err := e.client.Do(req)
	if err != nil {
		return explorerResponse{}, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return explorerResponse{}, err
	}

	if httpResp.StatusCode != http.StatusOK {
		err = fmt.Errorf("etherscan http error (%d): %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
		return explorerResponse{}, err
	}

	if err = json.Unmarshal(body, &resp); err != nil {
		return explorerResponse{}, fmt.Errorf("decode etherscan response: %w", err)
	}
	if resp.Status == "" {
		err = errors.New("etherscan response missing status")
		return explorerResponse{}, err
	}
	return resp, nil
}

func (e *Etherscan) wait(ctx context.Context) error {
	r := e.limiter.Reserve()
	if !r.OK() {
		return errors.New("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	metrics.RateLimitWaits.Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

type explorerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// fault renders an error-status payload; result then usually holds a reason string.
func (r explorerResponse) fault() error {
	var reason string
	if err := json.Unmarshal(r.Result, &reason); err == nil && reason != "" {
		return fmt.Errorf("etherscan api error (status %s): %s: %s", r.Status, r.Message, reason)
	}
	return fmt.Errorf("etherscan api error (status %s): %s", r.Status, r.Message)
}

type rawTransfer struct {
	Hash        string `json:"hash"`
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	From        string `json:"from"`
	To          string `json:"to"`
	Gas         string `json:"gas"`
	GasPrice    string `json:"gasPrice"`
	GasUsed     string `json:"gasUsed"`
}

func (r rawTransfer) toEvent() (TransferEvent, error) {
	block, err := parseUint("blockNumber", r.BlockNumber)
	if err != nil {
		return TransferEvent{}, err
	}
	ts, err := parseUint("timeStamp", r.TimeStamp)
	if err != nil {
		return TransferEvent{}, err
	}
	gas, err := parseUint("gas", r.Gas)
	if err != nil {
		return TransferEvent{}, err
	}
	gasPrice, err := parseUint("gasPrice", r.GasPrice)
	if err != nil {
		return TransferEvent{}, err
	}
	gasUsed, err := parseUint("gasUsed", r.GasUsed)
	if err != nil {
		return TransferEvent{}, err
	}

	return TransferEvent{
		Hash:        strings.TrimSpace(r.Hash),
		BlockNumber: block,
		Timestamp:   time.Unix(int64(ts), 0).UTC(),
		From:        strings.ToLower(r.From),
		To:          strings.ToLower(r.To),
		Gas:         gas,
		GasPrice:    gasPrice,
		GasUsed:     gasUsed,
	}, nil
}

func parseUint(field, raw string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, raw, err)
	}
	return v, nil
}

var (
	_ EventSource   = (*Etherscan)(nil)
	_ BlockResolver = (*Etherscan)(nil)
)
