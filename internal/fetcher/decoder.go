package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"feetracker/internal/logging"
	"feetracker/internal/metrics"
)

const (
	swapEventABIJSON = `[{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"sender","type":"address"},{"indexed":true,"internalType":"address","name":"recipient","type":"address"},{"indexed":false,"internalType":"int256","name":"amount0","type":"int256"},{"indexed":false,"internalType":"int256","name":"amount1","type":"int256"},{"indexed":false,"internalType":"uint160","name":"sqrtPriceX96","type":"uint160"},{"indexed":false,"internalType":"uint128","name":"liquidity","type":"uint128"},{"indexed":false,"internalType":"int24","name":"tick","type":"int24"}],"name":"Swap","type":"event"}]`

	// sqrtPriceX96 is the third non-indexed Swap field.
	sqrtPriceIndex = 2

	// Q96 squared is 2^192; dividing by it equals multiplying by 5^192 and
	// shifting 192 decimal places.
	q192Exp = 192
)

var (
	swapABI   abi.ABI
	swapTopic common.Hash
)

var fivePow192 = new(big.Int).Exp(big.NewInt(5), big.NewInt(q192Exp), nil)

func init() {
	parsed, err := abi.JSON(strings.NewReader(swapEventABIJSON))
	if err != nil {
		panic("failed to parse Uniswap V3 Swap ABI: " + err.Error())
	}
	swapABI = parsed
	swapTopic = parsed.Events["Swap"].ID
}

// SwapTopic is keccak256("Swap(address,address,int256,int256,uint160,uint128,int24)").
func SwapTopic() common.Hash {
	return swapTopic
}

// ReceiptReader is the slice of an Ethereum client the decoder needs.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// DecoderOptions parameterise the execution price decoder.
type DecoderOptions struct {
	RPCURL      string
	PoolAddress string
	Timeout     time.Duration
	// Reader overrides the lazily dialled ethclient.
	Reader ReceiptReader
}

// Decoder extracts the Uniswap V3 execution price from a transaction's
// Swap log.
type Decoder struct {
	opts      DecoderOptions
	pool      common.Address
	logger    zerolog.Logger
	reader    ReceiptReader
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewDecoder builds a new decoder.
func NewDecoder(opts DecoderOptions, logger zerolog.Logger) *Decoder {
	return &Decoder{
		opts:   opts,
		pool:   common.HexToAddress(opts.PoolAddress),
		logger: logging.Component(logger, "price_decoder"),
		reader: opts.Reader,
	}
}

// DecodeExecutionPrice returns sqrtPriceX96^2 / 2^192 for the pool's Swap log
// in the given transaction. Any fault yields ok=false.
func (d *Decoder) DecodeExecutionPrice(ctx context.Context, hash string) (decimal.Decimal, bool) {
	price, err := d.decode(ctx, hash)
	if err != nil {
		metrics.PriceDecodes.WithLabelValues("absent").Inc()
		d.logger.Warn().Err(err).Str("hash", hash).Msg("execution price unavailable")
		return decimal.Decimal{}, false
	}
	metrics.PriceDecodes.WithLabelValues("ok").Inc()
	return price, true
}

func (d *Decoder) decode(ctx context.Context, hash string) (decimal.Decimal, error) {
	if d.opts.PoolAddress == "" {
		return decimal.Decimal{}, errors.New("pool address not configured")
	}
	txHash, err := parseTxHash(hash)
	if err != nil {
		return decimal.Decimal{}, err
	}

	timeout := d.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reader, err := d.getReader(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}

	receipt, err := reader.TransactionReceipt(ctx, txHash)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil {
		return decimal.Decimal{}, errors.New("receipt not found")
	}

	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != d.pool || len(lg.Topics) == 0 || lg.Topics[0] != swapTopic {
			continue
		}
		sqrtPrice, err := unpackSqrtPrice(lg.Data)
		if err != nil {
			return decimal.Decimal{}, err
		}
		price := SqrtPriceX96ToPrice(sqrtPrice)
		if !price.IsPositive() {
			return decimal.Decimal{}, errors.New("decoded price is zero")
		}
		return price, nil
	}
	return decimal.Decimal{}, errors.New("no swap log for pool in receipt")
}

func (d *Decoder) getReader(ctx context.Context) (ReceiptReader, error) {
	if d.reader != nil {
		return d.reader, nil
	}

	d.clientMux.Lock()
	defer d.clientMux.Unlock()

	if d.client != nil {
		return d.client, nil
	}
	if d.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, d.opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	d.client = client
	return client, nil
}

// Close releases the node connection if one was dialled.
func (d *Decoder) Close() {
	d.clientMux.Lock()
	defer d.clientMux.Unlock()
	if d.client != nil {
		d.client.Close()
		d.client = nil
	}
}

func unpackSqrtPrice(data []byte) (*big.Int, error) {
	values, err := swapABI.Unpack("Swap", data)
	if err != nil {
		return nil, fmt.Errorf("unpack swap log: %w", err)
	}
	if len(values) <= sqrtPriceIndex {
		return nil, errors.New("unexpected swap log layout")
	}
	sqrtPrice, ok := values[sqrtPriceIndex].(*big.Int)
	if !ok || sqrtPrice == nil {
		return nil, errors.New("failed to decode sqrtPriceX96")
	}
	return sqrtPrice, nil
}

// SqrtPriceX96ToPrice computes sqrtPriceX96^2 / 2^192 without rounding.
func SqrtPriceX96ToPrice(sqrtPriceX96 *big.Int) decimal.Decimal {
	squared := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	scaled := squared.Mul(squared, fivePow192)
	return decimal.NewFromBigInt(scaled, -q192Exp)
}

func parseTxHash(hash string) (common.Hash, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(hash))
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid transaction hash %q: %w", hash, err)
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid transaction hash %q: want %d bytes, got %d", hash, common.HashLength, len(raw))
	}
	return common.BytesToHash(raw), nil
}

var _ PriceDecoder = (*Decoder)(nil)
