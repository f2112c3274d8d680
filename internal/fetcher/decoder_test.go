package fetcher

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

const (
	testPool = "0x88e6a0c2ddd26feeb64f039a2c41296fcb3f5640"
	testHash = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"
)

type fakeReceipts struct {
	receipt *types.Receipt
	err     error
	calls   int
}

func (f *fakeReceipts) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.calls++
	return f.receipt, f.err
}

func swapData(t *testing.T, sqrtPrice *big.Int) []byte {
	t.Helper()
	data, err := swapABI.Events["Swap"].Inputs.NonIndexed().Pack(
		big.NewInt(-1000),
		big.NewInt(2000),
		sqrtPrice,
		big.NewInt(123456),
		big.NewInt(-200),
	)
	if err != nil {
		t.Fatalf("pack swap data: %v", err)
	}
	return data
}

func newTestDecoder(reader ReceiptReader) *Decoder {
	return NewDecoder(DecoderOptions{PoolAddress: testPool, Reader: reader}, noopLogger())
}

func TestSwapTopicMatchesSignature(t *testing.T) {
	want := common.HexToHash("0xc42079f94a6350d7e6235f29174924f928cc2ac818eb64fed8004e115fbcca67")
	if SwapTopic() != want {
		t.Fatalf("unexpected swap topic %s", SwapTopic().Hex())
	}
}

func TestSqrtPriceX96ToPriceIsExact(t *testing.T) {
	q96 := new(big.Int).Lsh(big.NewInt(1), 96)

	if p := SqrtPriceX96ToPrice(q96); !p.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("2^96 should map to 1, got %s", p)
	}

	threeHalves := new(big.Int).Mul(big.NewInt(3), new(big.Int).Lsh(big.NewInt(1), 95))
	if p := SqrtPriceX96ToPrice(threeHalves); !p.Equal(decimal.RequireFromString("2.25")) {
		t.Fatalf("1.5*2^96 should map to 2.25, got %s", p)
	}

	x, _ := new(big.Int).SetString("1771595571142957102961017161607260", 10)
	want := "499999999.99999999999999999999999996312861661472659753194174400138207117147763654677082914893094979438563013805143057668230357528090022087556727886317690782470857246977402610355056822299957275390625"
	if got := SqrtPriceX96ToPrice(x).String(); got != want {
		t.Fatalf("precision lost:\n got %s\nwant %s", got, want)
	}
}

func TestDecodeExecutionPriceFindsPoolSwapLog(t *testing.T) {
	pool := common.HexToAddress(testPool)
	sqrtPrice := new(big.Int).Lsh(big.NewInt(1), 97)
	reader := &fakeReceipts{receipt: &types.Receipt{Logs: []*types.Log{
		{Address: common.HexToAddress("0x1"), Topics: []common.Hash{swapTopic}, Data: swapData(t, big.NewInt(1))},
		{Address: pool, Topics: []common.Hash{common.HexToHash("0xddf252ad")}, Data: []byte{0x01}},
		{Address: pool, Topics: []common.Hash{swapTopic, common.HexToHash("0xa"), common.HexToHash("0xb")}, Data: swapData(t, sqrtPrice)},
	}}}

	price, ok := newTestDecoder(reader).DecodeExecutionPrice(context.Background(), testHash)
	if !ok {
		t.Fatal("decode should succeed")
	}
	if !price.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected price 4, got %s", price)
	}
}

func TestDecodeExecutionPriceAbsent(t *testing.T) {
	pool := common.HexToAddress(testPool)
	cases := map[string]struct {
		reader *fakeReceipts
		hash   string
	}{
		"rpc error":      {reader: &fakeReceipts{err: errors.New("connection refused")}, hash: testHash},
		"no receipt":     {reader: &fakeReceipts{}, hash: testHash},
		"no swap log":    {reader: &fakeReceipts{receipt: &types.Receipt{Logs: []*types.Log{{Address: pool, Topics: []common.Hash{common.HexToHash("0x1")}}}}}, hash: testHash},
		"corrupt data":   {reader: &fakeReceipts{receipt: &types.Receipt{Logs: []*types.Log{{Address: pool, Topics: []common.Hash{swapTopic}, Data: []byte{0x01, 0x02}}}}}, hash: testHash},
		"malformed hash": {reader: &fakeReceipts{}, hash: "0x1234"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			price, ok := newTestDecoder(tc.reader).DecodeExecutionPrice(context.Background(), tc.hash)
			if ok || !price.IsZero() {
				t.Fatalf("expected absent price, got %s ok=%v", price, ok)
			}
		})
	}
}

func TestDecoderMissingConfig(t *testing.T) {
	d := NewDecoder(DecoderOptions{PoolAddress: testPool}, noopLogger())
	if _, ok := d.DecodeExecutionPrice(context.Background(), testHash); ok {
		t.Fatal("decoder without rpc url must report absent")
	}
}
