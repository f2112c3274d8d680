package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func transferJSON(hash string, ts int64) map[string]string {
	return map[string]string{
		"hash":        hash,
		"blockNumber": "19000000",
		"timeStamp":   strconv.FormatInt(ts, 10),
		"from":        "0xAbC0000000000000000000000000000000000001",
		"to":          "0x0000000000000000000000000000000000000002",
		"gas":         "210000",
		"gasPrice":    "1000000000",
		"gasUsed":     "21000",
	}
}

func newTestEtherscan(url string) *Etherscan {
	return NewEtherscan(EtherscanOptions{
		BaseURL:         url,
		APIKey:          "key",
		ContractAddress: "0xpool",
		Timeout:         time.Second,
	}, noopLogger())
}

func TestEtherscanFetchPageSuccess(t *testing.T) {
	var query map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = map[string]string{}
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "1",
			"message": "OK",
			"result": []map[string]string{
				transferJSON("0x01", 1700000000),
				transferJSON("0x02", 1700000060),
			},
		})
	}))
	defer srv.Close()

	page, err := newTestEtherscan(srv.URL).FetchPage(context.Background(), PageRequest{Page: 3, PageSize: 2, Sort: SortAsc, StartBlock: 10})
	if err != nil {
		t.Fatalf("successful page should not error: %v", err)
	}
	if len(page.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(page.Events))
	}
	if !page.HasMore {
		t.Fatal("a full page should report HasMore")
	}

	ev := page.Events[0]
	if ev.GasUsed != 21000 || ev.GasPrice != 1_000_000_000 || ev.BlockNumber != 19000000 {
		t.Fatalf("numeric fields not parsed: %+v", ev)
	}
	if !ev.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected timestamp %s", ev.Timestamp)
	}
	if ev.From != "0xabc0000000000000000000000000000000000001" {
		t.Fatalf("addresses should be lower-cased, got %s", ev.From)
	}

	want := map[string]string{
		"module":          "account",
		"action":          "tokentx",
		"contractaddress": "0xpool",
		"page":            "3",
		"offset":          "2",
		"sort":            "asc",
		"apikey":          "key",
		"startblock":      "10",
	}
	for k, v := range want {
		if query[k] != v {
			t.Fatalf("query param %s = %q, want %q", k, query[k], v)
		}
	}
	if _, ok := query["endblock"]; ok {
		t.Fatal("zero end block must be omitted")
	}
}

func TestEtherscanShortPageAndMalformedRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bad := transferJSON("0x03", 1700000000)
		bad["gasUsed"] = "not-a-number"
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "1",
			"message": "OK",
			"result":  []map[string]string{transferJSON("0x01", 1700000000), bad},
		})
	}))
	defer srv.Close()

	page, err := newTestEtherscan(srv.URL).FetchPage(context.Background(), PageRequest{Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("malformed record should not fail the page: %v", err)
	}
	if len(page.Events) != 1 || page.Events[0].Hash != "0x01" {
		t.Fatalf("malformed record should be dropped, got %+v", page.Events)
	}
	if page.HasMore {
		t.Fatal("short page must end pagination")
	}
}

func TestEtherscanFaults(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"http 500": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"error status": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "0", "message": "NOTOK", "result": "Max rate limit reached"})
		},
		"result not a list": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "1", "message": "OK", "result": map[string]string{"a": "b"}})
		},
		"not json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			page, err := newTestEtherscan(srv.URL).FetchPage(context.Background(), PageRequest{Page: 1, PageSize: 10})
			if err == nil {
				t.Fatal("expected a fetch fault")
			}
			if page.HasMore || len(page.Events) != 0 {
				t.Fatalf("faulted page must be empty and final: %+v", page)
			}
		})
	}
}

func TestEtherscanNoTransactionsIsEmptyPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "0", "message": "No transactions found", "result": []any{}})
	}))
	defer srv.Close()

	page, err := newTestEtherscan(srv.URL).FetchPage(context.Background(), PageRequest{Page: 9, PageSize: 10})
	if err != nil {
		t.Fatalf("empty result should not be a fault: %v", err)
	}
	if len(page.Events) != 0 || page.HasMore {
		t.Fatalf("expected empty final page, got %+v", page)
	}
}

func TestEtherscanBlockAt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") != "getblocknobytime" || r.URL.Query().Get("closest") != "before" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "1", "message": "OK", "result": "18999999"})
	}))
	defer srv.Close()

	block, err := newTestEtherscan(srv.URL).BlockAt(context.Background(), time.Unix(1700000000, 0), "before")
	if err != nil {
		t.Fatalf("BlockAt should succeed: %v", err)
	}
	if block != 18999999 {
		t.Fatalf("expected block 18999999, got %d", block)
	}

	if _, err := newTestEtherscan(srv.URL).BlockAt(context.Background(), time.Now(), "middle"); err == nil {
		t.Fatal("invalid closest value should error")
	}
}

func TestPageOldest(t *testing.T) {
	base := time.Unix(1700000000, 0)
	page := Page{Events: []TransferEvent{
		{Timestamp: base.Add(2 * time.Minute)},
		{Timestamp: base},
		{Timestamp: base.Add(time.Minute)},
	}}
	oldest, ok := page.Oldest()
	if !ok || !oldest.Equal(base) {
		t.Fatalf("expected oldest %s, got %s", base, oldest)
	}
	if _, ok := (Page{}).Oldest(); ok {
		t.Fatal("empty page has no oldest event")
	}
}
