package kraken

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kraken-manager/internal/core"
	"kraken-manager/internal/exchange/kraken/krakentest"
)

func newTestClient(t *testing.T, srv *krakentest.Server) *Client {
	t.Helper()
	c, err := NewClient(Options{
		APIKey:    krakentest.APIKey,
		APISecret: krakentest.APISecret,
		BaseURL:   srv.URL,
		Timeout:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestPrivateCallIsSignedAndDecoded(t *testing.T) {
	srv := krakentest.New(t)
	srv.Script("Balance", krakentest.OK(map[string]string{"XXBT": "1.5", "ZUSD": "250.10"}))
	c := newTestClient(t, srv)

	bal, err := c.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if !bal["XXBT"].Equal(decimal.RequireFromString("1.5")) || !bal["ZUSD"].Equal(decimal.RequireFromString("250.10")) {
		t.Fatalf("Balance() = %v", bal)
	}
	calls := srv.Calls("Balance")
	if len(calls) != 1 || !calls[0].Private {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].Form.Get("nonce") == "" {
		t.Fatalf("private call missing nonce")
	}
}

func TestStaleNonceIsRetriedWithFreshNonce(t *testing.T) {
	srv := krakentest.New(t)
	srv.Script("OpenOrders",
		krakentest.Fail("EAPI:Invalid nonce"),
		krakentest.OK(map[string]any{"open": map[string]any{}}),
	)
	c := newTestClient(t, srv)

	if _, err := c.OpenOrders(context.Background()); err != nil {
		t.Fatalf("OpenOrders() error = %v", err)
	}
	calls := srv.Calls("OpenOrders")
	if len(calls) != 2 {
		t.Fatalf("OpenOrders attempts = %d, want 2", len(calls))
	}
	if calls[0].Form.Get("nonce") == calls[1].Form.Get("nonce") {
		t.Fatalf("retry reused nonce %s", calls[0].Form.Get("nonce"))
	}
	if calls[0].Header.Get("API-Sign") == calls[1].Header.Get("API-Sign") {
		t.Fatalf("retry reused signature")
	}
}

func TestDroppedConnectionIsTransientAndRetried(t *testing.T) {
	srv := krakentest.New(t)
	srv.Script("Time",
		krakentest.Response{Drop: true},
		krakentest.Response{Status: 502, Body: "bad gateway"},
		krakentest.OK(map[string]any{"unixtime": 1700000000, "rfc1123": "x"}),
	)
	c := newTestClient(t, srv)

	got, err := c.ServerTime(context.Background())
	if err != nil {
		t.Fatalf("ServerTime() error = %v", err)
	}
	if got.Unix() != 1700000000 {
		t.Fatalf("ServerTime() = %v", got)
	}
	if n := len(srv.Calls("Time")); n != 3 {
		t.Fatalf("Time attempts = %d, want 3", n)
	}
}

func TestRateLimitIsNotRetried(t *testing.T) {
	srv := krakentest.New(t)
	srv.Script("TradesHistory", krakentest.Fail("EAPI:Rate limit exceeded"))
	c := newTestClient(t, srv)

	_, err := c.TradesHistory(context.Background(), HistoryQuery{Offset: 50})
	if !errors.Is(err, core.ErrRateLimited) {
		t.Fatalf("TradesHistory() error = %v, want %v", err, core.ErrRateLimited)
	}
	calls := srv.Calls("TradesHistory")
	if len(calls) != 1 {
		t.Fatalf("attempts = %d, want 1", len(calls))
	}
	if calls[0].Offset() != 50 {
		t.Fatalf("ofs = %d, want 50", calls[0].Offset())
	}
}

func TestAddOrderSendsLimitOrder(t *testing.T) {
	srv := krakentest.New(t)
	srv.Handle("AddOrder", func(call krakentest.Call) krakentest.Response {
		return krakentest.OK(map[string]any{
			"descr": map[string]string{"order": call.Form.Get("type") + " " + call.Form.Get("volume")},
			"txid":  []string{"OABCDE-12345-FGHIJK"},
		})
	})
	c := newTestClient(t, srv)

	res, err := c.AddOrder(context.Background(), AddOrderRequest{
		Pair:   "XXBTZUSD",
		Side:   core.Ask,
		Price:  decimal.RequireFromString("30000.5"),
		Volume: decimal.RequireFromString("0.25"),
	})
	if err != nil {
		t.Fatalf("AddOrder() error = %v", err)
	}
	if len(res.TxIDs) != 1 || res.TxIDs[0] != "OABCDE-12345-FGHIJK" {
		t.Fatalf("AddOrder() txids = %v", res.TxIDs)
	}
	form := srv.Calls("AddOrder")[0].Form
	if form.Get("type") != "sell" || form.Get("ordertype") != "limit" || form.Get("price") != "30000.5" || form.Get("pair") != "XXBTZUSD" {
		t.Fatalf("AddOrder form = %v", form)
	}
}

func TestAddOrderRejectedSurfacesKind(t *testing.T) {
	srv := krakentest.New(t)
	srv.Script("AddOrder", krakentest.Fail("EOrder:Insufficient funds"))
	c := newTestClient(t, srv)

	_, err := c.AddOrder(context.Background(), AddOrderRequest{
		Pair: "XXBTZUSD", Side: core.Bid,
		Price: decimal.RequireFromString("1"), Volume: decimal.RequireFromString("1"),
	})
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("AddOrder() error = %v, want %v", err, core.ErrInsufficientBalance)
	}
	if len(srv.Calls("AddOrder")) != 1 {
		t.Fatalf("rejected order was retried")
	}
}

func TestPrivateCallWithoutCredentials(t *testing.T) {
	c, err := NewClient(Options{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if _, err := c.Balance(context.Background()); err == nil {
		t.Fatalf("Balance() without credentials error = nil")
	}
}

func TestTickerAndDepthDecode(t *testing.T) {
	srv := krakentest.New(t)
	srv.Script("Ticker", krakentest.OK(map[string]any{
		"XXBTZUSD": map[string]any{
			"a": []string{"30001.0", "1", "1.000"},
			"b": []string{"30000.0", "2", "2.000"},
			"c": []string{"30000.5", "0.1"},
			"v": []string{"10", "100"},
			"l": []string{"29000", "28000"},
			"h": []string{"31000", "32000"},
			"o": "29500",
		},
	}))
	srv.Script("Depth", krakentest.OK(map[string]any{
		"XXBTZUSD": map[string]any{
			"asks": [][]any{{"30001.0", "1.5", 1700000000}},
			"bids": [][]any{{"30000.0", "2.5", 1700000001}, {"29999.0", "0.5", 1700000002}},
		},
	}))
	c := newTestClient(t, srv)

	tick, err := c.Ticker(context.Background(), "XBTUSD")
	if err != nil {
		t.Fatalf("Ticker() error = %v", err)
	}
	if tick.Bid[0] != "30000.0" || tick.High[1] != "32000" {
		t.Fatalf("Ticker() = %+v", tick)
	}
	book, err := c.Depth(context.Background(), "XXBTZUSD", 10)
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if len(book.Bids) != 2 || !book.Asks[0].Volume.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("Depth() = %+v", book)
	}
	if book.Bids[1].Time.Unix() != 1700000002 {
		t.Fatalf("bid time = %v", book.Bids[1].Time)
	}
	if srv.Calls("Depth")[0].Form.Get("count") != "10" {
		t.Fatalf("Depth count not sent")
	}
}

func TestRecentTradesAndSpreadKeepLastCursor(t *testing.T) {
	srv := krakentest.New(t)
	srv.Script("Trades", krakentest.OK(map[string]any{
		"XXBTZUSD": [][]any{{"30000.1", "0.5", 1700000000.1234, "s", "l", "", 1}},
		"last":     "1700000000123456789",
	}))
	srv.Script("Spread", krakentest.OK(map[string]any{
		"XXBTZUSD": [][]any{{1700000000, "29999.9", "30000.1"}},
		"last":     1700000000,
	}))
	c := newTestClient(t, srv)

	trades, err := c.RecentTrades(context.Background(), "XXBTZUSD", "")
	if err != nil {
		t.Fatalf("RecentTrades() error = %v", err)
	}
	if trades.Last != "1700000000123456789" || len(trades.Trades) != 1 || trades.Trades[0].Side != core.Ask {
		t.Fatalf("RecentTrades() = %+v", trades)
	}
	spread, err := c.Spread(context.Background(), "XXBTZUSD")
	if err != nil {
		t.Fatalf("Spread() error = %v", err)
	}
	if spread.Last != 1700000000 || len(spread.Entries) != 1 || !spread.Entries[0].Ask.Equal(decimal.RequireFromString("30000.1")) {
		t.Fatalf("Spread() = %+v", spread)
	}
}

func TestRulesFromAssetPairsAreCached(t *testing.T) {
	srv := krakentest.New(t)
	srv.Script("AssetPairs", krakentest.OK(map[string]any{
		"XXBTZUSD": map[string]any{
			"altname": "XBTUSD", "base": "XXBT", "quote": "ZUSD",
			"pair_decimals": 1, "lot_decimals": 8, "ordermin": "0.0001", "costmin": "0.5",
		},
	}))
	c := newTestClient(t, srv)

	for i := 0; i < 2; i++ {
		rules, err := c.Rules(context.Background(), "XXBTZUSD")
		if err != nil {
			t.Fatalf("Rules() error = %v", err)
		}
		if !rules.PriceTick.Equal(decimal.RequireFromString("0.1")) || !rules.MinQty.Equal(decimal.RequireFromString("0.0001")) {
			t.Fatalf("Rules() = %+v", rules)
		}
	}
	if n := len(srv.Calls("AssetPairs")); n != 1 {
		t.Fatalf("AssetPairs calls = %d, want 1", n)
	}
}

func TestLedgersSendsTypeAndWindow(t *testing.T) {
	srv := krakentest.New(t)
	srv.Script("Ledgers", krakentest.OK(map[string]any{
		"ledger": map[string]any{
			"L1": map[string]any{"refid": "R1", "time": 1700000000.5, "type": "deposit", "asset": "XXBT", "amount": "0.1", "fee": "0"},
		},
		"count": 1,
	}))
	c := newTestClient(t, srv)

	start := time.Unix(1690000000, 0)
	res, err := c.Ledgers(context.Background(), HistoryQuery{Type: "deposit", Start: start})
	if err != nil {
		t.Fatalf("Ledgers() error = %v", err)
	}
	if res.Count != 1 || res.Ledger["L1"].RefID != "R1" {
		t.Fatalf("Ledgers() = %+v", res)
	}
	form := srv.Calls("Ledgers")[0].Form
	if form.Get("type") != "deposit" || form.Get("start") != "1690000000" || form.Get("ofs") != "" {
		t.Fatalf("Ledgers form = %v", form)
	}
	if got := EpochTime(res.Ledger["L1"].Time); got.UnixMilli() != 1700000000500 {
		t.Fatalf("EpochTime() = %v", got)
	}
}
