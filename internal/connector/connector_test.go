package connector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kraken-manager/internal/config"
	"kraken-manager/internal/core"
	"kraken-manager/internal/exchange/kraken"
	"kraken-manager/internal/exchange/kraken/krakentest"
	"kraken-manager/internal/store"
)

var fixedNow = time.Unix(1700000000, 0).UTC()

func noSleep(context.Context, time.Duration) error { return nil }

func newTestConnector(t *testing.T) (*Connector, *krakentest.Server, *store.Memory) {
	t.Helper()
	srv := krakentest.New(t)
	client, err := kraken.NewClient(kraken.Options{
		APIKey:    krakentest.APIKey,
		APISecret: krakentest.APISecret,
		BaseURL:   srv.URL,
		Timeout:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	st := store.NewMemory()
	c, err := New(Deps{
		Client:  client,
		Store:   st,
		History: HistorySettings{Sleep: noSleep},
		Now:     func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, srv, st
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func handleBTCUSDPair(srv *krakentest.Server) {
	srv.Handle("AssetPairs", func(krakentest.Call) krakentest.Response {
		return krakentest.OK(map[string]any{"XXBTZUSD": map[string]any{
			"altname": "XBTUSD", "base": "XXBT", "quote": "ZUSD",
			"pair_decimals": 1, "lot_decimals": 8, "ordermin": "0.0001", "costmin": "0.5",
		}})
	})
}

func TestNewRequiresClientAndStore(t *testing.T) {
	if _, err := New(Deps{Store: store.NewMemory()}); err == nil {
		t.Fatalf("New() without client succeeded")
	}
	client, _ := kraken.NewClient(kraken.Options{})
	if _, err := New(Deps{Client: client}); err == nil {
		t.Fatalf("New() without store succeeded")
	}
}

func TestSyncTickerCachesSnapshot(t *testing.T) {
	ctx := context.Background()
	c, srv, _ := newTestConnector(t)
	srv.Script("Ticker", krakentest.OK(map[string]any{"XXBTZUSD": map[string]any{
		"a": []string{"30001.0", "1", "1.000"},
		"b": []string{"30000.0", "2", "2.000"},
		"c": []string{"30000.5", "0.1"},
		"v": []string{"10", "100"},
		"p": []string{"30000", "29900"},
		"t": []int64{5, 50},
		"l": []string{"29000", "28000"},
		"h": []string{"31000", "32000"},
		"o": "29500",
	}}))

	got, err := c.SyncTicker(ctx, "btc_usd")
	if err != nil {
		t.Fatalf("SyncTicker() error = %v", err)
	}
	if q := srv.Calls("Ticker")[0].Form.Get("pair"); q != "XXBTZUSD" {
		t.Fatalf("Ticker pair = %q, want XXBTZUSD", q)
	}
	if !got.Bid.Equal(dec("30000")) || !got.Ask.Equal(dec("30001")) || !got.High.Equal(dec("32000")) ||
		!got.Low.Equal(dec("28000")) || !got.Volume.Equal(dec("100")) || !got.Last.Equal(dec("30000.5")) {
		t.Fatalf("SyncTicker() = %+v", got)
	}
	cached, err := c.CachedTicker(ctx, "BTC_USD")
	if err != nil || !cached.Last.Equal(got.Last) || !cached.Time.Equal(fixedNow) {
		t.Fatalf("CachedTicker() = %+v, %v", cached, err)
	}
}

func TestSyncTickerRejectsShortFields(t *testing.T) {
	c, srv, _ := newTestConnector(t)
	srv.Script("Ticker", krakentest.OK(map[string]any{"XXBTZUSD": map[string]any{
		"a": []string{"1"}, "b": []string{"1"}, "c": []string{"1"}, "v": []string{"1"}, "l": []string{"1"}, "h": []string{"1"},
	}}))
	if _, err := c.SyncTicker(context.Background(), "BTC_USD"); !errors.Is(err, core.ErrMalformedResponse) {
		t.Fatalf("SyncTicker() error = %v, want %v", err, core.ErrMalformedResponse)
	}
}

func TestOrderFlowThroughConnector(t *testing.T) {
	ctx := context.Background()
	c, srv, st := newTestConnector(t)
	handleBTCUSDPair(srv)
	srv.Script("AddOrder", krakentest.OK(map[string]any{"txid": []string{"OA1"}}))
	srv.Handle("OpenOrders", func(krakentest.Call) krakentest.Response {
		return krakentest.OK(map[string]any{"open": map[string]any{
			"OA1": map[string]any{"status": "open", "opentm": 1700000000.1,
				"descr": map[string]any{"pair": "XBTUSD", "type": "buy", "ordertype": "limit", "price": "100"},
				"vol":   "1", "vol_exec": "0"},
		}})
	})
	srv.Handle("CancelOrder", func(krakentest.Call) krakentest.Response {
		return krakentest.OK(map[string]any{"count": 1})
	})

	pending := core.LocalOrder{Exchange: "kraken", Market: "BTC_USD", Side: core.Bid, State: core.OrderPending,
		Price: dec("100"), Amount: dec("1")}
	if err := store.WithTx(ctx, st, func(tx store.Tx) error { return tx.InsertOrder(ctx, &pending) }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	placed, err := c.CreateOrder(ctx, pending.ID, time.Time{})
	if err != nil || placed.OrderID != "kraken|OA1" {
		t.Fatalf("CreateOrder() = %+v, %v", placed, err)
	}

	open, err := c.OpenOrders(ctx, "BTC_USD")
	if err != nil || len(open) != 1 || open[0].ID != pending.ID {
		t.Fatalf("OpenOrders() = %+v, %v", open, err)
	}
	if other, _ := c.OpenOrders(ctx, "ETH_USD"); len(other) != 0 {
		t.Fatalf("OpenOrders(ETH_USD) = %+v, want none", other)
	}

	report, err := c.CancelOrders(ctx, core.CancelFilter{Market: "BTC_USD"})
	if err != nil || len(report.Canceled) != 1 {
		t.Fatalf("CancelOrders() = %+v, %v", report, err)
	}
	stored, _ := st.Order(ctx, pending.ID)
	if stored.State != core.OrderClosed {
		t.Fatalf("state = %s, want closed", stored.State)
	}
}

func TestCreateOrderAdvisesRequeue(t *testing.T) {
	c, _, _ := newTestConnector(t)
	_, err := c.CreateOrder(context.Background(), 99, fixedNow.Add(time.Minute))
	if !errors.Is(err, ErrRequeue) || !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("CreateOrder() error = %v, want requeue of missing order", err)
	}
	_, err = c.CreateOrder(context.Background(), 99, fixedNow.Add(-time.Minute))
	if errors.Is(err, ErrRequeue) || !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("CreateOrder(expired) error = %v, want plain not found", err)
	}
}

func TestCreateOrderRejectedIsNotRequeued(t *testing.T) {
	ctx := context.Background()
	c, srv, st := newTestConnector(t)
	handleBTCUSDPair(srv)
	srv.Script("AddOrder", krakentest.Fail("EOrder:Invalid order"))
	o := core.LocalOrder{Exchange: "kraken", Market: "BTC_USD", Side: core.Ask, State: core.OrderPending,
		Price: dec("30000"), Amount: dec("0.5")}
	if err := store.WithTx(ctx, st, func(tx store.Tx) error { return tx.InsertOrder(ctx, &o) }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := c.CreateOrder(ctx, o.ID, fixedNow.Add(time.Hour))
	if !errors.Is(err, core.ErrOrderRejected) || errors.Is(err, ErrRequeue) {
		t.Fatalf("CreateOrder() error = %v, want rejection without requeue", err)
	}
	if got.State != core.OrderPending {
		t.Fatalf("CreateOrder() state = %s, want pending", got.State)
	}
}

func TestSyncOrdersClosesBeforeOpen(t *testing.T) {
	ctx := context.Background()
	c, srv, st := newTestConnector(t)
	srv.Script("ClosedOrders", krakentest.OK(map[string]any{"count": 1, "closed": map[string]any{
		"OC1": map[string]any{"status": "closed", "descr": map[string]any{"pair": "XXBTZUSD", "type": "sell", "price": "200"},
			"vol": "2", "vol_exec": "2"},
	}}))
	srv.Script("OpenOrders", krakentest.OK(map[string]any{"open": map[string]any{}}))
	if err := c.SyncOrders(ctx); err != nil {
		t.Fatalf("SyncOrders() error = %v", err)
	}
	calls := srv.Calls("")
	if len(calls) != 2 || calls[0].Method != "ClosedOrders" || calls[1].Method != "OpenOrders" {
		t.Fatalf("calls = %+v", calls)
	}
	o, err := st.OrderByOrderID(ctx, "kraken|OC1")
	if err != nil || o.State != core.OrderClosed || o.Side != core.Ask {
		t.Fatalf("closed order = %+v, %v", o, err)
	}
}

func TestSyncBalances(t *testing.T) {
	c, srv, _ := newTestConnector(t)
	srv.Script("Balance", krakentest.OK(map[string]string{"XXBT": "2", "ZUSD": "500"}))
	entries, err := c.SyncBalances(context.Background())
	if err != nil || len(entries) != 2 {
		t.Fatalf("SyncBalances() = %+v, %v", entries, err)
	}
	if entries[0].Commodity != "BTC" || !entries[0].Available.Equal(dec("2")) {
		t.Fatalf("entries[0] = %+v", entries[0])
	}
}

func ledgerRow(id, typ, asset, amount string, at float64) krakentest.Row {
	return krakentest.Row{ID: id, Value: map[string]any{
		"refid": "R" + id, "time": at, "type": typ, "asset": asset, "amount": amount, "fee": "0", "balance": "0",
	}}
}

func TestSyncHistoryRunsAllKinds(t *testing.T) {
	ctx := context.Background()
	c, srv, st := newTestConnector(t)
	srv.Handle("TradesHistory", krakentest.Paged("trades", []krakentest.Row{
		{ID: "T1", Value: map[string]any{"ordertxid": "O1", "pair": "XXBTZUSD", "time": 1700000000.0, "type": "buy",
			"price": "100", "vol": "1", "fee": "0.1", "cost": "100"}},
	}, 50))
	deposits := krakentest.Paged("ledger", []krakentest.Row{
		ledgerRow("L1", "deposit", "ZUSD", "1000", 1699000000),
		ledgerRow("L2", "deposit", "XXBT", "1", 1699000100),
	}, 50)
	withdrawals := krakentest.Paged("ledger", []krakentest.Row{
		ledgerRow("L3", "withdrawal", "XETH", "-3", 1699500000),
	}, 50)
	srv.Handle("Ledgers", func(call krakentest.Call) krakentest.Response {
		if call.Form.Get("type") == "withdrawal" {
			return withdrawals(call)
		}
		return deposits(call)
	})

	stats, err := c.SyncHistory(ctx, false)
	if err != nil {
		t.Fatalf("SyncHistory() error = %v", err)
	}
	want := []int{1, 2, 1}
	for i, s := range stats {
		if s.Inserted != want[i] {
			t.Fatalf("stats[%d] = %+v, want %d inserted", i, s, want[i])
		}
	}
	for kind, n := range map[core.RecordKind]int{core.KindTrade: 1, core.KindCredit: 2, core.KindDebit: 1} {
		if got, _ := st.Count(ctx, kind); got != n {
			t.Fatalf("Count(%s) = %d, want %d", kind, got, n)
		}
	}

	again, err := c.SyncHistory(ctx, false)
	if err != nil {
		t.Fatalf("second SyncHistory() error = %v", err)
	}
	for i, s := range again {
		if s.Inserted != 0 {
			t.Fatalf("second run stats[%d] = %+v, want nothing inserted", i, s)
		}
	}
}

func TestSyncHistoryReportsFailingKind(t *testing.T) {
	c, srv, _ := newTestConnector(t)
	srv.Handle("TradesHistory", func(krakentest.Call) krakentest.Response {
		return krakentest.Fail("EGeneral:Permission denied")
	})
	srv.Handle("Ledgers", krakentest.Paged("ledger", nil, 50))
	_, err := c.SyncHistory(context.Background(), false)
	if err == nil || !errors.Is(err, core.ErrExchange) {
		t.Fatalf("SyncHistory() error = %v, want exchange error", err)
	}
}

func TestOrderBook(t *testing.T) {
	c, srv, _ := newTestConnector(t)
	srv.Script("Depth", krakentest.OK(map[string]any{"XXBTZUSD": map[string]any{
		"asks": [][]any{{"30001.0", "1.5", 1700000000}},
		"bids": [][]any{{"30000.0", "2.0", 1700000001}, {"29999.0", "1.0", 1700000002}},
	}}))
	book, err := c.OrderBook(context.Background(), "BTC_USD", 10)
	if err != nil {
		t.Fatalf("OrderBook() error = %v", err)
	}
	if len(book.Bids) != 2 || len(book.Asks) != 1 || !book.Asks[0].Price.Equal(dec("30001")) {
		t.Fatalf("OrderBook() = %+v", book)
	}
	if got := srv.Calls("Depth")[0].Form.Get("count"); got != "10" {
		t.Fatalf("Depth count = %q, want 10", got)
	}
}

func TestDepositAddressGeneratesWhenMissing(t *testing.T) {
	c, srv, _ := newTestConnector(t)
	srv.Script("DepositMethods", krakentest.OK([]map[string]any{{"method": "Bitcoin", "fee": "0", "gen-address": true}}))
	srv.Script("DepositAddresses",
		krakentest.OK([]map[string]any{}),
		krakentest.OK([]map[string]any{{"address": "bc1qexample", "expiretm": "0", "new": true}}),
	)
	addr, err := c.DepositAddress(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("DepositAddress() error = %v", err)
	}
	if addr.Address != "bc1qexample" || addr.Commodity != "BTC" || !addr.New || !addr.Expires.IsZero() {
		t.Fatalf("DepositAddress() = %+v", addr)
	}
	calls := srv.Calls("DepositAddresses")
	if len(calls) != 2 || calls[0].Form.Get("new") != "" || calls[1].Form.Get("new") != "true" {
		t.Fatalf("DepositAddresses calls = %+v", calls)
	}
	if calls[0].Form.Get("asset") != "XXBT" || calls[0].Form.Get("method") != "Bitcoin" {
		t.Fatalf("DepositAddresses form = %v", calls[0].Form)
	}
}

func TestLearnPairsRegistersExactNames(t *testing.T) {
	c, srv, _ := newTestConnector(t)
	srv.Script("AssetPairs", krakentest.OK(map[string]any{
		"DOTUSD": map[string]any{"altname": "DOTUSD", "base": "DOT", "quote": "ZUSD"},
		"XDGEUR": map[string]any{"altname": "XDGEUR", "base": "XXDG", "quote": "ZEUR"},
	}))
	n, err := c.LearnPairs(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("LearnPairs() = %d, %v", n, err)
	}
	if got := c.Codec().ToExchange("DOGE_EUR"); got != "XDGEUR" {
		t.Fatalf("ToExchange(DOGE_EUR) = %q, want XDGEUR", got)
	}
	if got := c.Codec().ToPlatform("DOTUSD"); got != "DOT_USD" {
		t.Fatalf("ToPlatform(DOTUSD) = %q, want DOT_USD", got)
	}
}

func TestOpenFromConfigUsesFileStoreAndLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "exchange:\n  api_key: k\n  api_secret: " + krakentest.APISecret + "\nstate:\n  dir: " + dir + "\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(config.EnvAPIKey, "")
	os.Unsetenv(config.EnvAPIKey)
	t.Setenv(config.EnvAPISecret, "")
	os.Unsetenv(config.EnvAPISecret)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	c, err := Open(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := os.Stat(store.KeyLockPath(dir, "k")); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
	if _, err := Open(context.Background(), cfg, nil, nil); err == nil {
		t.Fatalf("second Open() with the same key succeeded")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(store.KeyLockPath(dir, "k")); !os.IsNotExist(err) {
		t.Fatalf("lock file after Close: %v", err)
	}
}

func TestKeyFingerprint(t *testing.T) {
	if KeyFingerprint("") != "" {
		t.Fatalf("KeyFingerprint(\"\") not empty")
	}
	fp := KeyFingerprint("secret-key")
	if len(fp) != len("key:")+8 || fp == KeyFingerprint("other-key") {
		t.Fatalf("KeyFingerprint() = %q", fp)
	}
}
