package history

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kraken-manager/internal/core"
	"kraken-manager/internal/exchange/kraken"
	"kraken-manager/internal/exchange/kraken/krakentest"
	"kraken-manager/internal/store"
	"kraken-manager/internal/symbol"
)

func newKrakenClient(t *testing.T, srv *krakentest.Server) *kraken.Client {
	t.Helper()
	c, err := kraken.NewClient(kraken.Options{
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

func tradeRow(id, pair, side, price string, at float64) krakentest.Row {
	return krakentest.Row{ID: id, Value: map[string]any{
		"ordertxid": "O" + id, "pair": pair, "time": at, "type": side, "ordertype": "limit",
		"price": price, "cost": "0", "fee": "0.26", "vol": "0.5",
	}}
}

func TestTradeSourceFiltersMarketButAdvances(t *testing.T) {
	srv := krakentest.New(t)
	rows := []krakentest.Row{
		tradeRow("T1", "XXBTZUSD", "buy", "30000", 1700000400),
		tradeRow("T2", "XETHZEUR", "sell", "2000", 1700000300),
		tradeRow("T3", "XETHZEUR", "buy", "2001", 1700000200),
		tradeRow("T4", "XXBTZUSD", "sell", "30100", 1700000100),
	}
	srv.Handle("TradesHistory", krakentest.Paged("trades", rows, 2))
	st := store.NewMemory()
	src := &TradeSource{API: newKrakenClient(t, srv), Codec: symbol.New(nil), Market: "BTC_USD"}

	stats, err := NewEngine[core.Trade](src, st, Options{Sleep: (&sleepRecorder{}).sleep}).Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if stats.Inserted != 2 || stats.Offset != 4 {
		t.Fatalf("Sync() = %+v, want 2 inserted to offset 4", stats)
	}
	calls := srv.Calls("TradesHistory")
	if len(calls) != 2 || calls[0].Offset() != 0 || calls[1].Offset() != 2 {
		t.Fatalf("TradesHistory offsets = %v", calls)
	}

	recs := st.Records(core.KindTrade)
	first := recs[0].(core.Trade)
	if first.RefID != "kraken|T1" || first.OrderID != "kraken|OT1" || first.Market != "BTC_USD" || first.Side != core.Bid {
		t.Fatalf("trade = %+v", first)
	}
	if !first.Fee.Equal(decimal.RequireFromString("0.26")) || first.FeeSide != "quote" {
		t.Fatalf("trade fee = %v %s", first.Fee, first.FeeSide)
	}
	if !first.Time.Equal(time.Unix(1700000400, 0)) {
		t.Fatalf("trade time = %v", first.Time)
	}
	if recs[1].(core.Trade).Side != core.Ask {
		t.Fatalf("T4 side = %v, want ask", recs[1].(core.Trade).Side)
	}
}

func ledgerRow(id, refid, typ, asset, amount, fee string, at float64) krakentest.Row {
	return krakentest.Row{ID: id, Value: map[string]any{
		"refid": refid, "time": at, "type": typ, "subtype": "", "aclass": "currency",
		"asset": asset, "amount": amount, "fee": fee, "balance": "10",
	}}
}

func TestCreditSourceNormalizesCommodity(t *testing.T) {
	srv := krakentest.New(t)
	srv.Handle("Ledgers", krakentest.Paged("ledger", []krakentest.Row{
		ledgerRow("L1", "R1", "deposit", "XXBT", "1.25", "0", 1700000000),
		ledgerRow("L2", "R2", "deposit", "ZUSD", "500", "0", 1699990000),
	}, 50))
	page, err := (&CreditSource{API: newKrakenClient(t, srv), Codec: symbol.New(nil)}).Fetch(context.Background(), 0)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if page.Fetched != 2 || page.Count != 2 {
		t.Fatalf("page = %+v", page)
	}
	c := page.Records[0]
	if c.RefID != "kraken|L1" || c.Reference != "R1" || c.Commodity != "BTC" || !c.Amount.Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("credit = %+v", c)
	}
	if page.Records[1].Commodity != "USD" {
		t.Fatalf("credit commodity = %q, want USD", page.Records[1].Commodity)
	}
	if got := srv.Calls("Ledgers")[0].Form.Get("type"); got != "deposit" {
		t.Fatalf("Ledgers type = %q, want deposit", got)
	}
}

func TestDebitSourceStoresMagnitude(t *testing.T) {
	srv := krakentest.New(t)
	srv.Handle("Ledgers", krakentest.Paged("ledger", []krakentest.Row{
		ledgerRow("L9", "W9", "withdrawal", "XETH", "-2.5", "0.005", 1700000000),
	}, 50))
	start := time.Unix(1690000000, 0)
	src := &DebitSource{API: newKrakenClient(t, srv), Codec: symbol.New(nil), Window: Window{Start: start}}
	page, err := src.Fetch(context.Background(), 0)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	d := page.Records[0]
	if d.Commodity != "ETH" || !d.Amount.Equal(decimal.RequireFromString("2.5")) || !d.Fee.Equal(decimal.RequireFromString("0.005")) {
		t.Fatalf("debit = %+v", d)
	}
	form := srv.Calls("Ledgers")[0].Form
	if form.Get("type") != "withdrawal" || form.Get("start") != "1690000000" {
		t.Fatalf("Ledgers form = %v", form)
	}
}

func TestTradeSourceRetriesStaleNonceThroughClient(t *testing.T) {
	srv := krakentest.New(t)
	srv.Script("TradesHistory", krakentest.Fail("EAPI:Invalid nonce"))
	srv.Handle("TradesHistory", krakentest.Paged("trades", []krakentest.Row{
		tradeRow("T1", "XXBTZUSD", "buy", "30000", 1700000000),
	}, 50))
	src := &TradeSource{API: newKrakenClient(t, srv), Codec: symbol.New(nil)}
	page, err := src.Fetch(context.Background(), 0)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(page.Records) != 1 || len(srv.Calls("TradesHistory")) != 2 {
		t.Fatalf("records = %d calls = %d", len(page.Records), len(srv.Calls("TradesHistory")))
	}
}
