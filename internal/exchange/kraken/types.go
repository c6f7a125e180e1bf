package kraken

import (
	"fmt"
	"math"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"kraken-manager/internal/core"
)

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// APIError carries the E-prefixed messages of one failed call.
type APIError struct {
	Method   string
	Messages []string
}

func (e APIError) Error() string {
	return "kraken api error " + e.Method + ": " + strings.Join(e.Messages, "; ")
}

// TickerInfo is one pair of the public Ticker result. Arrays hold
// [today, last 24 hours] except Ask/Bid/Last which lead with the price.
type TickerInfo struct {
	Ask    []string `json:"a"`
	Bid    []string `json:"b"`
	Last   []string `json:"c"`
	Volume []string `json:"v"`
	VWAP   []string `json:"p"`
	Trades []int64  `json:"t"`
	Low    []string `json:"l"`
	High   []string `json:"h"`
	Open   string   `json:"o"`
}

// Level is an order book entry decoded from [price, volume, timestamp].
type Level struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
	Time   time.Time
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return fmt.Errorf("book level: want at least 2 fields, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &l.Price); err != nil {
		return fmt.Errorf("book level price: %w", err)
	}
	if err := json.Unmarshal(raw[1], &l.Volume); err != nil {
		return fmt.Errorf("book level volume: %w", err)
	}
	if len(raw) > 2 {
		ts, err := epochField(raw[2])
		if err != nil {
			return fmt.Errorf("book level time: %w", err)
		}
		l.Time = ts
	}
	return nil
}

type Depth struct {
	Asks []Level `json:"asks"`
	Bids []Level `json:"bids"`
}

// PublicTrade is one row of the public Trades result.
type PublicTrade struct {
	Price     decimal.Decimal
	Volume    decimal.Decimal
	Time      time.Time
	Side      core.Side
	OrderType string
}

func (t *PublicTrade) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 5 {
		return fmt.Errorf("public trade: want at least 5 fields, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &t.Price); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &t.Volume); err != nil {
		return err
	}
	ts, err := epochField(raw[2])
	if err != nil {
		return err
	}
	t.Time = ts
	var side, otype string
	if err := json.Unmarshal(raw[3], &side); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[4], &otype); err != nil {
		return err
	}
	if side == "s" {
		t.Side = core.Ask
	} else {
		t.Side = core.Bid
	}
	if otype == "m" {
		t.OrderType = "market"
	} else {
		t.OrderType = "limit"
	}
	return nil
}

type RecentTrades struct {
	Pair   string
	Trades []PublicTrade
	Last   string
}

// SpreadEntry is one row of the public Spread result: [time, bid, ask].
type SpreadEntry struct {
	Time time.Time
	Bid  decimal.Decimal
	Ask  decimal.Decimal
}

func (s *SpreadEntry) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("spread: want 3 fields, got %d", len(raw))
	}
	ts, err := epochField(raw[0])
	if err != nil {
		return err
	}
	s.Time = ts
	if err := json.Unmarshal(raw[1], &s.Bid); err != nil {
		return err
	}
	return json.Unmarshal(raw[2], &s.Ask)
}

type Spread struct {
	Pair    string
	Entries []SpreadEntry
	Last    int64
}

type serverTime struct {
	UnixTime int64  `json:"unixtime"`
	RFC1123  string `json:"rfc1123"`
}

type AssetInfo struct {
	Class           string `json:"aclass"`
	AltName         string `json:"altname"`
	Decimals        int32  `json:"decimals"`
	DisplayDecimals int32  `json:"display_decimals"`
	Status          string `json:"status"`
}

type PairInfo struct {
	AltName      string          `json:"altname"`
	WSName       string          `json:"wsname"`
	Base         string          `json:"base"`
	Quote        string          `json:"quote"`
	PairDecimals int32           `json:"pair_decimals"`
	LotDecimals  int32           `json:"lot_decimals"`
	OrderMin     decimal.Decimal `json:"ordermin"`
	CostMin      decimal.Decimal `json:"costmin"`
	Status       string          `json:"status"`
}

// Rules converts the pair metadata into order normalization rules.
func (p PairInfo) Rules() core.Rules {
	return core.RulesFromDecimals(p.PairDecimals, p.LotDecimals, p.OrderMin, p.CostMin)
}

type OrderDescr struct {
	Pair      string          `json:"pair"`
	Type      string          `json:"type"`
	OrderType string          `json:"ordertype"`
	Price     decimal.Decimal `json:"price"`
	Order     string          `json:"order"`
}

// OrderInfo is one entry of OpenOrders or ClosedOrders.
type OrderInfo struct {
	Status    string          `json:"status"`
	OpenTime  float64         `json:"opentm"`
	CloseTime float64         `json:"closetm"`
	Descr     OrderDescr      `json:"descr"`
	Volume    decimal.Decimal `json:"vol"`
	VolExec   decimal.Decimal `json:"vol_exec"`
	Cost      decimal.Decimal `json:"cost"`
	Fee       decimal.Decimal `json:"fee"`
	Price     decimal.Decimal `json:"price"`
	Reason    string          `json:"reason"`
}

// Side maps the buy/sell vocabulary onto bid/ask.
func (o OrderInfo) Side() (core.Side, error) {
	return sideFromKraken(o.Descr.Type)
}

type openOrdersResult struct {
	Open map[string]OrderInfo `json:"open"`
}

type ClosedOrders struct {
	Closed map[string]OrderInfo `json:"closed"`
	Count  int                  `json:"count"`
}

// AddOrderRequest is a limit order in exchange vocabulary.
type AddOrderRequest struct {
	Pair     string
	Side     core.Side
	Price    decimal.Decimal
	Volume   decimal.Decimal
	Validate bool
}

type AddOrderResult struct {
	Descr struct {
		Order string `json:"order"`
	} `json:"descr"`
	TxIDs []string `json:"txid"`
}

type cancelResult struct {
	Count   int  `json:"count"`
	Pending bool `json:"pending"`
}

// TradeInfo is one entry of TradesHistory.
type TradeInfo struct {
	OrderTxID string          `json:"ordertxid"`
	PosTxID   string          `json:"postxid"`
	Pair      string          `json:"pair"`
	Time      float64         `json:"time"`
	Type      string          `json:"type"`
	OrderType string          `json:"ordertype"`
	Price     decimal.Decimal `json:"price"`
	Cost      decimal.Decimal `json:"cost"`
	Fee       decimal.Decimal `json:"fee"`
	Volume    decimal.Decimal `json:"vol"`
}

func (t TradeInfo) Side() (core.Side, error) {
	return sideFromKraken(t.Type)
}

type TradesHistory struct {
	Trades map[string]TradeInfo `json:"trades"`
	Count  int                  `json:"count"`
}

// LedgerEntry is one entry of Ledgers.
type LedgerEntry struct {
	RefID   string          `json:"refid"`
	Time    float64         `json:"time"`
	Type    string          `json:"type"`
	SubType string          `json:"subtype"`
	Class   string          `json:"aclass"`
	Asset   string          `json:"asset"`
	Amount  decimal.Decimal `json:"amount"`
	Fee     decimal.Decimal `json:"fee"`
	Balance decimal.Decimal `json:"balance"`
}

type Ledgers struct {
	Ledger map[string]LedgerEntry `json:"ledger"`
	Count  int                    `json:"count"`
}

// HistoryQuery pages TradesHistory and Ledgers. Zero times are omitted.
type HistoryQuery struct {
	Offset int
	Start  time.Time
	End    time.Time
	// Type filters Ledgers: all, deposit, withdrawal, trade.
	Type string
}

type DepositMethod struct {
	Method     string `json:"method"`
	Limit      any    `json:"limit"`
	Fee        string `json:"fee"`
	GenAddress bool   `json:"gen-address"`
}

type DepositAddressInfo struct {
	Address  string `json:"address"`
	ExpireTm string `json:"expiretm"`
	New      bool   `json:"new"`
}

func sideFromKraken(v string) (core.Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "buy":
		return core.Bid, nil
	case "sell":
		return core.Ask, nil
	default:
		return "", fmt.Errorf("%w: unknown side %q", core.ErrMalformedResponse, v)
	}
}

func krakenSide(side core.Side) (string, error) {
	switch side {
	case core.Bid:
		return "buy", nil
	case core.Ask:
		return "sell", nil
	default:
		return "", fmt.Errorf("%w: side %q", core.ErrInvalidOrder, side)
	}
}

// EpochTime converts the exchange's fractional epoch seconds.
func EpochTime(sec float64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

func epochField(raw json.RawMessage) (time.Time, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return EpochTime(f), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return time.Time{}, err
	}
	f, _ = d.Float64()
	return EpochTime(f), nil
}
