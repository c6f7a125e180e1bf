package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderState string

type RecordKind string

const (
	Bid Side = "bid"
	Ask Side = "ask"
)

const (
	OrderPending OrderState = "pending"
	OrderOpen    OrderState = "open"
	OrderClosed  OrderState = "closed"
)

const (
	KindTrade  RecordKind = "trade"
	KindCredit RecordKind = "credit"
	KindDebit  RecordKind = "debit"
)

// LocalOrder is the connector's view of a limit order. OrderID is empty until
// the exchange confirms placement, or carries a tmp| placeholder set by the host.
type LocalOrder struct {
	ID         int64           `json:"id"`
	OrderID    string          `json:"order_id,omitempty"`
	Exchange   string          `json:"exchange"`
	Market     string          `json:"market"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	ExecAmount decimal.Decimal `json:"exec_amount"`
	State      OrderState      `json:"state"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Remaining is the part of the order not yet executed.
func (o LocalOrder) Remaining() decimal.Decimal {
	rem := o.Amount.Sub(o.ExecAmount)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Record is an immutable historical ledger row keyed by its reference id.
type Record interface {
	Kind() RecordKind
	ReferenceID() string
	OccurredAt() time.Time
}

type Trade struct {
	RefID    string          `json:"ref_id"`
	OrderID  string          `json:"order_id,omitempty"`
	Exchange string          `json:"exchange"`
	Market   string          `json:"market"`
	Side     Side            `json:"side"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"`
	FeeSide  string          `json:"fee_side"`
	Time     time.Time       `json:"time"`
}

func (t Trade) Kind() RecordKind      { return KindTrade }
func (t Trade) ReferenceID() string   { return t.RefID }
func (t Trade) OccurredAt() time.Time { return t.Time }

// Credit is a deposit ledger entry.
type Credit struct {
	RefID     string          `json:"ref_id"`
	Reference string          `json:"reference"`
	Exchange  string          `json:"exchange"`
	Commodity string          `json:"commodity"`
	Amount    decimal.Decimal `json:"amount"`
	State     string          `json:"state"`
	Time      time.Time       `json:"time"`
}

func (c Credit) Kind() RecordKind      { return KindCredit }
func (c Credit) ReferenceID() string   { return c.RefID }
func (c Credit) OccurredAt() time.Time { return c.Time }

// Debit is a withdrawal ledger entry.
type Debit struct {
	RefID     string          `json:"ref_id"`
	Reference string          `json:"reference"`
	Exchange  string          `json:"exchange"`
	Commodity string          `json:"commodity"`
	Amount    decimal.Decimal `json:"amount"`
	Fee       decimal.Decimal `json:"fee"`
	State     string          `json:"state"`
	Time      time.Time       `json:"time"`
}

func (d Debit) Kind() RecordKind      { return KindDebit }
func (d Debit) ReferenceID() string   { return d.RefID }
func (d Debit) OccurredAt() time.Time { return d.Time }

type BalanceEntry struct {
	Commodity string          `json:"commodity"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Ticker struct {
	Exchange string          `json:"exchange"`
	Market   string          `json:"market"`
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Volume   decimal.Decimal `json:"volume"`
	Last     decimal.Decimal `json:"last"`
	Time     time.Time       `json:"time"`
}

type BookLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
	Time   time.Time
}

type OrderBook struct {
	Market string
	Bids   []BookLevel
	Asks   []BookLevel
}

type DepositAddress struct {
	Commodity string
	Address   string
	Expires   time.Time
	New       bool
}

// OrderRef names an order either by local id or by compound order id.
type OrderRef struct {
	ID      int64
	OrderID string
}

// CancelFilter selects open orders for batch cancellation. Zero fields match everything.
type CancelFilter struct {
	Market string
	Side   Side
	Price  *decimal.Decimal
}

type CancelReport struct {
	Canceled []LocalOrder
	Failed   map[string]error
}

// SyncStats summarises one history sync run.
type SyncStats struct {
	Kind       RecordKind `json:"kind"`
	Pages      int        `json:"pages"`
	Fetched    int        `json:"fetched"`
	Inserted   int        `json:"inserted"`
	Duplicates int        `json:"duplicates"`
	Stalls     int        `json:"stalls"`
	Offset     int        `json:"offset"`
	Resumed    bool       `json:"resumed"`
}
