package kraken

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"kraken-manager/internal/core"
)

// Balance returns total balances keyed by exchange asset code.
func (c *Client) Balance(ctx context.Context) (map[string]decimal.Decimal, error) {
	var resp map[string]decimal.Decimal
	if err := c.call(ctx, "Balance", nil, AuthSigned, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// OpenOrders returns open orders keyed by native transaction id.
func (c *Client) OpenOrders(ctx context.Context) (map[string]OrderInfo, error) {
	var resp openOrdersResult
	if err := c.call(ctx, "OpenOrders", nil, AuthSigned, &resp); err != nil {
		return nil, err
	}
	if resp.Open == nil {
		resp.Open = map[string]OrderInfo{}
	}
	return resp.Open, nil
}

func (c *Client) ClosedOrders(ctx context.Context, q HistoryQuery) (ClosedOrders, error) {
	var resp ClosedOrders
	if err := c.call(ctx, "ClosedOrders", historyParams(q), AuthSigned, &resp); err != nil {
		return ClosedOrders{}, err
	}
	if resp.Closed == nil {
		resp.Closed = map[string]OrderInfo{}
	}
	return resp, nil
}

// AddOrder submits a limit order. Rate limits and rejections are returned
// without retry so a single placement never loops.
func (c *Client) AddOrder(ctx context.Context, req AddOrderRequest) (AddOrderResult, error) {
	side, err := krakenSide(req.Side)
	if err != nil {
		return AddOrderResult{}, err
	}
	if req.Pair == "" || !req.Price.IsPositive() || !req.Volume.IsPositive() {
		return AddOrderResult{}, fmt.Errorf("%w: pair, price and volume required", core.ErrInvalidOrder)
	}
	params := url.Values{}
	params.Set("pair", req.Pair)
	params.Set("type", side)
	params.Set("ordertype", "limit")
	params.Set("price", req.Price.String())
	params.Set("volume", req.Volume.String())
	if req.Validate {
		params.Set("validate", "true")
	}
	var resp AddOrderResult
	if err := c.call(ctx, "AddOrder", params, AuthSigned, &resp); err != nil {
		return AddOrderResult{}, err
	}
	if len(resp.TxIDs) == 0 && !req.Validate {
		return AddOrderResult{}, fmt.Errorf("kraken AddOrder: no txid: %w", core.ErrMalformedResponse)
	}
	return resp, nil
}

// CancelOrder cancels by native transaction id and returns the number of
// orders the exchange canceled.
func (c *Client) CancelOrder(ctx context.Context, txid string) (int, error) {
	params := url.Values{}
	params.Set("txid", txid)
	var resp cancelResult
	if err := c.call(ctx, "CancelOrder", params, AuthSigned, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) TradesHistory(ctx context.Context, q HistoryQuery) (TradesHistory, error) {
	var resp TradesHistory
	if err := c.call(ctx, "TradesHistory", historyParams(q), AuthSigned, &resp); err != nil {
		return TradesHistory{}, err
	}
	return resp, nil
}

func (c *Client) Ledgers(ctx context.Context, q HistoryQuery) (Ledgers, error) {
	params := historyParams(q)
	ltype := q.Type
	if ltype == "" {
		ltype = "all"
	}
	params.Set("type", ltype)
	var resp Ledgers
	if err := c.call(ctx, "Ledgers", params, AuthSigned, &resp); err != nil {
		return Ledgers{}, err
	}
	return resp, nil
}

func (c *Client) DepositMethods(ctx context.Context, asset string) ([]DepositMethod, error) {
	params := url.Values{}
	params.Set("asset", asset)
	var resp []DepositMethod
	if err := c.call(ctx, "DepositMethods", params, AuthSigned, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DepositAddresses lists deposit addresses for asset via method. With
// generate set the exchange creates a new address.
func (c *Client) DepositAddresses(ctx context.Context, asset, method string, generate bool) ([]DepositAddressInfo, error) {
	params := url.Values{}
	params.Set("asset", asset)
	params.Set("method", method)
	if generate {
		params.Set("new", "true")
	}
	var resp []DepositAddressInfo
	if err := c.call(ctx, "DepositAddresses", params, AuthSigned, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func historyParams(q HistoryQuery) url.Values {
	params := url.Values{}
	if q.Offset > 0 {
		params.Set("ofs", strconv.Itoa(q.Offset))
	}
	if !q.Start.IsZero() {
		params.Set("start", unixString(q.Start))
	}
	if !q.End.IsZero() {
		params.Set("end", unixString(q.End))
	}
	return params
}

func unixString(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
