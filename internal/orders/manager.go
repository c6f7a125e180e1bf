// Package orders drives local limit orders through pending, open and closed
// against the exchange.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"kraken-manager/internal/alert"
	"kraken-manager/internal/core"
	"kraken-manager/internal/exchange/kraken"
	"kraken-manager/internal/store"
	"kraken-manager/internal/symbol"
	"kraken-manager/internal/telemetry"
)

// Exchange is the order surface of the Kraken client.
type Exchange interface {
	Rules(ctx context.Context, pair string) (core.Rules, error)
	AddOrder(ctx context.Context, req kraken.AddOrderRequest) (kraken.AddOrderResult, error)
	CancelOrder(ctx context.Context, txid string) (int, error)
	OpenOrders(ctx context.Context) (map[string]kraken.OrderInfo, error)
	ClosedOrders(ctx context.Context, q kraken.HistoryQuery) (kraken.ClosedOrders, error)
}

type Options struct {
	Logger *zap.Logger
	Meter  metric.Meter
	Alerts alert.Alerter
}

type Manager struct {
	ex      Exchange
	codec   *symbol.Codec
	store   store.Store
	logger  *zap.Logger
	alerts  alert.Alerter
	actions metric.Int64Counter
}

func NewManager(ex Exchange, codec *symbol.Codec, st store.Store, opts Options) *Manager {
	m := &Manager{
		ex:     ex,
		codec:  codec,
		store:  st,
		logger: telemetry.OrNop(opts.Logger),
		alerts: opts.Alerts,
	}
	meter := opts.Meter
	if meter == nil {
		meter = telemetry.Meter()
	}
	m.actions, _ = meter.Int64Counter("kraken_orders_total",
		metric.WithDescription("Order lifecycle actions by result"),
		metric.WithUnit("{order}"))
	return m
}

// ShouldRequeue reports whether a placement that failed with err is worth
// resubmitting later: the local order was missing and its deadline is still ahead.
func ShouldRequeue(err error, expire, now time.Time) bool {
	return errors.Is(err, core.ErrOrderNotFound) && !expire.IsZero() && now.Before(expire)
}

// Place submits the pending local order id as a limit order. On any failure
// the order stays pending and is returned with the error; the caller owns
// retry and expiry.
func (m *Manager) Place(ctx context.Context, id int64) (core.LocalOrder, error) {
	order, err := m.store.Order(ctx, id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			m.logger.Warn("order_not_found", zap.Int64("id", id))
			return core.LocalOrder{}, fmt.Errorf("place order %d: %w", id, core.ErrOrderNotFound)
		}
		return core.LocalOrder{}, err
	}
	if order.OrderID != "" && !core.IsTempOrderID(order.OrderID) {
		m.logger.Info("order_already_placed", zap.Int64("id", id), zap.String("order_id", order.OrderID))
		return order, nil
	}
	if order.State != core.OrderPending {
		return order, fmt.Errorf("place order %d in state %s: %w", id, order.State, core.ErrInvalidOrder)
	}

	pair := m.codec.ToExchange(order.Market)
	rules, err := m.ex.Rules(ctx, pair)
	if err != nil {
		return order, m.placeFailed(ctx, order, pair, err)
	}
	normalized, err := core.NormalizeOrder(order, rules)
	if err != nil {
		return order, m.placeFailed(ctx, order, pair, err)
	}
	resp, err := m.ex.AddOrder(ctx, kraken.AddOrderRequest{
		Pair:   pair,
		Side:   normalized.Side,
		Price:  normalized.Price,
		Volume: normalized.Amount,
	})
	if err != nil {
		return order, m.placeFailed(ctx, order, pair, err)
	}

	placed := normalized
	placed.OrderID = core.RefID(kraken.ExchangeName, resp.TxIDs[0])
	placed.State = core.OrderOpen
	if err := store.WithTx(ctx, m.store, func(tx store.Tx) error {
		return tx.UpdateOrder(ctx, placed)
	}); err != nil {
		// The exchange holds the order; open-order reconciliation adopts it.
		m.logger.Error("order_persist_failed", zap.Int64("id", id), zap.String("order_id", placed.OrderID), zap.Error(err))
		m.alert("order_persist_failed", map[string]string{
			"id":       fmt.Sprint(id),
			"order_id": placed.OrderID,
			"err":      err.Error(),
		})
		m.count(ctx, "place", "persist_failed")
		return order, err
	}
	m.logger.Info("order_placed",
		zap.Int64("id", id), zap.String("order_id", placed.OrderID),
		zap.String("market", placed.Market), zap.String("side", string(placed.Side)),
		zap.String("price", placed.Price.String()), zap.String("amount", placed.Amount.String()))
	m.count(ctx, "place", "ok")
	return placed, nil
}

func (m *Manager) placeFailed(ctx context.Context, order core.LocalOrder, pair string, err error) error {
	m.logger.Warn("order_place_failed",
		zap.Int64("id", order.ID), zap.String("pair", pair), zap.String("market", order.Market),
		zap.String("side", string(order.Side)), zap.Error(err))
	m.alert("order_place_failed", map[string]string{
		"id":     fmt.Sprint(order.ID),
		"market": order.Market,
		"side":   string(order.Side),
		"price":  order.Price.String(),
		"amount": order.Amount.String(),
		"err":    err.Error(),
	})
	m.count(ctx, "place", "failed")
	return fmt.Errorf("place order %d: %w", order.ID, err)
}

// Cancel cancels the order named by ref. A failed cancel leaves the local
// state alone; the order may already be filled or canceled.
func (m *Manager) Cancel(ctx context.Context, ref core.OrderRef) (core.LocalOrder, error) {
	order, err := m.resolve(ctx, ref)
	if err != nil {
		return core.LocalOrder{}, err
	}
	return m.cancel(ctx, order)
}

func (m *Manager) resolve(ctx context.Context, ref core.OrderRef) (core.LocalOrder, error) {
	var (
		order core.LocalOrder
		err   error
	)
	switch {
	case ref.ID != 0:
		order, err = m.store.Order(ctx, ref.ID)
	case strings.TrimSpace(ref.OrderID) != "":
		order, err = store.OrderByAnyID(ctx, m.store, kraken.ExchangeName, ref.OrderID)
	default:
		return core.LocalOrder{}, fmt.Errorf("cancel: order id required: %w", core.ErrInvalidOrder)
	}
	if errors.Is(err, core.ErrNotFound) {
		return core.LocalOrder{}, fmt.Errorf("cancel %+v: %w", ref, core.ErrOrderNotFound)
	}
	return order, err
}

func (m *Manager) cancel(ctx context.Context, order core.LocalOrder) (core.LocalOrder, error) {
	if order.OrderID == "" || (order.State == core.OrderPending && core.IsTempOrderID(order.OrderID)) {
		return order, fmt.Errorf("cancel order %d: %w", order.ID, core.ErrOrderNotPlaced)
	}
	native := core.NativeID(order.OrderID)
	count, err := m.ex.CancelOrder(ctx, native)
	if err != nil {
		m.logger.Warn("order_cancel_failed", zap.Int64("id", order.ID), zap.String("order_id", order.OrderID), zap.Error(err))
		m.count(ctx, "cancel", "failed")
		return order, fmt.Errorf("cancel order %d: %w", order.ID, err)
	}
	if count <= 0 {
		m.logger.Warn("order_cancel_noop", zap.Int64("id", order.ID), zap.String("order_id", order.OrderID))
		m.count(ctx, "cancel", "noop")
		return order, nil
	}
	closed := order
	closed.State = core.OrderClosed
	closed.OrderID = core.NormalizeOrderID(kraken.ExchangeName, order.OrderID)
	if err := store.WithTx(ctx, m.store, func(tx store.Tx) error {
		return tx.UpdateOrder(ctx, closed)
	}); err != nil {
		m.count(ctx, "cancel", "persist_failed")
		return order, err
	}
	m.logger.Info("order_canceled", zap.Int64("id", order.ID), zap.String("order_id", closed.OrderID))
	m.count(ctx, "cancel", "ok")
	return closed, nil
}

// CancelFiltered cancels every open local order matching filter. A price
// threshold keeps bids priced below it and asks priced above it. Failures are
// collected and do not stop the batch.
func (m *Manager) CancelFiltered(ctx context.Context, filter core.CancelFilter) (core.CancelReport, error) {
	open, err := m.store.Orders(ctx, store.OrderFilter{
		Exchange: kraken.ExchangeName,
		Market:   filter.Market,
		Side:     filter.Side,
		States:   []core.OrderState{core.OrderOpen},
	})
	if err != nil {
		return core.CancelReport{}, err
	}
	report := core.CancelReport{Failed: make(map[string]error)}
	for _, o := range open {
		if !priceMatches(o, filter.Price) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		closed, err := m.cancel(ctx, o)
		if err != nil {
			report.Failed[orderKey(o)] = err
			continue
		}
		if closed.State == core.OrderClosed {
			report.Canceled = append(report.Canceled, closed)
		}
	}
	return report, nil
}

func priceMatches(o core.LocalOrder, threshold *decimal.Decimal) bool {
	if threshold == nil {
		return true
	}
	switch o.Side {
	case core.Bid:
		return !o.Price.LessThan(*threshold)
	case core.Ask:
		return !o.Price.GreaterThan(*threshold)
	default:
		return false
	}
}

func orderKey(o core.LocalOrder) string {
	if o.OrderID != "" {
		return o.OrderID
	}
	return fmt.Sprint(o.ID)
}

// ReconcileOpen mirrors the exchange's open set locally. Orders the exchange
// reports but the store lacks are adopted as open.
func (m *Manager) ReconcileOpen(ctx context.Context) ([]core.LocalOrder, error) {
	remote, err := m.ex.OpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile open orders: %w", err)
	}
	var out []core.LocalOrder
	err = store.WithTx(ctx, m.store, func(tx store.Tx) error {
		out = out[:0]
		for txid, info := range remote {
			o, err := m.upsertRemote(ctx, tx, txid, info, core.OrderOpen)
			if err != nil {
				return err
			}
			out = append(out, o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debug("orders_open_reconciled", zap.Int("open", len(out)))
	return out, nil
}

// ReconcileClosed records the final state of orders the exchange has closed.
func (m *Manager) ReconcileClosed(ctx context.Context, q kraken.HistoryQuery) (int, error) {
	remote, err := m.ex.ClosedOrders(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("reconcile closed orders: %w", err)
	}
	changed := 0
	err = store.WithTx(ctx, m.store, func(tx store.Tx) error {
		changed = 0
		for txid, info := range remote.Closed {
			existing, err := store.OrderByAnyID(ctx, m.store, kraken.ExchangeName, txid)
			if err == nil && existing.State == core.OrderClosed && existing.ExecAmount.Equal(info.VolExec) {
				continue
			}
			if err != nil && !errors.Is(err, core.ErrNotFound) {
				return err
			}
			if _, err := m.upsertRemote(ctx, tx, txid, info, core.OrderClosed); err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.logger.Debug("orders_closed_reconciled", zap.Int("changed", changed), zap.Int("seen", len(remote.Closed)))
	return changed, nil
}

func (m *Manager) upsertRemote(ctx context.Context, tx store.Tx, txid string, info kraken.OrderInfo, state core.OrderState) (core.LocalOrder, error) {
	side, err := info.Side()
	if err != nil {
		return core.LocalOrder{}, fmt.Errorf("order %s: %w", txid, err)
	}
	price := info.Descr.Price
	if price.IsZero() {
		price = info.Price
	}
	existing, err := store.OrderByAnyID(ctx, m.store, kraken.ExchangeName, txid)
	switch {
	case err == nil:
		existing.OrderID = core.RefID(kraken.ExchangeName, txid)
		existing.State = state
		existing.ExecAmount = info.VolExec
		if existing.Amount.IsZero() {
			existing.Amount = info.Volume
		}
		if err := tx.UpdateOrder(ctx, existing); err != nil {
			return core.LocalOrder{}, err
		}
		return existing, nil
	case errors.Is(err, core.ErrNotFound):
		adopted := core.LocalOrder{
			OrderID:    core.RefID(kraken.ExchangeName, txid),
			Exchange:   kraken.ExchangeName,
			Market:     m.codec.ToPlatform(info.Descr.Pair),
			Side:       side,
			Price:      price,
			Amount:     info.Volume,
			ExecAmount: info.VolExec,
			State:      state,
		}
		if t := kraken.EpochTime(info.OpenTime); !t.IsZero() {
			adopted.CreatedAt = t
		}
		if err := tx.InsertOrder(ctx, &adopted); err != nil {
			return core.LocalOrder{}, err
		}
		m.logger.Info("order_adopted", zap.String("order_id", adopted.OrderID), zap.String("state", string(state)))
		return adopted, nil
	default:
		return core.LocalOrder{}, err
	}
}

// Open returns open local orders, optionally on one market.
func (m *Manager) Open(ctx context.Context, market string) ([]core.LocalOrder, error) {
	return m.store.Orders(ctx, store.OrderFilter{
		Exchange: kraken.ExchangeName,
		Market:   market,
		States:   []core.OrderState{core.OrderOpen},
	})
}

func (m *Manager) alert(event string, fields map[string]string) {
	if m.alerts == nil {
		return
	}
	m.alerts.Important(event, fields)
}

func (m *Manager) count(ctx context.Context, action, result string) {
	if m.actions == nil {
		return
	}
	m.actions.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrAction.String(action),
		telemetry.AttrResult.String(result),
	))
}
