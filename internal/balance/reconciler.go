// Package balance derives available balances from exchange totals and the
// reservations of open local orders.
package balance

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kraken-manager/internal/core"
	"kraken-manager/internal/exchange/kraken"
	"kraken-manager/internal/store"
	"kraken-manager/internal/symbol"
	"kraken-manager/internal/telemetry"
)

// BalanceAPI is the private Balance endpoint.
type BalanceAPI interface {
	Balance(ctx context.Context) (map[string]decimal.Decimal, error)
}

type Reconciler struct {
	api    BalanceAPI
	codec  *symbol.Codec
	store  store.Store
	logger *zap.Logger
}

func NewReconciler(api BalanceAPI, codec *symbol.Codec, st store.Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{api: api, codec: codec, store: st, logger: telemetry.OrNop(logger)}
}

// Reservations sums what open orders still hold: a bid holds price times the
// unfilled amount of the quote commodity, an ask holds the unfilled amount of
// the base commodity.
func Reservations(codec *symbol.Codec, open []core.LocalOrder) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, o := range open {
		if o.State != core.OrderOpen {
			continue
		}
		switch o.Side {
		case core.Bid:
			q := codec.Quote(o.Market)
			if q == "" {
				continue
			}
			out[q] = out[q].Add(o.Price.Mul(o.Remaining()))
		case core.Ask:
			b := codec.Base(o.Market)
			if b == "" {
				continue
			}
			out[b] = out[b].Add(o.Remaining())
		}
	}
	return out
}

// Compute pairs every total with its available amount. Reservations on
// commodities the exchange reports no balance for get no entry; Unbacked
// lists them.
func Compute(totals, reserved map[string]decimal.Decimal) []core.BalanceEntry {
	out := make([]core.BalanceEntry, 0, len(totals))
	for comm, total := range totals {
		out = append(out, core.BalanceEntry{
			Commodity: comm,
			Total:     total,
			Available: total.Sub(reserved[comm]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Commodity < out[j].Commodity })
	return out
}

// Unbacked returns the reserved commodities that have no exchange total,
// sorted.
func Unbacked(totals, reserved map[string]decimal.Decimal) []string {
	var out []string
	for comm, amt := range reserved {
		if _, ok := totals[comm]; !ok && amt.IsPositive() {
			out = append(out, comm)
		}
	}
	sort.Strings(out)
	return out
}

// Sync fetches totals, subtracts open-order reservations and stores the
// result in one transaction.
func (r *Reconciler) Sync(ctx context.Context) ([]core.BalanceEntry, error) {
	raw, err := r.api.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch balances: %w", err)
	}
	totals := make(map[string]decimal.Decimal, len(raw))
	for asset, amount := range raw {
		comm := r.codec.PlatformCommodity(asset)
		totals[comm] = totals[comm].Add(amount)
	}
	open, err := r.store.Orders(ctx, store.OrderFilter{
		Exchange: kraken.ExchangeName,
		States:   []core.OrderState{core.OrderOpen},
	})
	if err != nil {
		return nil, err
	}
	reserved := Reservations(r.codec, open)
	entries := Compute(totals, reserved)
	for _, comm := range Unbacked(totals, reserved) {
		r.logger.Warn("balance_overcommitted",
			zap.String("commodity", comm),
			zap.String("total", "0"),
			zap.String("reserved", reserved[comm].String()))
	}
	for _, e := range entries {
		if e.Available.IsNegative() {
			r.logger.Warn("balance_overcommitted",
				zap.String("commodity", e.Commodity),
				zap.String("total", e.Total.String()),
				zap.String("available", e.Available.String()))
		}
	}
	if err := store.WithTx(ctx, r.store, func(tx store.Tx) error {
		for _, e := range entries {
			if err := tx.UpsertBalance(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	r.logger.Info("balances_synced", zap.Int("commodities", len(entries)), zap.Int("open_orders", len(open)))
	return entries, nil
}
