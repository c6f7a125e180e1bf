// Package exchange declares the capability surface a host platform drives.
package exchange

import (
	"context"
	"time"

	"kraken-manager/internal/core"
)

// Connector is the set of operations one exchange account exposes to the
// host. Markets and commodities are platform symbols (BTC_USD, BTC).
type Connector interface {
	Name() string

	SyncTicker(ctx context.Context, market string) (core.Ticker, error)
	SyncBalances(ctx context.Context) ([]core.BalanceEntry, error)
	SyncOrders(ctx context.Context) error

	// CreateOrder places the pending local order id. A zero expire disables
	// requeue advice.
	CreateOrder(ctx context.Context, id int64, expire time.Time) (core.LocalOrder, error)
	CancelOrder(ctx context.Context, ref core.OrderRef) (core.LocalOrder, error)
	CancelOrders(ctx context.Context, filter core.CancelFilter) (core.CancelReport, error)
	OpenOrders(ctx context.Context, market string) ([]core.LocalOrder, error)

	SyncTrades(ctx context.Context, market string, rescan bool) (core.SyncStats, error)
	SyncCredits(ctx context.Context, rescan bool) (core.SyncStats, error)
	SyncDebits(ctx context.Context, rescan bool) (core.SyncStats, error)

	OrderBook(ctx context.Context, market string, depth int) (core.OrderBook, error)
	DepositAddress(ctx context.Context, commodity string) (core.DepositAddress, error)

	Close() error
}
