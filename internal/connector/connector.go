// Package connector is the Kraken account context: one client, one store and
// one codec shared by every operation the host calls.
package connector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"kraken-manager/internal/alert"
	"kraken-manager/internal/balance"
	"kraken-manager/internal/cache"
	"kraken-manager/internal/core"
	"kraken-manager/internal/exchange"
	"kraken-manager/internal/exchange/kraken"
	"kraken-manager/internal/history"
	"kraken-manager/internal/orders"
	"kraken-manager/internal/store"
	"kraken-manager/internal/symbol"
	"kraken-manager/internal/telemetry"
)

// ErrRequeue marks a placement the host should submit again later.
var ErrRequeue = errors.New("requeue order")

// HistorySettings tunes the three history engines.
type HistorySettings struct {
	Trades    history.Pacing
	Ledgers   history.Pacing
	MaxStalls int
	Start     time.Time
	Sleep     history.SleepFunc
}

// Deps are the collaborators of a Connector. Client and Store are required.
type Deps struct {
	Client  *kraken.Client
	Store   store.Store
	Codec   *symbol.Codec
	Tickers cache.Tickers
	Alerts  *alert.Manager
	Lock    *store.KeyLock
	History HistorySettings
	Logger  *zap.Logger
	Meter   metric.Meter
	// Now is used for requeue decisions.
	Now func() time.Time
}

type Connector struct {
	client   *kraken.Client
	store    store.Store
	codec    *symbol.Codec
	tickers  cache.Tickers
	alerts   *alert.Manager
	lock     *store.KeyLock
	history  HistorySettings
	logger   *zap.Logger
	meter    metric.Meter
	now      func() time.Time
	orders   *orders.Manager
	balances *balance.Reconciler
}

var _ exchange.Connector = (*Connector)(nil)

func New(deps Deps) (*Connector, error) {
	if deps.Client == nil {
		return nil, errors.New("connector: client is required")
	}
	if deps.Store == nil {
		return nil, errors.New("connector: store is required")
	}
	logger := telemetry.OrNop(deps.Logger)
	codec := deps.Codec
	if codec == nil {
		codec = symbol.New(logger)
	}
	tickers := deps.Tickers
	if tickers == nil {
		tickers = cache.NewMemoryTickers()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	c := &Connector{
		client:  deps.Client,
		store:   deps.Store,
		codec:   codec,
		tickers: tickers,
		alerts:  deps.Alerts,
		lock:    deps.Lock,
		history: deps.History,
		logger:  logger,
		meter:   deps.Meter,
		now:     now,
	}
	orderOpts := orders.Options{Logger: logger.Named("orders"), Meter: deps.Meter}
	if deps.Alerts != nil {
		orderOpts.Alerts = deps.Alerts
	}
	c.orders = orders.NewManager(deps.Client, codec, deps.Store, orderOpts)
	c.balances = balance.NewReconciler(deps.Client, codec, deps.Store, logger.Named("balance"))
	return c, nil
}

func (c *Connector) Name() string { return kraken.ExchangeName }

func (c *Connector) Codec() *symbol.Codec { return c.codec }

func (c *Connector) Store() store.Store { return c.store }

// LearnPairs registers every listed pair with the codec so exotic names
// translate exactly instead of by splitting.
func (c *Connector) LearnPairs(ctx context.Context) (int, error) {
	pairs, err := c.client.AssetPairs(ctx)
	if err != nil {
		return 0, fmt.Errorf("learn pairs: %w", err)
	}
	for name, info := range pairs {
		market := symbol.JoinMarket(c.codec.PlatformCommodity(info.Base), c.codec.PlatformCommodity(info.Quote))
		if info.AltName != "" && info.AltName != name {
			c.codec.RegisterPair(info.AltName, market)
		}
		c.codec.RegisterPair(name, market)
	}
	c.logger.Info("pairs_learned", zap.Int("pairs", len(pairs)))
	return len(pairs), nil
}

// SyncTicker fetches the ticker of market and caches the snapshot.
func (c *Connector) SyncTicker(ctx context.Context, market string) (core.Ticker, error) {
	info, err := c.client.Ticker(ctx, c.codec.ToExchange(market))
	if err != nil {
		return core.Ticker{}, err
	}
	t, err := tickerFromInfo(strings.ToUpper(strings.TrimSpace(market)), info, c.now().UTC())
	if err != nil {
		return core.Ticker{}, err
	}
	if err := c.tickers.Put(ctx, t); err != nil {
		return t, fmt.Errorf("cache ticker: %w", err)
	}
	c.logger.Debug("ticker_synced", zap.String("market", t.Market), zap.String("bid", t.Bid.String()), zap.String("ask", t.Ask.String()))
	return t, nil
}

func tickerFromInfo(market string, info kraken.TickerInfo, at time.Time) (core.Ticker, error) {
	t := core.Ticker{Exchange: kraken.ExchangeName, Market: market, Time: at}
	var err error
	pick := func(name string, vals []string, idx int) decimal.Decimal {
		if err != nil {
			return decimal.Zero
		}
		if idx >= len(vals) {
			err = fmt.Errorf("ticker %s: field %s missing: %w", market, name, core.ErrMalformedResponse)
			return decimal.Zero
		}
		v, perr := decimal.NewFromString(vals[idx])
		if perr != nil {
			err = fmt.Errorf("ticker %s: field %s: %v: %w", market, name, perr, core.ErrMalformedResponse)
			return decimal.Zero
		}
		return v
	}
	t.Bid = pick("b", info.Bid, 0)
	t.Ask = pick("a", info.Ask, 0)
	t.High = pick("h", info.High, 1)
	t.Low = pick("l", info.Low, 1)
	t.Volume = pick("v", info.Volume, 1)
	t.Last = pick("c", info.Last, 0)
	if err != nil {
		return core.Ticker{}, err
	}
	return t, nil
}

// CachedTicker returns the last snapshot SyncTicker stored.
func (c *Connector) CachedTicker(ctx context.Context, market string) (core.Ticker, error) {
	return c.tickers.Get(ctx, market)
}

func (c *Connector) SyncBalances(ctx context.Context) ([]core.BalanceEntry, error) {
	return c.balances.Sync(ctx)
}

// SyncOrders records closed orders first so an order that closed since the
// last run is not reported open.
func (c *Connector) SyncOrders(ctx context.Context) error {
	closed, err := c.orders.ReconcileClosed(ctx, kraken.HistoryQuery{Start: c.history.Start})
	if err != nil {
		return err
	}
	open, err := c.orders.ReconcileOpen(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("orders_synced", zap.Int("closed_changed", closed), zap.Int("open", len(open)))
	return nil
}

// CreateOrder places a pending order. When the local order is missing and
// expire is still ahead the error also matches ErrRequeue.
func (c *Connector) CreateOrder(ctx context.Context, id int64, expire time.Time) (core.LocalOrder, error) {
	o, err := c.orders.Place(ctx, id)
	if err != nil && orders.ShouldRequeue(err, expire, c.now()) {
		return o, errors.Join(err, ErrRequeue)
	}
	return o, err
}

func (c *Connector) CancelOrder(ctx context.Context, ref core.OrderRef) (core.LocalOrder, error) {
	return c.orders.Cancel(ctx, ref)
}

// CancelOrders refreshes the open set from the exchange, then cancels every
// match of filter.
func (c *Connector) CancelOrders(ctx context.Context, filter core.CancelFilter) (core.CancelReport, error) {
	if _, err := c.orders.ReconcileOpen(ctx); err != nil {
		return core.CancelReport{}, err
	}
	return c.orders.CancelFiltered(ctx, filter)
}

// OpenOrders returns the exchange's open orders on market (all markets when
// empty), mirrored into the store.
func (c *Connector) OpenOrders(ctx context.Context, market string) ([]core.LocalOrder, error) {
	open, err := c.orders.ReconcileOpen(ctx)
	if err != nil {
		return nil, err
	}
	if market == "" {
		return open, nil
	}
	out := open[:0]
	for _, o := range open {
		if strings.EqualFold(o.Market, market) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (c *Connector) engineOptions(kind core.RecordKind) history.Options {
	p := c.history.Ledgers
	if kind == core.KindTrade {
		p = c.history.Trades
	}
	return history.Options{
		Pacing:    p,
		MaxStalls: c.history.MaxStalls,
		Logger:    c.logger.Named("history").With(zap.String("kind", string(kind))),
		Meter:     c.meter,
		Sleep:     c.history.Sleep,
	}
}

func (c *Connector) window() history.Window {
	return history.Window{Start: c.history.Start}
}

func (c *Connector) SyncTrades(ctx context.Context, market string, rescan bool) (core.SyncStats, error) {
	src := &history.TradeSource{API: c.client, Codec: c.codec, Market: market, Window: c.window()}
	return history.NewEngine[core.Trade](src, c.store, c.engineOptions(core.KindTrade)).Sync(ctx, rescan)
}

func (c *Connector) SyncCredits(ctx context.Context, rescan bool) (core.SyncStats, error) {
	src := &history.CreditSource{API: c.client, Codec: c.codec, Window: c.window()}
	return history.NewEngine[core.Credit](src, c.store, c.engineOptions(core.KindCredit)).Sync(ctx, rescan)
}

func (c *Connector) SyncDebits(ctx context.Context, rescan bool) (core.SyncStats, error) {
	src := &history.DebitSource{API: c.client, Codec: c.codec, Window: c.window()}
	return history.NewEngine[core.Debit](src, c.store, c.engineOptions(core.KindDebit)).Sync(ctx, rescan)
}

// SyncHistory runs the trade, credit and debit syncs side by side. Each
// engine owns its record kind and checkpoint; a failure in one does not stop
// the others.
func (c *Connector) SyncHistory(ctx context.Context, rescan bool) ([]core.SyncStats, error) {
	stats := make([]core.SyncStats, 3)
	p := pool.New().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		s, err := c.SyncTrades(ctx, "", rescan)
		stats[0] = s
		return wrapKind(core.KindTrade, err)
	})
	p.Go(func(ctx context.Context) error {
		s, err := c.SyncCredits(ctx, rescan)
		stats[1] = s
		return wrapKind(core.KindCredit, err)
	})
	p.Go(func(ctx context.Context) error {
		s, err := c.SyncDebits(ctx, rescan)
		stats[2] = s
		return wrapKind(core.KindDebit, err)
	})
	return stats, p.Wait()
}

func wrapKind(kind core.RecordKind, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("sync %s: %w", kind, err)
}

func (c *Connector) OrderBook(ctx context.Context, market string, depth int) (core.OrderBook, error) {
	d, err := c.client.Depth(ctx, c.codec.ToExchange(market), depth)
	if err != nil {
		return core.OrderBook{}, err
	}
	book := core.OrderBook{
		Market: strings.ToUpper(strings.TrimSpace(market)),
		Bids:   make([]core.BookLevel, 0, len(d.Bids)),
		Asks:   make([]core.BookLevel, 0, len(d.Asks)),
	}
	for _, l := range d.Bids {
		book.Bids = append(book.Bids, core.BookLevel{Price: l.Price, Amount: l.Volume, Time: l.Time})
	}
	for _, l := range d.Asks {
		book.Asks = append(book.Asks, core.BookLevel{Price: l.Price, Amount: l.Volume, Time: l.Time})
	}
	return book, nil
}

// DepositAddress returns an existing deposit address of commodity through
// its first deposit method, generating one when none exists.
func (c *Connector) DepositAddress(ctx context.Context, commodity string) (core.DepositAddress, error) {
	asset := c.codec.ExchangeCommodity(commodity)
	methods, err := c.client.DepositMethods(ctx, asset)
	if err != nil {
		return core.DepositAddress{}, err
	}
	if len(methods) == 0 {
		return core.DepositAddress{}, fmt.Errorf("no deposit method for %s: %w", commodity, core.ErrNotFound)
	}
	method := methods[0]
	addrs, err := c.client.DepositAddresses(ctx, asset, method.Method, false)
	if err != nil {
		return core.DepositAddress{}, err
	}
	if len(addrs) == 0 && method.GenAddress {
		if addrs, err = c.client.DepositAddresses(ctx, asset, method.Method, true); err != nil {
			return core.DepositAddress{}, err
		}
	}
	if len(addrs) == 0 {
		return core.DepositAddress{}, fmt.Errorf("no deposit address for %s: %w", commodity, core.ErrNotFound)
	}
	a := addrs[0]
	out := core.DepositAddress{
		Commodity: c.codec.PlatformCommodity(asset),
		Address:   a.Address,
		New:       a.New,
	}
	if sec, err := strconv.ParseInt(strings.TrimSpace(a.ExpireTm), 10, 64); err == nil && sec > 0 {
		out.Expires = time.Unix(sec, 0).UTC()
	}
	return out, nil
}

func (c *Connector) RecentTrades(ctx context.Context, market, since string) (kraken.RecentTrades, error) {
	return c.client.RecentTrades(ctx, c.codec.ToExchange(market), since)
}

func (c *Connector) Spread(ctx context.Context, market string) (kraken.Spread, error) {
	return c.client.Spread(ctx, c.codec.ToExchange(market))
}

func (c *Connector) ServerTime(ctx context.Context) (time.Time, error) {
	return c.client.ServerTime(ctx)
}

// Close flushes alerts and releases the store and the key lock.
func (c *Connector) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	if err := c.alerts.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close alerts: %w", err))
	}
	if err := c.tickers.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close tickers: %w", err))
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if c.lock != nil {
		if err := c.lock.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release lock: %w", err))
		}
	}
	return errors.Join(errs...)
}
