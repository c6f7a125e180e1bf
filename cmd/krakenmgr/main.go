package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kraken-manager/internal/config"
	"kraken-manager/internal/connector"
	"kraken-manager/internal/core"
	"kraken-manager/internal/store"
	"kraken-manager/internal/telemetry"
)

type options struct {
	configPath string
	envFile    string
	op         string
	market     string
	commodity  string
	side       string
	price      string
	amount     string
	orderID    string
	id         int64
	depth      int
	rescan     bool
	expire     time.Duration
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute returns the process exit code so deferred cleanup releases the key
// lock before exit.
func execute(args []string) int {
	opts, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	cfg, err := config.Load(opts.configPath, opts.envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger, err := telemetry.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		Interval:     time.Duration(cfg.Observability.MetricsIntervalSec) * time.Second,
	})
	if err != nil {
		logger.Error("metrics_init_failed", zap.Error(err))
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics_shutdown_failed", zap.Error(err))
		}
	}()

	conn, err := connector.Open(ctx, cfg, logger, telemetry.Meter())
	if err != nil {
		logger.Error("connector_open_failed", zap.Error(err))
		return 1
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warn("connector_close_failed", zap.Error(err))
		}
	}()
	if n, err := conn.LearnPairs(ctx); err != nil {
		logger.Warn("learn_pairs_failed", zap.Error(err))
	} else {
		logger.Debug("pairs_learned", zap.Int("count", n))
	}

	if err := run(ctx, conn, opts, os.Stdout); err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		logger.Error("operation_failed", zap.String("op", opts.op), zap.Error(err))
		return 1
	}
	return 0
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("krakenmgr", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "config/config.yaml", "config yaml path")
	fs.StringVar(&opts.envFile, "env", ".env", "dotenv file overlaid on the environment")
	fs.StringVar(&opts.op, "op", "", "operation: ticker|balances|orders|create|cancel|cancel-all|open|trades|credits|debits|history|book|deposit|time")
	fs.StringVar(&opts.market, "market", "", "platform market, e.g. BTC_USD")
	fs.StringVar(&opts.commodity, "commodity", "", "platform commodity, e.g. BTC")
	fs.StringVar(&opts.side, "side", "", "bid or ask")
	fs.StringVar(&opts.price, "price", "", "limit price or cancel threshold")
	fs.StringVar(&opts.amount, "amount", "", "order amount")
	fs.StringVar(&opts.orderID, "order-id", "", "exchange order id")
	fs.Int64Var(&opts.id, "id", 0, "local order id")
	fs.IntVar(&opts.depth, "depth", 10, "order book depth")
	fs.BoolVar(&opts.rescan, "rescan", false, "scan history from the start")
	fs.DurationVar(&opts.expire, "requeue-for", 0, "advise requeue for missing orders within this window")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	opts.op = strings.ToLower(strings.TrimSpace(opts.op))
	if opts.op == "" {
		return options{}, errors.New("-op is required")
	}
	return opts, nil
}

func run(ctx context.Context, conn *connector.Connector, opts options, out io.Writer) error {
	var result any
	var err error
	switch opts.op {
	case "ticker":
		if err = requireMarket(opts); err == nil {
			result, err = conn.SyncTicker(ctx, opts.market)
		}
	case "balances":
		result, err = conn.SyncBalances(ctx)
	case "orders":
		if err = conn.SyncOrders(ctx); err == nil {
			result, err = conn.Store().Orders(ctx, store.OrderFilter{Exchange: conn.Name()})
		}
	case "create":
		var order core.LocalOrder
		if order, err = createOrder(ctx, conn, opts); order.ID != 0 {
			result = order
		}
	case "cancel":
		if opts.id == 0 && opts.orderID == "" {
			return errors.New("cancel needs -id or -order-id")
		}
		result, err = conn.CancelOrder(ctx, core.OrderRef{ID: opts.id, OrderID: opts.orderID})
	case "cancel-all":
		var filter core.CancelFilter
		if filter, err = cancelFilter(opts); err == nil {
			var report core.CancelReport
			report, err = conn.CancelOrders(ctx, filter)
			result = reportView(report)
		}
	case "open":
		result, err = conn.OpenOrders(ctx, opts.market)
	case "trades":
		result, err = conn.SyncTrades(ctx, opts.market, opts.rescan)
	case "credits":
		result, err = conn.SyncCredits(ctx, opts.rescan)
	case "debits":
		result, err = conn.SyncDebits(ctx, opts.rescan)
	case "history":
		result, err = conn.SyncHistory(ctx, opts.rescan)
	case "book":
		if err = requireMarket(opts); err == nil {
			result, err = conn.OrderBook(ctx, opts.market, opts.depth)
		}
	case "deposit":
		if opts.commodity == "" {
			return errors.New("deposit needs -commodity")
		}
		result, err = conn.DepositAddress(ctx, opts.commodity)
	case "time":
		var ts time.Time
		if ts, err = conn.ServerTime(ctx); err == nil {
			result = map[string]any{"unixtime": ts.Unix(), "rfc3339": ts.Format(time.RFC3339)}
		}
	default:
		return fmt.Errorf("unknown op %q", opts.op)
	}
	// create and cancel-all report partial state alongside their error.
	if result != nil && (err == nil || opts.op == "create" || opts.op == "cancel-all") {
		if werr := writeJSON(out, result); werr != nil {
			return errors.Join(err, werr)
		}
	}
	return err
}

func createOrder(ctx context.Context, conn *connector.Connector, opts options) (core.LocalOrder, error) {
	id := opts.id
	if id == 0 {
		if err := requireMarket(opts); err != nil {
			return core.LocalOrder{}, err
		}
		side, err := parseSide(opts.side)
		if err != nil {
			return core.LocalOrder{}, err
		}
		price, err := decimal.NewFromString(opts.price)
		if err != nil {
			return core.LocalOrder{}, fmt.Errorf("invalid -price: %w", err)
		}
		amount, err := decimal.NewFromString(opts.amount)
		if err != nil {
			return core.LocalOrder{}, fmt.Errorf("invalid -amount: %w", err)
		}
		order := core.LocalOrder{
			OrderID:   core.NewTempOrderID(),
			Exchange:  conn.Name(),
			Market:    strings.ToUpper(opts.market),
			Side:      side,
			Price:     price,
			Amount:    amount,
			State:     core.OrderPending,
			CreatedAt: time.Now().UTC(),
		}
		order.UpdatedAt = order.CreatedAt
		if err := store.WithTx(ctx, conn.Store(), func(tx store.Tx) error {
			return tx.InsertOrder(ctx, &order)
		}); err != nil {
			return core.LocalOrder{}, fmt.Errorf("insert pending order: %w", err)
		}
		id = order.ID
	}
	var expire time.Time
	if opts.expire > 0 {
		expire = time.Now().Add(opts.expire)
	}
	return conn.CreateOrder(ctx, id, expire)
}

func cancelFilter(opts options) (core.CancelFilter, error) {
	filter := core.CancelFilter{Market: strings.ToUpper(opts.market)}
	if opts.side != "" {
		side, err := parseSide(opts.side)
		if err != nil {
			return core.CancelFilter{}, err
		}
		filter.Side = side
	}
	if opts.price != "" {
		p, err := decimal.NewFromString(opts.price)
		if err != nil {
			return core.CancelFilter{}, fmt.Errorf("invalid -price: %w", err)
		}
		filter.Price = &p
	}
	return filter, nil
}

func parseSide(raw string) (core.Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "bid", "buy":
		return core.Bid, nil
	case "ask", "sell":
		return core.Ask, nil
	default:
		return "", fmt.Errorf("invalid -side %q", raw)
	}
}

func requireMarket(opts options) error {
	if opts.market == "" {
		return fmt.Errorf("%s needs -market", opts.op)
	}
	return nil
}

// reportView flattens per-order errors, which do not marshal on their own.
func reportView(r core.CancelReport) map[string]any {
	failed := make(map[string]string, len(r.Failed))
	for k, err := range r.Failed {
		failed[k] = err.Error()
	}
	canceled := r.Canceled
	if canceled == nil {
		canceled = []core.LocalOrder{}
	}
	return map[string]any{"canceled": canceled, "failed": failed}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
