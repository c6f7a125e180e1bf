package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"kraken-manager/internal/alert"
	"kraken-manager/internal/cache"
	"kraken-manager/internal/config"
	"kraken-manager/internal/exchange/kraken"
	"kraken-manager/internal/history"
	"kraken-manager/internal/store"
	"kraken-manager/internal/store/postgres"
	"kraken-manager/internal/telemetry"
)

// Open builds a Connector from configuration. Resources acquired before a
// failure are released.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger, meter metric.Meter) (_ *Connector, err error) {
	logger = telemetry.OrNop(logger)
	var cleanup []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			_ = cleanup[i]()
		}
	}()

	client, err := kraken.NewClient(kraken.Options{
		APIKey:     cfg.Exchange.APIKey,
		APISecret:  cfg.Exchange.APISecret,
		BaseURL:    cfg.Exchange.RestBaseURL,
		Timeout:    cfg.Exchange.HTTPTimeout(),
		MaxRetries: cfg.Exchange.MaxRetries,
		RateLimit:  cfg.Exchange.RateLimit.Float(),
		RateBurst:  cfg.Exchange.RateBurst,
		Logger:     logger.Named("kraken"),
		Meter:      meter,
	})
	if err != nil {
		return nil, fmt.Errorf("kraken client: %w", err)
	}

	var lock *store.KeyLock
	if cfg.Exchange.APIKey != "" {
		lock, err = store.AcquireKeyLock(cfg.State.Dir, cfg.Exchange.APIKey, store.LockOptions{
			TakeoverEnabled: cfg.State.LockTakeover != nil && *cfg.State.LockTakeover,
			StaleAfter:      cfg.State.LockStaleAfter(),
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("acquire key lock: %w", err)
		}
		cleanup = append(cleanup, lock.Release)
	}

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, st.Close)

	var tickers cache.Tickers = cache.NewMemoryTickers()
	if cfg.Cache.RedisAddr != "" {
		r := cache.NewRedisTickers(cache.RedisOptions{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
			TTL:      cfg.Cache.TickerTTL(),
		})
		cleanup = append(cleanup, r.Close)
		if err = r.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.Cache.RedisAddr, err)
		}
		tickers = r
	}

	var alerts *alert.Manager
	if tg := cfg.Observability.Telegram; tg.Enabled {
		alerts = alert.NewManager(
			alert.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBaseURL, time.Duration(tg.TimeoutSec)*time.Second),
			alert.ManagerOptions{
				Instance:           "kraken-manager/" + cfg.InstanceID,
				Account:            KeyFingerprint(cfg.Exchange.APIKey),
				DropReportInterval: time.Duration(cfg.Observability.AlertDropReportSec) * time.Second,
				Logger:             logger.Named("alert"),
			})
	}

	return New(Deps{
		Client:  client,
		Store:   st,
		Tickers: tickers,
		Alerts:  alerts,
		Lock:    lock,
		History: HistorySettings{
			Trades:    pacing(cfg.History.Trades),
			Ledgers:   pacing(cfg.History.Ledgers),
			MaxStalls: cfg.History.MaxStalls,
			Start:     cfg.History.Start(),
		},
		Logger: logger,
		Meter:  meter,
	})
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Backend {
	case config.StoreMemory:
		return store.NewMemory(), nil
	case config.StoreFile, "":
		st, err := store.OpenFile(cfg.Dir, logger.Named("store"))
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return st, nil
	case config.StorePostgres:
		if cfg.AutoMigrate == nil || *cfg.AutoMigrate {
			if err := postgres.Migrate(ctx, cfg.DSN, logger.Named("migrate")); err != nil {
				return nil, err
			}
		}
		st, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	default:
		return nil, errors.New("unknown store backend " + string(cfg.Backend))
	}
}

// pacing leaves zero fields for the engine to fill from its family defaults.
func pacing(p config.PacingConfig) history.Pacing {
	return history.Pacing{
		Initial:            p.InitialSec.Seconds(),
		Floor:              p.FloorSec.Seconds(),
		StaleNonceCooldown: time.Duration(p.StaleNonceCooldownSec) * time.Second,
		RateLimitGrowth:    p.RateLimitGrowth.Float(),
		FailureGrowth:      p.FailureGrowth.Float(),
		Decay:              p.Decay.Float(),
	}
}

// KeyFingerprint identifies an API key in alerts without revealing it.
func KeyFingerprint(apiKey string) string { return store.KeyFingerprint(apiKey) }
