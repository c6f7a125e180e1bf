// Package history walks the paginated trade and ledger endpoints and ingests
// every record the local store has not seen yet.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"kraken-manager/internal/core"
	"kraken-manager/internal/store"
	"kraken-manager/internal/telemetry"
)

// DefaultMaxStalls bounds consecutive retry-exhausted transport or server
// failures. Throttling and nonce races never count toward it.
const DefaultMaxStalls = 20

// Page is one fetched page. Fetched counts every row the exchange returned,
// including rows a source filtered out of Records; the cursor advances by it.
type Page[T core.Record] struct {
	Records []T
	Fetched int
	Count   int
}

// Source fetches pages of one record kind ordered newest first.
type Source[T core.Record] interface {
	Kind() core.RecordKind
	Fetch(ctx context.Context, offset int) (Page[T], error)
}

type Options struct {
	Pacing    Pacing
	MaxStalls int
	Logger    *zap.Logger
	Meter     metric.Meter
	// Sleep defaults to a context-aware timer.
	Sleep SleepFunc
}

type Engine[T core.Record] struct {
	src       Source[T]
	store     store.Store
	pacing    Pacing
	maxStalls int
	logger    *zap.Logger
	sleep     SleepFunc
	records   metric.Int64Counter
}

func NewEngine[T core.Record](src Source[T], st store.Store, opts Options) *Engine[T] {
	fallback := LedgerPacing
	if src.Kind() == core.KindTrade {
		fallback = TradePacing
	}
	e := &Engine[T]{
		src:       src,
		store:     st,
		pacing:    opts.Pacing.withDefaults(fallback),
		maxStalls: opts.MaxStalls,
		logger:    telemetry.OrNop(opts.Logger).With(zap.String("kind", string(src.Kind()))),
		sleep:     opts.Sleep,
	}
	if e.maxStalls <= 0 {
		e.maxStalls = DefaultMaxStalls
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
	meter := opts.Meter
	if meter == nil {
		meter = telemetry.Meter()
	}
	e.records, _ = meter.Int64Counter("kraken_history_records_total",
		metric.WithDescription("History records seen by kind and ingestion result"),
		metric.WithUnit("{record}"))
	return e
}

// Sync runs one pass. With rescan false the pass stops at the first page whose
// records are all known, unless an unfinished earlier run left a checkpoint at
// or past the current offset, in which case the pass jumps there and continues.
func (e *Engine[T]) Sync(ctx context.Context, rescan bool) (core.SyncStats, error) {
	kind := e.src.Kind()
	stats := core.SyncStats{Kind: kind}
	checkpoint, hasCheckpoint, err := e.store.Checkpoint(ctx, kind)
	if err != nil {
		return stats, fmt.Errorf("history %s: read checkpoint: %w", kind, err)
	}

	pace := newPacer(e.pacing)
	offset, lastOffset := 0, -1
	stalls := 0
	paced := false
	for offset != lastOffset {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if paced {
			if err := e.sleep(ctx, pace.current()); err != nil {
				return stats, err
			}
		}
		paced = true

		page, err := e.src.Fetch(ctx, offset)
		if err != nil {
			wait, class := e.backoff(pace, err)
			if class == failTerminal {
				return stats, fmt.Errorf("history %s at offset %d: %w", kind, offset, err)
			}
			stats.Stalls++
			if class == failExhausted {
				stalls++
				if stalls >= e.maxStalls {
					return stats, fmt.Errorf("history %s: %d consecutive failures at offset %d: %w", kind, stalls, offset, err)
				}
			}
			e.logger.Warn("history_fetch_backoff",
				zap.Int("offset", offset), zap.Duration("wait", wait), zap.Int("stalls", stalls), zap.Error(err))
			if err := e.sleep(ctx, wait); err != nil {
				return stats, err
			}
			paced = false
			continue
		}
		stalls = 0
		if page.Fetched == 0 {
			break
		}
		pace.succeeded()

		next := offset + page.Fetched
		inserted, dups, err := e.ingestPage(ctx, page, next)
		if err != nil {
			return stats, fmt.Errorf("history %s at offset %d: %w", kind, offset, err)
		}
		stats.Pages++
		stats.Fetched += page.Fetched
		stats.Inserted += inserted
		stats.Duplicates += dups
		e.logger.Debug("history_page_ingested",
			zap.Int("offset", offset), zap.Int("fetched", page.Fetched),
			zap.Int("inserted", inserted), zap.Int("duplicates", dups), zap.Int("count", page.Count))

		lastOffset = offset
		offset = next
		if page.Count > 0 && offset >= page.Count {
			break
		}
		if !rescan && len(page.Records) > 0 && inserted == 0 {
			if hasCheckpoint && checkpoint >= offset {
				e.logger.Info("history_resume_checkpoint", zap.Int("from", offset), zap.Int("to", checkpoint))
				offset = checkpoint
				hasCheckpoint = false
				stats.Resumed = true
				continue
			}
			break
		}
	}
	stats.Offset = offset

	if err := store.WithTx(ctx, e.store, func(tx store.Tx) error {
		return tx.ClearCheckpoint(ctx, kind)
	}); err != nil {
		return stats, fmt.Errorf("history %s: clear checkpoint: %w", kind, err)
	}
	e.logger.Info("history_sync_done",
		zap.Bool("rescan", rescan), zap.Int("pages", stats.Pages),
		zap.Int("inserted", stats.Inserted), zap.Int("duplicates", stats.Duplicates),
		zap.Int("stalls", stats.Stalls), zap.Bool("resumed", stats.Resumed))
	return stats, nil
}

type failClass int

const (
	failTerminal failClass = iota
	// failThrottled covers rate limits and nonce races; waiting always helps.
	failThrottled
	// failExhausted is a transport or server failure the retry policy gave up on.
	failExhausted
)

// backoff classifies a fetch failure and returns how long to wait before the
// next attempt.
func (e *Engine[T]) backoff(pace *pacer, err error) (time.Duration, failClass) {
	switch {
	case errors.Is(err, core.ErrRateLimited):
		return pace.rateLimited(), failThrottled
	case errors.Is(err, core.ErrStaleNonce):
		return pace.staleNonce(), failThrottled
	case errors.Is(err, core.ErrTransientNetwork), errors.Is(err, core.ErrServerUnavailable):
		return pace.failed(), failExhausted
	default:
		return 0, failTerminal
	}
}

// ingestPage stores unseen records and the next offset in one transaction. A
// duplicate surfacing at commit means a concurrent writer won the race; the
// page is replayed once so that writer's rows count as known.
func (e *Engine[T]) ingestPage(ctx context.Context, page Page[T], next int) (inserted, dups int, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		inserted, dups, err = e.writePage(ctx, page, next)
		if err == nil || !errors.Is(err, core.ErrDuplicateRecord) {
			break
		}
		e.logger.Warn("history_commit_conflict", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	if err != nil {
		return 0, 0, err
	}
	e.count(ctx, "inserted", inserted)
	e.count(ctx, "duplicate", dups)
	return inserted, dups, nil
}

func (e *Engine[T]) writePage(ctx context.Context, page Page[T], next int) (inserted, dups int, err error) {
	err = store.WithTx(ctx, e.store, func(tx store.Tx) error {
		inserted, dups = 0, 0
		for _, rec := range page.Records {
			if rec.ReferenceID() == "" {
				continue
			}
			if err := tx.InsertRecord(ctx, rec); err != nil {
				if errors.Is(err, core.ErrDuplicateRecord) {
					dups++
					continue
				}
				return err
			}
			inserted++
		}
		return tx.SetCheckpoint(ctx, e.src.Kind(), next)
	})
	return inserted, dups, err
}

func (e *Engine[T]) count(ctx context.Context, result string, n int) {
	if n == 0 || e.records == nil {
		return
	}
	e.records.Add(ctx, int64(n), metric.WithAttributes(
		telemetry.AttrKind.String(string(e.src.Kind())),
		telemetry.AttrResult.String(result),
	))
}
