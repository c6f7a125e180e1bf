// Package store is the persistence port of the connector: a ledger of local
// orders, immutable history records, balances and sync checkpoints reached
// through a begin/insert/commit/rollback contract.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kraken-manager/internal/core"
)

// OrderFilter selects local orders. Zero fields match everything.
type OrderFilter struct {
	Exchange string
	Market   string
	Side     core.Side
	States   []core.OrderState
}

func (f OrderFilter) Match(o core.LocalOrder) bool {
	if f.Exchange != "" && o.Exchange != f.Exchange {
		return false
	}
	if f.Market != "" && !strings.EqualFold(o.Market, f.Market) {
		return false
	}
	if f.Side != "" && o.Side != f.Side {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, st := range f.States {
		if o.State == st {
			return true
		}
	}
	return false
}

// Store reads committed state and opens transactions.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	// Order and OrderByOrderID return core.ErrNotFound when no row matches.
	Order(ctx context.Context, id int64) (core.LocalOrder, error)
	OrderByOrderID(ctx context.Context, orderID string) (core.LocalOrder, error)
	Orders(ctx context.Context, filter OrderFilter) ([]core.LocalOrder, error)

	// Exists reports whether a record with refID has been committed.
	Exists(ctx context.Context, kind core.RecordKind, refID string) (bool, error)
	Count(ctx context.Context, kind core.RecordKind) (int, error)

	// Checkpoint returns the durable offset of an unfinished sync run.
	Checkpoint(ctx context.Context, kind core.RecordKind) (int, bool, error)
	Balances(ctx context.Context) ([]core.BalanceEntry, error)

	Close() error
}

// Tx stages writes until Commit. A Tx must end with Commit or Rollback;
// Rollback after Commit is a no-op.
type Tx interface {
	// InsertOrder assigns order.ID when it is zero.
	InsertOrder(ctx context.Context, order *core.LocalOrder) error
	UpdateOrder(ctx context.Context, order core.LocalOrder) error
	// InsertRecord returns core.ErrDuplicateRecord when the reference id is
	// already committed or staged.
	InsertRecord(ctx context.Context, rec core.Record) error
	UpsertBalance(ctx context.Context, entry core.BalanceEntry) error
	SetCheckpoint(ctx context.Context, kind core.RecordKind, offset int) error
	ClearCheckpoint(ctx context.Context, kind core.RecordKind) error

	// Commit returns an error wrapping core.ErrDuplicateRecord when a
	// concurrent writer committed one of the staged reference ids first.
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// WithTx runs fn inside a transaction, committing on success.
func WithTx(ctx context.Context, s Store, fn func(Tx) error) (err error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// OrderByAnyID resolves an order id given bare, exchange-qualified or as a tmp|
// placeholder.
func OrderByAnyID(ctx context.Context, s Store, exchange, orderID string) (core.LocalOrder, error) {
	native := core.NativeID(orderID)
	if native == "" {
		return core.LocalOrder{}, core.ErrNotFound
	}
	candidates := []string{strings.TrimSpace(orderID), core.RefID(exchange, native), core.RefID(core.TempPrefix, native)}
	seen := make(map[string]struct{}, len(candidates))
	for _, id := range candidates {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		o, err := s.OrderByOrderID(ctx, id)
		if err == nil {
			return o, nil
		}
		if !isNotFound(err) {
			return core.LocalOrder{}, err
		}
	}
	return core.LocalOrder{}, core.ErrNotFound
}

func isNotFound(err error) bool {
	return errors.Is(err, core.ErrNotFound)
}
