// Package postgres is the PostgreSQL backend of the store port.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"kraken-manager/internal/core"
	"kraken-manager/internal/store"
)

const uniqueViolation = "23505"

const (
	orderColumns = `id, COALESCE(order_id, ''), exchange, market, side,
    price::text, amount::text, exec_amount::text, state, created_at, updated_at`

	orderInsertSQL = `
INSERT INTO orders (order_id, exchange, market, side, price, amount, exec_amount, state, created_at, updated_at)
VALUES (@order_id, @exchange, @market, @side, @price::numeric, @amount::numeric, @exec_amount::numeric, @state, @created_at, @updated_at)
RETURNING id;
`

	orderInsertWithIDSQL = `
INSERT INTO orders (id, order_id, exchange, market, side, price, amount, exec_amount, state, created_at, updated_at)
VALUES (@id, @order_id, @exchange, @market, @side, @price::numeric, @amount::numeric, @exec_amount::numeric, @state, @created_at, @updated_at);
`

	orderUpdateSQL = `
UPDATE orders
SET order_id = @order_id,
    market = @market,
    side = @side,
    price = @price::numeric,
    amount = @amount::numeric,
    exec_amount = @exec_amount::numeric,
    state = @state,
    updated_at = NOW()
WHERE id = @id;
`

	recordInsertSQL = `
INSERT INTO history_records (kind, ref_id, occurred_at, payload)
VALUES (@kind, @ref_id, @occurred_at, @payload::jsonb)
ON CONFLICT (kind, ref_id) DO NOTHING;
`

	balanceUpsertSQL = `
INSERT INTO balances (commodity, total, available, updated_at)
VALUES (@commodity, @total::numeric, @available::numeric, @updated_at)
ON CONFLICT (commodity) DO UPDATE SET
    total = EXCLUDED.total,
    available = EXCLUDED.available,
    updated_at = EXCLUDED.updated_at;
`

	checkpointUpsertSQL = `
INSERT INTO sync_checkpoints (kind, next_offset, updated_at)
VALUES (@kind, @offset, NOW())
ON CONFLICT (kind) DO UPDATE SET
    next_offset = EXCLUDED.next_offset,
    updated_at = NOW();
`
)

// Store persists the ledger in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. A nil pool yields a Store whose calls fail.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects a pool to dsn.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	return New(pool), nil
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("postgres store: nil pool")
	}
	return s.pool, nil
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:       pgx.ReadCommitted,
		AccessMode:     pgx.ReadWrite,
		DeferrableMode: pgx.NotDeferrable,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: begin tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func (s *Store) Order(ctx context.Context, id int64) (core.LocalOrder, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return core.LocalOrder{}, err
	}
	row := pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.LocalOrder{}, fmt.Errorf("order %d: %w", id, core.ErrNotFound)
	}
	return o, err
}

func (s *Store) OrderByOrderID(ctx context.Context, orderID string) (core.LocalOrder, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return core.LocalOrder{}, err
	}
	orderID = strings.TrimSpace(orderID)
	row := pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.LocalOrder{}, fmt.Errorf("order %q: %w", orderID, core.ErrNotFound)
	}
	return o, err
}

func (s *Store) Orders(ctx context.Context, filter store.OrderFilter) ([]core.LocalOrder, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	query, args := ordersQuery(filter)
	rows, err := pool.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list orders: %w", err)
	}
	defer rows.Close()
	var out []core.LocalOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func ordersQuery(filter store.OrderFilter) (string, pgx.NamedArgs) {
	var where []string
	args := pgx.NamedArgs{}
	if filter.Exchange != "" {
		where = append(where, "exchange = @exchange")
		args["exchange"] = filter.Exchange
	}
	if filter.Market != "" {
		where = append(where, "UPPER(market) = UPPER(@market)")
		args["market"] = filter.Market
	}
	if filter.Side != "" {
		where = append(where, "side = @side")
		args["side"] = string(filter.Side)
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		where = append(where, "state = ANY(@states)")
		args["states"] = states
	}
	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	return query + ` ORDER BY id`, args
}

func (s *Store) Exists(ctx context.Context, kind core.RecordKind, refID string) (bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return false, err
	}
	var ok bool
	err = pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM history_records WHERE kind = $1 AND ref_id = $2)`,
		string(kind), refID).Scan(&ok)
	return ok, err
}

func (s *Store) Count(ctx context.Context, kind core.RecordKind) (int, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	var n int
	err = pool.QueryRow(ctx, `SELECT COUNT(*) FROM history_records WHERE kind = $1`, string(kind)).Scan(&n)
	return n, err
}

func (s *Store) Checkpoint(ctx context.Context, kind core.RecordKind) (int, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, false, err
	}
	var off int
	err = pool.QueryRow(ctx, `SELECT next_offset FROM sync_checkpoints WHERE kind = $1`, string(kind)).Scan(&off)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return off, true, nil
}

func (s *Store) Balances(ctx context.Context) ([]core.BalanceEntry, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `SELECT commodity, total::text, available::text, updated_at FROM balances ORDER BY commodity`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list balances: %w", err)
	}
	defer rows.Close()
	var out []core.BalanceEntry
	for rows.Next() {
		var (
			b                pgBalance
			total, available string
		)
		if err := rows.Scan(&b.Commodity, &total, &available, &b.UpdatedAt); err != nil {
			return nil, err
		}
		entry, err := b.entry(total, available)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

type pgBalance struct {
	Commodity string
	UpdatedAt time.Time
}

func (b pgBalance) entry(total, available string) (core.BalanceEntry, error) {
	t, err := decimal.NewFromString(total)
	if err != nil {
		return core.BalanceEntry{}, fmt.Errorf("balance %s total: %w", b.Commodity, err)
	}
	a, err := decimal.NewFromString(available)
	if err != nil {
		return core.BalanceEntry{}, fmt.Errorf("balance %s available: %w", b.Commodity, err)
	}
	return core.BalanceEntry{Commodity: b.Commodity, Total: t, Available: a, UpdatedAt: b.UpdatedAt}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) InsertOrder(ctx context.Context, order *core.LocalOrder) error {
	if order == nil {
		return errors.New("order is nil")
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	args := orderArgs(*order)
	args["created_at"] = order.CreatedAt
	args["updated_at"] = order.UpdatedAt
	if order.ID != 0 {
		if _, err := t.tx.Exec(ctx, orderInsertWithIDSQL, args); err != nil {
			return fmt.Errorf("postgres store: insert order: %w", err)
		}
		return nil
	}
	if err := t.tx.QueryRow(ctx, orderInsertSQL, args).Scan(&order.ID); err != nil {
		return fmt.Errorf("postgres store: insert order: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, order core.LocalOrder) error {
	tag, err := t.tx.Exec(ctx, orderUpdateSQL, orderArgs(order))
	if err != nil {
		return fmt.Errorf("postgres store: update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d: %w", order.ID, core.ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertRecord(ctx context.Context, rec core.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("postgres store: encode %s: %w", rec.Kind(), err)
	}
	var occurred any
	if ts := rec.OccurredAt(); !ts.IsZero() {
		occurred = ts
	}
	tag, err := t.tx.Exec(ctx, recordInsertSQL, pgx.NamedArgs{
		"kind":        string(rec.Kind()),
		"ref_id":      rec.ReferenceID(),
		"occurred_at": occurred,
		"payload":     payload,
	})
	if err != nil {
		return fmt.Errorf("postgres store: insert %s: %w", rec.Kind(), mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", rec.Kind(), rec.ReferenceID(), core.ErrDuplicateRecord)
	}
	return nil
}

func (t *pgTx) UpsertBalance(ctx context.Context, entry core.BalanceEntry) error {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, balanceUpsertSQL, pgx.NamedArgs{
		"commodity":  entry.Commodity,
		"total":      entry.Total.String(),
		"available":  entry.Available.String(),
		"updated_at": entry.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("postgres store: upsert balance: %w", err)
	}
	return nil
}

func (t *pgTx) SetCheckpoint(ctx context.Context, kind core.RecordKind, offset int) error {
	_, err := t.tx.Exec(ctx, checkpointUpsertSQL, pgx.NamedArgs{"kind": string(kind), "offset": offset})
	if err != nil {
		return fmt.Errorf("postgres store: set checkpoint: %w", err)
	}
	return nil
}

func (t *pgTx) ClearCheckpoint(ctx context.Context, kind core.RecordKind) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM sync_checkpoints WHERE kind = $1`, string(kind)); err != nil {
		return fmt.Errorf("postgres store: clear checkpoint: %w", err)
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return mapError(err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// mapError turns unique violations into core.ErrDuplicateRecord.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errors.Join(err, core.ErrDuplicateRecord)
	}
	return err
}

func orderArgs(o core.LocalOrder) pgx.NamedArgs {
	var orderID any
	if id := strings.TrimSpace(o.OrderID); id != "" {
		orderID = id
	}
	return pgx.NamedArgs{
		"id":          o.ID,
		"order_id":    orderID,
		"exchange":    o.Exchange,
		"market":      o.Market,
		"side":        string(o.Side),
		"price":       o.Price.String(),
		"amount":      o.Amount.String(),
		"exec_amount": o.ExecAmount.String(),
		"state":       string(o.State),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (core.LocalOrder, error) {
	var (
		o                         core.LocalOrder
		side, state               string
		price, amount, execAmount string
	)
	if err := row.Scan(&o.ID, &o.OrderID, &o.Exchange, &o.Market, &side,
		&price, &amount, &execAmount, &state, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return core.LocalOrder{}, err
	}
	o.Side = core.Side(side)
	o.State = core.OrderState(state)
	var err error
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return core.LocalOrder{}, fmt.Errorf("order %d price: %w", o.ID, err)
	}
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return core.LocalOrder{}, fmt.Errorf("order %d amount: %w", o.ID, err)
	}
	if o.ExecAmount, err = decimal.NewFromString(execAmount); err != nil {
		return core.LocalOrder{}, fmt.Errorf("order %d exec amount: %w", o.ID, err)
	}
	return o, nil
}

var _ store.Store = (*Store)(nil)
