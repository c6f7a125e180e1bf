package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"kraken-manager/internal/core"
)

var errTxDone = errors.New("transaction already finished")

// snapshot is the mutable state committed atomically by a transaction.
type snapshot struct {
	NextID      int64                        `json:"next_id"`
	Orders      map[int64]core.LocalOrder    `json:"orders"`
	Balances    map[string]core.BalanceEntry `json:"balances"`
	Checkpoints map[core.RecordKind]int      `json:"checkpoints"`
}

func newSnapshot() snapshot {
	return snapshot{
		NextID:      1,
		Orders:      make(map[int64]core.LocalOrder),
		Balances:    make(map[string]core.BalanceEntry),
		Checkpoints: make(map[core.RecordKind]int),
	}
}

func (s snapshot) clone() snapshot {
	out := snapshot{
		NextID:      s.NextID,
		Orders:      make(map[int64]core.LocalOrder, len(s.Orders)),
		Balances:    make(map[string]core.BalanceEntry, len(s.Balances)),
		Checkpoints: make(map[core.RecordKind]int, len(s.Checkpoints)),
	}
	for k, v := range s.Orders {
		out.Orders[k] = v
	}
	for k, v := range s.Balances {
		out.Balances[k] = v
	}
	for k, v := range s.Checkpoints {
		out.Checkpoints[k] = v
	}
	return out
}

// persistFunc makes a commit durable before it becomes visible.
type persistFunc func(next snapshot, records []core.Record) error

// Memory is an in-process Store. Commits are atomic and serialised.
type Memory struct {
	mu      sync.RWMutex
	state   snapshot
	records map[core.RecordKind]map[string]core.Record
	persist persistFunc
	now     func() time.Time

	failCommit []error
}

func NewMemory() *Memory {
	return &Memory{
		state:   newSnapshot(),
		records: make(map[core.RecordKind]map[string]core.Record),
		now:     time.Now,
	}
}

// FailNextCommit makes the next commits fail with errs, in order.
func (m *Memory) FailNextCommit(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCommit = append(m.failCommit, errs...)
}

// InsertCommitted stores a record outside any transaction, the way a
// concurrent writer would.
func (m *Memory) InsertCommitted(rec core.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addRecordLocked(rec)
}

func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTx{
		m:           m,
		keys:        make(map[string]struct{}),
		checkpoints: make(map[core.RecordKind]*int),
	}, nil
}

func (m *Memory) Order(_ context.Context, id int64) (core.LocalOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.state.Orders[id]
	if !ok {
		return core.LocalOrder{}, fmt.Errorf("order %d: %w", id, core.ErrNotFound)
	}
	return o, nil
}

func (m *Memory) OrderByOrderID(_ context.Context, orderID string) (core.LocalOrder, error) {
	orderID = strings.TrimSpace(orderID)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.state.Orders {
		if orderID != "" && o.OrderID == orderID {
			return o, nil
		}
	}
	return core.LocalOrder{}, fmt.Errorf("order %q: %w", orderID, core.ErrNotFound)
}

func (m *Memory) Orders(_ context.Context, filter OrderFilter) ([]core.LocalOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.LocalOrder, 0, len(m.state.Orders))
	for _, o := range m.state.Orders {
		if filter.Match(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Exists(_ context.Context, kind core.RecordKind, refID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[kind][refID]
	return ok, nil
}

func (m *Memory) Count(_ context.Context, kind core.RecordKind) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records[kind]), nil
}

// Records returns committed records of kind ordered by reference id.
func (m *Memory) Records(kind core.RecordKind) []core.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Record, 0, len(m.records[kind]))
	for _, r := range m.records[kind] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReferenceID() < out[j].ReferenceID() })
	return out
}

func (m *Memory) Checkpoint(_ context.Context, kind core.RecordKind) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	off, ok := m.state.Checkpoints[kind]
	return off, ok, nil
}

func (m *Memory) Balances(_ context.Context) ([]core.BalanceEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.BalanceEntry, 0, len(m.state.Balances))
	for _, b := range m.state.Balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Commodity < out[j].Commodity })
	return out, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) addRecordLocked(rec core.Record) {
	byKind, ok := m.records[rec.Kind()]
	if !ok {
		byKind = make(map[string]core.Record)
		m.records[rec.Kind()] = byKind
	}
	byKind[rec.ReferenceID()] = rec
}

func (m *Memory) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failCommit) > 0 {
		err := m.failCommit[0]
		m.failCommit = m.failCommit[1:]
		if err != nil {
			return err
		}
	}
	for _, rec := range tx.records {
		if _, dup := m.records[rec.Kind()][rec.ReferenceID()]; dup {
			return fmt.Errorf("%s %s: %w", rec.Kind(), rec.ReferenceID(), core.ErrDuplicateRecord)
		}
	}

	next := m.state.clone()
	now := m.now().UTC()
	for _, o := range tx.inserts {
		if o.ID >= next.NextID {
			next.NextID = o.ID + 1
		}
		if _, exists := next.Orders[o.ID]; exists {
			return fmt.Errorf("order %d already exists", o.ID)
		}
		next.Orders[o.ID] = o
	}
	for _, o := range tx.updates {
		if _, exists := next.Orders[o.ID]; !exists {
			return fmt.Errorf("order %d: %w", o.ID, core.ErrNotFound)
		}
		o.UpdatedAt = now
		next.Orders[o.ID] = o
	}
	for _, b := range tx.balances {
		next.Balances[b.Commodity] = b
	}
	for kind, off := range tx.checkpoints {
		if off == nil {
			delete(next.Checkpoints, kind)
			continue
		}
		next.Checkpoints[kind] = *off
	}
	if m.persist != nil {
		if err := m.persist(next, tx.records); err != nil {
			return err
		}
	}
	m.state = next
	for _, rec := range tx.records {
		m.addRecordLocked(rec)
	}
	return nil
}

func (m *Memory) reserveID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.state.NextID
	m.state.NextID++
	return id
}

type memTx struct {
	m           *Memory
	done        bool
	inserts     []core.LocalOrder
	updates     []core.LocalOrder
	records     []core.Record
	keys        map[string]struct{}
	balances    []core.BalanceEntry
	checkpoints map[core.RecordKind]*int
}

func (tx *memTx) InsertOrder(_ context.Context, order *core.LocalOrder) error {
	if tx.done {
		return errTxDone
	}
	if order == nil {
		return errors.New("order is nil")
	}
	if order.ID == 0 {
		order.ID = tx.m.reserveID()
	}
	now := tx.m.now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	tx.inserts = append(tx.inserts, *order)
	return nil
}

func (tx *memTx) UpdateOrder(_ context.Context, order core.LocalOrder) error {
	if tx.done {
		return errTxDone
	}
	for i := range tx.inserts {
		if tx.inserts[i].ID == order.ID {
			tx.inserts[i] = order
			return nil
		}
	}
	tx.updates = append(tx.updates, order)
	return nil
}

func (tx *memTx) InsertRecord(_ context.Context, rec core.Record) error {
	if tx.done {
		return errTxDone
	}
	key := string(rec.Kind()) + "\x00" + rec.ReferenceID()
	if _, staged := tx.keys[key]; staged {
		return fmt.Errorf("%s %s: %w", rec.Kind(), rec.ReferenceID(), core.ErrDuplicateRecord)
	}
	tx.m.mu.RLock()
	_, committed := tx.m.records[rec.Kind()][rec.ReferenceID()]
	tx.m.mu.RUnlock()
	if committed {
		return fmt.Errorf("%s %s: %w", rec.Kind(), rec.ReferenceID(), core.ErrDuplicateRecord)
	}
	tx.keys[key] = struct{}{}
	tx.records = append(tx.records, rec)
	return nil
}

func (tx *memTx) UpsertBalance(_ context.Context, entry core.BalanceEntry) error {
	if tx.done {
		return errTxDone
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = tx.m.now().UTC()
	}
	tx.balances = append(tx.balances, entry)
	return nil
}

func (tx *memTx) SetCheckpoint(_ context.Context, kind core.RecordKind, offset int) error {
	if tx.done {
		return errTxDone
	}
	off := offset
	tx.checkpoints[kind] = &off
	return nil
}

func (tx *memTx) ClearCheckpoint(_ context.Context, kind core.RecordKind) error {
	if tx.done {
		return errTxDone
	}
	tx.checkpoints[kind] = nil
	return nil
}

func (tx *memTx) Commit(ctx context.Context) error {
	if tx.done {
		return errTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.done = true
	return tx.m.commit(tx)
}

func (tx *memTx) Rollback(context.Context) error {
	tx.done = true
	return nil
}
