package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"kraken-manager/internal/core"
)

// File is a durable Store on a local directory: history records are appended
// to one fsynced jsonl file per kind and orders, balances and checkpoints are
// rewritten atomically to state.json on every commit.
type File struct {
	*Memory
	root   string
	logger *zap.Logger
}

var recordFiles = map[core.RecordKind]string{
	core.KindTrade:  "trades.jsonl",
	core.KindCredit: "credits.jsonl",
	core.KindDebit:  "debits.jsonl",
}

func OpenFile(root string, logger *zap.Logger) (*File, error) {
	if root == "" {
		return nil, errors.New("store dir required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	f := &File{Memory: NewMemory(), root: root, logger: logger}
	state, ok, err := f.loadState()
	if err != nil {
		return nil, err
	}
	if ok {
		f.Memory.state = state
	}
	for kind := range recordFiles {
		if err := f.loadRecords(kind); err != nil {
			return nil, fmt.Errorf("load %s records: %w", kind, err)
		}
	}
	f.Memory.persist = f.persistCommit
	return f, nil
}

func (f *File) persistCommit(next snapshot, records []core.Record) error {
	byKind := make(map[core.RecordKind][]core.Record)
	for _, rec := range records {
		byKind[rec.Kind()] = append(byKind[rec.Kind()], rec)
	}
	for kind, recs := range byKind {
		if err := appendJSONLines(f.recordPath(kind), recs); err != nil {
			return fmt.Errorf("append %s records: %w", kind, err)
		}
	}
	return writeJSONAtomic(f.statePath(), next, f.logger)
}

func (f *File) loadState() (snapshot, bool, error) {
	data, err := os.ReadFile(f.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return snapshot{}, false, nil
		}
		return snapshot{}, false, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return snapshot{}, false, errors.New("state file is empty")
	}
	state := newSnapshot()
	if err := json.Unmarshal(trimmed, &state); err != nil {
		return snapshot{}, false, err
	}
	if state.Orders == nil {
		state.Orders = make(map[int64]core.LocalOrder)
	}
	if state.Balances == nil {
		state.Balances = make(map[string]core.BalanceEntry)
	}
	if state.Checkpoints == nil {
		state.Checkpoints = make(map[core.RecordKind]int)
	}
	return state, true, nil
}

// loadRecords rebuilds the reference-id index. A torn last line from a crash
// mid-append is skipped; its record will be fetched again by the next sync.
func (f *File) loadRecords(kind core.RecordKind) error {
	file, err := os.Open(f.recordPath(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := DecodeRecord(kind, line)
		if err != nil {
			f.logger.Warn("store_record_skipped", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		if rec.ReferenceID() == "" {
			continue
		}
		f.Memory.addRecordLocked(rec)
	}
	return scanner.Err()
}

// DecodeRecord decodes a JSON record payload of the given kind.
func DecodeRecord(kind core.RecordKind, line []byte) (core.Record, error) {
	switch kind {
	case core.KindTrade:
		var t core.Trade
		err := json.Unmarshal(line, &t)
		return t, err
	case core.KindCredit:
		var c core.Credit
		err := json.Unmarshal(line, &c)
		return c, err
	case core.KindDebit:
		var d core.Debit
		err := json.Unmarshal(line, &d)
		return d, err
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
}

func (f *File) statePath() string {
	return filepath.Join(f.root, "state.json")
}

func (f *File) recordPath(kind core.RecordKind) string {
	name, ok := recordFiles[kind]
	if !ok {
		name = string(kind) + ".jsonl"
	}
	return filepath.Join(f.root, name)
}

func appendJSONLines(path string, recs []core.Record) error {
	var buf bytes.Buffer
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.Write(buf.Bytes()); err != nil {
		return err
	}
	return file.Sync()
}

func writeJSONAtomic(path string, v any, logger *zap.Logger) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	fsyncDirBestEffort(dir, path, logger)
	return nil
}

func fsyncDirBestEffort(dir, path string, logger *zap.Logger) {
	d, err := os.Open(dir)
	if err != nil {
		logger.Warn("store_dir_fsync_skipped", zap.String("dir", dir), zap.String("target", path), zap.Error(err))
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		logger.Warn("store_dir_fsync_failed", zap.String("dir", dir), zap.String("target", path), zap.Error(err))
	}
}
