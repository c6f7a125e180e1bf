package store

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// KeyLock guards one API key against a second local process. Two processes
// signing with the same key race each other's nonces.
type KeyLock struct {
	path string
	key  string
	file *os.File
}

type LockOptions struct {
	TakeoverEnabled bool
	StaleAfter      time.Duration
	Now             func() time.Time
	Logger          *zap.Logger
}

// KeyFingerprint identifies an API key in lock files, logs and alerts
// without revealing it.
func KeyFingerprint(apiKey string) string {
	if apiKey == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(apiKey))
	return "key:" + hex.EncodeToString(sum[:4])
}

// KeyLockPath names the lock file of apiKey under root.
func KeyLockPath(root, apiKey string) string {
	return filepath.Join(root, ".kraken-"+strings.TrimPrefix(KeyFingerprint(apiKey), "key:")+".lock")
}

// lockOwner is the body of a lock file.
type lockOwner struct {
	pid       int
	key       string
	startedAt time.Time
}

func (o lockOwner) encode() string {
	var b strings.Builder
	b.WriteString("pid=" + strconv.Itoa(o.pid) + "\n")
	b.WriteString("key=" + o.key + "\n")
	b.WriteString("started_at=" + o.startedAt.UTC().Format(time.RFC3339) + "\n")
	return b.String()
}

func decodeLockOwner(data []byte) (lockOwner, error) {
	var o lockOwner
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.TrimSpace(k) {
		case "pid":
			if pid, err := strconv.Atoi(v); err == nil && pid > 0 {
				o.pid = pid
			}
		case "key":
			o.key = v
		case "started_at":
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				o.startedAt = ts.UTC()
			}
		}
	}
	return o, sc.Err()
}

// staleReason reports whether the owner may be displaced. A live pid always
// wins; without a pid only the lock age decides.
func (o lockOwner) staleReason(now time.Time, staleAfter time.Duration) (string, bool, error) {
	if o.pid > 0 {
		alive, err := processAlive(o.pid)
		if err != nil {
			return "", false, err
		}
		if alive {
			return "owner_process_running", false, nil
		}
		return "owner_process_not_running", true, nil
	}
	if o.startedAt.IsZero() {
		return "missing_lock_owner_info", false, nil
	}
	if staleAfter > 0 && now.Sub(o.startedAt) >= staleAfter {
		return "lock_age_exceeded", true, nil
	}
	return "lock_not_stale", false, nil
}

func AcquireKeyLock(root, apiKey string, opts LockOptions) (*KeyLock, error) {
	if root == "" {
		return nil, fmt.Errorf("lock dir required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	path := KeyLockPath(root, apiKey)
	key := KeyFingerprint(apiKey)

	for attempts := 0; attempts < 3; attempts++ {
		lock, err := createKeyLock(path, lockOwner{pid: os.Getpid(), key: key, startedAt: now().UTC()})
		if err == nil {
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !opts.TakeoverEnabled {
			return nil, fmt.Errorf("api key lock exists for %s: %s", key, path)
		}
		reason, stale, err := checkStale(path, now().UTC(), opts.StaleAfter)
		if err != nil {
			return nil, fmt.Errorf("api key lock exists for %s: %s (stale check failed: %v)", key, path, err)
		}
		if !stale {
			return nil, fmt.Errorf("api key lock exists for %s: %s (%s)", key, path, reason)
		}
		logger.Warn("key_lock_takeover", zap.String("key", key), zap.String("path", path), zap.String("reason", reason))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("api key lock exists for %s: %s", key, path)
}

func createKeyLock(path string, owner lockOwner) (*KeyLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteString(owner.encode()); err == nil {
		err = f.Sync()
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return &KeyLock{path: path, key: owner.key, file: f}, nil
}

func checkStale(path string, now time.Time, staleAfter time.Duration) (string, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "lock_disappeared", true, nil
	}
	if err != nil {
		return "", false, err
	}
	owner, err := decodeLockOwner(data)
	if err != nil {
		return "", false, err
	}
	return owner.staleReason(now, staleAfter)
}

// processAlive probes pid with signal 0. EPERM means the process exists
// under another user.
func processAlive(pid int) (bool, error) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}
	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil, errors.Is(err, syscall.EPERM):
		return true, nil
	default:
		return false, nil
	}
}

// Key is the fingerprint of the locked API key.
func (l *KeyLock) Key() string {
	if l == nil {
		return ""
	}
	return l.key
}

func (l *KeyLock) Release() error {
	if l == nil {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if l.path == "" {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	l.path = ""
	return nil
}
