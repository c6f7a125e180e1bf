// Package alert delivers important connector events to an operator channel
// without blocking the caller.
package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kraken-manager/internal/telemetry"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	notifyTimeout             = 20 * time.Second
)

type ManagerOptions struct {
	// Instance and Account label every message, e.g. "kraken-manager" and a key fingerprint.
	Instance           string
	Account            string
	QueueSize          int
	DropReportInterval time.Duration
	Logger             *zap.Logger
}

// Manager queues events for one notifier goroutine. Events offered while the
// queue is full are dropped and counted.
type Manager struct {
	opts     ManagerOptions
	notifier Notifier
	logger   *zap.Logger
	queue    chan event

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}

	dropped       atomic.Uint64
	droppedWindow atomic.Uint64
}

type event struct {
	name   string
	fields map[string]string
	at     time.Time
}

// NewManager returns nil when notifier is nil; a nil Manager drops everything.
func NewManager(notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.DropReportInterval < 0 {
		opts.DropReportInterval = 0
	}
	if strings.TrimSpace(opts.Instance) == "" {
		opts.Instance = "kraken-manager"
	}
	m := &Manager{
		opts:     opts,
		notifier: notifier,
		logger:   telemetry.OrNop(opts.Logger),
		queue:    make(chan event, opts.QueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil {
		return
	}
	ev := event{name: name, fields: cloneFields(fields), at: time.Now().UTC()}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
	default:
		total := m.dropped.Add(1)
		// First drop of a window is logged at once; the rest go in the summary.
		if m.droppedWindow.Add(1) == 1 {
			m.logger.Warn("alert_queue_dropped",
				zap.String("target_event", name),
				zap.Uint64("dropped_total", total),
				zap.Int("queue_cap", cap(m.queue)))
		}
	}
}

// Close stops intake and waits for queued events to be sent.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.stop)
	}
	m.mu.Unlock()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run() {
	defer close(m.done)
	var tick <-chan time.Time
	if m.opts.DropReportInterval > 0 {
		t := time.NewTicker(m.opts.DropReportInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-tick:
			m.reportDropped()
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDropped()
					return
				}
			}
		}
	}
}

func (m *Manager) reportDropped() {
	n := m.droppedWindow.Swap(0)
	if n == 0 {
		return
	}
	m.logger.Warn("alert_queue_dropped_report",
		zap.Uint64("dropped_since_last", n),
		zap.Uint64("dropped_total", m.dropped.Load()),
		zap.Duration("interval", m.opts.DropReportInterval))
}

func (m *Manager) send(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.format(ev)); err != nil {
		m.logger.Error("alert_notify_failed", zap.String("target_event", ev.name), zap.Error(err))
	}
}

func (m *Manager) format(ev event) string {
	lines := []string{
		"[" + m.opts.Instance + "] " + ev.name,
		"time: " + ev.at.Format(time.RFC3339),
	}
	if m.opts.Account != "" {
		lines = append(lines, "account: "+m.opts.Account)
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
