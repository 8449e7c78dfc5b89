package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter is what the rest of the engine sees: fire-and-forget important
// events. A nil *Manager is a valid no-op Alerter.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const defaultQueueSize = 128

// Manager delivers alerts asynchronously through a bounded queue so a slow
// notifier can never stall a reconciliation. Overflow is dropped and counted.
type Manager struct {
	mode     string
	symbol   string
	notifier Notifier
	logger   *zap.Logger

	queue   chan alertEvent
	stop    chan struct{}
	done    chan struct{}
	dropped uint64

	mu     sync.Mutex
	closed bool
}

type alertEvent struct {
	event  string
	fields map[string]string
}

func NewManager(mode, symbol string, notifier Notifier, logger *zap.Logger) *Manager {
	if notifier == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		mode:     mode,
		symbol:   symbol,
		notifier: notifier,
		logger:   logger,
		queue:    make(chan alertEvent, defaultQueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	select {
	case m.queue <- alertEvent{event: event, fields: cloneFields(fields)}:
	default:
		dropped := atomic.AddUint64(&m.dropped, 1)
		m.logger.Warn("alert queue full, dropping",
			zap.String("event", event),
			zap.Uint64("dropped_total", dropped),
		)
	}
}

// Close drains the queue and stops the delivery loop.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) send(ev alertEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.buildMessage(ev.event, ev.fields)); err != nil {
		m.logger.Error("alert delivery failed",
			zap.String("event", ev.event),
			zap.Error(err),
		)
	}
}

func (m *Manager) buildMessage(event string, fields map[string]string) string {
	lines := []string{
		"[grid-martingale] important",
		"time: " + time.Now().UTC().Format(time.RFC3339),
		"mode: " + m.mode,
		"symbol: " + m.symbol,
		"event: " + event,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+fields[k])
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
