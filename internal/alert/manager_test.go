package alert

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type captureNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureNotifier) Notify(_ context.Context, msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureNotifier) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func TestImportantDeliversAsync(t *testing.T) {
	n := &captureNotifier{}
	m := NewManager("testnet", "BTCUSDC", n, zap.NewNop())
	m.Important("sl_triggered", map[string]string{
		"price": "95000",
		"level": "4",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	msgs := n.messages()
	if len(msgs) != 1 {
		t.Fatalf("delivered = %d messages", len(msgs))
	}
	for _, want := range []string{"event: sl_triggered", "symbol: BTCUSDC", "mode: testnet", "level: 4", "price: 95000"} {
		if !strings.Contains(msgs[0], want) {
			t.Fatalf("message missing %q:\n%s", want, msgs[0])
		}
	}
}

func TestNilManagerIsSafe(t *testing.T) {
	var m *Manager
	m.Important("anything", nil)
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("nil Close() error = %v", err)
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	n := &captureNotifier{}
	m := NewManager("live", "ETHUSDC", n, zap.NewNop())
	for i := 0; i < 5; i++ {
		m.Important("fill", map[string]string{"i": string(rune('0' + i))})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := len(n.messages()); got != 5 {
		t.Fatalf("delivered = %d, want 5", got)
	}
	m.Important("after close", nil)
	if got := len(n.messages()); got != 5 {
		t.Fatalf("message accepted after close")
	}
}
