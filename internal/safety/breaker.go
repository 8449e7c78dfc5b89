package safety

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"grid-martingale/internal/alert"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

const (
	defaultReconnectCooldown   = 30 * time.Second
	defaultHalfOpenProbePasses = 1
)

type circuit struct {
	maxFailures int
	failures    int
	open        bool
	openedAt    time.Time
	openErr     error
}

// Breaker trips after a streak of venue-operation failures so a persistently
// failing venue cannot be hammered forever. Place and cancel circuits trip
// hard; the reconnect circuit cools down and half-opens with probe passes.
type Breaker struct {
	enabled bool

	mu        sync.Mutex
	place     circuit
	cancel    circuit
	reconnect circuit

	reconnectCooldown time.Duration
	probePasses       int
	probeSuccesses    int

	alerter alert.Alerter
}

func NewBreaker(enabled bool, maxPlace, maxCancel, maxReconnect int) *Breaker {
	return &Breaker{
		enabled:           enabled,
		place:             circuit{maxFailures: maxPlace},
		cancel:            circuit{maxFailures: maxCancel},
		reconnect:         circuit{maxFailures: maxReconnect},
		reconnectCooldown: defaultReconnectCooldown,
		probePasses:       defaultHalfOpenProbePasses,
	}
}

func (b *Breaker) SetReconnectRecovery(cooldown time.Duration, probePasses int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cooldown > 0 {
		b.reconnectCooldown = cooldown
	}
	if probePasses >= 1 {
		b.probePasses = probePasses
	}
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

// RecordPlace feeds a place-order outcome. Returns ErrCircuitOpen (wrapped)
// once the failure streak reaches the limit.
func (b *Breaker) RecordPlace(err error) error {
	return b.record("place", &b.place, err)
}

func (b *Breaker) RecordCancel(err error) error {
	return b.record("cancel", &b.cancel, err)
}

func (b *Breaker) RecordReconnect(err error) error {
	return b.record("reconnect", &b.reconnect, err)
}

func (b *Breaker) record(name string, c *circuit, err error) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		c.failures = 0
		return nil
	}
	c.failures++
	if c.maxFailures > 0 && c.failures >= c.maxFailures && !c.open {
		c.open = true
		c.openedAt = time.Now().UTC()
		c.openErr = err
		if b.alerter != nil {
			b.alerter.Important("circuit_open", map[string]string{
				"circuit":  name,
				"failures": fmt.Sprintf("%d", c.failures),
				"err":      err.Error(),
			})
		}
	}
	if c.open {
		return fmt.Errorf("%w: %s after %d failures: %v", ErrCircuitOpen, name, c.failures, c.openErr)
	}
	return nil
}

// AllowReconnect gates reconnect attempts while the reconnect circuit cools
// down. After the cooldown the circuit half-opens and probe passes are
// admitted; ResetReconnect closes it again.
func (b *Breaker) AllowReconnect() error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.reconnect.open {
		return nil
	}
	if time.Since(b.reconnect.openedAt) < b.reconnectCooldown {
		return fmt.Errorf("%w: reconnect cooling down: %v", ErrCircuitOpen, b.reconnect.openErr)
	}
	return nil
}

// ReconnectCooldownRemaining reports how long AllowReconnect will keep
// rejecting.
func (b *Breaker) ReconnectCooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.reconnect.open {
		return 0
	}
	rem := b.reconnectCooldown - time.Since(b.reconnect.openedAt)
	if rem < 0 {
		return 0
	}
	return rem
}

// ResetReconnect records a healthy pass; enough passes close a half-open
// reconnect circuit.
func (b *Breaker) ResetReconnect() {
	if b == nil || !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.reconnect.open {
		b.reconnect.failures = 0
		return
	}
	if time.Since(b.reconnect.openedAt) < b.reconnectCooldown {
		return
	}
	b.probeSuccesses++
	if b.probeSuccesses >= b.probePasses {
		b.reconnect = circuit{maxFailures: b.reconnect.maxFailures}
		b.probeSuccesses = 0
		if b.alerter != nil {
			b.alerter.Important("circuit_closed", map[string]string{"circuit": "reconnect"})
		}
	}
}
