package engine

import (
	"context"
	"errors"
	"os"
	"time"

	"go.uber.org/zap"

	"grid-martingale/internal/core"
	"grid-martingale/internal/store"
)

// BarSource is the closed-kline stream the loop consumes.
type BarSource interface {
	Run(ctx context.Context, out chan<- core.Bar) error
}

// Loop multiplexes the three periodic activities onto one goroutine: market
// ticks, the silent-fill heartbeat and parameter reloads. Reconciliations
// serialize by construction; nothing else mutates strategy state.
type Loop struct {
	Reconciler  *Reconciler
	Bars        BarSource
	Heartbeat   time.Duration
	ReloadEvery time.Duration
	Grace       time.Duration

	Mode       string
	InstanceID string
	Logger     *zap.Logger

	startedAt time.Time
}

// Run blocks until ctx is cancelled. On shutdown the in-flight
// reconciliation finishes within the grace period, state is persisted by
// that tick, and resting venue orders are intentionally left in place.
func (l *Loop) Run(ctx context.Context) error {
	heartbeat := l.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	grace := l.Grace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	l.startedAt = time.Now().UTC()

	// Ticks run under a context that survives the shutdown signal for the
	// grace period, so the current reconciliation can finish cleanly.
	tickCtx, cancelTicks := context.WithCancel(context.Background())
	defer cancelTicks()
	go func() {
		<-ctx.Done()
		time.AfterFunc(grace, cancelTicks)
	}()

	bars := make(chan core.Bar, 4)
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- l.Bars.Run(ctx, bars)
	}()

	watcher := l.Reconciler.Watcher
	reloadEvery := l.ReloadEvery
	if reloadEvery <= 0 {
		reloadEvery = time.Minute
	}
	reloadTicker := time.NewTicker(reloadEvery)
	defer reloadTicker.Stop()
	heartbeatTicker := time.NewTicker(heartbeat)
	defer heartbeatTicker.Stop()

	l.persistRuntimeStatus("running", nil)
	defer l.persistRuntimeStatus("stopped", nil)

	for {
		select {
		case bar := <-bars:
			if err := l.Reconciler.OnBar(tickCtx, bar); err != nil {
				if fatal := l.checkTickError(ctx, "bar", err); fatal != nil {
					return fatal
				}
			}
		case <-heartbeatTicker.C:
			if err := l.Reconciler.Heartbeat(tickCtx); err != nil {
				if fatal := l.checkTickError(ctx, "heartbeat", err); fatal != nil {
					return fatal
				}
			}
		case <-reloadTicker.C:
			if watcher.Reload() {
				l.Logger.Info("parameters reloaded")
				p := watcher.Current()
				side := core.PositionLong
				if p.Direction == core.DirectionShort {
					side = core.PositionShort
				}
				center := l.Reconciler.State().GridCenter
				if err := p.CheckLadderTicks(center, l.Reconciler.Rules.PriceTick, side); err != nil {
					l.Logger.Warn("reloaded parameters collide on the price tick", zap.Error(err))
				}
			}
		case err := <-streamDone:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case <-ctx.Done():
			l.Logger.Info("shutdown signal received, leaving resting orders in place")
			return nil
		}
	}
}

// checkTickError decides whether a failed reconciliation stops the process.
// Transient failures are retried on the next event; fatal ones bubble up.
func (l *Loop) checkTickError(ctx context.Context, source string, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, core.ErrFatal) || errors.Is(err, store.ErrCorrupt) {
		l.Logger.Error("fatal reconciliation failure", zap.String("source", source), zap.Error(err))
		l.persistRuntimeStatus("failed", err)
		return err
	}
	l.Logger.Warn("reconciliation failed, will retry on next event",
		zap.String("source", source),
		zap.Error(err),
	)
	l.persistRuntimeStatus("degraded", err)
	return nil
}

func (l *Loop) persistRuntimeStatus(state string, lastErr error) {
	r := l.Reconciler
	if r == nil || r.Store == nil {
		return
	}
	status := store.RuntimeStatus{
		Mode:       l.Mode,
		Symbol:     r.state.Symbol,
		InstanceID: l.InstanceID,
		PID:        os.Getpid(),
		State:      state,
		StartedAt:  l.startedAt,
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	if err := r.Store.SaveRuntimeStatus(status); err != nil {
		l.Logger.Warn("runtime status write failed", zap.Error(err))
	}
}
