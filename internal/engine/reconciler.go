package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-martingale/internal/alert"
	"grid-martingale/internal/core"
	"grid-martingale/internal/exchange"
	"grid-martingale/internal/journal"
	"grid-martingale/internal/metrics"
	"grid-martingale/internal/params"
	"grid-martingale/internal/safety"
	"grid-martingale/internal/store"
	"grid-martingale/internal/strategy"
)

const cancelAllVerifyAttempts = 5

var capitalBootstrapShare = decimal.RequireFromString("0.4")

// Reconciler drives the strategy's desired orders into the venue and keeps
// local state equal to the venue's authoritative position after every fill.
// It is single-threaded: the event loop serializes calls.
type Reconciler struct {
	Venue      exchange.Venue
	Store      *store.Store
	Journal    *journal.Journal
	Watcher    *params.Watcher
	Alerts     alert.Alerter
	Breaker    *safety.Breaker
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Rules      core.Rules
	QuoteAsset string

	state store.StrategyState
}

func (r *Reconciler) State() store.StrategyState { return r.state }

// Bootstrap loads the snapshot, applies the margin/leverage setup and seeds
// operational capital on a fresh start.
func (r *Reconciler) Bootstrap(ctx context.Context) error {
	st, found, err := r.Store.Load()
	if err != nil {
		return err
	}
	p := r.Watcher.Current()
	if !found {
		r.Logger.Info("no snapshot found, starting fresh")
	} else {
		r.Logger.Info("snapshot restored",
			zap.String("position_side", string(st.PositionSide)),
			zap.Int("current_level", st.CurrentLevel),
			zap.String("grid_center", st.GridCenter.String()),
		)
	}
	if st.Capital.Cmp(decimal.Zero) <= 0 {
		st.Capital = r.bootstrapCapital(ctx, p)
		r.Logger.Info("capital seeded", zap.String("capital", st.Capital.String()))
	}
	if err := r.Venue.SetIsolatedMargin(ctx); err != nil {
		return err
	}
	leverageSide := core.PositionLong
	if p.Direction == core.DirectionShort {
		leverageSide = core.PositionShort
	}
	if err := r.Venue.SetLeverage(ctx, p.Leverage(leverageSide)); err != nil {
		return err
	}
	r.state = st
	return nil
}

// bootstrapCapital allocates 40% of the venue wallet balance to this symbol,
// falling back to 40% of the configured initial capital when the query fails
// or reports no positive balance.
func (r *Reconciler) bootstrapCapital(ctx context.Context, p params.Params) decimal.Decimal {
	bal, err := r.Venue.Balance(ctx, r.QuoteAsset)
	if err != nil || bal.Cmp(decimal.Zero) <= 0 {
		if err != nil {
			r.Logger.Warn("balance query failed, using configured capital", zap.Error(err))
		}
		return p.InitialCapital.Mul(capitalBootstrapShare)
	}
	return bal.Mul(capitalBootstrapShare)
}

// OnBar feeds a closed kline through a full reconciliation.
func (r *Reconciler) OnBar(ctx context.Context, bar core.Bar) error {
	if r.Metrics != nil {
		r.Metrics.BarsConsumed.Inc()
	}
	return r.Tick(ctx, &bar)
}

// Heartbeat forces a reconciliation without a market event to catch silent
// fills.
func (r *Reconciler) Heartbeat(ctx context.Context) error {
	return r.Tick(ctx, nil)
}

// Tick is one reconciliation pass: observe the venue, advance the state
// machine, apply the desired-orders diff, persist. Any fatal failure aborts
// before persistence so state never advances on a failed tick.
func (r *Reconciler) Tick(ctx context.Context, bar *core.Bar) (err error) {
	defer func() {
		if r.Metrics != nil {
			if err != nil {
				r.Metrics.ReconcileErrors.Inc()
			} else {
				r.Metrics.Reconciliations.Inc()
			}
		}
	}()

	p := r.Watcher.Current()
	m := strategy.Machine{Params: p, Rules: r.Rules}
	st := r.state
	now := time.Now().UTC()

	if st.GridCenter.Cmp(decimal.Zero) <= 0 && bar == nil {
		return nil
	}

	var entries []journal.Entry
	cancelAll := false
	collect := func(res strategy.Result) {
		st = res.State
		entries = append(entries, res.Journal...)
		cancelAll = cancelAll || res.CancelAll
		for _, w := range res.Warnings {
			r.Logger.Warn("reconcile adjustment", zap.String("detail", w))
			r.alertImportant("reconcile_adjustment", map[string]string{"detail": w})
		}
	}

	// First closed bar after start: create the grid, nothing to observe yet.
	if st.GridCenter.Cmp(decimal.Zero) <= 0 {
		collect(m.OnBarClose(st, *bar))
		return r.commit(ctx, m, st, nil, entries, false, now)
	}

	pos, err := r.Venue.PositionWithRetry(ctx)
	if err != nil {
		return err
	}
	open, err := r.Venue.OpenOrders(ctx)
	if err != nil {
		return err
	}

	switch {
	case st.PositionSide != core.PositionNone && pos.Flat():
		collect(r.inferFullExit(ctx, m, st, open, bar, now))
	case st.PositionSide != core.PositionNone && pos.Qty.Add(r.Rules.QtyStep).Cmp(st.TotalSize) < 0:
		// Venue holds less than local view: the partial break-even closed.
		price := desiredExitPrice(st, core.KindBE)
		if price.Cmp(decimal.Zero) <= 0 {
			price = strategy.BEPrice(st.AvgPrice, p, r.Rules, st.PositionSide)
		}
		collect(m.OnBEFill(st, price, pos, r.realizedSince(ctx, st), now))
	}

	// Venue holds more than local view: one or more levels filled between
	// polls. Synthesize the entry fills in ascending level order.
	if !pos.Flat() && pos.Qty.Sub(r.Rules.QtyStep).Cmp(st.TotalSize) > 0 {
		side := pos.Side
		filled := filledEntries(st, open, side)
		if len(filled) == 0 {
			r.Logger.Warn("venue size exceeds local view with no missing entry order, adopting venue",
				zap.String("venue_qty", pos.Qty.String()),
				zap.String("local_qty", st.TotalSize.String()),
			)
			st.PositionSide = side
			st.TotalSize = pos.Qty
			st.AvgPrice = pos.AvgPrice
		}
		for i, d := range filled {
			venue := core.Position{}
			if i == len(filled)-1 {
				venue = pos
			}
			collect(m.OnEntryFill(st, side, d.Level, d.Price, d.Qty, venue, now))
		}
	}

	if bar != nil {
		collect(m.OnBarClose(st, *bar))
	}

	return r.commit(ctx, m, st, open, entries, cancelAll, now)
}

// commit cancels superseded orders, applies the desired diff, then persists
// journal and snapshot. Called exactly once per tick.
func (r *Reconciler) commit(ctx context.Context, m strategy.Machine, st store.StrategyState, open []core.Order, entries []journal.Entry, cancelAll bool, now time.Time) error {
	if cancelAll {
		if err := r.cancelAllVerified(ctx); err != nil {
			return err
		}
		open = nil
	}
	st, err := r.syncOrders(ctx, st, open)
	if err != nil {
		return err
	}
	st.LastSyncedAt = now
	st.UpdatedAt = now
	if invErr := strategy.CheckInvariants(st, m.Params); invErr != nil {
		r.Logger.Error("invariant violation after reconciliation", zap.Error(invErr))
		r.alertImportant("invariant_violation", map[string]string{"err": invErr.Error()})
	}
	for _, e := range entries {
		if err := r.Journal.Append(e); err != nil {
			return fmt.Errorf("journal append: %w", err)
		}
		if r.Metrics != nil {
			r.Metrics.Fills.WithLabelValues(e.Event).Inc()
			if !e.RealizedPnL.IsZero() {
				f, _ := e.RealizedPnL.Float64()
				r.Metrics.RealizedPnL.Add(f)
			}
		}
	}
	if r.Metrics != nil {
		capital, _ := st.Capital.Float64()
		center, _ := st.GridCenter.Float64()
		r.Metrics.Capital.Set(capital)
		r.Metrics.GridCenter.Set(center)
		r.Metrics.CurrentLevel.Set(float64(st.CurrentLevel))
	}
	if err := r.Store.Save(st); err != nil {
		return err
	}
	r.state = st
	return nil
}

// inferFullExit decides which full exit (TP or SL) emptied the position by
// looking at which exit order disappeared, falling back to price proximity
// against the last close.
func (r *Reconciler) inferFullExit(ctx context.Context, m strategy.Machine, st store.StrategyState, open []core.Order, bar *core.Bar, now time.Time) strategy.Result {
	realized := r.realizedSince(ctx, st)
	tp := strategy.TPPrice(st.AvgPrice, m.Params, r.Rules, st.PositionSide)
	sl := strategy.SLPrice(st.GridCenter, m.Params, r.Rules, st.PositionSide)

	tpGone := exitGone(st, open, core.KindTP)
	slGone := exitGone(st, open, core.KindSL)
	switch {
	case slGone && !tpGone:
		return m.OnSLFill(st, sl, realized, now)
	case tpGone && !slGone:
		return m.OnTPFill(st, tp, realized, now)
	}

	ref := tp
	if bar != nil {
		ref = bar.Close
	}
	r.Logger.Warn("position gone at venue, inferring exit by price proximity",
		zap.String("ref", ref.String()),
		zap.String("tp", tp.String()),
		zap.String("sl", sl.String()),
	)
	r.alertImportant("unexpected_flat_position", map[string]string{
		"ref": ref.String(), "tp": tp.String(), "sl": sl.String(),
	})
	if st.CurrentLevel >= m.Params.MaxEntryLevel && ref.Sub(sl).Abs().Cmp(ref.Sub(tp).Abs()) < 0 {
		return m.OnSLFill(st, sl, realized, now)
	}
	return m.OnTPFill(st, tp, realized, now)
}

// realizedSince asks the venue for its own realized-PnL accounting since the
// last sync. A nil return falls the caller back to the local estimate.
func (r *Reconciler) realizedSince(ctx context.Context, st store.StrategyState) *decimal.Decimal {
	if st.LastSyncedAt.IsZero() {
		return nil
	}
	pnl, err := r.Venue.RealizedPnLSince(ctx, st.LastSyncedAt.UnixMilli())
	if err != nil {
		r.Logger.Warn("realized pnl query failed, using local estimate", zap.Error(err))
		return nil
	}
	return &pnl
}

// syncOrders makes the venue's open orders equal the desired set: adopt ids
// for orders that already rest, cancel extraneous ids, place what is
// missing. Cancels precede placements; entries go bottom-up; the SL is
// placed only after the BE limit is accepted.
func (r *Reconciler) syncOrders(ctx context.Context, st store.StrategyState, open []core.Order) (store.StrategyState, error) {
	desired := make([]store.DesiredOrder, len(st.Desired))
	copy(desired, st.Desired)

	openByID := make(map[string]core.Order, len(open))
	for _, o := range open {
		openByID[o.ID] = o
	}
	claimed := make(map[string]bool, len(open))
	for i := range desired {
		if desired[i].OrderID != "" {
			if _, ok := openByID[desired[i].OrderID]; ok {
				claimed[desired[i].OrderID] = true
				continue
			}
			desired[i].OrderID = ""
			desired[i].ClientID = ""
		}
		for _, o := range open {
			if claimed[o.ID] || !orderMatchesSlot(desired[i], o) {
				continue
			}
			desired[i].OrderID = o.ID
			desired[i].ClientID = o.ClientID
			claimed[o.ID] = true
			break
		}
	}

	for _, o := range open {
		if claimed[o.ID] {
			continue
		}
		err := r.Venue.CancelOrder(ctx, o.ID)
		if trip := r.Breaker.RecordCancel(err); trip != nil {
			return st, trip
		}
		if err != nil {
			return st, err
		}
		if r.Metrics != nil {
			r.Metrics.OrdersCanceled.Inc()
		}
		r.Logger.Info("canceled extraneous order",
			zap.String("order_id", o.ID),
			zap.String("side", string(o.Side)),
			zap.String("price", o.Price.String()),
		)
	}

	beSkipped := false
	for _, idx := range placementOrder(desired) {
		if desired[idx].OrderID != "" {
			continue
		}
		if desired[idx].Kind == core.KindSL && beSkipped {
			r.Logger.Warn("stop held back until the BE close is accepted")
			continue
		}
		placed, err := r.placeDesired(ctx, desired[idx])
		if err != nil {
			if errors.Is(err, core.ErrMarginInsufficient) || errors.Is(err, core.ErrReduceOnlyRejected) {
				// Past the shrink floor: skip this order, not the tick.
				r.Logger.Warn("order skipped past shrink floor",
					zap.String("kind", string(desired[idx].Kind)),
					zap.Int("level", desired[idx].Level),
					zap.Error(err),
				)
				r.alertImportant("order_skipped", map[string]string{
					"kind":  string(desired[idx].Kind),
					"level": fmt.Sprintf("%d", desired[idx].Level),
					"err":   err.Error(),
				})
				if r.Metrics != nil {
					r.Metrics.OrdersFailed.WithLabelValues(string(desired[idx].Kind)).Inc()
				}
				if desired[idx].Kind == core.KindBE {
					beSkipped = true
				}
				if trip := r.Breaker.RecordPlace(nil); trip != nil {
					return st, trip
				}
				continue
			}
			if trip := r.Breaker.RecordPlace(err); trip != nil {
				return st, trip
			}
			return st, err
		}
		if trip := r.Breaker.RecordPlace(nil); trip != nil {
			return st, trip
		}
		if r.Metrics != nil {
			r.Metrics.OrdersPlaced.WithLabelValues(string(desired[idx].Kind)).Inc()
		}
		if desired[idx].Qty.Cmp(decimal.Zero) > 0 && placed.Qty.Cmp(desired[idx].Qty) < 0 {
			fraction := placed.Qty.Div(desired[idx].Qty)
			r.Logger.Warn("order accepted below requested size",
				zap.String("kind", string(desired[idx].Kind)),
				zap.Int("level", desired[idx].Level),
				zap.String("requested", desired[idx].Qty.String()),
				zap.String("accepted", placed.Qty.String()),
				zap.String("fraction", fraction.StringFixed(4)),
			)
			r.alertImportant("order_size_shrunk", map[string]string{
				"kind":      string(desired[idx].Kind),
				"level":     fmt.Sprintf("%d", desired[idx].Level),
				"requested": desired[idx].Qty.String(),
				"accepted":  placed.Qty.String(),
				"fraction":  fraction.StringFixed(4),
			})
			desired[idx].Qty = placed.Qty
		}
		desired[idx].OrderID = placed.ID
		desired[idx].ClientID = placed.ClientID
	}

	st.Desired = desired
	return st, nil
}

func (r *Reconciler) placeDesired(ctx context.Context, d store.DesiredOrder) (core.Order, error) {
	switch d.Kind {
	case core.KindEntry:
		return r.Venue.PlaceLimitEntry(ctx, d.Side, d.Price, d.Qty)
	case core.KindTP, core.KindBE:
		return r.Venue.PlaceLimitClose(ctx, d.Side, d.Price, d.Qty)
	case core.KindSL:
		return r.Venue.PlaceStopMarketClose(ctx, d.Side, d.StopPrice)
	}
	return core.Order{}, fmt.Errorf("unknown desired order kind %q", d.Kind)
}

// placementOrder returns indices in placement sequence: exits first, entries
// bottom-up so margin runs out on deeper levels, stop last.
func placementOrder(desired []store.DesiredOrder) []int {
	idx := make([]int, 0, len(desired))
	for i := range desired {
		idx = append(idx, i)
	}
	rank := func(d store.DesiredOrder) int {
		switch d.Kind {
		case core.KindTP, core.KindBE:
			return 0
		case core.KindEntry:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		da, db := desired[idx[a]], desired[idx[b]]
		if rank(da) != rank(db) {
			return rank(da) < rank(db)
		}
		return da.Level < db.Level
	})
	return idx
}

// cancelAllVerified cancels every open order and re-polls until the book is
// empty, because the venue acknowledges cancel-all before it finishes.
func (r *Reconciler) cancelAllVerified(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= cancelAllVerifyAttempts; attempt++ {
		if err := r.Venue.CancelAllOpenOrders(ctx); err != nil {
			lastErr = err
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		open, err := r.Venue.OpenOrders(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if len(open) == 0 {
			return nil
		}
		lastErr = fmt.Errorf("%d orders still open", len(open))
	}
	return fmt.Errorf("cancel all not confirmed after %d attempts: %w", cancelAllVerifyAttempts, lastErr)
}

func (r *Reconciler) alertImportant(event string, fields map[string]string) {
	if r.Alerts == nil {
		return
	}
	r.Alerts.Important(event, fields)
}

// exitGone reports whether the given exit kind had a recorded venue id that
// is no longer resting.
func exitGone(st store.StrategyState, open []core.Order, kind core.OrderKind) bool {
	openIDs := make(map[string]bool, len(open))
	for _, o := range open {
		openIDs[o.ID] = true
	}
	for _, d := range st.Desired {
		if d.Kind == kind && d.OrderID != "" && !openIDs[d.OrderID] {
			return true
		}
	}
	return false
}

func desiredExitPrice(st store.StrategyState, kind core.OrderKind) decimal.Decimal {
	for _, d := range st.Desired {
		if d.Kind == kind {
			return d.Price
		}
	}
	return decimal.Zero
}

// filledEntries returns desired entry orders on the given side whose venue
// ids disappeared from the open set, ascending by level.
func filledEntries(st store.StrategyState, open []core.Order, side core.PositionSide) []store.DesiredOrder {
	entrySide := core.Buy
	if side == core.PositionShort {
		entrySide = core.Sell
	}
	openIDs := make(map[string]bool, len(open))
	for _, o := range open {
		openIDs[o.ID] = true
	}
	var filled []store.DesiredOrder
	for _, d := range st.Desired {
		if d.Kind != core.KindEntry || d.Side != entrySide {
			continue
		}
		if d.OrderID != "" && !openIDs[d.OrderID] {
			filled = append(filled, d)
		}
	}
	sort.Slice(filled, func(i, j int) bool { return filled[i].Level < filled[j].Level })
	return filled
}

// orderMatchesSlot matches a resting venue order onto a desired slot by
// side, type and price so restarts adopt ids instead of re-placing.
func orderMatchesSlot(d store.DesiredOrder, o core.Order) bool {
	if d.Side != o.Side || d.Type != o.Type {
		return false
	}
	switch d.Type {
	case core.StopMarket:
		return d.StopPrice.Cmp(o.StopPrice) == 0 && o.ClosePosition
	default:
		return d.Price.Cmp(o.Price) == 0 && d.Qty.Cmp(o.Qty) == 0
	}
}
