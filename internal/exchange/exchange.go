package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"grid-martingale/internal/core"
)

// Venue is the typed surface the reconciler drives. Every operation is
// idempotent from the strategy's point of view: placements carry client
// order ids, everything else is reconciled by diffing venue state.
type Venue interface {
	Name() string
	Rules(ctx context.Context) (core.Rules, error)

	// PlaceLimitEntry places a GTC limit entry. On margin rejection the
	// quantity shrinks by 0.1% of the original per retry down to a 30%
	// floor; past the floor it fails with core.ErrMarginInsufficient.
	PlaceLimitEntry(ctx context.Context, side core.Side, price, qty decimal.Decimal) (core.Order, error)

	// PlaceLimitClose places a GTC reduce-only limit close. On reduce-only
	// rejection the quantity shrinks by 0.1% of the original per retry down
	// to a 50% floor; past the floor it fails with core.ErrReduceOnlyRejected.
	PlaceLimitClose(ctx context.Context, side core.Side, price, qty decimal.Decimal) (core.Order, error)

	// PlaceStopMarketClose places a STOP_MARKET with closePosition=true.
	// No quantity and no reduceOnly flag are sent.
	PlaceStopMarketClose(ctx context.Context, side core.Side, stopPrice decimal.Decimal) (core.Order, error)

	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOpenOrders(ctx context.Context) error
	OpenOrders(ctx context.Context) ([]core.Order, error)

	Position(ctx context.Context) (core.Position, error)
	PositionWithRetry(ctx context.Context) (core.Position, error)

	SetLeverage(ctx context.Context, leverage int) error
	SetIsolatedMargin(ctx context.Context) error

	Balance(ctx context.Context, asset string) (decimal.Decimal, error)

	// RealizedPnLSince sums realized PnL and commission income recorded by
	// the venue since the given time, for capital updates after an exit.
	RealizedPnLSince(ctx context.Context, since int64) (decimal.Decimal, error)
}
