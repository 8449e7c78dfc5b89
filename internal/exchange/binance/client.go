package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"grid-martingale/internal/config"
	"grid-martingale/internal/core"
)

const (
	maxTransientRetries = 5
	positionRetries     = 10
	positionRetryDelay  = time.Second
	entryShrinkStepPct  = "0.001"
	entryShrinkFloorPct = "0.30"
	closeShrinkFloorPct = "0.50"
)

// Client wraps the venue futures REST API for one symbol. All prices and
// quantities cross the boundary as decimals; raw API strings never leak out.
type Client struct {
	api         *futures.Client
	symbol      string
	orderPrefix string
	callTimeout time.Duration
	limiter     *rate.Limiter

	rules    core.Rules
	hasRules bool
}

func NewClient(cfg config.ExchangeConfig, symbol, instanceID string) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("api_key/api_secret required")
	}
	api := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.RestBaseURL != "" {
		api.BaseURL = strings.TrimRight(cfg.RestBaseURL, "/")
	}
	timeout := 5 * time.Second
	if cfg.HTTPTimeoutSec > 0 {
		timeout = time.Duration(cfg.HTTPTimeoutSec) * time.Second
	}
	perSec := cfg.RateLimitPerSec
	if perSec <= 0 {
		perSec = 8
	}
	return &Client{
		api:         api,
		symbol:      strings.ToUpper(symbol),
		orderPrefix: normalizeOrderPrefix(instanceID),
		callTimeout: timeout,
		limiter:     rate.NewLimiter(rate.Limit(perSec), perSec),
	}, nil
}

func (c *Client) Name() string { return "binance-futures" }

func (c *Client) Symbol() string { return c.symbol }

func normalizeOrderPrefix(instanceID string) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '-'
	}, strings.TrimSpace(instanceID))
	if id == "" {
		id = "gm"
	}
	if len(id) > 10 {
		id = id[:10]
	}
	return id
}

func (c *Client) newClientOrderID() string {
	return c.orderPrefix + "-" + uuid.NewString()[:18]
}

// call runs one REST operation under the rate limiter with a per-call
// deadline, retrying transient failures with jittered backoff.
func (c *Client) call(ctx context.Context, op func(ctx context.Context) error) error {
	b := &backoff.Backoff{Min: 250 * time.Millisecond, Max: 5 * time.Second, Jitter: true}
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		err := classify(op(callCtx))
		cancel()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// Only the per-call deadline expired: a timeout, retried as transient.
			err = fmt.Errorf("%w: %w", core.ErrTransient, err)
		}
		if err == nil || !retryable(err) || attempt >= maxTransientRetries {
			return err
		}
		wait := b.Duration()
		if errors.Is(err, core.ErrRateLimited) {
			wait = b.Max
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Rules fetches and caches the symbol filters.
func (c *Client) Rules(ctx context.Context) (core.Rules, error) {
	if c.hasRules {
		return c.rules, nil
	}
	var info *futures.ExchangeInfo
	err := c.call(ctx, func(ctx context.Context) error {
		var opErr error
		info, opErr = c.api.NewExchangeInfoService().Do(ctx)
		return opErr
	})
	if err != nil {
		return core.Rules{}, err
	}
	for i := range info.Symbols {
		s := info.Symbols[i]
		if s.Symbol != c.symbol {
			continue
		}
		rules := core.Rules{}
		if f := s.PriceFilter(); f != nil {
			rules.PriceTick = mustDecimal(f.TickSize)
		}
		if f := s.LotSizeFilter(); f != nil {
			rules.QtyStep = mustDecimal(f.StepSize)
			rules.MinQty = mustDecimal(f.MinQuantity)
		}
		if f := s.MinNotionalFilter(); f != nil {
			rules.MinNotional = mustDecimal(f.Notional)
		}
		c.rules = rules
		c.hasRules = true
		return rules, nil
	}
	return core.Rules{}, fmt.Errorf("%w: symbol %s not in exchange info", core.ErrFatal, c.symbol)
}

func (c *Client) PlaceLimitEntry(ctx context.Context, side core.Side, price, qty decimal.Decimal) (core.Order, error) {
	original := qty
	step := original.Mul(decimal.RequireFromString(entryShrinkStepPct))
	floor := original.Mul(decimal.RequireFromString(entryShrinkFloorPct))
	current := original
	for {
		order, err := c.placeLimit(ctx, side, price, current, false)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, core.ErrMarginInsufficient) {
			return core.Order{}, err
		}
		current = current.Sub(step)
		if current.Cmp(floor) < 0 {
			return core.Order{}, fmt.Errorf("%w: shrunk to floor %s of requested %s", core.ErrMarginInsufficient, floor, original)
		}
	}
}

func (c *Client) PlaceLimitClose(ctx context.Context, side core.Side, price, qty decimal.Decimal) (core.Order, error) {
	original := qty
	step := original.Mul(decimal.RequireFromString(entryShrinkStepPct))
	floor := original.Mul(decimal.RequireFromString(closeShrinkFloorPct))
	current := original
	for {
		order, err := c.placeLimit(ctx, side, price, current, true)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, core.ErrReduceOnlyRejected) {
			return core.Order{}, err
		}
		current = current.Sub(step)
		if current.Cmp(floor) < 0 {
			return core.Order{}, fmt.Errorf("%w: shrunk to floor %s of requested %s", core.ErrReduceOnlyRejected, floor, original)
		}
	}
}

func (c *Client) placeLimit(ctx context.Context, side core.Side, price, qty decimal.Decimal, reduceOnly bool) (core.Order, error) {
	if c.hasRules {
		qty = core.TruncateQty(qty, c.rules.QtyStep)
	}
	if qty.Cmp(decimal.Zero) <= 0 {
		return core.Order{}, fmt.Errorf("%w: quantity truncated to zero", core.ErrFatal)
	}
	clientID := c.newClientOrderID()
	var resp *futures.CreateOrderResponse
	err := c.call(ctx, func(ctx context.Context) error {
		svc := c.api.NewCreateOrderService().
			Symbol(c.symbol).
			Side(futures.SideType(side)).
			Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Quantity(qty.String()).
			Price(price.String()).
			NewClientOrderID(clientID)
		if reduceOnly {
			svc = svc.ReduceOnly(true)
		}
		var opErr error
		resp, opErr = svc.Do(ctx)
		return opErr
	})
	if err != nil {
		return core.Order{}, err
	}
	return core.Order{
		ID:         strconv.FormatInt(resp.OrderID, 10),
		ClientID:   resp.ClientOrderID,
		Symbol:     c.symbol,
		Side:       side,
		Type:       core.Limit,
		Price:      price,
		Qty:        qty,
		ReduceOnly: reduceOnly,
		Status:     core.OrderStatus(resp.Status),
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// PlaceStopMarketClose arms the venue-side stop: STOP_MARKET with
// closePosition=true. No quantity and no reduceOnly field is sent; the venue
// closes whatever position exists at trigger.
func (c *Client) PlaceStopMarketClose(ctx context.Context, side core.Side, stopPrice decimal.Decimal) (core.Order, error) {
	clientID := c.newClientOrderID()
	var resp *futures.CreateOrderResponse
	err := c.call(ctx, func(ctx context.Context) error {
		var opErr error
		resp, opErr = c.api.NewCreateOrderService().
			Symbol(c.symbol).
			Side(futures.SideType(side)).
			Type(futures.OrderTypeStopMarket).
			StopPrice(stopPrice.String()).
			ClosePosition(true).
			NewClientOrderID(clientID).
			Do(ctx)
		return opErr
	})
	if err != nil {
		return core.Order{}, err
	}
	return core.Order{
		ID:            strconv.FormatInt(resp.OrderID, 10),
		ClientID:      resp.ClientOrderID,
		Symbol:        c.symbol,
		Side:          side,
		Type:          core.StopMarket,
		StopPrice:     stopPrice,
		ClosePosition: true,
		Status:        core.OrderStatus(resp.Status),
		CreatedAt:     time.Now().UTC(),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad order id %q", core.ErrFatal, orderID)
	}
	err = c.call(ctx, func(ctx context.Context) error {
		_, opErr := c.api.NewCancelOrderService().Symbol(c.symbol).OrderID(id).Do(ctx)
		return opErr
	})
	if errors.Is(err, core.ErrOrderNotFound) {
		return nil
	}
	return err
}

func (c *Client) CancelAllOpenOrders(ctx context.Context) error {
	return c.call(ctx, func(ctx context.Context) error {
		return c.api.NewCancelAllOpenOrdersService().Symbol(c.symbol).Do(ctx)
	})
}

func (c *Client) OpenOrders(ctx context.Context) ([]core.Order, error) {
	var raw []*futures.Order
	err := c.call(ctx, func(ctx context.Context) error {
		var opErr error
		raw, opErr = c.api.NewListOpenOrdersService().Symbol(c.symbol).Do(ctx)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, fromVenueOrder(o))
	}
	return orders, nil
}

func (c *Client) QueryOrder(ctx context.Context, orderID string) (core.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return core.Order{}, fmt.Errorf("%w: bad order id %q", core.ErrFatal, orderID)
	}
	var raw *futures.Order
	err = c.call(ctx, func(ctx context.Context) error {
		var opErr error
		raw, opErr = c.api.NewGetOrderService().Symbol(c.symbol).OrderID(id).Do(ctx)
		return opErr
	})
	if err != nil {
		return core.Order{}, err
	}
	return fromVenueOrder(raw), nil
}

func fromVenueOrder(o *futures.Order) core.Order {
	return core.Order{
		ID:            strconv.FormatInt(o.OrderID, 10),
		ClientID:      o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          core.Side(o.Side),
		Type:          core.OrderType(o.Type),
		Price:         mustDecimal(o.Price),
		StopPrice:     mustDecimal(o.StopPrice),
		Qty:           mustDecimal(o.OrigQuantity),
		ReduceOnly:    o.ReduceOnly,
		ClosePosition: o.ClosePosition,
		Status:        core.OrderStatus(o.Status),
		CreatedAt:     time.UnixMilli(o.Time).UTC(),
	}
}

// Position reads the venue's view of the held position. A missing or
// zero-quantity entry reports PositionNone.
func (c *Client) Position(ctx context.Context) (core.Position, error) {
	var risks []*futures.PositionRisk
	err := c.call(ctx, func(ctx context.Context) error {
		var opErr error
		risks, opErr = c.api.NewGetPositionRiskService().Symbol(c.symbol).Do(ctx)
		return opErr
	})
	if err != nil {
		return core.Position{}, err
	}
	pos := core.Position{Symbol: c.symbol, Side: core.PositionNone}
	for _, r := range risks {
		if r.Symbol != c.symbol {
			continue
		}
		amt := mustDecimal(r.PositionAmt)
		if amt.Cmp(decimal.Zero) == 0 {
			continue
		}
		pos.AvgPrice = mustDecimal(r.EntryPrice)
		pos.UnrealizedPnL = mustDecimal(r.UnRealizedProfit)
		if amt.Cmp(decimal.Zero) > 0 {
			pos.Side = core.PositionLong
			pos.Qty = amt
		} else {
			pos.Side = core.PositionShort
			pos.Qty = amt.Neg()
		}
		return pos, nil
	}
	return pos, nil
}

// PositionWithRetry retries the position query with small pauses. The
// reconciler treats persistent failure as fatal and halts order mutation.
func (c *Client) PositionWithRetry(ctx context.Context) (core.Position, error) {
	var lastErr error
	for attempt := 0; attempt < positionRetries; attempt++ {
		pos, err := c.Position(ctx)
		if err == nil {
			return pos, nil
		}
		lastErr = err
		select {
		case <-time.After(positionRetryDelay):
		case <-ctx.Done():
			return core.Position{}, ctx.Err()
		}
	}
	return core.Position{}, fmt.Errorf("%w: position query failed %d times: %v", core.ErrFatal, positionRetries, lastErr)
}

func (c *Client) SetLeverage(ctx context.Context, leverage int) error {
	return c.call(ctx, func(ctx context.Context) error {
		_, opErr := c.api.NewChangeLeverageService().Symbol(c.symbol).Leverage(leverage).Do(ctx)
		return opErr
	})
}

func (c *Client) SetIsolatedMargin(ctx context.Context) error {
	err := c.call(ctx, func(ctx context.Context) error {
		return c.api.NewChangeMarginTypeService().Symbol(c.symbol).MarginType(futures.MarginTypeIsolated).Do(ctx)
	})
	if err != nil && IsAPIErrorCode(err, codeNoNeedChangeMargin) {
		return nil
	}
	return err
}

func (c *Client) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var balances []*futures.Balance
	err := c.call(ctx, func(ctx context.Context) error {
		var opErr error
		balances, opErr = c.api.NewGetBalanceService().Do(ctx)
		return opErr
	})
	if err != nil {
		return decimal.Zero, err
	}
	for _, b := range balances {
		if strings.EqualFold(b.Asset, asset) {
			return mustDecimal(b.Balance), nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: asset %s not in balance response", core.ErrFatal, asset)
}

// RealizedPnLSince sums REALIZED_PNL and COMMISSION income since the given
// millisecond timestamp. Used to update capital after TP/BE/SL fills with
// the venue's own accounting.
func (c *Client) RealizedPnLSince(ctx context.Context, since int64) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, incomeType := range []string{"REALIZED_PNL", "COMMISSION"} {
		var rows []*futures.IncomeHistory
		err := c.call(ctx, func(ctx context.Context) error {
			var opErr error
			rows, opErr = c.api.NewGetIncomeHistoryService().
				Symbol(c.symbol).
				IncomeType(incomeType).
				StartTime(since).
				Limit(50).
				Do(ctx)
			return opErr
		})
		if err != nil {
			return decimal.Zero, err
		}
		for _, row := range rows {
			total = total.Add(mustDecimal(row.Income))
		}
	}
	return total, nil
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
