// Package paper implements the Paper Broker: a simulated limit-order book
// matched against the live tape under one of two configurable fill models.
package paper

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/polymarket-trader/internal/config"
	"github.com/GoPolymarket/polymarket-trader/internal/feed"
	"github.com/GoPolymarket/polymarket-trader/internal/logging"
	"github.com/GoPolymarket/polymarket-trader/internal/types"
)

// Broker holds simulated open orders keyed by market_id -> order_id, and
// matches them against the incoming tape per the configured fill model.
// Only the scheduler calls its mutating methods.
type Broker struct {
	cfg    config.PaperConfig
	orders map[string]map[string]*types.Order
	log    *logging.Logger
}

// New creates a Broker.
func New(cfg config.PaperConfig, log *logging.Logger) *Broker {
	return &Broker{cfg: cfg, orders: make(map[string]map[string]*types.Order), log: log}
}

// Restore seeds open orders from storage at startup; paper state survives
// a restart unless PAPER_RESET_ON_START wipes it first.
func (b *Broker) Restore(orders []types.Order) {
	for i := range orders {
		o := orders[i]
		if o.Status != types.OrderOpen && o.Status != types.OrderPartial {
			continue
		}
		b.track(&o)
	}
}

func (b *Broker) track(o *types.Order) {
	m, ok := b.orders[o.MarketID]
	if !ok {
		m = make(map[string]*types.Order)
		b.orders[o.MarketID] = m
	}
	m[o.OrderID] = o
}

// OpenOrders returns a snapshot of every resting order for a market.
func (b *Broker) OpenOrders(marketID string) []types.Order {
	out := make([]types.Order, 0, len(b.orders[marketID]))
	for _, o := range b.orders[marketID] {
		out = append(out, *o)
	}
	return out
}

// AllOpenOrders returns every resting order across all markets.
func (b *Broker) AllOpenOrders() []types.Order {
	var out []types.Order
	for _, m := range b.orders {
		for _, o := range m {
			out = append(out, *o)
		}
	}
	return out
}

// Apply executes one QuoteIntent that has already survived the risk
// engine, returning the resulting Order (nil for a pure cancel) and any
// fills generated immediately by the placement itself. An order whose
// limit price already crosses the touch is marketable: it fills instantly
// at the touch rather than resting until the next tape event. book may be nil (e.g. before any tape event has arrived for
// the market), in which case placement never instant-fills.
func (b *Broker) Apply(intent types.QuoteIntent, book *feed.BookState, now time.Time) (*types.Order, []types.Fill) {
	switch intent.Kind {
	case types.IntentPlace:
		if !priceInBounds(intent.Price) {
			return &types.Order{
				OrderID:   uuid.NewString(),
				MarketID:  intent.MarketID,
				Side:      intent.Side,
				Price:     intent.Price,
				Size:      intent.Size,
				Status:    types.OrderRejected,
				CreatedTs: now,
				Reason:    "price_out_of_bounds",
			}, nil
		}
		o := &types.Order{
			OrderID:       uuid.NewString(),
			MarketID:      intent.MarketID,
			Side:          intent.Side,
			Price:         intent.Price,
			Size:          intent.Size,
			Status:        types.OrderOpen,
			CreatedTs:     now,
			RestedSinceTs: now,
		}
		b.track(o)
		return o, b.matchMarketable(o, book, now)
	case types.IntentCancel:
		if o := b.orders[intent.MarketID][intent.OrderID]; o != nil {
			o.Status = types.OrderCancelled
			delete(b.orders[intent.MarketID], intent.OrderID)
			return o, nil
		}
		return nil, nil
	case types.IntentReplace:
		o := b.orders[intent.MarketID][intent.OrderID]
		if o == nil {
			return b.Apply(types.QuoteIntent{Kind: types.IntentPlace, MarketID: intent.MarketID, Side: intent.Side, Price: intent.Price, Size: intent.Size, Strategy: intent.Strategy}, book, now)
		}
		if !priceInBounds(intent.Price) {
			b.log.Warn("replace_price_out_of_bounds", "market_id", intent.MarketID, "order_id", intent.OrderID, "price", intent.Price.String())
			return nil, nil
		}
		o.Price = intent.Price
		o.Size = intent.Size
		o.FilledSize = decimal.Zero
		o.AvgFillPrice = decimal.Zero
		o.RestedSinceTs = now
		return o, b.matchMarketable(o, book, now)
	}
	return nil, nil
}

// priceInBounds enforces the binary-market price domain: a valid limit sits
// strictly inside (0, 1). The extremes 0 and 1 are not tradeable prices.
func priceInBounds(p decimal.Decimal) bool {
	return p.IsPositive() && p.LessThan(decimal.NewFromInt(1))
}

// matchMarketable instantly fills o against the current touch if its limit
// price already crosses, subject to the same participation cap as the
// maker-touch model but exempt from min_rest_secs (the order hasn't had a
// chance to rest yet).
func (b *Broker) matchMarketable(o *types.Order, book *feed.BookState, now time.Time) []types.Fill {
	if book == nil {
		return nil
	}
	bestBid, bestAsk, ok := book.BestBidAsk()
	if !ok {
		return nil
	}

	var touched bool
	var touchPrice, availableOpposite decimal.Decimal
	switch o.Side {
	case types.Buy:
		touched = bestAsk.LessThanOrEqual(o.Price)
		touchPrice = bestAsk
		_, availableOpposite = book.Depth(1)
	case types.Sell:
		touched = bestBid.GreaterThanOrEqual(o.Price)
		touchPrice = bestBid
		availableOpposite, _ = book.Depth(1)
	}
	if !touched {
		return nil
	}

	fillSize := decimal.Min(o.Remaining(), availableOpposite.Mul(decimal.NewFromFloat(b.cfg.Participation)))
	if fillSize.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	return []types.Fill{b.applyFill(o, fillSize, touchPrice, now)}
}

// MatchMakerTouch is the default fill model: a resting order fills when
// the opposite side of the top of book reaches its price.
func (b *Broker) MatchMakerTouch(marketID string, book *feed.BookState, now time.Time) []types.Fill {
	bestBid, bestAsk, ok := book.BestBidAsk()
	if !ok {
		return nil
	}
	var fills []types.Fill
	for _, o := range b.orders[marketID] {
		if o.Status != types.OrderOpen && o.Status != types.OrderPartial {
			continue
		}
		if now.Sub(o.RestedSinceTs) < b.cfg.MinRestSecs {
			continue
		}

		var touched bool
		var availableOpposite decimal.Decimal
		switch o.Side {
		case types.Buy:
			touched = bestAsk.LessThanOrEqual(o.Price)
			_, availableOpposite = book.Depth(1)
		case types.Sell:
			touched = bestBid.GreaterThanOrEqual(o.Price)
			availableOpposite, _ = book.Depth(1)
		}
		if !touched {
			continue
		}

		fillSize := decimal.Min(o.Remaining(), availableOpposite.Mul(decimal.NewFromFloat(b.cfg.Participation)))
		if fillSize.LessThanOrEqual(decimal.Zero) {
			continue
		}

		fills = append(fills, b.applyFill(o, fillSize, o.Price, now))
	}
	return fills
}

// MatchTradeThrough is the stricter fill model: resting orders fill only
// when an observed trade print crosses their price.
func (b *Broker) MatchTradeThrough(marketID string, trade types.LastTrade, now time.Time) []types.Fill {
	var fills []types.Fill
	for _, o := range b.orders[marketID] {
		if o.Status != types.OrderOpen && o.Status != types.OrderPartial {
			continue
		}
		if now.Sub(o.RestedSinceTs) < b.cfg.MinRestSecs {
			continue
		}

		// The side gate is stricter than pure price matching: a resting
		// buy is only lifted by an aggressing seller, matching maker
		// semantics. It assumes the feed labels trade.Side as the
		// aggressor side; a venue using the resting-side convention
		// would need this inverted or dropped.
		var crossed bool
		switch o.Side {
		case types.Buy:
			crossed = trade.Side == types.Sell && trade.Price.LessThanOrEqual(o.Price)
		case types.Sell:
			crossed = trade.Side == types.Buy && trade.Price.GreaterThanOrEqual(o.Price)
		}
		if !crossed {
			continue
		}

		fillSize := decimal.Min(o.Remaining(), trade.Size.Mul(decimal.NewFromFloat(b.cfg.Participation)))
		if fillSize.LessThanOrEqual(decimal.Zero) {
			continue
		}

		fills = append(fills, b.applyFill(o, fillSize, o.Price, now))
	}
	return fills
}

// applyFill mutates o in place (partial or full), applies slippage and
// fees, and returns the resulting Fill record.
func (b *Broker) applyFill(o *types.Order, size, price decimal.Decimal, now time.Time) types.Fill {
	slippage := price.Mul(decimal.NewFromFloat(b.cfg.SlippageBps / 10000))
	fillPrice := price
	if o.Side == types.Buy {
		fillPrice = price.Add(slippage)
	} else {
		fillPrice = price.Sub(slippage)
	}

	fees := fillPrice.Mul(size).Mul(decimal.NewFromFloat(b.cfg.FeesBps / 10000))

	totalNotional := o.AvgFillPrice.Mul(o.FilledSize).Add(fillPrice.Mul(size))
	o.FilledSize = o.FilledSize.Add(size)
	if o.FilledSize.IsPositive() {
		o.AvgFillPrice = totalNotional.Div(o.FilledSize)
	}
	if o.FilledSize.GreaterThanOrEqual(o.Size) {
		o.Status = types.OrderFilled
		delete(b.orders[o.MarketID], o.OrderID)
	} else {
		o.Status = types.OrderPartial
	}

	return types.Fill{
		FillID:   uuid.NewString(),
		OrderID:  o.OrderID,
		MarketID: o.MarketID,
		Side:     o.Side,
		Price:    fillPrice,
		Size:     size,
		Ts:       now,
		Fees:     fees,
	}
}
