// Package strategy implements the two pure strategies the scheduler
// evaluates per watchlisted market: cross-venue fair value and
// inventory-aware market making. Both are pure functions of
// (BookState, Portfolio snapshot, Config) -> set of QuoteIntent; neither
// strategy mutates Portfolio, BookState, or its own inputs.
package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/polymarket-trader/internal/config"
	"github.com/GoPolymarket/polymarket-trader/internal/feed"
	"github.com/GoPolymarket/polymarket-trader/internal/types"
)

// RestingQuote is the state the scheduler tracks per market per side so the
// cancel/replace policy can compare against the previously-placed quote.
type RestingQuote struct {
	OrderID   string
	Price     decimal.Decimal
	Size      decimal.Decimal
	RestedAt  time.Time
}

// MM is the inventory-aware market maker. It holds no
// mutable state itself; RestingQuote bid/ask state lives with the
// scheduler (per the single-writer rule) and is passed in each call.
type MM struct {
	cfg config.MMConfig
}

// NewMM creates an MM strategy evaluator.
func NewMM(cfg config.MMConfig) *MM {
	return &MM{cfg: cfg}
}

// Evaluate computes the desired bid/ask for marketID and diffs against the
// currently resting quotes, producing place/replace/cancel intents.
func (m *MM) Evaluate(marketID string, book *feed.BookState, pos types.Position, market types.Market, restingBid, restingAsk *RestingQuote, now time.Time) []types.QuoteIntent {
	if !m.cfg.Enabled {
		return nil
	}

	bid, ask, ok := book.BestBidAsk()
	if !ok {
		return cancelBoth(marketID, restingBid, restingAsk)
	}
	if book.IsCrossed() {
		return cancelBoth(marketID, restingBid, restingAsk)
	}
	if m.cfg.MaxSpread > 0 && ask.Sub(bid).GreaterThan(decimal.NewFromFloat(m.cfg.MaxSpread)) {
		return cancelBoth(marketID, restingBid, restingAsk)
	}

	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	observedSpread := ask.Sub(bid)
	tick := market.TickSize
	if tick.IsZero() {
		tick = decimal.NewFromFloat(0.001)
	}

	halfSpread := decimal.Max(decimal.NewFromFloat(m.cfg.MinHalfSpread),
		observedSpread.Mul(decimal.NewFromFloat(0.5)).Add(decimal.NewFromFloat(m.cfg.EdgeTicks).Mul(tick)))

	maxPos := decimal.NewFromFloat(m.cfg.MaxPositionPerMkt)
	var skew decimal.Decimal
	if maxPos.IsPositive() {
		skew = decimal.NewFromFloat(-m.cfg.SkewK).Mul(pos.NetSize.Div(maxPos))
	}

	desiredBid := types.RoundTick(mid.Sub(halfSpread).Add(skew.Mul(tick)), tick)
	desiredAsk := types.RoundTick(mid.Add(halfSpread).Add(skew.Mul(tick)), tick)

	floor := tick
	ceil := decimal.NewFromInt(1).Sub(tick)
	if desiredBid.LessThan(floor) {
		desiredBid = floor
	}
	if desiredAsk.GreaterThan(ceil) {
		desiredAsk = ceil
	}

	target := decimal.NewFromFloat(m.cfg.TargetSize)
	minSize := market.MinSize

	// Reduce-only sizing: clip to remaining room before hitting the cap on
	// each side's directional exposure.
	bidSize := clipSize(target, minSize, maxPos.Sub(posExposureForSide(pos, types.Buy)))
	askSize := clipSize(target, minSize, maxPos.Sub(posExposureForSide(pos, types.Sell)))

	var intents []types.QuoteIntent
	intents = append(intents, diffSide(marketID, types.Buy, desiredBid, bidSize, restingBid, m.cfg.RepriceThreshold, m.cfg.MinQuoteLifeSecs, tick, now)...)
	intents = append(intents, diffSide(marketID, types.Sell, desiredAsk, askSize, restingAsk, m.cfg.RepriceThreshold, m.cfg.MinQuoteLifeSecs, tick, now)...)
	return intents
}

// posExposureForSide returns how much of MAX_POSITION_PER_MARKET is already
// consumed in the direction a new order on side would add exposure.
func posExposureForSide(pos types.Position, side types.Side) decimal.Decimal {
	if side == types.Buy && pos.NetSize.IsPositive() {
		return pos.NetSize
	}
	if side == types.Sell && pos.NetSize.IsNegative() {
		return pos.NetSize.Abs()
	}
	return decimal.Zero
}

func clipSize(target, minSize, room decimal.Decimal) decimal.Decimal {
	size := decimal.Min(target, room)
	if size.LessThan(minSize) {
		return decimal.Zero // <= 0 after floor: side is cancelled (reduce-only)
	}
	return size
}

// diffSide applies the cancel/replace policy: keep a resting order if its
// price hasn't drifted beyond reprice_threshold ticks or it has rested less
// than min_quote_life_secs; replace it only when it has both drifted beyond
// the threshold and rested at least min_quote_life_secs.
func diffSide(marketID string, side types.Side, desiredPrice, desiredSize decimal.Decimal, resting *RestingQuote, repriceThresholdTicks float64, minLife time.Duration, tick decimal.Decimal, now time.Time) []types.QuoteIntent {
	if desiredSize.IsZero() || desiredSize.IsNegative() {
		if resting != nil {
			return []types.QuoteIntent{{Kind: types.IntentCancel, MarketID: marketID, OrderID: resting.OrderID, Strategy: "mm"}}
		}
		return nil
	}
	if resting == nil {
		return []types.QuoteIntent{{Kind: types.IntentPlace, MarketID: marketID, Side: side, Price: desiredPrice, Size: desiredSize, Strategy: "mm"}}
	}

	drift := desiredPrice.Sub(resting.Price).Abs()
	driftTicks := 0.0
	if tick.IsPositive() {
		f, _ := drift.Div(tick).Float64()
		driftTicks = f
	}
	rested := now.Sub(resting.RestedAt)

	// Keep the quote while it hasn't drifted, and never replace one younger
	// than min_quote_life_secs (replacing resets the rest clock, so an
	// early replace would churn the quote forever).
	if driftTicks <= repriceThresholdTicks || rested < minLife {
		return nil
	}
	return []types.QuoteIntent{{Kind: types.IntentReplace, MarketID: marketID, Side: side, Price: desiredPrice, Size: desiredSize, OrderID: resting.OrderID, Strategy: "mm"}}
}

func cancelBoth(marketID string, bid, ask *RestingQuote) []types.QuoteIntent {
	var out []types.QuoteIntent
	if bid != nil {
		out = append(out, types.QuoteIntent{Kind: types.IntentCancel, MarketID: marketID, OrderID: bid.OrderID, Strategy: "mm"})
	}
	if ask != nil {
		out = append(out, types.QuoteIntent{Kind: types.IntentCancel, MarketID: marketID, OrderID: ask.OrderID, Strategy: "mm"})
	}
	return out
}
