package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/polymarket-trader/internal/config"
	"github.com/GoPolymarket/polymarket-trader/internal/feed"
	"github.com/GoPolymarket/polymarket-trader/internal/types"
)

// FvProvider supplies an external fair-value estimate for a market. A real
// implementation might cross-reference a correlated venue; FV only depends
// on this narrow interface.
type FvProvider interface {
	FairValue(marketID string) (fv decimal.Decimal, observedAt time.Time, ok bool)
}

// FV is the cross-venue fair-value strategy.
type FV struct {
	cfg      config.FVConfig
	provider FvProvider
}

// NewFV creates an FV strategy evaluator.
func NewFV(cfg config.FVConfig, provider FvProvider) *FV {
	return &FV{cfg: cfg, provider: provider}
}

// EntryState tracks when a position entered under FV's own attribution, so
// the time-stop can fire independent of when the position was opened by
// some other strategy.
type EntryState struct {
	EnteredAt time.Time
}

// Evaluate computes the FV edge for marketID. When flat it returns a place
// intent if the edge exceeds entry_edge and the touch has enough depth.
// When positioned it returns a flatten intent once |fv - mid| is inside the
// exit band or the time stop has elapsed, and nothing otherwise.
func (s *FV) Evaluate(marketID string, book *feed.BookState, pos types.Position, entry *EntryState, now time.Time) []types.QuoteIntent {
	if !s.cfg.Enabled || s.provider == nil {
		return nil
	}

	fv, observedAt, ok := s.provider.FairValue(marketID)
	if !ok {
		return nil
	}
	if s.cfg.MaxStaleness > 0 && now.Sub(observedAt) > s.cfg.MaxStaleness {
		return nil // stale FV: do not trade
	}

	mid, ok := book.Mid()
	if !ok {
		return nil
	}
	edge := fv.Sub(mid)

	if !pos.NetSize.IsZero() {
		// Already positioned: check exit conditions.
		mark := mid
		if fv.Sub(mark).Abs().LessThan(decimal.NewFromFloat(s.cfg.ExitEdge)) {
			return []types.QuoteIntent{flattenIntent(marketID, pos, book)}
		}
		if entry != nil && s.cfg.TimeStopSecs > 0 && now.Sub(entry.EnteredAt) > s.cfg.TimeStopSecs {
			return []types.QuoteIntent{flattenIntent(marketID, pos, book)}
		}
		return nil
	}

	if edge.Abs().LessThanOrEqual(decimal.NewFromFloat(s.cfg.EntryEdge)) {
		return nil
	}

	side := types.Buy
	if edge.IsNegative() {
		side = types.Sell
	}

	targetSize := decimal.NewFromFloat(s.cfg.TargetSize)
	requiredDepth := targetSize.Mul(decimal.NewFromFloat(s.cfg.DepthMult))

	if (side == types.Buy && len(book.Asks) == 0) || (side == types.Sell && len(book.Bids) == 0) {
		return nil
	}
	bidDepth, askDepth := book.Depth(1)
	availableDepth := askDepth
	touchPrice := book.Asks[0].Price
	if side == types.Sell {
		availableDepth = bidDepth
		touchPrice = book.Bids[0].Price
	}
	if availableDepth.LessThan(requiredDepth) {
		return nil // not enough top-of-book depth to absorb target size
	}

	return []types.QuoteIntent{{
		Kind:     types.IntentPlace,
		MarketID: marketID,
		Side:     side,
		Price:    touchPrice,
		Size:     targetSize,
		Strategy: "fv",
	}}
}

// flattenIntent builds a marketable order at the current touch price so the
// maker-touch fill model matches it immediately rather than leaving it
// resting at an unreachable price (same convention as the scheduler's own
// risk-driven unwind).
func flattenIntent(marketID string, pos types.Position, book *feed.BookState) types.QuoteIntent {
	side := types.Sell
	if pos.NetSize.IsNegative() {
		side = types.Buy
	}
	price := decimal.Zero
	if bid, ask, ok := book.BestBidAsk(); ok {
		if side == types.Sell {
			price = bid
		} else {
			price = ask
		}
	}
	return types.QuoteIntent{
		Kind:     types.IntentPlace,
		MarketID: marketID,
		Side:     side,
		Price:    price,
		Size:     pos.NetSize.Abs(),
		Strategy: "fv_exit",
	}
}
