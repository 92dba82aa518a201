// Package risk implements the stateless Risk Engine: an ordered sequence of
// rules gating every proposed order before it reaches the paper broker.
package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/polymarket-trader/internal/config"
	"github.com/GoPolymarket/polymarket-trader/internal/feed"
	"github.com/GoPolymarket/polymarket-trader/internal/portfolio"
	"github.com/GoPolymarket/polymarket-trader/internal/types"
)

// Rejection is the tagged reason a rule rejected an intent. Rule names
// are stable strings so operators can grep logs for them.
type Rejection struct {
	Rule   string
	Detail string
}

func (r Rejection) Error() string { return r.Rule + ": " + r.Detail }

const (
	RuleKillSwitch       = "kill_switch"
	RuleDailyLoss        = "daily_loss_limit"
	RuleFeedLag          = "feed_lag"
	RuleSpreadBreaker    = "spread_circuit_breaker"
	RulePerMarketPos     = "per_market_position"
	RulePerEventExp      = "per_event_exposure"
	RuleMaxOpenPositions = "max_open_positions"
)

// Engine evaluates QuoteIntents against Portfolio and feed health. It holds
// no mutable state of its own beyond the kill switch flag; every other rule
// reads fresh from the Portfolio/BookState snapshots passed at call time.
type Engine struct {
	cfg    config.RiskConfig
	killed bool
}

// New creates a risk Engine.
func New(cfg config.RiskConfig) *Engine {
	return &Engine{cfg: cfg}
}

// SetKillSwitch manually trips or clears the global kill switch. Cancels
// are always allowed regardless of this flag.
func (e *Engine) SetKillSwitch(on bool) { e.killed = on }

// KillSwitchActive reports the current kill switch state.
func (e *Engine) KillSwitchActive() bool { return e.killed }

// Evaluate runs the ordered rule set against intent. A nil return means the
// intent is approved and may be forwarded to the broker.
func (e *Engine) Evaluate(intent types.QuoteIntent, p *portfolio.Portfolio, book *feed.BookState, mids map[string]decimal.Decimal, eventID string, now time.Time) *Rejection {
	isPlacement := intent.Kind == types.IntentPlace || intent.Kind == types.IntentReplace

	// Rule 1: kill switch rejects all placements, still allows cancels.
	if e.killed && isPlacement {
		return &Rejection{Rule: RuleKillSwitch, Detail: "kill switch is active"}
	}
	if !isPlacement {
		return nil // cancels always pass every other rule too
	}

	pos := p.Position(intent.MarketID)
	newNet := projectNetSize(pos, intent)
	reducing := newNet.Abs().LessThan(pos.NetSize.Abs())

	// Rule 2: daily loss limit. Reduce-only intents are exempt so the
	// scheduler's flatten pass can actually unwind the book after a breach.
	if !reducing && e.DailyLossBreached(p, mids) {
		return &Rejection{Rule: RuleDailyLoss, Detail: "realized_today + unrealized_now breached -daily_loss_limit"}
	}

	// Rule 3: feed lag.
	if book != nil && e.cfg.RejectFeedLagMs > 0 {
		if lag := book.FeedLagP99Ms(); lag > e.cfg.RejectFeedLagMs {
			return &Rejection{Rule: RuleFeedLag, Detail: "feed_lag_ms_p99 exceeds reject_feed_lag_ms"}
		}
	}

	// Rule 4: spread circuit breaker / crossed book.
	if book != nil {
		if book.IsCrossed() {
			return &Rejection{Rule: RuleSpreadBreaker, Detail: "book is crossed"}
		}
		if e.cfg.MaxSpreadBps > 0 {
			if spread, ok := book.SpreadBps(); ok && spread.GreaterThan(decimal.NewFromFloat(e.cfg.MaxSpreadBps)) {
				return &Rejection{Rule: RuleSpreadBreaker, Detail: "spread_bps exceeds max_spread_bps"}
			}
		}
	}

	// Rule 5: per-market position cap, unless the order strictly reduces |net_size|.
	if e.cfg.MaxPositionPerMarket > 0 {
		maxPos := decimal.NewFromFloat(e.cfg.MaxPositionPerMarket)
		if newNet.Abs().GreaterThan(maxPos) && newNet.Abs().GreaterThan(pos.NetSize.Abs()) {
			return &Rejection{Rule: RulePerMarketPos, Detail: "|new_net_size| exceeds max_position_per_market"}
		}
	}

	// Rule 6: per-event exposure.
	if e.cfg.MaxEventExposureUSD > 0 && eventID != "" {
		exposure := p.EventExposureUSD(eventID, mids)
		if mid, ok := mids[intent.MarketID]; ok {
			// add the incremental exposure this intent would create
			delta := newNet.Sub(pos.NetSize).Abs().Mul(mid)
			exposure = exposure.Add(delta)
		}
		if exposure.GreaterThan(decimal.NewFromFloat(e.cfg.MaxEventExposureUSD)) {
			return &Rejection{Rule: RulePerEventExp, Detail: "per-event exposure exceeds max_event_exposure_usd"}
		}
	}

	// Rule 7: max open positions, only when this intent opens a new market.
	if e.cfg.MaxOpenPositions > 0 && pos.NetSize.IsZero() && !newNet.IsZero() {
		if p.OpenMarketCount() >= e.cfg.MaxOpenPositions {
			return &Rejection{Rule: RuleMaxOpenPositions, Detail: "open_markets at max_open_positions"}
		}
	}

	return nil
}

// DailyLossBreached reports whether realized-today plus unrealized-now has
// fallen through -DAILY_LOSS_LIMIT. The scheduler polls this on its unwind
// cadence to enqueue flatten intents for every open position; Evaluate uses
// it to reject any placement that is not reduce-only.
func (e *Engine) DailyLossBreached(p *portfolio.Portfolio, mids map[string]decimal.Decimal) bool {
	if e.cfg.DailyLossLimit <= 0 {
		return false
	}
	return p.DailyPnL(mids).LessThanOrEqual(decimal.NewFromFloat(-e.cfg.DailyLossLimit))
}

// projectNetSize estimates the resulting position if intent's full size
// were to fill. Used by the sizing rules only; actual sizing happens in
// the paper broker at fill time.
func projectNetSize(pos types.Position, intent types.QuoteIntent) decimal.Decimal {
	signed := intent.Size
	if intent.Side == types.Sell {
		signed = signed.Neg()
	}
	return pos.NetSize.Add(signed)
}

// TimeStopDue reports whether a position has aged past MAX_POS_AGE_SECS and
// needs a flatten intent. The scheduler, not the Engine, injects the
// resulting flatten intents on UNWIND_INTERVAL_SECS cadence; this is a pure
// query the scheduler calls on that cadence.
func (e *Engine) TimeStopDue(pos types.Position, now time.Time) bool {
	if pos.NetSize.IsZero() || pos.UpdatedAt.IsZero() {
		return false
	}
	return now.Sub(pos.UpdatedAt) > e.cfg.MaxPosAgeSecs
}
