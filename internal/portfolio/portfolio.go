// Package portfolio holds the single authoritative in-memory record of
// positions, realized/unrealized PnL, and daily loss accumulators. Only the
// scheduler mutates it (single-writer rule).
package portfolio

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/polymarket-trader/internal/types"
)

// Portfolio tracks positions by market and rolls them up into event-level
// exposure and daily PnL. Reads are safe from any goroutine; writes
// (ApplyFill) must only ever be called from the scheduler's hot path.
type Portfolio struct {
	mu sync.RWMutex

	positions map[string]*types.Position // market_id -> position
	eventOf   map[string]string          // market_id -> event_id, for exposure rollups

	dayStart       time.Time
	realizedAtOpen decimal.Decimal // realized PnL snapshot at start of trading day
}

// New creates an empty Portfolio.
func New() *Portfolio {
	return &Portfolio{
		positions: make(map[string]*types.Position),
		eventOf:   make(map[string]string),
		dayStart:  time.Now(),
	}
}

// Restore seeds the portfolio from persisted positions loaded at startup;
// paper state survives a restart unless PAPER_RESET_ON_START wipes it.
func (p *Portfolio) Restore(positions []types.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range positions {
		pos := positions[i]
		p.positions[pos.MarketID] = &pos
	}
}

// RegisterMarket records which event a market belongs to, for per-event
// exposure accounting.
func (p *Portfolio) RegisterMarket(marketID, eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eventOf[marketID] = eventID
}

// Position returns a copy of the current position for a market (zero value
// if none exists yet).
func (p *Portfolio) Position(marketID string) types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if pos, ok := p.positions[marketID]; ok {
		return *pos
	}
	return types.Position{MarketID: marketID}
}

// Positions returns a snapshot of every tracked position.
func (p *Portfolio) Positions() []types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out
}

// OpenMarketCount returns the number of markets with a nonzero position.
func (p *Portfolio) OpenMarketCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, pos := range p.positions {
		if !pos.NetSize.IsZero() {
			n++
		}
	}
	return n
}

// ApplyFill updates the position for fill.MarketID, averaging into the
// existing lot or realizing PnL as the position crosses through zero. This
// is the single mutation path for Portfolio state; it mirrors the
// size-weighted average / realize-on-sign-change logic of a classic
// execution tracker, generalized to decimal arithmetic for a paper-trading
// fixed-point ledger.
func (p *Portfolio) ApplyFill(fill types.Fill) types.Position {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[fill.MarketID]
	if !ok {
		pos = &types.Position{MarketID: fill.MarketID}
		p.positions[fill.MarketID] = pos
	}

	signedSize := fill.Size
	if fill.Side == types.Sell {
		signedSize = signedSize.Neg()
	}

	switch {
	case pos.NetSize.IsZero():
		pos.NetSize = signedSize
		pos.AvgPrice = fill.Price
	case sameSign(pos.NetSize, signedSize):
		// Adding to the existing lot: roll the average price forward.
		totalSize := pos.NetSize.Add(signedSize)
		notional := pos.AvgPrice.Mul(pos.NetSize.Abs()).Add(fill.Price.Mul(signedSize.Abs()))
		pos.AvgPrice = notional.Div(totalSize.Abs())
		pos.NetSize = totalSize
	default:
		// Reducing or flipping the lot: realize PnL on the closed portion.
		closedSize := decimal.Min(pos.NetSize.Abs(), signedSize.Abs())
		pnlPerUnit := fill.Price.Sub(pos.AvgPrice)
		if pos.NetSize.IsNegative() {
			pnlPerUnit = pnlPerUnit.Neg()
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(pnlPerUnit.Mul(closedSize))

		newNet := pos.NetSize.Add(signedSize)
		if newNet.IsZero() {
			pos.NetSize = decimal.Zero
			pos.AvgPrice = decimal.Zero
		} else if sameSign(newNet, pos.NetSize) {
			// Partial reduction: average price on the remaining lot is unchanged.
			pos.NetSize = newNet
		} else {
			// Flipped through zero: the remainder opens a fresh lot at fill price.
			pos.NetSize = newNet
			pos.AvgPrice = fill.Price
		}
	}

	pos.UpdatedAt = fill.Ts
	return *pos
}

// UnrealizedPnL computes mark-to-market PnL for a position given the
// current mid price.
func UnrealizedPnL(pos types.Position, mid decimal.Decimal) decimal.Decimal {
	if pos.NetSize.IsZero() {
		return decimal.Zero
	}
	return mid.Sub(pos.AvgPrice).Mul(pos.NetSize)
}

// EventExposureUSD sums |net_size * mid| across every market sharing
// eventID, for the per-event exposure risk rule. mids
// supplies the current mid price per market; markets without a mid are
// skipped (treated as zero exposure until the feed provides one).
func (p *Portfolio) EventExposureUSD(eventID string, mids map[string]decimal.Decimal) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := decimal.Zero
	for marketID, pos := range p.positions {
		if p.eventOf[marketID] != eventID {
			continue
		}
		mid, ok := mids[marketID]
		if !ok {
			continue
		}
		total = total.Add(pos.NetSize.Abs().Mul(mid))
	}
	return total
}

// DailyPnL returns realized-since-day-start plus unrealized-now, used by
// the risk engine's daily loss limit rule.
func (p *Portfolio) DailyPnL(mids map[string]decimal.Decimal) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	totalRealized := decimal.Zero
	unrealized := decimal.Zero
	for marketID, pos := range p.positions {
		totalRealized = totalRealized.Add(pos.RealizedPnL)
		if mid, ok := mids[marketID]; ok {
			unrealized = unrealized.Add(UnrealizedPnL(*pos, mid))
		}
	}
	return totalRealized.Sub(p.realizedAtOpen).Add(unrealized)
}

// ResetDay snapshots realized PnL as the new baseline for DailyPnL,
// intended to run once at the start of each UTC trading day.
func (p *Portfolio) ResetDay() {
	p.mu.Lock()
	defer p.mu.Unlock()
	var sum decimal.Decimal
	for _, pos := range p.positions {
		sum = sum.Add(pos.RealizedPnL)
	}
	p.realizedAtOpen = sum
	p.dayStart = time.Now()
}

// Snapshot produces the periodic PnL rollup persisted every
// SNAPSHOT_INTERVAL_SECS.
func (p *Portfolio) Snapshot(mids map[string]decimal.Decimal) types.PnLSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap := types.PnLSnapshot{Ts: time.Now()}
	for marketID, pos := range p.positions {
		snap.Realized = snap.Realized.Add(pos.RealizedPnL)
		if mid, ok := mids[marketID]; ok {
			snap.Unrealized = snap.Unrealized.Add(UnrealizedPnL(*pos, mid))
		}
		if !pos.NetSize.IsZero() {
			snap.OpenMarkets++
		}
	}
	return snap
}

func sameSign(a, b decimal.Decimal) bool {
	return (a.IsPositive() && b.IsPositive()) || (a.IsNegative() && b.IsNegative())
}
