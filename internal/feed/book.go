// Package feed normalizes live order-book updates into the uniform
// TapeEvent stream and maintains the in-memory BookState each
// strategy reads. The network transport itself (WebSocket client against
// the upstream CLOB) is out of scope; feed.Source is the narrow boundary
// a real transport implementation would satisfy.
package feed

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/polymarket-trader/internal/types"
)

// BookState is the per-market in-memory order book plus freshness and
// health signals. Feed owns BookState; the scheduler holds lookup-only
// references.
type BookState struct {
	MarketID string
	Bids     []types.BookLevel // sorted descending by price
	Asks     []types.BookLevel // sorted ascending by price
	Last     types.LastTrade

	LastUpdateTs time.Time // source time
	LastLocalTs  time.Time // local monotonic time

	lastSeq int64
	crossed bool

	lagSamples []time.Duration // rolling window for feed_lag_ms_p99
	lagWindow  int
}

// NewBookState creates an empty book ready for its first snapshot.
func NewBookState(marketID string, lagWindow int) *BookState {
	if lagWindow <= 0 {
		lagWindow = 100
	}
	return &BookState{MarketID: marketID, lagWindow: lagWindow}
}

// ApplySnapshot replaces the book wholesale. Used on initial subscribe and
// on every post-reconnect first event; deltas received before the first
// snapshot after a reconnect are discarded upstream.
func (b *BookState) ApplySnapshot(bids, asks []types.BookLevel, seq int64, sourceTs, localTs time.Time) {
	b.Bids = sortLevels(bids, true)
	b.Asks = sortLevels(asks, false)
	b.lastSeq = seq
	b.recordUpdate(sourceTs, localTs)
}

// ApplyDelta merges level changes into the book. A level with size 0 is
// removed. Returns false if the delta's sequence number is not
// lastSeq+1 (when the source supplies sequencing), meaning the caller
// must force a resync via a fresh snapshot fetch.
func (b *BookState) ApplyDelta(bidsChanged, asksChanged []types.BookLevel, seq int64, sourceTs, localTs time.Time) bool {
	if seq != 0 && b.lastSeq != 0 && seq != b.lastSeq+1 {
		return false
	}
	b.Bids = mergeLevels(b.Bids, bidsChanged, true)
	b.Asks = mergeLevels(b.Asks, asksChanged, false)
	if seq != 0 {
		b.lastSeq = seq
	}
	b.recordUpdate(sourceTs, localTs)
	return true
}

// ApplyTrade records a trade print without mutating book levels.
func (b *BookState) ApplyTrade(price, size decimal.Decimal, side types.Side, sourceTs, localTs time.Time) {
	b.Last = types.LastTrade{Price: price, Size: size, Side: side, Ts: sourceTs}
	b.recordUpdate(sourceTs, localTs)
}

func (b *BookState) recordUpdate(sourceTs, localTs time.Time) {
	b.LastUpdateTs = sourceTs
	b.LastLocalTs = localTs
	if !sourceTs.IsZero() {
		lag := localTs.Sub(sourceTs)
		b.lagSamples = append(b.lagSamples, lag)
		if len(b.lagSamples) > b.lagWindow {
			b.lagSamples = b.lagSamples[len(b.lagSamples)-b.lagWindow:]
		}
	}
	bid, ask, ok := b.BestBidAsk()
	b.crossed = ok && bid.GreaterThanOrEqual(ask)
}

// BestBidAsk returns the top of book. ok is false if either side is empty.
func (b *BookState) BestBidAsk() (bid, ask decimal.Decimal, ok bool) {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	return b.Bids[0].Price, b.Asks[0].Price, true
}

// Mid returns (best_bid + best_ask) / 2.
func (b *BookState) Mid() (decimal.Decimal, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// SpreadBps returns (best_ask - best_bid) / mid * 10000.
func (b *BookState) SpreadBps() (decimal.Decimal, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return decimal.Zero, false
	}
	mid, _ := b.Mid()
	if mid.IsZero() {
		return decimal.Zero, false
	}
	return ask.Sub(bid).Div(mid).Mul(decimal.NewFromInt(10000)), true
}

// IsCrossed reports whether best_bid >= best_ask, which suspends quoting
// for this market.
func (b *BookState) IsCrossed() bool { return b.crossed }

// FeedLagP99Ms returns the p99 feed lag in milliseconds over the rolling
// window, or 0 if no samples are recorded yet.
func (b *BookState) FeedLagP99Ms() float64 {
	if len(b.lagSamples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(b.lagSamples))
	copy(sorted, b.lagSamples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * 0.99)
	return float64(sorted[idx].Milliseconds())
}

// Depth sums size across up to n levels per side.
func (b *BookState) Depth(levels int) (bidDepth, askDepth decimal.Decimal) {
	bidDepth, askDepth = decimal.Zero, decimal.Zero
	for i := 0; i < levels && i < len(b.Bids); i++ {
		bidDepth = bidDepth.Add(b.Bids[i].Size)
	}
	for i := 0; i < levels && i < len(b.Asks); i++ {
		askDepth = askDepth.Add(b.Asks[i].Size)
	}
	return bidDepth, askDepth
}

func sortLevels(levels []types.BookLevel, descending bool) []types.BookLevel {
	out := make([]types.BookLevel, 0, len(levels))
	for _, l := range levels {
		if l.Size.IsPositive() {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// mergeLevels applies changed levels into an existing sorted side,
// removing entries whose size is zero.
func mergeLevels(existing, changed []types.BookLevel, descending bool) []types.BookLevel {
	byPrice := make(map[string]decimal.Decimal, len(existing))
	order := make([]string, 0, len(existing))
	for _, l := range existing {
		key := l.Price.String()
		if _, ok := byPrice[key]; !ok {
			order = append(order, key)
		}
		byPrice[key] = l.Size
	}
	priceOf := make(map[string]decimal.Decimal, len(existing))
	for _, l := range existing {
		priceOf[l.Price.String()] = l.Price
	}
	for _, l := range changed {
		key := l.Price.String()
		if _, ok := byPrice[key]; !ok {
			order = append(order, key)
		}
		byPrice[key] = l.Size
		priceOf[key] = l.Price
	}

	out := make([]types.BookLevel, 0, len(order))
	for _, key := range order {
		size := byPrice[key]
		if size.IsZero() || size.IsNegative() {
			continue
		}
		out = append(out, types.BookLevel{Price: priceOf[key], Size: size})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// Registry tracks BookState per market, thread-safe for lookup-only
// readers (strategies, risk engine) while the scheduler is the single
// writer on the hot path.
type Registry struct {
	mu     sync.RWMutex
	books  map[string]*BookState
	window int
}

// NewRegistry creates an empty book registry.
func NewRegistry(lagWindow int) *Registry {
	return &Registry{books: make(map[string]*BookState), window: lagWindow}
}

// Get returns the book for a market, creating an empty one if absent.
func (r *Registry) Get(marketID string) *BookState {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[marketID]
	if !ok {
		b = NewBookState(marketID, r.window)
		r.books[marketID] = b
	}
	return b
}

// Snapshot returns a read-only copy of the book for a market, or nil.
func (r *Registry) Snapshot(marketID string) *BookState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.books[marketID]
	if !ok {
		return nil
	}
	cp := *b
	return &cp
}

// MarketIDs returns all tracked markets.
func (r *Registry) MarketIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.books))
	for id := range r.books {
		ids = append(ids, id)
	}
	return ids
}

// Remove drops a market's book (e.g. on market close or unrecoverable
// invariant violation).
func (r *Registry) Remove(marketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.books, marketID)
}
