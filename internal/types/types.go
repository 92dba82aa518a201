// Package types defines the core data model shared by every component of
// the paper engine: markets, book state, positions, orders, fills, and the
// tape event stream. Numeric fields that are persisted use decimal.Decimal
// so that prices and sizes round-trip through storage as exact strings
// rather than drifting through float64 serialization.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// MarketStatus tracks whether a market still accepts quotes.
type MarketStatus string

const (
	MarketOpen   MarketStatus = "open"
	MarketClosed MarketStatus = "closed"
)

// Market is the immutable-once-observed metadata for one binary-outcome
// token. event_id groups related markets (e.g. the outcomes of a single
// question) for aggregate exposure accounting.
type Market struct {
	MarketID string
	EventID  string
	TickSize decimal.Decimal
	MinSize  decimal.Decimal
	Status   MarketStatus
}

// BookLevel is a single price/size level on one side of a book.
type BookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// LastTrade records the most recent trade print observed for a market.
type LastTrade struct {
	Price decimal.Decimal
	Size  decimal.Decimal
	Side  Side
	Ts    time.Time
}

// OrderStatus is the lifecycle state of a simulated order. It is monotone
// except for open -> partial -> filled or open -> cancelled.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// Position is the single authoritative record of holdings for one market.
// AvgPrice is the size-weighted average of the currently-held lot. It
// resets to zero when NetSize returns to zero, and to the fill price when a
// fill flips NetSize through zero.
type Position struct {
	MarketID    string
	NetSize     decimal.Decimal
	AvgPrice    decimal.Decimal
	RealizedPnL decimal.Decimal
	UpdatedAt   time.Time
}

// Order is a simulated resting or marketable order tracked by the paper
// broker.
type Order struct {
	OrderID       string
	MarketID      string
	Side          Side
	Price         decimal.Decimal
	Size          decimal.Decimal
	Status        OrderStatus
	CreatedTs     time.Time
	RestedSinceTs time.Time
	FilledSize    decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Reason        string
}

// Remaining returns the unfilled portion of the order.
func (o Order) Remaining() decimal.Decimal {
	return o.Size.Sub(o.FilledSize)
}

// Fill is an append-only execution record.
type Fill struct {
	FillID   string
	OrderID  string
	MarketID string
	Side     Side
	Price    decimal.Decimal
	Size     decimal.Decimal
	Ts       time.Time
	Fees     decimal.Decimal
}

// TapeEventKind discriminates the tagged-union TapeEvent payload.
type TapeEventKind string

const (
	TapeBookSnapshot TapeEventKind = "book_snapshot"
	TapeBookDelta    TapeEventKind = "book_delta"
	TapeTrade        TapeEventKind = "trade"
)

// TapeEvent is the normalized, persisted shape of every book update or
// trade print the feed observes, tagged by Kind. Only the fields relevant
// to Kind are populated.
type TapeEvent struct {
	MarketID  string
	Kind      TapeEventKind
	LocalTs   time.Time
	SourceTs  time.Time
	Seq       int64 // source sequence number, 0 if the feed supplies none
	Bids      []BookLevel
	Asks      []BookLevel
	Trade     LastTrade
}

// IntentKind discriminates the tagged-union QuoteIntent a strategy emits.
type IntentKind string

const (
	IntentPlace   IntentKind = "place"
	IntentCancel  IntentKind = "cancel"
	IntentReplace IntentKind = "replace"
)

// QuoteIntent is the output of a strategy evaluation: place a new order,
// cancel a resting one, or replace it with a new price/size. Only the
// fields relevant to Kind are populated.
type QuoteIntent struct {
	Kind     IntentKind
	MarketID string
	Side     Side
	Price    decimal.Decimal
	Size     decimal.Decimal
	OrderID  string // cancel/replace target
	Strategy string // originating strategy name, for logging/attribution
}

// WatchlistEntry is one market's place in the Selector's ranked output.
type WatchlistEntry struct {
	MarketID        string
	Score           float64
	Rank            int
	EligibleUntil   time.Time
	ConsecutiveFail int
}

// PnLSnapshot is a periodic rollup of portfolio-wide PnL.
type PnLSnapshot struct {
	Ts          time.Time
	Unrealized  decimal.Decimal
	Realized    decimal.Decimal
	OpenMarkets int
}

// RoundTick rounds price to the nearest multiple of tick, halves away from
// zero. Bids and asks are rounded the same way.
func RoundTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	ticks := price.DivRound(tick, 8).Round(0)
	return ticks.Mul(tick)
}
