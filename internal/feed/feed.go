package feed

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/GoPolymarket/polymarket-trader/internal/logging"
	"github.com/GoPolymarket/polymarket-trader/internal/types"
)

// RawEvent is what a Source yields before local timestamping. It mirrors
// types.TapeEvent minus the local monotonic stamp, which only Feed can
// assign (it is the first observer of the event on this machine).
type RawEvent struct {
	MarketID string
	Kind     types.TapeEventKind
	SourceTs time.Time
	Seq      int64
	Bids     []types.BookLevel // BookSnapshot: full book; BookDelta: changed levels only
	Asks     []types.BookLevel
	Trade    types.LastTrade
}

// Source is the narrow boundary to a live feed transport. The network
// client behind it is an external collaborator; the engine only depends
// on this interface. A production Source dials a WebSocket and
// translates venue-specific messages into RawEvent; ws_source.go provides
// a thin gorilla/websocket-backed implementation of this interface.
type Source interface {
	Subscribe(ctx context.Context, marketIDs []string) (<-chan RawEvent, error)
}

// Feed consumes a Source, discards deltas received before the first
// post-(re)connect snapshot per market, stamps local time, and emits a
// normalized TapeEvent stream. It owns the BookState registry but, per the
// single-writer rule, never mutates it itself; callers (the scheduler)
// apply each event to the book.
type Feed struct {
	source Source
	log    *logging.Logger
	Books  *Registry
	Rate   *RateTracker

	// Replay marks the source as a finite tape replay: channel closure is
	// end-of-tape, not a disconnect, so Run drains and returns instead of
	// resubscribing. Set before Run (backtest mode only).
	Replay bool

	queue *eventQueue
	out   chan types.TapeEvent

	seenSnapshot   map[string]bool
	backoff        time.Duration
	maxBackoff     time.Duration
	reconnectLimit *rate.Limiter
}

// New creates a Feed backed by source, with the given book-lag window,
// merged-queue capacity, and update-rate window.
func New(source Source, lagWindow, queueSize int, rateWindow time.Duration, log *logging.Logger) *Feed {
	f := &Feed{
		source:         source,
		log:            log,
		Books:          NewRegistry(lagWindow),
		Rate:           NewRateTracker(rateWindow),
		queue:          newEventQueue(queueSize),
		out:            make(chan types.TapeEvent),
		seenSnapshot:   make(map[string]bool),
		backoff:        time.Second,
		maxBackoff:     30 * time.Second,
		reconnectLimit: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	go f.forward()
	return f
}

// forward moves events from the bounded queue to the Updates channel,
// closing it once the queue is closed and drained.
func (f *Feed) forward() {
	for {
		ev, ok := f.queue.pop()
		if !ok {
			close(f.out)
			return
		}
		f.out <- ev
	}
}

// Updates returns the channel of normalized events. Ordering per market is
// preserved; there is no cross-market ordering guarantee.
func (f *Feed) Updates() <-chan types.TapeEvent {
	return f.out
}

// DroppedDeltas returns how many BookDelta events were shed on merged-queue
// overflow since start.
func (f *Feed) DroppedDeltas() uint64 {
	return f.queue.dropped()
}

// Run subscribes to marketIDs and forwards normalized events until ctx is
// cancelled, reconnecting with exponential backoff on channel closure.
func (f *Feed) Run(ctx context.Context, marketIDs []string) {
	defer f.queue.close()
	backoff := f.backoff

	for {
		if ctx.Err() != nil {
			return
		}
		if err := f.reconnectLimit.Wait(ctx); err != nil {
			return // ctx cancelled while waiting out the backoff
		}

		rawCh, err := f.source.Subscribe(ctx, marketIDs)
		if err != nil {
			f.log.Warn("subscribe_failed", "error", err.Error(), "backoff_ms", backoff.Milliseconds())
			backoff = nextBackoff(backoff, f.maxBackoff)
			f.reconnectLimit.SetLimit(rate.Every(backoff))
			continue
		}

		// Any market resubscribed needs a fresh snapshot before deltas apply.
		for _, id := range marketIDs {
			f.seenSnapshot[id] = false
		}
		backoff = f.backoff
		f.reconnectLimit.SetLimit(rate.Every(backoff))

		for raw := range rawCh {
			f.handle(raw)
		}
		if ctx.Err() != nil {
			return
		}
		if f.Replay {
			f.log.Info("tape_exhausted")
			return
		}
		f.log.Warn("feed_channel_closed", "reconnecting_in_ms", backoff.Milliseconds())
		backoff = nextBackoff(backoff, f.maxBackoff)
		f.reconnectLimit.SetLimit(rate.Every(backoff))
	}
}

func (f *Feed) handle(raw RawEvent) {
	localTs := time.Now()

	switch raw.Kind {
	case types.TapeBookSnapshot:
		f.seenSnapshot[raw.MarketID] = true
	case types.TapeBookDelta:
		if !f.seenSnapshot[raw.MarketID] {
			return // discard deltas received before the first post-reconnect snapshot
		}
	}

	f.Rate.Record(raw.MarketID, localTs)

	f.queue.push(types.TapeEvent{
		MarketID: raw.MarketID,
		Kind:     raw.Kind,
		LocalTs:  localTs,
		SourceTs: raw.SourceTs,
		Seq:      raw.Seq,
		Bids:     raw.Bids,
		Asks:     raw.Asks,
		Trade:    raw.Trade,
	})
}

// Apply mutates the book for ev's market. Only the scheduler calls this
// (single-writer rule); it returns false when a sequence gap demands a
// snapshot resync.
func (f *Feed) Apply(ev types.TapeEvent) bool {
	book := f.Books.Get(ev.MarketID)
	switch ev.Kind {
	case types.TapeBookSnapshot:
		book.ApplySnapshot(ev.Bids, ev.Asks, ev.Seq, ev.SourceTs, ev.LocalTs)
		return true
	case types.TapeBookDelta:
		return book.ApplyDelta(ev.Bids, ev.Asks, ev.Seq, ev.SourceTs, ev.LocalTs)
	case types.TapeTrade:
		book.ApplyTrade(ev.Trade.Price, ev.Trade.Size, ev.Trade.Side, ev.SourceTs, ev.LocalTs)
		return true
	}
	return true
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
