// Package app wires together the selector, feed, risk engine, strategies,
// paper broker, and portfolio into the core event loop: the single
// goroutine that owns every mutation of book, portfolio, and broker state.
package app

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/polymarket-trader/internal/config"
	"github.com/GoPolymarket/polymarket-trader/internal/feed"
	"github.com/GoPolymarket/polymarket-trader/internal/logging"
	"github.com/GoPolymarket/polymarket-trader/internal/paper"
	"github.com/GoPolymarket/polymarket-trader/internal/portfolio"
	"github.com/GoPolymarket/polymarket-trader/internal/risk"
	"github.com/GoPolymarket/polymarket-trader/internal/selector"
	"github.com/GoPolymarket/polymarket-trader/internal/storage"
	"github.com/GoPolymarket/polymarket-trader/internal/strategy"
	"github.com/GoPolymarket/polymarket-trader/internal/types"
)

// Scheduler drives the core event loop: apply each tape event to book
// state, run the fill model, throttle strategy evaluation per market, gate
// every resulting intent through the risk engine, and apply what survives
// to the paper broker. Nothing outside this goroutine mutates Feed.Books,
// Portfolio, or Broker.
type Scheduler struct {
	cfg    config.Config
	log    *logging.Logger
	writer *storage.Writer

	f   *feed.Feed
	sel *selector.Selector
	rsk *risk.Engine
	br  *paper.Broker
	pf  *portfolio.Portfolio
	fv  *strategy.FV
	mm  *strategy.MM

	markets   map[string]types.Market
	fvEntries map[string]*strategy.EntryState
	mmBid     map[string]*strategy.RestingQuote
	mmAsk     map[string]*strategy.RestingQuote
	lastEval  map[string]time.Time
	lastTouch map[string]touch
	disabled  map[string]bool
}

// touch is the top of book observed at the last strategy evaluation, for
// the reprice-threshold bypass of the evaluation throttle.
type touch struct {
	bid, ask decimal.Decimal
}

// New creates a Scheduler. writer is the off-loop storage task every
// persistence call is posted to; the scheduler itself never blocks on
// SQLite. fv may be nil if no fair-value collaborator is configured; mm
// may be nil to run fair-value only.
func New(cfg config.Config, log *logging.Logger, writer *storage.Writer, f *feed.Feed, sel *selector.Selector, rsk *risk.Engine, br *paper.Broker, pf *portfolio.Portfolio, fv *strategy.FV, mm *strategy.MM) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		log:       log,
		writer:    writer,
		f:         f,
		sel:       sel,
		rsk:       rsk,
		br:        br,
		pf:        pf,
		fv:        fv,
		mm:        mm,
		markets:   make(map[string]types.Market),
		fvEntries: make(map[string]*strategy.EntryState),
		mmBid:     make(map[string]*strategy.RestingQuote),
		mmAsk:     make(map[string]*strategy.RestingQuote),
		lastEval:  make(map[string]time.Time),
		lastTouch: make(map[string]touch),
		disabled:  make(map[string]bool),
	}
}

// Run dispatches to the scanner or full-core loop per cfg.RunMode and
// blocks until ctx is cancelled or the feed source is exhausted (the clean
// end-of-tape condition in backtest mode).
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.sel.Refresh(ctx); err != nil && len(s.sel.Watchlist()) == 0 {
		return fmt.Errorf("initial selector refresh: %w", err)
	}
	marketIDs := s.subscribeWatchlist()

	feedCtx, cancelFeed := context.WithCancel(ctx)
	defer cancelFeed()
	go s.f.Run(feedCtx, marketIDs)

	if s.cfg.RunMode == "scanner" {
		return s.runScanner(ctx)
	}
	return s.runCore(ctx)
}

// subscribeWatchlist registers market metadata (event_id, tick/min size)
// for everything the selector currently ranks, persists it, and returns
// the market_id list to subscribe the feed to. Dynamic resubscription on
// later selector diffs is not implemented: the feed runs for the process
// lifetime against this initial set.
func (s *Scheduler) subscribeWatchlist() []string {
	watchlist := s.sel.Watchlist()
	ids := make([]string, 0, len(watchlist))
	for _, w := range watchlist {
		ids = append(ids, w.MarketID)
		meta, ok := s.sel.Metadata(w.MarketID)
		if !ok {
			continue
		}
		tick, _ := decimal.NewFromString(meta.TickSize)
		minSize, _ := decimal.NewFromString(meta.MinSize)
		market := types.Market{MarketID: w.MarketID, EventID: meta.EventID, TickSize: tick, MinSize: minSize, Status: types.MarketOpen}
		s.markets[w.MarketID] = market
		s.pf.RegisterMarket(w.MarketID, meta.EventID)
		s.writer.UpsertMarket(market)
	}
	return ids
}

// runScanner consumes and persists the tape (building book state and
// watchlist history) with no strategy evaluation or broker activity, per
// the scanner run mode.
func (s *Scheduler) runScanner(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Selector.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.f.Updates():
			if !ok {
				return nil
			}
			s.writer.AppendTape(ev)
			s.f.Apply(ev)
		case <-ticker.C:
			if _, err := s.sel.Refresh(ctx); err != nil {
				s.log.Warn("selector_refresh_failed", "error", err.Error())
				continue
			}
			s.printWatchlist()
		}
	}
}

// printWatchlist renders the current watchlist as a table on stdout, for
// an operator watching scanner mode interactively.
func (s *Scheduler) printWatchlist() {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Rank", "Market", "Score", "Mid", "Spread (bps)"})
	for _, w := range s.sel.Watchlist() {
		book := s.f.Books.Get(w.MarketID)
		mid, midOK := book.Mid()
		spread, spreadOK := book.SpreadBps()
		midStr, spreadStr := "-", "-"
		if midOK {
			midStr = mid.StringFixed(4)
		}
		if spreadOK {
			spreadStr = spread.StringFixed(1)
		}
		table.Append([]string{strconv.Itoa(w.Rank), w.MarketID, strconv.FormatFloat(w.Score, 'f', 2, 64), midStr, spreadStr})
	}
	table.Render()
}

// runCore is the full paper/backtest event loop: fill matching, throttled
// strategy evaluation, risk gating, broker application, and periodic PnL
// snapshots and position time-stops.
func (s *Scheduler) runCore(ctx context.Context) error {
	defer s.snapshotPnL()

	selectorTicker := time.NewTicker(s.cfg.Selector.Interval)
	defer selectorTicker.Stop()
	snapshotTicker := time.NewTicker(s.cfg.SnapshotInterval)
	defer snapshotTicker.Stop()
	unwindTicker := time.NewTicker(s.cfg.Risk.UnwindIntervalSecs)
	defer unwindTicker.Stop()
	idleTicker := time.NewTicker(s.cfg.IdleTickMs)
	defer idleTicker.Stop()
	dayTicker := time.NewTicker(time.Hour)
	defer dayTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-s.f.Updates():
			if !ok {
				s.log.Info("feed_exhausted")
				return nil
			}
			s.handleEvent(ev, time.Now())

		case <-selectorTicker.C:
			if diff, err := s.sel.Refresh(ctx); err != nil {
				s.log.Warn("selector_refresh_failed", "error", err.Error())
			} else if len(diff.Added) > 0 || len(diff.Removed) > 0 {
				s.log.Info("watchlist_changed", "added", diff.Added, "removed", diff.Removed, "reranked", diff.Reranked)
			}

		case <-snapshotTicker.C:
			s.snapshotPnL()

		case <-unwindTicker.C:
			s.runUnwind(time.Now())

		case <-idleTicker.C:
			s.idleTick(time.Now())

		case <-dayTicker.C:
			if time.Now().UTC().Hour() == 0 {
				s.pf.ResetDay()
			}
		}
	}
}

// handleEvent applies one tape event to book state, runs the configured
// fill model, and (outside scanner mode) throttles strategy evaluation to
// at most once per StrategyMinInterval per market, unless the top of book
// moved by more than the reprice threshold, which re-evaluates immediately.
func (s *Scheduler) handleEvent(ev types.TapeEvent, now time.Time) {
	if s.disabled[ev.MarketID] {
		return
	}
	if reason := validateEvent(ev); reason != "" {
		s.failClosed(ev.MarketID, reason, now)
		return
	}

	s.writer.AppendTape(ev)
	if ok := s.f.Apply(ev); !ok {
		s.log.Warn("feed_seq_gap", "market_id", ev.MarketID)
	}

	book := s.f.Books.Get(ev.MarketID)
	s.matchFills(ev, book, now)

	if last, seen := s.lastEval[ev.MarketID]; seen && now.Sub(last) < s.cfg.StrategyMinInterval && !s.touchMoved(ev.MarketID, book) {
		return
	}
	s.evaluateStrategies(ev.MarketID, book, now)
}

// touchMoved reports whether the best bid or ask has drifted by more than
// the MM reprice threshold (in ticks) since the last strategy evaluation.
func (s *Scheduler) touchMoved(marketID string, book *feed.BookState) bool {
	bid, ask, ok := book.BestBidAsk()
	if !ok {
		return false
	}
	prev, seen := s.lastTouch[marketID]
	if !seen {
		return true
	}
	tick := s.markets[marketID].TickSize
	if tick.IsZero() {
		tick = decimal.NewFromFloat(0.001)
	}
	threshold := tick.Mul(decimal.NewFromFloat(s.cfg.MM.RepriceThreshold))
	return bid.Sub(prev.bid).Abs().GreaterThan(threshold) || ask.Sub(prev.ask).Abs().GreaterThan(threshold)
}

// validateEvent checks the binary-market invariants on an incoming event:
// prices inside [0, 1], sizes non-negative. Returns an empty string when
// the event is well-formed.
func validateEvent(ev types.TapeEvent) string {
	one := decimal.NewFromInt(1)
	for _, levels := range [][]types.BookLevel{ev.Bids, ev.Asks} {
		for _, l := range levels {
			if l.Price.IsNegative() || l.Price.GreaterThan(one) {
				return "level price outside [0,1]"
			}
			if l.Size.IsNegative() {
				return "negative level size"
			}
		}
	}
	if ev.Kind == types.TapeTrade {
		if ev.Trade.Price.IsNegative() || ev.Trade.Price.GreaterThan(one) {
			return "trade price outside [0,1]"
		}
		if ev.Trade.Size.IsNegative() {
			return "negative trade size"
		}
	}
	return ""
}

// failClosed handles an invariant violation: cancel every open
// order for the market, log, and disable it for the rest of the session.
func (s *Scheduler) failClosed(marketID, reason string, now time.Time) {
	s.log.Error("invariant_violation", "market_id", marketID, "reason", reason)
	for _, o := range s.br.OpenOrders(marketID) {
		cancelled, _ := s.br.Apply(types.QuoteIntent{Kind: types.IntentCancel, MarketID: marketID, OrderID: o.OrderID}, nil, now)
		if cancelled != nil {
			s.writer.AppendOrder(*cancelled)
		}
	}
	delete(s.mmBid, marketID)
	delete(s.mmAsk, marketID)
	s.disabled[marketID] = true
}

// idleTick runs the broker's maker-touch match step and any throttle-due
// strategy evaluations when no feed event has arrived, so resting orders
// past min_rest_secs still fill and time-based exits still fire on a quiet
// tape. Trade-through matching needs a trade print, so only the maker-touch
// model matches here.
func (s *Scheduler) idleTick(now time.Time) {
	for _, id := range s.f.Books.MarketIDs() {
		if s.disabled[id] {
			continue
		}
		book := s.f.Books.Get(id)
		if s.cfg.Paper.FillModel != "trade_through" {
			s.applyFills(s.br.MatchMakerTouch(id, book, now), now)
		}
		if last, seen := s.lastEval[id]; seen && now.Sub(last) < s.cfg.StrategyMinInterval {
			continue
		}
		s.evaluateStrategies(id, book, now)
	}
}

func (s *Scheduler) matchFills(ev types.TapeEvent, book *feed.BookState, now time.Time) {
	var fills []types.Fill
	if s.cfg.Paper.FillModel == "trade_through" {
		if ev.Kind == types.TapeTrade {
			fills = s.br.MatchTradeThrough(ev.MarketID, ev.Trade, now)
		}
	} else {
		fills = s.br.MatchMakerTouch(ev.MarketID, book, now)
	}

	s.applyFills(fills, now)
}

func (s *Scheduler) evaluateStrategies(marketID string, book *feed.BookState, now time.Time) {
	if s.sel.Paused {
		return
	}
	s.lastEval[marketID] = now
	if bid, ask, ok := book.BestBidAsk(); ok {
		s.lastTouch[marketID] = touch{bid: bid, ask: ask}
	}

	pos := s.pf.Position(marketID)
	market := s.markets[marketID]

	var intents []types.QuoteIntent
	if s.fv != nil {
		intents = append(intents, s.fv.Evaluate(marketID, book, pos, s.fvEntries[marketID], now)...)
	}
	if s.mm != nil {
		intents = append(intents, s.mm.Evaluate(marketID, book, pos, market, s.mmBid[marketID], s.mmAsk[marketID], now)...)
	}
	if len(intents) == 0 {
		return
	}

	mids := s.currentMids()
	for _, intent := range intents {
		s.dispatchIntent(intent, book, mids, market.EventID, now)
	}
}

// dispatchIntent gates one intent through the risk engine, honors shadow
// execution mode (evaluate and log, never place), and otherwise applies it
// to the paper broker and persists/tracks the result.
func (s *Scheduler) dispatchIntent(intent types.QuoteIntent, book *feed.BookState, mids map[string]decimal.Decimal, eventID string, now time.Time) {
	if rej := s.rsk.Evaluate(intent, s.pf, book, mids, eventID, now); rej != nil {
		s.log.Warn("intent_rejected", "market_id", intent.MarketID, "rule", rej.Rule, "detail", rej.Detail, "strategy", intent.Strategy)
		return
	}
	if s.cfg.ExecutionMode == "shadow" {
		s.log.Info("shadow_intent", "market_id", intent.MarketID, "kind", string(intent.Kind), "side", string(intent.Side), "price", intent.Price.String(), "size", intent.Size.String(), "strategy", intent.Strategy)
		return
	}

	order, fills := s.br.Apply(intent, book, now)
	if order != nil {
		s.writer.AppendOrder(*order)
	}
	s.applyFills(fills, now)
	s.trackResting(intent, order)
}

// applyFills records fills from every path (tape-driven matching, the idle
// tick, and instant fills on a marketable placement) in the portfolio and
// storage, and tracks FV entry state.
func (s *Scheduler) applyFills(fills []types.Fill, now time.Time) {
	for _, f := range fills {
		pos := s.pf.ApplyFill(f)
		s.writer.AppendFill(f)
		s.writer.UpsertPosition(pos)
		s.log.Info("fill", "market_id", f.MarketID, "side", string(f.Side), "price", f.Price.String(), "size", f.Size.String(), "fees", f.Fees.String())

		if pos.NetSize.IsZero() {
			delete(s.fvEntries, f.MarketID)
		} else if _, tracked := s.fvEntries[f.MarketID]; !tracked {
			s.fvEntries[f.MarketID] = &strategy.EntryState{EnteredAt: now}
		}
	}
}

// trackResting keeps mmBid/mmAsk in sync with the broker's view of resting
// orders, so MM's cancel/replace diff on the next tick compares against
// the right price/size/age. Only mm-attributed intents are tracked here;
// fv places a marketable order that is never diffed against.
func (s *Scheduler) trackResting(intent types.QuoteIntent, order *types.Order) {
	if intent.Strategy != "mm" {
		return
	}
	switch intent.Kind {
	case types.IntentPlace, types.IntentReplace:
		if order == nil || order.Status == types.OrderFilled || order.Status == types.OrderRejected {
			return
		}
		quote := &strategy.RestingQuote{OrderID: order.OrderID, Price: order.Price, Size: order.Size, RestedAt: order.RestedSinceTs}
		if order.Side == types.Buy {
			s.mmBid[intent.MarketID] = quote
		} else {
			s.mmAsk[intent.MarketID] = quote
		}
	case types.IntentCancel:
		if bid, ok := s.mmBid[intent.MarketID]; ok && bid.OrderID == intent.OrderID {
			delete(s.mmBid, intent.MarketID)
		}
		if ask, ok := s.mmAsk[intent.MarketID]; ok && ask.OrderID == intent.OrderID {
			delete(s.mmAsk, intent.MarketID)
		}
	}
}

// runUnwind flattens positions the risk engine wants out of: any position
// past MAX_POS_AGE_SECS (the time-stop backstop independent of either
// strategy's own exit logic), and every open position once the daily loss
// limit is breached. The flatten intents are reduce-only, which the daily
// loss rule exempts, so they pass the risk gate that is rejecting all
// other placements.
func (s *Scheduler) runUnwind(now time.Time) {
	mids := s.currentMids()
	lossBreached := s.rsk.DailyLossBreached(s.pf, mids)
	if lossBreached {
		s.log.Warn("daily_loss_limit_breached", "action", "flatten_all")
	}
	for _, pos := range s.pf.Positions() {
		if pos.NetSize.IsZero() {
			continue
		}
		if !lossBreached && !s.rsk.TimeStopDue(pos, now) {
			continue
		}
		book := s.f.Books.Get(pos.MarketID)
		market := s.markets[pos.MarketID]
		s.dispatchIntent(unwindIntent(pos, book), book, mids, market.EventID, now)
	}
}

// unwindIntent builds a marketable order at the current touch price so
// the maker-touch fill model matches it immediately instead of leaving it
// resting indefinitely at an unreachable price.
func unwindIntent(pos types.Position, book *feed.BookState) types.QuoteIntent {
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
	return types.QuoteIntent{Kind: types.IntentPlace, MarketID: pos.MarketID, Side: side, Price: price, Size: pos.NetSize.Abs(), Strategy: "risk_unwind"}
}

func (s *Scheduler) snapshotPnL() {
	mids := s.currentMids()
	snap := s.pf.Snapshot(mids)
	s.writer.AppendPnLSnapshot(snap)
	s.log.Info("pnl_snapshot", "unrealized", snap.Unrealized.String(), "realized", snap.Realized.String(), "open_markets", snap.OpenMarkets)
}

func (s *Scheduler) currentMids() map[string]decimal.Decimal {
	mids := make(map[string]decimal.Decimal)
	for _, id := range s.f.Books.MarketIDs() {
		if mid, ok := s.f.Books.Get(id).Mid(); ok {
			mids[id] = mid
		}
	}
	return mids
}
