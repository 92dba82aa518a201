package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/polymarket-trader/internal/config"
	"github.com/GoPolymarket/polymarket-trader/internal/feed"
	"github.com/GoPolymarket/polymarket-trader/internal/portfolio"
	"github.com/GoPolymarket/polymarket-trader/internal/types"
)

func testBook(bid, ask float64) *feed.BookState {
	b := feed.NewBookState("m1", 100)
	b.ApplySnapshot(
		[]types.BookLevel{{Price: decimal.NewFromFloat(bid), Size: decimal.NewFromInt(100)}},
		[]types.BookLevel{{Price: decimal.NewFromFloat(ask), Size: decimal.NewFromInt(100)}},
		1, time.Now(), time.Now(),
	)
	return b
}

func placeIntent(marketID string, side types.Side, size float64) types.QuoteIntent {
	return types.QuoteIntent{Kind: types.IntentPlace, MarketID: marketID, Side: side, Price: decimal.NewFromFloat(0.5), Size: decimal.NewFromFloat(size)}
}

func TestKillSwitchRejectsPlacementButAllowsCancel(t *testing.T) {
	e := New(config.RiskConfig{MaxPositionPerMarket: 100, MaxEventExposureUSD: 1000, MaxOpenPositions: 10})
	e.SetKillSwitch(true)

	pf := portfolio.New()
	book := testBook(0.49, 0.51)
	mids := map[string]decimal.Decimal{"m1": decimal.NewFromFloat(0.5)}

	rej := e.Evaluate(placeIntent("m1", types.Buy, 5), pf, book, mids, "e1", time.Now())
	if rej == nil || rej.Rule != RuleKillSwitch {
		t.Fatalf("expected kill_switch rejection, got %v", rej)
	}

	cancel := types.QuoteIntent{Kind: types.IntentCancel, MarketID: "m1", OrderID: "o1"}
	if rej := e.Evaluate(cancel, pf, book, mids, "e1", time.Now()); rej != nil {
		t.Fatalf("expected cancel to pass even with kill switch active, got %v", rej)
	}
}

// Scenario 3: per-market cap already at the limit rejects a
// same-direction add but allows a reducing order.
func TestPerMarketPositionCapRejectsAddAllowsReduce(t *testing.T) {
	e := New(config.RiskConfig{MaxPositionPerMarket: 10, MaxEventExposureUSD: 1000, MaxOpenPositions: 10})
	pf := portfolio.New()
	pf.ApplyFill(types.Fill{MarketID: "m1", Side: types.Buy, Price: decimal.NewFromFloat(0.5), Size: decimal.NewFromInt(10), Ts: time.Now()})

	book := testBook(0.49, 0.51)
	mids := map[string]decimal.Decimal{"m1": decimal.NewFromFloat(0.5)}

	rej := e.Evaluate(placeIntent("m1", types.Buy, 5), pf, book, mids, "e1", time.Now())
	if rej == nil || rej.Rule != RulePerMarketPos {
		t.Fatalf("expected per_market_position rejection, got %v", rej)
	}

	if rej := e.Evaluate(placeIntent("m1", types.Sell, 5), pf, book, mids, "e1", time.Now()); rej != nil {
		t.Fatalf("expected a reducing sell to be accepted, got %v", rej)
	}
}

// Scenario 4: feed lag above the threshold rejects placements
// but still allows cancels.
func TestFeedLagRejectsPlacement(t *testing.T) {
	e := New(config.RiskConfig{MaxPositionPerMarket: 100, MaxEventExposureUSD: 1000, MaxOpenPositions: 10, RejectFeedLagMs: 100})
	pf := portfolio.New()

	book := feed.NewBookState("m1", 100)
	base := time.Now()
	for i := 0; i < 5; i++ {
		book.ApplySnapshot(
			[]types.BookLevel{{Price: decimal.NewFromFloat(0.49), Size: decimal.NewFromInt(10)}},
			[]types.BookLevel{{Price: decimal.NewFromFloat(0.51), Size: decimal.NewFromInt(10)}},
			int64(i+1), base, base.Add(150*time.Millisecond),
		)
	}
	mids := map[string]decimal.Decimal{"m1": decimal.NewFromFloat(0.5)}

	rej := e.Evaluate(placeIntent("m1", types.Buy, 5), pf, book, mids, "e1", time.Now())
	if rej == nil || rej.Rule != RuleFeedLag {
		t.Fatalf("expected feed_lag rejection, got %v", rej)
	}
}

// Scenario 5: breaching the daily loss limit rejects every
// placement.
func TestDailyLossLimitRejectsPlacement(t *testing.T) {
	e := New(config.RiskConfig{MaxPositionPerMarket: 100, MaxEventExposureUSD: 1000, MaxOpenPositions: 10, DailyLossLimit: 100})
	pf := portfolio.New()
	pf.ApplyFill(types.Fill{MarketID: "m1", Side: types.Buy, Price: decimal.NewFromFloat(0.99), Size: decimal.NewFromInt(200), Ts: time.Now()})
	pf.ApplyFill(types.Fill{MarketID: "m1", Side: types.Sell, Price: decimal.NewFromFloat(0.01), Size: decimal.NewFromInt(200), Ts: time.Now()})

	book := testBook(0.49, 0.51)
	mids := map[string]decimal.Decimal{"m1": decimal.NewFromFloat(0.5)}

	rej := e.Evaluate(placeIntent("m1", types.Buy, 5), pf, book, mids, "e1", time.Now())
	if rej == nil || rej.Rule != RuleDailyLoss {
		t.Fatalf("expected daily_loss_limit rejection, got %v", rej)
	}
}

// A reduce-only placement is exempt from the daily loss rule; without the
// exemption the flatten intents the scheduler enqueues on a breach would
// themselves be rejected and the book could never be unwound.
func TestDailyLossLimitExemptsReduceOnlyPlacement(t *testing.T) {
	e := New(config.RiskConfig{MaxPositionPerMarket: 1000, MaxEventExposureUSD: 10000, MaxOpenPositions: 10, DailyLossLimit: 100})
	pf := portfolio.New()
	pf.ApplyFill(types.Fill{MarketID: "m1", Side: types.Buy, Price: decimal.NewFromFloat(0.99), Size: decimal.NewFromInt(200), Ts: time.Now()})
	pf.ApplyFill(types.Fill{MarketID: "m1", Side: types.Sell, Price: decimal.NewFromFloat(0.01), Size: decimal.NewFromInt(190), Ts: time.Now()})

	book := testBook(0.49, 0.51)
	mids := map[string]decimal.Decimal{"m1": decimal.NewFromFloat(0.5)}

	if !e.DailyLossBreached(pf, mids) {
		t.Fatal("expected the daily loss limit to be breached")
	}

	// Selling down the remaining +10 long strictly reduces |net_size|.
	if rej := e.Evaluate(placeIntent("m1", types.Sell, 10), pf, book, mids, "e1", time.Now()); rej != nil {
		t.Fatalf("expected a reduce-only flatten to pass after a daily-loss breach, got %v", rej)
	}

	// Adding to the long is still rejected.
	rej := e.Evaluate(placeIntent("m1", types.Buy, 5), pf, book, mids, "e1", time.Now())
	if rej == nil || rej.Rule != RuleDailyLoss {
		t.Fatalf("expected daily_loss_limit rejection for a size-increasing order, got %v", rej)
	}
}

func TestCrossedBookRejectsPlacement(t *testing.T) {
	e := New(config.RiskConfig{MaxPositionPerMarket: 100, MaxEventExposureUSD: 1000, MaxOpenPositions: 10})
	pf := portfolio.New()
	book := testBook(0.52, 0.51) // bid >= ask: crossed
	mids := map[string]decimal.Decimal{"m1": decimal.NewFromFloat(0.5)}

	rej := e.Evaluate(placeIntent("m1", types.Buy, 5), pf, book, mids, "e1", time.Now())
	if rej == nil || rej.Rule != RuleSpreadBreaker {
		t.Fatalf("expected spread_circuit_breaker rejection for a crossed book, got %v", rej)
	}
}

func TestMaxOpenPositionsOnlyBlocksNewMarkets(t *testing.T) {
	e := New(config.RiskConfig{MaxPositionPerMarket: 100, MaxEventExposureUSD: 1000, MaxOpenPositions: 1})
	pf := portfolio.New()
	pf.ApplyFill(types.Fill{MarketID: "m0", Side: types.Buy, Price: decimal.NewFromFloat(0.5), Size: decimal.NewFromInt(5), Ts: time.Now()})

	book := testBook(0.49, 0.51)
	mids := map[string]decimal.Decimal{"m0": decimal.NewFromFloat(0.5), "m1": decimal.NewFromFloat(0.5)}

	rej := e.Evaluate(placeIntent("m1", types.Buy, 5), pf, book, mids, "e1", time.Now())
	if rej == nil || rej.Rule != RuleMaxOpenPositions {
		t.Fatalf("expected max_open_positions rejection for a brand-new market, got %v", rej)
	}

	// Adding to the already-open market m0 must not trip this rule.
	if rej := e.Evaluate(placeIntent("m0", types.Buy, 5), pf, book, mids, "e1", time.Now()); rej != nil {
		t.Fatalf("expected adding to an already-open market to pass, got %v", rej)
	}
}

// Boundary case: when multiple rules would trip, only the
// first (in documented order) is reported.
func TestOnlyFirstTrippedRuleIsReported(t *testing.T) {
	e := New(config.RiskConfig{MaxPositionPerMarket: 1, MaxEventExposureUSD: 1, MaxOpenPositions: 1, DailyLossLimit: 1})
	e.SetKillSwitch(true)
	pf := portfolio.New()
	book := testBook(0.52, 0.51) // also crossed; also would breach position caps
	mids := map[string]decimal.Decimal{"m1": decimal.NewFromFloat(0.5)}

	rej := e.Evaluate(placeIntent("m1", types.Buy, 1000), pf, book, mids, "e1", time.Now())
	if rej == nil || rej.Rule != RuleKillSwitch {
		t.Fatalf("expected kill_switch (rule 1) to win over every later rule, got %v", rej)
	}
}

func TestPerEventExposureAggregatesAcrossMarkets(t *testing.T) {
	e := New(config.RiskConfig{MaxPositionPerMarket: 1000, MaxEventExposureUSD: 10, MaxOpenPositions: 10})
	pf := portfolio.New()
	pf.RegisterMarket("m1", "event-1")
	pf.RegisterMarket("m2", "event-1")
	pf.ApplyFill(types.Fill{MarketID: "m1", Side: types.Buy, Price: decimal.NewFromFloat(0.5), Size: decimal.NewFromInt(20), Ts: time.Now()})

	book := testBook(0.49, 0.51)
	mids := map[string]decimal.Decimal{"m1": decimal.NewFromFloat(0.5), "m2": decimal.NewFromFloat(0.5)}

	rej := e.Evaluate(placeIntent("m2", types.Buy, 5), pf, book, mids, "event-1", time.Now())
	if rej == nil || rej.Rule != RulePerEventExp {
		t.Fatalf("expected per_event_exposure rejection from m1's existing exposure, got %v", rej)
	}
}

func TestTimeStopDue(t *testing.T) {
	e := New(config.RiskConfig{MaxPosAgeSecs: time.Hour})
	now := time.Now()

	stale := types.Position{MarketID: "m1", NetSize: decimal.NewFromInt(5), UpdatedAt: now.Add(-2 * time.Hour)}
	if !e.TimeStopDue(stale, now) {
		t.Fatal("expected a position older than max_pos_age_secs to be due for unwind")
	}

	fresh := types.Position{MarketID: "m1", NetSize: decimal.NewFromInt(5), UpdatedAt: now.Add(-time.Minute)}
	if e.TimeStopDue(fresh, now) {
		t.Fatal("expected a fresh position to not be due for unwind")
	}

	flat := types.Position{MarketID: "m1", NetSize: decimal.Zero, UpdatedAt: now.Add(-2 * time.Hour)}
	if e.TimeStopDue(flat, now) {
		t.Fatal("expected a flat position to never be due for unwind")
	}
}
