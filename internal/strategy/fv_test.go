package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/polymarket-trader/internal/config"
	"github.com/GoPolymarket/polymarket-trader/internal/feed"
	"github.com/GoPolymarket/polymarket-trader/internal/types"
)

type fakeFvProvider struct {
	fv         decimal.Decimal
	observedAt time.Time
	ok         bool
}

func (f fakeFvProvider) FairValue(marketID string) (decimal.Decimal, time.Time, bool) {
	return f.fv, f.observedAt, f.ok
}

func fvConfig() config.FVConfig {
	return config.FVConfig{
		Enabled:      true,
		EntryEdge:    0.03,
		ExitEdge:     0.01,
		MaxStaleness: 5 * time.Second,
		TargetSize:   10,
		DepthMult:    0.5,
		TimeStopSecs: time.Minute,
	}
}

func fvBook(bid, bidSize, ask, askSize float64) *feed.BookState {
	b := feed.NewBookState("m1", 100)
	b.ApplySnapshot(
		[]types.BookLevel{{Price: decimal.NewFromFloat(bid), Size: decimal.NewFromFloat(bidSize)}},
		[]types.BookLevel{{Price: decimal.NewFromFloat(ask), Size: decimal.NewFromFloat(askSize)}},
		1, time.Now(), time.Now(),
	)
	return b
}

func TestFVEntersOnEdgeAboveThresholdWithSufficientDepth(t *testing.T) {
	provider := fakeFvProvider{fv: decimal.NewFromFloat(0.60), observedAt: time.Now(), ok: true}
	s := NewFV(fvConfig(), provider)
	book := fvBook(0.49, 100, 0.51, 100)

	intents := s.Evaluate("m1", book, types.Position{MarketID: "m1"}, nil, time.Now())
	if len(intents) != 1 {
		t.Fatalf("expected one entry intent, got %d", len(intents))
	}
	in := intents[0]
	if in.Side != types.Buy {
		t.Fatalf("expected a buy for positive edge, got %v", in.Side)
	}
	if !in.Price.Equal(decimal.NewFromFloat(0.51)) {
		t.Fatalf("expected entry priced at the touch (0.51), got %s", in.Price)
	}
	if !in.Size.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected target_size 10, got %s", in.Size)
	}
}

func TestFVEntersShortOnNegativeEdge(t *testing.T) {
	provider := fakeFvProvider{fv: decimal.NewFromFloat(0.40), observedAt: time.Now(), ok: true}
	s := NewFV(fvConfig(), provider)
	book := fvBook(0.49, 100, 0.51, 100)

	intents := s.Evaluate("m1", book, types.Position{MarketID: "m1"}, nil, time.Now())
	if len(intents) != 1 || intents[0].Side != types.Sell {
		t.Fatalf("expected a sell entry for negative edge, got %+v", intents)
	}
	if !intents[0].Price.Equal(decimal.NewFromFloat(0.49)) {
		t.Fatalf("expected entry priced at the bid touch, got %s", intents[0].Price)
	}
}

func TestFVSkipsEntryWhenEdgeBelowThreshold(t *testing.T) {
	provider := fakeFvProvider{fv: decimal.NewFromFloat(0.51), observedAt: time.Now(), ok: true}
	s := NewFV(fvConfig(), provider)
	book := fvBook(0.49, 100, 0.51, 100)

	intents := s.Evaluate("m1", book, types.Position{MarketID: "m1"}, nil, time.Now())
	if len(intents) != 0 {
		t.Fatalf("expected no entry when edge is within entry_edge, got %+v", intents)
	}
}

func TestFVSkipsEntryWhenDepthInsufficient(t *testing.T) {
	provider := fakeFvProvider{fv: decimal.NewFromFloat(0.60), observedAt: time.Now(), ok: true}
	s := NewFV(fvConfig(), provider)
	book := fvBook(0.49, 100, 0.51, 2) // ask depth 2 < target_size*depth_mult (5)

	intents := s.Evaluate("m1", book, types.Position{MarketID: "m1"}, nil, time.Now())
	if len(intents) != 0 {
		t.Fatalf("expected no entry when top-of-book depth can't absorb target size, got %+v", intents)
	}
}

func TestFVSkipsStaleFairValue(t *testing.T) {
	provider := fakeFvProvider{fv: decimal.NewFromFloat(0.60), observedAt: time.Now().Add(-10 * time.Second), ok: true}
	s := NewFV(fvConfig(), provider)
	book := fvBook(0.49, 100, 0.51, 100)

	intents := s.Evaluate("m1", book, types.Position{MarketID: "m1"}, nil, time.Now())
	if len(intents) != 0 {
		t.Fatalf("expected no entry on a fair value observed beyond max_staleness, got %+v", intents)
	}
}

func TestFVExitsWhenEdgeCollapsesIntoExitBand(t *testing.T) {
	provider := fakeFvProvider{fv: decimal.NewFromFloat(0.505), observedAt: time.Now(), ok: true}
	s := NewFV(fvConfig(), provider)
	book := fvBook(0.49, 100, 0.51, 100) // mid 0.50, |fv-mid| = 0.005 < exit_edge 0.01

	pos := types.Position{MarketID: "m1", NetSize: decimal.NewFromInt(10)}
	entry := &EntryState{EnteredAt: time.Now()}
	intents := s.Evaluate("m1", book, pos, entry, time.Now())
	if len(intents) != 1 {
		t.Fatalf("expected one flatten intent, got %d", len(intents))
	}
	if intents[0].Side != types.Sell || !intents[0].Size.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected a sell of the full long size to flatten, got %+v", intents[0])
	}
	if !intents[0].Price.Equal(decimal.NewFromFloat(0.49)) {
		t.Fatalf("expected the flatten order priced at the bid touch, got %s", intents[0].Price)
	}
}

func TestFVExitsOnTimeStop(t *testing.T) {
	provider := fakeFvProvider{fv: decimal.NewFromFloat(0.60), observedAt: time.Now(), ok: true}
	s := NewFV(fvConfig(), provider)
	book := fvBook(0.49, 100, 0.51, 100) // edge stays wide, well outside the exit band

	pos := types.Position{MarketID: "m1", NetSize: decimal.NewFromInt(10)}
	entry := &EntryState{EnteredAt: time.Now().Add(-2 * time.Minute)}
	intents := s.Evaluate("m1", book, pos, entry, time.Now())
	if len(intents) != 1 {
		t.Fatalf("expected a time-stop flatten intent, got %d", len(intents))
	}
}

func TestFVHoldsPositionWithinExitBandBeforeTimeStop(t *testing.T) {
	provider := fakeFvProvider{fv: decimal.NewFromFloat(0.60), observedAt: time.Now(), ok: true}
	s := NewFV(fvConfig(), provider)
	book := fvBook(0.49, 100, 0.51, 100)

	pos := types.Position{MarketID: "m1", NetSize: decimal.NewFromInt(10)}
	entry := &EntryState{EnteredAt: time.Now()}
	intents := s.Evaluate("m1", book, pos, entry, time.Now())
	if len(intents) != 0 {
		t.Fatalf("expected no exit while edge is wide and time stop hasn't elapsed, got %+v", intents)
	}
}

func TestFVShortPositionFlattensWithBuy(t *testing.T) {
	provider := fakeFvProvider{fv: decimal.NewFromFloat(0.505), observedAt: time.Now(), ok: true}
	s := NewFV(fvConfig(), provider)
	book := fvBook(0.49, 100, 0.51, 100)

	pos := types.Position{MarketID: "m1", NetSize: decimal.NewFromInt(-10)}
	intents := s.Evaluate("m1", book, pos, nil, time.Now())
	if len(intents) != 1 || intents[0].Side != types.Buy {
		t.Fatalf("expected a buy to flatten a short position, got %+v", intents)
	}
}
