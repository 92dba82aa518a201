package feed

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/polymarket-trader/internal/types"
)

func lvl(price, size float64) types.BookLevel {
	return types.BookLevel{Price: decimal.NewFromFloat(price), Size: decimal.NewFromFloat(size)}
}

func TestApplySnapshotSortsLevelsAndDropsZeroSize(t *testing.T) {
	b := NewBookState("m1", 100)
	b.ApplySnapshot(
		[]types.BookLevel{lvl(0.48, 10), lvl(0.49, 5), lvl(0.47, 0)},
		[]types.BookLevel{lvl(0.52, 10), lvl(0.51, 5)},
		1, time.Now(), time.Now(),
	)

	if len(b.Bids) != 2 || !b.Bids[0].Price.Equal(decimal.NewFromFloat(0.49)) {
		t.Fatalf("expected bids sorted descending with the zero-size level dropped, got %+v", b.Bids)
	}
	if len(b.Asks) != 2 || !b.Asks[0].Price.Equal(decimal.NewFromFloat(0.51)) {
		t.Fatalf("expected asks sorted ascending, got %+v", b.Asks)
	}
}

func TestApplyDeltaRejectsSequenceGap(t *testing.T) {
	b := NewBookState("m1", 100)
	b.ApplySnapshot([]types.BookLevel{lvl(0.49, 10)}, []types.BookLevel{lvl(0.51, 10)}, 5, time.Now(), time.Now())

	if ok := b.ApplyDelta(nil, []types.BookLevel{lvl(0.51, 5)}, 7, time.Now(), time.Now()); ok {
		t.Fatal("expected a non-contiguous sequence number to be rejected")
	}
	if ok := b.ApplyDelta(nil, []types.BookLevel{lvl(0.51, 5)}, 6, time.Now(), time.Now()); !ok {
		t.Fatal("expected the contiguous sequence number to apply")
	}
	if !b.Asks[0].Size.Equal(decimal.NewFromFloat(5)) {
		t.Fatalf("expected ask size updated to 5, got %s", b.Asks[0].Size)
	}
}

func TestApplyDeltaRemovesZeroSizeLevel(t *testing.T) {
	b := NewBookState("m1", 100)
	b.ApplySnapshot([]types.BookLevel{lvl(0.49, 10)}, []types.BookLevel{lvl(0.51, 10), lvl(0.52, 5)}, 0, time.Now(), time.Now())

	b.ApplyDelta(nil, []types.BookLevel{lvl(0.51, 0)}, 0, time.Now(), time.Now())
	if len(b.Asks) != 1 || !b.Asks[0].Price.Equal(decimal.NewFromFloat(0.52)) {
		t.Fatalf("expected the zero-size ask level removed, got %+v", b.Asks)
	}
}

func TestCrossedBookDetection(t *testing.T) {
	b := NewBookState("m1", 100)
	b.ApplySnapshot([]types.BookLevel{lvl(0.52, 10)}, []types.BookLevel{lvl(0.51, 10)}, 0, time.Now(), time.Now())
	if !b.IsCrossed() {
		t.Fatal("expected best_bid >= best_ask to be flagged as crossed")
	}
}

func TestMidAndSpreadBps(t *testing.T) {
	b := NewBookState("m1", 100)
	b.ApplySnapshot([]types.BookLevel{lvl(0.49, 10)}, []types.BookLevel{lvl(0.51, 10)}, 0, time.Now(), time.Now())

	mid, ok := b.Mid()
	if !ok || !mid.Equal(decimal.NewFromFloat(0.50)) {
		t.Fatalf("expected mid 0.50, got %s", mid)
	}
	spread, ok := b.SpreadBps()
	if !ok {
		t.Fatal("expected a spread to be computable")
	}
	want := decimal.NewFromFloat(0.02).Div(decimal.NewFromFloat(0.50)).Mul(decimal.NewFromInt(10000))
	if !spread.Equal(want) {
		t.Fatalf("expected spread_bps %s, got %s", want, spread)
	}
}

func TestFeedLagP99UsesRollingWindow(t *testing.T) {
	b := NewBookState("m1", 10)
	base := time.Now()
	for i := 0; i < 10; i++ {
		lag := time.Duration(i+1) * 10 * time.Millisecond
		b.ApplySnapshot([]types.BookLevel{lvl(0.49, 10)}, []types.BookLevel{lvl(0.51, 10)}, 0, base, base.Add(lag))
	}
	p99 := b.FeedLagP99Ms()
	if p99 < 90 || p99 > 100 {
		t.Fatalf("expected p99 lag near the top of the window (90-100ms), got %v", p99)
	}
}

// Reconnect discipline: deltas received
// before the first post-reconnect snapshot are discarded.
func TestFeedDiscardsDeltasBeforeFirstSnapshotAfterReconnect(t *testing.T) {
	f := New(nil, 100, 16, time.Minute, nil)
	f.seenSnapshot["m1"] = false

	f.handle(RawEvent{MarketID: "m1", Kind: types.TapeBookDelta, Bids: []types.BookLevel{lvl(0.49, 10)}})
	select {
	case <-f.Updates():
		t.Fatal("expected the pre-snapshot delta to be discarded")
	default:
	}

	f.handle(RawEvent{MarketID: "m1", Kind: types.TapeBookSnapshot, Bids: []types.BookLevel{lvl(0.49, 10)}, Asks: []types.BookLevel{lvl(0.51, 10)}})
	ev := <-f.Updates()
	if ev.Kind != types.TapeBookSnapshot {
		t.Fatalf("expected the snapshot to pass through, got %v", ev.Kind)
	}

	f.handle(RawEvent{MarketID: "m1", Kind: types.TapeBookDelta, Bids: []types.BookLevel{lvl(0.48, 5)}})
	ev = <-f.Updates()
	if ev.Kind != types.TapeBookDelta {
		t.Fatalf("expected a delta after the snapshot to pass through, got %v", ev.Kind)
	}
}
