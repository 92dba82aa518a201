package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/polymarket-trader/internal/logging"
	"github.com/GoPolymarket/polymarket-trader/internal/types"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testWriter(t *testing.T, tapeQueue int) (*Writer, *Store) {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	w := NewWriter(store, tapeQueue, logging.New("test", discardWriter{}))
	go w.Run()
	t.Cleanup(func() { store.Close() })
	return w, store
}

func TestWriterAppliesCriticalWritesInOrder(t *testing.T) {
	w, store := testWriter(t, 64)
	now := time.Now().UTC()

	o := types.Order{
		OrderID: "o1", MarketID: "m1", Side: types.Buy,
		Price: decimal.NewFromFloat(0.49), Size: decimal.NewFromInt(10),
		Status: types.OrderOpen, CreatedTs: now, RestedSinceTs: now,
		FilledSize: decimal.Zero, AvgFillPrice: decimal.Zero,
	}
	w.AppendOrder(o)
	o.Status = types.OrderPartial
	o.FilledSize = decimal.NewFromInt(3)
	w.AppendOrder(o)
	w.AppendFill(types.Fill{
		FillID: "f1", OrderID: "o1", MarketID: "m1", Side: types.Buy,
		Price: decimal.NewFromFloat(0.49), Size: decimal.NewFromInt(3),
		Ts: now, Fees: decimal.Zero,
	})
	w.UpsertPosition(types.Position{
		MarketID: "m1", NetSize: decimal.NewFromInt(3),
		AvgPrice: decimal.NewFromFloat(0.49), RealizedPnL: decimal.Zero, UpdatedAt: now,
	})
	w.Flush()

	open, err := store.LoadOpenOrders()
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].Status != types.OrderPartial || !open[0].FilledSize.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected the second order write to win in order, got %+v", open)
	}
	positions, err := store.LoadPositions()
	if err != nil {
		t.Fatal(err)
	}
	if pos, ok := positions["m1"]; !ok || !pos.NetSize.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected the position upsert applied, got %+v", positions)
	}
	w.Close()
}

func TestWriterFlushesTapeBatches(t *testing.T) {
	w, store := testWriter(t, 64)
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := 0; i < 10; i++ {
		w.AppendTape(types.TapeEvent{
			MarketID: "m1",
			Kind:     types.TapeTrade,
			LocalTs:  base.Add(time.Duration(i) * time.Millisecond),
			SourceTs: base,
			Trade:    types.LastTrade{Price: decimal.NewFromFloat(0.5), Size: decimal.NewFromInt(1), Side: types.Buy},
		})
	}
	w.Flush()

	rows, err := store.ReadTape(time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 10 {
		t.Fatalf("expected all 10 tape events written, got %d", len(rows))
	}
	w.Close()
}

func TestWriterShedsTapeOnQueueSaturation(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	// Never started, so the 2-slot tape queue fills and stays full.
	w := NewWriter(store, 2, logging.New("test", discardWriter{}))
	for i := 0; i < 5; i++ {
		w.AppendTape(types.TapeEvent{MarketID: "m1", Kind: types.TapeBookDelta, LocalTs: time.Now()})
	}
	if got := w.TapeDropped(); got != 3 {
		t.Fatalf("expected 3 tape events shed on saturation, got %d", got)
	}
}

func TestWriterCloseDrainsPendingWrites(t *testing.T) {
	w, store := testWriter(t, 64)
	now := time.Now().UTC()

	w.AppendPnLSnapshot(types.PnLSnapshot{Ts: now, Unrealized: decimal.Zero, Realized: decimal.Zero})
	w.AppendTape(types.TapeEvent{MarketID: "m1", Kind: types.TapeTrade, LocalTs: now, SourceTs: now})
	w.Close()

	rows, err := store.ReadTape(time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected the pending tape write drained at close, got %d rows", len(rows))
	}
}