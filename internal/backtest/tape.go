// Package backtest replays a persisted tape as a feed.Source, so the
// scheduler can drive backtest run mode through the exact same event path
// as live trading.
package backtest

import (
	"context"
	"sort"
	"time"

	"github.com/GoPolymarket/polymarket-trader/internal/feed"
	"github.com/GoPolymarket/polymarket-trader/internal/storage"
	"github.com/GoPolymarket/polymarket-trader/internal/types"
)

// TapeSource implements feed.Source by reading persisted tape rows from
// storage and replaying them at Speed x wall-clock, bounded by [Start, End].
// A zero Speed replays as fast as possible with no pacing delay.
type TapeSource struct {
	store *storage.Store
	Start time.Time
	End   time.Time
	Speed float64
}

// NewTapeSource creates a TapeSource reading from store.
func NewTapeSource(store *storage.Store, start, end time.Time, speed float64) *TapeSource {
	return &TapeSource{store: store, Start: start, End: end, Speed: speed}
}

// Subscribe loads every tape row in [Start, End] for the requested markets,
// sorts it by LocalTs, and streams it on a channel paced by Speed. The
// channel closes (instead of blocking forever) once the tape is exhausted,
// which the scheduler's backtest mode treats as a clean run completion
// rather than a reconnect-worthy disconnect.
func (t *TapeSource) Subscribe(ctx context.Context, marketIDs []string) (<-chan feed.RawEvent, error) {
	events, err := t.store.ReadTape(t.Start, t.End)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(marketIDs))
	for _, id := range marketIDs {
		wanted[id] = true
	}
	filtered := make([]types.TapeEvent, 0, len(events))
	for _, ev := range events {
		if len(wanted) == 0 || wanted[ev.MarketID] {
			filtered = append(filtered, ev)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].LocalTs.Before(filtered[j].LocalTs) })

	out := make(chan feed.RawEvent, 256)
	go func() {
		defer close(out)
		var prevTs time.Time
		for _, ev := range filtered {
			if !prevTs.IsZero() && t.Speed > 0 {
				gap := ev.LocalTs.Sub(prevTs)
				if gap > 0 {
					select {
					case <-time.After(time.Duration(float64(gap) / t.Speed)):
					case <-ctx.Done():
						return
					}
				}
			}
			prevTs = ev.LocalTs

			raw := feed.RawEvent{
				MarketID: ev.MarketID,
				Kind:     ev.Kind,
				SourceTs: ev.SourceTs,
				Seq:      ev.Seq,
				Bids:     ev.Bids,
				Asks:     ev.Asks,
				Trade:    ev.Trade,
			}
			select {
			case out <- raw:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
