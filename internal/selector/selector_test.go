package selector

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/time/rate"

	"github.com/GoPolymarket/polymarket-trader/internal/config"
	"github.com/GoPolymarket/polymarket-trader/internal/logging"
)

// unthrottle removes the retry/backoff rate gate so a test can drive several
// back-to-back Refresh calls without tripping on the 1/sec retry limiter
// that the fetch-failure backoff relies on in production.
func unthrottle(s *Selector) { s.retryLimiter = rate.NewLimiter(rate.Inf, 1) }

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *logging.Logger { return logging.New("test", discardWriter{}) }

type fakeSource struct {
	markets []MarketMetadata
	err     error
}

func (f *fakeSource) FetchMarkets(ctx context.Context) ([]MarketMetadata, error) {
	return f.markets, f.err
}

func selCfg() config.SelectorConfig {
	return config.SelectorConfig{
		TopNMarkets:     2,
		WeightVolume:    1,
		WeightLiquidity: 1,
		WeightSpread:    0,
		WeightUpdates:   0,
	}
}

func TestRefreshFiltersIneligibleAndRanksByScore(t *testing.T) {
	src := &fakeSource{markets: []MarketMetadata{
		{MarketID: "m1", Volume24h: 100000, Liquidity: 50000, Active: true},
		{MarketID: "m2", Volume24h: 5000, Liquidity: 2000, Active: true},
		{MarketID: "m3", Volume24h: 1, Liquidity: 1, Active: false}, // inactive, excluded
	}}
	s := New(src, selCfg(), testLogger())

	diff, err := s.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wl := s.Watchlist()
	if len(wl) != 2 {
		t.Fatalf("expected 2 watchlisted markets (inactive excluded), got %d", len(wl))
	}
	if wl[0].MarketID != "m1" || wl[0].Rank != 0 {
		t.Fatalf("expected m1 (higher volume/liquidity) ranked first, got %+v", wl[0])
	}
	if len(diff.Added) != 2 {
		t.Fatalf("expected both markets reported added on first refresh, got %+v", diff.Added)
	}
}

func TestRefreshAppliesThresholdFilters(t *testing.T) {
	cfg := selCfg()
	cfg.MinVolume24h = 10000
	src := &fakeSource{markets: []MarketMetadata{
		{MarketID: "m1", Volume24h: 100000, Liquidity: 50000, Active: true},
		{MarketID: "m2", Volume24h: 500, Liquidity: 50000, Active: true}, // below min_24h_volume_usd
	}}
	s := New(src, cfg, testLogger())

	s.Refresh(context.Background())
	wl := s.Watchlist()
	if len(wl) != 1 || wl[0].MarketID != "m1" {
		t.Fatalf("expected only m1 to pass the volume threshold, got %+v", wl)
	}
}

func TestRefreshTopNCapsWatchlistSize(t *testing.T) {
	cfg := selCfg()
	cfg.TopNMarkets = 1
	src := &fakeSource{markets: []MarketMetadata{
		{MarketID: "m1", Volume24h: 100000, Liquidity: 50000, Active: true},
		{MarketID: "m2", Volume24h: 90000, Liquidity: 40000, Active: true},
	}}
	s := New(src, cfg, testLogger())

	s.Refresh(context.Background())
	if len(s.Watchlist()) != 1 {
		t.Fatalf("expected top_n_markets=1 to cap the watchlist, got %d", len(s.Watchlist()))
	}
}

// Eviction grace period: a market that drops out of the
// eligible set survives one more tick before being removed.
func TestMarketFallingOutOfEligibleSetGetsOneTickGrace(t *testing.T) {
	cfg := selCfg()
	cfg.MinVolume24h = 10000
	src := &fakeSource{markets: []MarketMetadata{
		{MarketID: "m1", Volume24h: 100000, Liquidity: 50000, Active: true},
	}}
	s := New(src, cfg, testLogger())
	s.Refresh(context.Background())

	// m1 drops below threshold this tick.
	src.markets = []MarketMetadata{{MarketID: "m1", Volume24h: 500, Liquidity: 50000, Active: true}}
	unthrottle(s)
	diff, _ := s.Refresh(context.Background())
	if len(diff.Removed) != 0 {
		t.Fatalf("expected m1 to survive its first ineligible tick (grace period), got removed=%v", diff.Removed)
	}
	wl := s.Watchlist()
	if len(wl) != 1 || wl[0].ConsecutiveFail != 1 {
		t.Fatalf("expected m1 retained with consecutive_fail=1, got %+v", wl)
	}

	// Second consecutive ineligible tick: now evicted.
	unthrottle(s)
	diff, _ = s.Refresh(context.Background())
	if len(diff.Removed) != 1 || diff.Removed[0] != "m1" {
		t.Fatalf("expected m1 removed after two consecutive ineligible ticks, got %+v", diff.Removed)
	}
}

func TestRefreshKeepsPreviousWatchlistOnFetchError(t *testing.T) {
	src := &fakeSource{markets: []MarketMetadata{
		{MarketID: "m1", Volume24h: 100000, Liquidity: 50000, Active: true},
	}}
	s := New(src, selCfg(), testLogger())
	s.Refresh(context.Background())

	src.err = errors.New("upstream unavailable")
	src.markets = nil
	unthrottle(s)
	if _, err := s.Refresh(context.Background()); err == nil {
		t.Fatal("expected the fetch error to propagate")
	}
	if len(s.Watchlist()) != 1 {
		t.Fatalf("expected the previous good watchlist to still be served, got %d entries", len(s.Watchlist()))
	}
}

func TestSelectorPausesAfterFiveConsecutiveFailuresWithNoGoodWatchlist(t *testing.T) {
	src := &fakeSource{err: errors.New("down")}
	s := New(src, selCfg(), testLogger())

	for i := 0; i < 5; i++ {
		unthrottle(s) // each failure re-narrows the limiter; bypass it per call
		s.Refresh(context.Background())
	}
	if !s.Paused {
		t.Fatal("expected the selector to pause after 5 consecutive failures with no good watchlist")
	}
}

func TestRerankedDiffReportsRankChanges(t *testing.T) {
	src := &fakeSource{markets: []MarketMetadata{
		{MarketID: "m1", Volume24h: 100000, Liquidity: 50000, Active: true},
		{MarketID: "m2", Volume24h: 50000, Liquidity: 20000, Active: true},
	}}
	cfg := selCfg()
	cfg.TopNMarkets = 2
	s := New(src, cfg, testLogger())
	s.Refresh(context.Background())

	// Flip the ranking: m2 now scores higher than m1.
	src.markets = []MarketMetadata{
		{MarketID: "m1", Volume24h: 1000, Liquidity: 500, Active: true},
		{MarketID: "m2", Volume24h: 500000, Liquidity: 200000, Active: true},
	}
	unthrottle(s)
	diff, _ := s.Refresh(context.Background())
	if len(diff.Reranked) != 2 {
		t.Fatalf("expected both markets reported reranked, got %+v", diff.Reranked)
	}
}
