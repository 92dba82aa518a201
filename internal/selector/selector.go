// Package selector implements the Market Selector: the periodic scan that
// turns raw market metadata into a ranked, threshold-filtered watchlist.
package selector

import (
	"context"
	"math"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/GoPolymarket/polymarket-trader/internal/config"
	"github.com/GoPolymarket/polymarket-trader/internal/logging"
	"github.com/GoPolymarket/polymarket-trader/internal/types"
)

// MarketMetadata is the subset of market metadata the selector scores on.
// A real implementation fetches this from the venue's market-metadata API
// (out of scope; see MetadataSource below).
type MarketMetadata struct {
	MarketID        string
	EventID         string
	Volume24h       float64
	Liquidity       float64
	SpreadBps       float64
	UpdatesPerMin   float64
	TickSize        string
	MinSize         string
	Active          bool
}

// MetadataSource fetches current market metadata. The HTTP client behind a
// real implementation is an external collaborator out of scope for this
// engine; Selector only depends on this narrow interface.
type MetadataSource interface {
	FetchMarkets(ctx context.Context) ([]MarketMetadata, error)
}

// Diff describes what changed between two consecutive refreshes.
type Diff struct {
	Added    []string
	Removed  []string
	Reranked []string
}

// Selector produces a ranked, threshold-filtered watchlist on each tick,
// never blocking the scheduler: a fetch failure serves the previous good
// watchlist and backs off exponentially.
type Selector struct {
	source MetadataSource
	cfg    config.SelectorConfig
	log    *logging.Logger

	current  []types.WatchlistEntry
	metaByID map[string]MarketMetadata

	// retryLimiter gates fetch retries after a failure. Its rate is widened
	// back to 1/sec on success and halved (floored at a 30s period) on each
	// consecutive failure, a 1s->30s exponential backoff without blocking
	// the caller in a sleep loop.
	retryLimiter *rate.Limiter
	backoff      time.Duration
	failStreak   int

	// Paused is set true after 5 consecutive fetch failures with no good
	// watchlist to serve; the scheduler checks this before dispatching work.
	Paused bool
}

// New creates a Selector.
func New(source MetadataSource, cfg config.SelectorConfig, log *logging.Logger) *Selector {
	return &Selector{
		source:       source,
		cfg:          cfg,
		log:          log,
		backoff:      time.Second,
		retryLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		metaByID:     make(map[string]MarketMetadata),
	}
}

// Watchlist returns the last successfully computed watchlist.
func (s *Selector) Watchlist() []types.WatchlistEntry {
	out := make([]types.WatchlistEntry, len(s.current))
	copy(out, s.current)
	return out
}

// Metadata returns the metadata last fetched for marketID, so the scheduler
// can learn its event_id/tick_size/min_size without re-querying the source.
func (s *Selector) Metadata(marketID string) (MarketMetadata, bool) {
	m, ok := s.metaByID[marketID]
	return m, ok
}

// Refresh performs one selector tick: fetch, filter, score, rank, diff
// against the previous watchlist. Idempotent within a tick; on fetch error
// it keeps serving the previous watchlist and returns the diff as empty.
func (s *Selector) Refresh(ctx context.Context) (Diff, error) {
	now := time.Now()
	if !s.retryLimiter.AllowN(now, 1) {
		return Diff{}, nil
	}

	meta, err := s.source.FetchMarkets(ctx)
	if err != nil {
		s.failStreak++
		s.log.Warn("selector_fetch_failed", "error", err.Error(), "fail_streak", s.failStreak)
		s.backoff *= 2
		if s.backoff > 30*time.Second {
			s.backoff = 30 * time.Second
		}
		s.retryLimiter.SetLimitAt(now, rate.Every(s.backoff))
		if len(s.current) == 0 && s.failStreak >= 5 {
			s.Paused = true
		}
		return Diff{}, err
	}
	s.failStreak = 0
	s.backoff = time.Second
	s.retryLimiter.SetLimitAt(now, rate.Every(s.backoff))
	s.Paused = false

	eligible := make(map[string]MarketMetadata)
	for _, m := range meta {
		if !m.Active {
			continue
		}
		if m.Volume24h < s.cfg.MinVolume24h {
			continue
		}
		if m.Liquidity < s.cfg.MinLiquidity {
			continue
		}
		if m.SpreadBps < s.cfg.MinSpreadBps {
			continue
		}
		if m.UpdatesPerMin < s.cfg.MinUpdatesMin {
			continue
		}
		eligible[m.MarketID] = m
	}
	for id, m := range eligible {
		s.metaByID[id] = m
	}

	type scored struct {
		id    string
		score float64
	}
	ranked := make([]scored, 0, len(eligible))
	for id, m := range eligible {
		ranked = append(ranked, scored{id: id, score: score(m, s.cfg)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id // lexicographic tie-break
	})

	topN := s.cfg.TopNMarkets
	if topN > len(ranked) {
		topN = len(ranked)
	}

	prevFail := make(map[string]int, len(s.current))
	prevRank := make(map[string]int, len(s.current))
	for _, e := range s.current {
		prevFail[e.MarketID] = e.ConsecutiveFail
		prevRank[e.MarketID] = e.Rank
	}
	prevSet := make(map[string]bool, len(s.current))
	for _, e := range s.current {
		prevSet[e.MarketID] = true
	}

	next := make([]types.WatchlistEntry, 0, topN)
	newSet := make(map[string]bool, topN)
	for i := 0; i < topN; i++ {
		id := ranked[i].id
		next = append(next, types.WatchlistEntry{
			MarketID:        id,
			Score:           ranked[i].score,
			Rank:            i,
			EligibleUntil:   now.Add(2 * s.cfg.Interval),
			ConsecutiveFail: 0,
		})
		newSet[id] = true
	}

	// Markets that fell out of the eligible set are given a consecutive-fail
	// grace period before removal: evicted after two consecutive failed ticks.
	for _, e := range s.current {
		if newSet[e.MarketID] {
			continue
		}
		if _, stillEligible := eligible[e.MarketID]; stillEligible {
			continue // ranked below TOP_N this tick, simply dropped from output
		}
		fails := e.ConsecutiveFail + 1
		if fails < 2 {
			e.ConsecutiveFail = fails
			next = append(next, e)
			newSet[e.MarketID] = true
		}
	}

	var diff Diff
	for id := range newSet {
		if !prevSet[id] {
			diff.Added = append(diff.Added, id)
		}
	}
	for id := range prevSet {
		if !newSet[id] {
			diff.Removed = append(diff.Removed, id)
		}
	}
	for _, e := range next {
		if r, ok := prevRank[e.MarketID]; ok && r != e.Rank {
			diff.Reranked = append(diff.Reranked, e.MarketID)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Reranked)

	s.current = next
	return diff, nil
}

// score computes the log-weighted eligibility score.
func score(m MarketMetadata, cfg config.SelectorConfig) float64 {
	vol := math.Log(math.Max(m.Volume24h, 1))
	liq := math.Log(math.Max(m.Liquidity, 1))
	return cfg.WeightVolume*vol + cfg.WeightLiquidity*liq + cfg.WeightSpread*m.SpreadBps + cfg.WeightUpdates*m.UpdatesPerMin
}
