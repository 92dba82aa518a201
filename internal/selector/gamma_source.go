package selector

import (
	"context"
	"strconv"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/gamma"
)

// RateProvider supplies the live observed update rate for a market, merged
// into metadata fetched from Gamma (which has no notion of our local feed
// traffic). feed.RateTracker.UpdatesPerMinute satisfies this.
type RateProvider interface {
	UpdatesPerMinute(marketID string) float64
}

// GammaSource adapts the venue's market-metadata API to MetadataSource,
// grounded on the same Active/Closed/volume-ordered Markets query the
// live bot uses to find candidate markets, but scored and filtered
// entirely by Selector rather than GammaSelector.
type GammaSource struct {
	client gamma.Client
	rates  RateProvider
}

// NewGammaSource creates a GammaSource. rates may be nil, in which case
// UpdatesPerMin is always reported as zero (only relevant if
// min_updates_min is configured above zero).
func NewGammaSource(client gamma.Client, rates RateProvider) *GammaSource {
	return &GammaSource{client: client, rates: rates}
}

// FetchMarkets queries Gamma for active, non-closed markets ordered by
// volume and flattens each market's outcome tokens into one
// MarketMetadata per token, since this engine quotes one token at a time.
func (g *GammaSource) FetchMarkets(ctx context.Context) ([]MarketMetadata, error) {
	active := true
	closed := false
	limit := 100
	markets, err := g.client.Markets(ctx, &gamma.MarketsRequest{
		Active: &active,
		Closed: &closed,
		Order:  "volume",
		Limit:  &limit,
	})
	if err != nil {
		return nil, err
	}

	out := make([]MarketMetadata, 0, len(markets))
	for _, m := range markets {
		vol, _ := strconv.ParseFloat(m.Volume24hr, 64)
		liq, _ := strconv.ParseFloat(m.Liquidity, 64)
		sprdPct, _ := strconv.ParseFloat(m.Spread, 64)
		// Gamma's market listing doesn't carry tick/min-size; those live on
		// the CLOB market endpoint, out of scope for metadata scoring here.
		const tickSize, minSize = "0.01", "5"

		for _, tok := range m.ParsedTokens() {
			var updatesPerMin float64
			if g.rates != nil {
				updatesPerMin = g.rates.UpdatesPerMinute(tok.TokenID)
			}
			out = append(out, MarketMetadata{
				MarketID:      tok.TokenID,
				EventID:       m.ConditionID,
				Volume24h:     vol,
				Liquidity:     liq,
				SpreadBps:     sprdPct * 10000,
				UpdatesPerMin: updatesPerMin,
				TickSize:      tickSize,
				MinSize:       minSize,
				Active:        m.Active,
			})
		}
	}
	return out, nil
}
