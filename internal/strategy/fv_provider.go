package strategy

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StubFvProvider is the FvProvider variant used when no real cross-venue
// fair-value collaborator is configured. It never has an opinion, so
// FV.Evaluate always takes the "no fair value available" path.
type StubFvProvider struct{}

// FairValue always reports ok=false.
func (StubFvProvider) FairValue(string) (decimal.Decimal, time.Time, bool) {
	return decimal.Zero, time.Time{}, false
}

// MockFvProvider is the FvProvider variant used in tests and local
// development: it reports whatever value was last set via Set, per
// market_id, until overwritten. Safe for concurrent use since the
// scheduler's strategy evaluation and a test's setup goroutine may race.
type MockFvProvider struct {
	mu     sync.RWMutex
	values map[string]mockFvValue
}

type mockFvValue struct {
	fv         decimal.Decimal
	observedAt time.Time
}

// NewMockFvProvider creates an empty mock provider.
func NewMockFvProvider() *MockFvProvider {
	return &MockFvProvider{values: make(map[string]mockFvValue)}
}

// Set records the fair value to report for marketID, observed at ts.
func (m *MockFvProvider) Set(marketID string, fv decimal.Decimal, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[marketID] = mockFvValue{fv: fv, observedAt: ts}
}

// Clear removes any recorded value for marketID, so subsequent calls
// report ok=false.
func (m *MockFvProvider) Clear(marketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, marketID)
}

// FairValue returns the last value Set for marketID, if any.
func (m *MockFvProvider) FairValue(marketID string) (decimal.Decimal, time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[marketID]
	if !ok {
		return decimal.Zero, time.Time{}, false
	}
	return v.fv, v.observedAt, true
}
