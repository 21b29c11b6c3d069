package main

import (
	"context"
	"math"
	"sync"
	"time"

	"signaltrader/internal/chainio"
	"signaltrader/internal/domain"
	"signaltrader/internal/pricecache"
)

// simBasePrice is the synthetic starting quote-per-token price every
// paper-trading token is seeded at. Its absolute scale is arbitrary; only
// the watcher's percent-change exit logic ever consults it.
const simBasePrice = 0.00002

// simOracle wraps chainio.FakeOracle with a smooth, deterministic price
// walk so simulation.enabled runs have something to mark-to-market
// against without a live oracle.
type simOracle struct {
	*chainio.FakeOracle

	mu       sync.Mutex
	seededAt map[domain.TokenId]time.Time
	base     map[domain.TokenId]float64
}

func newSimOracle() *simOracle {
	return &simOracle{
		FakeOracle: chainio.NewFakeOracle(),
		seededAt:   make(map[domain.TokenId]time.Time),
		base:       make(map[domain.TokenId]float64),
	}
}

// ensureSeeded seeds token's starting price the first time it is touched,
// either by a discovery call or by an opening buy.
func (s *simOracle) ensureSeeded(token domain.TokenId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seededAt[token]; ok {
		return
	}
	s.seededAt[token] = time.Now()
	s.base[token] = simBasePrice
	s.FakeOracle.SetPrice(token, simBasePrice)
}

// drift recomputes every seeded token's price as an oscillation around its
// base, so held positions eventually cross their take-profit/stop-loss
// thresholds during a paper run.
func (s *simOracle) drift() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for token, base := range s.base {
		elapsed := now.Sub(s.seededAt[token]).Seconds()
		s.FakeOracle.SetPrice(token, base*(1+0.35*math.Sin(elapsed/20)))
	}
}

func (s *simOracle) Discover(ctx context.Context, token domain.TokenId) (float64, pricecache.RouteHint, []byte, bool, bool, error) {
	s.ensureSeeded(token)
	s.drift()
	return s.FakeOracle.Discover(ctx, token)
}

func (s *simOracle) BatchPrice(ctx context.Context, hints map[domain.TokenId]pricecache.RouteHint) (map[domain.TokenId]float64, error) {
	s.drift()
	return s.FakeOracle.BatchPrice(ctx, hints)
}

// simSwapBackend seeds a token's price the moment it's first bought, so
// the opening fill is never rejected for want of a discovered price.
type simSwapBackend struct {
	*chainio.FakeSwapBackend
	oracle *simOracle
}

func newSimSwapBackend(oracle *simOracle) *simSwapBackend {
	return &simSwapBackend{FakeSwapBackend: chainio.NewFakeSwapBackend(oracle.FakeOracle), oracle: oracle}
}

func (s *simSwapBackend) Buy(ctx context.Context, token domain.TokenId, quoteAmount float64, priorityFeeLamports uint64) (string, float64, float64, error) {
	s.oracle.ensureSeeded(token)
	return s.FakeSwapBackend.Buy(ctx, token, quoteAmount, priorityFeeLamports)
}
