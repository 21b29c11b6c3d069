// Package pricemonitor runs the fast and slow price-resolution loops that
// keep the price cache populated for every token the engine has interest
// in. The fast loop prices tokens whose routing is already known; tokens
// it cannot resolve fall through to the slow loop's rate-limited
// discovery pass.
package pricemonitor

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"signaltrader/internal/chainio"
	"signaltrader/internal/domain"
	"signaltrader/internal/metrics"
	"signaltrader/internal/pricecache"
)

// vaultReserves is the reserve pair cached under routeVaults:{kind,token}
// for a post-graduation AMM route, decoded from the opaque blob
// chainio.PriceOracle.Discover hands back. quote-per-base = (quoteReserve
// / 10^quoteDecimals) / (baseReserve / 10^baseDecimals).
type vaultReserves struct {
	BaseReserve   uint64 `json:"baseReserve"`
	QuoteReserve  uint64 `json:"quoteReserve"`
	BaseDecimals  int    `json:"baseDecimals"`
	QuoteDecimals int    `json:"quoteDecimals"`
}

func priceFromReserves(r vaultReserves) float64 {
	if r.BaseReserve == 0 {
		return 0
	}
	base := float64(r.BaseReserve) / math.Pow10(r.BaseDecimals)
	if base == 0 {
		return 0
	}
	quote := float64(r.QuoteReserve) / math.Pow10(r.QuoteDecimals)
	return quote / base
}

// InterestSource supplies the set of tokens PriceMonitor should track. In
// "subscribed" mode this is PriceCache's own interest keys (registered by
// the orchestrator and the store's open positions); in "all" mode it is
// every token the mindmap has ever seen.
type InterestSource interface {
	Tokens(ctx context.Context) ([]domain.TokenId, error)
}

// Monitor runs the fast and slow loops.
type Monitor struct {
	cache   pricecache.Cache
	oracle  chainio.PriceOracle
	source  InterestSource
	limiter *rate.Limiter
	mx      *metrics.Registry

	fastInterval time.Duration
	slowInterval time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Config bundles the tunables pulled from the engine's monitoring config.
type Config struct {
	FastInterval time.Duration
	SlowInterval time.Duration
	DiscoveryRPS float64
}

// New constructs a Monitor. DiscoveryRPS paces the slow loop's per-token
// discovery calls to respect oracle rate limits. mx may be nil in tests
// that don't care about instrumentation.
func New(cache pricecache.Cache, oracle chainio.PriceOracle, source InterestSource, cfg Config, mx *metrics.Registry) *Monitor {
	if cfg.DiscoveryRPS <= 0 {
		cfg.DiscoveryRPS = 5
	}
	return &Monitor{
		cache:        cache,
		oracle:       oracle,
		source:       source,
		limiter:      rate.NewLimiter(rate.Limit(cfg.DiscoveryRPS), 1),
		mx:           mx,
		fastInterval: cfg.FastInterval,
		slowInterval: cfg.SlowInterval,
	}
}

// Start launches the fast and slow loops as background goroutines.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(2)
	go m.runFastLoop(ctx)
	go m.runSlowLoop(ctx)
}

// Stop cancels both loops and waits for them to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

const maxBatchSize = 100 // oracle contract assumption, matches chainio.BatchPrice

func (m *Monitor) runFastLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.fastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.fastTick(ctx)
		}
	}
}

// fastTick resolves the interest set through two branches: tokens with a
// cached vault hint are priced locally from the cached reserve blob with
// no oracle round trip; everything else (no hint, or a vault hint whose
// blob hasn't been cached yet) goes through the oracle's batched call.
func (m *Monitor) fastTick(ctx context.Context) {
	tokens, err := m.source.Tokens(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("pricemonitor fast loop: failed to list interest set")
		return
	}
	if len(tokens) == 0 {
		return
	}

	oracleHints := make(map[domain.TokenId]pricecache.RouteHint)
	vaultPrices := make(map[domain.TokenId]float64)

	for _, t := range tokens {
		hint, ok, err := m.cache.GetRoute(ctx, t)
		if err != nil {
			continue
		}
		if !ok {
			// No hint and no error yet: still eligible for the
			// batched fast path.
			oracleHints[t] = pricecache.RouteHint{}
			continue
		}
		if hint.VaultKind == "" {
			oracleHints[t] = hint
			continue
		}

		if price, ok := m.priceFromCachedVault(ctx, t, hint.VaultKind); ok {
			vaultPrices[t] = price
		} else {
			// Vault blob not cached yet: fall back to the oracle round
			// trip until the slow loop populates it.
			oracleHints[t] = hint
		}
	}

	if len(vaultPrices) > 0 {
		if err := m.cache.WritePriceBatch(ctx, vaultPrices); err != nil {
			log.Warn().Err(err).Msg("pricemonitor fast loop: failed to write vault-derived price batch")
		}
		if m.mx != nil {
			m.mx.PriceCacheHits.WithLabelValues("vault_hit").Add(float64(len(vaultPrices)))
		}
	}

	for len(oracleHints) > 0 {
		batch := make(map[domain.TokenId]pricecache.RouteHint, maxBatchSize)
		for t, h := range oracleHints {
			batch[t] = h
			delete(oracleHints, t)
			if len(batch) >= maxBatchSize {
				break
			}
		}

		prices, err := m.oracle.BatchPrice(ctx, batch)
		if err != nil {
			log.Warn().Err(err).Msg("pricemonitor fast loop: batch price call failed")
			continue
		}
		if len(prices) > 0 {
			if err := m.cache.WritePriceBatch(ctx, prices); err != nil {
				log.Warn().Err(err).Msg("pricemonitor fast loop: failed to write price batch")
			}
		}
		if m.mx != nil {
			m.mx.PriceCacheHits.WithLabelValues("oracle_hit").Add(float64(len(prices)))
			m.mx.PriceCacheHits.WithLabelValues("oracle_miss").Add(float64(len(batch) - len(prices)))
		}
		// Tokens absent from prices fall through to the slow loop's
		// discovery pass.
	}
}

// priceFromCachedVault reads token's cached reserve blob for the given
// vault kind and applies the reserve-ratio formula. ok is false when the
// blob isn't cached yet, is malformed, or yields a non-positive price.
func (m *Monitor) priceFromCachedVault(ctx context.Context, token domain.TokenId, vaultKind string) (float64, bool) {
	blob, hasBlob, err := m.cache.GetRouteVaults(ctx, vaultKind, token)
	if err != nil || !hasBlob {
		return 0, false
	}
	var reserves vaultReserves
	if err := json.Unmarshal(blob, &reserves); err != nil {
		return 0, false
	}
	price := priceFromReserves(reserves)
	return price, price > 0
}

func (m *Monitor) runSlowLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.slowInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.slowTick(ctx)
		}
	}
}

func (m *Monitor) slowTick(ctx context.Context) {
	tokens, err := m.source.Tokens(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("pricemonitor slow loop: failed to list interest set")
		return
	}

	for _, token := range tokens {
		if ctx.Err() != nil {
			return
		}
		if _, hasPrice, _ := m.cache.GetPrice(ctx, token); hasPrice {
			continue
		}
		if hasErr, _ := m.cache.HasError(ctx, token); hasErr {
			continue
		}

		if err := m.limiter.Wait(ctx); err != nil {
			return
		}

		price, hint, vaultBlob, postGrad, ok, err := m.oracle.Discover(ctx, token)
		if err != nil {
			log.Debug().Err(err).Str("token", token).Msg("pricemonitor slow loop: discover failed")
			m.cache.MarkError(ctx, token)
			continue
		}
		if !ok {
			m.cache.MarkError(ctx, token)
			continue
		}

		if err := m.cache.SetPrice(ctx, token, price); err != nil {
			log.Warn().Err(err).Str("token", token).Msg("pricemonitor slow loop: failed to set price")
			continue
		}
		if hint.Hint != "" {
			m.cache.SetRoute(ctx, token, hint, postGrad)
		}
		if hint.VaultKind != "" && len(vaultBlob) > 0 {
			if err := m.cache.SetRouteVaults(ctx, hint.VaultKind, token, vaultBlob); err != nil {
				log.Warn().Err(err).Str("token", token).Msg("pricemonitor slow loop: failed to cache vault reserves")
			}
		}
		m.cache.ClearError(ctx, token)
	}
}
