package chainio

import (
	"context"
	"fmt"
	"sync"

	"signaltrader/internal/domain"
	"signaltrader/internal/engineerr"
	"signaltrader/internal/pricecache"
)

// FakeOracle is a deterministic in-memory PriceOracle for paper trading and
// tests: prices are whatever the test or the paper-trading seed data set,
// with no network calls.
type FakeOracle struct {
	mu     sync.Mutex
	prices map[domain.TokenId]float64
	routes map[domain.TokenId]pricecache.RouteHint
	post   map[domain.TokenId]bool
	vaults map[domain.TokenId][]byte
}

// NewFakeOracle returns an empty FakeOracle.
func NewFakeOracle() *FakeOracle {
	return &FakeOracle{
		prices: make(map[domain.TokenId]float64),
		routes: make(map[domain.TokenId]pricecache.RouteHint),
		post:   make(map[domain.TokenId]bool),
		vaults: make(map[domain.TokenId][]byte),
	}
}

// SetPrice seeds (or updates) the price the fake returns for token.
func (f *FakeOracle) SetPrice(token domain.TokenId, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[token] = price
}

// ClearPrice removes token's seeded price, so subsequent swap/discover
// calls behave as if the token had never been priced.
func (f *FakeOracle) ClearPrice(token domain.TokenId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.prices, token)
}

// SetRoute seeds the route hint Discover should return for token.
func (f *FakeOracle) SetRoute(token domain.TokenId, hint pricecache.RouteHint, postGraduation bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[token] = hint
	f.post[token] = postGraduation
}

// SetVaultBlob seeds the opaque vault-reserve payload Discover should
// return for token, as if the oracle had just classified it as a vaulted
// route.
func (f *FakeOracle) SetVaultBlob(token domain.TokenId, blob []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vaults[token] = blob
}

func (f *FakeOracle) BatchPrice(ctx context.Context, hints map[domain.TokenId]pricecache.RouteHint) (map[domain.TokenId]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[domain.TokenId]float64)
	for token := range hints {
		if p, ok := f.prices[token]; ok {
			out[token] = p
		}
	}
	return out, nil
}

func (f *FakeOracle) Discover(ctx context.Context, token domain.TokenId) (float64, pricecache.RouteHint, []byte, bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, hasPrice := f.prices[token]
	if !hasPrice {
		return 0, pricecache.RouteHint{}, nil, false, false, nil
	}
	hint := f.routes[token]
	return price, hint, f.vaults[token], f.post[token], true, nil
}

// FakeSupplyProvider returns a fixed supply per token, for exercising the
// FilterEngine's market-cap gate without chain reads.
type FakeSupplyProvider struct {
	mu      sync.Mutex
	supply  map[domain.TokenId]float64
	failing map[domain.TokenId]bool
}

func NewFakeSupplyProvider() *FakeSupplyProvider {
	return &FakeSupplyProvider{supply: make(map[domain.TokenId]float64), failing: make(map[domain.TokenId]bool)}
}

func (f *FakeSupplyProvider) SetSupply(token domain.TokenId, supply float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.supply[token] = supply
}

func (f *FakeSupplyProvider) SetFailing(token domain.TokenId, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[token] = failing
}

func (f *FakeSupplyProvider) Supply(ctx context.Context, token domain.TokenId) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[token] {
		return 0, engineerr.Wrap(engineerr.Oracle, fmt.Errorf("on-chain verification failed for %q", token))
	}
	return f.supply[token], nil
}

// FakeSwapBackend fills every buy/sell exactly at the oracle price it's
// handed. Paper trading carries no slippage model.
type FakeSwapBackend struct {
	mu     sync.Mutex
	oracle *FakeOracle
	nextID int
}

func NewFakeSwapBackend(oracle *FakeOracle) *FakeSwapBackend {
	return &FakeSwapBackend{oracle: oracle}
}

func (f *FakeSwapBackend) txID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("paper-tx-%d", f.nextID)
}

func (f *FakeSwapBackend) Buy(ctx context.Context, token domain.TokenId, quoteAmount float64, priorityFeeLamports uint64) (string, float64, float64, error) {
	f.oracle.mu.Lock()
	price, ok := f.oracle.prices[token]
	f.oracle.mu.Unlock()
	if !ok || price <= 0 {
		return "", 0, 0, engineerr.Wrap(engineerr.Oracle, fmt.Errorf("no price available for %q", token))
	}
	return f.txID(), quoteAmount / price, price, nil
}

func (f *FakeSwapBackend) Sell(ctx context.Context, token domain.TokenId, tokenAmount float64, priorityFeeLamports uint64) (string, float64, float64, error) {
	f.oracle.mu.Lock()
	price, ok := f.oracle.prices[token]
	f.oracle.mu.Unlock()
	if !ok || price <= 0 {
		return "", 0, 0, engineerr.Wrap(engineerr.Oracle, fmt.Errorf("no price available for %q", token))
	}
	return f.txID(), tokenAmount * price, price, nil
}

// FakePredictionService returns a scripted confidence per token, defaulting
// to a comfortably-approved result for tokens it hasn't been told about.
type FakePredictionService struct {
	mu      sync.Mutex
	outcome map[domain.TokenId]domain.PredictionOutcome
}

func NewFakePredictionService() *FakePredictionService {
	return &FakePredictionService{outcome: make(map[domain.TokenId]domain.PredictionOutcome)}
}

func (f *FakePredictionService) SetOutcome(token domain.TokenId, outcome domain.PredictionOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcome[token] = outcome
}

func (f *FakePredictionService) Predict(ctx context.Context, req PredictionRequest) (domain.PredictionOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.outcome[req.Token]; ok {
		return o, nil
	}
	return domain.PredictionOutcome{ClassLabel: "good", Confidence: 80, Approved: true}, nil
}

// FakeFeeSampler returns a fixed lamport fee, for deterministic executor
// tests that don't care about the fee-sampling mechanics.
type FakeFeeSampler struct {
	Lamports uint64
}

func (f *FakeFeeSampler) SampleFee(ctx context.Context) (uint64, error) {
	return f.Lamports, nil
}
