// Package chainio defines the engine's external-world ports —
// PriceOracle, PredictionService, SwapBackend, FeeSampler — plus the
// production HTTP implementations and the deterministic in-memory fakes
// used in paper mode and tests.
package chainio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"

	"signaltrader/internal/domain"
	"signaltrader/internal/engineerr"
	"signaltrader/internal/pricecache"
)

// PriceOracle resolves a token's current quote-asset price, either from a
// fast batched read (tokens whose pricing path is already known) or by
// discovery (tokens PriceMonitor hasn't classified yet).
type PriceOracle interface {
	// BatchPrice resolves prices for tokens with a known route hint in one
	// round trip; tokens absent from the result map could not be resolved
	// and fall through to Discover.
	BatchPrice(ctx context.Context, hints map[domain.TokenId]pricecache.RouteHint) (map[domain.TokenId]float64, error)
	// Discover attempts to classify and price a token with no cached
	// route hint. ok is false when the token could not be classified yet
	// (not an error: the slow loop will retry next tick). vaultBlob is
	// the opaque reserve-pair payload PriceCache stores under
	// routeVaults:{hint.VaultKind,token}, nil when the source has none to
	// offer (e.g. a pre-graduation bonding-curve hint).
	Discover(ctx context.Context, token domain.TokenId) (price float64, hint pricecache.RouteHint, vaultBlob []byte, postGraduation bool, ok bool, err error)
}

// SupplyProvider resolves a token's circulating supply, used by the
// FilterEngine's market-cap/liquidity gate.
type SupplyProvider interface {
	Supply(ctx context.Context, token domain.TokenId) (float64, error)
}

// PredictionRequest is what the engine hands to the prediction service.
type PredictionRequest struct {
	Token    domain.TokenId
	Snapshot domain.FilterMetrics
}

// PredictionService wraps the upstream confidence-scoring call.
type PredictionService interface {
	Predict(ctx context.Context, req PredictionRequest) (domain.PredictionOutcome, error)
}

// SwapBackend executes the on-chain (or simulated) token swap.
type SwapBackend interface {
	Buy(ctx context.Context, token domain.TokenId, quoteAmount float64, priorityFeeLamports uint64) (txID string, tokenAmount, fillPrice float64, err error)
	Sell(ctx context.Context, token domain.TokenId, tokenAmount float64, priorityFeeLamports uint64) (txID string, quoteAmount, fillPrice float64, err error)
}

// FeeSampler produces the priority fee TradeExecutor attaches to a buy.
type FeeSampler interface {
	SampleFee(ctx context.Context) (uint64, error)
}

// ---- pooled HTTP/2 client ----

// HTTPClientPool provides HTTP/2 connection pooling across a small set of
// clients so a burst of concurrent oracle/swap calls doesn't serialize on
// one transport's connection limit.
type HTTPClientPool struct {
	clients []*http.Client
	idx     atomic.Uint32
}

// NewHTTPClientPool creates an HTTP/2-optimized client pool.
func NewHTTPClientPool(size int, timeout time.Duration) *HTTPClientPool {
	pool := &HTTPClientPool{clients: make([]*http.Client, size)}

	for i := 0; i < size; i++ {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		http2.ConfigureTransport(transport)

		pool.clients[i] = &http.Client{Transport: transport, Timeout: timeout}
	}

	log.Info().Int("poolSize", size).Msg("chainio HTTP/2 client pool initialized")
	return pool
}

// Get returns the next pooled client, round-robin.
func (p *HTTPClientPool) Get() *http.Client {
	idx := p.idx.Add(1)
	return p.clients[idx%uint32(len(p.clients))]
}

// ---- production HTTP implementations ----

// HTTPOracle calls an upstream price/discovery API through the pooled
// transport, rotating across a small set of API keys to spread
// per-key rate limits.
type HTTPOracle struct {
	baseURL string
	pool    *HTTPClientPool
	apiKeys []string
	keyIdx  atomic.Uint32
}

// NewHTTPOracle constructs a production PriceOracle.
func NewHTTPOracle(baseURL string, apiKeys []string, timeout time.Duration) *HTTPOracle {
	if len(apiKeys) == 0 {
		apiKeys = []string{""}
	}
	return &HTTPOracle{
		baseURL: baseURL,
		pool:    NewHTTPClientPool(4, timeout),
		apiKeys: apiKeys,
	}
}

func (o *HTTPOracle) nextKey() string {
	idx := o.keyIdx.Add(1) % uint32(len(o.apiKeys))
	return o.apiKeys[idx]
}

type batchPriceRequest struct {
	Tokens []string `json:"tokens"`
}

type batchPriceResponse struct {
	Prices map[string]float64 `json:"prices"`
}

// BatchPrice posts the resolved-route token set and decodes the response
// map in one round trip.
func (o *HTTPOracle) BatchPrice(ctx context.Context, hints map[domain.TokenId]pricecache.RouteHint) (map[domain.TokenId]float64, error) {
	const maxBatch = 100 // upstream request-size ceiling

	tokens := make([]string, 0, len(hints))
	for t := range hints {
		tokens = append(tokens, t)
		if len(tokens) >= maxBatch {
			break
		}
	}
	if len(tokens) == 0 {
		return map[domain.TokenId]float64{}, nil
	}

	body, err := json.Marshal(batchPriceRequest{Tokens: tokens})
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Oracle, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/batch-price", bytes.NewReader(body))
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Oracle, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.nextKey())

	resp, err := o.pool.Get().Do(req)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Connection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, engineerr.Wrap(engineerr.Oracle, fmt.Errorf("batch-price status %d: %s", resp.StatusCode, data))
	}

	var out batchPriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, engineerr.Wrap(engineerr.Oracle, err)
	}
	return out.Prices, nil
}

type discoverResponse struct {
	Price          float64         `json:"price"`
	Hint           string          `json:"hint"`
	VaultKind      string          `json:"vaultKind"`
	PostGraduation bool            `json:"postGraduation"`
	Classified     bool            `json:"classified"`
	VaultReserves  json.RawMessage `json:"vaultReserves,omitempty"`
}

// Discover asks the oracle to classify a token whose pricing path is not
// yet cached.
func (o *HTTPOracle) Discover(ctx context.Context, token domain.TokenId) (float64, pricecache.RouteHint, []byte, bool, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/discover/"+token, nil)
	if err != nil {
		return 0, pricecache.RouteHint{}, nil, false, false, engineerr.Wrap(engineerr.Oracle, err)
	}
	req.Header.Set("Authorization", "Bearer "+o.nextKey())

	resp, err := o.pool.Get().Do(req)
	if err != nil {
		return 0, pricecache.RouteHint{}, nil, false, false, engineerr.Wrap(engineerr.Connection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, pricecache.RouteHint{}, nil, false, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return 0, pricecache.RouteHint{}, nil, false, false, engineerr.Wrap(engineerr.Oracle, fmt.Errorf("discover status %d: %s", resp.StatusCode, data))
	}

	var out discoverResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, pricecache.RouteHint{}, nil, false, false, engineerr.Wrap(engineerr.Oracle, err)
	}
	if !out.Classified {
		return 0, pricecache.RouteHint{}, nil, false, false, nil
	}
	var vaultBlob []byte
	if len(out.VaultReserves) > 0 {
		vaultBlob = []byte(out.VaultReserves)
	}
	return out.Price, pricecache.RouteHint{Hint: out.Hint, VaultKind: out.VaultKind}, vaultBlob, out.PostGraduation, true, nil
}

// HTTPFeeSampler queries the last N non-zero priority fees paid on-chain
// and caches the 75th-percentile estimate briefly.
type HTTPFeeSampler struct {
	baseURL  string
	pool     *HTTPClientPool
	samples  int
	cacheMu  sync.Mutex
	cached   uint64
	cachedAt time.Time
	cacheTTL time.Duration
}

// NewHTTPFeeSampler constructs a production FeeSampler.
func NewHTTPFeeSampler(baseURL string, samples int, cacheTTL time.Duration, timeout time.Duration) *HTTPFeeSampler {
	return &HTTPFeeSampler{
		baseURL:  baseURL,
		pool:     NewHTTPClientPool(2, timeout),
		samples:  samples,
		cacheTTL: cacheTTL,
	}
}

type feeSamplesResponse struct {
	Lamports []uint64 `json:"lamports"`
}

// SampleFee returns the unclamped 75th-percentile fee across the last
// configured number of samples, reusing a cached value within cacheTTL.
// The executor applies the priority-fee clamp.
func (f *HTTPFeeSampler) SampleFee(ctx context.Context) (uint64, error) {
	f.cacheMu.Lock()
	if time.Since(f.cachedAt) < f.cacheTTL && f.cached > 0 {
		v := f.cached
		f.cacheMu.Unlock()
		return v, nil
	}
	f.cacheMu.Unlock()

	url := fmt.Sprintf("%s/recent-fees?n=%d", f.baseURL, f.samples)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, engineerr.Wrap(engineerr.Oracle, err)
	}

	resp, err := f.pool.Get().Do(req)
	if err != nil {
		return 0, engineerr.Wrap(engineerr.Connection, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return 0, engineerr.Wrap(engineerr.Oracle, fmt.Errorf("recent-fees status %d: %s", resp.StatusCode, data))
	}

	var out feeSamplesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, engineerr.Wrap(engineerr.Oracle, err)
	}

	fee := percentile75(out.Lamports)

	f.cacheMu.Lock()
	f.cached = fee
	f.cachedAt = time.Now()
	f.cacheMu.Unlock()

	return fee, nil
}

func percentile75(samples []uint64) uint64 {
	nonZero := make([]uint64, 0, len(samples))
	for _, s := range samples {
		if s > 0 {
			nonZero = append(nonZero, s)
		}
	}
	if len(nonZero) == 0 {
		return 0
	}
	sort.Slice(nonZero, func(i, j int) bool { return nonZero[i] < nonZero[j] })
	idx := (len(nonZero) * 75) / 100
	if idx >= len(nonZero) {
		idx = len(nonZero) - 1
	}
	return nonZero[idx]
}

// HTTPSwapBackend routes buys and sells through an upstream swap API.
type HTTPSwapBackend struct {
	baseURL     string
	pool        *HTTPClientPool
	apiKeys     []string
	keyIdx      atomic.Uint32
	slippageBps int
}

// NewHTTPSwapBackend constructs a production SwapBackend.
func NewHTTPSwapBackend(baseURL string, apiKeys []string, slippageBps int, timeout time.Duration) *HTTPSwapBackend {
	if len(apiKeys) == 0 {
		apiKeys = []string{""}
	}
	return &HTTPSwapBackend{
		baseURL:     baseURL,
		pool:        NewHTTPClientPool(4, timeout),
		apiKeys:     apiKeys,
		slippageBps: slippageBps,
	}
}

func (s *HTTPSwapBackend) nextKey() string {
	idx := s.keyIdx.Add(1) % uint32(len(s.apiKeys))
	return s.apiKeys[idx]
}

type swapRequest struct {
	Token               string  `json:"token"`
	Side                string  `json:"side"` // "buy" | "sell"
	Amount              float64 `json:"amount"`
	SlippageBps         int     `json:"slippageBps"`
	PriorityFeeLamports uint64  `json:"priorityFeeLamports"`
}

type swapResponse struct {
	TxID      string  `json:"txId"`
	FillPrice float64 `json:"fillPrice"`
	Filled    float64 `json:"filled"`
}

func (s *HTTPSwapBackend) swap(ctx context.Context, token domain.TokenId, side string, amount float64, priorityFeeLamports uint64) (string, float64, float64, error) {
	body, err := json.Marshal(swapRequest{
		Token: token, Side: side, Amount: amount,
		SlippageBps: s.slippageBps, PriorityFeeLamports: priorityFeeLamports,
	})
	if err != nil {
		return "", 0, 0, engineerr.Wrap(engineerr.TradeExecution, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/swap", bytes.NewReader(body))
	if err != nil {
		return "", 0, 0, engineerr.Wrap(engineerr.TradeExecution, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.nextKey())

	resp, err := s.pool.Get().Do(req)
	if err != nil {
		return "", 0, 0, engineerr.Wrap(engineerr.TradeExecution, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return "", 0, 0, engineerr.Wrap(engineerr.TradeExecution, fmt.Errorf("swap status %d: %s", resp.StatusCode, data))
	}

	var out swapResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, 0, engineerr.Wrap(engineerr.TradeExecution, err)
	}
	return out.TxID, out.Filled, out.FillPrice, nil
}

func (s *HTTPSwapBackend) Buy(ctx context.Context, token domain.TokenId, quoteAmount float64, priorityFeeLamports uint64) (string, float64, float64, error) {
	return s.swap(ctx, token, "buy", quoteAmount, priorityFeeLamports)
}

func (s *HTTPSwapBackend) Sell(ctx context.Context, token domain.TokenId, tokenAmount float64, priorityFeeLamports uint64) (string, float64, float64, error) {
	return s.swap(ctx, token, "sell", tokenAmount, priorityFeeLamports)
}

// HTTPPredictionClient calls the upstream confidence-scoring service.
type HTTPPredictionClient struct {
	baseURL string
	pool    *HTTPClientPool
	apiKey  string
}

// NewHTTPPredictionClient constructs a production PredictionService.
func NewHTTPPredictionClient(baseURL, apiKey string, timeout time.Duration) *HTTPPredictionClient {
	return &HTTPPredictionClient{baseURL: baseURL, pool: NewHTTPClientPool(2, timeout), apiKey: apiKey}
}

func (p *HTTPPredictionClient) Predict(ctx context.Context, req PredictionRequest) (domain.PredictionOutcome, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.PredictionOutcome{}, engineerr.Wrap(engineerr.Api, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return domain.PredictionOutcome{}, engineerr.Wrap(engineerr.Api, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.pool.Get().Do(httpReq)
	if err != nil {
		return domain.PredictionOutcome{}, engineerr.Wrap(engineerr.Connection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return domain.PredictionOutcome{}, engineerr.Wrap(engineerr.Api, fmt.Errorf("predict status %d: %s", resp.StatusCode, data))
	}

	var out domain.PredictionOutcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.PredictionOutcome{}, engineerr.Wrap(engineerr.Api, err)
	}
	return out, nil
}

// ValidateTokenMint is a cheap sanity check on a token id: it returns a
// Validation error for an empty id or one that is not valid base58. The
// executor runs it before a buy and logs a failure as a warning without
// rejecting the buy (see domain.ValidToken).
func ValidateTokenMint(token domain.TokenId) error {
	if !domain.ValidToken(token) {
		return engineerr.Wrap(engineerr.Validation, fmt.Errorf("malformed token mint %q", token))
	}
	if _, err := base58.Decode(token); err != nil {
		return engineerr.Wrap(engineerr.Validation, fmt.Errorf("token mint %q is not valid base58: %w", token, err))
	}
	return nil
}
