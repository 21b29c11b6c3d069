// Package admission implements the two-stage admission pipeline a token
// must clear before the trade executor ever sees it: FilterEngine's
// aggregate signal math over a MindmapSnapshot, and the prediction
// confidence gate with its cache-backed retry bookkeeping. Both are
// stateless evaluators over an injected snapshot/token.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"signaltrader/internal/chainio"
	"signaltrader/internal/domain"
	"signaltrader/internal/engineerr"
	"signaltrader/internal/metrics"
	"signaltrader/internal/pricecache"
)

// predictionMaxAttempts/predictionRetryBaseDelay configure the
// engineerr.Retry wrapper around the prediction service call: up to 3
// attempts with exponential backoff.
const (
	predictionMaxAttempts    = 3
	predictionRetryBaseDelay = 1 * time.Second
)

// FilterConfig mirrors the tunables in config.FilterConfig, kept separate
// from that package so admission has no import-cycle dependency on config.
type FilterConfig struct {
	MinTradeVolume     float64
	MinConnectedActors int
	MinInfluenceScore  float64
	MinTotalTrades     int
	MinViralVelocity   int
	RequireSmartMoney  bool
	MinConsensusScore  float64
	MinMarketCapQuote  float64
	MinLiquidityQuote  float64
}

// FilterEngine computes FilterMetrics and a pass/reject verdict for a
// MindmapSnapshot.
type FilterEngine struct {
	cfg    FilterConfig
	oracle chainio.PriceOracle
	supply chainio.SupplyProvider
	mx     *metrics.Registry
}

// NewFilterEngine constructs a FilterEngine. oracle/supply may be nil when
// no market-cap/liquidity gate is configured. mx may be nil in tests that
// don't care about instrumentation.
func NewFilterEngine(cfg FilterConfig, oracle chainio.PriceOracle, supply chainio.SupplyProvider, mx *metrics.Registry) *FilterEngine {
	return &FilterEngine{cfg: cfg, oracle: oracle, supply: supply, mx: mx}
}

func (f *FilterEngine) reject(reason, stage string, fm domain.FilterMetrics, signals map[domain.FilterSignal]struct{}) domain.FilterResult {
	if f.mx != nil {
		f.mx.AdmissionRejections.WithLabelValues(stage).Inc()
	}
	return domain.FilterResult{Passed: false, Reason: reason, Metrics: fm, Signals: signals}
}

// Evaluate computes the aggregate metrics and signals for snap and
// decides whether the token passes the threshold gate. A strong signal
// bypasses the volume/actor/trade-count thresholds; the influence floor
// always applies.
func (f *FilterEngine) Evaluate(ctx context.Context, snap *domain.MindmapSnapshot) domain.FilterResult {
	if snap.Token == domain.NativeQuoteSentinel {
		return f.reject("native quote asset is never tradeable", "native_quote", domain.FilterMetrics{}, nil)
	}

	fm := computeMetrics(snap)
	signals := f.computeSignals(fm)

	if fm.AvgInfluence < f.cfg.MinInfluenceScore {
		return f.reject("below influence quality floor", "influence_floor", fm, signals)
	}

	if len(signals) == 0 {
		if fm.TotalVolume < f.cfg.MinTradeVolume {
			return f.reject("below minimum trade volume", "min_volume", fm, signals)
		}
		if fm.ConnectedActors < f.cfg.MinConnectedActors {
			return f.reject("below minimum connected actors", "min_actors", fm, signals)
		}
		if fm.TotalTrades < f.cfg.MinTotalTrades {
			return f.reject("below minimum total trades", "min_trades", fm, signals)
		}
	}

	if f.cfg.MinMarketCapQuote > 0 || f.cfg.MinLiquidityQuote > 0 {
		if reason, ok := f.checkOnChain(ctx, snap.Token); !ok {
			return f.reject(reason, "on_chain", fm, signals)
		}
	}

	return domain.FilterResult{Passed: true, Reason: "", Metrics: fm, Signals: signals}
}

func computeMetrics(snap *domain.MindmapSnapshot) domain.FilterMetrics {
	var m domain.FilterMetrics
	m.TotalTrades = snap.NetworkMetrics.TotalTrades
	m.ConnectedActors = len(snap.ActorConnections)

	cutoff := time.Now().Add(-60 * time.Second)
	var influenceSum float64
	var buyers int
	for _, c := range snap.ActorConnections {
		m.TotalVolume += c.TotalVolume
		influenceSum += c.InfluenceScore
		m.WeightedVolume += c.TotalVolume * (c.InfluenceScore / 100)
		if c.LastTradeTime.After(cutoff) {
			m.ViralVelocity++
		}
		if _, bought := c.TradeKinds[domain.TradeBuy]; bought {
			buyers++
		}
	}
	if m.ConnectedActors > 0 {
		m.AvgInfluence = influenceSum / float64(m.ConnectedActors)
		m.ConsensusScore = 100 * float64(buyers) / float64(m.ConnectedActors)
	}
	return m
}

func (f *FilterEngine) computeSignals(m domain.FilterMetrics) map[domain.FilterSignal]struct{} {
	signals := make(map[domain.FilterSignal]struct{})

	if m.ViralVelocity >= f.cfg.MinViralVelocity && f.cfg.MinViralVelocity > 0 {
		signals[domain.SignalViralSpike] = struct{}{}
	}
	if f.cfg.RequireSmartMoney && m.TotalVolume > 0 && m.WeightedVolume > 0.6*m.TotalVolume {
		signals[domain.SignalSmartMoney] = struct{}{}
	}
	if m.ConsensusScore >= f.cfg.MinConsensusScore && f.cfg.MinConsensusScore > 0 && m.ConnectedActors >= 3 {
		signals[domain.SignalHighConsensus] = struct{}{}
	}
	return signals
}

func (f *FilterEngine) checkOnChain(ctx context.Context, token domain.TokenId) (string, bool) {
	if f.oracle == nil || f.supply == nil {
		return "", true
	}

	price, _, err := f.priceOf(ctx, token)
	if err != nil {
		return "on-chain verification failed", false
	}

	supply, err := f.supply.Supply(ctx, token)
	if err != nil {
		return "on-chain verification failed", false
	}

	marketCap := price * supply
	if f.cfg.MinMarketCapQuote > 0 && marketCap < f.cfg.MinMarketCapQuote {
		return "below minimum market cap", false
	}
	// Liquidity is approximated by market cap in the absence of a
	// dedicated liquidity oracle; both thresholds gate on the same
	// on-chain read so a single failed fetch rejects both checks.
	if f.cfg.MinLiquidityQuote > 0 && marketCap < f.cfg.MinLiquidityQuote {
		return "below minimum liquidity", false
	}
	return "", true
}

// priceOf is a narrow single-token convenience over BatchPrice/Discover,
// since FilterEngine only ever needs one token's price at a time.
func (f *FilterEngine) priceOf(ctx context.Context, token domain.TokenId) (float64, bool, error) {
	price, _, _, _, ok, err := f.oracle.Discover(ctx, token)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, fmt.Errorf("no price available for %q", token)
	}
	return price, true, nil
}

// PredictionGate wraps the external prediction service call plus its
// cache-backed retry bookkeeping.
type PredictionGate struct {
	cache      pricecache.Cache
	service    chainio.PredictionService
	minConf    float64
	maxRetries int
	mx         *metrics.Registry
}

// NewPredictionGate constructs a PredictionGate. mx may be nil in tests
// that don't care about instrumentation.
func NewPredictionGate(cache pricecache.Cache, service chainio.PredictionService, minConfidence float64, maxRetries int, mx *metrics.Registry) *PredictionGate {
	if maxRetries <= 0 {
		maxRetries = pricecache.MaxPredictionRetries
	}
	return &PredictionGate{cache: cache, service: service, minConf: minConfidence, maxRetries: maxRetries, mx: mx}
}

// confidenceOf derives the 0..100 confidence PredictionGate gates on.
// The wire response carries no confidence field of its own; Confidence
// is only ever meaningful when something (a test, a fake) set it
// directly without a Probability, so Probability wins whenever present.
func confidenceOf(o domain.PredictionOutcome) float64 {
	if o.Probability != nil {
		return *o.Probability * 100
	}
	return o.Confidence
}

// Evaluate calls the prediction service and returns whether the token is
// approved to trade. A network failure is treated as non-approval, not
// an error the caller must distinguish from a real rejection. The
// service call is retried with backoff before it counts as a rejection.
func (g *PredictionGate) Evaluate(ctx context.Context, token domain.TokenId, metrics domain.FilterMetrics) (bool, domain.PredictionOutcome, error) {
	if failed, err := g.cache.IsPredictionFailed(ctx, token); err == nil && failed {
		log.Debug().Str("token", token).Msg("prediction gate: token permanently failed, skipping service call")
		return false, domain.PredictionOutcome{}, nil
	}

	var outcome domain.PredictionOutcome
	attempt := 0
	err := engineerr.Retry(ctx, func(ctx context.Context) error {
		if attempt > 0 && g.mx != nil {
			g.mx.PredictionRetries.Inc()
		}
		attempt++
		var predictErr error
		outcome, predictErr = g.service.Predict(ctx, chainio.PredictionRequest{Token: token, Snapshot: metrics})
		if predictErr != nil {
			return engineerr.Wrap(engineerr.Api, predictErr)
		}
		return nil
	}, predictionMaxAttempts, predictionRetryBaseDelay)

	outcome.Confidence = confidenceOf(outcome)
	approved := err == nil && outcome.ClassLabel == "good" && outcome.Confidence >= g.minConf
	outcome.Approved = approved

	if !approved {
		n, incErr := g.cache.IncrPredictionRetries(ctx, token)
		if incErr == nil && n >= g.maxRetries {
			g.cache.MarkPredictionFailed(ctx, token)
			log.Warn().Str("token", token).Int("rejections", n).Msg("prediction gate: token permanently failed")
		}
		if g.mx != nil {
			g.mx.AdmissionRejections.WithLabelValues("prediction").Inc()
		}
	}

	return approved, outcome, err
}
