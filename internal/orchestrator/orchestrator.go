// Package orchestrator consumes the inbound MindmapUpdate and
// ActorTradeUpdate event stream, keeps the cached per-token snapshot set
// up to date, and hands each newly-admitted token off to the admission
// pipeline and then the trade executor.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"signaltrader/internal/admission"
	"signaltrader/internal/config"
	"signaltrader/internal/domain"
	"signaltrader/internal/pricecache"
)

// Buyer is the narrow slice of TradeExecutor the orchestrator drives. It
// is satisfied by *executor.Executor; defined here (rather than imported)
// so orchestrator tests can supply a fake without importing executor.
type Buyer interface {
	Buy(ctx context.Context, token domain.TokenId, amount float64, risk config.RiskConfig, prediction *domain.PredictionOutcome) error
}

// ActorTradeData is the tradeData payload carried by an ActorTradeUpdate
// event.
type ActorTradeData struct {
	TokenIn   domain.TokenId
	TokenOut  domain.TokenId
	Mint      domain.TokenId
	AmountIn  float64
	AmountOut float64
	TradeKind domain.TradeKind
}

// Orchestrator owns the cached MindmapSnapshot set and the processed-token
// set, and wires MindmapUpdate/ActorTradeUpdate ingestion to the admission
// pipeline and the buyer.
type Orchestrator struct {
	filter     *admission.FilterEngine
	prediction *admission.PredictionGate // nil disables the prediction gate
	buyer      Buyer
	cache      pricecache.Cache
	trading    config.TradingConfig
	risk       config.RiskConfig

	mu        sync.RWMutex
	snapshots map[domain.TokenId]*domain.MindmapSnapshot
	processed map[domain.TokenId]struct{}
	entries   map[domain.TokenId]int      // successful buys per token, gates the processed-set add
	seen      map[domain.TokenId]struct{} // every token ever ingested, for monitoring.mode=all
}

// New constructs an Orchestrator. prediction may be nil to skip the
// prediction-confidence gate entirely.
func New(filter *admission.FilterEngine, prediction *admission.PredictionGate, buyer Buyer, cache pricecache.Cache, trading config.TradingConfig, risk config.RiskConfig) *Orchestrator {
	return &Orchestrator{
		filter:     filter,
		prediction: prediction,
		buyer:      buyer,
		cache:      cache,
		trading:    trading,
		risk:       risk,
		snapshots:  make(map[domain.TokenId]*domain.MindmapSnapshot),
		processed:  make(map[domain.TokenId]struct{}),
		entries:    make(map[domain.TokenId]int),
		seen:       make(map[domain.TokenId]struct{}),
	}
}

// Tokens implements pricemonitor.InterestSource for monitoring.mode=all:
// every token ever seen in a MindmapUpdate, regardless of admission
// outcome or open-position state.
func (o *Orchestrator) Tokens(ctx context.Context) ([]domain.TokenId, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	tokens := make([]domain.TokenId, 0, len(o.seen))
	for t := range o.seen {
		tokens = append(tokens, t)
	}
	return tokens, nil
}

// HandleMindmapUpdate rejects the native quote sentinel, overwrites the
// cached snapshot, skips tokens already processed, and otherwise runs the
// admission pipeline and, on approval, buys.
func (o *Orchestrator) HandleMindmapUpdate(ctx context.Context, token domain.TokenId, snap *domain.MindmapSnapshot) {
	if token == domain.NativeQuoteSentinel {
		return
	}

	o.mu.Lock()
	o.snapshots[token] = snap
	o.seen[token] = struct{}{}
	_, alreadyProcessed := o.processed[token]
	o.mu.Unlock()

	if o.cache != nil {
		if err := o.cache.AddInterest(ctx, token); err != nil {
			log.Warn().Err(err).Str("token", token).Msg("orchestrator: failed to register price interest")
		}
	}

	if alreadyProcessed {
		return
	}

	o.evaluate(ctx, token, snap)
}

func (o *Orchestrator) evaluate(ctx context.Context, token domain.TokenId, snap *domain.MindmapSnapshot) {
	result := o.filter.Evaluate(ctx, snap)
	if !result.Passed {
		return
	}

	var prediction *domain.PredictionOutcome
	if o.prediction != nil {
		approved, outcome, err := o.prediction.Evaluate(ctx, token, result.Metrics)
		if err != nil {
			log.Warn().Err(err).Str("token", token).Msg("orchestrator: prediction gate call failed")
		}
		if !approved {
			return
		}
		prediction = &outcome
	}

	if !o.trading.AutoTradingEnabled {
		log.Info().Str("token", token).Msg("orchestrator: token admitted but auto trading is disabled")
		return
	}

	o.mu.RLock()
	_, done := o.processed[token]
	o.mu.RUnlock()
	if done {
		return
	}

	if err := o.buyer.Buy(ctx, token, o.trading.BuyAmount, o.risk, prediction); err != nil {
		log.Warn().Err(err).Str("token", token).Msg("orchestrator: buy failed")
		return
	}

	// The orchestrator owns the snapshot cache, so it marks the token
	// processed and drops the snapshot itself once Buy reports success,
	// rather than threading a callback out of the executor. With
	// additional entries allowed, the add is deferred until the token has
	// filled its entry allowance, so later mindmap updates can still
	// trigger further buys up to MaxEntriesPerToken.
	o.mu.Lock()
	o.entries[token]++
	if o.entries[token] >= o.maxEntries() {
		o.processed[token] = struct{}{}
		delete(o.snapshots, token)
	}
	o.mu.Unlock()
}

// maxEntries returns how many buys a token may accumulate before it is
// considered fully processed: 1 unless additional entries are enabled.
func (o *Orchestrator) maxEntries() int {
	if !o.trading.AllowAdditionalEntries {
		return 1
	}
	if o.trading.MaxEntriesPerToken > 0 {
		return o.trading.MaxEntriesPerToken
	}
	return 1
}

// HandleActorTradeUpdate mutates every affected token's cached snapshot
// copy-on-write, so the admission pipeline never observes a
// partially-updated snapshot.
func (o *Orchestrator) HandleActorTradeUpdate(ctx context.Context, actorID domain.ActorId, trade ActorTradeData, at time.Time) {
	affected := affectedTokens(trade)

	for token := range affected {
		o.mu.Lock()
		current, ok := o.snapshots[token]
		if !ok {
			o.mu.Unlock()
			continue
		}

		next := current.Clone()
		conn, exists := next.ActorConnections[actorID]
		if !exists {
			conn = domain.ActorConnection{TradeKinds: make(map[domain.TradeKind]struct{})}
		}

		conn.TradeCount++
		if trade.TradeKind == domain.TradeBuy {
			conn.TotalVolume += trade.AmountOut
		} else {
			conn.TotalVolume += trade.AmountIn
		}
		conn.LastTradeTime = at
		if conn.TradeKinds == nil {
			conn.TradeKinds = make(map[domain.TradeKind]struct{})
		}
		conn.TradeKinds[trade.TradeKind] = struct{}{}
		conn.InfluenceScore = influenceScore(conn.TradeCount, conn.TotalVolume)

		next.ActorConnections[actorID] = conn
		next.NetworkMetrics.TotalTrades++
		next.LastUpdate = at

		o.snapshots[token] = next
		o.mu.Unlock()
	}
}

// affectedTokens returns the distinct non-empty token ids a trade touches
// (mint, tokenIn, tokenOut).
func affectedTokens(trade ActorTradeData) map[domain.TokenId]struct{} {
	set := make(map[domain.TokenId]struct{}, 3)
	for _, t := range []domain.TokenId{trade.Mint, trade.TokenIn, trade.TokenOut} {
		if t != "" && t != domain.NativeQuoteSentinel {
			set[t] = struct{}{}
		}
	}
	return set
}

// influenceScore = min(100, 10*tradeCount + totalVolume/1000).
func influenceScore(tradeCount int, totalVolume float64) float64 {
	score := 10*float64(tradeCount) + totalVolume/1000
	if score > 100 {
		return 100
	}
	return score
}
