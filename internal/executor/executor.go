// Package executor implements the trade executor: the per-token
// distributed lock, dynamic priority fee, swap-backend call, and Position
// creation on a filled buy. A failed buy is never retried, since a retry
// risks a double buy.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"signaltrader/internal/chainio"
	"signaltrader/internal/config"
	"signaltrader/internal/domain"
	"signaltrader/internal/engineerr"
	"signaltrader/internal/metrics"
	"signaltrader/internal/paperledger"
	"signaltrader/internal/pricecache"
	"signaltrader/internal/store"
)

const (
	buyLockTTL  = 60 * time.Second
	feeCacheTTL = 5 * time.Second

	// Priority fee clamp: [0.0001, 0.01] of the fee asset, in lamports.
	minPriorityFeeLamports uint64 = 100_000
	maxPriorityFeeLamports uint64 = 10_000_000

	defaultAgentID = "engine"
)

// Seller is the narrow interface the position watcher is handed, keeping
// sells watcher-only at the type level. PartialSell sells a fraction of
// the position without closing it and shares the same restriction.
type Seller interface {
	Sell(ctx context.Context, position *domain.Position, exitReason string) (*domain.Position, error)
	PartialSell(ctx context.Context, position *domain.Position, pct float64) (*domain.Position, error)
}

// Executor implements Buyer (consumed by orchestrator) and Seller
// (consumed by watcher).
type Executor struct {
	store   *store.Store
	cache   pricecache.Cache
	locker  pricecache.Locker
	swap    chainio.SwapBackend
	fees    chainio.FeeSampler
	ledger  *paperledger.Ledger
	sim     bool
	quote   domain.TokenId
	trading config.TradingConfig
	mx      *metrics.Registry

	inflight sync.Map // domain.TokenId -> struct{}, in-process duplicate-buy guard

	feeMu       sync.Mutex
	feeCached   uint64
	feeCachedAt time.Time
}

// New constructs an Executor. ledger is only consulted when sim is true;
// a real wallet-balance check is out of scope for this engine (the swap
// backend is assumed to reject an under-funded buy on its own). mx may be
// nil in tests that don't care about instrumentation.
func New(st *store.Store, cache pricecache.Cache, swap chainio.SwapBackend, fees chainio.FeeSampler, ledger *paperledger.Ledger, sim bool, quoteToken domain.TokenId, trading config.TradingConfig, mx *metrics.Registry) *Executor {
	return &Executor{
		store:   st,
		cache:   cache,
		locker:  pricecache.NewLocker(cache),
		swap:    swap,
		fees:    fees,
		ledger:  ledger,
		sim:     sim,
		quote:   quoteToken,
		trading: trading,
		mx:      mx,
	}
}

func (e *Executor) recordPaperBalances() {
	if e.mx == nil || !e.sim || e.ledger == nil {
		return
	}
	e.mx.PaperBalance.WithLabelValues(e.quote).Set(e.ledger.Balance(e.quote))
}

// Buy acquires the per-token locks, checks balance, prices the priority
// fee, executes the swap, and records the resulting open position.
func (e *Executor) Buy(ctx context.Context, token domain.TokenId, amount float64, risk config.RiskConfig, prediction *domain.PredictionOutcome) error {
	if err := chainio.ValidateTokenMint(token); err != nil {
		log.Warn().Err(err).Str("token", token).Msg("executor: token id failed the base58 sanity check; proceeding with it as an opaque id")
	}

	if _, already := e.inflight.LoadOrStore(token, struct{}{}); already {
		return engineerr.Wrap(engineerr.TradeExecution, fmt.Errorf("duplicate buy for %q already in flight", token))
	}
	defer e.inflight.Delete(token)

	lockToken, acquired, err := e.locker.TryLock(ctx, "buy:"+token, buyLockTTL)
	if err != nil {
		return engineerr.Wrap(engineerr.Connection, err)
	}
	if !acquired {
		return engineerr.Wrap(engineerr.TradeExecution, fmt.Errorf("duplicate buy for %q: lock held", token))
	}
	defer e.locker.Unlock(ctx, "buy:"+token, lockToken)

	if err := e.checkBalance(ctx, amount); err != nil {
		return err
	}

	priorityFee, err := e.priorityFee(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("executor: priority fee sample failed, proceeding with zero fee")
		priorityFee = 0
	}

	txID, tokenAmount, fillPrice, err := e.swap.Buy(ctx, token, amount, priorityFee)
	if err != nil {
		if e.mx != nil {
			e.mx.TradesTotal.WithLabelValues("buy", "error").Inc()
		}
		return engineerr.Wrap(engineerr.TradeExecution, fmt.Errorf("buy swap failed for %q: %w", token, err))
	}

	if e.sim && e.ledger != nil {
		e.ledger.Withdraw(e.quote, amount)
		e.ledger.Deposit(token, tokenAmount)
		e.recordPaperBalances()
	}

	agentID, err := e.resolveAgentID(token)
	if err != nil {
		return err
	}

	now := time.Now()
	pos := &domain.Position{
		ID:              domain.NewPositionID(now),
		AgentID:         agentID,
		TokenMint:       token,
		IsSimulation:    e.sim,
		Prediction:      prediction,
		Status:          domain.StatusOpen,
		OpenedAt:        now,
		EntryPrice:      fillPrice,
		EntryAmount:     tokenAmount,
		EntryValue:      fillPrice * tokenAmount,
		BuyTxID:         txID,
		HighestPrice:    fillPrice,
		LowestPrice:     fillPrice,
		CurrentPrice:    fillPrice,
		LastPriceUpdate: now,
		SellConditions:  sellConditionsFromRisk(risk),
	}

	if err := e.store.CreateOpen(ctx, pos); err != nil {
		return err
	}

	if e.cache != nil {
		if err := e.cache.AddInterest(ctx, token); err != nil {
			log.Warn().Err(err).Str("token", token).Msg("executor: failed to register price interest after buy")
		}
	}

	if e.mx != nil {
		e.mx.TradesTotal.WithLabelValues("buy", "ok").Inc()
	}
	log.Info().Str("token", token).Str("positionId", pos.ID).Float64("entryPrice", fillPrice).Msg("executor: buy complete")
	return nil
}

// resolveAgentID returns the trading identity a new position should be
// filed under. With additional entries disabled, every position for this
// engine shares defaultAgentID, so the store's one-open-position-per-
// (agentId, tokenMint) uniqueness check naturally caps the engine at one
// open position per token. When additional entries are allowed, a
// distinct suffixed identity is used per concurrent entry up to
// MaxEntriesPerToken.
func (e *Executor) resolveAgentID(token domain.TokenId) (domain.ActorId, error) {
	if !e.trading.AllowAdditionalEntries {
		return defaultAgentID, nil
	}

	max := e.trading.MaxEntriesPerToken
	if max <= 0 {
		max = 1
	}

	open := len(e.store.GetByToken(token, domain.StatusOpen))
	if open >= max {
		return "", engineerr.Wrap(engineerr.TradeExecution, fmt.Errorf("max entries (%d) reached for %q", max, token))
	}
	return domain.ActorId(fmt.Sprintf("%s#%d", defaultAgentID, open)), nil
}

func (e *Executor) checkBalance(ctx context.Context, amount float64) error {
	if !e.sim || e.ledger == nil {
		return nil
	}
	if e.ledger.Balance(e.quote) < amount {
		return engineerr.Wrap(engineerr.Validation, fmt.Errorf("insufficient paper balance: need %.6f %s", amount, e.quote))
	}
	return nil
}

// priorityFee returns the cached 75th-percentile priority fee, refreshing
// it at most once every feeCacheTTL since sampling it is comparatively
// expensive and this is a hot path.
func (e *Executor) priorityFee(ctx context.Context) (uint64, error) {
	e.feeMu.Lock()
	defer e.feeMu.Unlock()

	if time.Since(e.feeCachedAt) < feeCacheTTL {
		return e.feeCached, nil
	}

	fee, err := e.fees.SampleFee(ctx)
	if err != nil {
		return 0, err
	}
	fee = clampFee(fee)
	e.feeCached = fee
	e.feeCachedAt = time.Now()
	if e.mx != nil {
		e.mx.PriorityFeeLamports.Set(float64(fee))
	}
	return fee, nil
}

func clampFee(fee uint64) uint64 {
	if fee < minPriorityFeeLamports {
		return minPriorityFeeLamports
	}
	if fee > maxPriorityFeeLamports {
		return maxPriorityFeeLamports
	}
	return fee
}

func sellConditionsFromRisk(risk config.RiskConfig) domain.SellConditions {
	var sc domain.SellConditions
	if risk.TakeProfitPct > 0 {
		v := risk.TakeProfitPct
		sc.TakeProfitPct = &v
	}
	if risk.StopLossPct > 0 {
		v := risk.StopLossPct
		sc.StopLossPct = &v
	}
	if risk.TrailingStopEnabled && risk.TrailingStopPct > 0 {
		v := risk.TrailingStopPct
		sc.TrailingStopPct = &v
	}
	if risk.MaxHoldMinutes > 0 {
		v := risk.MaxHoldMinutes
		sc.MaxHoldMinutes = &v
	}
	if risk.PartialProfitPct > 0 && risk.PartialProfitMultiple > 0 {
		pct, mult := risk.PartialProfitPct, risk.PartialProfitMultiple
		sc.PartialProfitPct = &pct
		sc.PartialProfitMultiple = &mult
	}
	return sc
}

// Sell implements Seller: called by the position watcher and, for the
// panic-sell override, by SellAll. It is not part of the Buyer interface
// the orchestrator consumes.
func (e *Executor) Sell(ctx context.Context, position *domain.Position, exitReason string) (*domain.Position, error) {
	priorityFee, err := e.priorityFee(ctx)
	if err != nil {
		priorityFee = 0
	}

	txID, quoteAmount, fillPrice, err := e.swap.Sell(ctx, position.TokenMint, position.EntryAmount, priorityFee)
	if err != nil {
		if e.mx != nil {
			e.mx.TradesTotal.WithLabelValues("sell", "error").Inc()
		}
		return nil, engineerr.Wrap(engineerr.TradeExecution, fmt.Errorf("sell swap failed for %q: %w", position.TokenMint, err))
	}

	if e.sim && e.ledger != nil {
		e.ledger.Withdraw(position.TokenMint, position.EntryAmount)
		e.ledger.Deposit(e.quote, quoteAmount)
		e.recordPaperBalances()
	}

	closed, err := e.store.Close(position.ID, domain.StatusClosed, fillPrice, quoteAmount, txID, exitReason, time.Now())
	if e.mx != nil && err == nil {
		e.mx.TradesTotal.WithLabelValues("sell", "ok").Inc()
	}
	return closed, err
}

// PartialSell sells pct% of the position's remaining entry amount at the
// current fill price without closing it, shrinking EntryAmount/EntryValue
// by the same fraction so later exits apply to what's left.
func (e *Executor) PartialSell(ctx context.Context, position *domain.Position, pct float64) (*domain.Position, error) {
	if position.SellConditions.PartialSold || pct <= 0 {
		return position, nil
	}

	sellAmount := position.EntryAmount * (pct / 100)

	priorityFee, err := e.priorityFee(ctx)
	if err != nil {
		priorityFee = 0
	}

	txID, quoteAmount, fillPrice, err := e.swap.Sell(ctx, position.TokenMint, sellAmount, priorityFee)
	if err != nil {
		if e.mx != nil {
			e.mx.TradesTotal.WithLabelValues("partial_sell", "error").Inc()
		}
		return nil, engineerr.Wrap(engineerr.TradeExecution, fmt.Errorf("partial sell failed for %q: %w", position.TokenMint, err))
	}

	if e.sim && e.ledger != nil {
		e.ledger.Withdraw(position.TokenMint, sellAmount)
		e.ledger.Deposit(e.quote, quoteAmount)
		e.recordPaperBalances()
	}

	remaining := position.Clone()
	remaining.EntryAmount -= sellAmount
	remaining.EntryValue = remaining.EntryPrice * remaining.EntryAmount
	remaining.SellConditions.PartialSold = true
	if err := e.store.Replace(remaining); err != nil {
		return nil, err
	}

	if e.mx != nil {
		e.mx.TradesTotal.WithLabelValues("partial_sell", "ok").Inc()
	}
	log.Info().Str("token", position.TokenMint).Str("positionId", position.ID).Str("txId", txID).
		Float64("pct", pct).Float64("fillPrice", fillPrice).Msg("executor: partial profit-take complete")
	return remaining, nil
}

// panicSellStagger spaces consecutive panic-sell-all swaps to respect
// downstream rate limits.
const panicSellStagger = 100 * time.Millisecond

// SellAll force-closes every open position with reason "panic-sell-all",
// staggered panicSellStagger apart. It bypasses the watcher-only Seller
// restriction deliberately: this is the emergency override the CLI's
// panic-sell subcommand and the dashboard's panic route both call.
func (e *Executor) SellAll(ctx context.Context, positions []*domain.Position) (closed, failed int) {
	for i, pos := range positions {
		if i > 0 {
			time.Sleep(panicSellStagger)
		}
		if _, err := e.Sell(ctx, pos, "panic-sell-all"); err != nil {
			log.Error().Err(err).Str("position", pos.ID).Str("token", pos.TokenMint).Msg("panic-sell-all: sell failed")
			failed++
			continue
		}
		closed++
	}
	return closed, failed
}
