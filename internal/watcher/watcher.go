// Package watcher implements the position watcher: the 100ms loop that
// keeps every open position's price current, runs the stepped
// trailing-stop state machine, and triggers the sell on the first
// matching exit condition.
package watcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"signaltrader/internal/domain"
	"signaltrader/internal/executor"
	"signaltrader/internal/metrics"
	"signaltrader/internal/pricecache"
	"signaltrader/internal/store"
)

const maxConcurrentChecks = 5

// Watcher runs the PositionWatcher loop.
type Watcher struct {
	store  *store.Store
	cache  pricecache.Cache
	seller executor.Seller
	mx     *metrics.Registry

	tickInterval time.Duration

	selling sync.Map // domain.PositionId -> struct{}

	heartbeatMu   sync.Mutex
	lastHeartbeat time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Watcher. seller is the narrow interface through which
// the watcher issues sells; the executor's panic-sell path (SellAll) is
// the only other caller of Sell. mx may be nil,
// in which case tick/exit instrumentation is skipped.
func New(st *store.Store, cache pricecache.Cache, seller executor.Seller, tickInterval time.Duration, mx *metrics.Registry) *Watcher {
	if tickInterval <= 0 {
		tickInterval = 100 * time.Millisecond
	}
	return &Watcher{store: st, cache: cache, seller: seller, tickInterval: tickInterval, mx: mx}
}

// Start launches the watcher loop as a background goroutine.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Watcher) tick(ctx context.Context) {
	start := time.Now()
	if w.mx != nil {
		defer func() { w.mx.WatcherTickDuration.Observe(time.Since(start).Seconds()) }()
	}

	positions := w.store.ListOpen()
	w.heartbeat(len(positions))
	if w.mx != nil {
		w.mx.OpenPositions.Set(float64(len(positions)))
	}
	if len(positions) == 0 {
		return
	}

	sem := make(chan struct{}, maxConcurrentChecks)
	var wg sync.WaitGroup

	for _, pos := range positions {
		if _, inFlight := w.selling.Load(pos.ID); inFlight {
			continue
		}

		if w.cache != nil {
			w.cache.AddInterest(ctx, pos.TokenMint)
		}

		wg.Add(1)
		go func(pos *domain.Position) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			w.evaluatePosition(ctx, pos)
		}(pos)
	}

	wg.Wait()
}

func (w *Watcher) heartbeat(openCount int) {
	w.heartbeatMu.Lock()
	defer w.heartbeatMu.Unlock()
	if time.Since(w.lastHeartbeat) < 60*time.Second {
		return
	}
	w.lastHeartbeat = time.Now()
	log.Info().Int("openPositions", openCount).Msg("watcher: heartbeat")
}

// evaluatePosition runs one position through the full check sequence:
// max-hold, price fetch, high/low extension, trailing-stop advance,
// partial profit-take, exit evaluation.
func (w *Watcher) evaluatePosition(ctx context.Context, pos *domain.Position) {
	sc := pos.SellConditions

	// Max-hold short-circuit runs before the price fetch, so stale
	// pricing cannot delay a time-based exit.
	if sc.MaxHoldMinutes != nil && *sc.MaxHoldMinutes > 0 {
		if time.Since(pos.OpenedAt) >= time.Duration(*sc.MaxHoldMinutes)*time.Minute {
			w.exit(ctx, pos, "max hold time reached")
			return
		}
	}

	// Price fetch; a persistent pricing error force-closes the
	// position so it doesn't block the loop forever.
	price, hasPrice, _ := w.cache.GetPrice(ctx, pos.TokenMint)
	if !hasPrice {
		if hasErr, _ := w.cache.HasError(ctx, pos.TokenMint); hasErr {
			w.forceClose(ctx, pos, "token pricing error")
			return
		}
		return
	}

	// Extend high/low monotonically and record the new currentPrice. The
	// store keeps this update in memory and emits price_update; it does
	// not rewrite the row on disk (the next Replace or Close does).
	updated, err := w.store.UpdatePrice(pos.ID, price, time.Now())
	if err != nil {
		log.Warn().Err(err).Str("positionId", pos.ID).Msg("watcher: failed to persist price update")
		return
	}
	pos = updated

	pos = w.advanceTrailingStop(pos, price)

	// One-shot partial profit-take once the configured multiple of
	// entry is reached, before full-exit evaluation so the remainder keeps
	// riding with the original exit conditions.
	pos = w.maybePartialSell(ctx, pos, price)

	// Exit evaluation, first match wins.
	reason, shouldExit := evaluateExit(pos, price)
	if !shouldExit {
		return
	}

	w.exit(ctx, pos, reason)
}

// advanceTrailingStop steps the trailing-stop state machine, persisting
// the new step state via Replace when it changes. The stop arms once
// price first clears the take-profit threshold, then re-arms one step
// higher each time price reaches the next target.
func (w *Watcher) advanceTrailingStop(pos *domain.Position, price float64) *domain.Position {
	sc := &pos.SellConditions
	if sc.TakeProfitPct == nil || sc.TrailingStopPct == nil {
		return pos
	}

	changed := false

	if sc.StepLevel == 0 {
		if pos.PctChange(price) >= *sc.TakeProfitPct {
			sc.StepLevel = 1
			stop := price * (1 - *sc.TrailingStopPct/100)
			target := price * (1 + *sc.TakeProfitPct/100)
			sc.CurrStopPrice = &stop
			sc.NextTargetPrice = &target
			sc.TrailingStopActivated = true
			changed = true
			if w.mx != nil {
				w.mx.ReachedTakeProfit.Inc()
			}
		}
	} else if sc.NextTargetPrice != nil && price >= *sc.NextTargetPrice {
		sc.StepLevel++
		stop := price * (1 - *sc.TrailingStopPct/100)
		target := price * (1 + *sc.TakeProfitPct/100)
		sc.CurrStopPrice = &stop
		sc.NextTargetPrice = &target
		changed = true
	}

	if changed {
		if err := w.store.Replace(pos); err != nil {
			log.Warn().Err(err).Str("positionId", pos.ID).Msg("watcher: failed to persist trailing-stop step")
		}
	}
	return pos
}

// maybePartialSell issues the one-shot partial profit-take when the
// position has a partial-profit rule, hasn't taken it yet, and price has
// reached the configured multiple of entry. A failed partial sell is
// logged and retried naturally on a later tick; the position continues
// into exit evaluation with its current state either way.
func (w *Watcher) maybePartialSell(ctx context.Context, pos *domain.Position, price float64) *domain.Position {
	sc := pos.SellConditions
	if sc.PartialProfitPct == nil || sc.PartialProfitMultiple == nil || sc.PartialSold {
		return pos
	}
	if pos.EntryPrice <= 0 || price < pos.EntryPrice*(*sc.PartialProfitMultiple) {
		return pos
	}

	remaining, err := w.seller.PartialSell(ctx, pos, *sc.PartialProfitPct)
	if err != nil {
		log.Warn().Err(err).Str("positionId", pos.ID).Msg("watcher: partial profit-take failed, will retry next tick")
		return pos
	}
	log.Info().Str("positionId", pos.ID).Float64("pct", *sc.PartialProfitPct).Msg("watcher: partial profit taken")
	return remaining
}

// evaluateExit checks the exit conditions in priority order: hard stop
// loss, plain take profit, stepped stop, then the continuous
// trailing-from-high fallback used when no take-profit step is
// configured.
func evaluateExit(pos *domain.Position, price float64) (string, bool) {
	sc := pos.SellConditions
	pctChange := pos.PctChange(price)

	if sc.StopLossPct != nil && pctChange <= -*sc.StopLossPct {
		return "stop loss", true
	}

	trailingConfigured := sc.TrailingStopPct != nil
	if sc.TakeProfitPct != nil && !trailingConfigured && pctChange >= *sc.TakeProfitPct {
		return "take profit", true
	}

	if sc.TrailingStopActivated && sc.CurrStopPrice != nil && price <= *sc.CurrStopPrice {
		return "stepped stop", true
	}

	if trailingConfigured && sc.TakeProfitPct == nil && pos.HighestPrice > 0 {
		dropPct := (price - pos.HighestPrice) / pos.HighestPrice * 100
		if dropPct <= -*sc.TrailingStopPct {
			return "trailing stop", true
		}
	}

	return "", false
}

// exit puts pos in the in-flight Selling set, issues the sell, and closes
// the position on success. A swap failure whose message signals no
// balance force-closes the position instead of leaving it open for a
// retry that can never succeed.
func (w *Watcher) exit(ctx context.Context, pos *domain.Position, reason string) {
	if _, already := w.selling.LoadOrStore(pos.ID, struct{}{}); already {
		return
	}
	defer w.selling.Delete(pos.ID)

	_, err := w.seller.Sell(ctx, pos, reason)
	if err == nil {
		if w.mx != nil {
			w.mx.ExitsTotal.WithLabelValues(reason).Inc()
			if reason == "take profit" {
				w.mx.ReachedTakeProfit.Inc()
			}
		}
		return
	}

	if isNoBalanceError(err) {
		w.closeZeroFill(pos, reason)
		return
	}
	log.Warn().Err(err).Str("positionId", pos.ID).Str("reason", reason).Msg("watcher: sell failed, will retry next tick")
}

func (w *Watcher) forceClose(ctx context.Context, pos *domain.Position, reason string) {
	if _, already := w.selling.LoadOrStore(pos.ID, struct{}{}); already {
		return
	}
	defer w.selling.Delete(pos.ID)

	w.closeZeroFill(pos, reason)
}

// closeZeroFill closes the position with a zero exit fill, without going
// through the swap backend. Callers must already hold pos in the selling
// set.
func (w *Watcher) closeZeroFill(pos *domain.Position, reason string) {
	if _, err := w.store.Close(pos.ID, domain.StatusClosed, 0, 0, "", reason, time.Now()); err != nil {
		log.Warn().Err(err).Str("positionId", pos.ID).Msg("watcher: failed to force-close position")
		return
	}
	if w.mx != nil {
		w.mx.ExitsTotal.WithLabelValues(reason).Inc()
	}
}

func isNoBalanceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no balance") || strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "insufficient balance")
}
