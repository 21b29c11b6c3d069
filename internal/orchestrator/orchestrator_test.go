package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"signaltrader/internal/admission"
	"signaltrader/internal/config"
	"signaltrader/internal/domain"
	"signaltrader/internal/pricecache"
)

type recordingBuyer struct {
	mu    sync.Mutex
	calls []domain.TokenId
	err   error
}

func (b *recordingBuyer) Buy(ctx context.Context, token domain.TokenId, amount float64, risk config.RiskConfig, prediction *domain.PredictionOutcome) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, token)
	return b.err
}

func (b *recordingBuyer) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func passingFilter() *admission.FilterEngine {
	return admission.NewFilterEngine(admission.FilterConfig{MinInfluenceScore: 0}, nil, nil, nil)
}

func snapWithOneActor(token domain.TokenId, volume, influence float64) *domain.MindmapSnapshot {
	return &domain.MindmapSnapshot{
		Token: token,
		ActorConnections: map[domain.ActorId]domain.ActorConnection{
			"a1": {TotalVolume: volume, InfluenceScore: influence, LastTradeTime: time.Now(), TradeKinds: map[domain.TradeKind]struct{}{domain.TradeBuy: {}}},
		},
		NetworkMetrics: domain.NetworkMetrics{TotalTrades: 1},
		LastUpdate:     time.Now(),
	}
}

func TestHandleMindmapUpdate_RejectsNativeQuoteSentinel(t *testing.T) {
	buyer := &recordingBuyer{}
	o := New(passingFilter(), nil, buyer, nil, config.TradingConfig{AutoTradingEnabled: true}, config.RiskConfig{})

	o.HandleMindmapUpdate(context.Background(), domain.NativeQuoteSentinel, &domain.MindmapSnapshot{Token: domain.NativeQuoteSentinel})

	if buyer.callCount() != 0 {
		t.Error("expected no buy for the native quote sentinel")
	}
}

func TestHandleMindmapUpdate_ApprovedTokenBuysOnce(t *testing.T) {
	buyer := &recordingBuyer{}
	cache, _ := pricecache.New("")
	o := New(passingFilter(), nil, buyer, cache, config.TradingConfig{AutoTradingEnabled: true, BuyAmount: 1}, config.RiskConfig{})

	snap := snapWithOneActor("tok-a", 100, 80)
	o.HandleMindmapUpdate(context.Background(), "tok-a", snap)

	if buyer.callCount() != 1 {
		t.Fatalf("call count = %d, want 1", buyer.callCount())
	}

	// A duplicate delivery of the same token, now processed, must not
	// trigger a second buy.
	o.HandleMindmapUpdate(context.Background(), "tok-a", snap)
	if buyer.callCount() != 1 {
		t.Errorf("call count after duplicate delivery = %d, want still 1", buyer.callCount())
	}
}

func TestHandleMindmapUpdate_AdditionalEntriesBuyUpToMax(t *testing.T) {
	buyer := &recordingBuyer{}
	cache, _ := pricecache.New("")
	trading := config.TradingConfig{
		AutoTradingEnabled:     true,
		BuyAmount:              1,
		AllowAdditionalEntries: true,
		MaxEntriesPerToken:     2,
	}
	o := New(passingFilter(), nil, buyer, cache, trading, config.RiskConfig{})

	snap := snapWithOneActor("tok-a", 100, 80)
	o.HandleMindmapUpdate(context.Background(), "tok-a", snap)
	o.HandleMindmapUpdate(context.Background(), "tok-a", snap)
	if buyer.callCount() != 2 {
		t.Fatalf("call count = %d, want 2 entries before the per-token max", buyer.callCount())
	}

	// The allowance is spent: further deliveries must not buy again.
	o.HandleMindmapUpdate(context.Background(), "tok-a", snap)
	if buyer.callCount() != 2 {
		t.Errorf("call count = %d, want still 2 once MaxEntriesPerToken is reached", buyer.callCount())
	}
}

func TestHandleMindmapUpdate_FailedBuyLeavesTokenUnprocessed(t *testing.T) {
	buyer := &recordingBuyer{err: errors.New("swap failed")}
	cache, _ := pricecache.New("")
	o := New(passingFilter(), nil, buyer, cache, config.TradingConfig{AutoTradingEnabled: true, BuyAmount: 1}, config.RiskConfig{})

	snap := snapWithOneActor("tok-a", 100, 80)
	o.HandleMindmapUpdate(context.Background(), "tok-a", snap)
	o.HandleMindmapUpdate(context.Background(), "tok-a", snap)

	if buyer.callCount() != 2 {
		t.Errorf("call count = %d, want 2 retries after a failed buy", buyer.callCount())
	}
}

func TestHandleMindmapUpdate_AutoTradingDisabledSkipsBuy(t *testing.T) {
	buyer := &recordingBuyer{}
	o := New(passingFilter(), nil, buyer, nil, config.TradingConfig{AutoTradingEnabled: false}, config.RiskConfig{})

	o.HandleMindmapUpdate(context.Background(), "tok-a", snapWithOneActor("tok-a", 100, 80))

	if buyer.callCount() != 0 {
		t.Error("expected no buy when auto trading is disabled")
	}
}

func TestHandleMindmapUpdate_RejectedByFilterNeverBuys(t *testing.T) {
	buyer := &recordingBuyer{}
	f := admission.NewFilterEngine(admission.FilterConfig{MinInfluenceScore: 99}, nil, nil, nil)
	o := New(f, nil, buyer, nil, config.TradingConfig{AutoTradingEnabled: true}, config.RiskConfig{})

	o.HandleMindmapUpdate(context.Background(), "tok-a", snapWithOneActor("tok-a", 100, 10))

	if buyer.callCount() != 0 {
		t.Error("expected no buy for a snapshot below the influence floor")
	}
}

func TestTokens_ReturnsEverySeenToken(t *testing.T) {
	buyer := &recordingBuyer{}
	o := New(passingFilter(), nil, buyer, nil, config.TradingConfig{}, config.RiskConfig{})

	o.HandleMindmapUpdate(context.Background(), "tok-a", snapWithOneActor("tok-a", 0, 0))
	o.HandleMindmapUpdate(context.Background(), "tok-b", snapWithOneActor("tok-b", 0, 0))

	tokens, err := o.Tokens(context.Background())
	if err != nil {
		t.Fatalf("Tokens failed: %v", err)
	}
	if len(tokens) != 2 {
		t.Errorf("Tokens = %v, want 2 entries", tokens)
	}
}

func TestHandleActorTradeUpdate_CreatesConnectionAndRecomputesInfluence(t *testing.T) {
	o := New(passingFilter(), nil, &recordingBuyer{}, nil, config.TradingConfig{}, config.RiskConfig{})

	snap := &domain.MindmapSnapshot{
		Token:            "tok-a",
		ActorConnections: map[domain.ActorId]domain.ActorConnection{},
		LastUpdate:       time.Now(),
	}
	o.mu.Lock()
	o.snapshots["tok-a"] = snap
	o.mu.Unlock()

	trade := ActorTradeData{Mint: "tok-a", AmountOut: 500, TradeKind: domain.TradeBuy}
	o.HandleActorTradeUpdate(context.Background(), "actor-1", trade, time.Now())

	o.mu.RLock()
	updated := o.snapshots["tok-a"]
	o.mu.RUnlock()

	conn, ok := updated.ActorConnections["actor-1"]
	if !ok {
		t.Fatal("expected a fresh connection for actor-1")
	}
	if conn.TradeCount != 1 || conn.TotalVolume != 500 {
		t.Errorf("conn = %+v, want TradeCount=1 TotalVolume=500", conn)
	}
	wantInfluence := 10.0 + 500.0/1000
	if conn.InfluenceScore != wantInfluence {
		t.Errorf("InfluenceScore = %v, want %v", conn.InfluenceScore, wantInfluence)
	}
	if updated.NetworkMetrics.TotalTrades != 1 {
		t.Errorf("TotalTrades = %d, want 1", updated.NetworkMetrics.TotalTrades)
	}

	// The original snapshot value must be untouched by the mutation
	// (copy-on-write).
	if _, stillEmpty := snap.ActorConnections["actor-1"]; stillEmpty {
		t.Error("expected the original snapshot to remain unmutated")
	}
}

func TestHandleActorTradeUpdate_InfluenceScoreClampedAt100(t *testing.T) {
	o := New(passingFilter(), nil, &recordingBuyer{}, nil, config.TradingConfig{}, config.RiskConfig{})

	o.mu.Lock()
	o.snapshots["tok-a"] = &domain.MindmapSnapshot{Token: "tok-a", ActorConnections: map[domain.ActorId]domain.ActorConnection{}}
	o.mu.Unlock()

	trade := ActorTradeData{Mint: "tok-a", AmountOut: 1_000_000, TradeKind: domain.TradeBuy}
	o.HandleActorTradeUpdate(context.Background(), "actor-1", trade, time.Now())

	o.mu.RLock()
	conn := o.snapshots["tok-a"].ActorConnections["actor-1"]
	o.mu.RUnlock()

	if conn.InfluenceScore != 100 {
		t.Errorf("InfluenceScore = %v, want clamped to 100", conn.InfluenceScore)
	}
}

func TestHandleActorTradeUpdate_IgnoresTokenWithoutCachedSnapshot(t *testing.T) {
	o := New(passingFilter(), nil, &recordingBuyer{}, nil, config.TradingConfig{}, config.RiskConfig{})

	trade := ActorTradeData{Mint: "unseen-token", AmountOut: 10, TradeKind: domain.TradeBuy}
	o.HandleActorTradeUpdate(context.Background(), "actor-1", trade, time.Now())

	if _, ok := o.snapshots["unseen-token"]; ok {
		t.Error("expected no snapshot to be created for a token the orchestrator never saw via MindmapUpdate")
	}
}
