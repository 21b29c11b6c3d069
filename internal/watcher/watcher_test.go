package watcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"signaltrader/internal/domain"
	"signaltrader/internal/metrics"
	"signaltrader/internal/pricecache"
	"signaltrader/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "positions.db")
	s, err := store.New(path)
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	t.Cleanup(func() { s.CloseDB() })
	return s
}

type fakeSeller struct {
	mu       sync.Mutex
	calls    []string
	partials []float64
	err      error
}

func (f *fakeSeller) Sell(ctx context.Context, position *domain.Position, exitReason string) (*domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, exitReason)
	if f.err != nil {
		return nil, f.err
	}
	return position, nil
}

func (f *fakeSeller) PartialSell(ctx context.Context, position *domain.Position, pct float64) (*domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partials = append(f.partials, pct)
	if f.err != nil {
		return nil, f.err
	}
	remaining := position.Clone()
	remaining.EntryAmount *= 1 - pct/100
	remaining.EntryValue = remaining.EntryPrice * remaining.EntryAmount
	remaining.SellConditions.PartialSold = true
	return remaining, nil
}

func (f *fakeSeller) partialPcts() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.partials...)
}

func (f *fakeSeller) reasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func ptr(v float64) *float64 { return &v }
func iptr(v int) *int        { return &v }

func openPositionWithRisk(token string, entryPrice float64, sc domain.SellConditions) *domain.Position {
	now := time.Now()
	return &domain.Position{
		ID:              domain.NewPositionID(now),
		AgentID:         "engine",
		TokenMint:       token,
		Status:          domain.StatusOpen,
		OpenedAt:        now,
		EntryPrice:      entryPrice,
		EntryAmount:     10,
		EntryValue:      entryPrice * 10,
		HighestPrice:    entryPrice,
		LowestPrice:     entryPrice,
		CurrentPrice:    entryPrice,
		LastPriceUpdate: now,
		SellConditions:  sc,
	}
}

func TestEvaluatePosition_StopLossTriggersExit(t *testing.T) {
	st := newTestStore(t)
	cache, _ := pricecache.New("")
	seller := &fakeSeller{}
	w := New(st, cache, seller, time.Hour, nil)

	pos := openPositionWithRisk("tok-a", 1.0, domain.SellConditions{StopLossPct: ptr(20)})
	if err := st.CreateOpen(context.Background(), pos); err != nil {
		t.Fatalf("CreateOpen failed: %v", err)
	}
	cache.SetPrice(context.Background(), "tok-a", 0.79) // -21%

	w.evaluatePosition(context.Background(), pos)

	reasons := seller.reasons()
	if len(reasons) != 1 || reasons[0] != "stop loss" {
		t.Errorf("reasons = %v, want [stop loss]", reasons)
	}
}

func TestEvaluatePosition_TakeProfitWithoutTrailingTriggersExit(t *testing.T) {
	st := newTestStore(t)
	cache, _ := pricecache.New("")
	seller := &fakeSeller{}
	w := New(st, cache, seller, time.Hour, nil)

	pos := openPositionWithRisk("tok-a", 1.0, domain.SellConditions{TakeProfitPct: ptr(50)})
	if err := st.CreateOpen(context.Background(), pos); err != nil {
		t.Fatalf("CreateOpen failed: %v", err)
	}
	cache.SetPrice(context.Background(), "tok-a", 1.6) // +60%

	w.evaluatePosition(context.Background(), pos)

	reasons := seller.reasons()
	if len(reasons) != 1 || reasons[0] != "take profit" {
		t.Errorf("reasons = %v, want [take profit]", reasons)
	}
}

func TestEvaluatePosition_SteppedTrailingStopActivatesThenStops(t *testing.T) {
	st := newTestStore(t)
	cache, _ := pricecache.New("")
	seller := &fakeSeller{}
	w := New(st, cache, seller, time.Hour, nil)

	pos := openPositionWithRisk("tok-a", 1.0, domain.SellConditions{
		TakeProfitPct:   ptr(50),
		TrailingStopPct: ptr(10),
	})
	if err := st.CreateOpen(context.Background(), pos); err != nil {
		t.Fatalf("CreateOpen failed: %v", err)
	}

	// Price rises to +50%: activates stepped trailing stop at level 1.
	cache.SetPrice(context.Background(), "tok-a", 1.5)
	w.evaluatePosition(context.Background(), pos)
	if len(seller.reasons()) != 0 {
		t.Fatalf("expected no exit on activation tick, got %v", seller.reasons())
	}

	activated := st.Get(pos.ID)
	if activated.SellConditions.StepLevel != 1 {
		t.Fatalf("StepLevel = %d, want 1 after activation", activated.SellConditions.StepLevel)
	}
	wantStop := 1.5 * 0.9
	if activated.SellConditions.CurrStopPrice == nil || *activated.SellConditions.CurrStopPrice != wantStop {
		t.Fatalf("CurrStopPrice = %v, want %v", activated.SellConditions.CurrStopPrice, wantStop)
	}

	// Price falls through the stepped stop: exit.
	cache.SetPrice(context.Background(), "tok-a", wantStop-0.01)
	w.evaluatePosition(context.Background(), activated)

	reasons := seller.reasons()
	if len(reasons) != 1 || reasons[0] != "stepped stop" {
		t.Errorf("reasons = %v, want [stepped stop]", reasons)
	}
}

func TestEvaluatePosition_MaxHoldShortCircuitsBeforePriceFetch(t *testing.T) {
	st := newTestStore(t)
	cache, _ := pricecache.New("") // no price ever set for tok-a
	seller := &fakeSeller{}
	w := New(st, cache, seller, time.Hour, nil)

	pos := openPositionWithRisk("tok-a", 1.0, domain.SellConditions{MaxHoldMinutes: iptr(1)})
	pos.OpenedAt = time.Now().Add(-2 * time.Minute)
	if err := st.CreateOpen(context.Background(), pos); err != nil {
		t.Fatalf("CreateOpen failed: %v", err)
	}

	w.evaluatePosition(context.Background(), pos)

	reasons := seller.reasons()
	if len(reasons) != 1 || reasons[0] != "max hold time reached" {
		t.Errorf("reasons = %v, want [max hold time reached]", reasons)
	}
}

func TestEvaluatePosition_PricingErrorForceClosesPosition(t *testing.T) {
	st := newTestStore(t)
	cache, _ := pricecache.New("")
	seller := &fakeSeller{}
	w := New(st, cache, seller, time.Hour, nil)

	pos := openPositionWithRisk("tok-a", 1.0, domain.SellConditions{})
	if err := st.CreateOpen(context.Background(), pos); err != nil {
		t.Fatalf("CreateOpen failed: %v", err)
	}
	cache.MarkError(context.Background(), "tok-a")

	w.evaluatePosition(context.Background(), pos)

	closed := st.Get(pos.ID)
	if closed.Status != domain.StatusClosed {
		t.Fatalf("status = %v, want closed", closed.Status)
	}
	if closed.ExitPrice == nil || *closed.ExitPrice != 0 {
		t.Errorf("ExitPrice = %v, want 0", closed.ExitPrice)
	}
	if closed.SellReason != "token pricing error" {
		t.Errorf("SellReason = %q, want %q", closed.SellReason, "token pricing error")
	}
	if len(seller.reasons()) != 0 {
		t.Error("expected the sell backend never to be called on a pricing error")
	}
}

func TestEvaluatePosition_NoBalanceSellErrorForceCloses(t *testing.T) {
	st := newTestStore(t)
	cache, _ := pricecache.New("")
	seller := &fakeSeller{err: errors.New("swap failed: insufficient funds for rent")}
	w := New(st, cache, seller, time.Hour, nil)

	pos := openPositionWithRisk("tok-a", 1.0, domain.SellConditions{StopLossPct: ptr(10)})
	if err := st.CreateOpen(context.Background(), pos); err != nil {
		t.Fatalf("CreateOpen failed: %v", err)
	}
	cache.SetPrice(context.Background(), "tok-a", 0.5)

	w.evaluatePosition(context.Background(), pos)

	closed := st.Get(pos.ID)
	if closed.Status != domain.StatusClosed {
		t.Errorf("status = %v, want force-closed", closed.Status)
	}
}

func TestEvaluatePosition_RetryableSellErrorLeavesPositionOpen(t *testing.T) {
	st := newTestStore(t)
	cache, _ := pricecache.New("")
	seller := &fakeSeller{err: errors.New("temporary network error")}
	w := New(st, cache, seller, time.Hour, nil)

	pos := openPositionWithRisk("tok-a", 1.0, domain.SellConditions{StopLossPct: ptr(10)})
	if err := st.CreateOpen(context.Background(), pos); err != nil {
		t.Fatalf("CreateOpen failed: %v", err)
	}
	cache.SetPrice(context.Background(), "tok-a", 0.5)

	w.evaluatePosition(context.Background(), pos)

	open := st.Get(pos.ID)
	if open.Status != domain.StatusOpen {
		t.Errorf("status = %v, want still open for a retryable sell failure", open.Status)
	}
}

func TestEvaluatePosition_PartialProfitTakenOnceAtConfiguredMultiple(t *testing.T) {
	st := newTestStore(t)
	cache, _ := pricecache.New("")
	seller := &fakeSeller{}
	w := New(st, cache, seller, time.Hour, nil)

	pos := openPositionWithRisk("tok-a", 1.0, domain.SellConditions{
		PartialProfitPct:      ptr(50),
		PartialProfitMultiple: ptr(2),
	})
	if err := st.CreateOpen(context.Background(), pos); err != nil {
		t.Fatalf("CreateOpen failed: %v", err)
	}

	// Below the 2x multiple: no partial sell yet.
	cache.SetPrice(context.Background(), "tok-a", 1.9)
	w.evaluatePosition(context.Background(), pos)
	if len(seller.partialPcts()) != 0 {
		t.Fatalf("partial sells below the multiple = %v, want none", seller.partialPcts())
	}

	// At the multiple: exactly one partial sell of the configured pct.
	cache.SetPrice(context.Background(), "tok-a", 2.0)
	w.evaluatePosition(context.Background(), pos)
	pcts := seller.partialPcts()
	if len(pcts) != 1 || pcts[0] != 50 {
		t.Fatalf("partial sells = %v, want exactly one at 50%%", pcts)
	}
	if len(seller.reasons()) != 0 {
		t.Errorf("expected no full exit alongside the partial sell, got %v", seller.reasons())
	}
}

func TestTick_SkipsPositionAlreadyInFlight(t *testing.T) {
	st := newTestStore(t)
	cache, _ := pricecache.New("")
	seller := &fakeSeller{}
	w := New(st, cache, seller, time.Hour, nil)

	pos := openPositionWithRisk("tok-a", 1.0, domain.SellConditions{StopLossPct: ptr(10)})
	if err := st.CreateOpen(context.Background(), pos); err != nil {
		t.Fatalf("CreateOpen failed: %v", err)
	}
	w.selling.Store(pos.ID, struct{}{})

	w.tick(context.Background())

	if len(seller.reasons()) != 0 {
		t.Error("expected an in-flight position to be skipped entirely")
	}
}

func TestTick_RecordsTickDurationMetric(t *testing.T) {
	st := newTestStore(t)
	cache, _ := pricecache.New("")
	seller := &fakeSeller{}
	mx := metrics.New()
	w := New(st, cache, seller, time.Hour, mx)

	pos := openPositionWithRisk("tok-a", 1.0, domain.SellConditions{StopLossPct: ptr(20)})
	if err := st.CreateOpen(context.Background(), pos); err != nil {
		t.Fatalf("CreateOpen failed: %v", err)
	}
	w.selling.Store(domain.PositionId("unrelated"), struct{}{}) // exercise the in-flight map without affecting pos

	w.tick(context.Background())

	families, err := mx.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "watcher_tick_duration_seconds" {
			found = true
			if f.GetMetric()[0].GetHistogram().GetSampleCount() == 0 {
				t.Error("expected at least one tick duration sample")
			}
		}
	}
	if !found {
		t.Error("expected watcher_tick_duration_seconds to be registered and observed")
	}
}

func TestStartStop_DoesNotPanic(t *testing.T) {
	st := newTestStore(t)
	cache, _ := pricecache.New("")
	w := New(st, cache, &fakeSeller{}, 10*time.Millisecond, nil)
	w.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	w.Stop()
}
