package executor

import (
	"context"
	"path/filepath"
	"testing"

	"signaltrader/internal/chainio"
	"signaltrader/internal/config"
	"signaltrader/internal/domain"
	"signaltrader/internal/paperledger"
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

func newTestExecutor(t *testing.T, oracle *chainio.FakeOracle, trading config.TradingConfig) (*Executor, *store.Store, *paperledger.Ledger) {
	t.Helper()
	st := newTestStore(t)
	cache, _ := pricecache.New("")
	swap := chainio.NewFakeSwapBackend(oracle)
	fees := &chainio.FakeFeeSampler{Lamports: 500_000}
	ledger := paperledger.New("SOL", 10)
	exec := New(st, cache, swap, fees, ledger, true, "SOL", trading, nil)
	return exec, st, ledger
}

func TestBuy_CreatesOpenPositionFromFill(t *testing.T) {
	oracle := chainio.NewFakeOracle()
	oracle.SetPrice("tok-a", 2.0)
	exec, st, ledger := newTestExecutor(t, oracle, config.TradingConfig{})

	risk := config.RiskConfig{TakeProfitPct: 50, StopLossPct: 20}
	if err := exec.Buy(context.Background(), "tok-a", 5, risk, nil); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}

	open := st.ListOpen()
	if len(open) != 1 {
		t.Fatalf("ListOpen = %d positions, want 1", len(open))
	}
	pos := open[0]
	if pos.EntryPrice != 2.0 || pos.EntryAmount != 2.5 || pos.EntryValue != 5.0 {
		t.Errorf("position = %+v, want EntryPrice=2 EntryAmount=2.5 EntryValue=5", pos)
	}
	if pos.SellConditions.TakeProfitPct == nil || *pos.SellConditions.TakeProfitPct != 50 {
		t.Errorf("SellConditions.TakeProfitPct = %v, want 50", pos.SellConditions.TakeProfitPct)
	}

	if got := ledger.Balance("SOL"); got != 5 {
		t.Errorf("paper SOL balance = %v, want 5 after a 5-unit buy", got)
	}
	if got := ledger.Balance("tok-a"); got != 2.5 {
		t.Errorf("paper tok-a balance = %v, want 2.5", got)
	}
}

func TestBuy_FailsWhenOracleHasNoPrice(t *testing.T) {
	oracle := chainio.NewFakeOracle()
	exec, st, _ := newTestExecutor(t, oracle, config.TradingConfig{})

	err := exec.Buy(context.Background(), "unknown", 5, config.RiskConfig{}, nil)
	if err == nil {
		t.Fatal("expected Buy to fail when the swap backend has no price")
	}
	if len(st.ListOpen()) != 0 {
		t.Error("expected no position to be created on a failed swap")
	}
}

func TestBuy_InsufficientPaperBalanceIsRejected(t *testing.T) {
	oracle := chainio.NewFakeOracle()
	oracle.SetPrice("tok-a", 1.0)
	exec, st, _ := newTestExecutor(t, oracle, config.TradingConfig{})

	err := exec.Buy(context.Background(), "tok-a", 1000, config.RiskConfig{}, nil)
	if err == nil {
		t.Fatal("expected Buy to fail when the paper balance is too low")
	}
	if len(st.ListOpen()) != 0 {
		t.Error("expected no position to be created")
	}
}

func TestBuy_ConcurrentCallsForSameTokenOnlyOneSucceeds(t *testing.T) {
	oracle := chainio.NewFakeOracle()
	oracle.SetPrice("tok-a", 1.0)
	exec, st, _ := newTestExecutor(t, oracle, config.TradingConfig{})

	n := 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			errs <- exec.Buy(context.Background(), "tok-a", 1, config.RiskConfig{}, nil)
		}()
	}

	successes := 0
	for i := 0; i < n; i++ {
		if err := <-errs; err == nil {
			successes++
		}
	}

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1 concurrent buy to win", successes)
	}
	if len(st.ListOpen()) != 1 {
		t.Errorf("ListOpen = %d, want exactly 1 position after concurrent duplicate buys", len(st.ListOpen()))
	}
}

func TestBuy_SecondCallAfterFirstCompletesIsRejectedByStoreUniqueness(t *testing.T) {
	oracle := chainio.NewFakeOracle()
	oracle.SetPrice("tok-a", 1.0)
	exec, st, _ := newTestExecutor(t, oracle, config.TradingConfig{})

	if err := exec.Buy(context.Background(), "tok-a", 1, config.RiskConfig{}, nil); err != nil {
		t.Fatalf("first Buy failed: %v", err)
	}
	if err := exec.Buy(context.Background(), "tok-a", 1, config.RiskConfig{}, nil); err == nil {
		t.Error("expected a second buy for the same token (default agent, no additional entries) to fail")
	}
	if len(st.ListOpen()) != 1 {
		t.Errorf("ListOpen = %d, want still 1", len(st.ListOpen()))
	}
}

func TestBuy_AllowAdditionalEntriesPermitsUpToMax(t *testing.T) {
	oracle := chainio.NewFakeOracle()
	oracle.SetPrice("tok-a", 1.0)
	trading := config.TradingConfig{AllowAdditionalEntries: true, MaxEntriesPerToken: 2}
	exec, st, _ := newTestExecutor(t, oracle, trading)

	if err := exec.Buy(context.Background(), "tok-a", 1, config.RiskConfig{}, nil); err != nil {
		t.Fatalf("first Buy failed: %v", err)
	}
	if err := exec.Buy(context.Background(), "tok-a", 1, config.RiskConfig{}, nil); err != nil {
		t.Fatalf("second Buy failed: %v", err)
	}
	if err := exec.Buy(context.Background(), "tok-a", 1, config.RiskConfig{}, nil); err == nil {
		t.Error("expected a third buy to be rejected once MaxEntriesPerToken is reached")
	}
	if len(st.ListOpen()) != 2 {
		t.Errorf("ListOpen = %d, want 2", len(st.ListOpen()))
	}
}

func TestSell_ClosesPositionAndCreditsPaperBalance(t *testing.T) {
	oracle := chainio.NewFakeOracle()
	oracle.SetPrice("tok-a", 1.0)
	exec, st, ledger := newTestExecutor(t, oracle, config.TradingConfig{})

	if err := exec.Buy(context.Background(), "tok-a", 5, config.RiskConfig{}, nil); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	pos := st.ListOpen()[0]

	oracle.SetPrice("tok-a", 1.5)
	closed, err := exec.Sell(context.Background(), pos, "take profit")
	if err != nil {
		t.Fatalf("Sell failed: %v", err)
	}
	if closed.Status != domain.StatusClosed {
		t.Errorf("status = %v, want closed", closed.Status)
	}
	if closed.ExitPrice == nil || *closed.ExitPrice != 1.5 {
		t.Errorf("ExitPrice = %v, want 1.5", closed.ExitPrice)
	}
	if closed.SellReason != "take profit" {
		t.Errorf("SellReason = %q, want %q", closed.SellReason, "take profit")
	}

	if got := ledger.Balance("SOL"); got < 7.0 {
		t.Errorf("SOL balance after sell = %v, want at least 7 (5 remaining + 7.5 proceeds)", got)
	}
}

func TestPartialSell_ShrinksEntryAmountAndMarksPartialSold(t *testing.T) {
	oracle := chainio.NewFakeOracle()
	oracle.SetPrice("tok-a", 1.0)
	exec, st, ledger := newTestExecutor(t, oracle, config.TradingConfig{})

	if err := exec.Buy(context.Background(), "tok-a", 10, config.RiskConfig{}, nil); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	pos := st.ListOpen()[0]

	oracle.SetPrice("tok-a", 2.0)
	remaining, err := exec.PartialSell(context.Background(), pos, 50)
	if err != nil {
		t.Fatalf("PartialSell failed: %v", err)
	}
	if remaining.Status != domain.StatusOpen {
		t.Errorf("status = %v, want still open after a partial sell", remaining.Status)
	}
	if !remaining.SellConditions.PartialSold {
		t.Error("expected PartialSold = true after a partial sell")
	}
	if remaining.EntryAmount != pos.EntryAmount/2 {
		t.Errorf("EntryAmount = %v, want half of %v", remaining.EntryAmount, pos.EntryAmount)
	}
	if remaining.EntryValue != remaining.EntryPrice*remaining.EntryAmount {
		t.Errorf("EntryValue = %v, inconsistent with EntryPrice*EntryAmount", remaining.EntryValue)
	}

	if got := ledger.Balance("SOL"); got <= 0 {
		t.Errorf("SOL balance after partial sell = %v, want proceeds credited", got)
	}

	open := st.ListOpen()
	if len(open) != 1 {
		t.Fatalf("ListOpen = %d, want 1 still-open position after a partial sell", len(open))
	}
	if open[0].EntryAmount != remaining.EntryAmount {
		t.Errorf("stored position EntryAmount = %v, want %v", open[0].EntryAmount, remaining.EntryAmount)
	}
}

func TestPartialSell_NoOpWhenAlreadyPartialSold(t *testing.T) {
	oracle := chainio.NewFakeOracle()
	oracle.SetPrice("tok-a", 1.0)
	exec, st, _ := newTestExecutor(t, oracle, config.TradingConfig{})

	if err := exec.Buy(context.Background(), "tok-a", 10, config.RiskConfig{}, nil); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	pos := st.ListOpen()[0]
	pos.SellConditions.PartialSold = true

	unchanged, err := exec.PartialSell(context.Background(), pos, 50)
	if err != nil {
		t.Fatalf("PartialSell returned an error on a no-op call: %v", err)
	}
	if unchanged.EntryAmount != pos.EntryAmount {
		t.Errorf("EntryAmount = %v, want unchanged %v", unchanged.EntryAmount, pos.EntryAmount)
	}
}

func TestPartialSell_SwapFailureLeavesPositionUnmodified(t *testing.T) {
	oracle := chainio.NewFakeOracle()
	exec, st, _ := newTestExecutor(t, oracle, config.TradingConfig{})

	oracle.SetPrice("tok-a", 1.0)
	if err := exec.Buy(context.Background(), "tok-a", 10, config.RiskConfig{}, nil); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	pos := st.ListOpen()[0]

	oracle.ClearPrice("tok-a") // swap backend now rejects the partial sell
	if _, err := exec.PartialSell(context.Background(), pos, 50); err == nil {
		t.Fatal("expected PartialSell to fail when the swap backend has no price")
	}

	open := st.ListOpen()
	if len(open) != 1 || open[0].EntryAmount != pos.EntryAmount {
		t.Errorf("expected the stored position untouched after a failed partial sell, got %+v", open)
	}
}

func TestClampFee_BoundsWithinConfiguredRange(t *testing.T) {
	if got := clampFee(1); got != minPriorityFeeLamports {
		t.Errorf("clampFee(1) = %d, want %d", got, minPriorityFeeLamports)
	}
	if got := clampFee(1_000_000_000); got != maxPriorityFeeLamports {
		t.Errorf("clampFee(huge) = %d, want %d", got, maxPriorityFeeLamports)
	}
	if got := clampFee(500_000); got != 500_000 {
		t.Errorf("clampFee(500000) = %d, want unchanged 500000", got)
	}
}
