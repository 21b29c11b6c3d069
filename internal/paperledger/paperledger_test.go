package paperledger

import (
	"errors"
	"testing"
)

func TestNew_SeedsInitialQuoteBalance(t *testing.T) {
	l := New("SOL", 10)
	if got := l.Balance("SOL"); got != 10 {
		t.Errorf("Balance(SOL) = %v, want 10", got)
	}
	if got := l.Balance("unseeded"); got != 0 {
		t.Errorf("Balance(unseeded) = %v, want 0", got)
	}
}

func TestDepositAndWithdraw_RoundTrip(t *testing.T) {
	l := New("SOL", 10)
	l.Deposit("tok-a", 5)
	if got := l.Balance("tok-a"); got != 5 {
		t.Errorf("Balance(tok-a) = %v, want 5", got)
	}

	if err := l.Withdraw("tok-a", 2); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if got := l.Balance("tok-a"); got != 3 {
		t.Errorf("Balance(tok-a) after withdraw = %v, want 3", got)
	}
}

func TestWithdraw_FailsWithInsufficientBalance(t *testing.T) {
	l := New("SOL", 1)
	err := l.Withdraw("SOL", 2)
	if err == nil {
		t.Fatal("expected an insufficient-balance error")
	}
	var insufficient *InsufficientBalance
	if !errors.As(err, &insufficient) {
		t.Fatalf("error = %v, want an *InsufficientBalance in the chain", err)
	}
	if insufficient.Requested != 2 || insufficient.Available != 1 {
		t.Errorf("insufficient = %+v, want Requested=2 Available=1", insufficient)
	}
}

func TestGetAll_ReturnsIndependentSnapshot(t *testing.T) {
	l := New("SOL", 10)
	snap := l.GetAll()
	snap["SOL"] = 999

	if got := l.Balance("SOL"); got != 10 {
		t.Errorf("Balance(SOL) = %v after mutating snapshot, want unaffected 10", got)
	}
}

func TestReset_ClearsAndReseedsQuote(t *testing.T) {
	l := New("SOL", 10)
	l.Deposit("tok-a", 5)

	l.Reset("SOL", 20)

	if got := l.Balance("SOL"); got != 20 {
		t.Errorf("Balance(SOL) after reset = %v, want 20", got)
	}
	if got := l.Balance("tok-a"); got != 0 {
		t.Errorf("Balance(tok-a) after reset = %v, want 0", got)
	}
}
