// Package paperledger is the paper-trading balance backend the trade
// executor uses when the engine runs in simulation mode.
package paperledger

import (
	"fmt"
	"sync"

	"signaltrader/internal/domain"
	"signaltrader/internal/engineerr"
)

// InsufficientBalance is returned by Withdraw when amount exceeds the
// token's current balance.
type InsufficientBalance struct {
	Token     domain.TokenId
	Requested float64
	Available float64
}

func (e *InsufficientBalance) Error() string {
	return fmt.Sprintf("insufficient paper balance for %q: requested %.6f, have %.6f", e.Token, e.Requested, e.Available)
}

// Ledger is a hash map of TokenId -> balance, with atomic deposit and
// withdraw. It backs the simulation-mode balance checks TradeExecutor
// performs in place of a real wallet query.
type Ledger struct {
	mu       sync.Mutex
	balances map[domain.TokenId]float64
}

// New constructs a Ledger seeded with an initial balance for the quote
// asset (simulation.initial_balance in config).
func New(quoteToken domain.TokenId, initialBalance float64) *Ledger {
	l := &Ledger{balances: make(map[domain.TokenId]float64)}
	if initialBalance > 0 {
		l.balances[quoteToken] = initialBalance
	}
	return l
}

// Deposit credits amount to token's balance.
func (l *Ledger) Deposit(token domain.TokenId, amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[token] += amount
}

// Withdraw debits amount from token's balance, failing with
// InsufficientBalance (wrapped as an engineerr.Validation error, since it
// is a caller precondition failure, not a transient one) if the balance
// is insufficient.
func (l *Ledger) Withdraw(token domain.TokenId, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	have := l.balances[token]
	if amount > have {
		return engineerr.Wrap(engineerr.Validation, &InsufficientBalance{Token: token, Requested: amount, Available: have})
	}
	l.balances[token] = have - amount
	return nil
}

// Balance returns token's current balance.
func (l *Ledger) Balance(token domain.TokenId) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[token]
}

// GetAll returns a snapshot copy of every token's balance, for the
// dashboard's paper-balances debug endpoint.
func (l *Ledger) GetAll() map[domain.TokenId]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[domain.TokenId]float64, len(l.balances))
	for t, b := range l.balances {
		out[t] = b
	}
	return out
}

// Reset clears every balance and re-seeds the quote asset. The
// reset-paper-trading CLI subcommand does not call it: the ledger is
// rebuilt fresh on each start.
func (l *Ledger) Reset(quoteToken domain.TokenId, initialBalance float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = make(map[domain.TokenId]float64)
	if initialBalance > 0 {
		l.balances[quoteToken] = initialBalance
	}
}
