// Package account tracks the balances of the trading account a node operates.
package account

import (
	"sort"
	"sync"
	"time"

	"github.com/flotilla-trading/flotilla/errs"
	"github.com/flotilla-trading/flotilla/internal/contract"
	"github.com/flotilla-trading/flotilla/internal/domain/clock"
	"github.com/flotilla-trading/flotilla/internal/domain/event"
	"github.com/flotilla-trading/flotilla/internal/domain/identity"
)

// Account holds the balance state replicated from execution events. The
// execution client's stream goroutine writes it while strategies read it, so
// all state sits behind a mutex.
type Account struct {
	mu         sync.RWMutex
	id         identity.AccountID
	clk        clock.Clock
	balances   map[string]event.Balance
	updatedAt  time.Time
	eventCount int
}

// New constructs an empty account bound to the shared clock.
func New(id identity.AccountID, clk clock.Clock) (*Account, error) {
	if err := contract.ValidString(id.Issuer, "account issuer"); err != nil {
		return nil, err
	}
	if err := contract.NotNil(clk, "clock"); err != nil {
		return nil, err
	}
	return &Account{
		id:       id,
		clk:      clk,
		balances: make(map[string]event.Balance),
	}, nil
}

// ID returns the account identifier.
func (a *Account) ID() identity.AccountID {
	return a.id
}

// ApplyState replaces the balance set with the snapshot carried by state.
// Snapshots for other accounts are rejected.
func (a *Account) ApplyState(state event.AccountState) error {
	if state.AccountID != a.id.String() {
		return errs.New("account", errs.CodeInvalid,
			errs.WithMessage("account state for foreign account"),
			errs.WithField("have", a.id.String()),
			errs.WithField("got", state.AccountID))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances = make(map[string]event.Balance, len(state.Balances))
	for _, balance := range state.Balances {
		if balance.Currency == "" {
			continue
		}
		a.balances[balance.Currency] = balance
	}
	a.updatedAt = a.clk.Now()
	a.eventCount++
	return nil
}

// Balance returns the holdings for one currency.
func (a *Account) Balance(currency string) (event.Balance, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	balance, ok := a.balances[currency]
	return balance, ok
}

// Currencies lists the currencies with known balances, sorted.
func (a *Account) Currencies() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.balances))
	for currency := range a.balances {
		out = append(out, currency)
	}
	sort.Strings(out)
	return out
}

// UpdatedAt reports when the last snapshot was applied.
func (a *Account) UpdatedAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.updatedAt
}

// EventCount reports how many snapshots have been applied.
func (a *Account) EventCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.eventCount
}
