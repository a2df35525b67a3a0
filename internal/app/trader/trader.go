// Package trader runs the node's strategy set against its clients.
package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flotilla-trading/flotilla/internal/contract"
	"github.com/flotilla-trading/flotilla/internal/domain/account"
	"github.com/flotilla-trading/flotilla/internal/domain/clock"
	"github.com/flotilla-trading/flotilla/internal/domain/identity"
	"github.com/flotilla-trading/flotilla/internal/domain/portfolio"
)

var (
	// ErrTraderRunning rejects operations that need a stopped trader.
	ErrTraderRunning = errors.New("trader already running")
	// ErrTraderNotRunning rejects operations that need a running trader.
	ErrTraderNotRunning = errors.New("trader not running")
	// ErrTraderDisposed rejects every operation after Dispose.
	ErrTraderDisposed = errors.New("trader disposed")
)

// Strategy is one algorithm managed by the trader. Start receives the kit
// the strategy trades through; the kit stays valid until Stop returns.
type Strategy interface {
	ID() string
	Start(ctx context.Context, kit *Kit) error
	Stop(ctx context.Context) error
}

// Trader owns the ordered strategy set and walks it through start and stop.
// Lifecycle calls are issued sequentially by one controlling goroutine, so
// the trader itself carries no locks.
type Trader struct {
	id   identity.TraderID
	data MarketData
	exec Execution
	acct *account.Account
	pf   *portfolio.Portfolio
	clk  clock.Clock
	log  *slog.Logger

	strategies []Strategy
	started    []Strategy
	running    bool
	disposed   bool
}

// New binds a trader to its identity and the subsystems its strategies use.
func New(id identity.TraderID, data MarketData, exec Execution, acct *account.Account, pf *portfolio.Portfolio, clk clock.Clock, log *slog.Logger) (*Trader, error) {
	if err := contract.ValidString(id.Value, "trader_id"); err != nil {
		return nil, err
	}
	if err := contract.NotNil(data, "market data client"); err != nil {
		return nil, err
	}
	if err := contract.NotNil(exec, "execution client"); err != nil {
		return nil, err
	}
	if err := contract.NotNil(acct, "account"); err != nil {
		return nil, err
	}
	if err := contract.NotNil(pf, "portfolio"); err != nil {
		return nil, err
	}
	if err := contract.NotNil(clk, "clock"); err != nil {
		return nil, err
	}
	if err := contract.NotNil(log, "logger"); err != nil {
		return nil, err
	}
	return &Trader{
		id:   id,
		data: data,
		exec: exec,
		acct: acct,
		pf:   pf,
		clk:  clk,
		log:  log,
	}, nil
}

// ID returns the trader identity.
func (t *Trader) ID() identity.TraderID { return t.id }

// Running reports whether the strategy set is currently started.
func (t *Trader) Running() bool { return t.running }

// Strategies returns the current set in load order.
func (t *Trader) Strategies() []Strategy {
	out := make([]Strategy, len(t.strategies))
	copy(out, t.strategies)
	return out
}

// LoadStrategies replaces the strategy set with the given slice exactly as
// passed: order preserved, no deduplication, nil empties the set. Rejected
// while the trader is running.
func (t *Trader) LoadStrategies(strategies []Strategy) error {
	if t.disposed {
		return ErrTraderDisposed
	}
	if t.running {
		return fmt.Errorf("load strategies: %w", ErrTraderRunning)
	}
	t.strategies = strategies
	t.log.Info("strategies loaded", "count", len(strategies))
	return nil
}

// Start walks the strategy set in load order. A strategy failure stops the
// already started strategies best-effort and propagates. Connected clients
// are not required; strategies that need live data fail on their own terms.
func (t *Trader) Start(ctx context.Context) error {
	if t.disposed {
		return ErrTraderDisposed
	}
	if t.running {
		return ErrTraderRunning
	}

	for i, s := range t.strategies {
		if err := s.Start(ctx, t.kitFor(s)); err != nil {
			t.unwind(ctx, t.strategies[:i])
			return fmt.Errorf("start strategy %q: %w", s.ID(), err)
		}
		t.log.Info("strategy started", "strategy", s.ID())
	}

	t.started = make([]Strategy, len(t.strategies))
	copy(t.started, t.strategies)
	t.running = true
	t.log.Info("trader started", "trader_id", t.id.String(), "strategies", len(t.started))
	return nil
}

// unwind stops the given strategies in reverse order, logging failures.
func (t *Trader) unwind(ctx context.Context, started []Strategy) {
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(ctx); err != nil {
			t.log.Warn("stop strategy during aborted start",
				"strategy", started[i].ID(), "error", err)
		}
	}
}

// Stop walks the started strategies in reverse order. Every strategy is
// stopped even when an earlier one fails; the failures are joined.
func (t *Trader) Stop(ctx context.Context) error {
	if t.disposed {
		return ErrTraderDisposed
	}
	if !t.running {
		return ErrTraderNotRunning
	}

	var failures []error
	for i := len(t.started) - 1; i >= 0; i-- {
		s := t.started[i]
		if err := s.Stop(ctx); err != nil {
			failures = append(failures, fmt.Errorf("stop strategy %q: %w", s.ID(), err))
			continue
		}
		t.log.Info("strategy stopped", "strategy", s.ID())
	}
	t.started = nil
	t.running = false
	t.log.Info("trader stopped", "trader_id", t.id.String())
	return errors.Join(failures...)
}

// Dispose stops the set when running and releases it. Calling Dispose again
// is a no-op.
func (t *Trader) Dispose(ctx context.Context) error {
	if t.disposed {
		return nil
	}
	if t.running {
		if err := t.Stop(ctx); err != nil {
			t.log.Warn("stop during dispose", "error", err)
		}
	}
	t.strategies = nil
	t.started = nil
	t.disposed = true
	t.log.Info("trader disposed", "trader_id", t.id.String())
	return nil
}

func (t *Trader) kitFor(s Strategy) *Kit {
	return &Kit{
		traderID: t.id,
		data:     t.data,
		exec:     t.exec,
		acct:     t.acct,
		pf:       t.pf,
		clk:      t.clk,
		log:      t.log.With("strategy", s.ID()),
	}
}
