// Package node assembles and drives the live trading node. A Node owns every
// subsystem handle for its lifetime: the shared clock, id generator, and
// messaging context, the persistent log and event sinks, both service
// clients, and the trader. Handles are created exactly once during New and
// released exactly once during Dispose.
//
// Lifecycle calls are issued sequentially by one controlling goroutine. The
// node performs no internal locking and spawns no goroutines of its own;
// collaborator background work (socket loops, the async log worker) stays
// behind the collaborators' interfaces.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flotilla-trading/flotilla/errs"
	"github.com/flotilla-trading/flotilla/internal/app/trader"
	"github.com/flotilla-trading/flotilla/internal/contract"
	"github.com/flotilla-trading/flotilla/internal/domain/account"
	"github.com/flotilla-trading/flotilla/internal/domain/clock"
	"github.com/flotilla-trading/flotilla/internal/domain/identity"
	"github.com/flotilla-trading/flotilla/internal/domain/portfolio"
	"github.com/flotilla-trading/flotilla/internal/infra/config"
	"github.com/flotilla-trading/flotilla/internal/infra/logging"
	"github.com/flotilla-trading/flotilla/internal/infra/messaging"
	"github.com/flotilla-trading/flotilla/internal/infra/telemetry"
)

const component = "node"

// Version is the node build version reported in the startup header.
const Version = "0.1.0"

// Node lifecycle states.
const (
	StateConstructed  = "constructed"
	StateConnected    = "connected"
	StateRunning      = "running"
	StateStopped      = "stopped"
	StateDisconnected = "disconnected"
	StateDisposed     = "disposed"
)

// Node is the live trading node.
type Node struct {
	cfg      config.Document
	state    string
	disposed bool

	clk      clock.Clock
	gen      identity.Generator
	mc       *messaging.Context
	nodeID   identity.NodeID
	traderID identity.TraderID

	logSink   LogSink
	logFanout *logging.Log
	logger    *slog.Logger
	provider  *telemetry.Provider
	metrics   *telemetry.NodeMetrics

	acct   *account.Account
	pf     *portfolio.Portfolio
	events EventStore
	data   DataClient
	exec   ExecClient
	trader *trader.Trader
}

// New loads and validates the configuration document at configPath, builds
// every subsystem, and returns a node in the constructed state with the
// given strategies loaded. Construction order is fixed: the log sink and
// logger come up before everything else so any later failure is logged
// before it propagates. A failed construction releases the subsystems built
// so far.
func New(ctx context.Context, configPath string, strategies []trader.Strategy, opts ...Option) (*Node, error) {
	if err := contract.ValidString(configPath, "configPath"); err != nil {
		return nil, err
	}
	doc, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	b := defaultBuilders()
	for _, opt := range opts {
		if opt != nil {
			opt(&b)
		}
	}

	n := &Node{
		cfg:   doc,
		state: StateConstructed,
		clk:   b.clock,
		gen:   b.generator,
		mc:    messaging.NewContext(),
	}
	n.nodeID = identity.NewNodeID(n.gen)

	// cleanup releases already-built subsystems in reverse when a later
	// construction step fails.
	var cleanup []func()
	fail := func(stage string, err error) error {
		if n.logger != nil {
			n.logger.Error("node construction failed", "stage", stage, "error", err)
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		return fmt.Errorf("construct %s: %w", stage, err)
	}
	cleanup = append(cleanup, func() { _ = n.mc.Close() })

	n.traderID, err = identity.NewTraderID(doc.Trader.TraderID, identity.IDTag(doc.Trader.IDTagTrader))
	if err != nil {
		return nil, fail("trader identity", err)
	}

	n.logSink, err = b.logSink(ctx, doc, n.traderID)
	if err != nil {
		return nil, fail("log sink", err)
	}
	cleanup = append(cleanup, func() { _ = n.logSink.Close() })

	var logOpts []logging.Option
	if b.console != nil {
		logOpts = append(logOpts, logging.WithConsoleWriter(b.console))
	}
	n.logFanout, err = logging.New(doc.Logging, n.clk, n.logSink, logOpts...)
	if err != nil {
		return nil, fail("logger", err)
	}
	cleanup = append(cleanup, func() { _ = n.logFanout.Close() })
	n.logger = n.logFanout.Logger()
	logging.Header(n.logger, n.nodeID.String(), n.traderID.String(), Version)

	if doc.Telemetry.Enabled {
		n.provider, err = telemetry.NewProvider(ctx, telemetry.FromConfig(doc.Telemetry))
		if err != nil {
			return nil, fail("telemetry", err)
		}
		cleanup = append(cleanup, func() { _ = n.provider.Shutdown(ctx) })
		n.metrics, err = telemetry.NewNodeMetrics(
			n.provider.Meter("github.com/flotilla-trading/flotilla/internal/app/node"),
			n.nodeID.String())
		if err != nil {
			return nil, fail("telemetry", err)
		}
	}

	accountID, err := identity.NewAccountID(doc.DataClient.Venue, string(n.traderID.Tag))
	if err != nil {
		return nil, fail("account identity", err)
	}
	n.acct, err = account.New(accountID, n.clk)
	if err != nil {
		return nil, fail("account", err)
	}
	n.pf, err = portfolio.New(n.traderID, n.clk)
	if err != nil {
		return nil, fail("portfolio", err)
	}

	n.events, err = b.eventStore(ctx, doc, n.traderID)
	if err != nil {
		return nil, fail("event sink", err)
	}
	cleanup = append(cleanup, func() { n.events.Close() })

	deps := Deps{
		Messaging: n.mc,
		Clock:     n.clk,
		Generator: n.gen,
		Logger:    n.logger,
		Account:   n.acct,
		Portfolio: n.pf,
		Events:    n.events,
		Metrics:   n.metrics,
	}
	n.data, err = b.dataClient(deps, doc.DataClient)
	if err != nil {
		return nil, fail("data client", err)
	}
	cleanup = append(cleanup, func() { _ = n.data.Dispose() })
	n.exec, err = b.execClient(deps, doc.ExecClient)
	if err != nil {
		return nil, fail("execution client", err)
	}
	cleanup = append(cleanup, func() { _ = n.exec.Dispose() })

	n.trader, err = trader.New(n.traderID, n.data, n.exec, n.acct, n.pf, n.clk, n.logger)
	if err != nil {
		return nil, fail("trader", err)
	}
	if err := n.trader.LoadStrategies(strategies); err != nil {
		return nil, fail("strategies", err)
	}

	n.logger.Info("node constructed",
		"state", n.state,
		"venue", doc.DataClient.Venue,
		"strategies", len(strategies),
	)
	return n, nil
}

// State returns the current lifecycle state.
func (n *Node) State() string { return n.state }

// ID returns the process-unique node identifier.
func (n *Node) ID() identity.NodeID { return n.nodeID }

// TraderID returns the configured trading entity identity.
func (n *Node) TraderID() identity.TraderID { return n.traderID }

// Config returns the validated configuration document.
func (n *Node) Config() config.Document { return n.cfg }

// Clock returns the shared node clock.
func (n *Node) Clock() clock.Clock { return n.clk }

// Logger returns the node logger.
func (n *Node) Logger() *slog.Logger { return n.logger }

// Trader returns the trading engine.
func (n *Node) Trader() *trader.Trader { return n.trader }

// Account returns the trading account state.
func (n *Node) Account() *account.Account { return n.acct }

// Portfolio returns the position and PnL state.
func (n *Node) Portfolio() *portfolio.Portfolio { return n.pf }

// EventStore returns the persistent event sink.
func (n *Node) EventStore() EventStore { return n.events }

// LoadStrategies forwards the exact slice to the trader. Valid in any
// state except disposed; the trader itself rejects the call while running.
func (n *Node) LoadStrategies(strategies []trader.Strategy) error {
	if err := n.guard("load strategies"); err != nil {
		return err
	}
	return n.trader.LoadStrategies(strategies)
}

// Connect dials the data client, then the execution client, then refreshes
// the instrument cache. Each step is a single blocking attempt; a failure
// aborts the sequence, leaves the state unchanged, and propagates.
func (n *Node) Connect(ctx context.Context) error {
	if err := n.guard("connect"); err != nil {
		return err
	}
	started := time.Now()
	if err := n.data.Connect(ctx); err != nil {
		return n.connectFailed(ctx, started, "data", err)
	}
	if err := n.exec.Connect(ctx); err != nil {
		return n.connectFailed(ctx, started, "execution", err)
	}
	if err := n.data.RefreshInstruments(ctx); err != nil {
		return n.connectFailed(ctx, started, "instruments", err)
	}
	n.metrics.RecordConnect(ctx, time.Since(started), "ok")
	n.transition(ctx, StateConnected)
	return nil
}

func (n *Node) connectFailed(ctx context.Context, started time.Time, stage string, err error) error {
	n.metrics.RecordConnect(ctx, time.Since(started), "error")
	n.logger.Error("node connect failed", "stage", stage, "error", err)
	return fmt.Errorf("connect %s: %w", stage, err)
}

// Start starts the trader. Connection state is not checked: a node may
// start its strategies offline and connect later.
func (n *Node) Start(ctx context.Context) error {
	if err := n.guard("start"); err != nil {
		return err
	}
	if err := n.trader.Start(ctx); err != nil {
		n.logger.Error("node start failed", "error", err)
		return err
	}
	n.transition(ctx, StateRunning)
	return nil
}

// Stop stops the trader. Strategy stop failures propagate, but the trader
// is stopped regardless, so the state still advances.
func (n *Node) Stop(ctx context.Context) error {
	if err := n.guard("stop"); err != nil {
		return err
	}
	err := n.trader.Stop(ctx)
	if errors.Is(err, trader.ErrTraderNotRunning) || errors.Is(err, trader.ErrTraderDisposed) {
		return err
	}
	if err != nil {
		n.logger.Warn("node stop finished with failures", "error", err)
	}
	n.transition(ctx, StateStopped)
	return err
}

// Disconnect releases both client connections. Both clients are attempted;
// any failure propagates and leaves the state unchanged.
func (n *Node) Disconnect(ctx context.Context) error {
	if err := n.guard("disconnect"); err != nil {
		return err
	}
	err := errors.Join(n.data.Disconnect(ctx), n.exec.Disconnect(ctx))
	if err != nil {
		n.logger.Error("node disconnect failed", "error", err)
		return err
	}
	n.transition(ctx, StateDisconnected)
	return nil
}

// Dispose releases every subsystem exactly once, in a fixed order: trader,
// data client, execution client, event sink, logger and log sink, telemetry,
// and finally the messaging context. The node owns the context's release;
// collaborators never close it. A second Dispose is a no-op returning nil.
func (n *Node) Dispose(ctx context.Context) error {
	if n.disposed {
		return nil
	}
	n.disposed = true
	n.logger.Info("node disposing", "state", n.state)

	var problems []error
	if err := n.trader.Dispose(ctx); err != nil {
		problems = append(problems, fmt.Errorf("dispose trader: %w", err))
	}
	if err := n.data.Dispose(); err != nil {
		problems = append(problems, fmt.Errorf("dispose data client: %w", err))
	}
	if err := n.exec.Dispose(); err != nil {
		problems = append(problems, fmt.Errorf("dispose execution client: %w", err))
	}
	n.events.Close()

	// Recorded while the logger and meter provider are still open so the
	// final transition reaches every sink.
	n.transition(ctx, StateDisposed)

	if err := n.logFanout.Close(); err != nil {
		problems = append(problems, fmt.Errorf("close logger: %w", err))
	}
	if err := n.logSink.Close(); err != nil {
		problems = append(problems, fmt.Errorf("close log sink: %w", err))
	}
	if err := n.provider.Shutdown(ctx); err != nil {
		problems = append(problems, fmt.Errorf("shutdown telemetry: %w", err))
	}
	if err := n.mc.Close(); err != nil {
		problems = append(problems, fmt.Errorf("close messaging context: %w", err))
	}
	return errors.Join(problems...)
}

func (n *Node) guard(op string) error {
	if n.disposed {
		return errs.New(component, errs.CodeState,
			errs.WithMessage("node is disposed"),
			errs.WithField("op", op))
	}
	return nil
}

func (n *Node) transition(ctx context.Context, to string) {
	from := n.state
	n.state = to
	n.metrics.RecordTransition(ctx, from, to)
	n.logger.Info("node state changed", "from", from, "to", to)
}
