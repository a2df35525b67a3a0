package node

import (
	"context"
	"io"
	"log/slog"

	"github.com/flotilla-trading/flotilla/internal/app/trader"
	"github.com/flotilla-trading/flotilla/internal/client/execution"
	"github.com/flotilla-trading/flotilla/internal/client/marketdata"
	"github.com/flotilla-trading/flotilla/internal/domain/account"
	"github.com/flotilla-trading/flotilla/internal/domain/clock"
	"github.com/flotilla-trading/flotilla/internal/domain/event"
	"github.com/flotilla-trading/flotilla/internal/domain/identity"
	"github.com/flotilla-trading/flotilla/internal/domain/portfolio"
	"github.com/flotilla-trading/flotilla/internal/infra/config"
	"github.com/flotilla-trading/flotilla/internal/infra/messaging"
	"github.com/flotilla-trading/flotilla/internal/infra/persistence/eventstore"
	"github.com/flotilla-trading/flotilla/internal/infra/persistence/logstore"
	"github.com/flotilla-trading/flotilla/internal/infra/telemetry"
)

// DataClient is the market data surface the node drives through its
// lifecycle. The production implementation is *marketdata.Client.
type DataClient interface {
	trader.MarketData
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Dispose() error
	RefreshInstruments(ctx context.Context) error
}

// ExecClient is the execution surface the node drives through its
// lifecycle. The production implementation is *execution.Client.
type ExecClient interface {
	trader.Execution
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Dispose() error
}

// EventStore persists domain events for the node's lifetime.
type EventStore interface {
	Append(ctx context.Context, evt event.Event) error
	Recent(ctx context.Context, limit int) ([]event.Event, error)
	Close()
}

// LogSink receives rendered log records for persistent storage.
type LogSink interface {
	Append(ctx context.Context, line []byte) error
	Close() error
}

// Deps carries the shared node resources a client builder draws from.
type Deps struct {
	Messaging *messaging.Context
	Clock     clock.Clock
	Generator identity.Generator
	Logger    *slog.Logger
	Account   *account.Account
	Portfolio *portfolio.Portfolio
	Events    EventStore
	Metrics   *telemetry.NodeMetrics
}

// LogSinkFunc builds the persistent log sink.
type LogSinkFunc func(ctx context.Context, doc config.Document, traderID identity.TraderID) (LogSink, error)

// EventStoreFunc builds the persistent event sink.
type EventStoreFunc func(ctx context.Context, doc config.Document, traderID identity.TraderID) (EventStore, error)

// DataClientFunc builds the market data client.
type DataClientFunc func(deps Deps, cfg config.DataClientConfig) (DataClient, error)

// ExecClientFunc builds the execution client.
type ExecClientFunc func(deps Deps, cfg config.ExecClientConfig) (ExecClient, error)

// builders holds the subsystem constructors New runs. Options replace
// individual entries so tests can substitute stub collaborators.
type builders struct {
	clock      clock.Clock
	generator  identity.Generator
	console    io.Writer
	logSink    LogSinkFunc
	eventStore EventStoreFunc
	dataClient DataClientFunc
	execClient ExecClientFunc
}

func defaultBuilders() builders {
	return builders{
		clock:     clock.NewLive(),
		generator: identity.NewUUIDGenerator(),
		logSink: func(ctx context.Context, doc config.Document, traderID identity.TraderID) (LogSink, error) {
			store, err := logstore.New(ctx, doc.Database.LogStoreAddr(), doc.Logging.LogName, traderID.String())
			if err != nil {
				return nil, err
			}
			return store, nil
		},
		eventStore: func(ctx context.Context, doc config.Document, _ identity.TraderID) (EventStore, error) {
			store, err := eventstore.New(ctx, doc.Database.EventStoreDSN())
			if err != nil {
				return nil, err
			}
			return store, nil
		},
		dataClient: func(deps Deps, cfg config.DataClientConfig) (DataClient, error) {
			return marketdata.New(deps.Messaging, cfg, deps.Clock, deps.Generator, deps.Logger)
		},
		execClient: func(deps Deps, cfg config.ExecClientConfig) (ExecClient, error) {
			return execution.New(deps.Messaging, cfg, deps.Account, deps.Portfolio,
				deps.Clock, deps.Generator, deps.Events, deps.Logger,
				execution.WithMetrics(deps.Metrics))
		},
	}
}

// Option adjusts node construction.
type Option func(*builders)

// WithClock substitutes the shared clock.
func WithClock(clk clock.Clock) Option {
	return func(b *builders) {
		if clk != nil {
			b.clock = clk
		}
	}
}

// WithGenerator substitutes the shared id generator.
func WithGenerator(gen identity.Generator) Option {
	return func(b *builders) {
		if gen != nil {
			b.generator = gen
		}
	}
}

// WithConsoleWriter redirects the logger's console output.
func WithConsoleWriter(w io.Writer) Option {
	return func(b *builders) {
		if w != nil {
			b.console = w
		}
	}
}

// WithLogSink substitutes the log sink constructor.
func WithLogSink(fn LogSinkFunc) Option {
	return func(b *builders) {
		if fn != nil {
			b.logSink = fn
		}
	}
}

// WithEventStore substitutes the event sink constructor.
func WithEventStore(fn EventStoreFunc) Option {
	return func(b *builders) {
		if fn != nil {
			b.eventStore = fn
		}
	}
}

// WithDataClient substitutes the market data client constructor.
func WithDataClient(fn DataClientFunc) Option {
	return func(b *builders) {
		if fn != nil {
			b.dataClient = fn
		}
	}
}

// WithExecClient substitutes the execution client constructor.
func WithExecClient(fn ExecClientFunc) Option {
	return func(b *builders) {
		if fn != nil {
			b.execClient = fn
		}
	}
}
