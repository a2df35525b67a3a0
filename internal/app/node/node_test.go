package node

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/flotilla-trading/flotilla/errs"
	"github.com/flotilla-trading/flotilla/internal/app/trader"
	"github.com/flotilla-trading/flotilla/internal/client/execution"
	"github.com/flotilla-trading/flotilla/internal/client/marketdata"
	"github.com/flotilla-trading/flotilla/internal/domain/clock"
	"github.com/flotilla-trading/flotilla/internal/domain/event"
	"github.com/flotilla-trading/flotilla/internal/domain/identity"
	"github.com/flotilla-trading/flotilla/internal/infra/config"
)

// journal records collaborator calls across the fakes in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	j.entries = append(j.entries, entry)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}

type fakeData struct {
	j          *journal
	connectErr error
	refreshErr error
	disposes   int
}

func (d *fakeData) Connect(context.Context) error {
	d.j.add("data:connect")
	return d.connectErr
}

func (d *fakeData) Disconnect(context.Context) error {
	d.j.add("data:disconnect")
	return nil
}

func (d *fakeData) Dispose() error {
	d.j.add("data:dispose")
	d.disposes++
	return nil
}

func (d *fakeData) RefreshInstruments(context.Context) error {
	d.j.add("data:refresh")
	return d.refreshErr
}

func (d *fakeData) SubscribeTicks(string, marketdata.TickHandler) error { return nil }

func (d *fakeData) SubscribeBars(string, marketdata.BarHandler) error { return nil }

func (d *fakeData) Instrument(string) (marketdata.Instrument, bool) {
	return marketdata.Instrument{}, false
}

type fakeExec struct {
	j          *journal
	connectErr error
	disposes   int
}

func (e *fakeExec) Connect(context.Context) error {
	e.j.add("exec:connect")
	return e.connectErr
}

func (e *fakeExec) Disconnect(context.Context) error {
	e.j.add("exec:disconnect")
	return nil
}

func (e *fakeExec) Dispose() error {
	e.j.add("exec:dispose")
	e.disposes++
	return nil
}

func (e *fakeExec) SubmitOrder(context.Context, execution.Order) (string, error) {
	return "O-fake-1", nil
}

func (e *fakeExec) CancelOrder(context.Context, string) error { return nil }

type fakeSink struct {
	mu     sync.Mutex
	closes int
}

func (s *fakeSink) Append(context.Context, []byte) error { return nil }

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSink) closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeEvents struct {
	closes int
}

func (e *fakeEvents) Append(context.Context, event.Event) error { return nil }

func (e *fakeEvents) Recent(context.Context, int) ([]event.Event, error) { return nil, nil }

func (e *fakeEvents) Close() { e.closes++ }

type noopStrategy struct {
	id string
}

func (s *noopStrategy) ID() string { return s.id }

func (s *noopStrategy) Start(context.Context, *trader.Kit) error { return nil }

func (s *noopStrategy) Stop(context.Context) error { return nil }

func validDocument() config.Document {
	return config.Document{
		Trader: config.TraderConfig{TraderID: "TESTER-001", IDTagTrader: "001"},
		Database: config.DatabaseConfig{
			LogStorePort:   6379,
			EventStorePort: 5432,
		},
		Logging: config.LoggingConfig{
			LogName:         "flotilla-node",
			LogLevelConsole: "info",
			LogLevelFile:    "info",
			LogLevelStore:   "warn",
		},
		DataClient: config.DataClientConfig{
			Venue:          "SIMEX",
			ServiceName:    "simex-data",
			ServiceAddress: "127.0.0.1",
			TickReqPort:    7101,
			TickSubPort:    7102,
			BarReqPort:     7103,
			BarSubPort:     7104,
			InstReqPort:    7105,
			InstSubPort:    7106,
		},
		ExecClient: config.ExecClientConfig{
			ServiceName:    "simex-exec",
			ServiceAddress: "127.0.0.1",
			EventsTopic:    "events.TESTER-001",
			CommandsPort:   7201,
			EventsPort:     7202,
		},
	}
}

func writeConfig(t *testing.T, doc config.Document) string {
	t.Helper()
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

type fixture struct {
	n       *Node
	j       *journal
	data    *fakeData
	exec    *fakeExec
	sink    *fakeSink
	events  *fakeEvents
	console *bytes.Buffer
	clk     *clock.TestClock
}

func (f *fixture) options() []Option {
	return []Option{
		WithClock(f.clk),
		WithGenerator(identity.NewDeterministic("node")),
		WithConsoleWriter(f.console),
		WithLogSink(func(context.Context, config.Document, identity.TraderID) (LogSink, error) {
			return f.sink, nil
		}),
		WithEventStore(func(context.Context, config.Document, identity.TraderID) (EventStore, error) {
			return f.events, nil
		}),
		WithDataClient(func(Deps, config.DataClientConfig) (DataClient, error) {
			return f.data, nil
		}),
		WithExecClient(func(Deps, config.ExecClientConfig) (ExecClient, error) {
			return f.exec, nil
		}),
	}
}

func newFixture() *fixture {
	j := &journal{}
	return &fixture{
		j:       j,
		data:    &fakeData{j: j},
		exec:    &fakeExec{j: j},
		sink:    &fakeSink{},
		events:  &fakeEvents{},
		console: &bytes.Buffer{},
		clk:     clock.NewTest(),
	}
}

func newTestNode(t *testing.T, strategies []trader.Strategy) *fixture {
	t.Helper()
	f := newFixture()
	n, err := New(context.Background(), writeConfig(t, validDocument()), strategies, f.options()...)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	f.n = n
	return f
}

func TestNewBuildsConstructedNode(t *testing.T) {
	set := []trader.Strategy{&noopStrategy{id: "a"}, &noopStrategy{id: "b"}}
	f := newTestNode(t, set)
	n := f.n

	if n.State() != StateConstructed {
		t.Fatalf("fresh node state should be constructed, got %q", n.State())
	}
	if n.ID().IsZero() {
		t.Fatalf("node id must be minted during construction")
	}
	if n.Trader() == nil || n.Account() == nil || n.Portfolio() == nil || n.EventStore() == nil {
		t.Fatalf("construction must yield every subsystem handle")
	}
	if n.TraderID().String() != "TESTER-001" || n.TraderID().Tag != "001" {
		t.Fatalf("trader identity should come from the config, got %+v", n.TraderID())
	}
	if n.Account().ID().String() != "SIMEX-001" {
		t.Fatalf("account identity should derive from venue and tag, got %s", n.Account().ID())
	}
	if got := n.Trader().Strategies(); len(got) != 2 || got[0] != trader.Strategy(set[0]) || got[1] != trader.Strategy(set[1]) {
		t.Fatalf("initial strategy list must reach the trader verbatim: %v", got)
	}
	if !strings.Contains(f.console.String(), "node starting") {
		t.Fatalf("startup header missing from console output: %q", f.console.String())
	}
}

func TestNewRejectsEmptyConfigPath(t *testing.T) {
	if _, err := New(context.Background(), "", nil); err == nil {
		t.Fatalf("expected error for empty config path")
	}
}

func TestConfigValidationReportsEveryGap(t *testing.T) {
	doc := validDocument()
	doc.Trader.TraderID = ""
	doc.DataClient.Venue = ""
	doc.DataClient.TickReqPort = 0
	doc.ExecClient.EventsTopic = ""

	_, err := New(context.Background(), writeConfig(t, doc), nil)
	if err == nil {
		t.Fatalf("expected validation failure")
	}
	var cfgErr *config.Error
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected a config error, got %T: %v", err, err)
	}
	if len(cfgErr.Fields) < 4 {
		t.Fatalf("every violation should be collected, got %d: %v", len(cfgErr.Fields), err)
	}
	for _, path := range []string{
		"trader.trader_id",
		"dataClient.venue",
		"dataClient.tick_req_port",
		"execClient.events_topic",
	} {
		if !strings.Contains(err.Error(), path) {
			t.Fatalf("error should name %s: %v", path, err)
		}
	}
}

func TestConstructionFailureIsLoggedAndUnwound(t *testing.T) {
	f := newFixture()
	boom := errors.New("event store offline")
	opts := append(f.options(),
		WithEventStore(func(context.Context, config.Document, identity.TraderID) (EventStore, error) {
			return nil, boom
		}))

	_, err := New(context.Background(), writeConfig(t, validDocument()), nil, opts...)
	if !errors.Is(err, boom) {
		t.Fatalf("construction error should propagate, got %v", err)
	}
	if !strings.Contains(err.Error(), "event sink") {
		t.Fatalf("error should name the failed stage, got %v", err)
	}
	if !strings.Contains(f.console.String(), "node construction failed") {
		t.Fatalf("failure must be logged before propagating: %q", f.console.String())
	}
	if f.sink.closed() != 1 {
		t.Fatalf("log sink should be released on construction failure, closes=%d", f.sink.closed())
	}
}

func TestConnectRunsDataThenExecThenRefresh(t *testing.T) {
	f := newTestNode(t, nil)
	if err := f.n.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	want := []string{"data:connect", "exec:connect", "data:refresh"}
	if !reflect.DeepEqual(f.j.list(), want) {
		t.Fatalf("connect order wrong: %v", f.j.list())
	}
	if f.n.State() != StateConnected {
		t.Fatalf("state should be connected, got %q", f.n.State())
	}
}

func TestConnectFailureLeavesStateUnchanged(t *testing.T) {
	t.Run("data", func(t *testing.T) {
		f := newFixture()
		f.data.connectErr = errors.New("data service down")
		n, err := New(context.Background(), writeConfig(t, validDocument()), nil, f.options()...)
		if err != nil {
			t.Fatalf("new node: %v", err)
		}
		if err := n.Connect(context.Background()); !errors.Is(err, f.data.connectErr) {
			t.Fatalf("connect should propagate the data failure, got %v", err)
		}
		if got := f.j.list(); len(got) != 1 || got[0] != "data:connect" {
			t.Fatalf("execution connect must not run after a data failure: %v", got)
		}
		if n.State() != StateConstructed {
			t.Fatalf("state must be unchanged after a failed connect, got %q", n.State())
		}
	})

	t.Run("execution", func(t *testing.T) {
		f := newFixture()
		f.exec.connectErr = errors.New("exec service down")
		n, err := New(context.Background(), writeConfig(t, validDocument()), nil, f.options()...)
		if err != nil {
			t.Fatalf("new node: %v", err)
		}
		if err := n.Connect(context.Background()); !errors.Is(err, f.exec.connectErr) {
			t.Fatalf("connect should propagate the exec failure, got %v", err)
		}
		want := []string{"data:connect", "exec:connect"}
		if !reflect.DeepEqual(f.j.list(), want) {
			t.Fatalf("refresh must not run after an exec failure: %v", f.j.list())
		}
		if n.State() != StateConstructed {
			t.Fatalf("state must be unchanged after a failed connect, got %q", n.State())
		}
	})

	t.Run("refresh", func(t *testing.T) {
		f := newFixture()
		f.data.refreshErr = errors.New("no instruments")
		n, err := New(context.Background(), writeConfig(t, validDocument()), nil, f.options()...)
		if err != nil {
			t.Fatalf("new node: %v", err)
		}
		if err := n.Connect(context.Background()); !errors.Is(err, f.data.refreshErr) {
			t.Fatalf("connect should propagate the refresh failure, got %v", err)
		}
		if n.State() != StateConstructed {
			t.Fatalf("state must be unchanged after a failed connect, got %q", n.State())
		}
	})
}

func TestLoadStrategiesForwardsVerbatim(t *testing.T) {
	f := newTestNode(t, nil)
	s1 := &noopStrategy{id: "dup"}
	s2 := &noopStrategy{id: "dup"}

	if err := f.n.LoadStrategies([]trader.Strategy{s1, s2}); err != nil {
		t.Fatalf("load strategies: %v", err)
	}
	got := f.n.Trader().Strategies()
	if len(got) != 2 || got[0] != trader.Strategy(s1) || got[1] != trader.Strategy(s2) {
		t.Fatalf("strategy set must be forwarded verbatim: %v", got)
	}

	if err := f.n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.n.LoadStrategies(nil); !errors.Is(err, trader.ErrTraderRunning) {
		t.Fatalf("load while running should surface the trader rejection, got %v", err)
	}
}

func TestStartBeforeConnectSucceeds(t *testing.T) {
	f := newTestNode(t, []trader.Strategy{&noopStrategy{id: "offline"}})
	if err := f.n.Start(context.Background()); err != nil {
		t.Fatalf("start before connect should succeed: %v", err)
	}
	if f.n.State() != StateRunning {
		t.Fatalf("state should be running, got %q", f.n.State())
	}
}

func TestStopAndStartCycle(t *testing.T) {
	f := newTestNode(t, []trader.Strategy{&noopStrategy{id: "a"}})
	ctx := context.Background()

	if err := f.n.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.n.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.n.State() != StateStopped {
		t.Fatalf("state should be stopped, got %q", f.n.State())
	}
	if err := f.n.Stop(ctx); !errors.Is(err, trader.ErrTraderNotRunning) {
		t.Fatalf("second stop should surface the trader rejection, got %v", err)
	}
	if f.n.State() != StateStopped {
		t.Fatalf("rejected stop must not change state, got %q", f.n.State())
	}

	if err := f.n.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if f.n.State() != StateRunning {
		t.Fatalf("state should be running again, got %q", f.n.State())
	}
}

func TestDisconnectReleasesBothClients(t *testing.T) {
	f := newTestNode(t, nil)
	ctx := context.Background()
	if err := f.n.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := f.n.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if f.n.State() != StateDisconnected {
		t.Fatalf("state should be disconnected, got %q", f.n.State())
	}
	want := []string{"data:connect", "exec:connect", "data:refresh", "data:disconnect", "exec:disconnect"}
	if !reflect.DeepEqual(f.j.list(), want) {
		t.Fatalf("disconnect must reach both clients: %v", f.j.list())
	}
}

func TestDisposeReleasesEverythingExactlyOnce(t *testing.T) {
	f := newTestNode(t, []trader.Strategy{&noopStrategy{id: "a"}})
	ctx := context.Background()
	if err := f.n.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := f.n.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := f.n.Dispose(ctx); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if f.n.State() != StateDisposed {
		t.Fatalf("state should be disposed, got %q", f.n.State())
	}
	if f.data.disposes != 1 || f.exec.disposes != 1 {
		t.Fatalf("each client must be disposed exactly once: data=%d exec=%d",
			f.data.disposes, f.exec.disposes)
	}
	if f.events.closes != 1 {
		t.Fatalf("event sink must be closed exactly once, got %d", f.events.closes)
	}
	if f.sink.closed() != 1 {
		t.Fatalf("log sink must be closed exactly once, got %d", f.sink.closed())
	}
	if !f.n.mc.Closed() {
		t.Fatalf("messaging context must be closed last")
	}
	if f.n.Trader().Running() {
		t.Fatalf("trader must be stopped by dispose")
	}

	if err := f.n.Dispose(ctx); err != nil {
		t.Fatalf("second dispose should be a no-op, got %v", err)
	}
	if f.data.disposes != 1 || f.exec.disposes != 1 || f.events.closes != 1 || f.sink.closed() != 1 {
		t.Fatalf("second dispose must not release anything again")
	}
}

func TestLifecycleCallsAfterDisposeFailWithStateCode(t *testing.T) {
	f := newTestNode(t, nil)
	ctx := context.Background()
	if err := f.n.Dispose(ctx); err != nil {
		t.Fatalf("dispose: %v", err)
	}

	calls := map[string]func() error{
		"connect":    func() error { return f.n.Connect(ctx) },
		"start":      func() error { return f.n.Start(ctx) },
		"stop":       func() error { return f.n.Stop(ctx) },
		"disconnect": func() error { return f.n.Disconnect(ctx) },
		"load":       func() error { return f.n.LoadStrategies(nil) },
	}
	for name, call := range calls {
		if err := call(); !errs.HasCode(err, errs.CodeState) {
			t.Fatalf("%s after dispose should fail with a state error, got %v", name, err)
		}
	}
}
