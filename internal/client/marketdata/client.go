// Package marketdata connects the node to one venue's market data service
// over paired request and subscription sockets.
package marketdata

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/flotilla-trading/flotilla/errs"
	"github.com/flotilla-trading/flotilla/internal/contract"
	"github.com/flotilla-trading/flotilla/internal/domain/clock"
	"github.com/flotilla-trading/flotilla/internal/domain/identity"
	"github.com/flotilla-trading/flotilla/internal/infra/config"
	"github.com/flotilla-trading/flotilla/internal/infra/messaging"
)

const (
	component = "marketdata"

	methodInstruments = "instruments"

	rollbackTimeout = 2 * time.Second
)

// instrumentQuery is the request payload for an instrument refresh.
type instrumentQuery struct {
	Venue     string `json:"venue"`
	RequestID string `json:"request_id"`
}

type dialStep struct {
	name       string
	dial       func(context.Context) error
	disconnect func(context.Context) error
}

// Client streams ticks and bars from one venue and keeps an instrument
// cache fed by refresh requests and service pushes. It owns a req/sub
// socket pair per channel, all dialled against the configured service
// address.
type Client struct {
	venue string
	clk   clock.Clock
	gen   identity.Generator
	log   *slog.Logger

	tickReq *messaging.ReqSocket
	tickSub *messaging.SubSocket
	barReq  *messaging.ReqSocket
	barSub  *messaging.SubSocket
	instReq *messaging.ReqSocket
	instSub *messaging.SubSocket

	connected atomic.Bool
	disposed  atomic.Bool

	mu          sync.RWMutex
	instruments map[string]Instrument
	refreshedAt time.Time
}

// New wires a client for the venue described by cfg. Sockets are built but
// not dialled; Connect performs the dial.
func New(mc *messaging.Context, cfg config.DataClientConfig, clk clock.Clock, gen identity.Generator, log *slog.Logger) (*Client, error) {
	if err := contract.NotNil(mc, "messaging context"); err != nil {
		return nil, err
	}
	if err := contract.ValidString(cfg.Venue, "venue"); err != nil {
		return nil, err
	}
	if err := contract.ValidString(cfg.ServiceAddress, "service_address"); err != nil {
		return nil, err
	}
	if err := contract.NotNil(clk, "clock"); err != nil {
		return nil, err
	}
	if err := contract.NotNil(gen, "id generator"); err != nil {
		return nil, err
	}
	if err := contract.NotNil(log, "logger"); err != nil {
		return nil, err
	}

	c := &Client{
		venue:       cfg.Venue,
		clk:         clk,
		gen:         gen,
		log:         log,
		instruments: make(map[string]Instrument),
	}
	addr := cfg.ServiceAddress
	c.tickReq = messaging.NewReqSocket(mc, "data-tick-req", messaging.Endpoint(addr, cfg.TickReqPort), log)
	c.tickSub = messaging.NewSubSocket(mc, "data-tick-sub", messaging.Endpoint(addr, cfg.TickSubPort), log)
	c.barReq = messaging.NewReqSocket(mc, "data-bar-req", messaging.Endpoint(addr, cfg.BarReqPort), log)
	c.barSub = messaging.NewSubSocket(mc, "data-bar-sub", messaging.Endpoint(addr, cfg.BarSubPort), log)
	c.instReq = messaging.NewReqSocket(mc, "data-inst-req", messaging.Endpoint(addr, cfg.InstReqPort), log)
	c.instSub = messaging.NewSubSocket(mc, "data-inst-sub", messaging.Endpoint(addr, cfg.InstSubPort), log)

	// Instrument pushes from the service merge into the cache as they
	// arrive, so the registration happens up front and replays on connect.
	if err := c.instSub.Subscribe(instrumentTopic(c.venue), c.applyInstrumentPush); err != nil {
		return nil, err
	}
	return c, nil
}

// Venue returns the venue this client serves.
func (c *Client) Venue() string { return c.venue }

// Connected reports whether Connect has completed without a later
// Disconnect or Dispose.
func (c *Client) Connected() bool { return c.connected.Load() }

// Connect dials all six sockets in channel order, one blocking attempt
// each. A failed dial releases the sockets already connected and the error
// propagates to the caller.
func (c *Client) Connect(ctx context.Context) error {
	if c.disposed.Load() {
		return errs.New(component, errs.CodeState, errs.WithMessage("client disposed"))
	}
	if !c.connected.CompareAndSwap(false, true) {
		return errs.New(component, errs.CodeState, errs.WithMessage("already connected"),
			errs.WithField("venue", c.venue))
	}

	steps := []dialStep{
		{"tick request", c.tickReq.Connect, c.tickReq.Disconnect},
		{"tick stream", c.tickSub.Connect, c.tickSub.Disconnect},
		{"bar request", c.barReq.Connect, c.barReq.Disconnect},
		{"bar stream", c.barSub.Connect, c.barSub.Disconnect},
		{"instrument request", c.instReq.Connect, c.instReq.Disconnect},
		{"instrument stream", c.instSub.Connect, c.instSub.Disconnect},
	}
	for i, step := range steps {
		if err := step.dial(ctx); err != nil {
			c.rollback(steps[:i])
			c.connected.Store(false)
			return errs.New(component, errs.CodeConnection,
				errs.WithMessage("connect "+step.name+" socket"),
				errs.WithField("venue", c.venue),
				errs.WithCause(err))
		}
	}
	c.log.Info("market data client connected", "venue", c.venue)
	return nil
}

func (c *Client) rollback(dialled []dialStep) {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()
	for i := len(dialled) - 1; i >= 0; i-- {
		if err := dialled[i].disconnect(ctx); err != nil {
			c.log.Warn("rollback disconnect failed",
				"venue", c.venue, "socket", dialled[i].name, "error", err)
		}
	}
}

// Disconnect closes every socket session. Stream subscriptions do not
// survive a disconnect; the client is done serving data afterwards.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.disposed.Load() {
		return errs.New(component, errs.CodeState, errs.WithMessage("client disposed"))
	}
	if !c.connected.CompareAndSwap(true, false) {
		return errs.New(component, errs.CodeState, errs.WithMessage("not connected"),
			errs.WithField("venue", c.venue))
	}
	err := errors.Join(
		c.tickReq.Disconnect(ctx),
		c.tickSub.Disconnect(ctx),
		c.barReq.Disconnect(ctx),
		c.barSub.Disconnect(ctx),
		c.instReq.Disconnect(ctx),
		c.instSub.Disconnect(ctx),
	)
	if err != nil {
		return errs.New(component, errs.CodeConnection,
			errs.WithMessage("disconnect market data sockets"),
			errs.WithField("venue", c.venue),
			errs.WithCause(err))
	}
	c.log.Info("market data client disconnected", "venue", c.venue)
	return nil
}

// Dispose closes the sockets for good. Safe to call more than once and
// regardless of connection state.
func (c *Client) Dispose() error {
	if !c.disposed.CompareAndSwap(false, true) {
		return nil
	}
	c.connected.Store(false)
	err := errors.Join(
		c.tickReq.Close(),
		c.tickSub.Close(),
		c.barReq.Close(),
		c.barSub.Close(),
		c.instReq.Close(),
		c.instSub.Close(),
	)
	if err != nil {
		return errs.New(component, errs.CodeConnection,
			errs.WithMessage("close market data sockets"),
			errs.WithField("venue", c.venue),
			errs.WithCause(err))
	}
	c.log.Info("market data client disposed", "venue", c.venue)
	return nil
}

// RefreshInstruments asks the service for the venue's instrument list and
// replaces the cache with the response. Requires a connected client.
func (c *Client) RefreshInstruments(ctx context.Context) error {
	if err := c.requireConnected("refresh instruments"); err != nil {
		return err
	}
	requestID := c.gen.NewID()
	payload, err := c.instReq.Request(ctx, methodInstruments, instrumentQuery{
		Venue:     c.venue,
		RequestID: requestID,
	})
	if err != nil {
		return err
	}

	var instruments []Instrument
	if err := json.Unmarshal(payload, &instruments); err != nil {
		return errs.New(component, errs.CodeInvalid,
			errs.WithMessage("decode instrument list"),
			errs.WithField("venue", c.venue),
			errs.WithCause(err))
	}

	next := make(map[string]Instrument, len(instruments))
	for _, inst := range instruments {
		if inst.Symbol == "" {
			continue
		}
		if inst.Venue == "" {
			inst.Venue = c.venue
		}
		next[inst.Symbol] = inst
	}
	c.mu.Lock()
	c.instruments = next
	c.refreshedAt = c.clk.Now()
	c.mu.Unlock()

	c.log.Info("instrument cache refreshed",
		"venue", c.venue, "count", len(next), "request_id", requestID)
	return nil
}

func (c *Client) applyInstrumentPush(topic string, payload json.RawMessage) {
	var inst Instrument
	if err := json.Unmarshal(payload, &inst); err != nil {
		c.log.Warn("drop malformed instrument push", "topic", topic, "error", err)
		return
	}
	if inst.Symbol == "" {
		return
	}
	if inst.Venue == "" {
		inst.Venue = c.venue
	}
	c.mu.Lock()
	c.instruments[inst.Symbol] = inst
	c.mu.Unlock()
}

// SubscribeTicks registers handler for the symbol's tick topic. May be
// called before Connect; the subscription is replayed when the stream
// socket dials.
func (c *Client) SubscribeTicks(symbol string, handler TickHandler) error {
	if err := contract.ValidString(symbol, "symbol"); err != nil {
		return err
	}
	if err := contract.NotNil(handler, "tick handler"); err != nil {
		return err
	}
	if c.disposed.Load() {
		return errs.New(component, errs.CodeState, errs.WithMessage("client disposed"))
	}
	return c.tickSub.Subscribe(tickTopic(symbol), func(topic string, payload json.RawMessage) {
		var tick Tick
		if err := json.Unmarshal(payload, &tick); err != nil {
			c.log.Warn("drop malformed tick", "topic", topic, "error", err)
			return
		}
		if tick.Symbol == "" {
			tick.Symbol = symbol
		}
		handler(tick)
	})
}

// SubscribeBars registers handler for the symbol's bar topic. May be
// called before Connect.
func (c *Client) SubscribeBars(symbol string, handler BarHandler) error {
	if err := contract.ValidString(symbol, "symbol"); err != nil {
		return err
	}
	if err := contract.NotNil(handler, "bar handler"); err != nil {
		return err
	}
	if c.disposed.Load() {
		return errs.New(component, errs.CodeState, errs.WithMessage("client disposed"))
	}
	return c.barSub.Subscribe(barTopic(symbol), func(topic string, payload json.RawMessage) {
		var bar Bar
		if err := json.Unmarshal(payload, &bar); err != nil {
			c.log.Warn("drop malformed bar", "topic", topic, "error", err)
			return
		}
		if bar.Symbol == "" {
			bar.Symbol = symbol
		}
		handler(bar)
	})
}

// Instrument returns the cached definition for symbol.
func (c *Client) Instrument(symbol string) (Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.instruments[symbol]
	return inst, ok
}

// Instruments lists the cached instruments sorted by symbol.
func (c *Client) Instruments() []Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Instrument, 0, len(c.instruments))
	for _, inst := range c.instruments {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// InstrumentsRefreshedAt reports when the cache was last replaced by a
// refresh. Zero until the first refresh completes.
func (c *Client) InstrumentsRefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

func (c *Client) requireConnected(op string) error {
	if c.disposed.Load() {
		return errs.New(component, errs.CodeState, errs.WithMessage("client disposed"))
	}
	if !c.connected.Load() {
		return errs.New(component, errs.CodeState,
			errs.WithMessage(op+" requires a connected client"),
			errs.WithField("venue", c.venue))
	}
	return nil
}
