// Package execution connects the node to the execution service: a command
// channel for order flow and a subscription stream carrying account events.
package execution

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/flotilla-trading/flotilla/errs"
	"github.com/flotilla-trading/flotilla/internal/contract"
	"github.com/flotilla-trading/flotilla/internal/domain/account"
	"github.com/flotilla-trading/flotilla/internal/domain/clock"
	"github.com/flotilla-trading/flotilla/internal/domain/event"
	"github.com/flotilla-trading/flotilla/internal/domain/identity"
	"github.com/flotilla-trading/flotilla/internal/domain/portfolio"
	"github.com/flotilla-trading/flotilla/internal/infra/config"
	"github.com/flotilla-trading/flotilla/internal/infra/messaging"
	"github.com/flotilla-trading/flotilla/internal/infra/telemetry"
)

const (
	component = "execution"

	methodSubmitOrder = "submit_order"
	methodCancelOrder = "cancel_order"

	defaultOrderRate = 8
	appendTimeout    = 5 * time.Second
)

// EventSink persists every event routed off the stream.
type EventSink interface {
	Append(ctx context.Context, evt event.Event) error
}

// Client sends order commands and replicates account state from the
// execution event stream into the account and portfolio.
type Client struct {
	serviceName string
	eventsTopic string
	acct        *account.Account
	pf          *portfolio.Portfolio
	clk         clock.Clock
	gen         identity.Generator
	sink        EventSink
	log         *slog.Logger
	metrics     *telemetry.NodeMetrics

	commands *messaging.ReqSocket
	events   *messaging.SubSocket
	limiter  *rate.Limiter

	connected atomic.Bool
	disposed  atomic.Bool
}

// Option adjusts optional client collaborators.
type Option func(*Client)

// WithMetrics attaches order flow instrumentation.
func WithMetrics(m *telemetry.NodeMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New wires a client for the execution service described by cfg. The event
// stream handler is registered up front and replays when Connect dials.
func New(mc *messaging.Context, cfg config.ExecClientConfig, acct *account.Account, pf *portfolio.Portfolio, clk clock.Clock, gen identity.Generator, sink EventSink, log *slog.Logger, opts ...Option) (*Client, error) {
	if err := contract.NotNil(mc, "messaging context"); err != nil {
		return nil, err
	}
	if err := contract.ValidString(cfg.ServiceAddress, "service_address"); err != nil {
		return nil, err
	}
	if err := contract.ValidString(cfg.EventsTopic, "events_topic"); err != nil {
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
	if err := contract.NotNil(gen, "id generator"); err != nil {
		return nil, err
	}
	if err := contract.NotNil(sink, "event sink"); err != nil {
		return nil, err
	}
	if err := contract.NotNil(log, "logger"); err != nil {
		return nil, err
	}

	perSec := cfg.OrderRatePerSec
	if perSec <= 0 {
		perSec = defaultOrderRate
	}

	c := &Client{
		serviceName: cfg.ServiceName,
		eventsTopic: cfg.EventsTopic,
		acct:        acct,
		pf:          pf,
		clk:         clk,
		gen:         gen,
		sink:        sink,
		log:         log,
		commands:    messaging.NewReqSocket(mc, "exec-commands", messaging.Endpoint(cfg.ServiceAddress, cfg.CommandsPort), log),
		events:      messaging.NewSubSocket(mc, "exec-events", messaging.Endpoint(cfg.ServiceAddress, cfg.EventsPort), log),
		limiter:     rate.NewLimiter(rate.Limit(perSec), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.events.Subscribe(c.eventsTopic, c.routeEvent); err != nil {
		return nil, err
	}
	return c, nil
}

// Connected reports whether Connect has completed without a later
// Disconnect or Dispose.
func (c *Client) Connected() bool { return c.connected.Load() }

// Connect dials the command socket and then the event stream, one blocking
// attempt each.
func (c *Client) Connect(ctx context.Context) error {
	if c.disposed.Load() {
		return errs.New(component, errs.CodeState, errs.WithMessage("client disposed"))
	}
	if !c.connected.CompareAndSwap(false, true) {
		return errs.New(component, errs.CodeState, errs.WithMessage("already connected"))
	}

	if err := c.commands.Connect(ctx); err != nil {
		c.connected.Store(false)
		return errs.New(component, errs.CodeConnection,
			errs.WithMessage("connect command socket"),
			errs.WithCause(err))
	}
	if err := c.events.Connect(ctx); err != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		if derr := c.commands.Disconnect(releaseCtx); derr != nil {
			c.log.Warn("release command socket after failed stream dial", "error", derr)
		}
		cancel()
		c.connected.Store(false)
		return errs.New(component, errs.CodeConnection,
			errs.WithMessage("connect event stream"),
			errs.WithCause(err))
	}
	c.log.Info("execution client connected", "service", c.serviceName, "topic", c.eventsTopic)
	return nil
}

// Disconnect closes both socket sessions. The event stream does not
// survive a disconnect.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.disposed.Load() {
		return errs.New(component, errs.CodeState, errs.WithMessage("client disposed"))
	}
	if !c.connected.CompareAndSwap(true, false) {
		return errs.New(component, errs.CodeState, errs.WithMessage("not connected"))
	}
	err := errors.Join(
		c.commands.Disconnect(ctx),
		c.events.Disconnect(ctx),
	)
	if err != nil {
		return errs.New(component, errs.CodeConnection,
			errs.WithMessage("disconnect execution sockets"),
			errs.WithCause(err))
	}
	c.log.Info("execution client disconnected", "service", c.serviceName)
	return nil
}

// Dispose closes the sockets for good. Safe to call more than once and
// regardless of connection state.
func (c *Client) Dispose() error {
	if !c.disposed.CompareAndSwap(false, true) {
		return nil
	}
	c.connected.Store(false)
	err := errors.Join(c.commands.Close(), c.events.Close())
	if err != nil {
		return errs.New(component, errs.CodeConnection,
			errs.WithMessage("close execution sockets"),
			errs.WithCause(err))
	}
	c.log.Info("execution client disposed", "service", c.serviceName)
	return nil
}

// SubmitOrder assigns an order id, waits for throttle headroom, and sends
// the command. The assigned id is returned alongside any failure so the
// caller can correlate later events.
func (c *Client) SubmitOrder(ctx context.Context, order Order) (string, error) {
	if err := c.requireConnected("submit order"); err != nil {
		return "", err
	}
	if err := order.Validate(); err != nil {
		return "", err
	}
	order.ID = "O-" + c.gen.NewID()
	order.SubmittedAt = c.clk.Now()

	if err := c.limiter.Wait(ctx); err != nil {
		return order.ID, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("order throttle interrupted"),
			errs.WithField("order_id", order.ID),
			errs.WithCause(err))
	}

	started := time.Now()
	if _, err := c.commands.Request(ctx, methodSubmitOrder, order); err != nil {
		return order.ID, err
	}
	c.metrics.RecordOrderSubmitted(ctx, c.serviceName, order.Symbol, string(order.Side), time.Since(started))
	c.log.Info("order submitted",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"side", string(order.Side),
		"quantity", order.Quantity.String())
	return order.ID, nil
}

// CancelOrder asks the service to cancel the order with the given id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.requireConnected("cancel order"); err != nil {
		return err
	}
	if err := contract.ValidString(orderID, "order_id"); err != nil {
		return err
	}
	if _, err := c.commands.Request(ctx, methodCancelOrder, map[string]string{"order_id": orderID}); err != nil {
		return err
	}
	c.log.Info("order cancel requested", "order_id", orderID)
	return nil
}

// routeEvent runs on the stream goroutine: decode, apply to local state,
// persist. A sink failure is logged and the stream keeps going.
func (c *Client) routeEvent(topic string, payload json.RawMessage) {
	var evt event.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		c.log.Warn("drop malformed execution event", "topic", topic, "error", err)
		return
	}
	if err := evt.Validate(); err != nil {
		c.log.Warn("drop invalid execution event", "topic", topic, "error", err)
		return
	}

	c.apply(evt)

	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	if err := c.sink.Append(ctx, evt); err != nil {
		c.log.Error("persist execution event",
			"event_id", evt.ID, "type", string(evt.Type), "error", err)
	}
}

func (c *Client) apply(evt event.Event) {
	switch evt.Type {
	case event.TypeAccountState:
		var state event.AccountState
		if err := evt.DecodePayload(&state); err != nil {
			c.log.Warn("decode account state", "event_id", evt.ID, "error", err)
			return
		}
		if err := c.acct.ApplyState(state); err != nil {
			c.log.Warn("apply account state", "event_id", evt.ID, "error", err)
		}
	case event.TypeOrderFill:
		var fill event.OrderFill
		if err := evt.DecodePayload(&fill); err != nil {
			c.log.Warn("decode order fill", "event_id", evt.ID, "error", err)
			return
		}
		if err := c.pf.ApplyFill(fill); err != nil {
			c.log.Warn("apply order fill", "event_id", evt.ID, "error", err)
		}
	default:
		// Other event types are persisted without touching local state.
	}
}

func (c *Client) requireConnected(op string) error {
	if c.disposed.Load() {
		return errs.New(component, errs.CodeState, errs.WithMessage("client disposed"))
	}
	if !c.connected.Load() {
		return errs.New(component, errs.CodeState,
			errs.WithMessage(op+" requires a connected client"))
	}
	return nil
}
