// Package js runs strategies written in JavaScript on embedded goja VMs.
//
// A script must define a top-level function create(env) returning a handler
// object; onStart, onTick, onBar, and onStop are all optional and a missing
// hook is simply skipped. The env argument is the script's gateway to the
// trading kit: log, now, submitOrder, cancelOrder, subscribeTicks,
// subscribeBars.
package js

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"

	"github.com/flotilla-trading/flotilla/internal/app/trader"
	"github.com/flotilla-trading/flotilla/internal/client/execution"
	"github.com/flotilla-trading/flotilla/internal/client/marketdata"
	"github.com/flotilla-trading/flotilla/internal/domain/event"
)

// Strategy adapts a compiled script to the trader's strategy interface.
// Each Start builds a fresh VM; Stop tears it down, so a strategy can be
// cycled with the trader.
type Strategy struct {
	id      string
	path    string
	program *goja.Program

	mu      sync.RWMutex
	inst    *instance
	handler *goja.Object
	log     *slog.Logger
}

// Load reads and compiles the script at path. The strategy id is the file
// name without its extension.
func Load(path string) (*Strategy, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load strategy %q: %w", path, err)
	}
	program, err := goja.Compile(path, string(source), true)
	if err != nil {
		return nil, fmt.Errorf("compile strategy %q: %w", path, err)
	}
	base := filepath.Base(path)
	return &Strategy{
		id:      strings.TrimSuffix(base, filepath.Ext(base)),
		path:    path,
		program: program,
	}, nil
}

// LoadDir loads every .js file directly under dir, sorted by file name.
func LoadDir(dir string) ([]*Strategy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read strategy directory %q: %w", dir, err)
	}
	var out []*Strategy
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".js") {
			continue
		}
		s, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ID returns the strategy identifier.
func (s *Strategy) ID() string { return s.id }

// Path returns the source file the strategy was loaded from.
func (s *Strategy) Path() string { return s.path }

// Start builds the VM, calls create(env), and runs the onStart hook.
func (s *Strategy) Start(_ context.Context, kit *trader.Kit) error {
	s.mu.RLock()
	started := s.inst != nil
	s.mu.RUnlock()
	if started {
		return fmt.Errorf("script strategy %q already started", s.id)
	}

	inst, err := newInstance(s.program, kit.Logger())
	if err != nil {
		return fmt.Errorf("script strategy %q: %w", s.id, err)
	}

	// The env closures dispatch through s, so the instance must be visible
	// before create runs: a script may subscribe inside create itself.
	s.mu.Lock()
	s.inst = inst
	s.log = kit.Logger()
	s.mu.Unlock()

	handler, err := s.createHandler(inst, kit)
	if err != nil {
		s.teardown(inst)
		return fmt.Errorf("script strategy %q: %w", s.id, err)
	}
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()

	if _, err := inst.callMethod(handler, "onStart"); err != nil && !errors.Is(err, errFunctionMissing) {
		s.teardown(inst)
		return fmt.Errorf("script strategy %q: onStart: %w", s.id, err)
	}
	return nil
}

// Stop runs the onStop hook and releases the VM.
func (s *Strategy) Stop(context.Context) error {
	s.mu.Lock()
	inst, handler := s.inst, s.handler
	s.inst, s.handler = nil, nil
	s.mu.Unlock()
	if inst == nil {
		return fmt.Errorf("script strategy %q not started", s.id)
	}

	_, err := inst.callMethod(handler, "onStop")
	inst.close()
	if err != nil && !errors.Is(err, errFunctionMissing) {
		return fmt.Errorf("script strategy %q: onStop: %w", s.id, err)
	}
	return nil
}

func (s *Strategy) createHandler(inst *instance, kit *trader.Kit) (*goja.Object, error) {
	value, err := inst.callGlobal("create", s.env(kit))
	if err != nil {
		if errors.Is(err, errFunctionMissing) {
			return nil, errors.New("script must define create(env)")
		}
		return nil, fmt.Errorf("create: %w", err)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, errors.New("create returned no handler object")
	}

	raw, err := inst.execute(func(rt *goja.Runtime) (goja.Value, error) {
		return value.ToObject(rt), nil
	})
	if err != nil {
		return nil, fmt.Errorf("create result: %w", err)
	}
	handler, ok := raw.(*goja.Object)
	if !ok {
		return nil, errors.New("create must return an object")
	}
	return handler, nil
}

// env builds the script's gateway object. The closures run on socket and
// VM goroutines, so everything they touch is goroutine-safe.
func (s *Strategy) env(kit *trader.Kit) map[string]any {
	return map[string]any{
		"log": func(args ...any) {
			if msg := stringify(args...); msg != "" {
				kit.Logger().Info(msg)
			}
		},
		"now": func() int64 {
			return kit.Now().UnixMilli()
		},
		"submitOrder": func(symbol, side, quantity string, price ...string) (string, error) {
			order, err := buildOrder(symbol, side, quantity, price...)
			if err != nil {
				return "", err
			}
			return kit.SubmitOrder(context.Background(), order)
		},
		"cancelOrder": func(orderID string) error {
			return kit.CancelOrder(context.Background(), orderID)
		},
		"subscribeTicks": func(symbol string) error {
			return kit.SubscribeTicks(symbol, func(tick marketdata.Tick) {
				s.dispatch("onTick", tickValue(tick))
			})
		},
		"subscribeBars": func(symbol string) error {
			return kit.SubscribeBars(symbol, func(bar marketdata.Bar) {
				s.dispatch("onBar", barValue(bar))
			})
		},
	}
}

// dispatch forwards one stream payload to a handler hook. Frames arriving
// while the strategy is stopped are dropped.
func (s *Strategy) dispatch(method string, payload map[string]any) {
	s.mu.RLock()
	inst, handler, log := s.inst, s.handler, s.log
	s.mu.RUnlock()
	if inst == nil || handler == nil {
		return
	}
	if _, err := inst.callMethod(handler, method, payload); err != nil {
		if errors.Is(err, errFunctionMissing) || errors.Is(err, errInstanceClosed) {
			return
		}
		log.Warn("script handler failed", "strategy", s.id, "method", method, "error", err)
	}
}

func (s *Strategy) teardown(inst *instance) {
	s.mu.Lock()
	s.inst, s.handler = nil, nil
	s.mu.Unlock()
	inst.close()
}

func tickValue(t marketdata.Tick) map[string]any {
	return map[string]any{
		"symbol": t.Symbol,
		"bid":    t.Bid.InexactFloat64(),
		"ask":    t.Ask.InexactFloat64(),
		"at":     t.At.UnixMilli(),
	}
}

func barValue(b marketdata.Bar) map[string]any {
	return map[string]any{
		"symbol": b.Symbol,
		"open":   b.Open.InexactFloat64(),
		"high":   b.High.InexactFloat64(),
		"low":    b.Low.InexactFloat64(),
		"close":  b.Close.InexactFloat64(),
		"volume": b.Volume.InexactFloat64(),
		"at":     b.At.UnixMilli(),
	}
}

func buildOrder(symbol, side, quantity string, price ...string) (execution.Order, error) {
	qty, err := decimal.NewFromString(strings.TrimSpace(quantity))
	if err != nil {
		return execution.Order{}, fmt.Errorf("order quantity %q: %w", quantity, err)
	}
	order := execution.Order{Symbol: symbol, Quantity: qty}

	switch strings.ToUpper(strings.TrimSpace(side)) {
	case "BUY":
		order.Side = event.SideBuy
	case "SELL":
		order.Side = event.SideSell
	default:
		return execution.Order{}, fmt.Errorf("order side %q: must be buy or sell", side)
	}

	if len(price) > 0 && strings.TrimSpace(price[0]) != "" {
		px, err := decimal.NewFromString(strings.TrimSpace(price[0]))
		if err != nil {
			return execution.Order{}, fmt.Errorf("order price %q: %w", price[0], err)
		}
		order.Price = px
	}
	return order, nil
}
