package js

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

var (
	errFunctionMissing = errors.New("function missing")
	errInstanceClosed  = errors.New("instance closed")
)

type vmResult struct {
	value goja.Value
	err   error
}

// instance is one strategy's isolated VM. Every script execution funnels
// through a single goroutine, so handlers never race each other or the
// lifecycle calls.
type instance struct {
	rt    *goja.Runtime
	queue chan func(*goja.Runtime)
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// newInstance builds a fresh runtime, runs the compiled script in it, and
// starts the execution goroutine.
func newInstance(program *goja.Program, log *slog.Logger) (*instance, error) {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := rt.Set("console", buildConsole(rt, log)); err != nil {
		return nil, fmt.Errorf("init console: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("run script: %w", err)
	}

	inst := &instance{
		rt:    rt,
		queue: make(chan func(*goja.Runtime)),
		done:  make(chan struct{}),
	}
	go inst.loop()
	return inst, nil
}

func (i *instance) loop() {
	defer close(i.done)
	for cb := range i.queue {
		cb(i.rt)
	}
}

// execute runs fn on the VM goroutine and waits for its result.
func (i *instance) execute(fn func(rt *goja.Runtime) (goja.Value, error)) (goja.Value, error) {
	wait := make(chan vmResult, 1)

	i.mu.RLock()
	if i.closed {
		i.mu.RUnlock()
		return nil, errInstanceClosed
	}
	i.queue <- func(rt *goja.Runtime) {
		value, err := fn(rt)
		wait <- vmResult{value: value, err: err}
	}
	i.mu.RUnlock()

	out := <-wait
	return out.value, out.err
}

// callGlobal invokes a top-level function binding.
func (i *instance) callGlobal(name string, args ...any) (goja.Value, error) {
	return i.execute(func(rt *goja.Runtime) (goja.Value, error) {
		return call(rt, rt.GlobalObject(), goja.Undefined(), name, args)
	})
}

// callMethod invokes a method on the handler object. A missing or null
// property reports errFunctionMissing so callers can skip it.
func (i *instance) callMethod(target *goja.Object, name string, args ...any) (goja.Value, error) {
	return i.execute(func(rt *goja.Runtime) (goja.Value, error) {
		return call(rt, target, target, name, args)
	})
}

func call(rt *goja.Runtime, source *goja.Object, this goja.Value, name string, args []any) (goja.Value, error) {
	value := source.Get(name)
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, errFunctionMissing
	}
	callable, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("property %q not callable", name)
	}
	params := make([]goja.Value, len(args))
	for idx, arg := range args {
		params[idx] = rt.ToValue(arg)
	}
	return callable(this, params...)
}

// close stops the execution goroutine. Jobs submitted afterwards report
// errInstanceClosed.
func (i *instance) close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	close(i.queue)
	i.mu.Unlock()
	<-i.done
}

func buildConsole(rt *goja.Runtime, log *slog.Logger) *goja.Object {
	console := rt.NewObject()
	emit := func(level slog.Level) func(args ...any) {
		return func(args ...any) {
			if msg := stringify(args...); msg != "" {
				log.Log(context.Background(), level, msg)
			}
		}
	}
	_ = console.Set("log", emit(slog.LevelInfo))
	_ = console.Set("info", emit(slog.LevelInfo))
	_ = console.Set("warn", emit(slog.LevelWarn))
	_ = console.Set("error", emit(slog.LevelError))
	return console
}

func stringify(args ...any) string {
	if len(args) == 0 {
		return ""
	}
	var b strings.Builder
	for i, arg := range args {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(fmt.Sprint(arg))
	}
	return b.String()
}
