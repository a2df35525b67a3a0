// Package logging assembles the node logger from the logging configuration
// section. Records fan out to a console handler, an optional rotating file,
// and an optional persistent sink, each with its own severity threshold.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/flotilla-trading/flotilla/errs"
	"github.com/flotilla-trading/flotilla/internal/domain/clock"
	"github.com/flotilla-trading/flotilla/internal/infra/config"
)

const (
	fileMaxSizeMB  = 64
	fileMaxBackups = 5
	fileMaxAgeDays = 14
)

// Sink receives one rendered record per call for persistent storage.
type Sink interface {
	Append(ctx context.Context, line []byte) error
}

// Log owns the assembled logger together with its file and sink resources.
type Log struct {
	logger *slog.Logger
	file   *lumberjack.Logger
	writer *sinkWriter
	worker *sinkWorker
}

// Option adjusts logger construction.
type Option func(*settings)

type settings struct {
	console io.Writer
}

// WithConsoleWriter redirects console output, primarily for tests.
func WithConsoleWriter(w io.Writer) Option {
	return func(s *settings) {
		if w != nil {
			s.console = w
		}
	}
}

// New builds the fanout logger. The sink may be nil when no persistent log
// store is attached. Record timestamps come from clk so deterministic clocks
// produce deterministic output.
func New(cfg config.LoggingConfig, clk clock.Clock, sink Sink, opts ...Option) (*Log, error) {
	if clk == nil {
		return nil, errs.New("logging", errs.CodeInvalid, errs.WithMessage("clock required"))
	}
	st := settings{console: os.Stderr}
	for _, opt := range opts {
		if opt != nil {
			opt(&st)
		}
	}

	l := &Log{}
	handlers := make([]slog.Handler, 0, 3)
	handlers = append(handlers, slog.NewTextHandler(st.console, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevelConsole),
	}))

	if cfg.LogToFile {
		l.file = &lumberjack.Logger{
			Filename:   cfg.LogFilePath,
			MaxSize:    fileMaxSizeMB,
			MaxBackups: fileMaxBackups,
			MaxAge:     fileMaxAgeDays,
			Compress:   true,
		}
		handlers = append(handlers, slog.NewJSONHandler(l.file, &slog.HandlerOptions{
			Level: parseLevel(cfg.LogLevelFile),
		}))
	}

	if sink != nil {
		l.writer = newSinkWriter(sink)
		var out io.Writer = l.writer
		if cfg.LogThread {
			l.worker = newSinkWorker(l.writer)
			out = l.worker
		}
		handlers = append(handlers, slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level: parseLevel(cfg.LogLevelStore),
		}))
	}

	l.logger = slog.New(&fanout{clk: clk, handlers: handlers})
	return l, nil
}

// Logger returns the assembled slog front-end.
func (l *Log) Logger() *slog.Logger {
	return l.logger
}

// Lost reports how many sink records were dropped or failed to persist.
func (l *Log) Lost() uint64 {
	if l.writer == nil {
		return 0
	}
	return l.writer.Lost()
}

// Close drains the sink worker and releases the rotating file.
func (l *Log) Close() error {
	var errsList []error
	if l.worker != nil {
		if err := l.worker.Close(); err != nil {
			errsList = append(errsList, err)
		}
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			errsList = append(errsList, err)
		}
	}
	return errors.Join(errsList...)
}

// NewNop returns a logger that discards everything.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Header logs the identification block every node prints on startup.
func Header(log *slog.Logger, nodeID, traderID, version string) {
	log.Info("node starting",
		"node_id", nodeID,
		"trader_id", traderID,
		"version", version,
		"go", runtime.Version(),
		"pid", os.Getpid(),
	)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// fanout dispatches each record to every handler whose threshold admits it,
// stamping the record time from the shared clock first.
type fanout struct {
	clk      clock.Clock
	handlers []slog.Handler
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	r.Time = f.clk.Now()
	var errsList []error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errsList = append(errsList, err)
		}
	}
	return errors.Join(errsList...)
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &fanout{clk: f.clk, handlers: next}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return &fanout{clk: f.clk, handlers: next}
}
