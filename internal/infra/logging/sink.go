package logging

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flotilla-trading/flotilla/errs"
)

const (
	sinkQueueSize     = 1024
	sinkAppendTimeout = 2 * time.Second
	sinkDrainTimeout  = 5 * time.Second
)

// sinkWriter forwards rendered records to the sink synchronously. A failed
// append bumps the loss counter and is otherwise dropped; the node never
// stops over its log store.
type sinkWriter struct {
	sink Sink
	lost atomic.Uint64
}

func newSinkWriter(sink Sink) *sinkWriter {
	return &sinkWriter{sink: sink}
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	w.append(copyLine(p))
	return len(p), nil
}

func (w *sinkWriter) append(line []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkAppendTimeout)
	defer cancel()
	if err := w.sink.Append(ctx, line); err != nil {
		w.lost.Add(1)
	}
}

func (w *sinkWriter) Lost() uint64 {
	return w.lost.Load()
}

// sinkWorker decouples sink appends from the logging call site with a
// bounded queue and a single drain goroutine. A full queue drops the record
// rather than blocking the caller.
type sinkWorker struct {
	writer *sinkWriter

	mu     sync.RWMutex
	closed bool
	lines  chan []byte
	done   chan struct{}
}

func newSinkWorker(writer *sinkWriter) *sinkWorker {
	w := &sinkWorker{
		writer: writer,
		lines:  make(chan []byte, sinkQueueSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *sinkWorker) run() {
	defer close(w.done)
	for line := range w.lines {
		w.writer.append(line)
	}
}

func (w *sinkWorker) Write(p []byte) (int, error) {
	line := copyLine(p)
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.writer.lost.Add(1)
		return len(p), nil
	}
	select {
	case w.lines <- line:
	default:
		w.writer.lost.Add(1)
	}
	return len(p), nil
}

// Close stops intake and waits for the queue to drain.
func (w *sinkWorker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.lines)
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-time.After(sinkDrainTimeout):
		return errs.New("logging", errs.CodeUnavailable, errs.WithMessage("log sink drain timed out"))
	}
}

func copyLine(p []byte) []byte {
	line := bytes.TrimRight(p, "\n")
	out := make([]byte, len(line))
	copy(out, line)
	return out
}
