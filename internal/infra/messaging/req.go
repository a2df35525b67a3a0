package messaging

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/flotilla-trading/flotilla/errs"
)

const (
	defaultReadLimit    = 2 * 1024 * 1024
	defaultWriteTimeout = 5 * time.Second
)

type reqResult struct {
	env Envelope
	err error
}

type reqSession struct {
	conn *websocket.Conn
	done chan struct{}
}

// ReqSocket is a request/reply channel to one platform service endpoint.
// Connect performs a single blocking dial; requests are correlated to
// responses by envelope id. A dead socket surfaces on the next Request.
type ReqSocket struct {
	name string
	url  string
	mc   *Context
	log  *slog.Logger

	mu      sync.Mutex
	session *reqSession

	pendingMu sync.Mutex
	pending   map[uint64]chan reqResult

	msgID  atomic.Uint64
	wg     conc.WaitGroup
	closed atomic.Bool
}

// NewReqSocket builds a request socket named for diagnostics, dialing url
// through the shared transport context.
func NewReqSocket(mc *Context, name, url string, log *slog.Logger) *ReqSocket {
	return &ReqSocket{
		name:    name,
		url:     url,
		mc:      mc,
		log:     log,
		pending: make(map[uint64]chan reqResult),
	}
}

// Connect dials the endpoint once. No retry is attempted; a failure
// propagates to the caller.
func (s *ReqSocket) Connect(ctx context.Context) error {
	if s.closed.Load() || s.mc.Closed() {
		return errs.New(s.name, errs.CodeState, errs.WithMessage("socket closed"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return errs.New(s.name, errs.CodeState, errs.WithMessage("socket already connected"))
	}

	conn, _, err := websocket.Dial(ctx, s.url, s.mc.dialOptions())
	if err != nil {
		return errs.New(s.name, errs.CodeConnection,
			errs.WithMessage("dial request endpoint"),
			errs.WithField("url", s.url),
			errs.WithCause(err))
	}
	conn.SetReadLimit(defaultReadLimit)

	session := &reqSession{conn: conn, done: make(chan struct{})}
	s.session = session
	s.wg.Go(func() { s.readLoop(session) })

	s.log.Debug("request socket connected", "socket", s.name, "url", s.url)
	return nil
}

func (s *ReqSocket) readLoop(session *reqSession) {
	defer close(session.done)
	for {
		_, data, err := session.conn.Read(s.mc.root)
		if err != nil {
			s.failPending(err)
			if isExpectedCloseError(err) {
				s.log.Debug("request socket read loop ended", "socket", s.name)
			} else {
				s.log.Warn("request socket read failed", "socket", s.name, "error", err)
			}
			return
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			s.log.Warn("request socket received malformed frame", "socket", s.name, "error", err)
			continue
		}
		s.deliver(env)
	}
}

func (s *ReqSocket) deliver(env Envelope) {
	s.pendingMu.Lock()
	ch, ok := s.pending[env.ID]
	if ok {
		delete(s.pending, env.ID)
	}
	s.pendingMu.Unlock()
	if !ok {
		s.log.Debug("request socket dropped uncorrelated frame", "socket", s.name, "id", env.ID)
		return
	}
	ch <- reqResult{env: env}
}

func (s *ReqSocket) failPending(cause error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- reqResult{err: cause}
	}
}

// Request sends one method call and blocks until the correlated response,
// the caller's context, or the transport context ends.
func (s *ReqSocket) Request(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return nil, errs.New(s.name, errs.CodeUnavailable, errs.WithMessage("socket not connected"))
	}

	env := Envelope{ID: s.msgID.Add(1), Method: method}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errs.New(s.name, errs.CodeInvalid,
				errs.WithMessage("encode request payload"), errs.WithCause(err))
		}
		env.Payload = raw
	}
	data, err := encodeEnvelope(env)
	if err != nil {
		return nil, errs.New(s.name, errs.CodeInvalid,
			errs.WithMessage("encode request envelope"), errs.WithCause(err))
	}

	ch := make(chan reqResult, 1)
	s.pendingMu.Lock()
	s.pending[env.ID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, env.ID)
		s.pendingMu.Unlock()
	}()

	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	err = session.conn.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		return nil, errs.New(s.name, errs.CodeConnection,
			errs.WithMessage("write request"),
			errs.WithField("method", method),
			errs.WithCause(err))
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, errs.New(s.name, errs.CodeConnection,
				errs.WithMessage("connection lost awaiting response"),
				errs.WithField("method", method),
				errs.WithCause(res.err))
		}
		if res.env.Error != "" {
			return nil, errs.New(s.name, errs.CodeInvalid,
				errs.WithMessage(res.env.Error),
				errs.WithField("method", method))
		}
		return res.env.Payload, nil
	case <-ctx.Done():
		return nil, errs.New(s.name, errs.CodeUnavailable,
			errs.WithMessage("request abandoned"),
			errs.WithField("method", method),
			errs.WithCause(ctx.Err()))
	case <-s.mc.root.Done():
		return nil, errs.New(s.name, errs.CodeState,
			errs.WithMessage("transport context closed"),
			errs.WithCause(s.mc.root.Err()))
	}
}

// Disconnect closes the connection and waits for the read loop to settle.
// The socket may be connected again afterwards.
func (s *ReqSocket) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	session := s.session
	s.session = nil
	s.mu.Unlock()
	if session == nil {
		return nil
	}

	_ = session.conn.Close(websocket.StatusNormalClosure, "disconnect")
	select {
	case <-session.done:
	case <-ctx.Done():
		return errs.New(s.name, errs.CodeConnection,
			errs.WithMessage("disconnect interrupted"), errs.WithCause(ctx.Err()))
	}
	s.log.Debug("request socket disconnected", "socket", s.name)
	return nil
}

// Close releases the socket permanently. Pending requests fail; further use
// is rejected.
func (s *ReqSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	_ = s.Disconnect(closeCtx)
	s.failPending(errors.New("socket closed"))
	s.wg.Wait()
	return nil
}

func isExpectedCloseError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.CloseStatus(err) == websocket.StatusNormalClosure
}
