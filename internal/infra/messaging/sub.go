package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/flotilla-trading/flotilla/errs"
)

const (
	pingInterval         = 30 * time.Second
	pingTimeout          = 5 * time.Second
	maxReconnectInterval = 30 * time.Second
)

// Handler consumes one inbound frame for a subscribed topic.
type Handler func(topic string, payload json.RawMessage)

// SubSocket is a subscription stream from one platform service endpoint.
// Connect performs a single blocking dial; after the first session is
// established, the socket redials in the background with exponential backoff
// and replays its subscriptions. Disconnect stops the stream permanently.
type SubSocket struct {
	name string
	url  string
	mc   *Context
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.RWMutex
	conn   *websocket.Conn

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	msgID   atomic.Uint64
	wg      conc.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// NewSubSocket builds a subscription socket named for diagnostics, dialing
// url through the shared transport context.
func NewSubSocket(mc *Context, name, url string, log *slog.Logger) *SubSocket {
	ctx, cancel := context.WithCancel(mc.root)
	return &SubSocket{
		name:     name,
		url:      url,
		mc:       mc,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string][]Handler),
	}
}

// Connect dials the endpoint once, replays any subscriptions registered
// before connecting, and starts the background session loop. No retry is
// attempted on the initial dial; a failure propagates to the caller.
func (s *SubSocket) Connect(ctx context.Context) error {
	if s.closed.Load() || s.mc.Closed() {
		return errs.New(s.name, errs.CodeState, errs.WithMessage("socket closed"))
	}
	if !s.started.CompareAndSwap(false, true) {
		return errs.New(s.name, errs.CodeState, errs.WithMessage("socket already connected"))
	}

	conn, _, err := websocket.Dial(ctx, s.url, s.mc.dialOptions())
	if err != nil {
		s.started.Store(false)
		return errs.New(s.name, errs.CodeConnection,
			errs.WithMessage("dial subscription endpoint"),
			errs.WithField("url", s.url),
			errs.WithCause(err))
	}
	conn.SetReadLimit(defaultReadLimit)
	s.setConn(conn)

	if err := s.resubscribeAll(); err != nil {
		s.log.Warn("replay subscriptions", "socket", s.name, "error", err)
	}

	s.wg.Go(func() { s.run(conn) })
	s.log.Debug("subscription socket connected", "socket", s.name, "url", s.url)
	return nil
}

// Connected reports whether a session is currently established.
func (s *SubSocket) Connected() bool {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn != nil
}

func (s *SubSocket) setConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *SubSocket) clearConn(conn *websocket.Conn) {
	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()
}

// run keeps one session alive at a time, redialing with backoff after the
// established stream drops.
func (s *SubSocket) run(conn *websocket.Conn) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxReconnectInterval

	for {
		err := s.serve(conn)
		s.clearConn(conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if s.ctx.Err() != nil || s.closed.Load() {
			return
		}
		if err != nil && !isExpectedCloseError(err) {
			s.log.Warn("subscription stream interrupted", "socket", s.name, "error", err)
		}

		next, ok := s.redial(bo)
		if !ok {
			return
		}
		conn = next
	}
}

func (s *SubSocket) redial(bo *backoff.ExponentialBackOff) (*websocket.Conn, bool) {
	for {
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectInterval
		}
		select {
		case <-s.ctx.Done():
			return nil, false
		case <-time.After(sleep):
		}

		conn, _, err := websocket.Dial(s.ctx, s.url, s.mc.dialOptions())
		if err != nil {
			s.log.Warn("subscription redial failed", "socket", s.name, "url", s.url, "error", err)
			continue
		}
		conn.SetReadLimit(defaultReadLimit)
		s.setConn(conn)
		bo.Reset()

		if err := s.resubscribeAll(); err != nil {
			s.log.Warn("resubscribe after reconnect", "socket", s.name, "error", err)
		}
		s.log.Info("subscription stream restored", "socket", s.name)
		return conn, true
	}
}

// serve runs isolated read and ping loops for one connection; the first
// failure tears both down.
func (s *SubSocket) serve(conn *websocket.Conn) error {
	connCtx, connCancel := context.WithCancel(s.ctx)
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		errCh <- s.readLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- s.pingLoop(connCtx, conn)
	}()

	first := <-errCh
	connCancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	wg.Wait()
	close(errCh)

	for e := range errCh {
		if first == nil || isExpectedCloseError(first) {
			first = e
		}
	}
	return first
}

func (s *SubSocket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if isExpectedCloseError(err) {
				return context.Canceled
			}
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			s.log.Warn("subscription socket received malformed frame", "socket", s.name, "error", err)
			continue
		}
		// Control acknowledgements carry an id but no topic.
		if env.ID > 0 && env.Topic == "" {
			if env.Error != "" {
				s.log.Warn("subscription control rejected", "socket", s.name, "id", env.ID, "error", env.Error)
			}
			continue
		}
		s.dispatch(env.Topic, env.Payload)
	}
}

func (s *SubSocket) dispatch(topic string, payload json.RawMessage) {
	s.handlersMu.RLock()
	handlers := make([]Handler, len(s.handlers[topic]))
	copy(handlers, s.handlers[topic])
	s.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(topic, payload)
	}
}

func (s *SubSocket) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if isExpectedCloseError(err) {
					return context.Canceled
				}
				return err
			}
		}
	}
}

// Subscribe registers a handler for topic. When connected the subscription
// is sent immediately; otherwise it is replayed on Connect.
func (s *SubSocket) Subscribe(topic string, handler Handler) error {
	if s.closed.Load() {
		return errs.New(s.name, errs.CodeState, errs.WithMessage("socket closed"))
	}
	if handler == nil {
		return errs.New(s.name, errs.CodeInvalid, errs.WithMessage("subscription handler required"))
	}

	s.handlersMu.Lock()
	_, existing := s.handlers[topic]
	s.handlers[topic] = append(s.handlers[topic], handler)
	s.handlersMu.Unlock()

	if existing || !s.Connected() {
		return nil
	}
	return s.sendControl(methodSubscribe, topic)
}

// Unsubscribe drops every handler for topic and notifies the service when
// connected.
func (s *SubSocket) Unsubscribe(topic string) error {
	s.handlersMu.Lock()
	_, existing := s.handlers[topic]
	delete(s.handlers, topic)
	s.handlersMu.Unlock()

	if !existing || !s.Connected() {
		return nil
	}
	return s.sendControl(methodUnsubscribe, topic)
}

func (s *SubSocket) resubscribeAll() error {
	s.handlersMu.RLock()
	topics := make([]string, 0, len(s.handlers))
	for topic := range s.handlers {
		topics = append(topics, topic)
	}
	s.handlersMu.RUnlock()

	for _, topic := range topics {
		if err := s.sendControl(methodSubscribe, topic); err != nil {
			return err
		}
	}
	return nil
}

func (s *SubSocket) sendControl(method, topic string) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return nil
	}

	data, err := encodeEnvelope(Envelope{ID: s.msgID.Add(1), Method: method, Topic: topic})
	if err != nil {
		return errs.New(s.name, errs.CodeInvalid,
			errs.WithMessage("encode control envelope"), errs.WithCause(err))
	}

	writeCtx, cancel := context.WithTimeout(s.ctx, defaultWriteTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		return errs.New(s.name, errs.CodeConnection,
			errs.WithMessage("write control frame"),
			errs.WithField("method", method),
			errs.WithField("topic", topic),
			errs.WithCause(err))
	}
	return nil
}

// Disconnect stops the session loop and closes the connection. The stream
// cannot be restarted afterwards.
func (s *SubSocket) Disconnect(ctx context.Context) error {
	s.cancel()
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "disconnect")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errs.New(s.name, errs.CodeConnection,
			errs.WithMessage("disconnect interrupted"), errs.WithCause(ctx.Err()))
	}
	s.log.Debug("subscription socket disconnected", "socket", s.name)
	return nil
}

// Close releases the socket permanently. Closing twice is a no-op.
func (s *SubSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	if err := s.Disconnect(closeCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
