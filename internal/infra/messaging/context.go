// Package messaging provides the shared transport context and the request
// and subscription sockets the node's network clients multiplex through it.
package messaging

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"
)

// Context is the single process-wide transport resource. Both network
// clients dial through its shared HTTP client, and its root context bounds
// every background socket goroutine. The node constructs exactly one Context,
// injects it by reference into both clients, and closes it during disposal;
// sockets never close it themselves.
type Context struct {
	httpClient *http.Client
	root       context.Context
	cancel     context.CancelFunc
	closed     atomic.Bool
}

// NewContext constructs the shared transport context.
func NewContext() *Context {
	root, cancel := context.WithCancel(context.Background())
	return &Context{
		// No global timeout: the client carries long-lived streaming
		// connections whose lifetime is bounded by the root context.
		httpClient: &http.Client{},
		root:       root,
		cancel:     cancel,
	}
}

// Closed reports whether Close has been called.
func (c *Context) Closed() bool { return c.closed.Load() }

// Close cancels every socket goroutine bound to the context and releases
// pooled transport connections. Closing twice is a no-op.
func (c *Context) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Context) dialOptions() *websocket.DialOptions {
	return &websocket.DialOptions{HTTPClient: c.httpClient}
}

// Endpoint composes the websocket URL for a service address and port.
func Endpoint(address string, port int) string {
	return fmt.Sprintf("ws://%s:%d", address, port)
}
