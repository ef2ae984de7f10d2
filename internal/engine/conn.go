package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pauleveritt/punie-sub003/internal/jsonrpc"
	"github.com/pauleveritt/punie-sub003/internal/logctx"
	"github.com/pauleveritt/punie-sub003/internal/outbound"
	"github.com/pauleveritt/punie-sub003/internal/registry"
)

// FrameSender is the outbound half of a transport: it writes one frame,
// serialized against concurrent senders.
type FrameSender interface {
	WriteFrame(v any) error
}

// Connection states. Transitions are strictly forward; Closed is terminal.
const (
	stateConnecting int32 = iota
	stateActive
	stateClosing
	stateClosed
)

// Conn is the engine-side handle for one physical transport attachment. It
// owns the pending-request table for host-initiated requests and the
// outbound send path, which tolerates a dead peer.
type Conn struct {
	e   *Engine
	log *slog.Logger

	sender    FrameSender
	d         *outbound.Dispatcher
	clientID  registry.ClientID
	transport string
	remote    string

	state  atomic.Int32
	closed chan struct{}

	// inflight tracks inbound requests with a handler still running so a
	// teardown can cancel them.
	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc
}

// ClientID returns the id registered for this connection, or
// registry.LegacyClient for the distinguished stdio connection.
func (c *Conn) ClientID() registry.ClientID { return c.clientID }

// Legacy reports whether this is the distinguished stdio connection.
func (c *Conn) Legacy() bool { return c.clientID == registry.LegacyClient }

// connTransport adapts the connection's sender to the dispatcher contract.
type connTransport struct{ c *Conn }

func (t connTransport) SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error {
	return t.c.sender.WriteFrame(req)
}

// Call sends a host-initiated request to the peer and awaits the correlated
// response, bounded by timeout.
func (c *Conn) Call(ctx context.Context, method string, params any, timeout time.Duration) (*jsonrpc.Response, error) {
	if c.state.Load() != stateActive {
		return nil, outbound.ErrConnectionClosed
	}
	return c.d.Call(ctx, method, params, timeout)
}

// Notify sends a notification frame. Send failures against a peer that
// vanished mid-stream are logged at debug level, never propagated: a
// disappearing client must not crash the server.
func (c *Conn) Notify(method string, params any) {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		c.log.Error("failed to build notification", slog.String("method", method), slog.String("err", err.Error()))
		return
	}
	if err := c.sender.WriteFrame(n); err != nil {
		c.log.Debug("notification dropped, peer gone",
			slog.String("method", method), slog.String("err", err.Error()))
	}
}

// sendResponse writes a response frame, degrading a dead-peer failure to a
// debug log.
func (c *Conn) sendResponse(resp *jsonrpc.Response) {
	if err := c.sender.WriteFrame(resp); err != nil {
		c.log.Debug("response dropped, peer gone", slog.String("err", err.Error()))
	}
}

// HandleFrame processes one inbound frame. Malformed frames are logged and
// skipped; the connection keeps reading.
func (c *Conn) HandleFrame(ctx context.Context, raw []byte) {
	if c.state.Load() != stateActive {
		return
	}

	var msg jsonrpc.AnyMessage
	if err := msg.UnmarshalJSON(raw); err != nil {
		c.log.Warn("dropping malformed frame", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		ClientID:   string(c.clientID),
		Transport:  c.transport,
		RemoteAddr: c.remote,
	})
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	switch msg.Type() {
	case "response":
		c.d.OnResponse(msg.AsResponse())
	case "notification":
		c.e.handleNotification(ctx, c, msg.AsRequest())
	case "request":
		req := msg.AsRequest()
		// Handlers start in frame-read order but run concurrently, so a slow
		// prompt cannot starve control-plane traffic. Responses may complete
		// out of order; correlation is by id.
		hctx, cancel := context.WithCancel(ctx)
		key := req.ID.String()
		c.trackInflight(key, cancel)
		go func() {
			defer c.untrackInflight(key)
			resp := c.e.dispatch(hctx, c, req)
			if resp != nil {
				c.sendResponse(resp)
			}
		}()
	}
}

func (c *Conn) trackInflight(key string, cancel context.CancelFunc) {
	c.inflightMu.Lock()
	c.inflight[key] = cancel
	c.inflightMu.Unlock()
}

func (c *Conn) untrackInflight(key string) {
	c.inflightMu.Lock()
	cancel, ok := c.inflight[key]
	delete(c.inflight, key)
	c.inflightMu.Unlock()
	if ok {
		cancel()
	}
}

// Close tears the connection down exactly once: abort every pending outbound
// request, cancel in-flight inbound handlers, then unregister the client,
// which removes its sessions from both registry maps atomically. Subsequent
// calls are no-ops. Each step proceeds regardless of the previous one so a
// partial failure cannot strand waiters or leak sessions.
func (c *Conn) Close(reason error) {
	if !c.transitionToClosing() {
		return
	}

	if reason == nil {
		reason = outbound.ErrConnectionClosed
	}
	c.d.Close(reason)

	c.inflightMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.inflight))
	for _, cancel := range c.inflight {
		cancels = append(cancels, cancel)
	}
	c.inflight = make(map[string]context.CancelFunc)
	c.inflightMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	var removed []string
	if c.clientID != registry.LegacyClient {
		removed = c.e.reg.UnregisterClient(c.clientID)
	}
	c.e.detach(c)

	c.state.Store(stateClosed)
	close(c.closed)
	c.log.Debug("connection closed",
		slog.String("client_id", string(c.clientID)),
		slog.Int("sessions_removed", len(removed)),
		slog.String("reason", reason.Error()))
}

func (c *Conn) transitionToClosing() bool {
	for {
		s := c.state.Load()
		if s == stateClosing || s == stateClosed {
			return false
		}
		if c.state.CompareAndSwap(s, stateClosing) {
			return true
		}
	}
}

// Done is closed once the connection reaches the Closed state.
func (c *Conn) Done() <-chan struct{} { return c.closed }
