// Package outbound correlates host-initiated JSON-RPC requests with their
// responses. Each connection owns one Dispatcher; tearing the connection down
// closes the dispatcher, which fails every outstanding waiter exactly once.
package outbound

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pauleveritt/punie-sub003/internal/jsonrpc"
)

// Transport abstracts how request frames leave the process.
type Transport interface {
	// SendRequest emits the request with its pre-allocated id. The waiter is
	// already registered when this is called, so a response cannot race the
	// registration no matter how fast the peer replies.
	SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error
}

var (
	// ErrDispatcherClosed indicates the dispatcher is closed.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrConnectionClosed indicates the peer went away with the call in flight.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrTimeout indicates the bounded wait elapsed before a response arrived.
	ErrTimeout = errors.New("request timed out")
)

type pendingCall struct {
	respCh chan *jsonrpc.Response
	errCh  chan error
}

// Dispatcher is the pending-request table for one connection. Request ids are
// UUIDs rather than an incrementing counter: a counter can wrap over the life
// of a long-running process and resolve the wrong waiter.
type Dispatcher struct {
	t   Transport
	log *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall // id.String() -> call

	closed   atomic.Bool
	closeErr error
}

// New constructs a Dispatcher using the provided transport.
func New(t Transport, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{t: t, log: log, pending: make(map[string]*pendingCall)}
}

// Call sends a JSON-RPC request and waits for the matching response, bounded
// by timeout and by ctx. The waiter is registered before the frame is sent.
func (d *Dispatcher) Call(ctx context.Context, method string, params any, timeout time.Duration) (*jsonrpc.Response, error) {
	if d.closed.Load() {
		return nil, d.closeError()
	}

	id := jsonrpc.NewUniqueRequestID()
	key := id.String()

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	pc := &pendingCall{respCh: make(chan *jsonrpc.Response, 1), errCh: make(chan error, 1)}
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return nil, d.closeError()
	}
	d.pending[key] = pc
	d.mu.Unlock()

	if err := d.t.SendRequest(ctx, id, req); err != nil {
		d.remove(key)
		return nil, errors.Join(ErrConnectionClosed, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		if err != nil {
			return nil, err
		}
		return nil, ErrDispatcherClosed
	case <-timer.C:
		d.remove(key)
		return nil, ErrTimeout
	case <-ctx.Done():
		d.remove(key)
		return nil, ctx.Err()
	}
}

// OnResponse delivers an incoming response to its waiter. An unknown or
// already-resolved id is logged and ignored: a duplicate or late frame must
// not crash the connection.
func (d *Dispatcher) OnResponse(resp *jsonrpc.Response) {
	if resp == nil || resp.ID == nil {
		return
	}
	key := resp.ID.String()
	d.mu.Lock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if !ok {
		d.log.Debug("dropping response for unknown request id", slog.String("id", key))
		return
	}
	pc.respCh <- resp
}

// PendingCount reports the number of in-flight calls.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close fails every outstanding waiter with err and prevents new calls. It is
// called exactly once from the connection's teardown path; later calls are
// no-ops. No waiter is left unresolved.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// The flag flips inside the critical section so a concurrent Call that
	// observes it always finds the cause recorded.
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.closeErr = err
	for key, pc := range d.pending {
		delete(d.pending, key)
		pc.errCh <- err
	}
}

func (d *Dispatcher) remove(key string) {
	d.mu.Lock()
	delete(d.pending, key)
	d.mu.Unlock()
}

func (d *Dispatcher) closeError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeErr != nil {
		return d.closeErr
	}
	return ErrDispatcherClosed
}
