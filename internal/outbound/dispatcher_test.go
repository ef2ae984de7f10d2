package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pauleveritt/punie-sub003/internal/jsonrpc"
)

// captureTransport records sent requests and optionally replies from a
// goroutine to simulate the peer.
type captureTransport struct {
	mu   sync.Mutex
	sent []*jsonrpc.Request
	fail error
}

func (ct *captureTransport) SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.fail != nil {
		return ct.fail
	}
	ct.sent = append(ct.sent, req)
	return nil
}

func (ct *captureTransport) lastID(t *testing.T) *jsonrpc.RequestID {
	t.Helper()
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if len(ct.sent) == 0 {
		t.Fatal("no request sent")
	}
	return ct.sent[len(ct.sent)-1].ID
}

func resultResponse(id *jsonrpc.RequestID, result string) *jsonrpc.Response {
	raw := json.RawMessage(result)
	return &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, ID: id, Result: raw}
}

func TestCallResolvesMatchingResponse(t *testing.T) {
	ct := &captureTransport{}
	d := New(ct, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := d.Call(context.Background(), "tool/ask", map[string]string{"q": "?"}, time.Second)
		if err != nil {
			t.Errorf("Call: %v", err)
			return
		}
		var got string
		if err := json.Unmarshal(resp.Result, &got); err != nil || got != "ok" {
			t.Errorf("result = %s, err = %v", resp.Result, err)
		}
	}()

	id := waitForSend(t, ct)
	d.OnResponse(resultResponse(id, `"ok"`))
	<-done

	if n := d.PendingCount(); n != 0 {
		t.Fatalf("PendingCount = %d after resolve, want 0", n)
	}
}

func waitForSend(t *testing.T, ct *captureTransport) *jsonrpc.RequestID {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ct.mu.Lock()
		n := len(ct.sent)
		ct.mu.Unlock()
		if n > 0 {
			return ct.lastID(t)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("request never sent")
	return nil
}

func TestConcurrentOutOfOrderCorrelation(t *testing.T) {
	const n = 100

	// The fake peer answers every request with its own id echoed back, from
	// separate goroutines, so responses land in arbitrary order.
	var d *Dispatcher
	replies := make(chan *jsonrpc.Response, n)
	tr := transportFunc(func(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error {
		go func() {
			replies <- resultResponse(id, `"`+id.String()+`"`)
		}()
		return nil
	})
	d = New(tr, nil)

	go func() {
		for resp := range replies {
			d.OnResponse(resp)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := d.Call(context.Background(), "echo/id", nil, 5*time.Second)
			if err != nil {
				t.Errorf("Call: %v", err)
				return
			}
			var got string
			if err := json.Unmarshal(resp.Result, &got); err != nil {
				t.Errorf("unmarshal: %v", err)
				return
			}
			if got != resp.ID.String() {
				t.Errorf("response %q delivered to waiter %q", got, resp.ID.String())
			}
		}()
	}
	wg.Wait()
	close(replies)

	if n := d.PendingCount(); n != 0 {
		t.Fatalf("PendingCount = %d, want 0", n)
	}
}

type transportFunc func(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error

func (f transportFunc) SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error {
	return f(ctx, id, req)
}

func TestCloseAbortsAllWaiters(t *testing.T) {
	ct := &captureTransport{}
	d := New(ct, nil)

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := d.Call(context.Background(), "hang", nil, 10*time.Second)
			errs <- err
		}()
	}

	// Wait until every call is registered before closing.
	deadline := time.Now().Add(2 * time.Second)
	for d.PendingCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d calls pending", d.PendingCount())
		}
		time.Sleep(time.Millisecond)
	}

	cause := errors.New("peer went away")
	d.Close(cause)
	d.Close(nil) // second close is a no-op

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, cause) {
				t.Fatalf("waiter error = %v, want %v", err, cause)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never released")
		}
	}

	if _, err := d.Call(context.Background(), "late", nil, time.Second); !errors.Is(err, cause) {
		t.Fatalf("Call after close: err = %v, want close cause", err)
	}
}

func TestOnResponseUnknownIDIgnored(t *testing.T) {
	d := New(&captureTransport{}, nil)

	id := jsonrpc.NewUniqueRequestID()
	// Must not panic or block.
	d.OnResponse(resultResponse(id, `"late"`))
	d.OnResponse(resultResponse(id, `"duplicate"`))
	d.OnResponse(nil)
}

func TestCallTimeout(t *testing.T) {
	ct := &captureTransport{}
	d := New(ct, nil)

	start := time.Now()
	_, err := d.Call(context.Background(), "never", nil, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout took far longer than the budget")
	}
	if n := d.PendingCount(); n != 0 {
		t.Fatalf("PendingCount = %d after timeout, want 0", n)
	}

	// A response arriving after the timeout is dropped, not delivered.
	d.OnResponse(resultResponse(ct.lastID(t), `"too late"`))
}

func TestCallSendFailure(t *testing.T) {
	cause := errors.New("broken pipe")
	ct := &captureTransport{fail: cause}
	d := New(ct, nil)

	_, err := d.Call(context.Background(), "x", nil, time.Second)
	if !errors.Is(err, ErrConnectionClosed) || !errors.Is(err, cause) {
		t.Fatalf("err = %v, want ErrConnectionClosed wrapping cause", err)
	}
	if n := d.PendingCount(); n != 0 {
		t.Fatalf("PendingCount = %d after send failure, want 0", n)
	}
}

func TestCloseRacesWithNewCalls(t *testing.T) {
	ct := &captureTransport{}
	d := New(ct, nil)
	cause := errors.New("connection torn down")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Call(context.Background(), "tool/ask", nil, 5*time.Second)
			if !errors.Is(err, cause) {
				t.Errorf("Call err = %v, want close cause", err)
			}
		}()
	}
	d.Close(cause)
	wg.Wait()

	if d.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d after close", d.PendingCount())
	}
}
