package stdio

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/pauleveritt/punie-sub003/hostcap"
	"github.com/pauleveritt/punie-sub003/internal/engine"
	"github.com/pauleveritt/punie-sub003/internal/jsonrpc"
	"github.com/pauleveritt/punie-sub003/internal/registry"
	"github.com/pauleveritt/punie-sub003/internal/sandbox"
	"github.com/pauleveritt/punie-sub003/wire"
)

func newTestEngine(t *testing.T, singleClient bool) (*engine.Engine, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.Config{SingleClient: singleClient})
	loop := sandbox.NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = loop.Run(ctx) }()
	sb := sandbox.NewEngine(loop, sandbox.Config{})
	eng := engine.New(reg, hostcap.NewRegistry(), sb, nil, engine.Config{})
	return eng, reg
}

func writeRequest(t *testing.T, w io.Writer, id int, method string, params any) {
	t.Helper()
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), method, params)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readResponse(t *testing.T, fr *jsonrpc.FrameReader) *jsonrpc.Response {
	t.Helper()
	for {
		raw, err := fr.Next()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var m jsonrpc.AnyMessage
		if err := m.UnmarshalJSON(raw); err != nil {
			t.Fatalf("malformed frame %s: %v", raw, err)
		}
		if m.Type() == "response" {
			return m.AsResponse()
		}
	}
}

func TestServeHandlesRequestsUntilEOF(t *testing.T) {
	eng, _ := newTestEngine(t, true)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := NewHandler(eng, WithIO(inR, outW))

	served := make(chan error, 1)
	go func() { served <- h.Serve(context.Background()) }()

	writeRequest(t, inW, 1, wire.MethodPing, nil)

	fr := jsonrpc.NewFrameReader(outR)
	resp := readResponse(t, fr)
	if resp.Error != nil {
		t.Fatalf("ping error: %v", resp.Error)
	}
	var res wire.PingResult
	if err := json.Unmarshal(resp.Result, &res); err != nil || res.Timestamp == 0 {
		t.Fatalf("ping result %s: %v", resp.Result, err)
	}

	// EOF on stdin ends the session cleanly.
	inW.Close()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve returned %v on clean EOF", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after EOF")
	}
}

func TestServeLegacySessionLifecycle(t *testing.T) {
	eng, reg := newTestEngine(t, true)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := NewHandler(eng, WithIO(inR, outW))

	served := make(chan error, 1)
	go func() { served <- h.Serve(context.Background()) }()
	fr := jsonrpc.NewFrameReader(outR)

	writeRequest(t, inW, 1, wire.MethodNewSession, wire.NewSessionParams{Cwd: "/w"})
	resp := readResponse(t, fr)
	if resp.Error != nil {
		t.Fatalf("new_session error: %v", resp.Error)
	}
	var created wire.NewSessionResult
	if err := json.Unmarshal(resp.Result, &created); err != nil {
		t.Fatalf("bad result: %v", err)
	}
	if reg.SessionCount() != 1 {
		t.Fatalf("SessionCount = %d", reg.SessionCount())
	}

	inW.Close()
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after EOF")
	}
}

func TestServeIdleTimeout(t *testing.T) {
	eng, _ := newTestEngine(t, true)

	inR, _ := io.Pipe()
	h := NewHandler(eng, WithIO(inR, io.Discard), WithIdleTimeout(50*time.Millisecond))

	served := make(chan error, 1)
	go func() { served <- h.Serve(context.Background()) }()

	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve returned %v on idle timeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("idle timeout never fired")
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	eng, _ := newTestEngine(t, true)

	inR, _ := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHandler(eng, WithIO(inR, io.Discard))

	served := make(chan error, 1)
	go func() { served <- h.Serve(ctx) }()
	cancel()

	select {
	case err := <-served:
		if err == nil {
			t.Fatal("Serve returned nil on cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
