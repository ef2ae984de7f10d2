// Package stdio implements the single-connection transport over
// stdin/stdout. It is the distinguished legacy connection: the peer carries
// no client id and may reach unowned sessions when the host runs in
// single-client mode.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Sessions         : may be unowned (single-client mode only)
//	Transport        : newline-delimited JSON-RPC frames
package stdio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pauleveritt/punie-sub003/internal/engine"
	"github.com/pauleveritt/punie-sub003/internal/jsonrpc"
)

var errIdleTimeout = errors.New("idle timeout")

// Handler is a single-connection stdio transport. It reads frames from an
// io.Reader, feeds them to the engine, and tears the connection down on EOF,
// read error, idle timeout, or context cancellation.
type Handler struct {
	e           *engine.Engine
	r           io.Reader
	w           io.Writer
	l           *slog.Logger
	idleTimeout time.Duration
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(e *engine.Engine, opts ...Option) *Handler {
	h := &Handler{
		e: e,
		r: os.Stdin,
		w: os.Stdout,
		l: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the stdio read loop until EOF, an idle timeout, or context
// cancellation. It is safe to call at most once per Handler.
func (h *Handler) Serve(ctx context.Context) error {
	conn := h.e.Attach(jsonrpc.NewFrameWriter(h.w), engine.AttachOptions{
		Transport: "stdio",
		Legacy:    true,
	})
	defer conn.Close(nil)

	type readResult struct {
		frame []byte
		err   error
	}
	frames := make(chan readResult)
	// The reader cannot be interrupted mid-read: after cancellation it stays
	// blocked in Next until one more frame (or EOF) arrives, then exits via
	// the Done branch. Acceptable for a process that is shutting down anyway.
	go func() {
		fr := jsonrpc.NewFrameReader(h.r)
		for {
			frame, err := fr.Next()
			select {
			case frames <- readResult{frame: frame, err: err}:
			case <-conn.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var idle <-chan time.Time
	var idleTimer *time.Timer
	if h.idleTimeout > 0 {
		idleTimer = time.NewTimer(h.idleTimeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(ctx.Err())
			return ctx.Err()
		case <-idle:
			h.l.InfoContext(ctx, "stdio connection idle, closing",
				slog.Duration("idle_timeout", h.idleTimeout))
			conn.Close(errIdleTimeout)
			return nil
		case rr := <-frames:
			if rr.err != nil {
				conn.Close(rr.err)
				if errors.Is(rr.err, io.EOF) {
					return nil
				}
				return rr.err
			}
			if idleTimer != nil {
				if !idleTimer.Stop() {
					<-idleTimer.C
				}
				idleTimer.Reset(h.idleTimeout)
			}
			conn.HandleFrame(ctx, rr.frame)
		}
	}
}
