// Package websock serves the multi-client control plane over WebSocket.
// Each accepted socket becomes one registered client connection carrying
// newline-free JSON-RPC frames as text messages.
package websock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pauleveritt/punie-sub003/internal/engine"
)

const (
	wsMaxPayloadBytes = 1 << 24
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 64
)

var errSendBufferFull = errors.New("send buffer full")

// Server owns the HTTP listener and upgrades /ws requests into engine
// connections. /healthz and /metrics ride the same listener.
type Server struct {
	e        *engine.Engine
	log      *slog.Logger
	addr     string
	metrics  http.Handler
	upgrader websocket.Upgrader

	mu sync.Mutex
	ln net.Listener
	hs *http.Server
}

// Options configures a Server.
type Options struct {
	Addr    string
	Logger  *slog.Logger
	Metrics http.Handler
}

// NewServer constructs a Server bound to opts.Addr when Serve is called.
func NewServer(e *engine.Engine, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		e:       e,
		log:     log,
		addr:    opts.Addr,
		metrics: opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				// Loopback-only deployment; browsers are not a supported peer.
				return true
			},
		},
	}
}

// Handler returns the HTTP mux serving /ws, /healthz, and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Serve listens on the configured address until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	hs := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.ln = ln
	s.hs = hs
	s.mu.Unlock()

	s.log.Info("control plane listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Addr returns the bound listener address, empty before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", slog.String("err", err.Error()))
		return
	}

	// The request context dies when this handler returns; frames handled
	// after the upgrade need a context scoped to the connection instead.
	ctx, cancel := context.WithCancel(context.Background())

	peer := &wsConn{
		ws:     ws,
		log:    s.log,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	conn := s.e.Attach(peer, engine.AttachOptions{
		Transport:  "websocket",
		RemoteAddr: r.RemoteAddr,
	})
	peer.conn = conn

	go peer.writeLoop()
	go peer.readLoop(ctx)
}

// wsConn adapts one gorilla socket to the engine's frame model. Writes go
// through a buffered channel drained by a single write loop so the socket
// never sees interleaved frames.
type wsConn struct {
	ws     *websocket.Conn
	log    *slog.Logger
	conn   *engine.Conn
	send   chan []byte
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

// WriteFrame implements engine.FrameSender. A full send buffer counts as a
// dead peer rather than blocking the engine.
func (p *wsConn) WriteFrame(v any) error {
	data, err := marshalFrame(v)
	if err != nil {
		return err
	}
	select {
	case p.send <- data:
		return nil
	case <-p.done:
		return errors.New("websocket closed")
	default:
		return errSendBufferFull
	}
}

func (p *wsConn) readLoop(ctx context.Context) {
	defer p.shutdown(nil)

	p.ws.SetReadLimit(wsMaxPayloadBytes)
	_ = p.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := p.ws.ReadMessage()
		if err != nil {
			p.shutdown(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		p.conn.HandleFrame(ctx, data)
	}
}

func (p *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case msg := <-p.send:
			_ = p.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				p.shutdown(err)
				return
			}
		case <-ticker.C:
			_ = p.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.shutdown(err)
				return
			}
		}
	}
}

func marshalFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return data, nil
}

func (p *wsConn) shutdown(reason error) {
	p.closeOnce.Do(func() {
		close(p.done)
		p.cancel()
		_ = p.ws.Close()
		if p.conn != nil {
			p.conn.Close(reason)
		}
	})
}
