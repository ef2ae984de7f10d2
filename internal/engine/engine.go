// Package engine routes protocol requests between connections, the session
// registry, the host capability surface, and the sandboxed execution engine.
// It owns no transport: stdio and WebSocket handlers attach connections and
// feed frames in; the engine dispatches them and sends results back over the
// originating connection.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pauleveritt/punie-sub003/hostcap"
	"github.com/pauleveritt/punie-sub003/internal/jsonrpc"
	"github.com/pauleveritt/punie-sub003/internal/logctx"
	"github.com/pauleveritt/punie-sub003/internal/outbound"
	"github.com/pauleveritt/punie-sub003/internal/registry"
	"github.com/pauleveritt/punie-sub003/internal/sandbox"
	"github.com/pauleveritt/punie-sub003/wire"
)

// ProtocolVersion is the punie wire protocol revision.
const ProtocolVersion = 1

const (
	defaultRequestTimeout = 30 * time.Second
	defaultPromptTimeout  = 5 * time.Minute
)

// PromptRunner produces the agent's side of a prompt turn. The inference
// backend and its tool-call text format live behind this interface; the
// engine only provides the environment the turn runs in.
type PromptRunner interface {
	Run(ctx context.Context, env *PromptEnv, params wire.PromptParams) (wire.PromptResult, error)
}

// Config configures an Engine.
type Config struct {
	ServerName     string
	ServerVersion  string
	RequestTimeout time.Duration
	PromptTimeout  time.Duration
	Logger         *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ServerName == "" {
		c.ServerName = "punie"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.PromptTimeout <= 0 {
		c.PromptTimeout = defaultPromptTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine is the request router.
type Engine struct {
	log    *slog.Logger
	reg    *registry.Registry
	caps   *hostcap.Registry
	sb     *sandbox.Engine
	runner PromptRunner
	cfg    Config

	connMu     sync.Mutex
	conns      map[registry.ClientID]*Conn
	legacyConn *Conn
}

// New constructs an Engine. runner may be nil, in which case prompt requests
// fail with an internal error.
func New(reg *registry.Registry, caps *hostcap.Registry, sb *sandbox.Engine, runner PromptRunner, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		log:    cfg.Logger,
		reg:    reg,
		caps:   caps,
		sb:     sb,
		runner: runner,
		cfg:    cfg,
		conns:  make(map[registry.ClientID]*Conn),
	}
}

// AttachOptions describes the transport behind a new connection.
type AttachOptions struct {
	Transport  string
	RemoteAddr string
	// Legacy marks the distinguished stdio connection, which does not
	// register a client id and may reach unowned sessions.
	Legacy bool
}

// Attach binds a transport to the engine, registering a client id for
// non-legacy connections, and returns the connection handle in the Active
// state. The transport's read loop feeds frames in via Conn.HandleFrame and
// calls Conn.Close when the transport dies.
func (e *Engine) Attach(sender FrameSender, opts AttachOptions) *Conn {
	c := &Conn{
		e:         e,
		log:       e.log,
		sender:    sender,
		transport: opts.Transport,
		remote:    opts.RemoteAddr,
		closed:    make(chan struct{}),
		inflight:  make(map[string]context.CancelFunc),
	}
	c.d = outbound.New(connTransport{c: c}, e.log)
	c.state.Store(stateConnecting)

	if !opts.Legacy {
		c.clientID = e.reg.RegisterClient(c)
	}

	e.connMu.Lock()
	if opts.Legacy {
		e.legacyConn = c
	} else {
		e.conns[c.clientID] = c
	}
	e.connMu.Unlock()

	c.state.Store(stateActive)
	return c
}

func (e *Engine) detach(c *Conn) {
	e.connMu.Lock()
	if c.Legacy() {
		if e.legacyConn == c {
			e.legacyConn = nil
		}
	} else {
		delete(e.conns, c.clientID)
	}
	e.connMu.Unlock()
}

// connFor returns the live connection serving the given client id.
func (e *Engine) connFor(owner registry.ClientID) *Conn {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if owner == registry.LegacyClient {
		return e.legacyConn
	}
	return e.conns[owner]
}

// PublishWatch fans a workspace change event out to every session's owning
// connection as a session_update notification.
func (e *Engine) PublishWatch(ev wire.WatchEvent) {
	for _, info := range e.reg.Snapshot() {
		c := e.connFor(info.Owner)
		if c == nil {
			continue
		}
		c.Notify(wire.NotificationSessionUpdate, &wire.SessionUpdate{
			SessionID: info.ID,
			Kind:      wire.UpdateKindWatch,
			Watch:     &ev,
		})
	}
}

// dispatch routes one inbound request. It always returns a response frame;
// handler failures become protocol error responses, never a dead read loop.
func (e *Engine) dispatch(ctx context.Context, c *Conn, req *jsonrpc.Request) *jsonrpc.Response {
	timeout := e.cfg.RequestTimeout
	if req.Method == wire.MethodPrompt {
		timeout = e.cfg.PromptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result any
	var err error
	switch req.Method {
	case wire.MethodInitialize:
		result, err = e.handleInitialize(ctx, c, req.Params)
	case wire.MethodNewSession:
		result, err = e.handleNewSession(ctx, c, req.Params)
	case wire.MethodPrompt:
		result, err = e.handlePrompt(ctx, c, req.Params)
	case wire.MethodReleaseSession:
		result, err = e.handleReleaseSession(ctx, c, req.Params)
	case wire.MethodPing:
		result = &wire.PingResult{Timestamp: time.Now().UnixMilli()}
	default:
		result, err = e.handleCapabilityCall(ctx, c, req.Method, req.Params)
	}

	if err != nil {
		e.log.Debug("request failed",
			slog.String("method", req.Method), slog.String("err", err.Error()))
		return errorResponse(req.ID, err)
	}
	resp, rerr := jsonrpc.NewResultResponse(req.ID, result)
	if rerr != nil {
		e.log.Error("failed to marshal result", slog.String("err", rerr.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return resp
}

// handleNotification processes peer notifications. None are currently
// defined for clients; unknown ones are logged and ignored.
func (e *Engine) handleNotification(ctx context.Context, c *Conn, req *jsonrpc.Request) {
	e.log.Debug("ignoring notification", slog.String("method", req.Method))
}

func (e *Engine) handleInitialize(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	var params wire.InitializeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, errInvalidParams(err)
		}
	}
	e.log.Info("client initialized",
		slog.String("client_id", string(c.ClientID())),
		slog.String("client_name", params.ClientInfo.Name))
	return &wire.InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerName:      e.cfg.ServerName,
		ServerVersion:   e.cfg.ServerVersion,
		Capabilities:    e.caps.Names(),
	}, nil
}

func (e *Engine) handleNewSession(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	var params wire.NewSessionParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, errInvalidParams(err)
		}
	}
	sess, err := e.reg.NewSession(c.ClientID(), registry.SessionConfig{
		Cwd:        params.Cwd,
		ToolConfig: params.ToolConfig,
	})
	if err != nil {
		return nil, err
	}
	return &wire.NewSessionResult{SessionID: sess.ID()}, nil
}

func (e *Engine) handlePrompt(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	var params wire.PromptParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errInvalidParams(err)
	}
	if e.runner == nil {
		return nil, errors.New("no prompt runner configured")
	}

	sess, err := e.resolveSession(params.SessionID, c)
	if err != nil {
		return nil, err
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:     sess.ID(),
		OwnerClientID: string(c.ClientID()),
	})

	env := &PromptEnv{e: e, conn: c, sess: sess}
	return e.runner.Run(ctx, env, params)
}

// resolveSession validates c's permission to touch the named session. The
// stdio connection may imply a legacy session on first use; everyone else
// must name one they own.
func (e *Engine) resolveSession(sessionID string, c *Conn) (*registry.Session, error) {
	if c.Legacy() {
		return e.reg.EnsureLegacySession(sessionID, c.ClientID(), registry.SessionConfig{})
	}
	return e.reg.ResolveForRequest(sessionID, c.ClientID())
}

func (e *Engine) handleReleaseSession(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	var params wire.ReleaseSessionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errInvalidParams(err)
	}
	if err := e.reg.ReleaseSession(params.SessionID, c.ClientID()); err != nil {
		return nil, err
	}
	return map[string]any{"released": true}, nil
}

// handleCapabilityCall resolves an unrecognized method against the host
// capability registry: the same callables the sandbox sees double as
// ordinary session-scoped request handlers.
func (e *Engine) handleCapabilityCall(ctx context.Context, c *Conn, method string, raw json.RawMessage) (any, error) {
	cap, ok := e.caps.Get(method)
	if !ok {
		return nil, errMethodNotFound
	}
	var params wire.CallParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errInvalidParams(err)
	}
	sess, err := e.resolveSession(params.SessionID, c)
	if err != nil {
		return nil, err
	}
	return cap.Handler(ctx, hostcap.Call{Session: sess, Args: params.Args})
}

// PromptEnv is the environment a prompt turn runs in: the session, a stream
// of session_update notifications back to the originating connection, and
// sandboxed code execution wired to the host capability table.
type PromptEnv struct {
	e    *Engine
	conn *Conn
	sess *registry.Session
}

// Session returns the session this turn is scoped to.
func (env *PromptEnv) Session() *registry.Session { return env.sess }

// EmitText streams an agent text chunk to the client.
func (env *PromptEnv) EmitText(text string) {
	env.conn.Notify(wire.NotificationSessionUpdate, &wire.SessionUpdate{
		SessionID: env.sess.ID(),
		Kind:      wire.UpdateKindAgentText,
		Text:      text,
	})
}

// ExecuteCode runs model-produced source in the sandbox with this session's
// capability table. Tool-call lifecycle records stream to the client as
// session_update notifications; the captured output and error come back to
// the caller.
func (env *PromptEnv) ExecuteCode(ctx context.Context, source string) (sandbox.Result, error) {
	rep := sandbox.ReporterFunc(func(rec wire.ToolCallRecord) {
		env.conn.Notify(wire.NotificationSessionUpdate, &wire.SessionUpdate{
			SessionID: env.sess.ID(),
			Kind:      wire.UpdateKindToolCall,
			ToolCall:  &rec,
		})
	})
	return env.e.sb.Execute(ctx, source, env.e.callablesFor(env.sess), rep)
}

// callablesFor binds every registered capability to sess for injection into
// a sandbox namespace.
func (e *Engine) callablesFor(sess *registry.Session) []sandbox.Callable {
	names := e.caps.Names()
	out := make([]sandbox.Callable, 0, len(names))
	for _, name := range names {
		cap, ok := e.caps.Get(name)
		if !ok {
			continue
		}
		out = append(out, sandbox.Callable{
			Name:  cap.Name,
			Title: cap.Title,
			Kind:  cap.Kind,
			Call: func(ctx context.Context, args map[string]any) (any, error) {
				raw, err := json.Marshal(args)
				if err != nil {
					return nil, err
				}
				return cap.Handler(ctx, hostcap.Call{Session: sess, Args: raw})
			},
		})
	}
	return out
}
