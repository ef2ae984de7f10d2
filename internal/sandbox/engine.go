// Package sandbox executes model-authored source text with least privilege.
// Programs run in an embedded Starlark interpreter whose namespace contains
// only the interpreter's own safe builtins, a json module, and the
// capabilities the caller explicitly injects. There is no ambient access to
// the process environment, filesystem, network, or process control; the only
// path to a side effect is a capability call, which crosses to the host loop
// through the bridge in bridge.go.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/pauleveritt/punie-sub003/wire"
)

// ErrorKind classifies sandbox failures.
type ErrorKind string

const (
	KindSyntax  ErrorKind = "syntax_error"
	KindRuntime ErrorKind = "runtime_error"
	KindTimeout ErrorKind = "execution_timeout"
)

// Error is a sandbox failure surfaced to the caller.
type Error struct {
	Kind      ErrorKind
	Msg       string
	Backtrace string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Callable is one host capability injected into the execution namespace
// under its declared name.
type Callable struct {
	Name  string
	Title string
	Kind  wire.ToolCallKind
	Call  func(ctx context.Context, args map[string]any) (any, error)
}

// Result is the captured output of an execution. Output is populated even
// when the execution fails partway through.
type Result struct {
	Output string
}

// Config configures an execution engine.
type Config struct {
	// Workers bounds the number of concurrently executing programs.
	Workers int
	// ExecTimeout is the wall-clock budget for one program.
	ExecTimeout time.Duration
	// CallTimeout is the per-capability-call budget. It must not exceed
	// ExecTimeout or a blocked host call could hold a worker past the outer
	// budget.
	CallTimeout time.Duration
	Logger      *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 60 * time.Second
	}
	if c.CallTimeout <= 0 || c.CallTimeout > c.ExecTimeout {
		c.CallTimeout = c.ExecTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine runs sandboxed programs on dedicated worker goroutines, bounded by
// a pool. Each execution gets its own namespace and output buffer; workers
// share no mutable state.
type Engine struct {
	log         *slog.Logger
	loop        *Loop
	workers     chan struct{}
	execTimeout time.Duration
	callTimeout time.Duration
}

// NewEngine constructs an engine whose capability calls are served by loop.
func NewEngine(loop *Loop, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		log:         cfg.Logger,
		loop:        loop,
		workers:     make(chan struct{}, cfg.Workers),
		execTimeout: cfg.ExecTimeout,
		callTimeout: cfg.CallTimeout,
	}
}

const threadCtxLocal = "punie.ctx"

// Execute validates and runs source against a namespace containing exactly
// the given callables. The returned error, if any, is always a *Error.
//
// Lifecycle: one "in_progress" tool-call record is reported before the
// program starts and exactly one terminal record after, carrying the captured
// output or the failure.
func (e *Engine) Execute(ctx context.Context, source string, callables []Callable, rep Reporter) (Result, error) {
	if rep == nil {
		rep = NopReporter{}
	}

	rec := wire.ToolCallRecord{
		ToolCallID: uuid.NewString(),
		Title:      "Execute code",
		Kind:       wire.ToolKindExecute,
		Status:     wire.ToolCallInProgress,
	}
	rep.ToolCall(rec)

	res, err := e.run(ctx, source, callables, rep)
	if err != nil {
		rec.Status = wire.ToolCallFailed
		rec.Error = err.Error()
		rec.Output = res.Output
	} else {
		rec.Status = wire.ToolCallCompleted
		rec.Output = res.Output
	}
	rep.ToolCall(rec)
	return res, err
}

func (e *Engine) run(ctx context.Context, source string, callables []Callable, rep Reporter) (Result, error) {
	// Static validation happens before any namespace is built; a program
	// that does not parse never gets near a capability.
	f, err := syntax.Parse("agent.star", source, 0)
	if err != nil {
		return Result{}, &Error{Kind: KindSyntax, Msg: err.Error()}
	}

	predeclared := starlark.StringDict{
		"json": json.Module,
	}
	for _, c := range callables {
		predeclared[c.Name] = e.builtin(c, rep)
	}

	prog, err := starlark.FileProgram(f, predeclared.Has)
	if err != nil {
		// Resolution failures (an undefined name, for instance) are ordinary
		// program errors, not a crash: a missing capability surfaces here.
		return Result{}, &Error{Kind: KindRuntime, Msg: err.Error()}
	}

	select {
	case e.workers <- struct{}{}:
	case <-ctx.Done():
		return Result{}, &Error{Kind: KindTimeout, Msg: ctx.Err().Error()}
	}
	defer func() { <-e.workers }()

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	var out outputBuffer
	thread := &starlark.Thread{
		Name: "sandbox",
		Print: func(_ *starlark.Thread, msg string) {
			out.appendLine(msg)
		},
	}
	thread.SetLocal(threadCtxLocal, execCtx)

	done := make(chan error, 1)
	go func() {
		_, err := prog.Init(thread, predeclared)
		done <- err
	}()

	timer := time.NewTimer(e.execTimeout)
	defer timer.Stop()

	var timedOut bool
	select {
	case err = <-done:
	case <-timer.C:
		timedOut = true
		// Stop the interpreter at its next step and unblock any in-flight
		// bridge call. Host operations already scheduled keep their own
		// cancellation semantics.
		thread.Cancel("execution timed out")
		cancelExec()
		err = <-done
	case <-ctx.Done():
		thread.Cancel("canceled")
		cancelExec()
		<-done
		res := Result{Output: out.String()}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, &Error{Kind: KindTimeout, Msg: "execution timed out"}
		}
		return res, &Error{Kind: KindRuntime, Msg: "execution canceled"}
	}

	res := Result{Output: out.String()}
	if timedOut {
		return res, &Error{Kind: KindTimeout, Msg: "execution timed out"}
	}
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return res, &Error{Kind: KindRuntime, Msg: evalErr.Msg, Backtrace: evalErr.Backtrace()}
		}
		return res, &Error{Kind: KindRuntime, Msg: err.Error()}
	}
	return res, nil
}

// builtin wraps a host capability as a Starlark builtin. Each invocation is
// exactly one bridge call; its lifecycle is reported as a tool-call record
// that reaches a terminal status exactly once.
func (e *Engine) builtin(c Callable, rep Reporter) *starlark.Builtin {
	title := c.Title
	if title == "" {
		title = c.Name
	}
	kind := c.Kind
	if kind == "" {
		kind = wire.ToolKindOther
	}
	return starlark.NewBuiltin(c.Name, func(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) > 0 {
			return nil, fmt.Errorf("%s: accepts keyword arguments only", b.Name())
		}
		argMap := make(map[string]any, len(kwargs))
		for _, kv := range kwargs {
			key, ok := kv[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("%s: invalid keyword", b.Name())
			}
			v, err := fromStarlark(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: argument %q: %w", b.Name(), string(key), err)
			}
			argMap[string(key)] = v
		}

		ctx, _ := th.Local(threadCtxLocal).(context.Context)
		if ctx == nil {
			ctx = context.Background()
		}

		rec := wire.ToolCallRecord{
			ToolCallID: uuid.NewString(),
			Title:      title,
			Kind:       kind,
			Status:     wire.ToolCallInProgress,
		}
		rep.ToolCall(rec)

		v, err := e.loop.Call(ctx, e.callTimeout, func(opCtx context.Context) (any, error) {
			return c.Call(opCtx, argMap)
		})
		if err != nil {
			rec.Status = wire.ToolCallFailed
			rec.Error = err.Error()
			rep.ToolCall(rec)
			// Propagates into the program as an ordinary evaluation error;
			// the sandboxed code may catch nothing, so this usually becomes
			// the execution's failure cause.
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}

		rec.Status = wire.ToolCallCompleted
		rep.ToolCall(rec)
		return resultToStarlark(v)
	})
}

// outputBuffer collects program print output. The interpreter thread writes
// while the supervising goroutine reads only after the thread is joined, but
// a timeout path may format the record while a straggling host op finishes,
// so keep it locked.
type outputBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *outputBuffer) appendLine(s string) {
	b.mu.Lock()
	b.buf.WriteString(s)
	b.buf.WriteByte('\n')
	b.mu.Unlock()
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
