package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var (
	// ErrLoopNotRunning indicates the host loop has not started or has shut down.
	ErrLoopNotRunning = errors.New("host loop not running")
	// ErrWouldDeadlock indicates Call was invoked from the loop's own context.
	// The loop cannot serve a job submitted by the job it is currently
	// running; such a call would block forever.
	ErrWouldDeadlock = errors.New("bridge call from host loop context would deadlock")
	// ErrBridgeTimeout indicates the host operation did not resolve within the
	// per-call budget.
	ErrBridgeTimeout = errors.New("host call timed out")
)

type loopCtxKey struct{}

type job struct {
	fn     func(ctx context.Context) (any, error)
	ctx    context.Context
	result chan outcome
}

type outcome struct {
	value any
	err   error
}

// Loop is the host-operation event loop: a single goroutine that executes
// submitted operations serially. Sandbox worker goroutines reach host
// capabilities only by submitting through Call, which blocks the worker (a
// dedicated goroutine, never the loop itself) until the operation resolves or
// the per-call budget elapses.
type Loop struct {
	log  *slog.Logger
	jobs chan job

	runCtx  context.Context
	started chan struct{}
	done    chan struct{}
}

// NewLoop constructs a stopped loop.
func NewLoop(log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		log:     log,
		jobs:    make(chan job),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run drives the loop until ctx is canceled. It must be called exactly once,
// on its own goroutine.
func (l *Loop) Run(ctx context.Context) error {
	l.runCtx = ctx
	close(l.started)
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-l.jobs:
			l.serve(j)
		}
	}
}

func (l *Loop) serve(j job) {
	// The job context carries the loop marker so a nested Call fails fast
	// instead of deadlocking.
	jctx := context.WithValue(j.ctx, loopCtxKey{}, l)

	v, err := func() (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				l.log.Error("host operation panicked", slog.Any("panic", r))
				err = errors.New("host operation panicked")
			}
		}()
		return j.fn(jctx)
	}()

	// Result channel is buffered; a caller that already timed out never
	// blocks the loop.
	j.result <- outcome{value: v, err: err}
}

// Call schedules fn onto the loop and blocks the calling goroutine until it
// resolves, bounded by timeout. On timeout the scheduled operation keeps its
// own cancellation semantics: its context is canceled and it finishes (or
// keeps running) on its own schedule, while the caller gets ErrBridgeTimeout
// immediately.
func (l *Loop) Call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (any, error)) (any, error) {
	if v := ctx.Value(loopCtxKey{}); v == l {
		return nil, ErrWouldDeadlock
	}
	select {
	case <-l.started:
	default:
		return nil, ErrLoopNotRunning
	}
	select {
	case <-l.done:
		return nil, ErrLoopNotRunning
	default:
	}

	opCtx, cancel := context.WithCancel(ctx)
	j := job{fn: fn, ctx: opCtx, result: make(chan outcome, 1)}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.jobs <- j:
	case <-l.done:
		cancel()
		return nil, ErrLoopNotRunning
	case <-timer.C:
		cancel()
		return nil, ErrBridgeTimeout
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	select {
	case out := <-j.result:
		cancel()
		return out.value, out.err
	case <-timer.C:
		cancel()
		return nil, ErrBridgeTimeout
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}
