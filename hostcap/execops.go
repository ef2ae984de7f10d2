package hostcap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pauleveritt/punie-sub003/wire"
)

const (
	defaultCommandTimeout = 60 * time.Second
	maxCommandOutput      = 64 * 1024
)

// ExecOps provides the run_command capability, scoped to a workspace root.
type ExecOps struct {
	fs *FSOps
}

// NewExecOps constructs command execution capabilities sharing fs's root.
func NewExecOps(fs *FSOps) *ExecOps {
	return &ExecOps{fs: fs}
}

type runCommandArgs struct {
	Command        string `json:"command" jsonschema:"description=Shell command to execute"`
	Cwd            string `json:"cwd,omitempty" jsonschema:"description=Working directory relative to the workspace"`
	Input          string `json:"input,omitempty" jsonschema:"description=Stdin content"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" jsonschema:"description=Timeout in seconds,minimum=0"`
}

// RunCommandResult is the structured result of run_command.
type RunCommandResult struct {
	ExitCode  int    `json:"exitCode"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Truncated bool   `json:"truncated"`
	TimedOut  bool   `json:"timedOut"`
}

// RunCommand returns the run_command capability.
func (e *ExecOps) RunCommand() *Capability {
	return &Capability{
		Name:   "run_command",
		Title:  "Run command",
		Kind:   wire.ToolKindExecute,
		Schema: SchemaFor[runCommandArgs](),
		Handler: func(ctx context.Context, call Call) (any, error) {
			var args runCommandArgs
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if strings.TrimSpace(args.Command) == "" {
				return nil, fmt.Errorf("command is required")
			}

			timeout := defaultCommandTimeout
			if args.TimeoutSeconds > 0 {
				timeout = time.Duration(args.TimeoutSeconds) * time.Second
			}
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			dir := e.fs.Root()
			if args.Cwd != "" {
				resolved, err := e.fs.resolve(args.Cwd)
				if err != nil {
					return nil, err
				}
				dir = resolved
			}

			cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", args.Command)
			cmd.Dir = dir
			// Grandchildren can hold the output pipes open past the kill;
			// abandon them instead of letting Wait block past the deadline.
			cmd.WaitDelay = 2 * time.Second
			if args.Input != "" {
				cmd.Stdin = strings.NewReader(args.Input)
			}
			stdout := newLimitedBuffer(maxCommandOutput)
			stderr := newLimitedBuffer(maxCommandOutput)
			cmd.Stdout = stdout
			cmd.Stderr = stderr

			err := cmd.Run()
			res := &RunCommandResult{
				Stdout:    stdout.String(),
				Stderr:    stderr.String(),
				Truncated: stdout.Truncated() || stderr.Truncated(),
				TimedOut:  errors.Is(runCtx.Err(), context.DeadlineExceeded),
			}
			if err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					res.ExitCode = exitErr.ExitCode()
					return res, nil
				}
				if res.TimedOut {
					res.ExitCode = -1
					return res, nil
				}
				// The command itself finished; only its abandoned pipes did not.
				if errors.Is(err, exec.ErrWaitDelay) {
					return res, nil
				}
				return nil, err
			}
			return res, nil
		},
	}
}

// limitedBuffer keeps at most max bytes, recording whether anything was cut.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remain := b.max - b.buf.Len()
	if remain <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remain {
		b.truncated = true
		b.buf.Write(p[:remain])
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *limitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
