// Package agent provides the built-in prompt runner. It is a scripted
// stand-in for an inference backend: a real deployment supplies its own
// engine.PromptRunner, but the host stays usable end to end without one.
package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pauleveritt/punie-sub003/internal/engine"
	"github.com/pauleveritt/punie-sub003/wire"
)

// codePrefix marks a prompt whose remainder is executed directly in the
// sandbox instead of being answered as text.
const codePrefix = "run:"

// ScriptedRunner echoes plain prompts back as agent text and executes
// "run:"-prefixed prompts in the sandbox, streaming tool-call records and
// captured output as session updates.
type ScriptedRunner struct {
	log *slog.Logger
}

// NewScriptedRunner constructs the built-in runner.
func NewScriptedRunner(log *slog.Logger) *ScriptedRunner {
	if log == nil {
		log = slog.Default()
	}
	return &ScriptedRunner{log: log}
}

// Run implements engine.PromptRunner.
func (r *ScriptedRunner) Run(ctx context.Context, env *engine.PromptEnv, params wire.PromptParams) (wire.PromptResult, error) {
	if source, ok := strings.CutPrefix(params.Prompt, codePrefix); ok {
		res, err := env.ExecuteCode(ctx, source)
		if err != nil {
			r.log.DebugContext(ctx, "sandbox execution failed",
				slog.String("session_id", env.Session().ID()),
				slog.String("err", err.Error()))
			return wire.PromptResult{
				StopReason: "error",
				Text:       err.Error(),
			}, nil
		}
		if res.Output != "" {
			env.EmitText(res.Output)
		}
		return wire.PromptResult{
			StopReason: "end_turn",
			Text:       res.Output,
		}, nil
	}

	reply := "echo: " + params.Prompt
	env.EmitText(reply)
	return wire.PromptResult{StopReason: "end_turn", Text: reply}, nil
}
