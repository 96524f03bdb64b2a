package gateway

import (
	"path/filepath"

	"github.com/jmoyers/harness/internal/launchargs"
	"github.com/jmoyers/harness/internal/types"
)

// historyFilePath is where a codex session's history poller tails from.
// No wire-format or CLI convention for this path is specified; this
// mirrors codex's own convention of one history file per thread under
// the runtime root, keyed by our session id rather than the provider's
// thread id (which isn't known until the adapter state binds it).
func (g *Gateway) historyFilePath(sessionID string) string {
	return filepath.Join(g.cfg.RuntimeRoot, "history", sessionID+".jsonl")
}

// launchPlan resolves what actually gets exec'd for a pty.start command
// (spec.md §4.9): codex sessions get an OTLP exporter prepended to their
// args; terminal sessions ignore any client-supplied command and launch
// the user's shell; everything else passes command/args through
// verbatim.
type launchPlan struct {
	Command string
	Args    []string
}

// buildLaunchPlan resolves cmd/baseArgs against agentType, delegating
// the OTLP-arg injection and terminal-shell resolution to
// internal/launchargs.
func (g *Gateway) buildLaunchPlan(agentType types.AgentType, cmd string, baseArgs []string, token string) launchPlan {
	switch agentType {
	case types.AgentCodex:
		if cmd == "" {
			cmd = "codex"
		}
		args := launchargs.BuildArgs(agentType, token, baseArgs, launchargs.Config{
			TelemetryHost:    "127.0.0.1",
			TelemetryPort:    g.cfg.TelemetryPort,
			LogUserPrompt:    true,
			HistoryPersisted: true,
		})
		return launchPlan{Command: cmd, Args: args}

	case types.AgentTerminal:
		return launchPlan{Command: launchargs.ResolveTerminalShell(nil), Args: nil}

	default:
		return launchPlan{Command: cmd, Args: baseArgs}
	}
}
