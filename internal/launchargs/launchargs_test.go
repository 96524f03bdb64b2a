package launchargs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmoyers/harness/internal/types"
)

func TestBuildArgsInjectsOTLPForCodex(t *testing.T) {
	args := BuildArgs(types.AgentCodex, "tok123", []string{"--resume"}, Config{
		TelemetryHost:    "127.0.0.1",
		TelemetryPort:    4319,
		LogUserPrompt:    true,
		HistoryPersisted: false,
	})

	require.Contains(t, args, "-c")
	require.Contains(t, args, `otel.exporter="http://127.0.0.1:4319/v1/logs/tok123"`)
	require.Equal(t, "--resume", args[len(args)-1])
}

func TestBuildArgsPassesThroughNonCodexVerbatim(t *testing.T) {
	args := BuildArgs(types.AgentClaude, "tok123", []string{"--flag"}, Config{})
	require.Equal(t, []string{"--flag"}, args)
}

func TestResolveTerminalShellPrefersSHELL(t *testing.T) {
	env := map[string]string{"SHELL": "/bin/zsh"}
	got := ResolveTerminalShell(func(k string) string { return env[k] })
	require.Equal(t, "/bin/zsh", got)
}

func TestResolveTerminalShellFallsBackToSh(t *testing.T) {
	got := ResolveTerminalShell(func(k string) string { return "" })
	require.Equal(t, "sh", got)
}
