package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmoyers/harness/internal/types"
)

func TestBuildLaunchPlanInjectsOTLPForCodex(t *testing.T) {
	g := &Gateway{cfg: Config{TelemetryPort: 4319}}

	plan := g.buildLaunchPlan(types.AgentCodex, "", []string{"--resume", "T1"}, "tok-123")

	require.Equal(t, "codex", plan.Command)
	require.Contains(t, plan.Args, "-c")
	require.Contains(t, plan.Args, `otel.exporter="http://127.0.0.1:4319/v1/logs/tok-123"`)
	require.Equal(t, []string{"--resume", "T1"}, plan.Args[len(plan.Args)-2:])
}

func TestBuildLaunchPlanHonorsClientCommandForCodex(t *testing.T) {
	g := &Gateway{cfg: Config{TelemetryPort: 4319}}
	plan := g.buildLaunchPlan(types.AgentCodex, "/opt/codex/codex", nil, "tok")
	require.Equal(t, "/opt/codex/codex", plan.Command)
}

func TestBuildLaunchPlanIgnoresArgsForTerminal(t *testing.T) {
	g := &Gateway{cfg: Config{}}
	plan := g.buildLaunchPlan(types.AgentTerminal, "ignored-command", []string{"ignored", "args"}, "tok")
	require.NotEmpty(t, plan.Command)
	require.Nil(t, plan.Args)
}

func TestBuildLaunchPlanPassesThroughOtherAgentsVerbatim(t *testing.T) {
	g := &Gateway{cfg: Config{}}
	plan := g.buildLaunchPlan(types.AgentClaude, "claude", []string{"--flag"}, "tok")
	require.Equal(t, "claude", plan.Command)
	require.Equal(t, []string{"--flag"}, plan.Args)
}

func TestHistoryFilePathIsKeyedBySessionIDUnderRuntimeRoot(t *testing.T) {
	g := &Gateway{cfg: Config{RuntimeRoot: "/var/lib/harness"}}
	require.Equal(t, "/var/lib/harness/history/sess-1.jsonl", g.historyFilePath("sess-1"))
}
