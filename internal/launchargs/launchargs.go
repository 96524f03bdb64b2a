// Package launchargs injects OTLP exporter configuration into codex
// agent launch arguments and resolves the terminal agent's shell
// (spec.md §4.9).
package launchargs

import (
	"fmt"
	"net/url"
	"os"
	"runtime"

	"github.com/jmoyers/harness/internal/types"
)

// Config toggles the injected OTLP exporter behavior.
type Config struct {
	TelemetryHost    string
	TelemetryPort    int
	LogUserPrompt    bool
	HistoryPersisted bool
}

// BuildArgs returns the full argv for starting a session. For
// agentType=codex, OTLP exporter flags are prepended ahead of args; all
// other agent types pass args through verbatim (spec.md §4.9).
func BuildArgs(agentType types.AgentType, token string, args []string, cfg Config) []string {
	if agentType != types.AgentCodex {
		return args
	}

	exporterURL := fmt.Sprintf("http://%s:%d/v1/logs/%s", cfg.TelemetryHost, cfg.TelemetryPort, url.QueryEscape(token))

	injected := []string{
		"-c", fmt.Sprintf("otel.exporter=%q", exporterURL),
		"-c", fmt.Sprintf("otel.log_user_prompt=%t", cfg.LogUserPrompt),
		"-c", fmt.Sprintf("history.persistence=%t", cfg.HistoryPersisted),
	}
	return append(injected, args...)
}

// ResolveTerminalShell resolves the shell to launch for agentType=terminal
// sessions: SHELL first, then ComSpec, falling back to cmd.exe on
// Windows and sh elsewhere (spec.md §4.9/§8).
func ResolveTerminalShell(env func(string) string) string {
	if env == nil {
		env = os.Getenv
	}
	if shell := env("SHELL"); shell != "" {
		return shell
	}
	if comspec := env("ComSpec"); comspec != "" {
		return comspec
	}
	if runtime.GOOS == "windows" {
		return "cmd.exe"
	}
	return "sh"
}
