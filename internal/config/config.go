// Package config loads the gateway's CLI flags, environment variables, and
// persisted-state path resolution (spec.md §6.4).
//
// Grounded on internal/config's package-level *viper.Viper singleton shape
// (Initialize/GetString/GetBool/GetDuration with Set() > env > file >
// default precedence, HARNESS_-prefixed env binding generalized from the
// teacher's BD_/BEADS_ prefixes) and cmd/bd's cobra PersistentFlags-into-
// viper wiring.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Keys for the settings Initialize seeds with defaults.
const (
	KeyPort                = "port"
	KeyTelemetryPort       = "telemetry-port"
	KeyAuthToken           = "auth-token"
	KeyInvokeCwd           = "invoke-cwd"
	KeyRuntimeRoot         = "runtime-root"
	KeyMaxConns            = "max-conns"
	KeyConnectRetryDelay   = "connect-retry-delay"
	KeyConnectRetryWindow  = "connect-retry-window"
	KeyPerfTrace           = "perf-trace"
	KeySessionTombstoneTTL = "session-tombstone-ttl"
)

// envPrefix is the gateway's environment variable namespace, e.g.
// HARNESS_PORT, HARNESS_AUTH_TOKEN. Generalized from the teacher's BD_/
// BEADS_ dual-prefix scheme down to a single prefix.
const envPrefix = "HARNESS"

var v *viper.Viper

// Initialize (re-)creates the package-level viper instance, seeds
// defaults, and binds the HARNESS_ environment prefix. Safe to call more
// than once (e.g. in tests, or after flags are parsed) — each call
// starts from a clean slate the way the teacher's Initialize() does.
func Initialize() error {
	v = viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyPort, 0)
	v.SetDefault(KeyTelemetryPort, 0)
	v.SetDefault(KeyAuthToken, "")
	v.SetDefault(KeyInvokeCwd, "")
	v.SetDefault(KeyRuntimeRoot, "")
	v.SetDefault(KeyMaxConns, 256)
	v.SetDefault(KeyConnectRetryDelay, 250*time.Millisecond)
	v.SetDefault(KeyConnectRetryWindow, 10*time.Second)
	v.SetDefault(KeyPerfTrace, false)
	v.SetDefault(KeySessionTombstoneTTL, 5*time.Minute)

	return nil
}

func init() {
	_ = Initialize()
}

// GetString is nil-safe: it returns "" if Initialize has not run.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetInt is nil-safe: it returns 0 if Initialize has not run.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetBool is nil-safe: it returns false if Initialize has not run.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetDuration is nil-safe: it returns 0 if Initialize has not run.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set overrides key in the in-memory viper state, taking precedence over
// both env and defaults (Set() > env > file > default).
func Set(key string, value any) {
	if v == nil {
		return
	}
	v.Set(key, value)
}

// V returns the package-level viper instance so the command tree can bind
// cobra PersistentFlags into it (viper.BindPFlag), the way cmd/bd's root
// command binds flags before Execute().
func V() *viper.Viper {
	return v
}

// RuntimeRoot resolves the directory that holds the gateway's persisted
// state, following XDG_CONFIG_HOME/HOME rules (spec.md §6.4). An explicit
// KeyRuntimeRoot override (flag/env) always wins.
func RuntimeRoot() (string, error) {
	if override := GetString(KeyRuntimeRoot); override != "" {
		return override, nil
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "harness"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "harness"), nil
}

// DatabasePath returns "{runtimeRoot}/control-plane.sqlite" (spec.md §6.4).
func DatabasePath() (string, error) {
	root, err := RuntimeRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "control-plane.sqlite"), nil
}
