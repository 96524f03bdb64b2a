package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// envSnapshot saves and clears HARNESS_-prefixed environment variables,
// returning a restore function.
func envSnapshot(t *testing.T) func() {
	t.Helper()
	saved := make(map[string]string)
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "HARNESS_") {
			parts := strings.SplitN(env, "=", 2)
			saved[parts[0]] = os.Getenv(parts[0])
			os.Unsetenv(parts[0])
		}
	}
	return func() {
		for _, env := range os.Environ() {
			if strings.HasPrefix(env, "HARNESS_") {
				os.Unsetenv(strings.SplitN(env, "=", 2)[0])
			}
		}
		for key, val := range saved {
			os.Setenv(key, val)
		}
	}
}

func TestInitialize(t *testing.T) {
	require.NoError(t, Initialize())
	require.NotNil(t, v)
}

func TestDefaults(t *testing.T) {
	restore := envSnapshot(t)
	defer restore()
	require.NoError(t, Initialize())

	require.Equal(t, 0, GetInt(KeyPort))
	require.Equal(t, 256, GetInt(KeyMaxConns))
	require.False(t, GetBool(KeyPerfTrace))
	require.Equal(t, 5*time.Minute, GetDuration(KeySessionTombstoneTTL))
}

func TestEnvironmentBinding(t *testing.T) {
	restore := envSnapshot(t)
	defer restore()

	os.Setenv("HARNESS_AUTH_TOKEN", "secret123")
	defer os.Unsetenv("HARNESS_AUTH_TOKEN")
	require.NoError(t, Initialize())

	require.Equal(t, "secret123", GetString(KeyAuthToken))
}

func TestSetTakesPrecedenceOverEnv(t *testing.T) {
	restore := envSnapshot(t)
	defer restore()

	os.Setenv("HARNESS_MAX_CONNS", "10")
	defer os.Unsetenv("HARNESS_MAX_CONNS")
	require.NoError(t, Initialize())
	require.Equal(t, 10, GetInt(KeyMaxConns))

	Set(KeyMaxConns, 99)
	require.Equal(t, 99, GetInt(KeyMaxConns))
}

func TestNilSafeBeforeInitialize(t *testing.T) {
	saved := v
	v = nil
	defer func() { v = saved }()

	require.Equal(t, "", GetString(KeyAuthToken))
	require.Equal(t, 0, GetInt(KeyPort))
	require.False(t, GetBool(KeyPerfTrace))
	require.Equal(t, time.Duration(0), GetDuration(KeySessionTombstoneTTL))
}

func TestRuntimeRootPrefersExplicitOverride(t *testing.T) {
	restore := envSnapshot(t)
	defer restore()
	require.NoError(t, Initialize())

	Set(KeyRuntimeRoot, "/tmp/custom-runtime-root")
	root, err := RuntimeRoot()
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom-runtime-root", root)
}

func TestRuntimeRootFallsBackToXDGConfigHome(t *testing.T) {
	restore := envSnapshot(t)
	defer restore()
	require.NoError(t, Initialize())

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	root, err := RuntimeRoot()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "harness"), root)
}

func TestDatabasePathJoinsControlPlaneSqlite(t *testing.T) {
	restore := envSnapshot(t)
	defer restore()
	require.NoError(t, Initialize())

	Set(KeyRuntimeRoot, "/tmp/rr")
	path, err := DatabasePath()
	require.NoError(t, err)
	require.Equal(t, "/tmp/rr/control-plane.sqlite", path)
}

func TestMigrateLegacyLayoutCopiesOnceAndWritesMarker(t *testing.T) {
	invokeCwd := t.TempDir()
	runtimeRoot := t.TempDir()

	legacyDir := filepath.Join(invokeCwd, ".harness")
	require.NoError(t, os.MkdirAll(legacyDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(legacyDir, "state.db"), []byte("legacy-data"), 0o644))

	require.NoError(t, MigrateLegacyLayout(invokeCwd, runtimeRoot, nil))

	migrated, err := os.ReadFile(filepath.Join(runtimeRoot, "state.db"))
	require.NoError(t, err)
	require.Equal(t, "legacy-data", string(migrated))

	_, err = os.Stat(filepath.Join(runtimeRoot, migrationMarker))
	require.NoError(t, err)

	// Second call is a no-op even if the legacy file changes afterward.
	require.NoError(t, os.WriteFile(filepath.Join(legacyDir, "state.db"), []byte("changed"), 0o644))
	require.NoError(t, MigrateLegacyLayout(invokeCwd, runtimeRoot, nil))

	unchanged, err := os.ReadFile(filepath.Join(runtimeRoot, "state.db"))
	require.NoError(t, err)
	require.Equal(t, "legacy-data", string(unchanged))
}

func TestMigrateLegacyLayoutNoOpWhenLegacyDirMissing(t *testing.T) {
	invokeCwd := t.TempDir()
	runtimeRoot := t.TempDir()

	require.NoError(t, MigrateLegacyLayout(invokeCwd, runtimeRoot, nil))
	_, err := os.Stat(filepath.Join(runtimeRoot, migrationMarker))
	require.True(t, os.IsNotExist(err))
}
