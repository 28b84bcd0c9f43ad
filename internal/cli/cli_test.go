package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mallob-go/core/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopRun(cfg config.Config, rank int, stop <-chan struct{}) error {
	return nil
}

func TestBuildCLIHasRunSubcommandAndPersistentFlags(t *testing.T) {
	root := BuildCLI(noopRun)

	require.NotNil(t, root)
	assert.Equal(t, "mallob-worker", root.Use)

	found := false
	for _, c := range root.Commands() {
		if c.Use == "run" {
			found = true
		}
	}
	assert.True(t, found, "expected a 'run' subcommand")

	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("rank"))
}

func TestAddFlagsRegistersEverySpecFlag(t *testing.T) {
	root := BuildCLI(noopRun)
	runCmd, _, err := root.Find([]string{"run"})
	require.NoError(t, err)

	names := []string{
		"mono", "job-template", "job-desc-template", "cores", "num-jobs",
		"arrivals-per-cycle", "processes-per-solver", "verbosity", "log-directory",
		"mempanic", "max-lits-per-thread", "strict-clause-length-limit",
		"clause-buffer-discount", "export-chunks", "derandomize", "warmup",
		"reactivation-scheduling", "explicit-volume-updates",
		"hops-until-collective-assignment", "job-cache-size",
		"num-bounce-alternatives", "watchdog-abort-millis", "time-limit",
	}
	for _, name := range names {
		assert.NotNilf(t, runCmd.Flags().Lookup(name), "expected flag --%s to be registered", name)
	}
}

func TestLoadAndOverrideStartsFromDefaultsWithoutConfigFile(t *testing.T) {
	root := BuildCLI(noopRun)
	runCmd, _, err := root.Find([]string{"run"})
	require.NoError(t, err)

	cfg, err := loadAndOverride(runCmd, "")
	require.NoError(t, err)
	assert.Equal(t, config.Default().Scheduling.HopsUntilCollectiveAssignment, cfg.Scheduling.HopsUntilCollectiveAssignment)
}

func TestLoadAndOverrideAppliesFlagsOnTopOfConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	err := os.WriteFile(path, []byte("scheduling:\n  job_cache_size: 2\n"), 0644)
	require.NoError(t, err)

	root := BuildCLI(noopRun)
	runCmd, _, err := root.Find([]string{"run"})
	require.NoError(t, err)

	require.NoError(t, runCmd.Flags().Set("derandomize", "true"))
	require.NoError(t, runCmd.Flags().Set("watchdog-abort-millis", "5000"))
	require.NoError(t, runCmd.Flags().Set("time-limit", "90s"))

	cfg, err := loadAndOverride(runCmd, path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Scheduling.JobCacheSize, "value from config file should survive when no flag overrides it")
	assert.True(t, cfg.Scheduling.Derandomize, "flag should override config file/defaults")
	assert.Equal(t, 5000, cfg.Watchdog.AbortMillis)
	assert.Equal(t, 90*time.Second, cfg.Watchdog.TimeLimit)
}

func TestLoadAndOverridePropagatesConfigLoadError(t *testing.T) {
	root := BuildCLI(noopRun)
	runCmd, _, err := root.Find([]string{"run"})
	require.NoError(t, err)

	_, err = loadAndOverride(runCmd, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
