// Package cli builds the worker's command line, generalized from the
// teacher's internal/cli.BuildCLI: a cobra root command, a persistent
// -c/--config flag, and a "run" subcommand that starts the system and
// waits on SIGINT/SIGTERM for graceful shutdown.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mallob-go/core/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RunFunc starts a worker with cfg and rank, blocking until stop is closed
// or the worker exits on its own.
type RunFunc func(cfg config.Config, rank int, stop <-chan struct{}) error

// BuildCLI assembles the root command. run is invoked by the "run"
// subcommand once flags have been parsed into a config.Config.
func BuildCLI(run RunFunc) *cobra.Command {
	var configFile string
	var rank int

	root := &cobra.Command{
		Use:     "mallob-worker",
		Short:   "Distributed on-the-fly job scheduling worker",
		Version: "1.0.0",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().IntVar(&rank, "rank", 0, "this process's rank within the worker fleet")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the worker loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAndOverride(cmd, configFile)
			if err != nil {
				return err
			}

			stop := make(chan struct{})
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				slog.Info("received shutdown signal")
				close(stop)
			}()

			return run(cfg, rank, stop)
		},
	}
	addFlags(runCmd)
	root.AddCommand(runCmd)

	return root
}

// addFlags registers every SPEC_FULL.md CLI flag on cmd. Values are read
// back out in loadAndOverride, layered on top of any -c config file.
func addFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("mono", false, "run a single monolithic solver instead of a distributed portfolio")
	cmd.Flags().String("job-template", "", "path to the job request template file")
	cmd.Flags().String("job-desc-template", "", "path to the job description template file")
	cmd.Flags().IntP("cores", "t", 1, "number of cores to use per process")
	cmd.Flags().Int("num-jobs", 0, "-J: number of jobs to introduce over the run")
	cmd.Flags().Int("arrivals-per-cycle", 1, "-ajpc: job arrivals per balancing cycle")
	cmd.Flags().Int("processes-per-solver", 1, "-pls: processes launched per solver")
	cmd.Flags().IntP("verbosity", "v", 2, "log verbosity level")
	cmd.Flags().String("log-directory", "", "directory for trace/diagnostic dumps")
	cmd.Flags().Bool("mempanic", false, "abort the process on out-of-memory instead of degrading")
	cmd.Flags().Int("max-lits-per-thread", 0, "solver literal budget per thread")
	cmd.Flags().Int("strict-clause-length-limit", 0, "reject clauses longer than this from export")
	cmd.Flags().Float64("clause-buffer-discount", 1.0, "discount applied to clause export buffer sizing")
	cmd.Flags().Bool("export-chunks", false, "export learned clauses in fixed-size chunks")
	cmd.Flags().Bool("derandomize", false, "use derandomized (uniform-neighbor) instead of randomized routing")
	cmd.Flags().Bool("warmup", false, "send warmup messages across the expander graph before the first job")
	cmd.Flags().Bool("reactivation-scheduling", false, "reserve tree slots across balancing epochs instead of spawning fresh requests")
	cmd.Flags().Bool("explicit-volume-updates", false, "propagate volume updates down the tree explicitly rather than lazily")
	cmd.Flags().Int32("hops-until-collective-assignment", 512, "hop count after which a request is handed to collective assignment")
	cmd.Flags().Int("job-cache-size", 4, "dormant-child cache size per job tree branch")
	cmd.Flags().Int("num-bounce-alternatives", 1, "alternative neighbors considered per bounce")
	cmd.Flags().Int("watchdog-abort-millis", 30000, "watchdog abort interval in milliseconds; stored in the config, no watchdog check acts on it")
	cmd.Flags().Duration("time-limit", 0, "wall-clock time limit for the process, 0 for unlimited")
}

func loadAndOverride(cmd *cobra.Command, configFile string) (config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if configFile != "" {
		// Only flags given explicitly override values loaded from the config file.
		flags = pflag.NewFlagSet(cmd.Name(), pflag.ContinueOnError)
		cmd.Flags().Visit(func(f *pflag.Flag) { flags.AddFlag(f) })
	}
	if v, err := flags.GetBool("mono"); err == nil {
		cfg.Mono = v
	}
	if v, err := flags.GetString("job-template"); err == nil && v != "" {
		cfg.Job.Template = v
	}
	if v, err := flags.GetString("job-desc-template"); err == nil && v != "" {
		cfg.Job.DescTemplate = v
	}
	if v, err := flags.GetInt("cores"); err == nil {
		cfg.Cores = v
	}
	if v, err := flags.GetInt("num-jobs"); err == nil {
		cfg.Job.NumJobs = v
	}
	if v, err := flags.GetInt("arrivals-per-cycle"); err == nil {
		cfg.Job.ArrivalsPerCycle = v
	}
	if v, err := flags.GetInt("processes-per-solver"); err == nil {
		cfg.ProcessesPerSolver = v
	}
	if v, err := flags.GetInt("verbosity"); err == nil {
		cfg.Logging.Verbosity = v
	}
	if v, err := flags.GetString("log-directory"); err == nil && v != "" {
		cfg.Logging.Directory = v
	}
	if v, err := flags.GetBool("mempanic"); err == nil {
		cfg.Solver.MemPanic = v
	}
	if v, err := flags.GetInt("max-lits-per-thread"); err == nil {
		cfg.Solver.MaxLitsPerThread = v
	}
	if v, err := flags.GetInt("strict-clause-length-limit"); err == nil {
		cfg.Solver.StrictClauseLengthLimit = v
	}
	if v, err := flags.GetFloat64("clause-buffer-discount"); err == nil {
		cfg.Solver.ClauseBufferDiscount = v
	}
	if v, err := flags.GetBool("export-chunks"); err == nil {
		cfg.Solver.ExportChunks = v
	}
	if v, err := flags.GetBool("derandomize"); err == nil {
		cfg.Scheduling.Derandomize = v
	}
	if v, err := flags.GetBool("warmup"); err == nil {
		cfg.Scheduling.Warmup = v
	}
	if v, err := flags.GetBool("reactivation-scheduling"); err == nil {
		cfg.Scheduling.ReactivationScheduling = v
	}
	if v, err := flags.GetBool("explicit-volume-updates"); err == nil {
		cfg.Scheduling.ExplicitVolumeUpdates = v
	}
	if v, err := flags.GetInt32("hops-until-collective-assignment"); err == nil {
		cfg.Scheduling.HopsUntilCollectiveAssignment = v
	}
	if v, err := flags.GetInt("job-cache-size"); err == nil {
		cfg.Scheduling.JobCacheSize = v
	}
	if v, err := flags.GetInt("num-bounce-alternatives"); err == nil {
		cfg.Scheduling.NumBounceAlternatives = v
	}
	if v, err := flags.GetInt("watchdog-abort-millis"); err == nil {
		cfg.Watchdog.AbortMillis = v
	}
	if v, err := flags.GetDuration("time-limit"); err == nil {
		cfg.Watchdog.TimeLimit = v
	}
	return cfg, nil
}

// Execute runs cmd against os.Args, exiting with status 1 on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
