// Package config defines the worker's YAML-configurable settings, mirroring
// the CLI flags of SPEC_FULL.md §2. Grounded on the teacher's
// internal/cli.Config: nested structs with yaml tags, one section per
// concern, loaded with gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete worker configuration.
type Config struct {
	Fabric struct {
		Mode string         `yaml:"mode"` // "grpc" or "fake"
		Book map[int]string `yaml:"book"` // rank -> host:port, grpc mode only
	} `yaml:"fabric"`

	Scheduling struct {
		Derandomize                   bool `yaml:"derandomize"`
		Warmup                        bool `yaml:"warmup"`
		ReactivationScheduling        bool `yaml:"reactivation_scheduling"`
		ExplicitVolumeUpdates         bool `yaml:"explicit_volume_updates"`
		HopsUntilCollectiveAssignment int32 `yaml:"hops_until_collective_assignment"`
		JobCacheSize                  int  `yaml:"job_cache_size"`
		NumBounceAlternatives         int  `yaml:"num_bounce_alternatives"`
	} `yaml:"scheduling"`

	Job struct {
		Template         string `yaml:"job_template"`
		DescTemplate     string `yaml:"job_desc_template"`
		NumJobs          int    `yaml:"num_jobs"`
		ArrivalsPerCycle int    `yaml:"arrivals_per_cycle"`
	} `yaml:"job"`

	Watchdog struct {
		AbortMillis int           `yaml:"watchdog_abort_millis"`
		TimeLimit   time.Duration `yaml:"time_limit"`
	} `yaml:"watchdog"`

	Solver struct {
		MemPanic                 bool    `yaml:"mempanic"`
		MaxLitsPerThread         int     `yaml:"max_lits_per_thread"`
		StrictClauseLengthLimit  int     `yaml:"strict_clause_length_limit"`
		ClauseBufferDiscount     float64 `yaml:"clause_buffer_discount"`
		ExportChunks             bool    `yaml:"export_chunks"`
	} `yaml:"solver"`

	Logging struct {
		Directory string `yaml:"log_directory"`
		Verbosity int    `yaml:"verbosity"`
	} `yaml:"logging"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	ProcessesPerSolver int  `yaml:"processes_per_solver"`
	Cores              int  `yaml:"cores"`
	Mono               bool `yaml:"mono"`
	ForgetAfterSeconds int  `yaml:"forget_after_seconds"`
}

// Default returns the configuration a fresh worker starts with absent a
// config file: single-solver, randomized routing, no reactivation
// scheduling, metrics on :9090.
func Default() Config {
	var cfg Config
	cfg.Fabric.Mode = "fake"
	cfg.Scheduling.HopsUntilCollectiveAssignment = 512
	cfg.Scheduling.JobCacheSize = 4
	cfg.Scheduling.NumBounceAlternatives = 1
	cfg.Watchdog.AbortMillis = 30000
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Cores = 1
	cfg.ForgetAfterSeconds = 3600
	return cfg
}

// Load reads and parses a YAML config file, filling unset fields from
// Default first.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
