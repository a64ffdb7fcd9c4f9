package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgebuild/forgebuild/internal/cache"
	"github.com/forgebuild/forgebuild/internal/ledger"
	"github.com/forgebuild/forgebuild/internal/process"
	"github.com/forgebuild/forgebuild/internal/resource"
	"github.com/forgebuild/forgebuild/internal/workspace"
	"github.com/forgebuild/forgebuild/pkg/config"
	"github.com/forgebuild/forgebuild/pkg/logging"
	"github.com/forgebuild/forgebuild/pkg/metrics"
	"github.com/forgebuild/forgebuild/pkg/tracing"
)

var rootCmd = &cobra.Command{
	Use:          "forgectl",
	Short:        "Resilient build execution",
	Long:         `forgectl runs build commands under retry, recovery and degradation policies, with a workspace-scoped artifact cache and build performance history.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("workspace", "", "Workspace root (defaults to the current directory)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(cleanupCmd)
}

// app holds the wired services every subcommand works against
type app struct {
	cfg        *config.Config
	metrics    *metrics.Metrics
	tracer     *tracing.TracingService
	ledger     *ledger.Ledger
	store      *cache.Store
	lock       *workspace.Lock
	supervisor *process.Supervisor
	gate       *resource.Gate
}

// newApp loads configuration and wires the services. The workspace flag
// overrides FORGEBUILD_WORKSPACE.
func newApp(cmd *cobra.Command) (*app, error) {
	if ws, _ := cmd.Flags().GetString("workspace"); ws != "" {
		os.Setenv("FORGEBUILD_WORKSPACE", ws)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "forgectl",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.SetGlobalLogger(logger)

	m := metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Enabled:   cfg.Metrics.Enabled,
	})

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "forgectl",
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	led, err := ledger.NewLedger(cfg.HistoryPath(), m)
	if err != nil {
		return nil, fmt.Errorf("failed to open performance ledger: %w", err)
	}

	var store *cache.Store
	if cfg.Cache.Enabled {
		store, err = cache.NewStore(cfg.CacheDir(), cfg.Cache.BudgetBytes, m)
		if err != nil {
			return nil, fmt.Errorf("failed to open artifact cache: %w", err)
		}
	}

	gate := resource.NewGate(resource.Thresholds{
		MinFreeMemoryMB: cfg.Resources.MinFreeMemoryMB,
		MinFreeDiskGB:   cfg.Resources.MinFreeDiskGB,
		MaxCPUPercent:   cfg.Resources.MaxCPUPercent,
		PollInterval:    cfg.Resources.PollInterval,
	}, m)

	return &app{
		cfg:        cfg,
		metrics:    m,
		tracer:     tracer,
		ledger:     led,
		store:      store,
		lock:       workspace.NewLock(cfg.LockPath(), m),
		supervisor: process.NewSupervisor(cfg.Workspace.KillGrace, m),
		gate:       gate,
	}, nil
}
