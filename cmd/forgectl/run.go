package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgebuild/forgebuild/internal/process"
	"github.com/forgebuild/forgebuild/pkg/errors"
	"github.com/forgebuild/forgebuild/pkg/logging"
	"github.com/forgebuild/forgebuild/pkg/resilience"
)

var runCmd = &cobra.Command{
	Use:   "run -- <command> [args...]",
	Short: "Execute a build command under the resilience engine",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBuild,
}

func init() {
	runCmd.Flags().String("product", "", "Product being built")
	runCmd.Flags().String("arch", "", "Target architecture")
	runCmd.Flags().String("build-type", "release", "Build type (release, debug)")
	runCmd.Flags().String("compiler", "", "Compiler identifier (e.g. clang, msvc, clang-msvc)")
	runCmd.Flags().String("task", "build", "Build task")
	runCmd.Flags().Int("jobs", 0, "Parallel jobs (0 uses the resource gate's limit)")
	runCmd.Flags().Duration("timeout", 0, "Per-attempt build timeout (0 disables)")
	runCmd.Flags().String("level", "", "Resilience level (basic, standard, advanced, aggressive)")
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while running")

	runCmd.MarkFlagRequired("product")
	runCmd.MarkFlagRequired("arch")
}

func runBuild(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	logger := logging.GetLogger()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Warn("Interrupt received, cancelling build")
		cancel()
	}()

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", a.metrics.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn("Metrics server stopped", "error", err.Error())
			}
		}()
	}

	build, err := buildContextFromFlags(cmd, a)
	if err != nil {
		return err
	}
	build.EnsureBuildID()

	if removed := a.lock.CleanupStale(a.cfg.Workspace.LockMaxAge); removed > 0 {
		logger.Warn("Removed stale workspace lock")
	}
	if !a.lock.Acquire(build.BuildID) {
		holder, _ := a.lock.Holder()
		return fmt.Errorf("workspace is locked by another build (%s)", holder)
	}
	defer a.lock.Release(build.BuildID)

	levelName, _ := cmd.Flags().GetString("level")
	if levelName == "" {
		levelName = a.cfg.Resilience.Level
	}
	level, err := resilience.ParseLevel(levelName)
	if err != nil {
		return err
	}

	coordinator := resilience.NewCoordinator(resilience.CoordinatorConfig{
		Supervisor: a.supervisor,
		Lock:       a.lock,
		Gate:       a.gate,
	}, a.metrics)

	engine := resilience.NewEngine(resilience.EngineConfig{
		Level: level,
		Policy: resilience.Policy{
			MaxAttempts:       a.cfg.Retry.MaxAttempts,
			BaseDelay:         a.cfg.Retry.BaseDelay,
			MaxDelay:          a.cfg.Retry.MaxDelay,
			BackoffMultiplier: a.cfg.Retry.BackoffMultiplier,
			JitterFraction:    a.cfg.Retry.JitterFraction,
		},
		Coordinator: coordinator,
		Predictor:   resilience.NewPredictor(a.ledger),
		Ledger:      a.ledger,
		Tracer:      a.tracer,
		Metrics:     a.metrics,
	})

	outcome := engine.Execute(ctx, build, a.buildOperation(args))

	if a.tracer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := a.tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown failed", "error", err.Error())
		}
	}

	printOutcome(cmd.OutOrStdout(), outcome)

	if !outcome.Succeeded {
		if outcome.FinalError != nil {
			return outcome.FinalError
		}
		return fmt.Errorf("build failed after %d attempts", outcome.Attempts)
	}
	return nil
}

// buildContextFromFlags assembles the build context, asking the resource
// gate for the job limit when none was requested
func buildContextFromFlags(cmd *cobra.Command, a *app) (resilience.BuildContext, error) {
	product, _ := cmd.Flags().GetString("product")
	arch, _ := cmd.Flags().GetString("arch")
	buildType, _ := cmd.Flags().GetString("build-type")
	compiler, _ := cmd.Flags().GetString("compiler")
	task, _ := cmd.Flags().GetString("task")
	jobs, _ := cmd.Flags().GetInt("jobs")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	if jobs <= 0 {
		jobs = a.gate.Limits().MaxParallelJobs
	}

	build := resilience.BuildContext{
		Product:      product,
		Arch:         arch,
		BuildType:    buildType,
		Compiler:     compiler,
		Task:         task,
		ParallelJobs: jobs,
		Timeout:      timeout,
	}
	if err := build.Validate(); err != nil {
		return resilience.BuildContext{}, err
	}
	return build, nil
}

// buildOperation wraps the command invocation for the engine. Stderr is
// teed into a bounded buffer so failures can be classified from the
// command's own output.
func (a *app) buildOperation(command []string) resilience.Operation {
	return func(ctx context.Context, build resilience.BuildContext) error {
		runCtx := ctx
		var cancel context.CancelFunc
		if build.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, build.Timeout)
			defer cancel()
		}

		var errTail bytes.Buffer
		handle, err := a.supervisor.Start(runCtx, "build", expandJobs(command, build.ParallelJobs), process.StartOptions{
			Dir:    a.cfg.Workspace.Root,
			Stdout: os.Stdout,
			Stderr: io.MultiWriter(os.Stderr, &errTail),
		})
		if err != nil {
			return err
		}
		defer a.supervisor.Remove(handle.Name)

		code, waitErr := handle.Wait(runCtx)
		if waitErr != nil {
			a.supervisor.Kill(handle.Name)
			if runCtx.Err() == context.DeadlineExceeded {
				return errors.NewTimeoutError("build").WithBuildID(build.BuildID)
			}
			return waitErr
		}
		if code != 0 {
			msg := fmt.Sprintf("build exited with code %d", code)
			if tail := lastLines(errTail.String(), 20); tail != "" {
				msg = msg + ": " + tail
			}
			return errors.NewBuildError(build.BuildID, msg)
		}
		return nil
	}
}

// expandJobs substitutes the {jobs} placeholder in command arguments
func expandJobs(command []string, jobs int) []string {
	out := make([]string, len(command))
	for i, arg := range command {
		out[i] = strings.ReplaceAll(arg, "{jobs}", fmt.Sprintf("%d", jobs))
	}
	return out
}

// lastLines returns the last n lines of s joined by spaces
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, " "))
}

func printOutcome(w io.Writer, outcome resilience.Outcome) {
	payload := map[string]interface{}{
		"build_id":      outcome.BuildID,
		"succeeded":     outcome.Succeeded,
		"attempts":      outcome.Attempts,
		"total_elapsed": outcome.TotalElapsed.String(),
	}
	if len(outcome.StrategiesApplied) > 0 {
		payload["strategies_applied"] = outcome.StrategiesApplied
	}
	if outcome.DegradedContext != nil {
		payload["degraded_context"] = outcome.DegradedContext
	}
	if outcome.FinalError != nil {
		payload["error"] = outcome.FinalError.Error()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(payload)
}
