package resilience

import (
	"fmt"
	"sort"

	"github.com/forgebuild/forgebuild/pkg/logging"
	"github.com/forgebuild/forgebuild/pkg/metrics"
)

// Strategy is one degradation: a context mutation that trades build speed
// or aggressiveness for a higher probability of success on retry. Apply is
// pure; it returns a new context and never mutates the input.
type Strategy interface {
	Name() string
	Description() string
	// Priority orders strategies; lower values are applied first
	Priority() int
	Applicable(build BuildContext) bool
	Apply(build BuildContext) BuildContext
}

// reduceParallelJobs halves the parallel job count for release builds on
// clang toolchains, which are the heaviest memory consumers
type reduceParallelJobs struct{}

func (reduceParallelJobs) Name() string        { return "reduce_parallel_jobs" }
func (reduceParallelJobs) Description() string { return "halve parallel build jobs" }
func (reduceParallelJobs) Priority() int       { return 1 }

func (reduceParallelJobs) Applicable(build BuildContext) bool {
	if build.BuildType != "release" || build.ParallelJobs <= 1 {
		return false
	}
	return build.Compiler == "clang-msvc" || build.Compiler == "clang"
}

func (s reduceParallelJobs) Apply(build BuildContext) BuildContext {
	next := build.Clone()
	next.ParallelJobs = build.ParallelJobs / 2
	if next.ParallelJobs < 1 {
		next.ParallelJobs = 1
	}
	next.DegradationReason = fmt.Sprintf("%s: jobs %d -> %d", s.Name(), build.ParallelJobs, next.ParallelJobs)
	return next
}

// incrementalBuild converts a clean rebuild into an incremental one
type incrementalBuild struct{}

func (incrementalBuild) Name() string        { return "incremental_build" }
func (incrementalBuild) Description() string { return "switch clean rebuild to incremental" }
func (incrementalBuild) Priority() int       { return 2 }

func (incrementalBuild) Applicable(build BuildContext) bool {
	return build.Task == "clean build"
}

func (s incrementalBuild) Apply(build BuildContext) BuildContext {
	next := build.Clone()
	next.Task = "build"
	next.Incremental = true
	next.DegradationReason = s.Name() + ": clean build replaced with incremental build"
	return next
}

// compilerFallback falls back from clang-msvc to plain msvc
type compilerFallback struct{}

func (compilerFallback) Name() string        { return "compiler_fallback" }
func (compilerFallback) Description() string { return "fall back from clang-msvc to msvc" }
func (compilerFallback) Priority() int       { return 3 }

func (compilerFallback) Applicable(build BuildContext) bool {
	return build.Compiler == "clang-msvc"
}

func (s compilerFallback) Apply(build BuildContext) BuildContext {
	next := build.Clone()
	next.Compiler = "msvc"
	next.DegradationReason = s.Name() + ": clang-msvc replaced with msvc"
	return next
}

// splitBuildPhases splits a release build into separate compile and link
// phases
type splitBuildPhases struct{}

func (splitBuildPhases) Name() string        { return "split_build_phases" }
func (splitBuildPhases) Description() string { return "split build into compile and link phases" }
func (splitBuildPhases) Priority() int       { return 4 }

func (splitBuildPhases) Applicable(build BuildContext) bool {
	return build.BuildType == "release" && !build.SplitPhases
}

func (s splitBuildPhases) Apply(build BuildContext) BuildContext {
	next := build.Clone()
	next.SplitPhases = true
	next.DegradationReason = s.Name() + ": compile and link run as separate phases"
	return next
}

// conservativeOptimization disables aggressive optimizations and
// precompiled headers for release builds
type conservativeOptimization struct{}

func (conservativeOptimization) Name() string { return "conservative_optimization" }
func (conservativeOptimization) Description() string {
	return "disable aggressive optimizations and precompiled headers"
}
func (conservativeOptimization) Priority() int { return 5 }

func (conservativeOptimization) Applicable(build BuildContext) bool {
	return build.BuildType == "release" && (build.AggressiveOptimizations || build.UsePCH)
}

func (s conservativeOptimization) Apply(build BuildContext) BuildContext {
	next := build.Clone()
	next.AggressiveOptimizations = false
	next.UsePCH = false
	next.DegradationReason = s.Name() + ": aggressive optimizations and PCH disabled"
	return next
}

// Planner proposes and applies ordered, priority-ranked context mutations
// to raise the odds of success on retry
type Planner struct {
	strategies []Strategy
	logger     *logging.Logger
	metrics    *metrics.Metrics
}

// NewPlanner creates a planner with the built-in strategy catalog
func NewPlanner(m *metrics.Metrics) *Planner {
	return NewPlannerWithStrategies(m,
		reduceParallelJobs{},
		incrementalBuild{},
		compilerFallback{},
		splitBuildPhases{},
		conservativeOptimization{},
	)
}

// NewPlannerWithStrategies creates a planner with a custom catalog
func NewPlannerWithStrategies(m *metrics.Metrics, strategies ...Strategy) *Planner {
	sorted := append([]Strategy(nil), strategies...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})

	return &Planner{
		strategies: sorted,
		logger:     logging.GetLogger(),
		metrics:    m,
	}
}

// Applicable returns the strategies whose predicates accept the context,
// sorted by priority ascending. Selection is pure.
func (p *Planner) Applicable(build BuildContext) []Strategy {
	var out []Strategy
	for _, s := range p.strategies {
		if s.Applicable(build) {
			out = append(out, s)
		}
	}
	return out
}

// Apply runs one strategy against the context and returns the mutated copy
func (p *Planner) Apply(s Strategy, build BuildContext) BuildContext {
	next := s.Apply(build)

	p.logger.Info("Applied degradation strategy",
		"build_id", build.BuildID,
		"strategy", s.Name(),
		"reason", next.DegradationReason,
	)
	p.metrics.RecordDegradation(s.Name())

	return next
}
