package resilience

import (
	"context"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/forgebuild/forgebuild/internal/ledger"
	"github.com/forgebuild/forgebuild/pkg/logging"
	"github.com/forgebuild/forgebuild/pkg/metrics"
	"github.com/forgebuild/forgebuild/pkg/tracing"
)

// Outcome summarizes one resilient build execution
type Outcome struct {
	BuildID           string        `json:"build_id"`
	Succeeded         bool          `json:"succeeded"`
	Attempts          int           `json:"attempts"`
	TotalElapsed      time.Duration `json:"total_elapsed"`
	StrategiesApplied []string      `json:"strategies_applied,omitempty"`

	// DegradedContext is non-nil when the aggressive level produced a
	// degraded context for the caller to run next
	DegradedContext *BuildContext `json:"degraded_context,omitempty"`

	FinalError error `json:"-"`
}

// Engine ties retry, classification, recovery and degradation together
// behind a single Execute call. Behavior widens with the resilience level:
// basic retries only, standard adds classification, advanced adds the
// recovery chain, aggressive adds context degradation.
type Engine struct {
	level       Level
	executor    *Executor
	classifier  *Classifier
	planner     *Planner
	coordinator *Coordinator
	predictor   *Predictor
	ledger      *ledger.Ledger
	tracer      *tracing.TracingService

	// onOutcome, when set, observes every finished execution
	onOutcome func(Outcome)

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// EngineConfig assembles an engine from its parts. Coordinator, predictor,
// ledger and tracer may be nil; the engine skips the corresponding
// behavior.
type EngineConfig struct {
	Level       Level
	Policy      Policy
	Coordinator *Coordinator
	Predictor   *Predictor
	Ledger      *ledger.Ledger
	Tracer      *tracing.TracingService
	Metrics     *metrics.Metrics
}

// NewEngine creates a resilience engine
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		level:       cfg.Level,
		executor:    NewExecutor(cfg.Policy, cfg.Metrics),
		classifier:  NewClassifier(),
		planner:     NewPlanner(cfg.Metrics),
		coordinator: cfg.Coordinator,
		predictor:   cfg.Predictor,
		ledger:      cfg.Ledger,
		tracer:      cfg.Tracer,
		logger:      logging.GetLogger(),
		metrics:     cfg.Metrics,
	}
}

// Level returns the engine's resilience level
func (e *Engine) Level() Level {
	return e.level
}

// SetResultListener registers a callback invoked with every Outcome after
// it is recorded. Call before Execute; the engine does not synchronize
// listener changes against in-flight executions.
func (e *Engine) SetResultListener(fn func(Outcome)) {
	e.onOutcome = fn
}

// Execute runs the operation under the engine's resilience level. The
// outcome is always recorded to the ledger, success or failure.
func (e *Engine) Execute(ctx context.Context, build BuildContext, op Operation) Outcome {
	started := time.Now()

	if err := build.Validate(); err != nil {
		return Outcome{
			BuildID:      build.BuildID,
			TotalElapsed: time.Since(started),
			FinalError:   err,
		}
	}
	build.EnsureBuildID()
	ctx = logging.WithBuildID(ctx, build.BuildID)

	e.warnOnPredictions(build)

	var span oteltrace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.StartBuildSpan(ctx, "execute", build.BuildID, build.Product)
		defer span.End()
	}

	success, run := e.executor.Run(ctx, op, build)

	outcome := Outcome{
		BuildID:      build.BuildID,
		Succeeded:    success,
		Attempts:     run.Attempts,
		TotalElapsed: time.Since(started),
		FinalError:   run.FinalError,
	}

	if !success && e.level >= LevelAdvanced && e.coordinator != nil {
		e.runRecoveryChain(ctx, build, op, run, &outcome)
	}

	if !outcome.Succeeded && e.level >= LevelAggressive {
		e.planDegradation(build, &outcome)
	}

	outcome.TotalElapsed = time.Since(started)
	e.recordOutcome(ctx, build, outcome)
	if e.onOutcome != nil {
		e.onOutcome(outcome)
	}

	if span != nil {
		if outcome.Succeeded {
			e.tracer.SetSpanOK(span)
		} else if outcome.FinalError != nil {
			e.tracer.RecordError(span, outcome.FinalError)
		}
	}

	return outcome
}

// runRecoveryChain classifies the failure, registers it with the
// coordinator, and walks the recovery options in order, re-running the
// build after each successful action until a run succeeds or the options
// are exhausted
func (e *Engine) runRecoveryChain(ctx context.Context, build BuildContext, op Operation, run RunResult, outcome *Outcome) {
	kind, _ := e.classifier.ClassifyError(run.FinalError)

	e.coordinator.Initiate(build.BuildID, build, FailureRecord{
		Kind:    kind,
		Message: run.FinalError.Error(),
		Attempt: run.Attempts,
	})

	for {
		options := e.coordinator.GetRecoveryOptions(build.BuildID)
		if len(options) == 0 {
			e.logger.Warn("Recovery options exhausted", "build_id", build.BuildID)
			return
		}

		action := options[0]

		var span oteltrace.Span
		if e.tracer != nil {
			_, span = e.tracer.StartRecoverySpan(ctx, build.BuildID, action)
		}

		recovered := e.coordinator.AttemptRecovery(ctx, build.BuildID, action)
		if span != nil {
			span.End()
		}
		if !recovered {
			continue
		}

		retryBuild := build
		if current, ok := e.coordinator.CurrentContext(build.BuildID); ok {
			retryBuild = current
		}

		err := op(ctx, retryBuild)
		outcome.Attempts++

		if err == nil {
			outcome.Succeeded = true
			outcome.FinalError = nil
			outcome.StrategiesApplied = []string{"recovery_chain"}
			e.coordinator.Cleanup(build.BuildID)
			e.logger.Info("Build recovered",
				"build_id", build.BuildID,
				"action", action,
			)
			return
		}
		outcome.FinalError = err
	}
}

// planDegradation asks the planner for the highest-priority applicable
// strategy and hands the degraded context back to the caller
func (e *Engine) planDegradation(build BuildContext, outcome *Outcome) {
	applicable := e.planner.Applicable(build)
	if len(applicable) == 0 {
		return
	}

	strategy := applicable[0]
	degraded := e.planner.Apply(strategy, build)
	outcome.DegradedContext = &degraded
	outcome.StrategiesApplied = append(outcome.StrategiesApplied, strategy.Name())

	e.logger.Info("Degraded context prepared",
		"build_id", build.BuildID,
		"strategy", strategy.Name(),
		"reason", degraded.DegradationReason,
	)
}

// recordOutcome writes the execution to the outcome ledger and metrics
func (e *Engine) recordOutcome(ctx context.Context, build BuildContext, outcome Outcome) {
	status := "failure"
	if outcome.Succeeded {
		status = "success"
	}
	e.metrics.RecordBuild(build.Product, build.BuildType, status, outcome.TotalElapsed)

	if e.ledger == nil {
		return
	}

	rec := ledger.BuildOutcomeRecord{
		Product:              build.Product,
		Arch:                 build.Arch,
		BuildType:            build.BuildType,
		Compiler:             build.Compiler,
		Duration:             outcome.TotalElapsed,
		Succeeded:            outcome.Succeeded,
		AppliedOptimizations: outcome.StrategiesApplied,
	}
	if outcome.FinalError != nil {
		kind, _ := e.classifier.ClassifyError(outcome.FinalError)
		rec.FailureKind = string(kind)
		rec.ErrorMessage = outcome.FinalError.Error()
	}
	e.ledger.Record(ctx, rec)
}

// warnOnPredictions surfaces high-risk failure patterns before the build
// starts
func (e *Engine) warnOnPredictions(build BuildContext) {
	if e.predictor == nil {
		return
	}
	for _, pred := range e.predictor.Predict(build) {
		e.logger.Warn("Failure pattern predicted",
			"build_id", build.BuildID,
			"pattern", pred.Pattern,
			"risk", pred.RiskScore,
			"hint", pred.RecoveryHint,
		)
	}
}
