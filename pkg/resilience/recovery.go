package resilience

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/forgebuild/forgebuild/internal/process"
	"github.com/forgebuild/forgebuild/internal/resource"
	"github.com/forgebuild/forgebuild/internal/workspace"
	"github.com/forgebuild/forgebuild/pkg/errors"
	"github.com/forgebuild/forgebuild/pkg/logging"
	"github.com/forgebuild/forgebuild/pkg/metrics"
)

// timeoutFloor keeps reduce_timeout from shrinking a build timeout into
// uselessness
const timeoutFloor = time.Minute

// RecoveryPhase is the state of one build's recovery
type RecoveryPhase int

const (
	// PhaseNoRecovery - no recovery state exists for the build
	PhaseNoRecovery RecoveryPhase = iota
	// PhaseInitiated - a failure was registered, no action attempted yet
	PhaseInitiated
	// PhaseAttempting - at least one recovery action has run
	PhaseAttempting
	// PhaseRecovered - a recovery action succeeded
	PhaseRecovered
	// PhaseExhausted - every available option failed
	PhaseExhausted
)

func (p RecoveryPhase) String() string {
	switch p {
	case PhaseNoRecovery:
		return "no_recovery"
	case PhaseInitiated:
		return "initiated"
	case PhaseAttempting:
		return "attempting_recovery"
	case PhaseRecovered:
		return "recovered"
	case PhaseExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// FailureRecord captures one failure observed for a build
type FailureRecord struct {
	Timestamp time.Time        `json:"timestamp"`
	Kind      errors.ErrorType `json:"kind"`
	Message   string           `json:"message"`
	Attempt   int              `json:"attempt"`
}

// RecoveryState is the per-build recovery bookkeeping, exclusively owned
// by the coordinator and keyed by build id
type RecoveryState struct {
	BuildID           string
	OriginalContext   BuildContext
	CurrentContext    BuildContext
	FailureHistory    []FailureRecord
	AppliedStrategies []string
	AttemptCount      int
	LastAttemptAt     time.Time
	Recoverable       bool

	phase RecoveryPhase
	tried map[string]bool
}

// RecoverySnapshot is a value copy of the coordinator's state for a build
type RecoverySnapshot struct {
	BuildID           string        `json:"build_id"`
	Phase             RecoveryPhase `json:"phase"`
	AttemptCount      int           `json:"attempt_count"`
	AppliedStrategies []string      `json:"applied_strategies"`
	LastAttemptAt     time.Time     `json:"last_attempt_at"`
	Recoverable       bool          `json:"recoverable"`
}

// CoordinatorConfig wires the coordinator to its collaborators
type CoordinatorConfig struct {
	Supervisor *process.Supervisor
	Lock       *workspace.Lock
	Gate       *resource.Gate

	// BuildDir is removed wholesale by force_clean; empty disables the
	// removal and force_clean only kills tracked processes
	BuildDir string

	// ResourceWaitTimeout bounds resource_wait
	ResourceWaitTimeout time.Duration
}

// Coordinator owns per-build recovery state and orchestrates supervisor,
// lock and gate based recovery actions after a failure
type Coordinator struct {
	config CoordinatorConfig
	states map[string]*RecoveryState

	mu      sync.Mutex
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewCoordinator creates a recovery coordinator
func NewCoordinator(config CoordinatorConfig, m *metrics.Metrics) *Coordinator {
	if config.ResourceWaitTimeout <= 0 {
		config.ResourceWaitTimeout = 10 * time.Minute
	}

	return &Coordinator{
		config:  config,
		states:  make(map[string]*RecoveryState),
		logger:  logging.GetLogger(),
		metrics: m,
	}
}

// Initiate registers the first failure of a build and creates its recovery
// state. Later failures for the same build append to the existing history.
func (c *Coordinator) Initiate(buildID string, build BuildContext, failure FailureRecord) {
	if failure.Timestamp.IsZero() {
		failure.Timestamp = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state, exists := c.states[buildID]
	if !exists {
		state = &RecoveryState{
			BuildID:         buildID,
			OriginalContext: build.Clone(),
			CurrentContext:  build.Clone(),
			Recoverable:     true,
			phase:           PhaseInitiated,
			tried:           make(map[string]bool),
		}
		c.states[buildID] = state
	}

	state.FailureHistory = append(state.FailureHistory, failure)

	c.logger.Info("Recovery initiated",
		"build_id", buildID,
		"failure_kind", string(failure.Kind),
		"failures", len(state.FailureHistory),
	)
}

// GetRecoveryOptions returns the actions still available for a build, in
// the fixed order the engine attempts them. The base set is always
// available; compiler_fallback requires an original clang-msvc compiler,
// and the timeout-specific actions require the last failure to be a
// timeout.
func (c *Coordinator) GetRecoveryOptions(buildID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, exists := c.states[buildID]
	if !exists {
		return nil
	}

	options := []string{ActionForceClean, ActionResourceWait, ActionIsolationReset}

	if state.OriginalContext.Compiler == "clang-msvc" {
		options = append(options, ActionCompilerFallback)
	}

	if len(state.FailureHistory) > 0 {
		last := state.FailureHistory[len(state.FailureHistory)-1]
		if last.Kind == errors.ErrorTypeTimeout {
			options = append(options, ActionReduceTimeout, ActionSplitBuild)
		}
	}

	var remaining []string
	for _, opt := range options {
		if !state.tried[opt] {
			remaining = append(remaining, opt)
		}
	}
	return remaining
}

// AttemptRecovery executes one named recovery action for the build.
// Success transitions the state to recovered; failure leaves it attempting
// until the option list is exhausted.
func (c *Coordinator) AttemptRecovery(ctx context.Context, buildID, action string) bool {
	c.mu.Lock()
	state, exists := c.states[buildID]
	if !exists {
		c.mu.Unlock()
		return false
	}

	state.phase = PhaseAttempting
	state.tried[action] = true
	state.AttemptCount++
	state.LastAttemptAt = time.Now()
	c.mu.Unlock()

	success := c.executeAction(ctx, state, action)

	c.mu.Lock()
	if success {
		state.phase = PhaseRecovered
		state.AppliedStrategies = append(state.AppliedStrategies, action)
	} else if len(c.remainingOptionsLocked(state)) == 0 {
		state.phase = PhaseExhausted
		state.Recoverable = false
	}
	c.mu.Unlock()

	c.logger.LogRecoveryEvent(ctx, "recovery_attempt", buildID, action, success, nil)
	if success {
		c.metrics.RecordRecoveryAction(action, "success")
	} else {
		c.metrics.RecordRecoveryAction(action, "failure")
	}

	return success
}

// Phase returns the current recovery phase for a build
func (c *Coordinator) Phase(buildID string) RecoveryPhase {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, exists := c.states[buildID]
	if !exists {
		return PhaseNoRecovery
	}
	return state.phase
}

// Snapshot returns a value copy of a build's recovery state
func (c *Coordinator) Snapshot(buildID string) (RecoverySnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, exists := c.states[buildID]
	if !exists {
		return RecoverySnapshot{}, false
	}

	return RecoverySnapshot{
		BuildID:           state.BuildID,
		Phase:             state.phase,
		AttemptCount:      state.AttemptCount,
		AppliedStrategies: append([]string(nil), state.AppliedStrategies...),
		LastAttemptAt:     state.LastAttemptAt,
		Recoverable:       state.Recoverable,
	}, true
}

// CurrentContext returns the possibly mutated context for a build, e.g.
// after compiler_fallback or reduce_timeout
func (c *Coordinator) CurrentContext(buildID string) (BuildContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, exists := c.states[buildID]
	if !exists {
		return BuildContext{}, false
	}
	return state.CurrentContext.Clone(), true
}

// Cleanup discards the recovery state for a build from any phase
func (c *Coordinator) Cleanup(buildID string) {
	c.mu.Lock()
	delete(c.states, buildID)
	c.mu.Unlock()
}

func (c *Coordinator) remainingOptionsLocked(state *RecoveryState) []string {
	options := []string{ActionForceClean, ActionResourceWait, ActionIsolationReset}
	if state.OriginalContext.Compiler == "clang-msvc" {
		options = append(options, ActionCompilerFallback)
	}
	if len(state.FailureHistory) > 0 {
		last := state.FailureHistory[len(state.FailureHistory)-1]
		if last.Kind == errors.ErrorTypeTimeout {
			options = append(options, ActionReduceTimeout, ActionSplitBuild)
		}
	}

	var remaining []string
	for _, opt := range options {
		if !state.tried[opt] {
			remaining = append(remaining, opt)
		}
	}
	return remaining
}

// executeAction runs one recovery action against the collaborators
func (c *Coordinator) executeAction(ctx context.Context, state *RecoveryState, action string) bool {
	switch action {
	case ActionForceClean:
		return c.forceClean(state)
	case ActionResourceWait:
		return c.resourceWait(ctx)
	case ActionIsolationReset:
		return c.isolationReset(state.BuildID)
	case ActionCompilerFallback:
		return c.compilerFallback(state)
	case ActionReduceTimeout:
		return c.reduceTimeout(state)
	case ActionSplitBuild:
		return c.splitBuild(state)
	default:
		c.logger.Warn("Unknown recovery action", "action", action)
		return false
	}
}

// forceClean kills every tracked build process and removes the build
// directory
func (c *Coordinator) forceClean(state *RecoveryState) bool {
	if c.config.Supervisor != nil {
		killed := c.config.Supervisor.KillAll()
		for name, ok := range killed {
			c.logger.Debug("Force clean killed process",
				"build_id", state.BuildID,
				"name", name,
				"killed", ok,
			)
		}
	}

	if c.config.BuildDir == "" {
		return true
	}

	if err := os.RemoveAll(c.config.BuildDir); err != nil {
		c.logger.Warn("Force clean failed to remove build directory",
			"build_id", state.BuildID,
			"dir", c.config.BuildDir,
			"error", err.Error(),
		)
		return false
	}
	return true
}

// resourceWait blocks until the resource gate admits work or the wait
// times out
func (c *Coordinator) resourceWait(ctx context.Context) bool {
	if c.config.Gate == nil {
		return false
	}
	return c.config.Gate.WaitUntilReady(ctx, c.config.ResourceWaitTimeout)
}

// isolationReset clears the workspace lock, removing a stale marker if one
// is in the way, then re-acquires it for this build
func (c *Coordinator) isolationReset(buildID string) bool {
	if c.config.Lock == nil {
		return false
	}

	if !c.config.Lock.Release(buildID) {
		c.config.Lock.CleanupStale(time.Nanosecond)
	}
	return c.config.Lock.Acquire(buildID)
}

// compilerFallback rewrites the recovery context from clang-msvc to msvc
func (c *Coordinator) compilerFallback(state *RecoveryState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state.CurrentContext.Compiler != "clang-msvc" {
		return false
	}
	state.CurrentContext.Compiler = "msvc"
	state.CurrentContext.DegradationReason = "recovery: compiler fallback to msvc"
	return true
}

// reduceTimeout halves the build timeout, floored at one minute
func (c *Coordinator) reduceTimeout(state *RecoveryState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state.CurrentContext.Timeout <= timeoutFloor {
		return false
	}
	state.CurrentContext.Timeout /= 2
	if state.CurrentContext.Timeout < timeoutFloor {
		state.CurrentContext.Timeout = timeoutFloor
	}
	state.CurrentContext.DegradationReason = "recovery: timeout reduced"
	return true
}

// splitBuild marks the recovery context to run compile and link separately
func (c *Coordinator) splitBuild(state *RecoveryState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state.CurrentContext.SplitPhases {
		return false
	}
	state.CurrentContext.SplitPhases = true
	state.CurrentContext.DegradationReason = "recovery: split compile and link phases"
	return true
}
