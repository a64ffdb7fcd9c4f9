package resilience

import (
	"time"

	"github.com/google/uuid"

	"github.com/forgebuild/forgebuild/pkg/errors"
)

// Level is a configured ceiling on how aggressively the engine may react
// to failure
type Level int

const (
	// LevelBasic - plain retry only
	LevelBasic Level = iota
	// LevelStandard - retry with backoff, no recovery
	LevelStandard
	// LevelAdvanced - retry plus failure classification and recovery actions
	LevelAdvanced
	// LevelAggressive - everything, including degradation of the build context
	LevelAggressive
)

func (l Level) String() string {
	switch l {
	case LevelBasic:
		return "basic"
	case LevelStandard:
		return "standard"
	case LevelAdvanced:
		return "advanced"
	case LevelAggressive:
		return "aggressive"
	default:
		return "unknown"
	}
}

// ParseLevel parses a resilience level name
func ParseLevel(s string) (Level, error) {
	switch s {
	case "basic":
		return LevelBasic, nil
	case "standard":
		return LevelStandard, nil
	case "advanced":
		return LevelAdvanced, nil
	case "aggressive":
		return LevelAggressive, nil
	default:
		return LevelBasic, errors.NewValidationError("unknown resilience level: " + s)
	}
}

// BuildContext is the structured description of one build invocation.
// Unknown keys arriving from the pipeline are carried in Extra and passed
// through untouched.
type BuildContext struct {
	BuildID   string `json:"build_id"`
	Product   string `json:"product"`
	Arch      string `json:"arch"`
	BuildType string `json:"build_type"`
	Compiler  string `json:"compiler,omitempty"`
	Task      string `json:"task,omitempty"`

	ParallelJobs            int           `json:"parallel_jobs,omitempty"`
	Incremental             bool          `json:"incremental,omitempty"`
	SplitPhases             bool          `json:"split_phases,omitempty"`
	UsePCH                  bool          `json:"use_pch,omitempty"`
	AggressiveOptimizations bool          `json:"aggressive_optimizations,omitempty"`
	Timeout                 time.Duration `json:"timeout,omitempty"`

	// DegradationReason is set when a degradation strategy produced this
	// context
	DegradationReason string `json:"degradation_reason,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// Validate checks the fields this engine relies on. It is called once at
// the boundary where a context enters the engine.
func (c *BuildContext) Validate() error {
	if c.Product == "" {
		return errors.NewValidationError("build context requires a product")
	}
	if c.Arch == "" {
		return errors.NewValidationError("build context requires an arch")
	}
	if c.BuildType == "" {
		return errors.NewValidationError("build context requires a build type")
	}
	return nil
}

// EnsureBuildID generates a build id when the pipeline did not supply one
func (c *BuildContext) EnsureBuildID() {
	if c.BuildID == "" {
		c.BuildID = uuid.New().String()
	}
}

// Clone returns a deep copy. Strategies operate on clones so trying
// multiple strategies in sequence cannot interfere through shared state.
func (c BuildContext) Clone() BuildContext {
	clone := c
	if c.Extra != nil {
		clone.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			clone.Extra[k] = v
		}
	}
	return clone
}

// SameTarget reports whether two contexts describe the same build target
func (c BuildContext) SameTarget(other BuildContext) bool {
	return c.Product == other.Product &&
		c.Arch == other.Arch &&
		c.BuildType == other.BuildType
}
