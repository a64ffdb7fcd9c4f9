package resilience

import (
	"strings"

	"github.com/forgebuild/forgebuild/pkg/errors"
)

// Recovery action names shared by the classifier, the coordinator and the
// engine
const (
	ActionRetry              = "retry"
	ActionCheckLogs          = "check_logs"
	ActionManualIntervention = "manual_intervention"
	ActionForceClean         = "force_clean"
	ActionResourceWait       = "resource_wait"
	ActionIsolationReset     = "isolation_reset"
	ActionCompilerFallback   = "compiler_fallback"
	ActionReduceTimeout      = "reduce_timeout"
	ActionSplitBuild         = "split_build"
	ActionReduceParallelJobs = "reduce_parallel_jobs"
)

// classificationRule maps substring patterns to a failure kind and its
// default recovery actions
type classificationRule struct {
	kind     errors.ErrorType
	patterns []string
	actions  []string
}

// classificationRules is checked in order; the first kind with a matching
// pattern wins. More specific patterns come before generic ones so that
// e.g. "undefined reference" lands on linking rather than compilation.
var classificationRules = []classificationRule{
	{
		kind:     errors.ErrorTypeTimeout,
		patterns: []string{"timed out", "timeout", "deadline exceeded"},
		actions:  []string{ActionReduceTimeout, ActionSplitBuild, ActionRetry},
	},
	{
		kind: errors.ErrorTypeResourceExhaustion,
		patterns: []string{
			"out of memory", "cannot allocate memory", "no space left on device",
			"resource temporarily unavailable", "disk full", "oom",
		},
		actions: []string{ActionResourceWait, ActionReduceParallelJobs, ActionForceClean},
	},
	{
		kind: errors.ErrorTypeLinking,
		patterns: []string{
			"undefined reference", "unresolved external symbol", "ld returned",
			"cannot find -l", "duplicate symbol", "lnk1", "lnk2",
		},
		actions: []string{ActionForceClean, ActionCheckLogs},
	},
	{
		kind: errors.ErrorTypeDependency,
		patterns: []string{
			"conan", "vcpkg", "could not find package", "package not found",
			"missing dependency", "no such file or directory",
		},
		actions: []string{ActionForceClean, ActionRetry, ActionCheckLogs},
	},
	{
		kind: errors.ErrorTypeConfiguration,
		patterns: []string{
			"cmake error", "configuration failed", "could not configure",
			"generator", "toolchain file",
		},
		actions: []string{ActionForceClean, ActionCheckLogs},
	},
	{
		kind: errors.ErrorTypeCompilation,
		patterns: []string{
			"compilation terminated", "syntax error", "undeclared identifier",
			"no member named", "error c2", "error:",
		},
		actions: []string{ActionCheckLogs, ActionManualIntervention},
	},
}

// unknownActions are the generic actions returned when nothing matches
var unknownActions = []string{ActionRetry, ActionCheckLogs, ActionManualIntervention}

// Classifier maps a raw error string to a failure kind and a recovery
// action list. Classification is best-effort substring matching and may
// misclassify; kinds are advisory hints.
type Classifier struct{}

// NewClassifier creates a failure classifier
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify returns the failure kind and default recovery actions for the
// given error text
func (c *Classifier) Classify(errorText string) (errors.ErrorType, []string) {
	lowered := strings.ToLower(errorText)

	for _, rule := range classificationRules {
		for _, pattern := range rule.patterns {
			if strings.Contains(lowered, pattern) {
				return rule.kind, append([]string(nil), rule.actions...)
			}
		}
	}

	return errors.ErrorTypeUnknown, append([]string(nil), unknownActions...)
}

// ClassifyError classifies an error value, preferring an already typed
// AppError over substring matching
func (c *Classifier) ClassifyError(err error) (errors.ErrorType, []string) {
	if err == nil {
		return errors.ErrorTypeUnknown, append([]string(nil), unknownActions...)
	}

	if kind := errors.GetType(err); kind != errors.ErrorTypeUnknown && kind != errors.ErrorTypeInternal {
		for _, rule := range classificationRules {
			if rule.kind == kind {
				return kind, append([]string(nil), rule.actions...)
			}
		}
	}

	return c.Classify(err.Error())
}
