package resilience

import (
	"sort"
	"time"

	"github.com/forgebuild/forgebuild/internal/ledger"
	"github.com/forgebuild/forgebuild/pkg/logging"
)

const (
	// riskThreshold filters out predictions too weak to act on
	riskThreshold = 0.5
	// recentWindow is how many matching records contribute direct risk
	recentWindow = 5
	// riskPerOccurrence is the risk added for each matching occurrence in
	// the recent window
	riskPerOccurrence = 0.2

	memoryExhaustionPeakMB = 3000
	slowBuildThreshold     = 30 * time.Minute
)

// Prediction names a failure pattern the history suggests is likely for an
// upcoming build
type Prediction struct {
	Pattern      string  `json:"pattern"`
	RiskScore    float64 `json:"risk_score"`
	RecoveryHint string  `json:"recovery_hint"`
	Confidence   float64 `json:"confidence"`
}

// Predictor scores failure risk for a build context against the outcome
// ledger
type Predictor struct {
	ledger *ledger.Ledger
	logger *logging.Logger
}

// NewPredictor creates a predictor backed by the given ledger
func NewPredictor(l *ledger.Ledger) *Predictor {
	return &Predictor{
		ledger: l,
		logger: logging.GetLogger(),
	}
}

// Predict returns the failure patterns relevant to the build, highest risk
// first. Only patterns scoring above the risk threshold are returned.
func (p *Predictor) Predict(build BuildContext) []Prediction {
	if p.ledger == nil {
		return nil
	}

	history := p.ledger.Snapshot()
	if len(history) == 0 {
		return nil
	}

	relevant := filterRelevant(history, build)
	if len(relevant) == 0 {
		return nil
	}

	// confidence scales with how much of the history actually matches
	// this build's target
	confidence := float64(len(relevant)) / float64(len(history))

	recent := relevant
	if len(recent) > recentWindow {
		recent = recent[len(recent)-recentWindow:]
	}

	counts := map[string]int{}
	for _, rec := range recent {
		for _, pattern := range recordPatterns(rec) {
			counts[pattern]++
		}
	}
	// Repeated failures weigh every failed run in the recent window, not
	// just runs matching a specific pattern
	if repeatedFailure(relevant) {
		for _, rec := range recent {
			if !rec.Succeeded {
				counts["repeated_failure"]++
			}
		}
	}

	var predictions []Prediction
	for pattern, n := range counts {
		risk := riskPerOccurrence * float64(n) * confidence
		if risk > 1.0 {
			risk = 1.0
		}
		if risk <= riskThreshold {
			continue
		}
		predictions = append(predictions, Prediction{
			Pattern:      pattern,
			RiskScore:    risk,
			RecoveryHint: recoveryHint(pattern),
			Confidence:   confidence,
		})
	}

	sort.Slice(predictions, func(i, j int) bool {
		return predictions[i].RiskScore > predictions[j].RiskScore
	})

	if len(predictions) > 0 {
		p.logger.Debug("Failure patterns predicted",
			"build_id", build.BuildID,
			"patterns", len(predictions),
			"top", predictions[0].Pattern,
		)
	}

	return predictions
}

// filterRelevant keeps records matching the build's target identity
func filterRelevant(history []ledger.BuildOutcomeRecord, build BuildContext) []ledger.BuildOutcomeRecord {
	var out []ledger.BuildOutcomeRecord
	for _, rec := range history {
		if rec.Product == build.Product &&
			rec.Arch == build.Arch &&
			rec.BuildType == build.BuildType &&
			rec.Compiler == build.Compiler {
			out = append(out, rec)
		}
	}
	return out
}

// recordPatterns extracts the failure patterns a single record exhibits
func recordPatterns(rec ledger.BuildOutcomeRecord) []string {
	var patterns []string

	if rec.PeakMemoryMB > memoryExhaustionPeakMB {
		patterns = append(patterns, "memory_exhaustion")
	}
	if rec.Duration > slowBuildThreshold {
		patterns = append(patterns, "slow_build")
	}
	if !rec.Succeeded && rec.FailureKind == "timeout" {
		patterns = append(patterns, "timeout_failure")
	}

	return patterns
}

// repeatedFailure reports whether at least two of the last three relevant
// records failed
func repeatedFailure(relevant []ledger.BuildOutcomeRecord) bool {
	tail := relevant
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}

	failures := 0
	for _, rec := range tail {
		if !rec.Succeeded {
			failures++
		}
	}
	return failures >= 2
}

// recoveryHint suggests a mitigation for a predicted pattern
func recoveryHint(pattern string) string {
	switch pattern {
	case "memory_exhaustion":
		return "reduce parallel jobs before starting"
	case "slow_build":
		return "enable incremental builds or split phases"
	case "timeout_failure":
		return "increase the timeout or split compile and link"
	case "repeated_failure":
		return "run a force clean before retrying"
	default:
		return "review recent build logs"
	}
}
