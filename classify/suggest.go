package classify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"warden/core"
	"warden/metrics"
)

// argsFamilyThreshold is the number of rules above which an ARGS pattern
// is better served by a target update than a per-trigger exclusion
const argsFamilyThreshold = 3

// Suggestion is one proposed exception command
type Suggestion struct {
	Index      int
	Family     core.Family
	Command    string
	Requests   string
	Confidence string
}

// Analysis is the outcome of classifying one alert
type Analysis struct {
	AlertID       string
	Suggestions   []Suggestion
	NonFPRequests []any
	// FPRequestIDs are the request IDs covered by any FP pattern, sorted
	FPRequestIDs []int
}

// Classified reports whether the model judged at least one request
func (a Analysis) Classified() bool {
	return len(a.FPRequestIDs) > 0 || len(a.NonFPRequests) > 0
}

// Classifier judges the requests of an alert
type Classifier interface {
	Analyze(ctx context.Context, alertID string, entry core.AlertLogEntry) (Analysis, error)
}

// Analyzer is a Classifier backed by a chat completion model
type Analyzer struct {
	completer Completer
	logger    *zap.SugaredLogger
}

// NewAnalyzer creates an analyzer
func NewAnalyzer(completer Completer, logger *zap.SugaredLogger) *Analyzer {
	return &Analyzer{completer: completer, logger: logger}
}

// Analyze implements Classifier
func (a *Analyzer) Analyze(ctx context.Context, alertID string, entry core.AlertLogEntry) (Analysis, error) {
	reply, err := a.completer.Complete(ctx, SystemPrompt, BuildPrompt(alertID, entry))
	if err != nil {
		metrics.ClassifierRequests.WithLabelValues("failure").Inc()
		return Analysis{}, fmt.Errorf("classifier request failed: %w", err)
	}

	verdict, err := ParseVerdict(reply)
	if err != nil {
		metrics.ClassifierRequests.WithLabelValues("invalid").Inc()
		a.logger.Warnw("Classifier reply rejected", "alert_id", alertID, "error", err)
		return Analysis{}, err
	}
	metrics.ClassifierRequests.WithLabelValues("success").Inc()

	return Analysis{
		AlertID:       alertID,
		Suggestions:   Suggest(verdict),
		NonFPRequests: verdict.NonFPRequests,
		FPRequestIDs:  verdict.FPRequestIDs(),
	}, nil
}

// Suggest turns every FP pattern of a verdict into a command
func Suggest(v Verdict) []Suggestion {
	out := make([]Suggestion, 0, len(v.FPPatterns))
	for i, fp := range v.FPPatterns {
		family := ChooseFamily(fp)
		out = append(out, Suggestion{
			Index:      i + 1,
			Family:     family,
			Command:    BuildCommand(family, fp),
			Requests:   requestLabel(fp.Requests),
			Confidence: fp.Confidence,
		})
	}
	return out
}

// ChooseFamily picks the family for a pattern. Per-trigger target
// exclusion is the fallback.
func ChooseFamily(fp FPPattern) core.Family {
	switch {
	case fp.Confidence == "high" && fp.Scope == "global":
		return core.FamilyGlobalRemoval
	case strings.HasPrefix(fp.Variable, "REQUEST_URI"):
		return core.FamilyEngineDisable
	case strings.HasPrefix(fp.Variable, "ARGS") && len(fp.RORT.Values) >= argsFamilyThreshold:
		return core.FamilyTargetUpdate
	default:
		return core.FamilyTargetExclusion
	}
}

// BuildCommand renders the slash command for a pattern
func BuildCommand(family core.Family, fp FPPattern) string {
	values := strings.Join(fp.RORT.Strings(), ",")
	phase := fp.Phase
	if phase != 1 && phase != 2 {
		phase = 2
	}

	switch family {
	case core.FamilyTargetUpdate:
		if fp.RORT.Type == "tag" {
			return fmt.Sprintf("/exception-pp2 --t %s --tag %s", fp.Variable, values)
		}
		return fmt.Sprintf("/exception-pp2 --t %s --id %s", fp.Variable, values)
	case core.FamilyEngineDisable:
		return fmt.Sprintf("/exception-pp3 --v %s --o %s --m %s --rort all --p %d",
			fp.Variable, fp.Operator, fp.Value, phase)
	case core.FamilyGlobalRemoval:
		return fmt.Sprintf("/exception-pp4 --rort %s", values)
	default:
		return fmt.Sprintf("/exception-pp1 --v %s --o %s --m %s --rort %s --p %d",
			fp.Variable, fp.Operator, fp.Value, values, phase)
	}
}
