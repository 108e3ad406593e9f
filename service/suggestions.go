package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"warden/classify"
	"warden/core"
	"warden/notify"
	"warden/storage"
)

// CheckedSuggestion is a classifier suggestion after it went through the
// command compiler. Err is set when the compiler rejects the command.
type CheckedSuggestion struct {
	classify.Suggestion
	Err error
}

// SuggestionReport is the checked outcome of one analysis
type SuggestionReport struct {
	AlertID       string
	Suggestions   []CheckedSuggestion
	NonFPRequests int
}

// SuggestionService asks the classifier which requests of an alert are
// false positives and turns them into exception commands. Suggestions
// are only proposed; nothing is deployed.
type SuggestionService struct {
	alerts     AlertLogStore
	classifier classify.Classifier
	compiler   DirectiveCompiler
	tasks      TaskSubmitter
	sender     notify.Sender
	logger     *zap.SugaredLogger
}

// NewSuggestionService creates the service. All dependencies are required.
func NewSuggestionService(
	alerts AlertLogStore,
	classifier classify.Classifier,
	compiler DirectiveCompiler,
	tasks TaskSubmitter,
	sender notify.Sender,
	logger *zap.SugaredLogger,
) *SuggestionService {
	if alerts == nil {
		panic("alerts is required")
	}
	if classifier == nil {
		panic("classifier is required")
	}
	if compiler == nil {
		panic("compiler is required")
	}
	if tasks == nil {
		panic("tasks is required")
	}
	if sender == nil {
		panic("sender is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &SuggestionService{
		alerts:     alerts,
		classifier: classifier,
		compiler:   compiler,
		tasks:      tasks,
		sender:     sender,
		logger:     logger,
	}
}

// CleanupReport is the outcome of an analysis that also pruned the
// alert's log down to its false-positive requests
type CleanupReport struct {
	SuggestionReport
	// Pruned is false when the model judged no request, in which case the
	// log was left as it was
	Pruned  bool
	Kept    int
	Dropped int
	Removed bool
}

// Submit checks the alert exists and queues its analysis. The report is
// delivered to responseURL. The returned string is the immediate reply.
func (s *SuggestionService) Submit(ctx context.Context, rawAlertID, responseURL string) (string, error) {
	alertID, err := s.lookup(rawAlertID)
	if err != nil {
		return "", err
	}
	err = s.queue("ai-exception", alertID, responseURL, func(taskCtx context.Context) (string, error) {
		report, err := s.Analyze(taskCtx, alertID)
		if err != nil {
			return "", err
		}
		return RenderSuggestions(report), nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(":mag: Analyzing alert `%s`...", alertID), nil
}

// SubmitCleanup queues an analysis of the alert that also drops every
// request not judged a false positive from its log. The report is
// delivered to responseURL.
func (s *SuggestionService) SubmitCleanup(ctx context.Context, rawAlertID, responseURL string) (string, error) {
	alertID, err := s.lookup(rawAlertID)
	if err != nil {
		return "", err
	}
	err = s.queue("report-ai", alertID, responseURL, func(taskCtx context.Context) (string, error) {
		report, err := s.Cleanup(taskCtx, alertID)
		if err != nil {
			return "", err
		}
		return RenderCleanup(report), nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(":hourglass_flowing_sand: Analyzing alert `%s`, requests that are not false positives will be dropped from its log...", alertID), nil
}

func (s *SuggestionService) lookup(rawAlertID string) (string, error) {
	alertID := NormalizeAlertID(rawAlertID)
	if alertID == "" {
		return "", fmt.Errorf("%w: alert id", ErrEmptyArgument)
	}
	if _, ok := s.alerts.Get(alertID); !ok {
		return "", fmt.Errorf("%w: alert %s", core.ErrNotFound, alertID)
	}
	return alertID, nil
}

func (s *SuggestionService) queue(name, alertID, responseURL string, run func(context.Context) (string, error)) error {
	err := s.tasks.Submit(core.Task{
		Name: name,
		Run:  run,
		Report: func(result string, err error) {
			if err != nil {
				result = RenderTaskFailure("Analysis of alert "+alertID, err)
			}
			replyCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := s.sender.Reply(replyCtx, responseURL, notify.Message{ResponseType: notify.InChannel, Text: result}); err != nil &&
				!errors.Is(err, notify.ErrNotConfigured) {
				s.logger.Warnw("Failed to deliver analysis", "alert_id", alertID, "error", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to queue analysis: %w", err)
	}
	return nil
}

// Analyze classifies the requests of an alert and checks every suggested
// command against the compiler.
func (s *SuggestionService) Analyze(ctx context.Context, alertID string) (SuggestionReport, error) {
	entry, ok := s.alerts.Get(alertID)
	if !ok {
		return SuggestionReport{}, fmt.Errorf("%w: alert %s", core.ErrNotFound, alertID)
	}
	analysis, err := s.classifier.Analyze(ctx, alertID, entry)
	if err != nil {
		return SuggestionReport{}, err
	}
	return s.check(alertID, analysis), nil
}

// Cleanup analyzes an alert and keeps only the requests the model judged
// false positives. Requests that arrived after the analysis started were
// not judged and are kept. When every request is dropped the alert's log
// entry is removed.
func (s *SuggestionService) Cleanup(ctx context.Context, alertID string) (CleanupReport, error) {
	entry, ok := s.alerts.Get(alertID)
	if !ok {
		return CleanupReport{}, fmt.Errorf("%w: alert %s", core.ErrNotFound, alertID)
	}
	analysis, err := s.classifier.Analyze(ctx, alertID, entry)
	if err != nil {
		return CleanupReport{}, err
	}
	report := CleanupReport{SuggestionReport: s.check(alertID, analysis)}
	if !analysis.Classified() {
		s.logger.Infow("Classifier judged no request, alert log kept", "alert_id", alertID)
		return report, nil
	}

	lastJudged := 0
	for _, r := range entry.Requests {
		lastJudged = max(lastJudged, r.RequestID)
	}
	kept, err := s.alerts.RetainRequests(ctx, alertID, func(r core.Request) bool {
		return r.RequestID > lastJudged || slices.Contains(analysis.FPRequestIDs, r.RequestID)
	})
	if errors.Is(err, storage.ErrAlertNotFound) {
		// cleared or closed while the model was thinking
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("failed to prune alert %s: %w", alertID, err)
	}

	report.Pruned = true
	report.Kept = kept
	report.Dropped = max(len(entry.Requests)-kept, 0)
	report.Removed = kept == 0
	s.logger.Infow("Alert log pruned to false-positive requests",
		"alert_id", alertID,
		"kept", kept,
		"dropped", report.Dropped,
		"removed", report.Removed)
	return report, nil
}

func (s *SuggestionService) check(alertID string, analysis classify.Analysis) SuggestionReport {
	report := SuggestionReport{AlertID: alertID, NonFPRequests: len(analysis.NonFPRequests)}
	for _, sg := range analysis.Suggestions {
		checked := CheckedSuggestion{Suggestion: sg}
		if _, err := s.compiler.Compile(sg.Family, commandArgs(sg.Command)); err != nil {
			checked.Err = err
			s.logger.Debugw("Suggested command does not compile",
				"alert_id", alertID,
				"command", sg.Command,
				"error", err)
		}
		report.Suggestions = append(report.Suggestions, checked)
	}
	return report
}

// commandArgs drops the leading slash command name
func commandArgs(command string) string {
	if strings.HasPrefix(command, "/") {
		_, rest, _ := strings.Cut(command, " ")
		return rest
	}
	return command
}
