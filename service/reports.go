package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"warden/core"
	"warden/logsource"
	"warden/notify"
	"warden/waf"
)

// RequestReportService looks up the recent top-scoring requests of a
// client IP in the request source, without any classification.
type RequestReportService struct {
	source logsource.Source
	tasks  TaskSubmitter
	sender notify.Sender
	logger *zap.SugaredLogger
}

// NewRequestReportService creates the service. All dependencies are required.
func NewRequestReportService(source logsource.Source, tasks TaskSubmitter, sender notify.Sender, logger *zap.SugaredLogger) *RequestReportService {
	if source == nil {
		panic("source is required")
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
	return &RequestReportService{source: source, tasks: tasks, sender: sender, logger: logger}
}

// Submit validates the IP and queues the lookup. The report is delivered
// to responseURL.
func (s *RequestReportService) Submit(ctx context.Context, args, responseURL string) (string, error) {
	ip := FirstToken(args)
	if ip == "" {
		return "", fmt.Errorf("%w: ip", ErrEmptyArgument)
	}
	if err := waf.ValidateIP(ip); err != nil {
		return "", err
	}

	err := s.tasks.Submit(core.Task{
		Name: "report-no-ai",
		Run: func(taskCtx context.Context) (string, error) {
			reqs, err := s.source.TopRequests(taskCtx, ip)
			if err != nil {
				return "", err
			}
			return RenderRequestReport(ip, reqs), nil
		},
		Report: func(result string, err error) {
			if err != nil {
				result = RenderTaskFailure("Request lookup for "+ip, err)
			}
			replyCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := s.sender.Reply(replyCtx, responseURL, notify.Message{ResponseType: notify.InChannel, Text: result}); err != nil &&
				!errors.Is(err, notify.ErrNotConfigured) {
				s.logger.Warnw("Failed to deliver request report", "ip", ip, "error", err)
			}
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to queue request lookup: %w", err)
	}
	return fmt.Sprintf(":mag: Querying top requests for IP `%s`...", ip), nil
}
