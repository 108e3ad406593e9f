package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"warden/compiler"
	"warden/core"
	"warden/metrics"
	"warden/notify"
	"warden/storage"
	"warden/waf"
)

// ExceptionRequest is one exception command as received from an operator
type ExceptionRequest struct {
	Family      core.Family
	Text        string
	ResponseURL string
	RequestedBy string
}

// Deployment is a compiled directive and the result of deploying it
type Deployment struct {
	Directive core.Directive
	Outcome   core.DeployOutcome
}

// ExceptionService compiles exception commands and deploys the resulting
// directives. Deployment runs on the worker pool; the caller gets an
// acknowledgement right away and the result is delivered to the
// command's response_url.
type ExceptionService struct {
	compiler DirectiveCompiler
	deployer waf.Deployer
	history  DeploymentHistory
	tasks    TaskSubmitter
	sender   notify.Sender
	logger   *zap.SugaredLogger
}

// NewExceptionService creates the service.
//
// PARAMETERS:
//   - compiler, deployer, tasks, sender, logger: required, panics if nil
//   - history: optional, deployments are not recorded when nil
func NewExceptionService(
	compiler DirectiveCompiler,
	deployer waf.Deployer,
	history DeploymentHistory,
	tasks TaskSubmitter,
	sender notify.Sender,
	logger *zap.SugaredLogger,
) *ExceptionService {
	if compiler == nil {
		panic("compiler is required")
	}
	if deployer == nil {
		panic("deployer is required")
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
	return &ExceptionService{
		compiler: compiler,
		deployer: deployer,
		history:  history,
		tasks:    tasks,
		sender:   sender,
		logger:   logger,
	}
}

// Submit validates an exception command and queues its deployment.
//
// BUSINESS LOGIC:
// 1. Empty text answers with the usage line of the family
// 2. The command is compiled synchronously; a *core.CommandError is
// returned as is and nothing is queued
// 3. Deployment is queued; the result goes to req.ResponseURL
//
// The returned string is the immediate reply for the operator.
func (s *ExceptionService) Submit(ctx context.Context, req ExceptionRequest) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return RenderUsage(req.Family), nil
	}

	directive, err := s.compiler.Compile(req.Family, req.Text)
	if err != nil {
		return "", err
	}

	task := core.Task{
		Name: "deploy-" + req.Family.String(),
		Run: func(taskCtx context.Context) (string, error) {
			d := s.deploy(taskCtx, directive, req.RequestedBy)
			return RenderDeployment(d), d.Outcome.Err()
		},
		Report: func(result string, err error) {
			if result == "" && err != nil {
				result = RenderTaskFailure("Deployment", err)
			}
			s.reply(req.ResponseURL, notify.Message{ResponseType: notify.InChannel, Text: result})
		},
	}
	if err := s.tasks.Submit(task); err != nil {
		return "", fmt.Errorf("failed to queue deployment: %w", err)
	}

	s.logger.Infow("Exception deployment queued",
		"family", req.Family.String(),
		"rule_id", directive.RuleID,
		"requested_by", req.RequestedBy)
	return fmt.Sprintf(":hourglass_flowing_sand: Applying %s exception...", strings.ToUpper(req.Family.String())), nil
}

// Apply compiles and deploys synchronously. Used by the CLI.
func (s *ExceptionService) Apply(ctx context.Context, family core.Family, text, requestedBy string) (Deployment, error) {
	directive, err := s.compiler.Compile(family, text)
	if err != nil {
		return Deployment{}, err
	}
	d := s.deploy(ctx, directive, requestedBy)
	return d, d.Outcome.Err()
}

// History returns the most recent deployments
func (s *ExceptionService) History(ctx context.Context, limit int) ([]storage.DeploymentRecord, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.List(ctx, limit)
}

// deploy sends the directive and records the attempt. It never retries.
func (s *ExceptionService) deploy(ctx context.Context, directive core.Directive, requestedBy string) Deployment {
	outcome := s.deployer.Deploy(ctx, directive.Text)
	family := directive.Family.String()

	if outcome.Success {
		metrics.DirectiveDeployments.WithLabelValues(family, "success").Inc()
		s.logger.Infow("Directive deployed",
			"family", family,
			"rule_id", directive.RuleID,
			"stage", outcome.Stage)
	} else {
		metrics.DirectiveDeployments.WithLabelValues(family, "failure").Inc()
		s.logger.Warnw("Directive deployment failed",
			"family", family,
			"rule_id", directive.RuleID,
			"stage", outcome.Stage,
			"detail", outcome.Detail)
	}

	if s.history != nil {
		rec := &storage.DeploymentRecord{
			Family:      family,
			Method:      directive.Method,
			Directive:   directive.Text,
			RuleID:      directive.RuleID,
			Success:     outcome.Success,
			Stage:       outcome.Stage,
			Detail:      outcome.Detail,
			RequestedBy: requestedBy,
		}
		if ts, err := time.ParseInLocation(core.DeployTimestampLayout, outcome.Timestamp, time.Local); err == nil {
			rec.DeployedAt = ts.UTC()
		}
		// a failed history write does not change the outcome
		if err := s.history.Record(context.WithoutCancel(ctx), rec); err != nil {
			s.logger.Warnw("Failed to record deployment", "family", family, "error", err)
		}
	}
	return Deployment{Directive: directive, Outcome: outcome}
}

func (s *ExceptionService) reply(responseURL string, msg notify.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.sender.Reply(ctx, responseURL, msg); err != nil && !errors.Is(err, notify.ErrNotConfigured) {
		s.logger.Warnw("Failed to deliver follow-up", "error", err)
	}
}

// IsCommandError reports whether err is an operator input error
func IsCommandError(err error) bool {
	_, ok := core.CommandErrorKind(err)
	return ok
}

var _ DirectiveCompiler = (*compiler.Compiler)(nil)
