package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"warden/compiler"
	"warden/core"
	"warden/notify"
)

func newExceptionService(t *testing.T, outcome core.DeployOutcome) (*ExceptionService, *fakeDeployer, *memoryHistory, *notify.RecordingSender, *inlinePool) {
	t.Helper()
	logger := zap.NewNop().Sugar()
	deployer := &fakeDeployer{outcome: outcome}
	history := &memoryHistory{}
	sender := &notify.RecordingSender{}
	pool := &inlinePool{}
	svc := NewExceptionService(compiler.New(logger, compiler.WithIDSource(fixedIDs(123456))), deployer, history, pool, sender, logger)
	return svc, deployer, history, sender, pool
}

func TestExceptionService_SubmitDeploysAndReplies(t *testing.T) {
	svc, deployer, history, sender, pool := newExceptionService(t, core.DeployOutcome{
		Success:   true,
		Timestamp: "2025-03-01 12:00:00",
		Stage:     "reloaded",
	})

	ack, err := svc.Submit(context.Background(), ExceptionRequest{
		Family:      core.FamilyTargetExclusion,
		Text:        `--v ARGS --o contains --m "' OR 1=1" --rort 942100 --p 2 --t ARGS:comment`,
		ResponseURL: "https://hooks.example/r",
		RequestedBy: "alice",
	})
	require.NoError(t, err)
	assert.Contains(t, ack, "PP1")
	assert.Equal(t, []string{"deploy-pp1"}, pool.names)

	require.Len(t, deployer.sent, 1)
	assert.Contains(t, deployer.sent[0], "ctl:ruleRemoveTargetById=942100;ARGS:comment")
	assert.Contains(t, deployer.sent[0], "id:123456")

	replies, _, _ := sender.Snapshot()
	require.Len(t, replies, 1)
	assert.Equal(t, notify.InChannel, replies[0].ResponseType)
	assert.Contains(t, replies[0].Text, "applied successfully")
	assert.Contains(t, replies[0].Text, "`reloaded`")

	require.Len(t, history.records, 1)
	rec := history.records[0]
	assert.Equal(t, "pp1", rec.Family)
	assert.Equal(t, 123456, rec.RuleID)
	assert.True(t, rec.Success)
	assert.Equal(t, "alice", rec.RequestedBy)
	assert.False(t, rec.DeployedAt.IsZero())
}

func TestExceptionService_ValidationFailureDeploysNothing(t *testing.T) {
	svc, deployer, history, sender, pool := newExceptionService(t, core.DeployOutcome{Success: true})

	_, err := svc.Submit(context.Background(), ExceptionRequest{
		Family: core.FamilyTargetUpdate,
		Text:   "--t ARGS:q --id 1,2 --tag a,b",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, &core.CommandError{Kind: core.ErrConflictingFields}))
	assert.True(t, IsCommandError(err))

	assert.Empty(t, pool.names)
	assert.Empty(t, deployer.sent)
	assert.Empty(t, history.records)
	replies, _, _ := sender.Snapshot()
	assert.Empty(t, replies)
}

func TestExceptionService_EmptyTextReturnsUsage(t *testing.T) {
	svc, deployer, _, _, _ := newExceptionService(t, core.DeployOutcome{Success: true})

	reply, err := svc.Submit(context.Background(), ExceptionRequest{Family: core.FamilyGlobalRemoval, Text: "  "})
	require.NoError(t, err)
	assert.Contains(t, reply, "/exception-pp4 --rort")
	assert.Empty(t, deployer.sent)
}

func TestExceptionService_FailedDeploymentIsReported(t *testing.T) {
	svc, _, history, sender, _ := newExceptionService(t, core.DeployOutcome{
		Success:   false,
		Timestamp: "2025-03-01 12:00:00",
		Stage:     "config_test",
		Detail:    "Syntax error on line 3",
	})

	_, err := svc.Submit(context.Background(), ExceptionRequest{Family: core.FamilyGlobalRemoval, Text: "--rort 942100,942200"})
	require.NoError(t, err)

	replies, _, _ := sender.Snapshot()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "apply FAILED")
	assert.Contains(t, replies[0].Text, "`config_test`")
	assert.Contains(t, replies[0].Text, "Syntax error on line 3")
	assert.Contains(t, replies[0].Text, "SecRuleRemoveById 942100\nSecRuleRemoveById 942200")

	require.Len(t, history.records, 1)
	assert.False(t, history.records[0].Success)
	assert.Equal(t, "config_test", history.records[0].Stage)
}

func TestExceptionService_QueueFull(t *testing.T) {
	svc, deployer, _, _, pool := newExceptionService(t, core.DeployOutcome{Success: true})
	pool.err = core.ErrWorkerPoolQueueFull

	_, err := svc.Submit(context.Background(), ExceptionRequest{Family: core.FamilyGlobalRemoval, Text: "--rort sqli-attack,lfi"})
	assert.ErrorIs(t, err, core.ErrWorkerPoolQueueFull)
	assert.Empty(t, deployer.sent)
}

func TestExceptionService_Apply(t *testing.T) {
	svc, _, _, _, _ := newExceptionService(t, core.DeployOutcome{Success: false, Stage: core.StageRequestFailed, Detail: "connection refused"})

	d, err := svc.Apply(context.Background(), core.FamilyGlobalRemoval, "--rort sqli-attack,lfi", "cli")
	var deployErr *core.DeploymentError
	require.ErrorAs(t, err, &deployErr)
	assert.Equal(t, core.StageRequestFailed, deployErr.Stage)
	assert.Equal(t, "SecRuleRemoveByTag sqli-attack\nSecRuleRemoveByTag lfi", d.Directive.Text)

	records, err := svc.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestNewExceptionService_PanicsWithoutDeps(t *testing.T) {
	logger := zap.NewNop().Sugar()
	assert.Panics(t, func() {
		NewExceptionService(nil, &fakeDeployer{}, nil, &inlinePool{}, &notify.RecordingSender{}, logger)
	})
	assert.Panics(t, func() {
		NewExceptionService(compiler.New(logger), nil, nil, &inlinePool{}, &notify.RecordingSender{}, logger)
	})
	assert.NotPanics(t, func() {
		NewExceptionService(compiler.New(logger), &fakeDeployer{}, nil, &inlinePool{}, &notify.RecordingSender{}, logger)
	})
}
