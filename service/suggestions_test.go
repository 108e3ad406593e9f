package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"warden/classify"
	"warden/compiler"
	"warden/core"
	"warden/notify"
)

func TestSuggestionService_SubmitReportsCheckedSuggestions(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop().Sugar()
	alerts, _ := newStores(t, &fakeBackend{})
	_, err := alerts.AppendRequests(ctx, "a1", "10.0.0.1", sampleRequests(2))
	require.NoError(t, err)

	classifier := &stubClassifier{analysis: classify.Analysis{
		Suggestions: []classify.Suggestion{
			{Index: 1, Family: core.FamilyGlobalRemoval, Command: "/exception-pp4 --rort 942100", Requests: "[1]", Confidence: "high"},
			{Index: 2, Family: core.FamilyTargetExclusion, Command: "/exception-pp1 --v NOPE --o contains --m x --rort 942100 --p 2", Requests: "[2]"},
		},
		NonFPRequests: []any{3},
	}}
	sender := &notify.RecordingSender{}
	pool := &inlinePool{}
	svc := NewSuggestionService(alerts, classifier, compiler.New(logger), pool, sender, logger)

	ack, err := svc.Submit(ctx, "`a1`", "https://hooks.example/r")
	require.NoError(t, err)
	assert.Contains(t, ack, "a1")

	replies, _, _ := sender.Snapshot()
	require.Len(t, replies, 1)
	text := replies[0].Text
	assert.Contains(t, text, "```/exception-pp4 --rort 942100```")
	assert.Contains(t, text, "confidence: high")
	assert.Contains(t, text, "needs editing before use")
	assert.Contains(t, text, "1 request(s) look like real attacks")

	report, err := svc.Analyze(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, report.Suggestions, 2)
	assert.NoError(t, report.Suggestions[0].Err)
	assert.True(t, IsCommandError(report.Suggestions[1].Err))
}

func TestSuggestionService_Errors(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop().Sugar()
	alerts, _ := newStores(t, &fakeBackend{})
	_, err := alerts.AppendRequests(ctx, "a1", "10.0.0.1", sampleRequests(1))
	require.NoError(t, err)

	sender := &notify.RecordingSender{}
	svc := NewSuggestionService(alerts, &stubClassifier{err: errors.New("model overloaded")}, compiler.New(logger), &inlinePool{}, sender, logger)

	_, err = svc.Submit(ctx, "missing", "u")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = svc.Submit(ctx, "", "u")
	assert.ErrorIs(t, err, ErrEmptyArgument)

	_, err = svc.Submit(ctx, "a1", "u")
	require.NoError(t, err)
	replies, _, _ := sender.Snapshot()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "Analysis of alert a1 failed: model overloaded")
}

func TestCommandArgs(t *testing.T) {
	assert.Equal(t, "--rort 1", commandArgs("/exception-pp4 --rort 1"))
	assert.Equal(t, "--rort 1", commandArgs("--rort 1"))
}

func TestSuggestionService_CleanupKeepsFalsePositiveRequests(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop().Sugar()
	alerts, _ := newStores(t, &fakeBackend{})
	_, err := alerts.AppendRequests(ctx, "a1", "10.0.0.1", sampleRequests(4))
	require.NoError(t, err)

	classifier := &stubClassifier{analysis: classify.Analysis{
		Suggestions: []classify.Suggestion{
			{Index: 1, Family: core.FamilyGlobalRemoval, Command: "/exception-pp4 --rort 942100", Requests: "[1, 3]"},
		},
		FPRequestIDs:  []int{1, 3},
		NonFPRequests: []any{2.0, 4.0},
	}}
	sender := &notify.RecordingSender{}
	svc := NewSuggestionService(alerts, classifier, compiler.New(logger), &inlinePool{}, sender, logger)

	ack, err := svc.SubmitCleanup(ctx, "a1", "https://hooks.example/r")
	require.NoError(t, err)
	assert.Contains(t, ack, "a1")

	entry, ok := alerts.Get("a1")
	require.True(t, ok)
	require.Len(t, entry.Requests, 2)
	assert.Equal(t, 1, entry.Requests[0].RequestID)
	assert.Equal(t, 3, entry.Requests[1].RequestID)

	replies, _, _ := sender.Snapshot()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "```/exception-pp4 --rort 942100```")
	assert.Contains(t, replies[0].Text, "keeps 2 false-positive request(s), 2 dropped")
}

func TestSuggestionService_CleanupRemovesEntryWithoutFalsePositives(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop().Sugar()
	alerts, _ := newStores(t, &fakeBackend{})
	_, err := alerts.AppendRequests(ctx, "a1", "10.0.0.1", sampleRequests(3))
	require.NoError(t, err)

	classifier := &stubClassifier{analysis: classify.Analysis{NonFPRequests: []any{1.0, 2.0, 3.0}}}
	svc := NewSuggestionService(alerts, classifier, compiler.New(logger), &inlinePool{}, &notify.RecordingSender{}, logger)

	report, err := svc.Cleanup(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, report.Pruned)
	assert.True(t, report.Removed)
	assert.Equal(t, 3, report.Dropped)
	assert.Zero(t, report.Kept)

	_, ok := alerts.Get("a1")
	assert.False(t, ok)
	assert.Contains(t, RenderCleanup(report), "was removed from the alert logs")
}

func TestSuggestionService_CleanupWithoutJudgementKeepsLog(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop().Sugar()
	alerts, _ := newStores(t, &fakeBackend{})
	_, err := alerts.AppendRequests(ctx, "a1", "10.0.0.1", sampleRequests(2))
	require.NoError(t, err)

	svc := NewSuggestionService(alerts, &stubClassifier{}, compiler.New(logger), &inlinePool{}, &notify.RecordingSender{}, logger)

	report, err := svc.Cleanup(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, report.Pruned)
	entry, ok := alerts.Get("a1")
	require.True(t, ok)
	assert.Len(t, entry.Requests, 2)
	assert.Contains(t, RenderCleanup(report), "left unchanged")
}

// appendingClassifier stores new requests for the alert while it "thinks"
type appendingClassifier struct {
	alerts   AlertLogStore
	analysis classify.Analysis
}

func (c *appendingClassifier) Analyze(ctx context.Context, alertID string, entry core.AlertLogEntry) (classify.Analysis, error) {
	if _, err := c.alerts.AppendRequests(ctx, alertID, entry.ClientIP, sampleRequests(1)); err != nil {
		return classify.Analysis{}, err
	}
	return c.analysis, nil
}

func TestSuggestionService_CleanupKeepsRequestsArrivedDuringAnalysis(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop().Sugar()
	alerts, _ := newStores(t, &fakeBackend{})
	_, err := alerts.AppendRequests(ctx, "a1", "10.0.0.1", sampleRequests(2))
	require.NoError(t, err)

	classifier := &appendingClassifier{alerts: alerts, analysis: classify.Analysis{NonFPRequests: []any{1.0, 2.0}}}
	svc := NewSuggestionService(alerts, classifier, compiler.New(logger), &inlinePool{}, &notify.RecordingSender{}, logger)

	report, err := svc.Cleanup(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, report.Removed)
	assert.Equal(t, 1, report.Kept)

	entry, ok := alerts.Get("a1")
	require.True(t, ok)
	require.Len(t, entry.Requests, 1)
	assert.Equal(t, 3, entry.Requests[0].RequestID)
}

func TestSuggestionService_CleanupErrors(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop().Sugar()
	alerts, _ := newStores(t, &fakeBackend{})
	_, err := alerts.AppendRequests(ctx, "a1", "10.0.0.1", sampleRequests(1))
	require.NoError(t, err)

	sender := &notify.RecordingSender{}
	svc := NewSuggestionService(alerts, &stubClassifier{err: errors.New("model overloaded")}, compiler.New(logger), &inlinePool{}, sender, logger)

	_, err = svc.SubmitCleanup(ctx, "missing", "u")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = svc.SubmitCleanup(ctx, " ", "u")
	assert.ErrorIs(t, err, ErrEmptyArgument)

	_, err = svc.SubmitCleanup(ctx, "a1", "u")
	require.NoError(t, err)
	replies, _, _ := sender.Snapshot()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "Analysis of alert a1 failed: model overloaded")

	// nothing is pruned when the model fails
	entry, ok := alerts.Get("a1")
	require.True(t, ok)
	assert.Len(t, entry.Requests, 1)
}
