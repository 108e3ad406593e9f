package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"warden/core"
	"warden/notify"
	"warden/storage"
)

type caseFixture struct {
	svc       *CaseService
	alerts    *storage.AlertLogStore
	cases     *storage.CaseStore
	backend   *fakeBackend
	source    *fakeSource
	publisher *recordingPublisher
	sender    *notify.RecordingSender
}

func newCaseFixture(t *testing.T) *caseFixture {
	t.Helper()
	f := &caseFixture{
		backend:   &fakeBackend{nextID: "case-1"},
		source:    &fakeSource{},
		publisher: &recordingPublisher{},
		sender:    &notify.RecordingSender{},
	}
	f.alerts, f.cases = newStores(t, f.backend)
	f.svc = NewCaseService(f.alerts, f.cases, f.backend, f.source, f.publisher, f.sender, zap.NewNop().Sugar())
	return f
}

func sampleRequests(n int) []core.Request {
	reqs := make([]core.Request, n)
	for i := range reqs {
		score := float64(10 - i)
		reqs[i] = core.Request{
			URI:             fmt.Sprintf("/search?q=%d", i),
			Method:          "GET",
			RuleIDs:         []string{"942100"},
			Score:           &score,
			PayloadLocation: "ARGS:q",
		}
	}
	return reqs
}

func TestCaseService_IngestOpensCaseAndStoresRequests(t *testing.T) {
	f := newCaseFixture(t)
	f.source.reqs = sampleRequests(7)
	ctx := context.Background()

	res, err := f.svc.IngestAlert(ctx, AlertEvent{AlertID: "a1", ClientIP: "10.0.0.1", Channel: "C1", ThreadTS: "1.0"})
	require.NoError(t, err)
	assert.True(t, res.NewCase)
	assert.True(t, res.Attached)
	assert.Equal(t, "case-1", res.CaseID)
	assert.Equal(t, 7, res.Requests)

	c, ok := f.cases.GetOpenCase("10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, []string{"a1"}, c.Alerts)
	assert.Equal(t, []string{"case-1/a1"}, f.backend.attached)

	entry, ok := f.alerts.Get("a1")
	require.True(t, ok)
	assert.Len(t, entry.Requests, 7)
	assert.Equal(t, 1, entry.Requests[0].RequestID)

	_, threads, _ := f.sender.Snapshot()
	require.Len(t, threads, topRequestsPosted)
	assert.Contains(t, threads[0], "*Request #1*")
	assert.Contains(t, threads[0], "*Payload Location:* `ARGS:q`")

	assert.Equal(t, []core.CaseEventType{core.CaseEventOpened}, f.publisher.types())
}

func TestCaseService_IngestReusesOpenCaseAndAppends(t *testing.T) {
	f := newCaseFixture(t)
	f.source.reqs = sampleRequests(2)
	ctx := context.Background()

	_, err := f.svc.IngestAlert(ctx, AlertEvent{AlertID: "a1", ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	res, err := f.svc.IngestAlert(ctx, AlertEvent{AlertID: "a2", ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.False(t, res.NewCase)

	// same alert again: requests are appended, never replaced
	_, err = f.svc.IngestAlert(ctx, AlertEvent{AlertID: "a2", ClientIP: "10.0.0.1"})
	require.NoError(t, err)

	assert.Len(t, f.backend.created, 1)
	c, _ := f.cases.GetOpenCase("10.0.0.1")
	assert.Equal(t, []string{"a1", "a2"}, c.Alerts)

	entry, _ := f.alerts.Get("a2")
	require.Len(t, entry.Requests, 4)
	assert.Equal(t, 4, entry.Requests[3].RequestID)

	// nothing posted without a channel
	_, threads, _ := f.sender.Snapshot()
	assert.Empty(t, threads)
}

func TestCaseService_IngestWithBackendDown(t *testing.T) {
	f := newCaseFixture(t)
	f.backend.createErr = fmt.Errorf("%w: create_case: connection refused", core.ErrBackendUnavailable)
	f.source.err = errors.New("opensearch down")

	res, err := f.svc.IngestAlert(context.Background(), AlertEvent{AlertID: "a1", ClientIP: "10.0.0.2"})
	require.NoError(t, err)
	assert.True(t, res.NewCase)
	assert.Empty(t, res.CaseID)
	assert.True(t, res.Attached)
	assert.Zero(t, res.Requests)

	// no backend attach for a case without id
	assert.Empty(t, f.backend.attached)
	c, ok := f.cases.GetOpenCase("10.0.0.2")
	require.True(t, ok)
	assert.Equal(t, []string{"a1"}, c.Alerts)
}

func TestCaseService_ConcurrentIngestOpensOneBackendCase(t *testing.T) {
	f := newCaseFixture(t)
	f.backend.sequential = true
	f.backend.createDelay = 20 * time.Millisecond
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.IngestAlert(ctx, AlertEvent{AlertID: fmt.Sprintf("a%d", i), ClientIP: "1.2.3.4"})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	created, closed := f.backend.snapshot()
	assert.Len(t, created, 1)
	assert.Empty(t, closed)

	c, ok := f.cases.GetOpenCase("1.2.3.4")
	require.True(t, ok)
	assert.Equal(t, "case-1", c.CaseID)
	assert.Len(t, c.Alerts, 8)
	assert.Len(t, f.cases.Cases("1.2.3.4"), 1)
	assert.Equal(t, []core.CaseEventType{core.CaseEventOpened}, f.publisher.types())
}

func TestCaseService_IngestClosesDuplicateBackendCase(t *testing.T) {
	f := newCaseFixture(t)
	ctx := context.Background()
	// another writer opens a case for the IP while the backend create runs
	f.backend.onCreate = func() {
		_, err := f.cases.CreateCase(ctx, "1.2.3.4", "case-other")
		require.NoError(t, err)
	}

	res, err := f.svc.IngestAlert(ctx, AlertEvent{AlertID: "a1", ClientIP: "1.2.3.4"})
	require.NoError(t, err)
	assert.False(t, res.NewCase)
	assert.Equal(t, "case-other", res.CaseID)

	_, closed := f.backend.snapshot()
	assert.Equal(t, []string{"case-1"}, closed)

	c, ok := f.cases.GetOpenCase("1.2.3.4")
	require.True(t, ok)
	assert.Equal(t, []string{"a1"}, c.Alerts)
	assert.Empty(t, f.publisher.types())
}

func TestCaseService_IngestRequiresIDs(t *testing.T) {
	f := newCaseFixture(t)
	_, err := f.svc.IngestAlert(context.Background(), AlertEvent{AlertID: "a1"})
	assert.ErrorIs(t, err, ErrEmptyArgument)
}

func TestCaseService_CloseCase(t *testing.T) {
	f := newCaseFixture(t)
	f.source.reqs = sampleRequests(1)
	ctx := context.Background()
	_, err := f.svc.IngestAlert(ctx, AlertEvent{AlertID: "a1", ClientIP: "10.0.0.1"})
	require.NoError(t, err)

	res, err := f.svc.CloseCase(ctx, " case-1 trailing")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", res.IP)
	assert.Equal(t, core.CaseStatusClosed, res.Case.Status)
	assert.NotNil(t, res.Case.ClosedAt)
	assert.Equal(t, []string{"case-1"}, f.backend.closed)

	_, ok := f.cases.GetOpenCase("10.0.0.1")
	assert.False(t, ok)
	_, ok = f.alerts.Get("a1")
	assert.False(t, ok, "alert logs of a closed case are dropped")

	again, err := f.svc.CloseCase(ctx, "case-1")
	require.NoError(t, err)
	assert.True(t, again.AlreadyClosed)
	assert.Len(t, f.backend.closed, 1)

	assert.Equal(t, []core.CaseEventType{core.CaseEventOpened, core.CaseEventClosed}, f.publisher.types())
}

func TestCaseService_CloseCaseBackendFailureKeepsLocalState(t *testing.T) {
	f := newCaseFixture(t)
	ctx := context.Background()
	_, err := f.svc.IngestAlert(ctx, AlertEvent{AlertID: "a1", ClientIP: "10.0.0.1"})
	require.NoError(t, err)

	f.backend.closeErr = fmt.Errorf("%w: close_case: 502", core.ErrBackendUnavailable)
	_, err = f.svc.CloseCase(ctx, "case-1")
	assert.ErrorIs(t, err, core.ErrBackendUnavailable)

	c, ok := f.cases.GetOpenCase("10.0.0.1")
	require.True(t, ok)
	assert.True(t, c.IsOpen())
}

func TestCaseService_CloseCaseErrors(t *testing.T) {
	f := newCaseFixture(t)
	_, err := f.svc.CloseCase(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyArgument)
	_, err = f.svc.CloseCase(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestCaseService_MarkFalsePositiveAutoClosesSoleAlertCase(t *testing.T) {
	f := newCaseFixture(t)
	f.source.reqs = sampleRequests(1)
	ctx := context.Background()
	_, err := f.svc.IngestAlert(ctx, AlertEvent{AlertID: "abc123", ClientIP: "10.0.0.1"})
	require.NoError(t, err)

	res, err := f.svc.MarkFalsePositive(ctx, "`abc-123`")
	require.NoError(t, err)
	assert.Equal(t, "abc123", res.AlertID)
	assert.Equal(t, 1, res.Detach.Detached)
	assert.Equal(t, 1, res.Detach.AutoClosed)
	assert.Equal(t, []string{"case-1"}, f.backend.closed)

	entry, ok := f.alerts.Get("abc123")
	require.True(t, ok)
	assert.True(t, entry.IsFalsePositive())
	_, ok = f.cases.GetOpenCase("10.0.0.1")
	assert.False(t, ok)

	assert.Equal(t, []core.CaseEventType{
		core.CaseEventOpened,
		core.CaseEventAlertMarked,
		core.CaseEventClosed,
	}, f.publisher.types())

	// running it again detaches nothing
	res, err = f.svc.MarkFalsePositive(ctx, "abc123")
	require.NoError(t, err)
	assert.Zero(t, res.Detach.Detached)
	assert.Zero(t, res.Detach.AutoClosed)
}

func TestCaseService_MarkFalsePositiveKeepsCaseWithOtherAlerts(t *testing.T) {
	f := newCaseFixture(t)
	f.source.reqs = sampleRequests(1)
	ctx := context.Background()
	for _, id := range []string{"a1", "a2"} {
		_, err := f.svc.IngestAlert(ctx, AlertEvent{AlertID: id, ClientIP: "10.0.0.1"})
		require.NoError(t, err)
	}

	res, err := f.svc.MarkFalsePositive(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Detach.Detached)
	assert.Zero(t, res.Detach.AutoClosed)

	c, ok := f.cases.GetOpenCase("10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, []string{"a2"}, c.Alerts)
	assert.Empty(t, f.backend.closed)
}

func TestCaseService_MarkFalsePositiveNotFound(t *testing.T) {
	f := newCaseFixture(t)
	_, err := f.svc.MarkFalsePositive(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = f.svc.MarkFalsePositive(context.Background(), "---")
	assert.ErrorIs(t, err, ErrEmptyArgument)
	assert.Empty(t, f.publisher.types())
}

func TestCaseService_ListAndClear(t *testing.T) {
	f := newCaseFixture(t)
	f.source.reqs = sampleRequests(1)
	ctx := context.Background()
	_, err := f.svc.IngestAlert(ctx, AlertEvent{AlertID: "a1", ClientIP: "10.0.0.2"})
	require.NoError(t, err)
	_, err = f.svc.IngestAlert(ctx, AlertEvent{AlertID: "a2", ClientIP: "10.0.0.1"})
	require.NoError(t, err)

	open := f.svc.ListOpen()
	require.Len(t, open, 2)
	assert.Equal(t, "10.0.0.1", open[0].IP)

	entry, err := f.svc.AlertLog("a1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", entry.ClientIP)

	n, err := f.svc.ClearAlertLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = f.svc.AlertLog("a1")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Len(t, f.svc.ListOpen(), 2, "clearing logs leaves cases alone")
}
