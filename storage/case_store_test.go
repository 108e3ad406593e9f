package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"warden/core"
)

type recordingRemover struct {
	mu      sync.Mutex
	removed []string
}

func (r *recordingRemover) RemoveMany(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, ids...)
	return nil
}

type recordingCloser struct {
	mu     sync.Mutex
	closed []string
	err    error
}

func (r *recordingCloser) CloseCase(_ context.Context, caseID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, caseID)
	return r.err
}

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCaseStore(t *testing.T, path string, opts ...CaseStoreOption) (*CaseStore, *recordingRemover) {
	t.Helper()
	p, err := NewFilePersister(path)
	require.NoError(t, err)
	remover := &recordingRemover{}
	opts = append([]CaseStoreOption{WithClock(func() time.Time { return fixedNow })}, opts...)
	store, err := NewCaseStore(context.Background(), p, remover, zaptest.NewLogger(t).Sugar(), opts...)
	require.NoError(t, err)
	return store, remover
}

func TestCaseStore_Lifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.json")
	store, remover := newTestCaseStore(t, path)
	ctx := context.Background()

	_, ok := store.GetOpenCase("10.0.0.1")
	assert.False(t, ok)

	c, err := store.CreateCase(ctx, "10.0.0.1", "case-1")
	require.NoError(t, err)
	assert.Equal(t, core.CaseStatusOpen, c.Status)
	assert.Empty(t, c.Alerts)
	assert.Nil(t, c.ClosedAt)

	added, err := store.AppendAlert(ctx, "10.0.0.1", "a1")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = store.AppendAlert(ctx, "10.0.0.1", "a1")
	require.NoError(t, err)
	assert.False(t, added, "duplicate alert must not be added")
	_, err = store.AppendAlert(ctx, "10.0.0.1", "a2")
	require.NoError(t, err)

	open, ok := store.GetOpenCase("10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, []string{"a1", "a2"}, open.Alerts)

	closed, err := store.CloseCase(ctx, "10.0.0.1", core.CaseStatusClosed)
	require.NoError(t, err)
	assert.Equal(t, core.CaseStatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
	assert.Equal(t, fixedNow, *closed.ClosedAt)
	assert.Equal(t, []string{"a1", "a2"}, remover.removed)

	_, ok = store.GetOpenCase("10.0.0.1")
	assert.False(t, ok, "no open case until a new one is created")

	_, err = store.CloseCase(ctx, "10.0.0.1", core.CaseStatusClosed)
	assert.ErrorIs(t, err, ErrCaseNotFound)

	// alerts for an IP without an open case are ignored
	added, err = store.AppendAlert(ctx, "10.0.0.1", "a3")
	require.NoError(t, err)
	assert.False(t, added)

	_, err = store.CreateCase(ctx, "10.0.0.1", "case-2")
	require.NoError(t, err)
	cases := store.Cases("10.0.0.1")
	require.Len(t, cases, 2)
	assert.Equal(t, "case-1", cases[0].CaseID)
	assert.Equal(t, "case-2", cases[1].CaseID)

	// reload keeps order and state
	reloaded, _ := newTestCaseStore(t, path)
	cases = reloaded.Cases("10.0.0.1")
	require.Len(t, cases, 2)
	assert.Equal(t, core.CaseStatusClosed, cases[0].Status)
	assert.True(t, cases[1].IsOpen())
}

func TestCaseStore_CreateWhileOpen(t *testing.T) {
	store, _ := newTestCaseStore(t, filepath.Join(t.TempDir(), "cases.json"))
	ctx := context.Background()

	_, err := store.CreateCase(ctx, "10.0.0.1", "case-1")
	require.NoError(t, err)

	existing, err := store.CreateCase(ctx, "10.0.0.1", "case-2")
	assert.ErrorIs(t, err, ErrCaseAlreadyOpen)
	assert.Equal(t, "case-1", existing.CaseID)
	assert.Len(t, store.Cases("10.0.0.1"), 1)

	_, err = store.CreateCase(ctx, "", "x")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestCaseStore_EmptyCaseIDAcceptsAlerts(t *testing.T) {
	store, _ := newTestCaseStore(t, filepath.Join(t.TempDir(), "cases.json"))
	ctx := context.Background()

	_, err := store.CreateCase(ctx, "10.0.0.2", "")
	require.NoError(t, err)
	added, err := store.AppendAlert(ctx, "10.0.0.2", "a1")
	require.NoError(t, err)
	assert.True(t, added)

	open := store.ListOpen()
	require.Len(t, open, 1)
	assert.Equal(t, "", open[0].Case.CaseID)
}

func TestCaseStore_DetachAutoClosesSoleAlert(t *testing.T) {
	closer := &recordingCloser{}
	store, remover := newTestCaseStore(t, filepath.Join(t.TempDir(), "cases.json"), WithCaseCloser(closer))
	ctx := context.Background()

	_, err := store.CreateCase(ctx, "10.0.0.1", "case-1")
	require.NoError(t, err)
	_, err = store.AppendAlert(ctx, "10.0.0.1", "a1")
	require.NoError(t, err)

	res, err := store.DetachAlertEverywhere(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Detached)
	assert.Equal(t, 1, res.AutoClosed)
	assert.Equal(t, []string{"case-1"}, res.AutoClosedCaseIDs)
	assert.Equal(t, []string{"case-1"}, closer.closed)
	assert.Empty(t, remover.removed)

	_, ok := store.GetOpenCase("10.0.0.1")
	assert.False(t, ok)
	cases := store.Cases("10.0.0.1")
	require.Len(t, cases, 1)
	assert.Empty(t, cases[0].Alerts)
	assert.NotNil(t, cases[0].ClosedAt)

	again, err := store.DetachAlertEverywhere(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, again.Detached)
	assert.Zero(t, again.AutoClosed)
}

func TestCaseStore_DetachKeepsOtherAlerts(t *testing.T) {
	store, _ := newTestCaseStore(t, filepath.Join(t.TempDir(), "cases.json"))
	ctx := context.Background()

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		_, err := store.CreateCase(ctx, ip, "case-"+ip)
		require.NoError(t, err)
	}
	for _, a := range []string{"a1", "a2"} {
		_, err := store.AppendAlert(ctx, "10.0.0.1", a)
		require.NoError(t, err)
	}
	_, err := store.AppendAlert(ctx, "10.0.0.2", "a1")
	require.NoError(t, err)

	res, err := store.DetachAlertEverywhere(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Detached)
	assert.Equal(t, 1, res.AutoClosed)

	open, ok := store.GetOpenCase("10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, []string{"a2"}, open.Alerts)
	_, ok = store.GetOpenCase("10.0.0.2")
	assert.False(t, ok)
}

func TestCaseStore_DetachSwallowsBackendFailure(t *testing.T) {
	closer := &recordingCloser{err: fmt.Errorf("%w: 502", core.ErrBackendUnavailable)}
	store, _ := newTestCaseStore(t, filepath.Join(t.TempDir(), "cases.json"), WithCaseCloser(closer))
	ctx := context.Background()

	_, err := store.CreateCase(ctx, "10.0.0.1", "case-1")
	require.NoError(t, err)
	_, err = store.AppendAlert(ctx, "10.0.0.1", "a1")
	require.NoError(t, err)

	res, err := store.DetachAlertEverywhere(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.AutoClosed)
	_, ok := store.GetOpenCase("10.0.0.1")
	assert.False(t, ok)
}

func TestCaseStore_DetachSkipsBackendForEmptyCaseID(t *testing.T) {
	closer := &recordingCloser{}
	store, _ := newTestCaseStore(t, filepath.Join(t.TempDir(), "cases.json"), WithCaseCloser(closer))
	ctx := context.Background()

	_, err := store.CreateCase(ctx, "10.0.0.1", "")
	require.NoError(t, err)
	_, err = store.AppendAlert(ctx, "10.0.0.1", "a1")
	require.NoError(t, err)

	res, err := store.DetachAlertEverywhere(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.AutoClosed)
	assert.Empty(t, res.AutoClosedCaseIDs)
	assert.Empty(t, closer.closed)
}

func TestCaseStore_LegacyDocumentIsHealed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.json")
	doc := `{
		"10.0.0.1": {"case_id": "old-1", "alerts": ["a1", "a1", "a2"]},
		"10.0.0.2": [
			{"case_id": "c1", "status": "closed", "alerts": [], "created_at": "2024-01-02T03:04:05.123456", "closed_at": "2024-01-03T00:00:00"},
			{"case_id": "c2", "status": "open", "alerts": "bogus"}
		],
		"10.0.0.3": "garbage"
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	store, _ := newTestCaseStore(t, path)

	c, ok := store.GetOpenCase("10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, "old-1", c.CaseID)
	assert.Equal(t, []string{"a1", "a2"}, c.Alerts)
	assert.Equal(t, fixedNow, c.CreatedAt)
	assert.Nil(t, c.ClosedAt)

	cases := store.Cases("10.0.0.2")
	require.Len(t, cases, 2)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 123456000, time.UTC), cases[0].CreatedAt)
	require.NotNil(t, cases[0].ClosedAt)
	assert.Empty(t, cases[1].Alerts)
	assert.True(t, cases[1].IsOpen())

	assert.Empty(t, store.Cases("10.0.0.3"))

	// a mutation writes the healed form
	_, err := store.AppendAlert(context.Background(), "10.0.0.2", "a9")
	require.NoError(t, err)
	reloaded, _ := newTestCaseStore(t, path)
	c, ok = reloaded.GetOpenCase("10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, []string{"a1", "a2"}, c.Alerts)
	c, ok = reloaded.GetOpenCase("10.0.0.2")
	require.True(t, ok)
	assert.Equal(t, []string{"a9"}, c.Alerts)
}

func TestCaseStore_EmptyStatusIsHealedToOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.json")
	doc := `{"10.0.0.4": [{"case_id": "c4", "status": "", "alerts": ["a1"]}]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	store, _ := newTestCaseStore(t, path)

	c, ok := store.GetOpenCase("10.0.0.4")
	require.True(t, ok)
	assert.Equal(t, core.CaseStatusOpen, c.Status)
	assert.Equal(t, "c4", c.CaseID)
	assert.Len(t, store.ListOpen(), 1)
}

func TestCaseStore_CorruptDocumentStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.json")
	require.NoError(t, os.WriteFile(path, []byte("[1,2"), 0o644))
	store, _ := newTestCaseStore(t, path)
	assert.Empty(t, store.ListOpen())
}

func TestCaseStore_FindByCaseID(t *testing.T) {
	store, _ := newTestCaseStore(t, filepath.Join(t.TempDir(), "cases.json"))
	ctx := context.Background()

	_, err := store.CreateCase(ctx, "10.0.0.1", "case-1")
	require.NoError(t, err)
	_, err = store.CreateCase(ctx, "10.0.0.2", "case-2")
	require.NoError(t, err)

	ip, c, ok := store.FindByCaseID("case-2")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2", ip)
	assert.Equal(t, "case-2", c.CaseID)

	_, _, ok = store.FindByCaseID("nope")
	assert.False(t, ok)
	_, _, ok = store.FindByCaseID("")
	assert.False(t, ok)
}

func TestCaseStore_ListOpenSorted(t *testing.T) {
	store, _ := newTestCaseStore(t, filepath.Join(t.TempDir(), "cases.json"))
	ctx := context.Background()
	for _, ip := range []string{"10.0.0.3", "10.0.0.1", "10.0.0.2"} {
		_, err := store.CreateCase(ctx, ip, "c-"+ip)
		require.NoError(t, err)
	}
	_, err := store.CloseCase(ctx, "10.0.0.2", core.CaseStatusClosed)
	require.NoError(t, err)

	open := store.ListOpen()
	require.Len(t, open, 2)
	assert.Equal(t, "10.0.0.1", open[0].IP)
	assert.Equal(t, "10.0.0.3", open[1].IP)
}

func TestCaseStore_InvalidStatus(t *testing.T) {
	store, _ := newTestCaseStore(t, filepath.Join(t.TempDir(), "cases.json"))
	_, err := store.CloseCase(context.Background(), "10.0.0.1", core.CaseStatus("archived"))
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCaseStore_FailedPersistLeavesMemoryUnchanged(t *testing.T) {
	p := &memPersister{}
	store, err := NewCaseStore(context.Background(), p, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.CreateCase(ctx, "10.0.0.1", "case-1")
	require.NoError(t, err)

	p.setFail(errors.New("disk full"))
	_, err = store.AppendAlert(ctx, "10.0.0.1", "a1")
	assert.Error(t, err)
	_, err = store.CloseCase(ctx, "10.0.0.1", core.CaseStatusClosed)
	assert.Error(t, err)

	c, ok := store.GetOpenCase("10.0.0.1")
	require.True(t, ok)
	assert.Empty(t, c.Alerts)
}

func TestCaseStore_ConcurrentAppendAndDetach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.json")
	store, _ := newTestCaseStore(t, path)
	ctx := context.Background()

	_, err := store.CreateCase(ctx, "10.0.0.1", "case-1")
	require.NoError(t, err)
	_, err = store.AppendAlert(ctx, "10.0.0.1", "keep")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("a%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := store.AppendAlert(ctx, "10.0.0.1", id)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := store.DetachAlertEverywhere(ctx, id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c, ok := store.GetOpenCase("10.0.0.1")
	require.True(t, ok)
	assert.Contains(t, c.Alerts, "keep")

	reloaded, _ := newTestCaseStore(t, path)
	again, ok := reloaded.GetOpenCase("10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, c.Alerts, again.Alerts)
}
