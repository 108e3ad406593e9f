package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"warden/classify"
	"warden/core"
	"warden/storage"
)

// inlinePool runs tasks synchronously on Submit
type inlinePool struct {
	mu    sync.Mutex
	err   error
	names []string
}

func (p *inlinePool) Submit(task core.Task) error {
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return p.err
	}
	p.names = append(p.names, task.Name)
	p.mu.Unlock()

	result, err := task.Run(context.Background())
	if task.Report != nil {
		task.Report(result, err)
	}
	return nil
}

type fakeBackend struct {
	mu        sync.Mutex
	nextID    string
	createErr error
	attachErr error
	closeErr  error
	created   []string
	attached  []string
	closed    []string

	// sequential numbers each created ID ("case-1", "case-2", ...)
	sequential  bool
	createDelay time.Duration
	onCreate    func()
}

func (b *fakeBackend) CreateCase(_ context.Context, ip string) (string, error) {
	if b.createDelay > 0 {
		time.Sleep(b.createDelay)
	}
	if b.onCreate != nil {
		b.onCreate()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, ip)
	if b.createErr != nil {
		return "", b.createErr
	}
	if b.sequential {
		return fmt.Sprintf("case-%d", len(b.created)), nil
	}
	return b.nextID, nil
}

func (b *fakeBackend) snapshot() (created, closed []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.created...), append([]string(nil), b.closed...)
}

func (b *fakeBackend) AttachAlert(_ context.Context, caseID, alertID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attached = append(b.attached, caseID+"/"+alertID)
	return b.attachErr
}

func (b *fakeBackend) CloseCase(_ context.Context, caseID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, caseID)
	return b.closeErr
}

type fakeSource struct {
	reqs []core.Request
	err  error
}

func (s *fakeSource) TopRequests(context.Context, string) ([]core.Request, error) {
	return s.reqs, s.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []core.CaseEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev core.CaseEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) types() []core.CaseEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.CaseEventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

type fakeDeployer struct {
	outcome core.DeployOutcome
	sent    []string
}

func (d *fakeDeployer) Deploy(_ context.Context, directive string) core.DeployOutcome {
	d.sent = append(d.sent, directive)
	return d.outcome
}

type memoryHistory struct {
	records []storage.DeploymentRecord
}

func (h *memoryHistory) Record(_ context.Context, rec *storage.DeploymentRecord) error {
	h.records = append(h.records, *rec)
	return nil
}

func (h *memoryHistory) List(_ context.Context, limit int) ([]storage.DeploymentRecord, error) {
	if limit > len(h.records) {
		limit = len(h.records)
	}
	return h.records[:limit], nil
}

type stubClassifier struct {
	analysis classify.Analysis
	err      error
}

func (c *stubClassifier) Analyze(_ context.Context, alertID string, _ core.AlertLogEntry) (classify.Analysis, error) {
	c.analysis.AlertID = alertID
	return c.analysis, c.err
}

type fixedIDs int

func (f fixedIDs) Between(int, int) int { return int(f) }

// newStores returns file-backed stores wired together the way bootstrap does
func newStores(t *testing.T, closer storage.CaseCloser) (*storage.AlertLogStore, *storage.CaseStore) {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop().Sugar()
	dir := t.TempDir()

	alertPersister, err := storage.NewFilePersister(filepath.Join(dir, "alert_logs.json"))
	require.NoError(t, err)
	alerts, err := storage.NewAlertLogStore(ctx, alertPersister, logger)
	require.NoError(t, err)

	casePersister, err := storage.NewFilePersister(filepath.Join(dir, "cases.json"))
	require.NoError(t, err)
	cases, err := storage.NewCaseStore(ctx, casePersister, alerts, logger, storage.WithCaseCloser(closer))
	require.NoError(t, err)
	return alerts, cases
}
