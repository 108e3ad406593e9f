package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"warden/casebackend"
	"warden/core"
	"warden/events"
	"warden/logsource"
	"warden/metrics"
	"warden/notify"
	"warden/storage"
)

// topRequestsPosted is how many requests are echoed to the alert thread
const topRequestsPosted = 5

// caseOpenStripes bounds the locks used to serialize case creation per IP
const caseOpenStripes = 32

// ErrEmptyArgument is returned when a command needs an argument and got none
var ErrEmptyArgument = errors.New("argument required")

// AlertEvent is an alert notification to correlate
type AlertEvent struct {
	AlertID  string
	ClientIP string
	// Channel and ThreadTS locate the notification; top requests are
	// posted as a reply in that thread when both are set
	Channel  string
	ThreadTS string
}

// IngestResult describes what ingesting one alert changed
type IngestResult struct {
	AlertID  string
	IP       string
	CaseID   string
	NewCase  bool
	Attached bool
	Requests int
}

// CloseResult describes a manual case close
type CloseResult struct {
	IP            string
	Case          core.Case
	AlreadyClosed bool
}

// FPResult describes a false-positive reclassification
type FPResult struct {
	AlertID string
	IP      string
	Detach  core.DetachResult
}

// CaseService correlates alerts into per-IP cases and runs the case
// lifecycle commands.
type CaseService struct {
	alerts    AlertLogStore
	cases     CaseStore
	backend   casebackend.Backend
	source    logsource.Source
	publisher events.Publisher
	sender    notify.Sender
	logger    *zap.SugaredLogger

	openLocks [caseOpenStripes]sync.Mutex
}

// NewCaseService creates the service.
//
// PARAMETERS:
//   - alerts, cases, backend, logger: required, panics if nil
//   - source: optional, alerts are correlated without request logs when nil
//   - publisher: optional, events are discarded when nil
//   - sender: optional, top requests are not posted when nil
func NewCaseService(
	alerts AlertLogStore,
	cases CaseStore,
	backend casebackend.Backend,
	source logsource.Source,
	publisher events.Publisher,
	sender notify.Sender,
	logger *zap.SugaredLogger,
) *CaseService {
	if alerts == nil {
		panic("alerts is required")
	}
	if cases == nil {
		panic("cases is required")
	}
	if backend == nil {
		panic("backend is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &CaseService{
		alerts:    alerts,
		cases:     cases,
		backend:   backend,
		source:    source,
		publisher: publisher,
		sender:    sender,
		logger:    logger,
	}
}

// ============================================================================
// Alert ingestion
// ============================================================================

// IngestAlert attaches an alert to the open case of its client IP, opening
// a case first when there is none, and appends the IP's recent requests to
// the alert's log.
//
// BUSINESS LOGIC:
// 1. Reuse the open case of the IP, or create one in the backend and then
// locally. A failed backend create still opens a local case with an empty
// case ID.
// 2. Attach the alert in the backend (only when the case has an ID), then
// locally. Both are idempotent.
// 3. Fetch the IP's top requests and append them to the alert log.
// 4. Post the first few requests to the notification thread.
//
// Backend, request source and chat failures are logged and skipped; only
// local store failures are returned.
func (s *CaseService) IngestAlert(ctx context.Context, ev AlertEvent) (IngestResult, error) {
	res := IngestResult{AlertID: ev.AlertID, IP: ev.ClientIP}
	if ev.AlertID == "" || ev.ClientIP == "" {
		return res, fmt.Errorf("%w: alert id and client ip", ErrEmptyArgument)
	}

	c, newCase, err := s.openCaseFor(ctx, ev.ClientIP)
	if err != nil {
		metrics.AlertsIngested.WithLabelValues("failure").Inc()
		return res, err
	}
	res.CaseID = c.CaseID
	res.NewCase = newCase

	if c.CaseID != "" {
		if err := s.backend.AttachAlert(ctx, c.CaseID, ev.AlertID); err != nil {
			s.logger.Warnw("Failed to attach alert in case backend",
				"case_id", c.CaseID,
				"alert_id", ev.AlertID,
				"error", err)
		}
	}
	res.Attached, err = s.cases.AppendAlert(ctx, ev.ClientIP, ev.AlertID)
	if err != nil {
		metrics.AlertsIngested.WithLabelValues("failure").Inc()
		return res, fmt.Errorf("failed to attach alert %s: %w", ev.AlertID, err)
	}

	reqs := s.topRequests(ctx, ev.ClientIP)
	if len(reqs) > 0 {
		n, err := s.alerts.AppendRequests(ctx, ev.AlertID, ev.ClientIP, reqs)
		if err != nil {
			metrics.AlertsIngested.WithLabelValues("failure").Inc()
			return res, fmt.Errorf("failed to store requests of alert %s: %w", ev.AlertID, err)
		}
		res.Requests = n
		s.postTopRequests(ctx, ev, reqs)
	}

	outcome := "existing_case"
	if newCase {
		outcome = "new_case"
	}
	metrics.AlertsIngested.WithLabelValues(outcome).Inc()
	s.logger.Infow("Alert ingested",
		"alert_id", ev.AlertID,
		"ip", ev.ClientIP,
		"case_id", res.CaseID,
		"new_case", newCase,
		"requests", res.Requests)
	return res, nil
}

func (s *CaseService) openCaseFor(ctx context.Context, ip string) (core.Case, bool, error) {
	if c, ok := s.cases.GetOpenCase(ip); ok {
		return c, false, nil
	}

	// one backend create per IP at a time; the loser of a race reuses the
	// winner's case instead of creating a second one
	mu := s.openLock(ip)
	mu.Lock()
	defer mu.Unlock()
	if c, ok := s.cases.GetOpenCase(ip); ok {
		return c, false, nil
	}

	caseID, err := s.backend.CreateCase(ctx, ip)
	if err != nil {
		s.logger.Warnw("Failed to create case in backend, opening local case without id",
			"ip", ip,
			"error", err)
		caseID = ""
	}

	c, err := s.cases.CreateCase(ctx, ip, caseID)
	if errors.Is(err, storage.ErrCaseAlreadyOpen) {
		// opened by another writer of the store; the backend case just
		// created has no local record and would never be closed
		s.closeOrphan(ctx, ip, caseID, c.CaseID)
		return c, false, nil
	}
	if err != nil {
		return core.Case{}, false, fmt.Errorf("failed to open case for %s: %w", ip, err)
	}

	s.publisher.Publish(ctx, core.CaseEvent{Type: core.CaseEventOpened, IP: ip, CaseID: caseID})
	return c, true, nil
}

func (s *CaseService) openLock(ip string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))
	return &s.openLocks[h.Sum32()%caseOpenStripes]
}

func (s *CaseService) closeOrphan(ctx context.Context, ip, orphanID, keptID string) {
	if orphanID == "" || orphanID == keptID {
		return
	}
	if err := s.backend.CloseCase(ctx, orphanID); err != nil {
		s.logger.Warnw("Failed to close duplicate backend case",
			"ip", ip,
			"case_id", orphanID,
			"kept_case_id", keptID,
			"error", err)
		return
	}
	s.logger.Infow("Closed duplicate backend case",
		"ip", ip,
		"case_id", orphanID,
		"kept_case_id", keptID)
}

func (s *CaseService) topRequests(ctx context.Context, ip string) []core.Request {
	if s.source == nil {
		return nil
	}
	reqs, err := s.source.TopRequests(ctx, ip)
	if err != nil {
		s.logger.Warnw("Failed to fetch requests for alert", "ip", ip, "error", err)
		return nil
	}
	return reqs
}

func (s *CaseService) postTopRequests(ctx context.Context, ev AlertEvent, reqs []core.Request) {
	if s.sender == nil || ev.Channel == "" {
		return
	}
	if len(reqs) > topRequestsPosted {
		reqs = reqs[:topRequestsPosted]
	}
	for i, r := range reqs {
		err := s.sender.PostThread(ctx, ev.Channel, ev.ThreadTS, RenderTopRequest(i+1, r))
		if errors.Is(err, notify.ErrNotConfigured) {
			return
		}
		if err != nil {
			s.logger.Warnw("Failed to post top request", "alert_id", ev.AlertID, "index", i+1, "error", err)
			return
		}
	}
}

// ============================================================================
// Case lifecycle
// ============================================================================

// CloseCase closes the case with the given backend ID.
//
// BUSINESS LOGIC:
// 1. Find the IP owning the case
// 2. Close it in the backend; on failure the error is returned and local
// state is left untouched
// 3. Close the local case, which also drops the alert logs of its alerts
//
// ERRORS:
//   - ErrEmptyArgument: no case ID given
//   - core.ErrNotFound: no case has that ID
//   - core.ErrBackendUnavailable: the backend close failed
func (s *CaseService) CloseCase(ctx context.Context, rawCaseID string) (CloseResult, error) {
	caseID := FirstToken(rawCaseID)
	if caseID == "" {
		return CloseResult{}, fmt.Errorf("%w: case id", ErrEmptyArgument)
	}

	ip, c, ok := s.cases.FindByCaseID(caseID)
	if !ok {
		return CloseResult{}, fmt.Errorf("%w: case %s", core.ErrNotFound, caseID)
	}
	if !c.IsOpen() {
		return CloseResult{IP: ip, Case: c, AlreadyClosed: true}, nil
	}

	if err := s.backend.CloseCase(ctx, caseID); err != nil {
		s.logger.Warnw("Backend refused case close, local case left open",
			"case_id", caseID,
			"ip", ip,
			"error", err)
		return CloseResult{IP: ip, Case: c}, err
	}

	closed, err := s.cases.CloseCase(ctx, ip, core.CaseStatusClosed)
	if err != nil {
		return CloseResult{IP: ip, Case: c}, fmt.Errorf("failed to close case %s: %w", caseID, err)
	}

	s.publisher.Publish(ctx, core.CaseEvent{
		Type:   core.CaseEventClosed,
		IP:     ip,
		CaseID: caseID,
		Reason: "manual",
	})
	return CloseResult{IP: ip, Case: closed}, nil
}

// MarkFalsePositive reclassifies an alert and detaches it from every open
// case. A case left without alerts is closed.
//
// The two steps are not atomic. If the process stops between them the
// alert stays marked but attached; running the command again finishes the
// detach.
//
// ERRORS:
//   - ErrEmptyArgument: no alert ID given
//   - core.ErrNotFound: the alert has no log entry
func (s *CaseService) MarkFalsePositive(ctx context.Context, rawAlertID string) (FPResult, error) {
	alertID := NormalizeAlertID(rawAlertID)
	if alertID == "" {
		return FPResult{}, fmt.Errorf("%w: alert id", ErrEmptyArgument)
	}
	res := FPResult{AlertID: alertID}

	entry, ok := s.alerts.Get(alertID)
	if !ok {
		return res, fmt.Errorf("%w: alert %s", core.ErrNotFound, alertID)
	}
	res.IP = entry.ClientIP

	marked, err := s.alerts.MarkFalsePositive(ctx, alertID)
	if err != nil {
		return res, fmt.Errorf("failed to mark alert %s: %w", alertID, err)
	}
	if !marked {
		// removed between lookup and update
		return res, fmt.Errorf("%w: alert %s", core.ErrNotFound, alertID)
	}

	res.Detach, err = s.cases.DetachAlertEverywhere(ctx, alertID)
	if err != nil {
		return res, fmt.Errorf("failed to detach alert %s: %w", alertID, err)
	}

	metrics.FalsePositivesMarked.Inc()
	s.logger.Infow("Alert marked false positive",
		"alert_id", alertID,
		"ip", entry.ClientIP,
		"detached", res.Detach.Detached,
		"auto_closed", res.Detach.AutoClosed)

	s.publisher.Publish(ctx, core.CaseEvent{Type: core.CaseEventAlertMarked, IP: entry.ClientIP, AlertID: alertID})
	for _, caseID := range res.Detach.AutoClosedCaseIDs {
		s.publisher.Publish(ctx, core.CaseEvent{
			Type:    core.CaseEventClosed,
			IP:      entry.ClientIP,
			CaseID:  caseID,
			AlertID: alertID,
			Reason:  "auto_fp",
		})
	}
	return res, nil
}

// ListOpen returns every open case
func (s *CaseService) ListOpen() []core.OpenCase {
	return s.cases.ListOpen()
}

// AlertLog returns the stored request log of an alert
func (s *CaseService) AlertLog(rawAlertID string) (core.AlertLogEntry, error) {
	alertID := NormalizeAlertID(rawAlertID)
	entry, ok := s.alerts.Get(alertID)
	if !ok {
		return core.AlertLogEntry{}, fmt.Errorf("%w: alert %s", core.ErrNotFound, alertID)
	}
	return entry, nil
}

// ClearAlertLogs drops every alert log entry. Cases are not touched.
func (s *CaseService) ClearAlertLogs(ctx context.Context) (int, error) {
	n := s.alerts.Len()
	if err := s.alerts.Clear(ctx); err != nil {
		return 0, fmt.Errorf("failed to clear alert logs: %w", err)
	}
	s.logger.Infow("Alert logs cleared", "entries", n)
	return n, nil
}
