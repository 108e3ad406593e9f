package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"warden/core"
	"warden/metrics"
)

// CaseCloser closes a case in the external case backend
type CaseCloser interface {
	CloseCase(ctx context.Context, caseID string) error
}

// AlertRemover drops alert logs when their case closes
type AlertRemover interface {
	RemoveMany(ctx context.Context, alertIDs []string) error
}

// CaseStore tracks the ordered cases of every source IP.
//
// The persisted document maps IP to a list of cases. Older documents
// stored a single case object per IP and may lack fields; an IP's entry is
// normalized the first time it is accessed and the healed form is written
// with the next mutation.
//
// All read-modify-persist sequences run under one lock. External calls
// (backend close, alert log cleanup) are made after the lock is released.
type CaseStore struct {
	mu        sync.Mutex
	raw       map[string]json.RawMessage
	cases     map[string][]core.Case
	persister Persister
	alerts    AlertRemover
	closer    CaseCloser
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// CaseStoreOption configures a CaseStore
type CaseStoreOption func(*CaseStore)

// WithCaseCloser sets the backend used to close auto-closed cases
func WithCaseCloser(closer CaseCloser) CaseStoreOption {
	return func(s *CaseStore) {
		s.closer = closer
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) CaseStoreOption {
	return func(s *CaseStore) {
		s.now = now
	}
}

// NewCaseStore loads the case document. A missing or unparsable document
// starts an empty store.
func NewCaseStore(ctx context.Context, persister Persister, alerts AlertRemover, logger *zap.SugaredLogger, opts ...CaseStoreOption) (*CaseStore, error) {
	data, err := persister.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cases: %w", err)
	}

	raw := make(map[string]json.RawMessage)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			logger.Warnw("Case document is corrupt, starting empty", "error", err)
			raw = make(map[string]json.RawMessage)
		}
	}

	s := &CaseStore{
		raw:       raw,
		cases:     make(map[string][]core.Case),
		persister: persister,
		alerts:    alerts,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	logger.Infow("Case store loaded", "ips", len(raw))
	return s, nil
}

// SetCaseCloser sets the backend used to close auto-closed cases. The
// backend client and the store depend on each other at wiring time.
func (s *CaseStore) SetCaseCloser(closer CaseCloser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closer = closer
}

// GetOpenCase returns the most recent open case for ip
func (s *CaseStore) GetOpenCase(ip string) (core.Case, bool) {
	if ip == "" {
		return core.Case{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := openIndex(s.ensure(ip))
	if idx < 0 {
		return core.Case{}, false
	}
	return s.cases[ip][idx].Clone(), true
}

// Cases returns a copy of every case recorded for ip, oldest first
func (s *CaseStore) Cases(ip string) []core.Case {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.ensure(ip)
	out := make([]core.Case, len(list))
	for i, c := range list {
		out[i] = c.Clone()
	}
	return out
}

// CreateCase appends a new open case for ip. If ip already has an open
// case it is returned together with ErrCaseAlreadyOpen. An empty caseID
// is accepted: the backend may have failed to create the case, and the
// local case still collects alerts.
func (s *CaseStore) CreateCase(ctx context.Context, ip, caseID string) (core.Case, error) {
	if ip == "" {
		return core.Case{}, ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.ensure(ip)
	if idx := openIndex(list); idx >= 0 {
		return list[idx].Clone(), ErrCaseAlreadyOpen
	}

	c := core.Case{
		CaseID:    caseID,
		Status:    core.CaseStatusOpen,
		Alerts:    []string{},
		CreatedAt: s.now().UTC(),
	}
	next := append(cloneCases(list), c)
	if err := s.commit(ctx, "create", map[string][]core.Case{ip: next}); err != nil {
		return core.Case{}, err
	}
	metrics.CasesOpened.Inc()
	return c.Clone(), nil
}

// AppendAlert adds alertID to the open case of ip. It reports whether the
// alert was added; no open case or an already attached alert is a no-op.
func (s *CaseStore) AppendAlert(ctx context.Context, ip, alertID string) (bool, error) {
	if ip == "" || alertID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.ensure(ip)
	idx := openIndex(list)
	if idx < 0 || list[idx].HasAlert(alertID) {
		return false, nil
	}

	next := cloneCases(list)
	next[idx].Alerts = append(next[idx].Alerts, alertID)
	if err := s.commit(ctx, "append_alert", map[string][]core.Case{ip: next}); err != nil {
		return false, err
	}
	return true, nil
}

// CloseCase sets the status of the open case of ip. Closing stamps the
// close time and, once the case lock is released, removes every alert
// still attached from the alert log store.
func (s *CaseStore) CloseCase(ctx context.Context, ip string, status core.CaseStatus) (core.Case, error) {
	if !status.IsValid() {
		return core.Case{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	s.mu.Lock()
	list := s.ensure(ip)
	idx := openIndex(list)
	if idx < 0 {
		s.mu.Unlock()
		return core.Case{}, fmt.Errorf("%w: no open case for %s", ErrCaseNotFound, ip)
	}

	next := cloneCases(list)
	c := &next[idx]
	c.Status = status
	if status == core.CaseStatusClosed {
		closedAt := s.now().UTC()
		c.ClosedAt = &closedAt
	}
	closed := c.Clone()

	err := s.commit(ctx, "close", map[string][]core.Case{ip: next})
	s.mu.Unlock()
	if err != nil {
		return core.Case{}, err
	}

	if status != core.CaseStatusClosed {
		return closed, nil
	}
	metrics.CasesClosed.WithLabelValues("manual").Inc()
	s.logger.Infow("Case closed", "ip", ip, "case_id", closed.CaseID, "alerts", len(closed.Alerts))

	if len(closed.Alerts) > 0 && s.alerts != nil {
		if err := s.alerts.RemoveMany(ctx, closed.Alerts); err != nil {
			s.logger.Warnw("Failed to remove alert logs of closed case",
				"ip", ip,
				"case_id", closed.CaseID,
				"error", err)
		}
	}
	return closed, nil
}

// DetachAlertEverywhere removes alertID from every open case. A case whose
// only alert it was is closed and emptied; those cases are then closed in
// the backend on a best-effort basis. Calling it again for the same alert
// detaches nothing.
func (s *CaseStore) DetachAlertEverywhere(ctx context.Context, alertID string) (core.DetachResult, error) {
	var res core.DetachResult
	if alertID == "" {
		return res, nil
	}

	s.mu.Lock()
	s.ensureAll()

	changed := make(map[string][]core.Case)
	for ip, list := range s.cases {
		var next []core.Case
		for i, c := range list {
			if !c.IsOpen() || !c.HasAlert(alertID) {
				continue
			}
			if next == nil {
				next = cloneCases(list)
			}
			res.Detached++

			if len(c.Alerts) == 1 {
				closedAt := s.now().UTC()
				next[i].Status = core.CaseStatusClosed
				next[i].ClosedAt = &closedAt
				next[i].Alerts = []string{}
				res.AutoClosed++
				if c.CaseID != "" {
					res.AutoClosedCaseIDs = append(res.AutoClosedCaseIDs, c.CaseID)
				}
				continue
			}
			next[i].Alerts = slices.DeleteFunc(next[i].Alerts, func(a string) bool { return a == alertID })
		}
		if next != nil {
			changed[ip] = next
		}
	}

	var err error
	if len(changed) > 0 {
		err = s.commit(ctx, "detach", changed)
	}
	closer := s.closer
	s.mu.Unlock()

	if err != nil {
		return core.DetachResult{}, err
	}
	if res.AutoClosed > 0 {
		metrics.CasesClosed.WithLabelValues("auto_fp").Add(float64(res.AutoClosed))
	}

	if closer != nil {
		for _, caseID := range res.AutoClosedCaseIDs {
			if err := closer.CloseCase(ctx, caseID); err != nil {
				s.logger.Warnw("Failed to close auto-closed case in backend",
					"case_id", caseID,
					"alert_id", alertID,
					"error", err)
			}
		}
	}
	return res, nil
}

// FindByCaseID returns the IP and case with the given backend ID. An open
// case wins over closed ones with the same ID.
func (s *CaseStore) FindByCaseID(caseID string) (string, core.Case, bool) {
	if caseID == "" {
		return "", core.Case{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureAll()

	var (
		foundIP   string
		foundCase core.Case
		found     bool
	)
	for _, ip := range slices.Sorted(maps.Keys(s.cases)) {
		for _, c := range s.cases[ip] {
			if c.CaseID != caseID {
				continue
			}
			if !found || (c.IsOpen() && !foundCase.IsOpen()) {
				foundIP, foundCase, found = ip, c.Clone(), true
			}
		}
	}
	return foundIP, foundCase, found
}

// ListOpen returns every open case ordered by IP
func (s *CaseStore) ListOpen() []core.OpenCase {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureAll()

	var out []core.OpenCase
	for ip, list := range s.cases {
		for _, c := range list {
			if c.IsOpen() {
				out = append(out, core.OpenCase{IP: ip, Case: c.Clone()})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IP != out[j].IP {
			return out[i].IP < out[j].IP
		}
		return out[i].Case.CreatedAt.Before(out[j].Case.CreatedAt)
	})
	return out
}

// ensure returns the normalized case list of ip. Caller holds the lock.
func (s *CaseStore) ensure(ip string) []core.Case {
	if list, ok := s.cases[ip]; ok {
		return list
	}
	raw, ok := s.raw[ip]
	if !ok {
		return nil
	}
	list := normalizeCases(raw, s.now().UTC())
	s.cases[ip] = list
	delete(s.raw, ip)
	return list
}

func (s *CaseStore) ensureAll() {
	for ip := range s.raw {
		s.ensure(ip)
	}
}

// commit persists the document with changed IPs replaced, then swaps
// them into memory. Caller holds the lock.
func (s *CaseStore) commit(ctx context.Context, op string, changed map[string][]core.Case) error {
	doc := make(map[string]json.RawMessage, len(s.raw)+len(s.cases))
	maps.Copy(doc, s.raw)
	for ip, list := range s.cases {
		if _, ok := changed[ip]; ok {
			continue
		}
		if err := encodeInto(doc, ip, list); err != nil {
			return err
		}
	}
	for ip, list := range changed {
		if err := encodeInto(doc, ip, list); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		metrics.StoreMutations.WithLabelValues("case", op, "error").Inc()
		return fmt.Errorf("failed to encode cases: %w", err)
	}
	if err := s.persister.Save(ctx, data); err != nil {
		metrics.StoreMutations.WithLabelValues("case", op, "error").Inc()
		s.logger.Errorw("Failed to persist cases", "operation", op, "error", err)
		return fmt.Errorf("failed to persist cases: %w", err)
	}

	for ip, list := range changed {
		s.cases[ip] = list
	}
	metrics.StoreMutations.WithLabelValues("case", op, "success").Inc()
	return nil
}

func encodeInto(doc map[string]json.RawMessage, ip string, list []core.Case) error {
	if list == nil {
		list = []core.Case{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to encode cases of %s: %w", ip, err)
	}
	doc[ip] = b
	return nil
}

// openIndex returns the index of the most recent open case, or -1
func openIndex(list []core.Case) int {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].IsOpen() {
			return i
		}
	}
	return -1
}

func cloneCases(list []core.Case) []core.Case {
	out := make([]core.Case, len(list))
	for i, c := range list {
		out[i] = c.Clone()
	}
	return out
}
