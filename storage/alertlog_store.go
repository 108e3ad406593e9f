package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"warden/core"
	"warden/metrics"
)

// AlertLogStore is the durable mapping from alert ID to its request log.
//
// Every mutation runs under one lock covering read, modify and persist.
// The next state is built on a copy of the map and swapped in only after
// the document was saved, so a failed save leaves memory unchanged and
// memory never diverges from what was persisted.
type AlertLogStore struct {
	mu        sync.RWMutex
	logs      map[string]core.AlertLogEntry
	persister Persister
	logger    *zap.SugaredLogger
}

// NewAlertLogStore loads the alert log document. A missing or unparsable
// document starts an empty store; only a failing persister is an error.
func NewAlertLogStore(ctx context.Context, persister Persister, logger *zap.SugaredLogger) (*AlertLogStore, error) {
	data, err := persister.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load alert logs: %w", err)
	}

	logs := make(map[string]core.AlertLogEntry)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &logs); err != nil {
			logger.Warnw("Alert log document is corrupt, starting empty", "error", err)
			logs = make(map[string]core.AlertLogEntry)
		}
	}

	logger.Infow("Alert log store loaded", "alerts", len(logs))
	return &AlertLogStore{
		logs:      logs,
		persister: persister,
		logger:    logger,
	}, nil
}

// Get returns a copy of the entry for alertID
func (s *AlertLogStore) Get(alertID string) (core.AlertLogEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.logs[alertID]
	if !ok {
		return core.AlertLogEntry{}, false
	}
	return entry.Clone(), true
}

// Len returns the number of stored alerts
func (s *AlertLogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}

// IDs returns every stored alert ID in sorted order
func (s *AlertLogStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.logs))
}

// Save replaces the entry for alertID
func (s *AlertLogStore) Save(ctx context.Context, alertID string, entry core.AlertLogEntry) error {
	if alertID == "" {
		return ErrEmptyKey
	}
	return s.mutate(ctx, "save", func(logs map[string]core.AlertLogEntry) bool {
		logs[alertID] = entry.Clone()
		return true
	})
}

// AppendRequests adds requests to an alert's log in arrival order, never
// replacing earlier ones. Request IDs are numbered on arrival, continuing
// after the highest ID already stored, so IDs freed by pruning are never
// reused. The entry is created when missing.
// Returns the number of requests appended.
func (s *AlertLogStore) AppendRequests(ctx context.Context, alertID, clientIP string, reqs []core.Request) (int, error) {
	if alertID == "" {
		return 0, ErrEmptyKey
	}
	if len(reqs) == 0 {
		return 0, nil
	}

	err := s.mutate(ctx, "append", func(logs map[string]core.AlertLogEntry) bool {
		entry, ok := logs[alertID]
		if !ok {
			entry = core.AlertLogEntry{ClientIP: clientIP, Status: core.AlertStatusActive}
		}
		if entry.ClientIP == "" {
			entry.ClientIP = clientIP
		}

		lastID := 0
		for _, r := range entry.Requests {
			lastID = max(lastID, r.RequestID)
		}
		next := make([]core.Request, 0, len(entry.Requests)+len(reqs))
		next = append(next, entry.Requests...)
		for _, r := range reqs {
			r = r.Clone()
			lastID++
			r.RequestID = lastID
			next = append(next, r)
		}
		entry.Requests = next
		logs[alertID] = entry
		return true
	})
	if err != nil {
		return 0, err
	}
	return len(reqs), nil
}

// Remove deletes one alert. Removing a missing alert is a no-op.
func (s *AlertLogStore) Remove(ctx context.Context, alertID string) error {
	return s.RemoveMany(ctx, []string{alertID})
}

// RemoveMany deletes every listed alert that exists
func (s *AlertLogStore) RemoveMany(ctx context.Context, alertIDs []string) error {
	if len(alertIDs) == 0 {
		return nil
	}
	return s.mutate(ctx, "remove", func(logs map[string]core.AlertLogEntry) bool {
		changed := false
		for _, id := range alertIDs {
			if _, ok := logs[id]; ok {
				delete(logs, id)
				changed = true
			}
		}
		return changed
	})
}

// MarkFalsePositive sets the false-positive marker on an alert. It
// returns false without error when the alert does not exist.
func (s *AlertLogStore) MarkFalsePositive(ctx context.Context, alertID string) (bool, error) {
	if alertID == "" {
		return false, nil
	}
	found := false
	err := s.mutate(ctx, "mark_fp", func(logs map[string]core.AlertLogEntry) bool {
		entry, ok := logs[alertID]
		if !ok {
			return false
		}
		found = true
		entry.Status = core.AlertStatusFalsePositive
		logs[alertID] = entry
		return true
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// RetainRequests keeps the requests of alertID for which keep returns
// true, in their stored order and with their IDs unchanged. An entry left
// with no requests is removed. It returns the number of requests
// remaining, or ErrAlertNotFound when the alert has no entry.
func (s *AlertLogStore) RetainRequests(ctx context.Context, alertID string, keep func(core.Request) bool) (int, error) {
	found := false
	remaining := 0
	err := s.mutate(ctx, "retain", func(logs map[string]core.AlertLogEntry) bool {
		entry, ok := logs[alertID]
		if !ok {
			return false
		}
		found = true

		next := make([]core.Request, 0, len(entry.Requests))
		for _, r := range entry.Requests {
			if keep(r) {
				next = append(next, r.Clone())
			}
		}
		remaining = len(next)
		if remaining == 0 {
			delete(logs, alertID)
			return true
		}
		if remaining == len(entry.Requests) {
			return false
		}
		entry.Requests = next
		logs[alertID] = entry
		return true
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	return remaining, nil
}

// Clear drops every alert
func (s *AlertLogStore) Clear(ctx context.Context) error {
	return s.mutate(ctx, "clear", func(logs map[string]core.AlertLogEntry) bool {
		clear(logs)
		return true
	})
}

// mutate applies fn to a copy of the map and persists it. fn reports
// whether anything changed; unchanged maps are not persisted. fn must
// replace entries rather than modify their slices in place.
func (s *AlertLogStore) mutate(ctx context.Context, op string, fn func(map[string]core.AlertLogEntry) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.logs)
	if !fn(next) {
		return nil
	}

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		metrics.StoreMutations.WithLabelValues("alert_log", op, "error").Inc()
		return fmt.Errorf("failed to encode alert logs: %w", err)
	}
	if err := s.persister.Save(ctx, data); err != nil {
		metrics.StoreMutations.WithLabelValues("alert_log", op, "error").Inc()
		s.logger.Errorw("Failed to persist alert logs", "operation", op, "error", err)
		return fmt.Errorf("failed to persist alert logs: %w", err)
	}

	s.logs = next
	metrics.StoreMutations.WithLabelValues("alert_log", op, "success").Inc()
	return nil
}
