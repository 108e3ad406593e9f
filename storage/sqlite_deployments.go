package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeploymentRecord is one directive deployment attempt
type DeploymentRecord struct {
	ID          string    `json:"id" yaml:"id"`
	Family      string    `json:"family" yaml:"family"`
	Method      string    `json:"method" yaml:"method"`
	Directive   string    `json:"directive" yaml:"directive"`
	RuleID      int       `json:"rule_id,omitempty" yaml:"rule_id,omitempty"`
	Success     bool      `json:"success" yaml:"success"`
	Stage       string    `json:"stage" yaml:"stage"`
	Detail      string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty" yaml:"requested_by,omitempty"`
	DeployedAt  time.Time `json:"deployed_at" yaml:"deployed_at"`
}

// SQLiteDeploymentHistory records deployments in SQLite
type SQLiteDeploymentHistory struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteDeploymentHistory creates the history store
func NewSQLiteDeploymentHistory(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteDeploymentHistory {
	return &SQLiteDeploymentHistory{sqlite: sqlite, logger: logger}
}

// Record stores a deployment, assigning its ID and time when unset
func (h *SQLiteDeploymentHistory) Record(ctx context.Context, rec *DeploymentRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.DeployedAt.IsZero() {
		rec.DeployedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO deployments (id, family, method, directive, rule_id, success, stage, detail, requested_by, deployed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := h.sqlite.WriteDB.ExecContext(ctx, query,
		rec.ID, rec.Family, rec.Method, rec.Directive, rec.RuleID,
		rec.Success, rec.Stage, rec.Detail, rec.RequestedBy, rec.DeployedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record deployment: %w", err)
	}
	h.logger.Debugw("Deployment recorded", "id", rec.ID, "family", rec.Family, "success", rec.Success)
	return nil
}

// List returns the most recent deployments, newest first
func (h *SQLiteDeploymentHistory) List(ctx context.Context, limit int) ([]DeploymentRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 20
	}

	query := `
		SELECT id, family, method, directive, rule_id, success, stage, detail, requested_by, deployed_at
		FROM deployments
		ORDER BY deployed_at DESC
		LIMIT ?
	`
	rows, err := h.sqlite.ReadDB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployments: %w", err)
	}
	defer rows.Close()

	var records []DeploymentRecord
	for rows.Next() {
		var rec DeploymentRecord
		if err := rows.Scan(&rec.ID, &rec.Family, &rec.Method, &rec.Directive, &rec.RuleID,
			&rec.Success, &rec.Stage, &rec.Detail, &rec.RequestedBy, &rec.DeployedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deployments: %w", err)
	}
	return records, nil
}
