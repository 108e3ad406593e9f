package storage

import (
	"context"

	"warden/core"
)

// AlertLogStorer is the alert log store contract used by the service layer
type AlertLogStorer interface {
	Get(alertID string) (core.AlertLogEntry, bool)
	Save(ctx context.Context, alertID string, entry core.AlertLogEntry) error
	AppendRequests(ctx context.Context, alertID, clientIP string, reqs []core.Request) (int, error)
	Remove(ctx context.Context, alertID string) error
	RemoveMany(ctx context.Context, alertIDs []string) error
	MarkFalsePositive(ctx context.Context, alertID string) (bool, error)
	Clear(ctx context.Context) error
	Len() int
}

// CaseStorer is the case store contract used by the service layer
type CaseStorer interface {
	GetOpenCase(ip string) (core.Case, bool)
	CreateCase(ctx context.Context, ip, caseID string) (core.Case, error)
	AppendAlert(ctx context.Context, ip, alertID string) (bool, error)
	CloseCase(ctx context.Context, ip string, status core.CaseStatus) (core.Case, error)
	DetachAlertEverywhere(ctx context.Context, alertID string) (core.DetachResult, error)
	FindByCaseID(caseID string) (string, core.Case, bool)
	ListOpen() []core.OpenCase
}

// DeploymentHistory records directive deployments
type DeploymentHistory interface {
	Record(ctx context.Context, rec *DeploymentRecord) error
	List(ctx context.Context, limit int) ([]DeploymentRecord, error)
}

var (
	_ AlertLogStorer    = (*AlertLogStore)(nil)
	_ CaseStorer        = (*CaseStore)(nil)
	_ AlertRemover      = (*AlertLogStore)(nil)
	_ DeploymentHistory = (*SQLiteDeploymentHistory)(nil)
)
