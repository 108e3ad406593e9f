// Package service implements the operator-facing flows: compiling and
// deploying exception directives, correlating alerts into per-IP cases,
// closing cases, reclassifying false positives, classifier suggestions
// and WAF IP list management.
//
// Services depend on the narrow interfaces declared in this file. The
// concrete stores, clients and worker pool are wired in bootstrap.
package service

import (
	"context"

	"warden/core"
	"warden/storage"
)

// AlertLogStore defines the alert log operations the service layer needs.
// Defined here (consumer package) following Interface Segregation Principle.
type AlertLogStore interface {
	Get(alertID string) (core.AlertLogEntry, bool)
	AppendRequests(ctx context.Context, alertID, clientIP string, reqs []core.Request) (int, error)
	MarkFalsePositive(ctx context.Context, alertID string) (bool, error)
	RetainRequests(ctx context.Context, alertID string, keep func(core.Request) bool) (int, error)
	Clear(ctx context.Context) error
	Len() int
}

// CaseStore defines the case correlation operations the service layer needs.
type CaseStore interface {
	GetOpenCase(ip string) (core.Case, bool)
	CreateCase(ctx context.Context, ip, caseID string) (core.Case, error)
	AppendAlert(ctx context.Context, ip, alertID string) (bool, error)
	CloseCase(ctx context.Context, ip string, status core.CaseStatus) (core.Case, error)
	DetachAlertEverywhere(ctx context.Context, alertID string) (core.DetachResult, error)
	FindByCaseID(caseID string) (string, core.Case, bool)
	ListOpen() []core.OpenCase
}

// DeploymentHistory records and lists deployments
type DeploymentHistory interface {
	Record(ctx context.Context, rec *storage.DeploymentRecord) error
	List(ctx context.Context, limit int) ([]storage.DeploymentRecord, error)
}

// DirectiveCompiler turns command text into a directive
type DirectiveCompiler interface {
	Compile(family core.Family, raw string) (core.Directive, error)
}

// TaskSubmitter queues background work
type TaskSubmitter interface {
	Submit(task core.Task) error
}

var (
	_ AlertLogStore     = (*storage.AlertLogStore)(nil)
	_ CaseStore         = (*storage.CaseStore)(nil)
	_ DeploymentHistory = (*storage.SQLiteDeploymentHistory)(nil)
	_ TaskSubmitter     = (*core.WorkerPool)(nil)
)
