package store

import (
	"context"
	"time"
)

// Baseline is a commit of RepoURL at Ref that passed a standalone probe.
// Rows are append-only; at most one row per (RepoURL, Ref) is current.
type Baseline struct {
	BaselineID    int64     `db:"baseline_id"     json:"baseline_id"`
	RepoURL       string    `db:"repo_url"        json:"repo_url"`
	Ref           string    `db:"ref"             json:"ref"`
	CommitID      string    `db:"commit_id"       json:"commit_id"`
	PriorCommitID *string   `db:"prior_commit_id" json:"prior_commit_id,omitempty"`
	ProbeRunID    *int64    `db:"probe_run_id"    json:"probe_run_id,omitempty"`
	EstablishedOn time.Time `db:"established_on"  json:"established_on"`
	IsCurrent     bool      `db:"is_current"      json:"is_current"`
}

type BaselineStore interface {
	RecordBaseline(context.Context, string, string, string, *int64) (*Baseline, error)
	ReadCurrentBaseline(context.Context, string, string) (*Baseline, error)
	ReadBaselineByProbeRunID(context.Context, int64) (*Baseline, error)
	ListBaselines(context.Context, string, string) ([]*Baseline, error)
	ListCurrentBaselines(context.Context) ([]*Baseline, error)
}
