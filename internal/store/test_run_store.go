package store

import (
	"context"
	"time"
)

type RunState string

const (
	StatePending   RunState = "pending"
	StateSubmitted RunState = "submitted"
	StateRunning   RunState = "running"
	StatePassed    RunState = "passed"
	StateFailed    RunState = "failed"
	StateErrored   RunState = "errored"
)

func (s RunState) Terminal() bool {
	return s == StatePassed || s == StateFailed || s == StateErrored
}

// TestRun is one attempt at testing a patch, or a baseline probe when
// PatchSeq is nil, against CommitID.
type TestRun struct {
	TestRunID   int64      `db:"test_run_id"  json:"test_run_id"`
	PatchSeq    *int64     `db:"patch_seq"    json:"patch_seq,omitempty"`
	RepoURL     string     `db:"repo_url"     json:"repo_url"`
	Ref         string     `db:"ref"          json:"ref"`
	CommitID    string     `db:"commit_id"    json:"commit_id"`
	Token       string     `db:"token"        json:"token"`
	JobHandle   *string    `db:"job_handle"   json:"job_handle,omitempty"`
	State       RunState   `db:"state"        json:"state"`
	Attempt     int64      `db:"attempt"      json:"attempt"`
	RetryOf     *int64     `db:"retry_of"     json:"retry_of,omitempty"`
	ResultURL   *string    `db:"result_url"   json:"result_url,omitempty"`
	Error       *string    `db:"error"        json:"error,omitempty"`
	CreatedOn   time.Time  `db:"created_on"   json:"created_on"`
	SubmittedOn *time.Time `db:"submitted_on" json:"submitted_on,omitempty"`
	StartedOn   *time.Time `db:"started_on"   json:"started_on,omitempty"`
	EndedOn     *time.Time `db:"ended_on"     json:"ended_on,omitempty"`
}

func (r *TestRun) IsProbe() bool {
	return r.PatchSeq == nil
}

func (r *TestRun) Target() RunTarget {
	return RunTarget{RepoURL: r.RepoURL, Ref: r.Ref, CommitID: r.CommitID}
}

// RunResult is the terminal outcome written by FinalizeRun.
type RunResult struct {
	State     RunState
	ResultURL *string
	Error     *string
	EndedOn   time.Time
}

type FinalizeResult struct {
	Run *TestRun
	// Retry is the pending resubmission created for an errored run.
	Retry *TestRun
	// Baseline is set when a passing probe established a new baseline.
	Baseline *Baseline
	// Watermark is the source watermark after the run was recorded.
	Watermark *Watermark
}

type TestRunStore interface {
	CreateTestRun(context.Context, *int64, RunTarget) (*TestRun, error)
	ReadTestRunByID(context.Context, int64) (*TestRun, error)
	ReadRetryOf(context.Context, int64) (*TestRun, error)
	MarkSubmitted(context.Context, int64, string, time.Time) error
	MarkRunning(context.Context, int64, time.Time) error
	UpdateJobHandle(context.Context, int64, string) error
	FinalizeRun(context.Context, int64, RunResult, int64) (*FinalizeResult, error)
	ListInFlightPatchRuns(context.Context, int64) ([]*TestRun, error)
	ListInFlightProbeRuns(context.Context) ([]*TestRun, error)
	ListPatchSourceRuns(context.Context, int64, int64) ([]*TestRun, error)
}
