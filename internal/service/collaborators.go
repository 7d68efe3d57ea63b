package service

import (
	"context"
	"iter"
	"time"

	"github.com/haatos/patchtest/internal/store"
)

// PatchCursor is the position after which a patch source is listed. Legacy
// sources order by ID, REST sources by Date and then ID.
type PatchCursor struct {
	ID   *int64
	Date *time.Time
}

type PatchRecord struct {
	ID   int64
	Name string
	URL  string
	Date time.Time
}

// PatchLister lists the patches of one project strictly after a cursor in
// ascending order. Listing twice with the same cursor yields the same
// sequence.
type PatchLister interface {
	ListPatchesSince(context.Context, PatchCursor) iter.Seq2[PatchRecord, error]
}

type JobSpec struct {
	// Token correlates the executor job with its test run.
	Token    string
	RepoURL  string
	Ref      string
	CommitID string
	// PatchURLs is empty for a baseline probe.
	PatchURLs []string
	Subject   string
}

type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
)

type Verdict string

const (
	VerdictPass  Verdict = "pass"
	VerdictFail  Verdict = "fail"
	VerdictError Verdict = "error"
)

type JobStatus struct {
	State JobState
	// Verdict is set once State is JobDone.
	Verdict   Verdict
	ResultURL string
	// Handle replaces the submitted handle when the executor moved the job,
	// for example from a queue item to a build.
	Handle string
	// Message describes an error verdict.
	Message string
}

// Executor submits and polls asynchronous build/test jobs. Submit fails with
// *SubmissionError when the job is rejected or the executor is unreachable.
type Executor interface {
	Submit(context.Context, JobSpec) (string, error)
	Poll(context.Context, string) (JobStatus, error)
}

// Canceler is implemented by executors that can abort a job.
type Canceler interface {
	Cancel(context.Context, string) error
}

// RefResolver resolves a reference of a repository to a commit id, failing
// with *UnresolvedRefError when it does not exist.
type RefResolver interface {
	ResolveRef(ctx context.Context, repoURL, ref string) (string, error)
}

// Outcome is a terminal test run handed to a ReportSink. Patch and Source are
// nil for a baseline probe.
type Outcome struct {
	Run    store.TestRun
	Patch  *store.Patch
	Source *store.PatchSource
}

type ReportSink interface {
	Deliver(context.Context, Outcome) error
}

type nopSink struct{}

func (nopSink) Deliver(context.Context, Outcome) error { return nil }
