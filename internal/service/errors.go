package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/haatos/patchtest/internal/store"
)

var (
	ErrNoBaseline       = errors.New("no usable baseline")
	ErrUnresolvedRef    = errors.New("unresolved reference")
	ErrSubmission       = errors.New("job submission failed")
	ErrSyncInProgress   = errors.New("sync already in progress")
	ErrNoInitialCursor  = errors.New("source was never tested, an initial patch id or date is required")
	ErrUnorderedPatches = errors.New("patch source returned patches out of order")
	ErrUnknownSource    = errors.New("patch source is not configured")
)

// NoBaselineError refuses a sync when the repository has no current
// baseline, or only one older than the configured bound.
type NoBaselineError struct {
	RepoURL       string
	Ref           string
	Stale         bool
	EstablishedOn *time.Time
}

func (e *NoBaselineError) Error() string {
	if e.Stale && e.EstablishedOn != nil {
		return fmt.Sprintf(
			"baseline of %s %s is stale, established on %s",
			e.RepoURL, e.Ref, e.EstablishedOn.Format(time.RFC3339),
		)
	}
	return fmt.Sprintf("no baseline established for %s %s", e.RepoURL, e.Ref)
}

func (e *NoBaselineError) Is(target error) bool {
	return target == ErrNoBaseline
}

type UnresolvedRefError struct {
	RepoURL string
	Ref     string
	Err     error
}

func (e *UnresolvedRefError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unable to resolve %s in %s: %v", e.Ref, e.RepoURL, e.Err)
	}
	return fmt.Sprintf("unable to resolve %s in %s", e.Ref, e.RepoURL)
}

func (e *UnresolvedRefError) Is(target error) bool {
	return target == ErrUnresolvedRef
}

func (e *UnresolvedRefError) Unwrap() error {
	return e.Err
}

type SubmissionError struct {
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("submission failed: %s: %v", e.Reason, e.Err)
	}
	return "submission failed: " + e.Reason
}

func (e *SubmissionError) Is(target error) bool {
	return target == ErrSubmission
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// BaselineProbeError reports a baseline candidate whose probe did not pass.
type BaselineProbeError struct {
	RepoURL   string
	Ref       string
	CommitID  string
	TestRunID int64
	State     store.RunState
}

func (e *BaselineProbeError) Error() string {
	return fmt.Sprintf(
		"baseline probe %d of %s %s at %s ended %s",
		e.TestRunID, e.RepoURL, e.Ref, e.CommitID, e.State,
	)
}
