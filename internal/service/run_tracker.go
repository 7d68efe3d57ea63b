package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haatos/patchtest/internal/store"
	"github.com/haatos/patchtest/internal/util"
)

type RunWriter interface {
	MarkSubmitted(context.Context, int64, string, time.Time) error
	MarkRunning(context.Context, int64, time.Time) error
	UpdateJobHandle(context.Context, int64, string) error
	FinalizeRun(context.Context, int64, store.RunResult, int64) (*store.FinalizeResult, error)
}

type RunReader interface {
	ReadTestRunByID(context.Context, int64) (*store.TestRun, error)
	ReadRetryOf(context.Context, int64) (*store.TestRun, error)
}

type RunStore interface {
	RunWriter
	RunReader
}

type PatchReader interface {
	ReadPatchBySeq(context.Context, int64) (*store.Patch, error)
}

type PatchSourceReader interface {
	ReadPatchSourceByID(context.Context, int64) (*store.PatchSource, error)
}

type TrackerConfig struct {
	// PoolSize bounds the number of runs driven concurrently.
	PoolSize int
	// PollInterval is the pause between two polls of the same job.
	PollInterval time.Duration
	// RunTimeout is measured from submission; a run exceeding it is errored.
	RunTimeout time.Duration
	// MaxAttempts bounds automatic resubmission of errored runs.
	MaxAttempts int64
}

const deliveryTimeout = 30 * time.Second

// RunTracker drives test runs through pending, submitted and running to a
// terminal state. All progress is persisted, so a run left behind by a
// previous process is resumed by passing it to Reconcile again.
type RunTracker struct {
	runs     RunStore
	patches  PatchReader
	sources  PatchSourceReader
	executor Executor
	sink     ReportSink
	logger   *slog.Logger
	cfg      TrackerConfig

	slots      chan struct{}
	deliveries sync.WaitGroup

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func NewRunTracker(
	runs RunStore,
	patches PatchReader,
	sources PatchSourceReader,
	executor Executor,
	sink ReportSink,
	cfg TrackerConfig,
	logger *slog.Logger,
) *RunTracker {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if sink == nil {
		sink = nopSink{}
	}
	return &RunTracker{
		runs:     runs,
		patches:  patches,
		sources:  sources,
		executor: executor,
		sink:     sink,
		logger:   logger,
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.PoolSize),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
	}
}

// Reconcile drives every run, and the resubmissions of errored runs, to a
// terminal state. Runs are started in the given order with at most PoolSize
// in flight. The returned slice holds the last run of each chain; a failure
// driving one run does not stop the others.
func (t *RunTracker) Reconcile(ctx context.Context, runs []*store.TestRun) ([]*store.TestRun, error) {
	results := make([]*store.TestRun, len(runs))
	errs := make([]error, len(runs))

	var wg sync.WaitGroup
	for i, run := range runs {
		select {
		case t.slots <- struct{}{}:
		case <-ctx.Done():
			errs[i] = ctx.Err()
			continue
		}
		wg.Go(func() {
			defer func() { <-t.slots }()
			final, err := t.drive(ctx, run)
			if err != nil {
				errs[i] = fmt.Errorf("test run %d: %w", run.TestRunID, err)
				return
			}
			results[i] = final
		})
	}
	wg.Wait()

	return results, errors.Join(errs...)
}

// Await drives a single run to a terminal state.
func (t *RunTracker) Await(ctx context.Context, run *store.TestRun) (*store.TestRun, error) {
	results, err := t.Reconcile(ctx, []*store.TestRun{run})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// Wait blocks until pending report deliveries are done.
func (t *RunTracker) Wait() {
	t.deliveries.Wait()
}

func (t *RunTracker) drive(ctx context.Context, run *store.TestRun) (*store.TestRun, error) {
	run, err := t.runs.ReadTestRunByID(ctx, run.TestRunID)
	if err != nil {
		return nil, err
	}
	for {
		if run.State.Terminal() {
			retry, err := t.runs.ReadRetryOf(ctx, run.TestRunID)
			if errors.Is(err, sql.ErrNoRows) {
				return run, nil
			}
			if err != nil {
				return nil, err
			}
			run = retry
			continue
		}

		fr, err := t.driveAttempt(ctx, run)
		if errors.Is(err, store.ErrStaleState) {
			// another worker moved the run, continue from its stored state
			run, err = t.runs.ReadTestRunByID(ctx, run.TestRunID)
			if err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		if fr.Retry == nil {
			return fr.Run, nil
		}
		t.logger.Warn(
			"resubmitting errored run",
			"test_run_id", fr.Run.TestRunID,
			"retry_run_id", fr.Retry.TestRunID,
			"attempt", fr.Retry.Attempt,
		)
		run = fr.Retry
	}
}

func (t *RunTracker) driveAttempt(ctx context.Context, run *store.TestRun) (*store.FinalizeResult, error) {
	logger := t.logger.With("test_run_id", run.TestRunID, "attempt", run.Attempt)

	if run.State == store.StatePending {
		spec, err := t.jobSpec(ctx, run)
		if err != nil {
			return nil, err
		}
		handle, err := t.executor.Submit(ctx, spec)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Error("submitting job", "error", err)
			return t.finalize(ctx, run, store.StateErrored, nil, err.Error())
		}
		submittedOn := t.now()
		if err := t.runs.MarkSubmitted(ctx, run.TestRunID, handle, submittedOn); err != nil {
			return nil, err
		}
		logger.Info("job submitted", "job_handle", handle)
		run.State = store.StateSubmitted
		run.JobHandle = &handle
		run.SubmittedOn = &submittedOn
	}

	handle := util.Deref(run.JobHandle)
	for {
		if t.timedOut(run) {
			t.cancel(ctx, logger, handle)
			return t.finalize(
				ctx, run, store.StateErrored, nil,
				fmt.Sprintf("no result within %s", t.cfg.RunTimeout),
			)
		}

		status, err := t.executor.Poll(ctx, handle)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			logger.Warn("polling job", "job_handle", handle, "error", err)
		default:
			if status.Handle != "" && status.Handle != handle {
				if err := t.runs.UpdateJobHandle(ctx, run.TestRunID, status.Handle); err != nil {
					return nil, err
				}
				handle = status.Handle
				run.JobHandle = &handle
			}
			switch status.State {
			case JobRunning:
				if run.State == store.StateSubmitted {
					startedOn := t.now()
					if err := t.runs.MarkRunning(ctx, run.TestRunID, startedOn); err != nil {
						return nil, err
					}
					run.State = store.StateRunning
					run.StartedOn = &startedOn
				}
			case JobDone:
				var resultURL *string
				if status.ResultURL != "" {
					resultURL = &status.ResultURL
				}
				return t.finalize(ctx, run, stateForVerdict(status.Verdict), resultURL, status.Message)
			}
		}

		if err := t.sleep(ctx, t.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (t *RunTracker) finalize(
	ctx context.Context,
	run *store.TestRun,
	state store.RunState,
	resultURL *string,
	message string,
) (*store.FinalizeResult, error) {
	result := store.RunResult{
		State:     state,
		ResultURL: resultURL,
		EndedOn:   t.now(),
	}
	if message != "" {
		result.Error = &message
	}
	fr, err := t.runs.FinalizeRun(ctx, run.TestRunID, result, t.cfg.MaxAttempts)
	if err != nil {
		return nil, err
	}
	t.logger.Info(
		"test run finished",
		"test_run_id", fr.Run.TestRunID,
		"state", fr.Run.State,
		"commit_id", util.ShortCommit(fr.Run.CommitID),
	)
	if fr.Retry == nil {
		t.deliver(ctx, fr.Run)
	}
	return fr, nil
}

func (t *RunTracker) timedOut(run *store.TestRun) bool {
	if t.cfg.RunTimeout <= 0 || run.SubmittedOn == nil {
		return false
	}
	return t.now().Sub(*run.SubmittedOn) > t.cfg.RunTimeout
}

func (t *RunTracker) cancel(ctx context.Context, logger *slog.Logger, handle string) {
	canceler, ok := t.executor.(Canceler)
	if !ok || handle == "" {
		return
	}
	if err := canceler.Cancel(ctx, handle); err != nil {
		logger.Warn("cancelling timed out job", "job_handle", handle, "error", err)
	}
}

func (t *RunTracker) jobSpec(ctx context.Context, run *store.TestRun) (JobSpec, error) {
	spec := JobSpec{
		Token:    run.Token,
		RepoURL:  run.RepoURL,
		Ref:      run.Ref,
		CommitID: run.CommitID,
	}
	if run.IsProbe() {
		spec.Subject = fmt.Sprintf("baseline %s %s", run.Ref, util.ShortCommit(run.CommitID))
		return spec, nil
	}
	p, err := t.patches.ReadPatchBySeq(ctx, *run.PatchSeq)
	if err != nil {
		return spec, err
	}
	spec.PatchURLs = []string{p.URL}
	spec.Subject = p.Name
	return spec, nil
}

// deliver hands a terminal run to the report sink without blocking the
// caller. Delivery failures are logged.
func (t *RunTracker) deliver(ctx context.Context, run *store.TestRun) {
	outcome := Outcome{Run: *run}
	t.deliveries.Go(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
		defer cancel()

		if !run.IsProbe() {
			p, err := t.patches.ReadPatchBySeq(ctx, *run.PatchSeq)
			if err != nil {
				t.logger.Error("reading patch for report", "test_run_id", run.TestRunID, "error", err)
				return
			}
			ps, err := t.sources.ReadPatchSourceByID(ctx, p.PatchSourceID)
			if err != nil {
				t.logger.Error("reading patch source for report", "test_run_id", run.TestRunID, "error", err)
				return
			}
			outcome.Patch = p
			outcome.Source = ps
		}
		if err := t.sink.Deliver(ctx, outcome); err != nil {
			t.logger.Error("delivering report", "test_run_id", run.TestRunID, "error", err)
		}
	})
}

func stateForVerdict(v Verdict) store.RunState {
	switch v {
	case VerdictPass:
		return store.StatePassed
	case VerdictFail:
		return store.StateFailed
	default:
		return store.StateErrored
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
