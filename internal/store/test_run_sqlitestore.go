package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/google/uuid"
)

type TestRunSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewTestRunSQLiteStore(rdb, rwdb *sql.DB) *TestRunSQLiteStore {
	return &TestRunSQLiteStore{rdb, rwdb}
}

// CreateTestRun creates a pending run. A nil patchSeq creates a baseline
// probe.
func (store *TestRunSQLiteStore) CreateTestRun(
	ctx context.Context,
	patchSeq *int64,
	target RunTarget,
) (*TestRun, error) {
	var r *TestRun
	err := RunTx(ctx, store.rwdb, func(tx *sql.Tx) error {
		var err error
		r, err = createTestRunTx(ctx, tx, patchSeq, target, 1, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func createTestRunTx(
	ctx context.Context,
	tx *sql.Tx,
	patchSeq *int64,
	target RunTarget,
	attempt int64,
	retryOf *int64,
) (*TestRun, error) {
	r := &TestRun{
		PatchSeq: patchSeq,
		RepoURL:  target.RepoURL,
		Ref:      target.Ref,
		CommitID: target.CommitID,
		Token:    uuid.NewString(),
		State:    StatePending,
		Attempt:  attempt,
		RetryOf:  retryOf,
	}
	query := `insert into test_runs (
		patch_seq,
		repo_url,
		ref,
		commit_id,
		token,
		state,
		attempt,
		retry_of
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8)
	returning test_run_id, created_on`
	if err := sqlscan.Get(
		ctx, tx, r, query,
		r.PatchSeq,
		r.RepoURL,
		r.Ref,
		r.CommitID,
		r.Token,
		r.State,
		r.Attempt,
		r.RetryOf,
	); err != nil {
		return nil, err
	}
	return r, nil
}

func (store *TestRunSQLiteStore) ReadTestRunByID(ctx context.Context, id int64) (*TestRun, error) {
	r := new(TestRun)
	query := `select * from test_runs where test_run_id = $1`
	if err := sqlscan.Get(ctx, store.rdb, r, query, id); err != nil {
		return nil, err
	}
	return r, nil
}

// ReadRetryOf returns the resubmission created for an errored run.
func (store *TestRunSQLiteStore) ReadRetryOf(ctx context.Context, id int64) (*TestRun, error) {
	r := new(TestRun)
	query := `select * from test_runs where retry_of = $1`
	if err := sqlscan.Get(ctx, store.rdb, r, query, id); err != nil {
		return nil, err
	}
	return r, nil
}

// MarkSubmitted records the executor handle of a pending run.
func (store *TestRunSQLiteStore) MarkSubmitted(
	ctx context.Context,
	id int64,
	handle string,
	submittedOn time.Time,
) error {
	query := `update test_runs
	set state = $1,
		job_handle = $2,
		submitted_on = $3
	where test_run_id = $4 and state = $5`
	res, err := store.rwdb.ExecContext(
		ctx, query,
		StateSubmitted, handle, submittedOn.UTC(), id, StatePending,
	)
	return expectOneRow(res, err)
}

func (store *TestRunSQLiteStore) MarkRunning(
	ctx context.Context,
	id int64,
	startedOn time.Time,
) error {
	query := `update test_runs
	set state = $1,
		started_on = $2
	where test_run_id = $3 and state = $4`
	res, err := store.rwdb.ExecContext(ctx, query, StateRunning, startedOn.UTC(), id, StateSubmitted)
	return expectOneRow(res, err)
}

// UpdateJobHandle replaces the handle of a submitted or running run, used
// when the executor moves a job from its queue to a build.
func (store *TestRunSQLiteStore) UpdateJobHandle(ctx context.Context, id int64, handle string) error {
	query := `update test_runs
	set job_handle = $1
	where test_run_id = $2 and state in ($3, $4)`
	res, err := store.rwdb.ExecContext(ctx, query, handle, id, StateSubmitted, StateRunning)
	return expectOneRow(res, err)
}

// FinalizeRun writes the terminal state of a run. In the same transaction
// it records a new baseline for a passing probe, creates the next attempt
// of an errored run while attempts remain below maxAttempts, and advances
// the watermark of the patch's source.
func (store *TestRunSQLiteStore) FinalizeRun(
	ctx context.Context,
	id int64,
	result RunResult,
	maxAttempts int64,
) (*FinalizeResult, error) {
	if !result.State.Terminal() {
		return nil, fmt.Errorf("finalize run %d: %q is not a terminal state", id, result.State)
	}
	if result.EndedOn.IsZero() {
		result.EndedOn = time.Now().UTC()
	}

	var fr *FinalizeResult
	err := RunTx(ctx, store.rwdb, func(tx *sql.Tx) error {
		fr = &FinalizeResult{}
		r := new(TestRun)
		if err := sqlscan.Get(
			ctx, tx, r,
			`select * from test_runs where test_run_id = $1`,
			id,
		); err != nil {
			return err
		}
		if r.State.Terminal() {
			return ErrStaleState
		}

		query := `update test_runs
		set state = $1,
			result_url = coalesce($2, result_url),
			error = $3,
			ended_on = $4
		where test_run_id = $5 and state = $6`
		res, err := tx.ExecContext(
			ctx, query,
			result.State,
			result.ResultURL,
			result.Error,
			result.EndedOn.UTC(),
			r.TestRunID,
			r.State,
		)
		if err := expectOneRow(res, err); err != nil {
			return err
		}
		endedOn := result.EndedOn.UTC()
		r.State = result.State
		if result.ResultURL != nil {
			r.ResultURL = result.ResultURL
		}
		r.Error = result.Error
		r.EndedOn = &endedOn
		fr.Run = r

		if r.IsProbe() && r.State == StatePassed {
			fr.Baseline, err = recordBaselineTx(
				ctx, tx, r.RepoURL, r.Ref, r.CommitID, &r.TestRunID, endedOn,
			)
			if err != nil {
				return err
			}
		}

		if r.State == StateErrored && r.Attempt < maxAttempts {
			fr.Retry, err = createTestRunTx(ctx, tx, r.PatchSeq, r.Target(), r.Attempt+1, &r.TestRunID)
			if err != nil {
				return err
			}
		}

		if !r.IsProbe() {
			var patchSourceID int64
			if err := sqlscan.Get(
				ctx, tx, &patchSourceID,
				`select patch_source_id from patches where patch_seq = $1`,
				*r.PatchSeq,
			); err != nil {
				return err
			}
			fr.Watermark, err = advanceWatermarkTx(ctx, tx, patchSourceID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fr, nil
}

// ListInFlightPatchRuns returns the non-terminal patch runs of a source in
// patch order.
func (store *TestRunSQLiteStore) ListInFlightPatchRuns(
	ctx context.Context,
	patchSourceID int64,
) ([]*TestRun, error) {
	query := `select r.* from test_runs r
	join patches p on p.patch_seq = r.patch_seq
	where p.patch_source_id = $1 and r.state in ($2, $3, $4)
	order by r.patch_seq, r.test_run_id`
	runs := make([]*TestRun, 0)
	err := sqlscan.Select(
		ctx, store.rdb, &runs, query,
		patchSourceID, StatePending, StateSubmitted, StateRunning,
	)
	return runs, err
}

func (store *TestRunSQLiteStore) ListInFlightProbeRuns(ctx context.Context) ([]*TestRun, error) {
	query := `select * from test_runs
	where patch_seq is null and state in ($1, $2, $3)
	order by test_run_id`
	runs := make([]*TestRun, 0)
	err := sqlscan.Select(ctx, store.rdb, &runs, query, StatePending, StateSubmitted, StateRunning)
	return runs, err
}

// ListPatchSourceRuns returns the latest runs of a source, newest first.
func (store *TestRunSQLiteStore) ListPatchSourceRuns(
	ctx context.Context,
	patchSourceID, limit int64,
) ([]*TestRun, error) {
	query := `select r.* from test_runs r
	join patches p on p.patch_seq = r.patch_seq
	where p.patch_source_id = $1
	order by r.test_run_id desc limit $2`
	runs := make([]*TestRun, 0)
	err := sqlscan.Select(ctx, store.rdb, &runs, query, patchSourceID, limit)
	return runs, err
}
