package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
)

type BaselineSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewBaselineSQLiteStore(rdb, rwdb *sql.DB) *BaselineSQLiteStore {
	return &BaselineSQLiteStore{rdb, rwdb}
}

// RecordBaseline makes commitID the current baseline of (repoURL, ref). The
// previously current row is kept and referenced as the prior commit.
func (store *BaselineSQLiteStore) RecordBaseline(
	ctx context.Context,
	repoURL, ref, commitID string,
	probeRunID *int64,
) (*Baseline, error) {
	var b *Baseline
	err := RunTx(ctx, store.rwdb, func(tx *sql.Tx) error {
		var err error
		b, err = recordBaselineTx(ctx, tx, repoURL, ref, commitID, probeRunID, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func recordBaselineTx(
	ctx context.Context,
	tx *sql.Tx,
	repoURL, ref, commitID string,
	probeRunID *int64,
	establishedOn time.Time,
) (*Baseline, error) {
	b := &Baseline{
		RepoURL:       repoURL,
		Ref:           ref,
		CommitID:      commitID,
		ProbeRunID:    probeRunID,
		EstablishedOn: establishedOn,
		IsCurrent:     true,
	}

	prev := new(Baseline)
	readQuery := `select * from baselines
	where repo_url = $1 and ref = $2 and is_current = 1`
	err := sqlscan.Get(ctx, tx, prev, readQuery, repoURL, ref)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		b.PriorCommitID = &prev.CommitID
		clearQuery := `update baselines set is_current = 0 where baseline_id = $1`
		if _, err := tx.ExecContext(ctx, clearQuery, prev.BaselineID); err != nil {
			return nil, err
		}
	}

	insertQuery := `insert into baselines (
		repo_url,
		ref,
		commit_id,
		prior_commit_id,
		probe_run_id,
		established_on,
		is_current
	)
	values ($1, $2, $3, $4, $5, $6, 1)
	returning baseline_id`
	if err := sqlscan.Get(
		ctx, tx, &b.BaselineID, insertQuery,
		b.RepoURL,
		b.Ref,
		b.CommitID,
		b.PriorCommitID,
		b.ProbeRunID,
		b.EstablishedOn,
	); err != nil {
		return nil, err
	}
	return b, nil
}

func (store *BaselineSQLiteStore) ReadCurrentBaseline(
	ctx context.Context,
	repoURL, ref string,
) (*Baseline, error) {
	b := new(Baseline)
	query := `select * from baselines
	where repo_url = $1 and ref = $2 and is_current = 1`
	if err := sqlscan.Get(ctx, store.rdb, b, query, repoURL, ref); err != nil {
		return nil, err
	}
	return b, nil
}

func (store *BaselineSQLiteStore) ReadBaselineByProbeRunID(
	ctx context.Context,
	probeRunID int64,
) (*Baseline, error) {
	b := new(Baseline)
	query := `select * from baselines where probe_run_id = $1`
	if err := sqlscan.Get(ctx, store.rdb, b, query, probeRunID); err != nil {
		return nil, err
	}
	return b, nil
}

// ListBaselines returns the baseline history of (repoURL, ref), newest first.
func (store *BaselineSQLiteStore) ListBaselines(
	ctx context.Context,
	repoURL, ref string,
) ([]*Baseline, error) {
	query := `select * from baselines
	where repo_url = $1 and ref = $2
	order by baseline_id desc`
	baselines := make([]*Baseline, 0)
	err := sqlscan.Select(ctx, store.rdb, &baselines, query, repoURL, ref)
	return baselines, err
}

func (store *BaselineSQLiteStore) ListCurrentBaselines(ctx context.Context) ([]*Baseline, error) {
	query := `select * from baselines
	where is_current = 1
	order by repo_url, ref`
	baselines := make([]*Baseline, 0)
	err := sqlscan.Select(ctx, store.rdb, &baselines, query)
	return baselines, err
}
