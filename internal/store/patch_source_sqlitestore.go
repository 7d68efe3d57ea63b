package store

import (
	"context"
	"database/sql"

	"github.com/georgysavva/scany/v2/sqlscan"
)

type PatchSourceSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewPatchSourceSQLiteStore(rdb, rwdb *sql.DB) *PatchSourceSQLiteStore {
	return &PatchSourceSQLiteStore{rdb, rwdb}
}

func (store *PatchSourceSQLiteStore) CreatePatchSource(
	ctx context.Context,
	kind PatchSourceKind,
	baseURL, project string,
) (*PatchSource, error) {
	ps := &PatchSource{Kind: kind, BaseURL: baseURL, Project: project}
	query := `insert into patch_sources (
		kind,
		base_url,
		project
	)
	values ($1, $2, $3)
	returning patch_source_id, created_on`
	if err := sqlscan.Get(ctx, store.rwdb, ps, query, ps.Kind, ps.BaseURL, ps.Project); err != nil {
		return nil, err
	}
	return ps, nil
}

func (store *PatchSourceSQLiteStore) FindPatchSource(
	ctx context.Context,
	kind PatchSourceKind,
	baseURL, project string,
) (*PatchSource, error) {
	ps := new(PatchSource)
	query := `select * from patch_sources
	where kind = $1 and base_url = $2 and project = $3`
	if err := sqlscan.Get(ctx, store.rdb, ps, query, kind, baseURL, project); err != nil {
		return nil, err
	}
	return ps, nil
}

// FindOrCreatePatchSource returns the source identified by (kind, baseURL,
// project), registering it when it does not exist yet.
func (store *PatchSourceSQLiteStore) FindOrCreatePatchSource(
	ctx context.Context,
	kind PatchSourceKind,
	baseURL, project string,
) (*PatchSource, error) {
	ps := new(PatchSource)
	err := RunTx(ctx, store.rwdb, func(tx *sql.Tx) error {
		insertQuery := `insert into patch_sources (
			kind,
			base_url,
			project
		)
		values ($1, $2, $3)
		on conflict (kind, base_url, project) do nothing`
		if _, err := tx.ExecContext(ctx, insertQuery, kind, baseURL, project); err != nil {
			return err
		}
		selectQuery := `select * from patch_sources
		where kind = $1 and base_url = $2 and project = $3`
		return sqlscan.Get(ctx, tx, ps, selectQuery, kind, baseURL, project)
	})
	if err != nil {
		return nil, err
	}
	return ps, nil
}

func (store *PatchSourceSQLiteStore) ReadPatchSourceByID(
	ctx context.Context,
	id int64,
) (*PatchSource, error) {
	ps := new(PatchSource)
	query := `select * from patch_sources where patch_source_id = $1`
	if err := sqlscan.Get(ctx, store.rdb, ps, query, id); err != nil {
		return nil, err
	}
	return ps, nil
}

func (store *PatchSourceSQLiteStore) ListPatchSources(ctx context.Context) ([]*PatchSource, error) {
	query := `select * from patch_sources order by patch_source_id`
	sources := make([]*PatchSource, 0)
	err := sqlscan.Select(ctx, store.rdb, &sources, query)
	return sources, err
}
