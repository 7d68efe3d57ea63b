package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/georgysavva/scany/v2/sqlscan"
)

type PatchSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewPatchSQLiteStore(rdb, rwdb *sql.DB) *PatchSQLiteStore {
	return &PatchSQLiteStore{rdb, rwdb}
}

// InsertPatch imports a patch. Importing an id that already exists for the
// source returns the stored row and false.
func (store *PatchSQLiteStore) InsertPatch(
	ctx context.Context,
	patchSourceID int64,
	np NewPatch,
) (*Patch, bool, error) {
	var (
		p       *Patch
		created bool
	)
	err := RunTx(ctx, store.rwdb, func(tx *sql.Tx) error {
		var err error
		p, created, err = insertPatchTx(ctx, tx, patchSourceID, np, false)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return p, created, nil
}

func insertPatchTx(
	ctx context.Context,
	tx *sql.Tx,
	patchSourceID int64,
	np NewPatch,
	skipped bool,
) (*Patch, bool, error) {
	p := &Patch{
		PatchSourceID: patchSourceID,
		ID:            np.ID,
		Name:          np.Name,
		URL:           np.URL,
		Date:          np.Date.UTC(),
		Skipped:       skipped,
	}
	insertQuery := `insert into patches (
		patch_source_id,
		id,
		name,
		url,
		date,
		skipped
	)
	values ($1, $2, $3, $4, $5, $6)
	on conflict (patch_source_id, id) do nothing
	returning patch_seq, created_on`
	err := sqlscan.Get(
		ctx, tx, p, insertQuery,
		p.PatchSourceID,
		p.ID,
		p.Name,
		p.URL,
		p.Date,
		p.Skipped,
	)
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	existing := new(Patch)
	selectQuery := `select * from patches where patch_source_id = $1 and id = $2`
	if err := sqlscan.Get(ctx, tx, existing, selectQuery, patchSourceID, np.ID); err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// EnqueuePatch imports a patch and, if it is new and not skipped, creates
// its pending run against target. The source watermark is advanced in the
// same transaction so a skipped patch does not hold it back.
func (store *PatchSQLiteStore) EnqueuePatch(
	ctx context.Context,
	patchSourceID int64,
	np NewPatch,
	skip bool,
	target RunTarget,
) (*EnqueueResult, error) {
	var res *EnqueueResult
	err := RunTx(ctx, store.rwdb, func(tx *sql.Tx) error {
		res = &EnqueueResult{}
		p, created, err := insertPatchTx(ctx, tx, patchSourceID, np, skip)
		if err != nil {
			return err
		}
		res.Patch = p
		res.Created = created

		if created && !skip {
			r, err := createTestRunTx(ctx, tx, &p.PatchSeq, target, 1, nil)
			if err != nil {
				return err
			}
			res.Run = r
		}

		res.Watermark, err = advanceWatermarkTx(ctx, tx, patchSourceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (store *PatchSQLiteStore) ReadPatchBySeq(ctx context.Context, seq int64) (*Patch, error) {
	p := new(Patch)
	query := `select * from patches where patch_seq = $1`
	if err := sqlscan.Get(ctx, store.rdb, p, query, seq); err != nil {
		return nil, err
	}
	return p, nil
}

// ReadLatestPatch returns the most recently imported patch of a source.
func (store *PatchSQLiteStore) ReadLatestPatch(
	ctx context.Context,
	patchSourceID int64,
) (*Patch, error) {
	p := new(Patch)
	query := `select * from patches
	where patch_source_id = $1
	order by patch_seq desc limit 1`
	if err := sqlscan.Get(ctx, store.rdb, p, query, patchSourceID); err != nil {
		return nil, err
	}
	return p, nil
}

func (store *PatchSQLiteStore) ListPatchesAfterSeq(
	ctx context.Context,
	patchSourceID, seq int64,
) ([]*Patch, error) {
	query := `select * from patches
	where patch_source_id = $1 and patch_seq > $2
	order by patch_seq`
	patches := make([]*Patch, 0)
	err := sqlscan.Select(ctx, store.rdb, &patches, query, patchSourceID, seq)
	return patches, err
}
