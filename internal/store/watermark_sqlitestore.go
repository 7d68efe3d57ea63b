package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
)

type WatermarkSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewWatermarkSQLiteStore(rdb, rwdb *sql.DB) *WatermarkSQLiteStore {
	return &WatermarkSQLiteStore{rdb, rwdb}
}

func (store *WatermarkSQLiteStore) ReadWatermark(
	ctx context.Context,
	patchSourceID int64,
) (*Watermark, error) {
	wm := new(Watermark)
	query := `select * from watermarks where patch_source_id = $1`
	if err := sqlscan.Get(ctx, store.rdb, wm, query, patchSourceID); err != nil {
		return nil, err
	}
	return wm, nil
}

// InitWatermark creates the watermark of a never-tested source positioned
// at the given initial cursor. An existing watermark is returned unchanged.
func (store *WatermarkSQLiteStore) InitWatermark(
	ctx context.Context,
	patchSourceID int64,
	lastPatchID *int64,
	lastPatchDate *time.Time,
) (*Watermark, error) {
	wm := new(Watermark)
	err := RunTx(ctx, store.rwdb, func(tx *sql.Tx) error {
		insertQuery := `insert into watermarks (
			patch_source_id,
			last_patch_id,
			last_patch_date,
			updated_on
		)
		values ($1, $2, $3, $4)
		on conflict (patch_source_id) do nothing`
		if _, err := tx.ExecContext(
			ctx, insertQuery,
			patchSourceID, lastPatchID, lastPatchDate, time.Now().UTC(),
		); err != nil {
			return err
		}
		return sqlscan.Get(ctx, tx, wm, `select * from watermarks where patch_source_id = $1`, patchSourceID)
	})
	if err != nil {
		return nil, err
	}
	return wm, nil
}

// AdvanceWatermark moves the watermark of a source over every resolved patch
// following it.
func (store *WatermarkSQLiteStore) AdvanceWatermark(
	ctx context.Context,
	patchSourceID int64,
) (*Watermark, error) {
	var wm *Watermark
	err := RunTx(ctx, store.rwdb, func(tx *sql.Tx) error {
		var err error
		wm, err = advanceWatermarkTx(ctx, tx, patchSourceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wm, nil
}

// CompareAndSetWatermark writes wm if the stored row still carries
// wm.Version. On success wm.Version is incremented.
func (store *WatermarkSQLiteStore) CompareAndSetWatermark(ctx context.Context, wm *Watermark) error {
	return RunTx(ctx, store.rwdb, func(tx *sql.Tx) error {
		return compareAndSetWatermarkTx(ctx, tx, wm)
	})
}

func compareAndSetWatermarkTx(ctx context.Context, tx *sql.Tx, wm *Watermark) error {
	query := `update watermarks
	set last_patch_seq = $1,
		last_patch_id = $2,
		last_patch_date = $3,
		version = version + 1,
		updated_on = $4
	where patch_source_id = $5 and version = $6`
	updatedOn := time.Now().UTC()
	res, err := tx.ExecContext(
		ctx, query,
		wm.LastPatchSeq,
		wm.LastPatchID,
		wm.LastPatchDate,
		updatedOn,
		wm.PatchSourceID,
		wm.Version,
	)
	if err := expectOneRow(res, err); err != nil {
		if err == ErrStaleState {
			return ErrWatermarkConflict
		}
		return err
	}
	wm.Version++
	wm.UpdatedOn = updatedOn
	return nil
}

type patchProgress struct {
	PatchSeq    int64     `db:"patch_seq"`
	ID          int64     `db:"id"`
	Date        time.Time `db:"date"`
	Skipped     bool      `db:"skipped"`
	LatestState *RunState `db:"latest_state"`
}

func (p patchProgress) resolved() bool {
	if p.Skipped {
		return true
	}
	return p.LatestState != nil && p.LatestState.Terminal()
}

// advanceWatermarkTx walks the patches after the watermark in import order
// and stops at the first one whose latest run is not terminal.
func advanceWatermarkTx(ctx context.Context, tx *sql.Tx, patchSourceID int64) (*Watermark, error) {
	wm := new(Watermark)
	if err := sqlscan.Get(
		ctx, tx, wm,
		`select * from watermarks where patch_source_id = $1`,
		patchSourceID,
	); err != nil {
		return nil, err
	}

	query := `select
		p.patch_seq,
		p.id,
		p.date,
		p.skipped,
		(
			select r.state from test_runs r
			where r.patch_seq = p.patch_seq
			order by r.test_run_id desc limit 1
		) as latest_state
	from patches p
	where p.patch_source_id = $1 and p.patch_seq > $2
	order by p.patch_seq`
	progress := make([]patchProgress, 0)
	if err := sqlscan.Select(ctx, tx, &progress, query, patchSourceID, wm.LastPatchSeq); err != nil {
		return nil, err
	}

	advanced := false
	for _, p := range progress {
		if !p.resolved() {
			break
		}
		wm.LastPatchSeq = p.PatchSeq
		wm.LastPatchID = &p.ID
		wm.LastPatchDate = &p.Date
		advanced = true
	}
	if !advanced {
		return wm, nil
	}
	if err := compareAndSetWatermarkTx(ctx, tx, wm); err != nil {
		return nil, err
	}
	return wm, nil
}
