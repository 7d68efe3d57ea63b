package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SchemaVersion is the schema_version the running code operates against.
const SchemaVersion = 2

type SchemaMismatchError struct {
	Want int64
	Got  int64
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf(
		"database schema version %d does not match expected version %d, run `patchtest migrate`",
		e.Got, e.Want,
	)
}

// CheckSchemaVersion fails with *SchemaMismatchError unless the database
// carries exactly SchemaVersion. A database without the marker table
// reports version 0.
func CheckSchemaVersion(ctx context.Context, db *sql.DB) error {
	var tables int
	err := db.QueryRowContext(ctx,
		"select count(*) from sqlite_master where type = 'table' and name = 'schema_version'",
	).Scan(&tables)
	if err != nil {
		return err
	}

	var version int64
	if tables > 0 {
		err = db.QueryRowContext(ctx, "select version from schema_version").Scan(&version)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			version = 0
		case err != nil:
			return err
		}
	}
	if version != SchemaVersion {
		return &SchemaMismatchError{Want: SchemaVersion, Got: version}
	}
	return nil
}
