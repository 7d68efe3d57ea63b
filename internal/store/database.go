package store

import (
	"database/sql"
	"runtime"

	_ "modernc.org/sqlite"
)

// InitDatabase opens a pool on dsn. The read-write pool is limited to a
// single connection so SQLite sees one writer per process.
func InitDatabase(dsn string, readonly bool) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if readonly {
		db.SetMaxOpenConns(max(4, runtime.NumCPU()))
	} else {
		if _, err := db.Exec("PRAGMA temp_store=memory"); err != nil {
			_ = db.Close()
			return nil, err
		}
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
