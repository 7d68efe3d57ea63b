package store

import (
	"database/sql"

	assets "github.com/haatos/patchtest"
	"github.com/pressly/goose/v3"
)

func RunMigrations(db *sql.DB, dir string) error {
	goose.SetBaseFS(assets.MigrationsFS)
	if err := goose.SetDialect("sqlite"); err != nil {
		return err
	}
	return goose.Up(db, dir)
}
