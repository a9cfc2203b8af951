package repomanager

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/motivearchive/internal/dbx"
	"github.com/dmitrijs2005/motivearchive/internal/server/migrations"
	"github.com/dmitrijs2005/motivearchive/internal/server/repositories/journal"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Journal drivers accepted by NewSQLJournalManager.
const (
	DriverPgx    = "pgx"
	DriverSQLite = "sqlite"
)

// SQLJournalManager vends the journal over PostgreSQL or SQLite.
type SQLJournalManager struct {
	dialect string
}

// NewSQLJournalManager returns a manager for one of DriverPgx or DriverSQLite.
func NewSQLJournalManager(driver string) (*SQLJournalManager, error) {
	switch driver {
	case DriverPgx:
		return &SQLJournalManager{dialect: "postgres"}, nil
	case DriverSQLite:
		return &SQLJournalManager{dialect: "sqlite3"}, nil
	}
	return nil, fmt.Errorf("unsupported journal driver %q", driver)
}

// Journal returns a journal.Repository bound to the provided DBTX.
func (m *SQLJournalManager) Journal(db dbx.DBTX) journal.Repository {
	return journal.NewSQLRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded migrations.
func (m *SQLJournalManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect(m.dialect); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return err
	}
	return nil
}
