package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/motivearchive/internal/dbx"
	"github.com/dmitrijs2005/motivearchive/internal/server/repositories/images"
	"github.com/dmitrijs2005/motivearchive/internal/server/repositories/journal"
	"github.com/dmitrijs2005/motivearchive/internal/server/repositories/owners"
)

// RepositoryManager vends the document repositories.
type RepositoryManager interface {
	RunMigrations(ctx context.Context) error
	Owners() owners.Repository
	Images() images.Repository
}

// JournalManager vends the reconciliation journal, bound to a DB handle or
// a transaction.
type JournalManager interface {
	RunMigrations(ctx context.Context, db *sql.DB) error
	Journal(db dbx.DBTX) journal.Repository
}
