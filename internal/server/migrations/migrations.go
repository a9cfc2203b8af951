// Package migrations embeds the SQL schema of the reconciliation journal.
// The statements are portable between PostgreSQL and SQLite.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
