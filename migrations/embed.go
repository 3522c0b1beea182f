// Package migrations embeds the SQL migrations for the dead-letter archive.
package migrations

import "embed"

// FS holds the migration files at its root, ready for database.Migrate.
//
//go:embed *.sql
var FS embed.FS
