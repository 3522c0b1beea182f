// Package database provides the SQLite store behind the dead-letter archive.
//
// This package manages:
//   - Opening the database file with WAL mode and a busy timeout
//   - Applying versioned SQL migrations from an fs.FS
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. Each migration runs in its own transaction
// and is recorded in the schema_migrations table.
//
// Usage:
//
//	db, err := database.Open(cfg)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
