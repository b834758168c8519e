// Package database provides SQLite storage for the bridge's command audit log.
//
// This package manages:
//   - Database connection with optional WAL mode
//   - Forward-only schema migrations read from an fs.FS
//   - Connection lifecycle and health checks
//
// The database file is created with 0600 permissions. All queries use
// parameterised statements.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if errors.Is(err, database.ErrDisabled) {
//	    // audit log off
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql and are
// applied in version order. Applied versions are recorded in
// schema_migrations so Migrate is idempotent.
package database
