// Package database opens the SQLite file that holds SkyGuard's transition
// journal and applies its schema migrations.
//
// The connection is tuned for a single writer: one open connection, WAL
// journaling when enabled and a busy timeout so the status API can read while
// an evaluation writes.
//
// Migrations are plain SQL files named
//
//	YYYYMMDD_HHMMSS_description.up.sql
//	YYYYMMDD_HHMMSS_description.down.sql
//
// supplied as an fs.FS (the migrations package embeds them). Applied versions
// are tracked in schema_migrations; each migration runs in its own
// transaction.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
