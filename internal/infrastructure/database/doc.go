// Package database provides SQLite connectivity for the tuyalocal core.
//
// It owns the connection (WAL mode, busy timeout, single connection pool)
// and a small versioned migration runner. The schema itself lives in the
// top-level migrations package, which registers its embedded files with
// Migrations at init.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns are nullable or carry a default,
// and every .up.sql has a matching .down.sql.
package database
