// Package database provides the SQLite store for link diagnostics.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Versioned schema migrations embedded into the binary
//
// The store holds audit data only (see device.SQLiteHistoryRepository).
// Device state is never loaded back from it.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files follow YYYYMMDD_HHMMSS_description.{up,down}.sql and are
// additive; new columns must be nullable or carry a default.
package database
