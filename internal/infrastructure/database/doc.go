// Package database provides SQLite connectivity for Gray Logic Bus.
//
// The bus keeps very little local state: the dead-letter journal of
// malformed inbound messages and handler faults. This package owns the
// connection and the schema migrations for it.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations (registered from the migrations package)
//   - Connection pooling and lifecycle management
//
// Security Considerations:
//   - All queries use parameterised statements
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql and are
// applied in version order. Status reports the schema version and pool
// figures shown on the admin API.
package database
