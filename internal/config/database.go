package config

import (
	"database/sql"
	"time"
)

// OptimizeDatabaseConnection applies pool settings to the database connection
func OptimizeDatabaseConnection(db *sql.DB) {
	db.SetMaxOpenConns(10)                 // SQLite still allows one writer at a time
	db.SetMaxIdleConns(5)                  // keep warm connections for API bursts
	db.SetConnMaxLifetime(5 * time.Minute) // recycle connections periodically
	db.SetConnMaxIdleTime(1 * time.Minute) // drop idle connections after a minute
}

// ApplyPragmaOptimizations applies SQLite-specific performance pragmas.
// journal_mode is persistent; the others apply to the connection that runs
// them, which is why foreign_keys and busy_timeout travel in the DSN.
func ApplyPragmaOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",   // readers do not block the allocator's writes
		"PRAGMA synchronous = NORMAL", // fsync at checkpoints only
		"PRAGMA cache_size = 10000",   // pages, roughly 40MB
		"PRAGMA temp_store = MEMORY",  // temp tables and indices in memory
		"PRAGMA optimize",             // refresh planner statistics
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return err
		}
	}

	return nil
}
