package store

import (
	"database/sql"
	"fmt"

	"gantry/internal/logging"
)

// Schema versions:
// v1: tasks/messages/workers/ledger/config tables
// v2: dod + trace plan columns on tasks
// v3: auditor_status column and review index
const CurrentSchemaVersion = 3

// Migration adds a column when a table predates it.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists column additions for databases created by older
// versions. CREATE TABLE IF NOT EXISTS handles the rest.
var pendingMigrations = []Migration{
	{"tasks", "dod", "TEXT NOT NULL DEFAULT ''"},
	{"tasks", "trace", "TEXT NOT NULL DEFAULT ''"},
	{"tasks", "auditor_status", "TEXT NOT NULL DEFAULT 'none'"},
	{"tasks", "override_justification", "TEXT NOT NULL DEFAULT ''"},
	{"workers", "current_task_ids", "TEXT NOT NULL DEFAULT '[]'"},
}

func (s *Store) runMigrations() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
			return fmt.Errorf("failed to seed schema_version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read schema_version: %w", err)
	}
	if version >= CurrentSchemaVersion {
		return nil
	}

	log := logging.Get(logging.CategoryStore)
	log.Info("Migrating schema v%d -> v%d", version, CurrentSchemaVersion)

	for _, m := range pendingMigrations {
		if columnExists(s.db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.Table, m.Column, err)
		}
		log.Info("Added column %s.%s", m.Table, m.Column)
	}

	if _, err := s.db.Exec(`UPDATE schema_version SET version = ?`, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to bump schema_version: %w", err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
