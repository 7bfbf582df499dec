package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
)

// migrations[i] moves the schema from user_version i to i+1.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  started_at TEXT NOT NULL,
  ended_at TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL DEFAULT '',
  game TEXT NOT NULL DEFAULT '',
  peak_viewers INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS parts (
  session_id TEXT NOT NULL,
  number INTEGER NOT NULL,
  endpoint_id TEXT NOT NULL DEFAULT '',
  broadcast_id TEXT NOT NULL DEFAULT '',
  address TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  rollover_at TEXT NOT NULL DEFAULT '',
  finalized_at TEXT NOT NULL DEFAULT '',
  finalize_error TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (session_id, number)
);
CREATE TABLE IF NOT EXISTS attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  part INTEGER NOT NULL,
  started_at TEXT NOT NULL,
  ended_at TEXT NOT NULL,
  success INTEGER NOT NULL,
  stopped INTEGER NOT NULL,
  fetch_exit INTEGER NOT NULL,
  transcode_exit INTEGER NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS sessions_started_at ON sessions(started_at);
CREATE INDEX IF NOT EXISTS attempts_session_part ON attempts(session_id, part);`,
}

// SchemaVersion is the user_version a fully migrated database reports.
var SchemaVersion = len(migrations)

func migrate(ctx context.Context, db *sql.DB, log *slog.Logger) error {
	version, err := userVersion(ctx, db)
	if err != nil {
		return errors.Wrap(err, "read user_version")
	}
	log.Info("store: sqlite opened", "path", databasePath(ctx, db), "user_version", version)
	if version > len(migrations) {
		return errors.Errorf("database schema version %d is newer than this binary (%d)", version, len(migrations))
	}

	for v := version; v < len(migrations); v++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin migration")
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "migration %d", v+1)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d;", v+1)); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "set user_version %d", v+1)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit migration %d", v+1)
		}
		log.Info("store: sqlite migrated", "user_version", v+1)
	}
	return nil
}

func databasePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func userVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func hasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	return false, rows.Err()
}
