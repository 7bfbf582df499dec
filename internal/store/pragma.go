package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
)

// tuningPragmas are applied when Options.Tuning is set.
var tuningPragmas = []string{
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA wal_autocheckpoint=1000;",
	"PRAGMA temp_store=MEMORY;",
	"PRAGMA mmap_size=268435456;",
}

// applyPragmas runs each statement and logs what SQLite reports back.
// Failures are logged and skipped.
func applyPragmas(ctx context.Context, db *sql.DB, log *slog.Logger, pragmas []string) {
	for _, pragma := range pragmas {
		if value, err := applyPragma(ctx, db, pragma); err != nil {
			log.Warn("store: pragma failed", "pragma", pragma, "err", err)
		} else {
			log.Debug("store: pragma applied", "pragma", pragma, "value", value)
		}
	}
}

func applyPragma(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	row := db.QueryRowContext(ctx, pragma)
	var value any
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
				return nil, execErr
			}
			return "ok", nil
		}
		return nil, err
	}
	return value, nil
}
