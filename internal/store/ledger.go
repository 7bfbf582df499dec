// Package store keeps a SQLite ledger of sessions, parts and pipe
// attempts for the status API. Nothing in it feeds back into control
// decisions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/gnasty-relay/internal/core"
	"github.com/you/gnasty-relay/internal/httpapi"
)

const defaultListLimit = 100

// Options tune Open.
type Options struct {
	// Tuning applies the extra performance pragmas.
	Tuning bool
	Logger *slog.Logger
}

type Ledger struct {
	db  *sql.DB
	log *slog.Logger
}

func Open(ctx context.Context, path string, opts Options) (*Ledger, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// A single connection serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set busy_timeout")
	}
	if err := migrate(ctx, db, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	if opts.Tuning {
		applyPragmas(ctx, db, log, tuningPragmas)
	}
	return &Ledger{db: db, log: log}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

func (l *Ledger) Ping(ctx context.Context) error { return l.db.PingContext(ctx) }

func (l *Ledger) String() string {
	return fmt.Sprintf("Ledger{%p}", l.db)
}

func (l *Ledger) SessionStarted(ctx context.Context, s core.Session) error {
	const q = `INSERT INTO sessions (id, started_at, title, game, peak_viewers)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, game=excluded.game;`
	_, err := l.db.ExecContext(ctx, q, s.ID, ts(s.Start), s.Title, s.Game, s.PeakViewers)
	return errors.Wrap(err, "insert session")
}

func (l *Ledger) SessionEnded(ctx context.Context, s core.Session) error {
	const q = `INSERT INTO sessions (id, started_at, ended_at, title, game, peak_viewers)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET ended_at=excluded.ended_at, title=excluded.title,
  game=excluded.game, peak_viewers=excluded.peak_viewers;`
	_, err := l.db.ExecContext(ctx, q, s.ID, ts(s.Start), ts(s.End), s.Title, s.Game, s.PeakViewers)
	return errors.Wrap(err, "end session")
}

func (l *Ledger) PartStarted(ctx context.Context, p core.Part) error {
	const q = `INSERT INTO parts (session_id, number, endpoint_id, broadcast_id, address, title, created_at, rollover_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, number) DO NOTHING;`
	_, err := l.db.ExecContext(ctx, q, p.SessionID, p.Number, p.EndpointID, p.BroadcastID,
		p.Address, p.Title, ts(p.CreatedAt), ts(p.RolloverAt))
	return errors.Wrap(err, "insert part")
}

func (l *Ledger) PartFinalized(ctx context.Context, p core.Part, end time.Time, finalizeErr error) error {
	msg := ""
	if finalizeErr != nil {
		msg = finalizeErr.Error()
	}
	const q = `UPDATE parts SET finalized_at=?, finalize_error=? WHERE session_id=? AND number=?;`
	res, err := l.db.ExecContext(ctx, q, ts(end), msg, p.SessionID, p.Number)
	if err != nil {
		return errors.Wrap(err, "finalize part")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Errorf("finalize part: no part %d in session %s", p.Number, p.SessionID)
	}
	return nil
}

func (l *Ledger) AttemptFinished(ctx context.Context, a core.Attempt) error {
	const q = `INSERT INTO attempts (session_id, part, started_at, ended_at, success, stopped, fetch_exit, transcode_exit)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);`
	_, err := l.db.ExecContext(ctx, q, a.SessionID, a.Part, ts(a.Start), ts(a.End),
		a.Success, a.Stopped, a.FetchExit, a.TranscodeExit)
	return errors.Wrap(err, "insert attempt")
}

// CountSessions counts sessions started within the filter bounds.
func (l *Ledger) CountSessions(ctx context.Context, filters httpapi.Filters) (int64, error) {
	query, args := buildSessionQuery(filters, true)
	var n int64
	if err := l.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count sessions")
	}
	return n, nil
}

// ListSessions returns sessions started within the filter bounds.
func (l *Ledger) ListSessions(ctx context.Context, filters httpapi.Filters) ([]core.Session, error) {
	query, args := buildSessionQuery(filters, false)
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	defer rows.Close()

	var out []core.Session
	for rows.Next() {
		var (
			s          core.Session
			start, end string
		)
		if err := rows.Scan(&s.ID, &start, &end, &s.Title, &s.Game, &s.PeakViewers); err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		s.Start, s.End = parseTS(start), parseTS(end)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate sessions")
	}
	return out, nil
}

// ListParts returns a session's parts in order with attempt counts.
func (l *Ledger) ListParts(ctx context.Context, sessionID string) ([]core.PartRecord, error) {
	const q = `SELECT p.session_id, p.number, p.endpoint_id, p.broadcast_id, p.address, p.title,
  p.created_at, p.rollover_at, p.finalized_at, p.finalize_error,
  COUNT(a.id), COALESCE(SUM(CASE WHEN a.success = 0 AND a.stopped = 0 THEN 1 ELSE 0 END), 0)
FROM parts p
LEFT JOIN attempts a ON a.session_id = p.session_id AND a.part = p.number
WHERE p.session_id = ?
GROUP BY p.session_id, p.number
ORDER BY p.number ASC;`
	rows, err := l.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "list parts")
	}
	defer rows.Close()

	var out []core.PartRecord
	for rows.Next() {
		var (
			p                         core.PartRecord
			created, rollover, finish string
		)
		if err := rows.Scan(&p.SessionID, &p.Number, &p.EndpointID, &p.BroadcastID, &p.Address, &p.Title,
			&created, &rollover, &finish, &p.FinalizeError, &p.Attempts, &p.FailedAttempts); err != nil {
			return nil, errors.Wrap(err, "scan part")
		}
		p.CreatedAt, p.RolloverAt, p.FinalizedAt = parseTS(created), parseTS(rollover), parseTS(finish)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate parts")
	}
	return out, nil
}

func buildSessionQuery(filters httpapi.Filters, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM sessions")
	} else {
		builder.WriteString("SELECT id, started_at, ended_at, title, game, peak_viewers FROM sessions")
	}

	var (
		conditions []string
		args       []any
	)
	if filters.Since != nil {
		conditions = append(conditions, "started_at >= ?")
		args = append(args, ts(*filters.Since))
	}
	if filters.Until != nil {
		conditions = append(conditions, "started_at < ?")
		args = append(args, ts(*filters.Until))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	if !count {
		order := "DESC"
		if filters.Order == httpapi.OrderAsc {
			order = "ASC"
		}
		builder.WriteString(" ORDER BY started_at ")
		builder.WriteString(order)
		limit := filters.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		builder.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	builder.WriteString(";")
	return builder.String(), args
}

// Times are stored as fixed-width UTC text so they sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
