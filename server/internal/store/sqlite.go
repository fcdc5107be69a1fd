package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// SQLite driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/reqbin/reqbin/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS bins (
	id            TEXT    NOT NULL PRIMARY KEY,
	last_activity INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS bins_last_activity ON bins (last_activity);

CREATE TABLE IF NOT EXISTS requests (
	seq         INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
	request_id  TEXT    NOT NULL UNIQUE,
	bin_id      TEXT    NOT NULL REFERENCES bins (id) ON DELETE CASCADE,
	method      TEXT    NOT NULL,
	headers     TEXT    NOT NULL,
	body        TEXT    NOT NULL,
	captured_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS requests_bin_seq ON requests (bin_id, seq);
`

// SQLite is a Backend stored in a single SQLite database file.
// Timestamps are stored as Unix nanoseconds; ordering uses the AUTOINCREMENT
// seq column, never captured_at.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema exists. path may be ":memory:" for a private in-memory database.
func OpenSQLite(ctx context.Context, path string, maxConns int) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("store: sqlite path is empty")
	}
	if maxConns < 1 {
		maxConns = 1
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		maxConns = 1
	}

	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(maxConns)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: connect sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// sqliteDSN builds a go-sqlite3 DSN with foreign keys enforced, a busy timeout
// so concurrent writers wait instead of failing, and immediate transactions so
// that wait also covers the read-to-write upgrade.
func sqliteDSN(path string) string {
	const params = "_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if path == ":memory:" {
		return "file::memory:?" + params
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params + "&_journal_mode=WAL"
	}
	return dsn + "?" + params + "&_journal_mode=WAL"
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLite) CreateBin(ctx context.Context, bin types.Bin) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bins (id, last_activity) VALUES (?, ?)`,
		bin.ID, bin.LastActivity.UnixNano())
	if err != nil {
		return storageErr("create bin", err)
	}
	return nil
}

func (s *SQLite) GetBin(ctx context.Context, id string) (types.Bin, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_activity FROM bins WHERE id = ?`, id).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Bin{}, ErrNotFound
	}
	if err != nil {
		return types.Bin{}, storageErr("get bin", err)
	}
	return types.Bin{ID: id, LastActivity: fromNanos(last)}, nil
}

func (s *SQLite) DeleteBin(ctx context.Context, id string) error {
	removed, err := s.deleteBin(ctx, "delete bin",
		`DELETE FROM bins WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) DeleteIdleBin(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	return s.deleteBin(ctx, "delete idle bin",
		`DELETE FROM bins WHERE id = ? AND last_activity < ?`, id, cutoff.UnixNano())
}

// deleteBin runs binStmt (which must delete at most the one bin named by the
// first argument) and, if it matched, removes the bin's requests in the same
// transaction. The explicit request delete keeps behaviour identical when the
// database was created without the cascading foreign key.
func (s *SQLite) deleteBin(ctx context.Context, op, binStmt string, args ...any) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageErr(op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, binStmt, args...)
	if err != nil {
		return false, storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(op, err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE bin_id = ?`, args[0]); err != nil {
		return false, storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return false, storageErr(op, err)
	}
	return true, nil
}

func (s *SQLite) IdleBins(ctx context.Context, cutoff time.Time) ([]types.Bin, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, last_activity FROM bins WHERE last_activity < ? ORDER BY last_activity`,
		cutoff.UnixNano())
	if err != nil {
		return nil, storageErr("list idle bins", err)
	}
	defer rows.Close()

	var bins []types.Bin
	for rows.Next() {
		var (
			b    types.Bin
			last int64
		)
		if err := rows.Scan(&b.ID, &last); err != nil {
			return nil, storageErr("list idle bins", err)
		}
		b.LastActivity = fromNanos(last)
		bins = append(bins, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list idle bins", err)
	}
	return bins, nil
}

func (s *SQLite) InsertRequest(ctx context.Context, req *types.CapturedRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("insert request", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO requests (request_id, bin_id, method, headers, body, captured_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM bins WHERE id = ?)`,
		req.RequestID, req.BinID, req.Method, req.Headers, req.Body,
		req.CapturedAt.UnixNano(), req.BinID)
	if err != nil {
		return storageErr("insert request", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("insert request", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return storageErr("insert request", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE bins SET last_activity = ? WHERE id = ?`,
		req.CapturedAt.UnixNano(), req.BinID); err != nil {
		return storageErr("insert request", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("insert request", err)
	}

	req.Seq = seq
	return nil
}

func (s *SQLite) ListRequests(ctx context.Context, binID string) ([]types.CapturedRequest, error) {
	if _, err := s.GetBin(ctx, binID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, request_id, bin_id, method, headers, body, captured_at
		FROM requests
		WHERE bin_id = ?
		ORDER BY seq`, binID)
	if err != nil {
		return nil, storageErr("list requests", err)
	}
	defer rows.Close()

	out := make([]types.CapturedRequest, 0)
	for rows.Next() {
		var (
			r  types.CapturedRequest
			at int64
		)
		if err := rows.Scan(&r.Seq, &r.RequestID, &r.BinID, &r.Method, &r.Headers, &r.Body, &at); err != nil {
			return nil, storageErr("list requests", err)
		}
		r.CapturedAt = fromNanos(at)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list requests", err)
	}
	return out, nil
}

func (s *SQLite) CountRequests(ctx context.Context, binID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests WHERE bin_id = ?`, binID).Scan(&n)
	if err != nil {
		return 0, storageErr("count requests", err)
	}
	return n, nil
}

func (s *SQLite) DeleteRequest(ctx context.Context, requestID string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete request", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var binID string
	err = tx.QueryRowContext(ctx,
		`DELETE FROM requests WHERE request_id = ? RETURNING bin_id`, requestID).Scan(&binID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return storageErr("delete request", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE bins SET last_activity = ? WHERE id = ?`, now.UnixNano(), binID); err != nil {
		return storageErr("delete request", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("delete request", err)
	}
	return nil
}

func (s *SQLite) ClearRequests(ctx context.Context, binID string, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("clear requests", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE bins SET last_activity = ? WHERE id = ?`, now.UnixNano(), binID)
	if err != nil {
		return 0, storageErr("clear requests", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, storageErr("clear requests", err)
	} else if n == 0 {
		return 0, ErrNotFound
	}

	res, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE bin_id = ?`, binID)
	if err != nil {
		return 0, storageErr("clear requests", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("clear requests", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("clear requests", err)
	}
	return removed, nil
}

func (s *SQLite) TrimRequests(ctx context.Context, binID string, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM requests
		WHERE bin_id = ?
		  AND seq NOT IN (
			SELECT seq FROM requests WHERE bin_id = ? ORDER BY seq DESC LIMIT ?
		  )`, binID, binID, keep)
	if err != nil {
		return 0, storageErr("trim requests", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("trim requests", err)
	}
	return n, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
