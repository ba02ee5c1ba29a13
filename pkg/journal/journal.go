// Package journal records one row of metadata per dispatch in SQLite:
// which provider answered, whether fallback was used, how long it took and
// what went wrong. Message text is never stored.
package journal

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS dispatches (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at    TEXT    NOT NULL,
	source        TEXT    NOT NULL,
	room_id       TEXT    NOT NULL DEFAULT '',
	provider      TEXT    NOT NULL DEFAULT '',
	model         TEXT    NOT NULL DEFAULT '',
	used_fallback INTEGER NOT NULL DEFAULT 0,
	truncated     INTEGER NOT NULL DEFAULT 0,
	error_kind    TEXT    NOT NULL DEFAULT '',
	error_detail  TEXT    NOT NULL DEFAULT '',
	latency_ms    INTEGER NOT NULL DEFAULT 0,
	reply_len     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_dispatches_created ON dispatches(created_at);
`

// Journal is the dispatch log.
type Journal struct {
	db   *sql.DB
	path string
}

// Entry is one dispatch. ErrorKind is empty on success.
type Entry struct {
	ID           int64         `json:"id"`
	CreatedAt    time.Time     `json:"created_at"`
	Source       string        `json:"source"`
	RoomID       string        `json:"room_id,omitempty"`
	Provider     string        `json:"provider,omitempty"`
	Model        string        `json:"model,omitempty"`
	UsedFallback bool          `json:"used_fallback"`
	Truncated    bool          `json:"truncated"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	ErrorDetail  string        `json:"error_detail,omitempty"`
	Latency      time.Duration `json:"latency_ns"`
	ReplyLen     int           `json:"reply_len"`
}

// Stats holds aggregate counts.
type Stats struct {
	Dispatches int            `json:"dispatches"`
	Failures   int            `json:"failures"`
	Fallbacks  int            `json:"fallbacks"`
	Truncated  int            `json:"truncated"`
	ByProvider map[string]int `json:"by_provider"`
}

// Open opens (creating if needed) journal.db inside dir.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dbPath := filepath.Join(dir, "journal.db")

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	j := &Journal{db: db, path: dbPath}
	slog.Info("journal opened", "path", dbPath, "dispatches", j.Stats().Dispatches)
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

// Record stores one dispatch entry and returns its row ID.
func (j *Journal) Record(e Entry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	result, err := j.db.Exec(
		`INSERT INTO dispatches (created_at, source, room_id, provider, model, used_fallback,
		 truncated, error_kind, error_detail, latency_ms, reply_len)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CreatedAt.UTC().Format(time.RFC3339Nano), e.Source, e.RoomID, e.Provider, e.Model,
		boolInt(e.UsedFallback), boolInt(e.Truncated), e.ErrorKind, e.ErrorDetail,
		e.Latency.Milliseconds(), e.ReplyLen,
	)
	if err != nil {
		return 0, fmt.Errorf("record dispatch: %w", err)
	}
	id, _ := result.LastInsertId()
	slog.Debug("dispatch recorded", "id", id, "provider", e.Provider, "error_kind", e.ErrorKind)
	return id, nil
}

// Stats returns aggregate counts over the whole journal.
func (j *Journal) Stats() Stats {
	s := Stats{ByProvider: map[string]int{}}
	j.db.QueryRow(`SELECT COUNT(*),
		COALESCE(SUM(error_kind != ''), 0),
		COALESCE(SUM(used_fallback), 0),
		COALESCE(SUM(truncated), 0)
		FROM dispatches`).Scan(&s.Dispatches, &s.Failures, &s.Fallbacks, &s.Truncated)

	rows, err := j.db.Query(`SELECT provider, COUNT(*) FROM dispatches
		WHERE error_kind = '' GROUP BY provider`)
	if err != nil {
		slog.Warn("journal provider stats failed", "error", err)
		return s
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		var n int
		if err := rows.Scan(&p, &n); err == nil {
			s.ByProvider[p] = n
		}
	}
	return s
}

// Recent returns the newest n entries, newest first.
func (j *Journal) Recent(n int) ([]Entry, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := j.db.Query(`SELECT id, created_at, source, room_id, provider, model,
		used_fallback, truncated, error_kind, error_detail, latency_ms, reply_len
		FROM dispatches ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent dispatches: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e               Entry
			createdAt       string
			fallback, trunc int
			latencyMS       int64
		)
		if err := rows.Scan(&e.ID, &createdAt, &e.Source, &e.RoomID, &e.Provider, &e.Model,
			&fallback, &trunc, &e.ErrorKind, &e.ErrorDetail, &latencyMS, &e.ReplyLen); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		e.UsedFallback = fallback != 0
		e.Truncated = trunc != 0
		e.Latency = time.Duration(latencyMS) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
