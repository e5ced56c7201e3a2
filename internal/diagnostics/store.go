// Package diagnostics persists desync reports so divergences can be
// investigated after the session is gone.
package diagnostics

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Report is one recorded divergence.
type Report struct {
	ID        int64
	SessionID string
	Role      string
	Tick      int64
	Line      int
	Reason    string
	Local     string
	Remote    string
	CreatedAt time.Time
}

// Store writes reports to SQLite or PostgreSQL.
type Store struct {
	db  *sql.DB
	cfg Config
}

// Open connects, pings and initializes the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, newStoreError("open", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &Store{db: db, cfg: cfg}

	ctx, cancel := context.WithTimeout(ctx, cfg.DefaultTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, newStoreError("ping", err)
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, newStoreError("init schema", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.cfg.Driver == DriverPostgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	queries := []string{
		`CREATE TABLE IF NOT EXISTS desync_reports (
			id ` + id + `,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			tick BIGINT NOT NULL,
			line INTEGER NOT NULL,
			reason TEXT NOT NULL,
			local_line TEXT NOT NULL,
			remote_line TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_desync_reports_session ON desync_reports(session_id, tick)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// RecordDesync stores r. A zero CreatedAt is set to now.
func (s *Store) RecordDesync(ctx context.Context, r Report) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	if r.SessionID == "" {
		return ErrMissingSession
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.DefaultTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO desync_reports
		(session_id, role, tick, line, reason, local_line, remote_line, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		r.SessionID, r.Role, r.Tick, r.Line, r.Reason, r.Local, r.Remote, r.CreatedAt.UnixNano())
	if err != nil {
		return newStoreError("record desync", err)
	}
	return nil
}

// List returns the reports of a session ordered by tick.
func (s *Store) List(ctx context.Context, sessionID string) ([]Report, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DefaultTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT
		id, session_id, role, tick, line, reason, local_line, remote_line, created_at
		FROM desync_reports WHERE session_id = ? ORDER BY tick, id`), sessionID)
	if err != nil {
		return nil, newStoreError("list", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var (
			r       Report
			created int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Role, &r.Tick, &r.Line,
			&r.Reason, &r.Local, &r.Remote, &created); err != nil {
			return nil, newStoreError("list", err)
		}
		r.CreatedAt = time.Unix(0, created)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, newStoreError("list", err)
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.cfg.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
