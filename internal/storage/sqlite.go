//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "zapsend/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendJob(ctx context.Context, rep JobReport) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rep.FinishedAt.IsZero() {
		rep.FinishedAt = time.Now()
	}
	sent, err := json.Marshal(rep.SentIDs)
	if err != nil {
		return err
	}
	failed, err := json.Marshal(rep.FailedIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, session_key, outcome, total, sent_ids, failed_ids, started_at, finished_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		rep.ID, rep.SessionKey, rep.Outcome, rep.Total, string(sent), string(failed),
		rep.StartedAt.Format(time.RFC3339Nano), rep.FinishedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) RecentJobs(ctx context.Context, sessionKey string, limit int) ([]JobReport, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}

	q := `SELECT id, session_key, outcome, total, sent_ids, failed_ids, started_at, finished_at
	      FROM jobs`
	args := []any{}
	if sessionKey != "" {
		q += ` WHERE session_key = ?`
		args = append(args, sessionKey)
	}
	q += ` ORDER BY finished_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobReport
	for rows.Next() {
		var r JobReport
		var sent, failed, started, finished string
		if err := rows.Scan(&r.ID, &r.SessionKey, &r.Outcome, &r.Total, &sent, &failed, &started, &finished); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(sent), &r.SentIDs)
		_ = json.Unmarshal([]byte(failed), &r.FailedIDs)
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}
