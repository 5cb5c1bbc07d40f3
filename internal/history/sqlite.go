package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the sqlite ledger.
type Config struct {
	Path        string
	BusyTimeout time.Duration
	// KeepPasses prunes the ledger down to the most recent N passes after
	// each write. 0 keeps everything.
	KeepPasses int
}

type sqliteLedger struct {
	db   *sql.DB
	keep int
	log  zerolog.Logger
}

func OpenSQLite(cfg Config, log zerolog.Logger) (Ledger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("history path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	l := &sqliteLedger{db: db, keep: cfg.KeepPasses, log: log}
	if err := l.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *sqliteLedger) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, string(b))
	return err
}

func (l *sqliteLedger) RecordPass(ctx context.Context, rec PassRecord) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO passes(id, started_at, finished_at) VALUES(?,?,?)`,
		rec.ID, rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	for _, d := range rec.Decisions {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO decisions(pass_id, task, action, tag, collected, err) VALUES(?,?,?,?,?,?)`,
			rec.ID, d.Task, d.Action, nullStr(d.Tag), nullStr(strings.Join(d.Collected, ",")), nullStr(d.Error))
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if l.keep > 0 {
		if err := l.prune(ctx); err != nil {
			l.log.Warn().Err(err).Msg("history prune failed")
		}
	}
	return nil
}

func (l *sqliteLedger) prune(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM passes WHERE id NOT IN (
		   SELECT id FROM passes ORDER BY started_at DESC LIMIT ?)`, l.keep)
	return err
}

func (l *sqliteLedger) RecentPasses(ctx context.Context, limit int) ([]PassRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at FROM passes ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PassRecord
	for rows.Next() {
		var rec PassRecord
		var started, finished string
		if err := rows.Scan(&rec.ID, &started, &finished); err != nil {
			return nil, err
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		decs, err := l.decisions(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Decisions = decs
	}
	return out, nil
}

func (l *sqliteLedger) decisions(ctx context.Context, passID string) ([]DecisionRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT task, action, tag, collected, err FROM decisions WHERE pass_id = ?`, passID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var d DecisionRecord
		var tag, collected, errStr sql.NullString
		if err := rows.Scan(&d.Task, &d.Action, &tag, &collected, &errStr); err != nil {
			return nil, err
		}
		d.Tag = tag.String
		d.Error = errStr.String
		if collected.String != "" {
			d.Collected = strings.Split(collected.String, ",")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (l *sqliteLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
