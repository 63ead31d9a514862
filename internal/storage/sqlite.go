package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"pewcast/internal/job"
	logx "pewcast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create sqlite dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One connection serializes writers, which also makes claims atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLStore(db, cfg.Now, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store ready", logx.String("path", path))
	return st, nil
}

func newSQLStore(db *sql.DB, now func() time.Time, log logx.Logger) *sqliteStore {
	if now == nil {
		now = time.Now
	}
	return &sqliteStore{db: db, log: log, now: now}
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	return s.addColumn(ctx, "jobs", "claim_prev_status", "TEXT")
}

// addColumn upgrades tables created before the column existed.
func (s *sqliteStore) addColumn(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return errors.Wrapf(err, "inspect %s", table)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return errors.Wrapf(err, "inspect %s", table)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrapf(err, "inspect %s", table)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	return errors.Wrapf(err, "add column %s.%s", table, column)
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- targets ----

func (s *sqliteStore) UpsertTarget(ctx context.Context, t job.Target) error {
	if t.LastSeenAt.IsZero() {
		t.LastSeenAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO targets(chat_id, title, type, active, last_seen_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   title = CASE WHEN excluded.title <> '' THEN excluded.title ELSE targets.title END,
		   type = CASE WHEN excluded.type <> '' THEN excluded.type ELSE targets.type END,
		   active = excluded.active,
		   last_seen_at = excluded.last_seen_at`,
		t.ChatID, t.Title, t.Type, t.Active, t.LastSeenAt.UnixMilli(),
	)
	return errors.Wrapf(err, "upsert target %d", t.ChatID)
}

func (s *sqliteStore) SetTargetActive(ctx context.Context, chatID int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE targets SET active = ? WHERE chat_id = ?`, active, chatID)
	if err != nil {
		return errors.Wrapf(err, "set target %d active", chatID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "target %d", chatID)
	}
	return nil
}

func (s *sqliteStore) ListTargets(ctx context.Context, activeOnly bool) ([]job.Target, error) {
	q := `SELECT chat_id, title, type, active, last_seen_at FROM targets`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY chat_id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "list targets")
	}
	defer rows.Close()

	var out []job.Target
	for rows.Next() {
		var (
			t    job.Target
			seen int64
		)
		if err := rows.Scan(&t.ChatID, &t.Title, &t.Type, &t.Active, &seen); err != nil {
			return nil, errors.Wrap(err, "scan target")
		}
		t.LastSeenAt = time.UnixMilli(seen).UTC()
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "list targets")
}

// ---- retention ----

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	ms := before.UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "prune")
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, q := range []string{
		`DELETE FROM deliveries WHERE created_at < ?`,
		`DELETE FROM executions WHERE finished_at IS NOT NULL AND finished_at < ?`,
	} {
		res, err := tx.ExecContext(ctx, q, ms)
		if err != nil {
			return 0, errors.Wrap(err, "prune")
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "prune commit")
	}
	return total, nil
}

// ---- helpers ----

func millis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}
