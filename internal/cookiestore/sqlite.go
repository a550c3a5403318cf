package cookiestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/isometry/ad-dirsync/internal/dirsync"
	"github.com/isometry/ad-dirsync/internal/logging"
)

const sqliteDriver = "sqlite3"

const sqlitePragmas = `
PRAGMA journal_mode=WAL;
PRAGMA synchronous=FULL;
PRAGMA busy_timeout=5000;
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id      TEXT PRIMARY KEY,
	cookie          BLOB,
	polled_at       TEXT NOT NULL,
	resync_required INTEGER NOT NULL DEFAULT 0,
	updated_at      TEXT NOT NULL
);
`

type checkpointRow struct {
	SessionID      string `db:"session_id"`
	Cookie         []byte `db:"cookie"`
	PolledAt       string `db:"polled_at"`
	ResyncRequired bool   `db:"resync_required"`
	UpdatedAt      string `db:"updated_at"`
}

func (r checkpointRow) checkpoint() (dirsync.Checkpoint, error) {
	polledAt, err := time.Parse(time.RFC3339Nano, r.PolledAt)
	if err != nil {
		return dirsync.Checkpoint{}, fmt.Errorf("%w: session %s: polled_at: %w", ErrCorrupt, r.SessionID, err)
	}
	return dirsync.Checkpoint{
		SessionID:      r.SessionID,
		Cookie:         dirsync.Cookie(r.Cookie),
		PolledAt:       polledAt,
		ResyncRequired: r.ResyncRequired,
	}, nil
}

// SQLiteStore keeps checkpoints in a single SQLite table. Each save is one
// upsert statement, which SQLite applies atomically.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ensure parent directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", path)
	db, err := sqlx.Connect(sqliteDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY between sessions of
	// this process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqlitePragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (dirsync.Checkpoint, bool, error) {
	var row checkpointRow
	err := s.db.GetContext(ctx, &row,
		`SELECT session_id, cookie, polled_at, resync_required, updated_at FROM checkpoints WHERE session_id = ?`,
		sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return dirsync.Checkpoint{}, false, nil
	}
	if err != nil {
		return dirsync.Checkpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}

	cp, err := row.checkpoint()
	if err != nil {
		return dirsync.Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, cp dirsync.Checkpoint) error {
	if cp.SessionID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}

	var cookie []byte
	if !cp.Cookie.IsEmpty() {
		cookie = cp.Cookie
	}
	row := checkpointRow{
		SessionID:      cp.SessionID,
		Cookie:         cookie,
		PolledAt:       cp.PolledAt.UTC().Format(time.RFC3339Nano),
		ResyncRequired: cp.ResyncRequired,
		UpdatedAt:      s.now().UTC().Format(time.RFC3339Nano),
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO checkpoints (session_id, cookie, polled_at, resync_required, updated_at)
		VALUES (:session_id, :cookie, :polled_at, :resync_required, :updated_at)
		ON CONFLICT(session_id) DO UPDATE SET
			cookie = excluded.cookie,
			polled_at = excluded.polled_at,
			resync_required = excluded.resync_required,
			updated_at = excluded.updated_at`, row)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	logging.SubsystemTrace(ctx, logging.SubsystemStore, "Checkpoint saved", map[string]any{
		"session_id": cp.SessionID,
		"driver":     "sqlite",
	})
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]dirsync.Checkpoint, error) {
	var rows []checkpointRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT session_id, cookie, polled_at, resync_required, updated_at FROM checkpoints ORDER BY session_id`); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	checkpoints := make([]dirsync.Checkpoint, 0, len(rows))
	for _, row := range rows {
		cp, err := row.checkpoint()
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
