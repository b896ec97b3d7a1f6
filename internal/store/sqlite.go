package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/thapasuman5202/Engineering/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Each version is a
// JSON document keyed by (context_id, version).
type SQLiteStore struct {
	db    *sql.DB
	locks sync.Map // context_id -> *sync.Mutex
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// SQLite has a single writer; one connection keeps the pragmas in effect
	// and avoids busy errors on lock upgrades.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS context_versions (
	context_id     TEXT NOT NULL,
	version        INTEGER NOT NULL,
	parent_version INTEGER,
	kind           TEXT NOT NULL,
	body           TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	PRIMARY KEY (context_id, version)
);

CREATE INDEX IF NOT EXISTS idx_context_versions_kind ON context_versions(context_id, kind);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) lock(id string) func() {
	m, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *SQLiteStore) Put(ctx context.Context, c *model.Context) (int, error) {
	if c == nil || c.ContextID == "" {
		return admit(c, newLineState())
	}
	defer s.lock(c.ContextID)()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin put")
	}
	defer tx.Rollback() //nolint:errcheck

	st, err := sqliteLineState(ctx, tx, c.ContextID)
	if err != nil {
		return 0, err
	}
	version, err := admit(c, st)
	if err != nil {
		return 0, err
	}

	stored := c.Clone()
	stored.Version = version
	body, err := json.Marshal(stored)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: marshal context")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO context_versions (context_id, version, parent_version, kind, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		stored.ContextID, version, nullableInt(stored.ParentVersion), string(stored.Kind), string(body), stored.CreatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, model.WrapKind(model.VersionConflict, err, "store: version already committed")
		}
		return 0, eris.Wrapf(err, "sqlite: insert context %s version %d", stored.ContextID, version)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit put")
	}
	return version, nil
}

func sqliteLineState(ctx context.Context, tx *sql.Tx, id string) (lineState, error) {
	st := newLineState()
	rows, err := tx.QueryContext(ctx, `SELECT version, kind FROM context_versions WHERE context_id = ?`, id)
	if err != nil {
		return st, eris.Wrapf(err, "sqlite: list versions %s", id)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var (
			version int
			kind    string
		)
		if err := rows.Scan(&version, &kind); err != nil {
			return st, eris.Wrap(err, "sqlite: scan version")
		}
		st.add(version, model.Kind(kind))
	}
	return st, eris.Wrap(rows.Err(), "sqlite: iterate versions")
}

func (s *SQLiteStore) Get(ctx context.Context, contextID string) (*model.Context, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM context_versions WHERE context_id = ? AND kind IN ('built', 'resolved') ORDER BY version DESC LIMIT 1`,
		contextID,
	)
	c, err := scanBody(row)
	if errors.Is(err, errNoRow) {
		return nil, model.Errorf(model.NotFound, "context %s not found", contextID)
	}
	return c, err
}

func (s *SQLiteStore) GetVersion(ctx context.Context, contextID string, version int) (*model.Context, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM context_versions WHERE context_id = ? AND version = ?`,
		contextID, version,
	)
	c, err := scanBody(row)
	if errors.Is(err, errNoRow) {
		return nil, model.Errorf(model.NotFound, "context %s has no version %d", contextID, version)
	}
	return c, err
}

func (s *SQLiteStore) History(ctx context.Context, contextID string) ([]model.VersionRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, parent_version, kind, created_at FROM context_versions
		 WHERE context_id = ? AND kind IN ('built', 'resolved') ORDER BY version`,
		contextID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: history %s", contextID)
	}
	defer rows.Close() //nolint:errcheck

	var refs []model.VersionRef
	for rows.Next() {
		var (
			ref    model.VersionRef
			parent sql.NullInt64
			kind   string
			at     time.Time
		)
		if err := rows.Scan(&ref.Version, &parent, &kind, &at); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history")
		}
		if parent.Valid {
			ref.ParentVersion = model.IntPtr(int(parent.Int64))
		}
		ref.Kind = model.Kind(kind)
		ref.CreatedAt = at.UTC()
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate history")
	}
	if len(refs) == 0 {
		return nil, model.Errorf(model.NotFound, "context %s not found", contextID)
	}
	return refs, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, contextID string, version int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM context_versions WHERE context_id = ? AND version = ?`,
		contextID, version,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: exists %s/%d", contextID, version)
	}
	return n > 0, nil
}

type scannable interface {
	Scan(dest ...any) error
}

// errNoRow is returned by scanBody when the query matched nothing.
var errNoRow = errors.New("store: no row")

func scanBody(row scannable) (*model.Context, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
			return nil, errNoRow
		}
		return nil, eris.Wrap(err, "store: scan context")
	}
	var c model.Context
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal context")
	}
	return &c, nil
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
