package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/thapasuman5202/Engineering/internal/db"
	"github.com/thapasuman5202/Engineering/internal/geometry"
	"github.com/thapasuman5202/Engineering/internal/model"
)

// PostgresStore implements Store using pgxpool. Bodies are JSONB and the
// boundary is kept in a PostGIS column for spatial queries.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlLockContext = `SELECT pg_advisory_xact_lock(hashtext($1))`
	sqlListKinds   = `SELECT version, kind FROM context_versions WHERE context_id = $1`
	sqlInsert      = `INSERT INTO context_versions (context_id, version, parent_version, kind, body, boundary, created_at) VALUES ($1, $2, $3, $4, $5, ST_GeomFromEWKB($6), $7)`
	sqlGetHead     = `SELECT body FROM context_versions WHERE context_id = $1 AND kind IN ('built', 'resolved') ORDER BY version DESC LIMIT 1`
	sqlGetVersion  = `SELECT body FROM context_versions WHERE context_id = $1 AND version = $2`
	sqlHistory     = `SELECT version, COALESCE(parent_version, 0), kind, created_at FROM context_versions WHERE context_id = $1 AND kind IN ('built', 'resolved') ORDER BY version`
	sqlExists      = `SELECT EXISTS (SELECT 1 FROM context_versions WHERE context_id = $1 AND version = $2)`
)

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"list_kinds":  sqlListKinds,
	"get_head":    sqlGetHead,
	"get_version": sqlGetVersion,
	"history":     sqlHistory,
	"exists":      sqlExists,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS context_versions (
	context_id     TEXT NOT NULL,
	version        INTEGER NOT NULL,
	parent_version INTEGER,
	kind           TEXT NOT NULL CHECK (kind IN ('built', 'resolved', 'counterfactual')),
	body           JSONB NOT NULL,
	boundary       geometry(Polygon, 4326),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (context_id, version)
);

CREATE INDEX IF NOT EXISTS idx_context_versions_main ON context_versions(context_id, version DESC) WHERE kind IN ('built', 'resolved');
CREATE INDEX IF NOT EXISTS idx_context_versions_boundary ON context_versions USING GIST (boundary);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, c *model.Context) (int, error) {
	if c == nil || c.ContextID == "" {
		return admit(c, newLineState())
	}

	stored := c.Clone()
	ewkb, err := geometry.EncodeEWKB(stored.Boundary)
	if err != nil {
		return 0, model.WrapKind(model.InvalidGeometry, err, "store: encode boundary")
	}

	var version int
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, sqlLockContext, stored.ContextID); err != nil {
			return eris.Wrapf(err, "postgres: lock context %s", stored.ContextID)
		}

		st, err := pgLineState(ctx, tx, stored.ContextID)
		if err != nil {
			return err
		}
		version, err = admit(stored, st)
		if err != nil {
			return err
		}

		stored.Version = version
		body, err := json.Marshal(stored)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal context")
		}
		_, err = tx.Exec(ctx, sqlInsert,
			stored.ContextID, version, stored.ParentVersion, string(stored.Kind), body, ewkb, stored.CreatedAt.UTC())
		return eris.Wrapf(err, "postgres: insert context %s version %d", stored.ContextID, version)
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

func pgLineState(ctx context.Context, tx pgx.Tx, id string) (lineState, error) {
	st := newLineState()
	rows, err := tx.Query(ctx, sqlListKinds, id)
	if err != nil {
		return st, eris.Wrapf(err, "postgres: list versions %s", id)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			version int
			kind    string
		)
		if err := rows.Scan(&version, &kind); err != nil {
			return st, eris.Wrap(err, "postgres: scan version")
		}
		st.add(version, model.Kind(kind))
	}
	return st, eris.Wrap(rows.Err(), "postgres: iterate versions")
}

func (s *PostgresStore) Get(ctx context.Context, contextID string) (*model.Context, error) {
	c, err := scanBody(s.pool.QueryRow(ctx, sqlGetHead, contextID))
	if errors.Is(err, errNoRow) {
		return nil, model.Errorf(model.NotFound, "context %s not found", contextID)
	}
	return c, err
}

func (s *PostgresStore) GetVersion(ctx context.Context, contextID string, version int) (*model.Context, error) {
	c, err := scanBody(s.pool.QueryRow(ctx, sqlGetVersion, contextID, version))
	if errors.Is(err, errNoRow) {
		return nil, model.Errorf(model.NotFound, "context %s has no version %d", contextID, version)
	}
	return c, err
}

func (s *PostgresStore) History(ctx context.Context, contextID string) ([]model.VersionRef, error) {
	rows, err := s.pool.Query(ctx, sqlHistory, contextID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: history %s", contextID)
	}
	defer rows.Close()

	var refs []model.VersionRef
	for rows.Next() {
		var (
			ref    model.VersionRef
			parent int
			kind   string
		)
		if err := rows.Scan(&ref.Version, &parent, &kind, &ref.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan history")
		}
		if parent > 0 {
			ref.ParentVersion = model.IntPtr(parent)
		}
		ref.Kind = model.Kind(kind)
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate history")
	}
	if len(refs) == 0 {
		return nil, model.Errorf(model.NotFound, "context %s not found", contextID)
	}
	return refs, nil
}

func (s *PostgresStore) Exists(ctx context.Context, contextID string, version int) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, sqlExists, contextID, version).Scan(&ok); err != nil {
		return false, eris.Wrapf(err, "postgres: exists %s/%d", contextID, version)
	}
	return ok, nil
}
