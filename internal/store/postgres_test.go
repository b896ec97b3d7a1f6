package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thapasuman5202/Engineering/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func kindRows(rows ...[2]any) *pgxmock.Rows {
	r := pgxmock.NewRows([]string{"version", "kind"})
	for _, row := range rows {
		r.AddRow(row[0], row[1])
	}
	return r
}

func TestPostgresStore_Put_New(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("a").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT version, kind FROM context_versions WHERE context_id = \$1`).
		WithArgs("a").
		WillReturnRows(kindRows())
	mock.ExpectExec(`INSERT INTO context_versions`).
		WithArgs("a", 1, pgxmock.AnyArg(), "built", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	v, err := s.Put(context.Background(), fixture("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Put_Resolve(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("a").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT version, kind FROM context_versions`).
		WithArgs("a").
		WillReturnRows(kindRows([2]any{1, "built"}, [2]any{2, "counterfactual"}))
	mock.ExpectExec(`INSERT INTO context_versions`).
		WithArgs("a", 3, pgxmock.AnyArg(), "resolved", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	v, err := s.Put(context.Background(), derive(fixture("a"), model.KindResolved, 1))
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Put_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		ctx     *model.Context
		rows    [][2]any
		errKind model.ErrorKind
	}{
		{"stale parent", derive(fixture("a"), model.KindResolved, 1), [][2]any{{1, "built"}, {2, "resolved"}}, model.VersionConflict},
		{"existing id", fixture("a"), [][2]any{{1, "built"}}, model.VersionConflict},
		{"unknown branch base", derive(fixture("a"), model.KindCounterfactual, 5), [][2]any{{1, "built"}}, model.NotFound},
		{"unknown context", derive(fixture("a"), model.KindResolved, 1), nil, model.NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockPostgresStore(t)

			mock.ExpectBegin()
			mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
				WithArgs("a").
				WillReturnResult(pgxmock.NewResult("SELECT", 1))
			mock.ExpectQuery(`SELECT version, kind FROM context_versions`).
				WithArgs("a").
				WillReturnRows(kindRows(tt.rows...))
			mock.ExpectRollback()

			_, err := s.Put(context.Background(), tt.ctx)
			require.Error(t, err)
			assert.Equal(t, tt.errKind, model.KindOf(err))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_Put_BeginError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err := s.Put(context.Background(), fixture("a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
	assert.Equal(t, model.Internal, model.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Put_InvalidBoundary(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	c := fixture("a")
	c.Boundary.Coordinates = [][][]float64{{{0}}}
	_, err := s.Put(context.Background(), c)
	assert.Equal(t, model.InvalidGeometry, model.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	body, err := json.Marshal(fixture("a"))
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT body FROM context_versions WHERE context_id = \$1 AND kind IN`).
		WithArgs("a").
		WillReturnRows(pgxmock.NewRows([]string{"body"}).AddRow(body))

	got, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ContextID)
	assert.Equal(t, 0.2, got.Fields["greenspace_pct"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT body FROM context_versions`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), "missing")
	assert.Equal(t, model.NotFound, model.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetVersion_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT body FROM context_versions WHERE context_id = \$1 AND version = \$2`).
		WithArgs("a", 4).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetVersion(context.Background(), "a", 4)
	assert.Equal(t, model.NotFound, model.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_History(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT version, COALESCE\(parent_version, 0\), kind, created_at FROM context_versions`).
		WithArgs("a").
		WillReturnRows(pgxmock.NewRows([]string{"version", "parent_version", "kind", "created_at"}).
			AddRow(1, 0, "built", created).
			AddRow(3, 1, "resolved", created))

	refs, err := s.History(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Nil(t, refs[0].ParentVersion)
	require.NotNil(t, refs[1].ParentVersion)
	assert.Equal(t, 1, *refs[1].ParentVersion)
	assert.Equal(t, model.KindResolved, refs[1].Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_History_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT version, COALESCE`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"version", "parent_version", "kind", "created_at"}))

	_, err := s.History(context.Background(), "missing")
	assert.Equal(t, model.NotFound, model.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Exists(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("a", 2).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.Exists(context.Background(), "a", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS context_versions`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
