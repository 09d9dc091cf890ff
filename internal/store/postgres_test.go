package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupPostgres(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)

	mockPool.ExpectPing()
	mockPool.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS gm_values")).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	s, err := NewPostgres(context.Background(), mockPool, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s, mockPool
}

func TestNewPostgres(t *testing.T) {
	t.Run("ping failure", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing().WillReturnError(errors.New("connection refused"))
		_, err = NewPostgres(context.Background(), mockPool, zaptest.NewLogger(t))
		assert.ErrorContains(t, err, "failed to ping database")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("schema failure", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing()
		mockPool.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
		_, err = NewPostgres(context.Background(), mockPool, zaptest.NewLogger(t))
		assert.ErrorContains(t, err, "failed to create gm_values table")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgres_Get(t *testing.T) {
	s, mockPool := setupPostgres(t)
	defer mockPool.Close()
	ctx := context.Background()
	query := regexp.QuoteMeta("SELECT value FROM gm_values WHERE key = $1")

	mockPool.ExpectQuery(query).WithArgs("s1:count").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte("3")))
	v, ok, err := s.Get(ctx, "s1:count")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3", string(v))

	mockPool.ExpectQuery(query).WithArgs("s1:gone").WillReturnError(pgx.ErrNoRows)
	_, ok, err = s.Get(ctx, "s1:gone")
	require.NoError(t, err)
	assert.False(t, ok)

	mockPool.ExpectQuery(query).WithArgs("s1:bad").WillReturnError(errors.New("boom"))
	_, _, err = s.Get(ctx, "s1:bad")
	assert.ErrorContains(t, err, "boom")

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgres_SetDelete(t *testing.T) {
	s, mockPool := setupPostgres(t)
	defer mockPool.Close()
	ctx := context.Background()

	mockPool.ExpectExec(regexp.QuoteMeta("INSERT INTO gm_values (key, value) VALUES ($1, $2)")).
		WithArgs("s1:name", []byte(`"bob"`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.Set(ctx, "s1:name", []byte(`"bob"`)))

	mockPool.ExpectExec(regexp.QuoteMeta("DELETE FROM gm_values WHERE key = $1")).
		WithArgs("s1:name").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, s.Delete(ctx, "s1:name"))

	mockPool.ExpectExec("INSERT INTO gm_values").
		WithArgs("s1:x", []byte("1")).
		WillReturnError(errors.New("disk full"))
	assert.ErrorContains(t, s.Set(ctx, "s1:x", []byte("1")), "disk full")

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgres_ListKeys(t *testing.T) {
	s, mockPool := setupPostgres(t)
	defer mockPool.Close()

	mockPool.ExpectQuery(regexp.QuoteMeta("SELECT key FROM gm_values WHERE starts_with(key, $1)")).
		WithArgs("s1:").
		WillReturnRows(pgxmock.NewRows([]string{"key"}).
			AddRow("s1:b").
			AddRow("s1:B").
			AddRow("s1:a"))

	keys, err := s.ListKeys(context.Background(), "s1:")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1:B", "s1:a", "s1:b"}, keys)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
