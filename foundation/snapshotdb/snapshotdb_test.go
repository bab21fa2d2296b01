package snapshotdb

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSqlite(t *testing.T) *DB {
	t.Helper()
	db, err := New(DriverSQLite, filepath.Join(t.TempDir(), "registros.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSqliteRoundTrip(t *testing.T) {
	db := newSqlite(t)
	ctx := context.Background()
	assert.Equal(t, DriverSQLite, db.Driver())

	id, err := db.Create(ctx,
		`INSERT INTO registros (execution_id, recorded_at, temperature, humidity, payload) VALUES (?, ?, ?, ?, ?)`,
		"exec-1", int64(1700000000), 21.0, nil, `{"temperatura":21}`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	var (
		temp     sql.NullFloat64
		humidity sql.NullFloat64
		payload  string
	)
	err = db.QueryRow(ctx, `SELECT temperature, humidity, payload FROM registros WHERE id = ?`, []any{id}, &temp, &humidity, &payload)
	require.NoError(t, err)
	assert.Equal(t, sql.NullFloat64{Float64: 21.0, Valid: true}, temp)
	assert.False(t, humidity.Valid)
	assert.Equal(t, `{"temperatura":21}`, payload)

	err = db.QueryRow(ctx, `SELECT payload FROM registros WHERE id = ?`, []any{int64(99)}, &payload)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestQueryScansEveryRow(t *testing.T) {
	db := newSqlite(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := db.Create(ctx,
			`INSERT INTO registros (execution_id, recorded_at, payload) VALUES (?, ?, ?)`,
			"exec", int64(i), "{}")
		require.NoError(t, err)
	}

	var stamps []int64
	err := db.Query(ctx, `SELECT recorded_at FROM registros ORDER BY recorded_at DESC`, nil, func(rows *sql.Rows) error {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return err
		}
		stamps = append(stamps, ts)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1, 0}, stamps)

	require.NoError(t, db.ExecuteQuery(ctx, `DELETE FROM registros WHERE recorded_at < ?`, int64(2)))
	var n int
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM registros`, nil, &n))
	assert.Equal(t, 1, n)
}

func TestMigrationIsIdempotent(t *testing.T) {
	p := filepath.Join(t.TempDir(), "registros.db")
	first, err := New(DriverSQLite, p)
	require.NoError(t, err)
	_, err = first.Create(context.Background(),
		`INSERT INTO registros (execution_id, recorded_at, payload) VALUES (?, ?, ?)`, "a", int64(1), "{}")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(DriverSQLite, p)
	require.NoError(t, err)
	defer second.Close()
	var n int
	require.NoError(t, second.QueryRow(context.Background(), `SELECT COUNT(*) FROM registros`, nil, &n))
	assert.Equal(t, 1, n)
}

func TestNewErrors(t *testing.T) {
	_, err := New("postgres", "whatever")
	assert.ErrorContains(t, err, "unsupported driver")

	_, err = New(DriverMySQL, "this is not a dsn")
	assert.ErrorContains(t, err, "parse mysql dsn")

	_, err = New(DriverSQLite, filepath.Join(t.TempDir(), "missing-dir", "x.db"))
	assert.Error(t, err)
}

// Runs against a real server when SENSORRELAY_TEST_MYSQL_DSN is set.
func TestMySQL(t *testing.T) {
	dsn := os.Getenv("SENSORRELAY_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("SENSORRELAY_TEST_MYSQL_DSN not set")
	}
	db, err := New(DriverMySQL, dsn)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	id, err := db.Create(ctx,
		`INSERT INTO registros (execution_id, recorded_at, temperature, payload) VALUES (?, ?, ?, ?)`,
		"00000000-0000-0000-0000-000000000000", int64(1), 20.5, "{}")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.ExecuteQuery(ctx, `DELETE FROM registros WHERE id = ?`, id) })

	var temp float64
	require.NoError(t, db.QueryRow(ctx, `SELECT temperature FROM registros WHERE id = ?`, []any{id}, &temp))
	assert.Equal(t, 20.5, temp)
}
