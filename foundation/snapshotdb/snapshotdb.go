package snapshotdb

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// The migrations are executed every time New is called, so they must only
// use idempotent statements.
var (
	//go:embed sql/sqlite.sql
	sqliteMigrate string

	//go:embed sql/mysql.sql
	mysqlMigrate string
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"

	queryTimeout = 2 * time.Second
	dialTimeout  = 5 * time.Second
)

type DB struct {
	db     *sql.DB
	driver string
}

// New opens the database and runs the migration for its driver. For sqlite
// dsn is a file path; for mysql it is a go-sql-driver DSN.
func New(driver, dsn string) (*DB, error) {
	var (
		dataSourceName string
		migrate        string
	)
	switch driver {
	case DriverSQLite:
		const connectionParams = "_pragma=busy_timeout(1000)&_pragma=journal_mode(WAL)"
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dataSourceName = dsn + sep + connectionParams
		migrate = sqliteMigrate
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		if cfg.Timeout == 0 {
			cfg.Timeout = dialTimeout
		}
		dataSourceName = cfg.FormatDSN()
		migrate = mysqlMigrate
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open connection: %w", err)
	}

	sdb := DB{
		db:     db,
		driver: driver,
	}
	if err := sdb.migrate(migrate); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sdb, nil
}

// migrate runs one statement at a time; the mysql driver rejects multiple
// statements in one Exec unless the DSN enables them.
func (d *DB) migrate(script string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*dialTimeout)
	defer cancel()
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func (d *DB) Driver() string {
	return d.driver
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Create executes an insert and returns the new row id.
func (d *DB) Create(ctx context.Context, query string, args ...any) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	statement, err := d.db.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer statement.Close()

	res, err := statement.ExecContext(ctx, args...)
	if err != nil {
		return 0, fmt.Errorf("exec: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// Query calls scan once per result row.
func (d *DB) Query(ctx context.Context, query string, params []any, scan func(*sql.Rows) error) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows: %w", err)
	}
	return nil
}

// QueryRow scans a single row into fields. It returns sql.ErrNoRows, unwrapped,
// when nothing matched.
func (d *DB) QueryRow(ctx context.Context, query string, params []any, fields ...any) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	err := d.db.QueryRowContext(ctx, query, params...).Scan(fields...)
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err != nil {
		return fmt.Errorf("query row: %w", err)
	}
	return nil
}

// ExecuteQuery no result is returned
func (d *DB) ExecuteQuery(ctx context.Context, query string, params ...any) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := d.db.ExecContext(ctx, query, params...); err != nil {
		return fmt.Errorf("execute query %q: %w", query, err)
	}
	return nil
}
