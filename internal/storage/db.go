package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrNotFound = errors.New("not found")

type Store struct {
	db     *sql.DB
	driver string
	sql    sq.StatementBuilderType
}

func Open(ctx context.Context, driver, dsn string, autoMigrate bool) (*Store, error) {
	driver = normalizeDriver(driver)
	if driver != "postgres" && driver != "sqlite" {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}

	db, err := sql.Open(driverName(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if driver == "sqlite" {
		// sqlite allows one writer; a single connection serializes
		// transactions instead of surfacing SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == "postgres" {
		placeholder = sq.Dollar
	}
	s := &Store{
		db:     db,
		driver: driver,
		sql:    sq.StatementBuilder.PlaceholderFormat(placeholder),
	}

	if autoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate brings the schema up to date. Postgres is versioned with goose;
// sqlite, used for development and tests, gets an idempotent inline schema.
func (s *Store) Migrate(ctx context.Context) error {
	switch s.driver {
	case "postgres":
		goose.SetBaseFS(migrations)
		if err := goose.SetDialect("postgres"); err != nil {
			return fmt.Errorf("set goose dialect: %w", err)
		}
		if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	case "sqlite":
		if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

func normalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return d
	}
}

func driverName(driver string) string {
	if driver == "postgres" {
		return "pgx"
	}
	return "sqlite"
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction. fn must only use tx: on sqlite the pool
// holds a single connection and touching s.db would block forever.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// lockAccount serializes concurrent writers touching one account's rows.
// sqlite needs nothing: its single connection already serializes.
func (s *Store) lockAccount(ctx context.Context, tx *sql.Tx, accountID int64) error {
	if s.driver != "postgres" {
		return nil
	}
	query, args, err := s.sql.Select("id").From("accounts").
		Where(sq.Eq{"id": accountID}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return fmt.Errorf("build lock account query: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock account: %w", err)
	}
	return nil
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}

// timeArg formats t the way each backend stores timestamps so range
// comparisons work. sqlite keeps CURRENT_TIMESTAMP as UTC text.
func (s *Store) timeArg(t time.Time) any {
	if s.driver == "postgres" {
		return t
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    external_id TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL DEFAULT '',
    is_admin INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS bot_credentials (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    bot_id TEXT NOT NULL UNIQUE,
    enc_token TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS destinations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    chat_id TEXT NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    topic_id INTEGER,
    is_default INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS subscriptions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    route_token TEXT NOT NULL UNIQUE,
    enc_secret TEXT NOT NULL,
    repo TEXT NOT NULL,
    events TEXT NOT NULL DEFAULT '*',
    bot_credential_id INTEGER NOT NULL,
    destination_id INTEGER NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS delivery_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    subscription_id INTEGER,
    route_token TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL DEFAULT '',
    repo TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    summary TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    error TEXT
);
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    action TEXT NOT NULL,
    meta_json TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_destinations_one_default ON destinations(account_id) WHERE is_default = 1;
CREATE INDEX IF NOT EXISTS idx_bot_credentials_account_id ON bot_credentials(account_id);
CREATE INDEX IF NOT EXISTS idx_destinations_account_id ON destinations(account_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_account_id ON subscriptions(account_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_destination_id ON subscriptions(destination_id);
CREATE INDEX IF NOT EXISTS idx_delivery_log_created_at ON delivery_log(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_log_account_id_created_at ON audit_log(account_id, created_at DESC);
`
