package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/worldsync/tools/migrator"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// DB wraps sql.DB with additional context
type DB struct {
	*sql.DB
	driver string
}

// Tx wraps sql.Tx with additional context
type Tx struct {
	*sql.Tx
	db *DB
}

// Config holds database connection configuration
type Config struct {
	Driver         string        `toml:"driver"`
	DSN            string        `toml:"dsn"`
	BusyTimeout    time.Duration `toml:"busy_timeout"`
	JournalMode    string        `toml:"journal_mode"`
	SkipMigrations bool          `toml:"skip_migrations"`
}

// Standard errors
var (
	ErrNotFound        = errors.New("db: not found")
	ErrAlreadyFinished = errors.New("db: sync log entry already finished")
	ErrUnknownSetting  = errors.New("db: unknown setting")
	ErrInvalidSetting  = errors.New("db: invalid setting value")
)

// Open creates a new database connection.
// The pool is pinned to a single connection: the store has exactly one
// writer, and in-memory databases would otherwise be per-connection.
func Open(driver, dsn string) (*DB, error) {
	return open(driver, dsn, Config{})
}

// OpenWithConfig creates a connection with custom configuration
func OpenWithConfig(config Config) (*DB, error) {
	return open(config.Driver, config.DSN, config)
}

func open(driver, dsn string, config Config) (*DB, error) {
	if driver == "sqlite3" {
		dsn = sqliteDSN(dsn, config)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, err
	}

	return &DB{
		DB:     conn,
		driver: driver,
	}, nil
}

// sqliteDSN appends connection parameters understood by go-sqlite3.
func sqliteDSN(dsn string, config Config) string {
	if dsn == "" {
		return dsn
	}

	params := []string{"_foreign_keys=on"}
	if config.BusyTimeout > 0 {
		params = append(params, fmt.Sprintf("_busy_timeout=%d", config.BusyTimeout.Milliseconds()))
	}
	if config.JournalMode != "" {
		params = append(params, "_journal_mode="+config.JournalMode)
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// Driver returns the database driver name
func (db *DB) Driver() string {
	return db.driver
}

// Migrate applies the embedded schema migrations.
func (db *DB) Migrate() error {
	return migrator.RunMigrations(db.DB, migrationFiles, "migrations")
}

// SchemaVersion returns the highest applied migration version.
func (db *DB) SchemaVersion() (int, error) {
	return migrator.GetCurrentVersion(db.DB)
}

// Begin starts a new transaction
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &Tx{
		Tx: tx,
		db: db,
	}, nil
}

// WithTransaction executes a function within a transaction
// Automatically commits on success, rolls back on error
func (db *DB) WithTransaction(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}

	// Make sure we make a best effort to rollback on panic
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Error classification functions

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsDuplicate checks if error is a unique or primary key violation
func IsDuplicate(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// IsForeignKey checks if error is a foreign key violation
func IsForeignKey(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

// IsConstraint checks if error is any constraint violation (NOT NULL, CHECK, key)
func IsConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// Failure reasons reported in RecordFailure
const (
	ReasonDuplicate  = "duplicate"
	ReasonForeignKey = "foreign_key"
	ReasonConstraint = "constraint"
	ReasonOther      = "other"
)

// failureReason classifies a rejected record statement
func failureReason(err error) string {
	switch {
	case IsDuplicate(err):
		return ReasonDuplicate
	case IsForeignKey(err):
		return ReasonForeignKey
	case IsConstraint(err):
		return ReasonConstraint
	default:
		return ReasonOther
	}
}
