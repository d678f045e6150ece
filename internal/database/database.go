package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bookingsync/internal/config"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

var ErrBookingNotFound = errors.New("booking not found")

// DB is the relational mirror of upstream bookings.
type DB struct {
	*sqlx.DB
	driver string
	path   string
	logger zerolog.Logger
	now    func() time.Time
}

// Open connects to the configured driver and makes sure the schema exists.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zerolog.Logger) (*DB, error) {
	switch cfg.Driver {
	case "", "sqlite3":
		return NewSQLite(ctx, cfg.Path, logger)
	case "postgres":
		conn, err := sqlx.ConnectContext(ctx, "postgres", cfg.Postgres.DSN())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			conn.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
		return newDB(ctx, conn, "postgres", "", logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// NewSQLite opens (or creates) a sqlite mirror at path. ":memory:" is accepted for tests.
func NewSQLite(ctx context.Context, path string, logger *zerolog.Logger) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}

	conn, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps :memory: databases shared.
	conn.SetMaxOpenConns(1)

	return newDB(ctx, conn, "sqlite3", path, logger)
}

func newDB(ctx context.Context, conn *sqlx.DB, driver, path string, logger *zerolog.Logger) (*DB, error) {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "database").Logger()
	}
	db := &DB{DB: conn, driver: driver, path: path, logger: l, now: time.Now}

	if err := db.createTables(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	db.logger.Info().Str("driver", driver).Str("path", path).Msg("database initialized")
	return db, nil
}

// Driver returns the sql driver name in use.
func (db *DB) Driver() string { return db.driver }

// Path returns the sqlite file path, empty for other drivers.
func (db *DB) Path() string { return db.path }

func (db *DB) createTables(ctx context.Context) error {
	idColumn, timeType, floatType := "INTEGER PRIMARY KEY AUTOINCREMENT", "DATETIME", "REAL"
	if db.driver == "postgres" {
		idColumn, timeType, floatType = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ", "DOUBLE PRECISION"
	}

	bookings := strings.NewReplacer("{id}", idColumn, "{time}", timeType, "{float}", floatType).Replace(`
		CREATE TABLE IF NOT EXISTS bookings (
			id {id},
			booking_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT '',
			sync_status TEXT NOT NULL DEFAULT '',
			guest_name TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			property_name TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT '',
			api_reference TEXT NOT NULL DEFAULT '',
			arrival_date TEXT NOT NULL DEFAULT '',
			departure_date TEXT NOT NULL DEFAULT '',
			num_nights INTEGER NOT NULL DEFAULT 0,
			total_persons INTEGER NOT NULL DEFAULT 0,
			total_charges {float} NOT NULL DEFAULT 0,
			total_payments {float} NOT NULL DEFAULT 0,
			balance {float} NOT NULL DEFAULT 0,
			base_price {float} NOT NULL DEFAULT 0,
			internal_notes TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			booking_date TEXT NOT NULL DEFAULT '',
			modified_date TEXT NOT NULL DEFAULT '',
			raw TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL DEFAULT '',
			cancelled_at {time},
			last_synced_at {time} NOT NULL,
			created_at {time} NOT NULL,
			updated_at {time} NOT NULL
		)`)

	queries := []string{
		bookings,
		`CREATE INDEX IF NOT EXISTS idx_bookings_sync_status ON bookings(sync_status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_arrival ON bookings(arrival_date)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}
