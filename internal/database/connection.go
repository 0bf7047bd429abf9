package database

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/resdiag/flowprobe/internal/config"
)

// PostgresDB wraps the sqlx connection pool for the compensation journal
type PostgresDB struct {
	*sqlx.DB
}

// NewConnection creates a new database connection for the journal
func NewConnection(cfg config.JournalConfig) (*PostgresDB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("journal database URL is required")
	}

	db, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{DB: db}, nil
}
