package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/chatflow/internal/circuitbreaker"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
	DriverMemory   = "memory"
)

// Config holds database configuration
type Config struct {
	Driver          string
	DSN             string // sqlite3 path or a full postgres DSN; overrides the fields below
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

func (c *Config) dsn() string {
	if c.DSN != "" {
		return c.DSN
	}
	if c.Driver == DriverSQLite {
		return "file:chatflow.db?_busy_timeout=5000"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Open connects the configured store and migrates its schema.
func Open(ctx context.Context, config Config, settings circuitbreaker.Settings, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Driver == "" || config.Driver == DriverMemory {
		logger.Info("Using in-memory store")
		return NewMemoryStore(), nil
	}
	if config.Driver != DriverPostgres && config.Driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.Port == 0 {
		config.Port = 5432
	}

	dbx, err := sqlx.Open(config.Driver, config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if config.Driver == DriverSQLite {
		// One connection keeps :memory: databases shared and writes serialized.
		dbx.SetMaxOpenConns(1)
	} else {
		dbx.SetMaxOpenConns(config.MaxConnections)
		dbx.SetMaxIdleConns(config.IdleConnections)
		dbx.SetConnMaxLifetime(config.MaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbx.PingContext(pingCtx); err != nil {
		dbx.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewSQLStore(dbx, settings, logger)
	if err := store.Migrate(ctx); err != nil {
		dbx.Close()
		return nil, err
	}

	logger.Info("Database client initialized",
		zap.String("driver", config.Driver),
		zap.String("host", config.Host),
		zap.Int("max_connections", config.MaxConnections),
	)
	return store, nil
}
