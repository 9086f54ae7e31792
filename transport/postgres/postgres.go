// Package postgres provides a PostgreSQL-backed transport. Receivers lock
// rows with FOR UPDATE SKIP LOCKED, so any number of processes can consume
// the same queue.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/busflow/transport"
	"github.com/drblury/busflow/transport/internal/sqlqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

const (
	DefaultSchemaName   = "busflow"
	DefaultMaxOpenConns = 10
	DefaultMaxIdleConns = 5
)

var schemaNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

var ErrConnectionStringRequired = errors.New("postgres: connection string is required")

func init() {
	transport.Register(TransportName, Build, transport.PostgresCapabilities)
	transport.Register("postgresql", Build, transport.PostgresCapabilities)
}

// Build connects using the configured URL.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.QueueManager, error) {
	return New(ctx, Config{
		ConnectionString: cfg.GetPostgresURL(),
		LockDuration:     cfg.GetLockDuration(),
		MaxDeliveries:    cfg.GetMaxDeliveryCount(),
	}, logger)
}

// Config holds PostgreSQL-specific settings.
type Config struct {
	ConnectionString string
	PollInterval     time.Duration
	LockDuration     time.Duration
	MaxDeliveries    int
	RetryBackoff     time.Duration
	// SchemaName is created on start. Defaults to "busflow".
	SchemaName   string
	MaxOpenConns int
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = sqlqueue.DefaultPollInterval
	}
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchemaName
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = DefaultMaxIdleConns
	}
	return c
}

func (c Config) validate() error {
	if c.ConnectionString == "" {
		return ErrConnectionStringRequired
	}
	if !schemaNamePattern.MatchString(c.SchemaName) {
		return fmt.Errorf("postgres: invalid schema name %q", c.SchemaName)
	}
	return nil
}

func (c Config) options(logger watermill.LoggerAdapter) sqlqueue.Options {
	return sqlqueue.Options{
		Dialect:       sqlqueue.Postgres{SchemaName: c.SchemaName},
		Tables:        sqlqueue.TablesWithPrefix(c.SchemaName + "."),
		LockDuration:  c.LockDuration,
		MaxDeliveries: c.MaxDeliveries,
		PollInterval:  c.PollInterval,
		RetryBackoff:  c.RetryBackoff,
		Capabilities:  transport.PostgresCapabilities,
		Logger:        logger,
	}
}

// New connects, pings and creates the schema.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*sqlqueue.Store, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	store, err := sqlqueue.New(ctx, db, cfg.options(logger))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
