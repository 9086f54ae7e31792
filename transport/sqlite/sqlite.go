// Package sqlite provides a SQLite-backed transport. Locks, delivery counts
// and dead letters live in the database file, so a single-node deployment
// gets broker semantics without running a broker.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/busflow/transport"
	"github.com/drblury/busflow/transport/internal/sqlqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

const DefaultFilePath = "busflow_queue.db"

func init() {
	transport.Register(TransportName, Build, transport.SQLiteCapabilities)
}

// Build opens the database named by the configuration.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.QueueManager, error) {
	return New(ctx, Config{
		FilePath:      cfg.GetSQLiteFile(),
		LockDuration:  cfg.GetLockDuration(),
		MaxDeliveries: cfg.GetMaxDeliveryCount(),
	}, logger)
}

// Config holds SQLite-specific settings.
type Config struct {
	// FilePath is the database file. ":memory:" keeps everything in the
	// process, which is handy in tests.
	FilePath      string
	PollInterval  time.Duration
	LockDuration  time.Duration
	MaxDeliveries int
	RetryBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = DefaultFilePath
	}
	if c.PollInterval <= 0 {
		c.PollInterval = sqlqueue.DefaultPollInterval
	}
	return c
}

func (c Config) dsn() string {
	sep := "?"
	if strings.Contains(c.FilePath, "?") {
		sep = "&"
	}
	return c.FilePath + sep + "_journal_mode=WAL&_busy_timeout=5000"
}

// New opens the database and creates the schema.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*sqlqueue.Store, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// one connection serialises writers and keeps ":memory:" databases alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store, err := sqlqueue.New(ctx, db, sqlqueue.Options{
		Dialect:       sqlqueue.SQLite{},
		LockDuration:  cfg.LockDuration,
		MaxDeliveries: cfg.MaxDeliveries,
		PollInterval:  cfg.PollInterval,
		RetryBackoff:  cfg.RetryBackoff,
		Capabilities:  transport.SQLiteCapabilities,
		Logger:        logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
