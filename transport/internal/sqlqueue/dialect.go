package sqlqueue

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures what differs between SQL engines.
type Dialect interface {
	// Name is used in log fields and error messages.
	Name() string
	// Schema returns the DDL statements creating the tables, run in order.
	Schema(t Tables) []string
	// Rebind rewrites ? placeholders into the engine's syntax.
	Rebind(query string) string
	// LockClause is appended to the candidate sub-select of Receive.
	LockClause() string
	// JSONType is the column type properties are cast to.
	JSONType() string
}

// Tables holds the fully qualified table names.
type Tables struct {
	Queues      string
	Messages    string
	DeadLetters string
}

// TablesWithPrefix derives table names from a schema or prefix, e.g.
// "busflow." for a Postgres schema or "" for SQLite.
func TablesWithPrefix(prefix string) Tables {
	return Tables{
		Queues:      prefix + "queues",
		Messages:    prefix + "messages",
		DeadLetters: prefix + "dead_letters",
	}
}

// SQLite is the dialect for github.com/mattn/go-sqlite3.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) Schema(t Tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			partitioned INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`, t.Queues),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue TEXT NOT NULL,
			message_id TEXT NOT NULL,
			body BLOB,
			properties TEXT NOT NULL DEFAULT '{}',
			enqueued_at INTEGER NOT NULL,
			available_at INTEGER NOT NULL,
			locked_until INTEGER NOT NULL DEFAULT 0,
			lock_token TEXT NOT NULL DEFAULT '',
			delivery_count INTEGER NOT NULL DEFAULT 0
		)`, t.Messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_queue_available ON %s(queue, available_at)`, sanitize(t.Messages), t.Messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_lock_token ON %s(lock_token)`, sanitize(t.Messages), t.Messages),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue TEXT NOT NULL,
			message_id TEXT NOT NULL,
			body BLOB,
			properties TEXT NOT NULL DEFAULT '{}',
			error_message TEXT NOT NULL DEFAULT '',
			failed_at INTEGER NOT NULL,
			delivery_count INTEGER NOT NULL DEFAULT 0
		)`, t.DeadLetters),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_queue ON %s(queue)`, sanitize(t.DeadLetters), t.DeadLetters),
	}
}

func (SQLite) Rebind(query string) string { return query }

// LockClause is empty: SQLite serialises writers, so the UPDATE ... WHERE id
// = (SELECT ...) statement is already atomic.
func (SQLite) LockClause() string { return "" }

func (SQLite) JSONType() string { return "TEXT" }

// Postgres is the dialect for github.com/lib/pq.
type Postgres struct {
	// SchemaName is created when set.
	SchemaName string
}

func (Postgres) Name() string { return "postgres" }

func (p Postgres) Schema(t Tables) []string {
	var stmts []string
	if p.SchemaName != "" {
		stmts = append(stmts, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, p.SchemaName))
	}
	return append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			partitioned BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL
		)`, t.Queues),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			queue TEXT NOT NULL,
			message_id TEXT NOT NULL,
			body BYTEA,
			properties JSONB NOT NULL DEFAULT '{}',
			enqueued_at BIGINT NOT NULL,
			available_at BIGINT NOT NULL,
			locked_until BIGINT NOT NULL DEFAULT 0,
			lock_token TEXT NOT NULL DEFAULT '',
			delivery_count INTEGER NOT NULL DEFAULT 0
		)`, t.Messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_queue_available ON %s(queue, available_at)`, sanitize(t.Messages), t.Messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_lock_token ON %s(lock_token) WHERE lock_token <> ''`, sanitize(t.Messages), t.Messages),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			queue TEXT NOT NULL,
			message_id TEXT NOT NULL,
			body BYTEA,
			properties JSONB NOT NULL DEFAULT '{}',
			error_message TEXT NOT NULL DEFAULT '',
			failed_at BIGINT NOT NULL,
			delivery_count INTEGER NOT NULL DEFAULT 0
		)`, t.DeadLetters),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_queue ON %s(queue)`, sanitize(t.DeadLetters), t.DeadLetters),
	)
}

// Rebind turns ? into $1, $2, ...
func (Postgres) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LockClause skips rows other consumers are locking right now.
func (Postgres) LockClause() string { return "FOR UPDATE SKIP LOCKED" }

func (Postgres) JSONType() string { return "JSONB" }

func sanitize(name string) string {
	return strings.NewReplacer(".", "_", `"`, "").Replace(name)
}
