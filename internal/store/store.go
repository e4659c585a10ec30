package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/vigil/internal/querysql"
)

//go:embed schema.sql
var schemaSQL string

// pragma is a connection setting. Settings with a non-empty check are
// read back after Open; journal_mode is not, since in-memory ledgers
// report "memory".
type pragma struct {
	name, value, check string
}

var pragmas = []pragma{
	{name: "journal_mode", value: "WAL"},
	{name: "synchronous", value: "NORMAL", check: "1"},
	{name: "busy_timeout", value: "5000", check: "5000"},
	{name: "foreign_keys", value: "ON", check: "1"},
}

// migrations[i] upgrades a ledger from user_version i to i+1.
var migrations = []func(*sql.Tx) error{
	// v1: priority index backing `vigil inspect`'s default order.
	func(tx *sql.Tx) error {
		_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_issues_priority ON issues(priority DESC, last_seen DESC)`)
		return err
	},
}

var currentSchemaVersion = len(migrations)

// Store is the durable issue ledger: issues by fingerprint, contract
// violations and the fix knowledge base.
type Store struct {
	db       *sql.DB
	compiler *querysql.Compiler
}

// Open creates or opens the ledger at path (":memory:" for a throwaway
// one), then configures the connection and brings the schema up to date.
// Opening an existing ledger again is safe.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	// One connection: SQLite has a single writer, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := setup(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return &Store{db: db, compiler: querysql.NewCompiler(IssuesTable)}, nil
}

func setup(db *sql.DB) error {
	for _, p := range pragmas {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA %s = %s", p.name, p.value)); err != nil {
			return fmt.Errorf("pragma %s: %w", p.name, err)
		}
		if p.check == "" {
			continue
		}
		if err := checkPragma(db, p.name, p.check); err != nil {
			return err
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return migrate(db)
}

// migrate runs each pending migration in its own transaction together with
// the user_version bump, so a failed step is retried on the next Open.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for v := version; v < len(migrations); v++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
		if err := migrations[v](tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
	}
	return nil
}

func checkPragma(db *sql.DB, name, want string) error {
	var got string
	if err := db.QueryRow("PRAGMA " + name).Scan(&got); err != nil {
		return fmt.Errorf("read pragma %s: %w", name, err)
	}
	if got != want {
		return fmt.Errorf("pragma %s = %q, want %q", name, got, want)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
