package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/agentpool/internal/scheduler"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const queryTimeout = 5 * time.Second

// timeLayout keeps a fixed-width fraction so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Execution is one finished run of a task on an agent.
type Execution struct {
	ID         int64
	TaskID     string
	AgentID    string
	Command    []string
	ExitCode   int
	Success    bool
	TimedOut   bool
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns how long the execution ran.
func (e Execution) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}

// ExecutionFilter narrows ListExecutions. Zero fields match everything.
type ExecutionFilter struct {
	TaskID  string
	AgentID string
	Limit   int
}

// AgentSummary aggregates the execution history of one agent.
type AgentSummary struct {
	AgentID         string
	Executions      int
	Successes       int
	AverageDuration time.Duration
}

// RecoveryRecord is the audit entry for one handled failure.
type RecoveryRecord struct {
	ID            int64
	OperationID   string
	OperationType string
	Strategy      string
	Error         string
	Recovered     bool
	Escalated     bool
	Timestamp     time.Time
}

// Store defines the persistence interface for task records, execution
// history and the recovery audit trail.
type Store interface {
	// Task records
	SaveTask(ctx context.Context, task *scheduler.Task) error
	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	ListTasks(ctx context.Context) ([]*scheduler.Task, error)
	Dependents(ctx context.Context, taskID string) ([]string, error)

	// Execution history
	RecordExecution(ctx context.Context, exec Execution) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error)
	AgentSummaries(ctx context.Context) ([]AgentSummary, error)

	// Recovery audit
	RecordRecovery(ctx context.Context, rec RecoveryRecord) error
	ListRecoveries(ctx context.Context, limit int) ([]RecoveryRecord, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath, creating parent
// directories as needed.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite ignores _foreign_keys in the DSN; it is set by PRAGMA in open.
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates a private in-memory store for tests. Each call gets
// its own database; the shared cache only lets this store's connections see
// each other.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:agentpool-%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One connection for the outer query, one for per-row lookups in ListTasks.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
