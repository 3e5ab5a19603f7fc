// Package recovery snapshots pool state before risky operations and applies
// pattern-matched recovery strategies when those operations fail.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aristath/agentpool/internal/events"
	"github.com/aristath/agentpool/internal/persistence"
)

const (
	stateFileName      = "recovery_state.json"
	escalationFileName = "escalations.json"
	snapshotsDirName   = "snapshots"
	backupsDirName     = "backups"

	maxHistory     = 1000
	maxEscalations = 100

	// DefaultMaxSnapshots and DefaultMaxSnapshotAge bound the snapshot store.
	DefaultMaxSnapshots   = 50
	DefaultMaxSnapshotAge = 24 * time.Hour
)

// AuditSink receives one record per handled failure.
type AuditSink interface {
	RecordRecovery(ctx context.Context, rec persistence.RecoveryRecord) error
}

// Counters are the cumulative engine counters, persisted with the state.
type Counters struct {
	TotalOperations      int `json:"total_operations"`
	FailedOperations     int `json:"failed_operations"`
	SuccessfulRecoveries int `json:"successful_recoveries"`
	FailedRecoveries     int `json:"failed_recoveries"`
	RollbacksPerformed   int `json:"rollbacks_performed"`
}

// Metrics is a point-in-time view of the engine.
type Metrics struct {
	Counters
	ActiveOperations int            `json:"active_operations"`
	TotalSnapshots   int            `json:"total_snapshots"`
	FailureCounts    map[string]int `json:"failure_counts"`
	DiskUsageMB      float64        `json:"disk_usage_mb"`
}

// OperationRecord is one entry of the failure history.
type OperationRecord struct {
	OperationID       string         `json:"operation_id"`
	Timestamp         time.Time      `json:"timestamp"`
	Error             string         `json:"error"`
	Strategy          string         `json:"strategy,omitempty"`
	Recovered         bool           `json:"recovered"`
	RecoveryAttempted bool           `json:"recovery_attempted"`
	Context           FailureContext `json:"context"`
}

type persistedState struct {
	Snapshots     map[string]*Snapshot `json:"snapshots"`
	History       []OperationRecord    `json:"operation_history"`
	FailureCounts map[string]int       `json:"failure_counts"`
	Metrics       Counters             `json:"recovery_metrics"`
	SavedAt       time.Time            `json:"saved_at"`
}

// Engine owns snapshots, strategies and recovery bookkeeping. It is safe
// for concurrent use.
type Engine struct {
	dir          string
	maxSnapshots int
	maxAge       time.Duration
	logger       *slog.Logger
	bus          *events.Bus
	audit        AuditSink
	now          func() time.Time

	mu            sync.Mutex
	strategies    []*Strategy
	snapshots     map[string]*Snapshot
	active        map[string]string // operation ID -> snapshot ID
	history       []OperationRecord
	failureCounts map[string]int
	counters      Counters
	saveMu        sync.Mutex // Serializes writes of the state file
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithBus publishes snapshot and recovery events.
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithAuditSink records every handled failure.
func WithAuditSink(sink AuditSink) Option {
	return func(e *Engine) { e.audit = sink }
}

// WithLimits overrides the snapshot ceiling and maximum age. Zero keeps the default.
func WithLimits(maxSnapshots int, maxAge time.Duration) Option {
	return func(e *Engine) {
		if maxSnapshots > 0 {
			e.maxSnapshots = maxSnapshots
		}
		if maxAge > 0 {
			e.maxAge = maxAge
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates the engine rooted at dir and reloads any saved state.
func NewEngine(dir string, opts ...Option) (*Engine, error) {
	e := &Engine{
		dir:           dir,
		maxSnapshots:  DefaultMaxSnapshots,
		maxAge:        DefaultMaxSnapshotAge,
		logger:        slog.Default(),
		now:           time.Now,
		strategies:    builtinStrategies(),
		snapshots:     make(map[string]*Snapshot),
		active:        make(map[string]string),
		failureCounts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, d := range []string{dir, e.snapshotsDir(), e.backupsDir()} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("creating recovery directory: %w", err)
		}
	}

	e.loadState()
	return e, nil
}

func (e *Engine) snapshotsDir() string { return filepath.Join(e.dir, snapshotsDirName) }
func (e *Engine) backupsDir() string   { return filepath.Join(e.dir, backupsDirName) }

func (e *Engine) snapshotPath(id string) string {
	return filepath.Join(e.snapshotsDir(), id+".json")
}

// StartOperation links an operation to the snapshot to roll back to.
func (e *Engine) StartOperation(operationID, snapshotID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[operationID] = snapshotID
}

// CompleteOperation forgets a finished operation.
func (e *Engine) CompleteOperation(operationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, operationID)
}

// Metrics returns the current counters and disk usage of the work area.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	m := Metrics{
		Counters:         e.counters,
		ActiveOperations: len(e.active),
		TotalSnapshots:   len(e.snapshots),
		FailureCounts:    make(map[string]int, len(e.failureCounts)),
	}
	for k, v := range e.failureCounts {
		m.FailureCounts[k] = v
	}
	e.mu.Unlock()

	m.DiskUsageMB = diskUsageMB(e.dir)
	return m
}

// RecentOperations returns up to limit of the newest history entries, oldest first.
func (e *Engine) RecentOperations(limit int) []OperationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := 0
	if limit > 0 && len(e.history) > limit {
		start = len(e.history) - limit
	}
	return append([]OperationRecord(nil), e.history[start:]...)
}

func (e *Engine) writeSnapshot(snap *Snapshot) error {
	if err := writeJSON(e.snapshotPath(snap.ID), snap); err != nil {
		return fmt.Errorf("saving snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// saveState writes recovery_state.json. Failures are logged only.
func (e *Engine) saveState() {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	state := persistedState{
		Snapshots:     make(map[string]*Snapshot, len(e.snapshots)),
		History:       append([]OperationRecord(nil), e.history...),
		FailureCounts: make(map[string]int, len(e.failureCounts)),
		Metrics:       e.counters,
		SavedAt:       e.now(),
	}
	for id, snap := range e.snapshots {
		state.Snapshots[id] = snap
	}
	for k, v := range e.failureCounts {
		state.FailureCounts[k] = v
	}
	e.mu.Unlock()

	if err := writeJSON(filepath.Join(e.dir, stateFileName), state); err != nil {
		e.logger.Warn("failed to save recovery state", "error", err)
	}
}

func (e *Engine) loadState() {
	data, err := os.ReadFile(filepath.Join(e.dir, stateFileName))
	switch {
	case err == nil:
		var state persistedState
		if err := json.Unmarshal(data, &state); err != nil {
			e.logger.Warn("ignoring corrupt recovery state", "error", err)
			break
		}
		for id, snap := range state.Snapshots {
			if snap != nil {
				e.snapshots[id] = snap
			}
		}
		e.history = state.History
		if state.FailureCounts != nil {
			e.failureCounts = state.FailureCounts
		}
		e.counters = state.Metrics
	case !errors.Is(err, os.ErrNotExist):
		e.logger.Warn("failed to read recovery state", "error", err)
	}

	entries, err := os.ReadDir(e.snapshotsDir())
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if _, ok := e.snapshots[id]; ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(e.snapshotsDir(), name))
		if err != nil {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil || snap.ID == "" {
			e.logger.Warn("ignoring corrupt snapshot file", "file", name)
			continue
		}
		e.snapshots[snap.ID] = &snap
	}

	if n := len(e.snapshots); n > 0 {
		e.logger.Info("loaded recovery state", "snapshots", n, "history", len(e.history))
	}
}

// writeJSON writes v as indented JSON through a temp file and rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
