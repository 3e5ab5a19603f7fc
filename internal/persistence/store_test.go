package persistence

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/agentpool/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestSaveAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	task := &scheduler.Task{
		ID:           "task-1",
		Title:        "Build",
		Command:      []string{"make", "all"},
		Priority:     7,
		Complexity:   4,
		Timeout:      time.Minute,
		Dependencies: []string{"dep-1", "dep-2"},
		Metadata:     scheduler.Metadata{Tags: []string{"build"}},
		Status:       scheduler.TaskPending,
		CreatedAt:    created,
	}

	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Title != "Build" || got.Priority != 7 || got.Timeout != time.Minute {
		t.Errorf("GetTask = %+v", got)
	}
	if len(got.Dependencies) != 2 {
		t.Errorf("Dependencies = %v, want 2 entries", got.Dependencies)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}

	// Upsert with a new status.
	task.Status = scheduler.TaskCompleted
	task.Dependencies = []string{"dep-1"}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("second SaveTask failed: %v", err)
	}
	got, err = store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != scheduler.TaskCompleted {
		t.Errorf("Status = %v, want completed", got.Status)
	}

	deps, err := store.Dependents(ctx, "dep-2")
	if err != nil {
		t.Fatalf("Dependents failed: %v", err)
	}
	if len(deps) != 0 {
		t.Errorf("stale dependency edge kept: %v", deps)
	}
	deps, err = store.Dependents(ctx, "dep-1")
	if err != nil {
		t.Fatalf("Dependents failed: %v", err)
	}
	if len(deps) != 1 || deps[0] != "task-1" {
		t.Errorf("Dependents(dep-1) = %v, want [task-1]", deps)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)
	_, err := store.GetTask(context.Background(), "missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected wrapped sql.ErrNoRows, got %v", err)
	}
}

func TestListTasks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"c", "a", "b"} {
		task := &scheduler.Task{ID: id, Title: id, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := store.SaveTask(ctx, task); err != nil {
			t.Fatalf("SaveTask(%s) failed: %v", id, err)
		}
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(tasks))
	}
	for i, want := range []string{"c", "a", "b"} {
		if tasks[i].ID != want {
			t.Errorf("tasks[%d] = %s, want %s", i, tasks[i].ID, want)
		}
	}
}

func TestExecutions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	start := time.Now().UTC()

	runs := []Execution{
		{TaskID: "t1", AgentID: "a1", Command: []string{"true"}, Success: true, StartedAt: start, FinishedAt: start.Add(2 * time.Second)},
		{TaskID: "t2", AgentID: "a1", Command: []string{"false"}, ExitCode: 1, Error: "exit 1", StartedAt: start, FinishedAt: start.Add(4 * time.Second)},
		{TaskID: "t3", AgentID: "a2", Command: []string{"sleep", "9"}, ExitCode: -1, TimedOut: true, StartedAt: start, FinishedAt: start.Add(time.Second)},
	}
	for _, run := range runs {
		if err := store.RecordExecution(ctx, run); err != nil {
			t.Fatalf("RecordExecution failed: %v", err)
		}
	}

	all, err := store.ListExecutions(ctx, ExecutionFilter{})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(all) != 3 || all[0].TaskID != "t3" {
		t.Fatalf("ListExecutions = %+v, want 3 newest first", all)
	}
	if !all[0].TimedOut || all[0].Command[0] != "sleep" {
		t.Errorf("newest execution = %+v", all[0])
	}

	byAgent, err := store.ListExecutions(ctx, ExecutionFilter{AgentID: "a1", Limit: 1})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(byAgent) != 1 || byAgent[0].TaskID != "t2" || byAgent[0].Error != "exit 1" {
		t.Errorf("filtered executions = %+v", byAgent)
	}

	summaries, err := store.AgentSummaries(ctx)
	if err != nil {
		t.Fatalf("AgentSummaries failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(summaries))
	}
	a1 := summaries[0]
	if a1.AgentID != "a1" || a1.Executions != 2 || a1.Successes != 1 || a1.AverageDuration != 3*time.Second {
		t.Errorf("a1 summary = %+v", a1)
	}
}

func TestRecoveries(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i, strategy := range []string{"task_timeout", "git_conflict", "generic_failure"} {
		rec := RecoveryRecord{
			OperationID:   "op",
			OperationType: "task_execution",
			Strategy:      strategy,
			Error:         "boom",
			Recovered:     i%2 == 0,
			Escalated:     i == 1,
		}
		if err := store.RecordRecovery(ctx, rec); err != nil {
			t.Fatalf("RecordRecovery failed: %v", err)
		}
	}

	recent, err := store.ListRecoveries(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecoveries failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d records, want 2", len(recent))
	}
	if recent[0].Strategy != "generic_failure" || !recent[0].Recovered {
		t.Errorf("newest record = %+v", recent[0])
	}
	if recent[1].Strategy != "git_conflict" || !recent[1].Escalated {
		t.Errorf("second record = %+v", recent[1])
	}
	if recent[0].Timestamp.IsZero() {
		t.Error("timestamp should default to now")
	}
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	ctx := context.Background()

	if err := a.SaveTask(ctx, &scheduler.Task{ID: "only-in-a", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	tasks, err := b.ListTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("store b sees %d tasks from store a", len(tasks))
	}
}

func TestSQLiteStoreOnDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "history.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.RecordExecution(ctx, Execution{TaskID: "t", AgentID: "a", Command: []string{"true"}, Success: true, StartedAt: time.Now(), FinishedAt: time.Now()}); err != nil {
		t.Fatalf("RecordExecution failed: %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	runs, err := reopened.ListExecutions(ctx, ExecutionFilter{TaskID: "t"})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("got %d executions after reopen, want 1", len(runs))
	}
}
