package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RecordExecution appends one finished execution to the history.
func (s *SQLiteStore) RecordExecution(ctx context.Context, exec Execution) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	command, err := json.Marshal(exec.Command)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (task_id, agent_id, command, exit_code, success, timed_out, error, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.TaskID, exec.AgentID, string(command), exec.ExitCode, exec.Success, exec.TimedOut, exec.Error,
		formatTime(exec.StartedAt), formatTime(exec.FinishedAt), exec.Duration().Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT id, task_id, agent_id, command, exit_code, success, timed_out, error, started_at, finished_at FROM executions`
	var where []string
	var args []any
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var command, started, finished string
		var errStr sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.AgentID, &command, &e.ExitCode, &e.Success, &e.TimedOut, &errStr, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		if err := json.Unmarshal([]byte(command), &e.Command); err != nil {
			return nil, fmt.Errorf("failed to decode command of execution %d: %w", e.ID, err)
		}
		e.Error = errStr.String
		if e.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("bad started_at on execution %d: %w", e.ID, err)
		}
		if e.FinishedAt, err = parseTime(finished); err != nil {
			return nil, fmt.Errorf("bad finished_at on execution %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return out, nil
}

// AgentSummaries aggregates execution counts and mean duration per agent.
func (s *SQLiteStore) AgentSummaries(ctx context.Context) ([]AgentSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, COUNT(*), COALESCE(SUM(success), 0), COALESCE(AVG(duration_ms), 0)
		FROM executions
		GROUP BY agent_id
		ORDER BY agent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize executions: %w", err)
	}
	defer rows.Close()

	var out []AgentSummary
	for rows.Next() {
		var sum AgentSummary
		var avgMillis float64
		if err := rows.Scan(&sum.AgentID, &sum.Executions, &sum.Successes, &avgMillis); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		sum.AverageDuration = time.Duration(avgMillis * float64(time.Millisecond))
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating summaries: %w", err)
	}
	return out, nil
}

// RecordRecovery appends one handled failure to the audit trail.
func (s *SQLiteStore) RecordRecovery(ctx context.Context, rec RecoveryRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recovery_events (operation_id, operation_type, strategy, error, recovered, escalated, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.OperationID, rec.OperationType, rec.Strategy, rec.Error, rec.Recovered, rec.Escalated, formatTime(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to record recovery: %w", err)
	}
	return nil
}

// ListRecoveries returns the most recent audit entries, newest first.
// A non-positive limit returns everything.
func (s *SQLiteStore) ListRecoveries(ctx context.Context, limit int) ([]RecoveryRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT id, operation_id, operation_type, strategy, error, recovered, escalated, timestamp FROM recovery_events ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recoveries: %w", err)
	}
	defer rows.Close()

	var out []RecoveryRecord
	for rows.Next() {
		var rec RecoveryRecord
		var errStr sql.NullString
		var ts string
		if err := rows.Scan(&rec.ID, &rec.OperationID, &rec.OperationType, &rec.Strategy, &errStr, &rec.Recovered, &rec.Escalated, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan recovery: %w", err)
		}
		rec.Error = errStr.String
		if rec.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("bad timestamp on recovery %d: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recoveries: %w", err)
	}
	return out, nil
}
