package recovery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/agentpool/internal/events"
	"github.com/aristath/agentpool/internal/persistence"
)

const unknownOperation = "unknown"

// FailureContext describes where a failure happened.
type FailureContext struct {
	OperationType string            `json:"operation_type,omitempty"`
	AgentID       string            `json:"agent_id,omitempty"`
	TaskID        string            `json:"task_id,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

func (fc FailureContext) key() string {
	if fc.OperationType == "" {
		return unknownOperation
	}
	return fc.OperationType
}

// Escalation is one entry of escalations.json.
type Escalation struct {
	OperationID  string         `json:"operation_id"`
	Error        string         `json:"error"`
	Context      FailureContext `json:"context"`
	Timestamp    time.Time      `json:"timestamp"`
	FailureCount int            `json:"failure_count"`
}

// HandleFailure picks the strategy matching err and runs its custom handler
// and actions in order until one succeeds. Unrecovered failures escalate
// once the operation type has failed EscalationThreshold times. The
// operation is always removed from the active set and recorded.
func (e *Engine) HandleFailure(ctx context.Context, operationID string, err error, fc FailureContext, pool PoolState, branches BranchProvider) bool {
	message := ""
	if err != nil {
		message = err.Error()
	}
	key := fc.key()

	e.mu.Lock()
	e.counters.FailedOperations++
	e.failureCounts[key]++
	count := e.failureCounts[key]
	strategy := e.findStrategyLocked(message)
	snapshotID := e.active[operationID]
	if strategy != nil {
		strategy = strategy.clone()
	}
	e.mu.Unlock()

	e.logger.Error("operation failed", "operation_id", operationID, "operation_type", key, "error", message)

	recovered, escalated := false, false
	strategyName := ""
	if strategy == nil {
		e.logger.Warn("no recovery strategy matched", "error", message)
	} else {
		strategyName = strategy.Name
		recovered, escalated = e.applyStrategy(ctx, strategy, operationID, snapshotID, err, fc, pool, branches)

		e.mu.Lock()
		if recovered {
			e.counters.SuccessfulRecoveries++
		} else {
			e.counters.FailedRecoveries++
		}
		e.mu.Unlock()

		if !recovered && count >= strategy.EscalationThreshold && !escalated {
			e.escalate(operationID, err, fc, count)
			escalated = true
		}
	}

	now := e.now()
	e.mu.Lock()
	delete(e.active, operationID)
	e.history = append(e.history, OperationRecord{
		OperationID:       operationID,
		Timestamp:         now,
		Error:             message,
		Strategy:          strategyName,
		Recovered:         recovered,
		RecoveryAttempted: strategy != nil,
		Context:           fc,
	})
	if len(e.history) > maxHistory {
		e.history = append([]OperationRecord(nil), e.history[len(e.history)-maxHistory:]...)
	}
	e.mu.Unlock()
	e.saveState()

	if e.audit != nil {
		rec := persistence.RecoveryRecord{
			OperationID:   operationID,
			OperationType: key,
			Strategy:      strategyName,
			Error:         message,
			Recovered:     recovered,
			Escalated:     escalated,
			Timestamp:     now,
		}
		if err := e.audit.RecordRecovery(ctx, rec); err != nil {
			e.logger.Warn("failed to record recovery", "operation_id", operationID, "error", err)
		}
	}

	e.bus.Publish(events.RecoveryEvent{
		OperationID: operationID,
		Strategy:    strategyName,
		Recovered:   recovered,
		Error:       message,
		Timestamp:   now,
	})
	return recovered
}

func (e *Engine) applyStrategy(ctx context.Context, s *Strategy, operationID, snapshotID string, err error, fc FailureContext, pool PoolState, branches BranchProvider) (recovered, escalated bool) {
	if s.Handler != nil && e.runHandler(ctx, s, err, fc) {
		return true, false
	}

	for _, action := range s.Actions {
		if action == ActionEscalate {
			e.mu.Lock()
			count := e.failureCounts[fc.key()]
			e.mu.Unlock()
			e.escalate(operationID, err, fc, count)
			escalated = true
			continue
		}
		if e.runAction(ctx, action, snapshotID, fc, pool, branches) {
			e.logger.Info("recovery action succeeded", "operation_id", operationID, "action", action.String())
			return true, escalated
		}
	}

	e.logger.Error("all recovery actions failed", "operation_id", operationID, "strategy", s.Name)
	return false, escalated
}

func (e *Engine) runHandler(ctx context.Context, s *Strategy, err error, fc FailureContext) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("recovery handler panicked", "strategy", s.Name, "panic", r)
			ok = false
		}
	}()
	return s.Handler(ctx, err, fc)
}

func (e *Engine) runAction(ctx context.Context, action Action, snapshotID string, fc FailureContext, pool PoolState, branches BranchProvider) bool {
	switch action {
	case ActionRetry:
		return false

	case ActionRollback:
		if snapshotID == "" {
			e.logger.Warn("no snapshot available for rollback")
			return false
		}
		return e.Rollback(ctx, snapshotID, pool, branches, true)

	case ActionRestoreState:
		if snapshotID == "" {
			return false
		}
		return e.Rollback(ctx, snapshotID, pool, branches, false)

	case ActionResetAgent:
		if pool == nil || fc.AgentID == "" {
			return false
		}
		if err := pool.ResetAgent(ctx, fc.AgentID); err != nil {
			e.logger.Warn("agent reset failed", "agent_id", fc.AgentID, "error", err)
			return false
		}
		e.logger.Info("reset agent", "agent_id", fc.AgentID)
		return true

	case ActionSkip:
		e.logger.Info("skipping failed operation")
		return true
	}
	return false
}

// escalate appends to escalations.json, keeping the newest entries.
func (e *Engine) escalate(operationID string, err error, fc FailureContext, count int) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	entry := Escalation{
		OperationID:  operationID,
		Error:        message,
		Context:      fc,
		Timestamp:    e.now(),
		FailureCount: count,
	}

	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	escalations, _ := e.readEscalations()
	escalations = append(escalations, entry)
	if len(escalations) > maxEscalations {
		escalations = escalations[len(escalations)-maxEscalations:]
	}
	if werr := writeJSON(filepath.Join(e.dir, escalationFileName), escalations); werr != nil {
		e.logger.Warn("failed to save escalation", "error", werr)
	}

	e.logger.Error("escalated failure", "operation_id", operationID, "error", message, "failure_count", count)
}

// Escalations returns the recorded escalations, oldest first.
func (e *Engine) Escalations() ([]Escalation, error) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	return e.readEscalations()
}

func (e *Engine) readEscalations() ([]Escalation, error) {
	data, err := os.ReadFile(filepath.Join(e.dir, escalationFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var escalations []Escalation
	if err := json.Unmarshal(data, &escalations); err != nil {
		return nil, err
	}
	return escalations, nil
}
