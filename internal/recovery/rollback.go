package recovery

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/aristath/agentpool/internal/events"
)

const instructionTimeout = 30 * time.Second

// Rollback restores a snapshot: agents, then tasks, then branch state, then
// files (when restoreFiles is set), then replays its instructions. It
// reports success and never returns an error; problems are logged.
func (e *Engine) Rollback(ctx context.Context, snapshotID string, pool PoolState, branches BranchProvider, restoreFiles bool) bool {
	snap, ok := e.Snapshot(snapshotID)
	if !ok {
		e.logger.Error("snapshot not found", "snapshot_id", snapshotID)
		return false
	}

	e.logger.Info("rolling back", "snapshot_id", snapshotID, "restore_files", restoreFiles)

	if err := e.restore(ctx, snap, pool, branches, restoreFiles); err != nil {
		e.logger.Error("rollback failed", "snapshot_id", snapshotID, "error", err)
		return false
	}

	e.mu.Lock()
	e.counters.RollbacksPerformed++
	e.mu.Unlock()
	e.saveState()

	e.bus.Publish(events.SnapshotEvent{
		SnapshotID: snap.ID,
		Kind:       string(snap.Kind),
		RolledBack: true,
		Timestamp:  e.now(),
	})
	e.logger.Info("rollback completed", "snapshot_id", snapshotID)
	return true
}

// ManualRollback restores everything a snapshot holds, files included.
func (e *Engine) ManualRollback(ctx context.Context, snapshotID string, pool PoolState, branches BranchProvider) bool {
	e.logger.Info("manual rollback requested", "snapshot_id", snapshotID)
	return e.Rollback(ctx, snapshotID, pool, branches, true)
}

func (e *Engine) restore(ctx context.Context, snap *Snapshot, pool PoolState, branches BranchProvider, restoreFiles bool) error {
	if pool != nil {
		if len(snap.Agents) > 0 {
			if err := pool.RestoreAgents(ctx, snap.Agents); err != nil {
				return fmt.Errorf("restoring agents: %w", err)
			}
		}
		if snap.Tasks != nil {
			if err := pool.RestoreTasks(ctx, snap.Tasks); err != nil {
				return fmt.Errorf("restoring tasks: %w", err)
			}
		}
	}

	if branches != nil && snap.Branch != nil {
		if snap.Branch.CurrentBranch != "" {
			if err := branches.Switch(ctx, snap.Branch.CurrentBranch); err != nil {
				return fmt.Errorf("restoring branch: %w", err)
			}
		}
		if snap.Branch.Branches != nil {
			if err := branches.RestoreBranches(snap.Branch.Branches); err != nil {
				return fmt.Errorf("restoring branch metadata: %w", err)
			}
		}
	}

	if restoreFiles && len(snap.Files) > 0 {
		if err := e.restoreFiles(snap.Files); err != nil {
			return err
		}
	}

	for _, in := range snap.Instructions {
		e.runInstruction(ctx, in)
	}
	return nil
}

// runInstruction replays one rollback instruction. Failures are warnings.
func (e *Engine) runInstruction(ctx context.Context, in Instruction) {
	switch in.Type {
	case InstructionGitCommand:
		if len(in.Args) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(ctx, instructionTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "git", in.Args...)
		cmd.Dir = in.Dir
		if output, err := cmd.CombinedOutput(); err != nil {
			e.logger.Warn("rollback git command failed",
				"args", strings.Join(in.Args, " "),
				"error", err,
				"output", strings.TrimSpace(string(output)))
		}

	case InstructionFileOperation:
		if in.Path == "" {
			return
		}
		var err error
		switch in.Operation {
		case "delete":
			err = os.Remove(in.Path)
			if os.IsNotExist(err) {
				err = nil
			}
		case "create":
			var f *os.File
			f, err = os.OpenFile(in.Path, os.O_CREATE|os.O_WRONLY, 0644)
			if err == nil {
				err = f.Close()
			}
		default:
			err = fmt.Errorf("unknown file operation %q", in.Operation)
		}
		if err != nil {
			e.logger.Warn("rollback file operation failed", "path", in.Path, "error", err)
		}

	default:
		e.logger.Warn("unknown rollback instruction", "type", in.Type)
	}
}
