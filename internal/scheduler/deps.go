package scheduler

import (
	"fmt"

	"github.com/gammazero/toposort"
)

// CheckDependencies verifies that the dependency lists of the given tasks
// contain no cycle. IDs that name tasks outside the set are returned as
// unknown; they never complete, so tasks waiting on them stay gated.
func CheckDependencies(tasks []*Task) (unknown []string, err error) {
	known := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		known[task.ID] = true
	}

	var edges []toposort.Edge
	for _, task := range tasks {
		if len(task.Dependencies) == 0 {
			edges = append(edges, toposort.Edge{nil, task.ID})
			continue
		}
		for _, dep := range task.Dependencies {
			if dep == task.ID {
				return nil, fmt.Errorf("task %q depends on itself: %w", task.ID, ErrDependencyCycle)
			}
			if !known[dep] {
				unknown = append(unknown, dep)
				continue
			}
			edges = append(edges, toposort.Edge{dep, task.ID})
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return unknown, fmt.Errorf("%w: %v", ErrDependencyCycle, err)
	}
	return unknown, nil
}

// ResolveDependency strips a finished task's ID from the dependency lists of
// queued tasks. A queued task becomes eligible once its list is empty.
// Returns the number of tasks that were waiting on it.
func (s *Scheduler) ResolveDependency(taskID string) int {
	touched := 0
	for _, item := range s.queue.items {
		deps := item.task.Dependencies
		kept := deps[:0]
		for _, dep := range deps {
			if dep != taskID {
				kept = append(kept, dep)
			}
		}
		if len(kept) != len(deps) {
			touched++
			item.task.Dependencies = kept
		}
	}
	return touched
}
