package process

import (
	"fmt"
	"sync"
)

// Manager tracks every running handle so shutdown can kill them all.
//
// Usage pattern (typically in main):
//
//	pm := process.NewManager()
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer cancel()
//	go func() {
//		<-ctx.Done()
//		pm.KillAll()
//	}()
type Manager struct {
	mu      sync.Mutex
	handles map[int]*Handle
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		handles: make(map[int]*Handle),
	}
}

// Track registers a started handle. Handles that never started are ignored.
func (m *Manager) Track(h *Handle) {
	pid := h.Pid()
	if pid == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[pid] = h
}

// Untrack removes a handle once its process has exited.
func (m *Manager) Untrack(h *Handle) {
	pid := h.Pid()
	if pid == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, pid)
}

// KillAll sends SIGKILL to every tracked process group.
func (m *Manager) KillAll() error {
	m.mu.Lock()
	handles := make(map[int]*Handle, len(m.handles))
	for pid, h := range m.handles {
		handles[pid] = h
	}
	m.mu.Unlock()

	var errs []error
	for pid, h := range handles {
		if err := h.Kill(); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors killing processes: %v", errs)
	}
	return nil
}

// Count returns the number of tracked processes.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}
