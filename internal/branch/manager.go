// Package branch tracks the git branches agents work on and the metadata the
// pool keeps about them.
package branch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned for branches git does not know about.
var ErrNotFound = errors.New("branch not found")

const (
	gitTimeout    = 30 * time.Second
	unknownBase   = "unknown"
	defaultPrefix = "agentpool"
)

var (
	unsafeChars = regexp.MustCompile(`[^a-z0-9-]`)
	dashRuns    = regexp.MustCompile(`-+`)
)

// Manager runs git against one repository and persists branch metadata.
type Manager struct {
	config Config
	now    func() time.Time

	mu       sync.Mutex // Guards branches and serializes checkouts
	branches map[string]Info
}

// NewManager creates a manager and loads any saved metadata. A missing or
// unreadable metadata file starts from an empty table.
func NewManager(cfg Config) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.MetadataFile == "" {
		cfg.MetadataFile = filepath.Join(cfg.RepoPath, ".agentpool", "branches.json")
	}
	m := &Manager{
		config:   cfg,
		now:      time.Now,
		branches: make(map[string]Info),
	}
	m.load()
	return m
}

func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.config.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// CurrentBranch returns the checked-out branch name.
func (m *Manager) CurrentBranch(ctx context.Context) (string, error) {
	out, err := m.git(ctx, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Exists reports whether a local branch with the given name exists.
func (m *Manager) Exists(ctx context.Context, name string) bool {
	out, err := m.git(ctx, "branch", "--list", name)
	return err == nil && strings.TrimSpace(out) != ""
}

// Create makes a new branch named <prefix>/<sanitized name>-<timestamp> from
// base, checks it out and records its metadata.
func (m *Manager) Create(ctx context.Context, name, base string) (string, error) {
	if !m.Exists(ctx, base) {
		return "", fmt.Errorf("base branch %q: %w", base, ErrNotFound)
	}

	safe := dashRuns.ReplaceAllString(unsafeChars.ReplaceAllString(strings.ToLower(name), "-"), "-")
	safe = strings.Trim(safe, "-")
	now := m.now()
	full := fmt.Sprintf("%s/%s-%s", m.config.Prefix, safe, now.Format("20060102-150405"))

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.git(ctx, "checkout", "-b", full, base); err != nil {
		return "", fmt.Errorf("failed to create branch: %w", err)
	}

	m.branches[full] = Info{
		Name:       full,
		BaseBranch: base,
		CreatedAt:  now,
		State:      StateActive,
		Metadata:   map[string]string{"name": name},
	}
	if err := m.saveLocked(); err != nil {
		return full, err
	}
	return full, nil
}

// Switch checks out an existing branch.
func (m *Manager) Switch(ctx context.Context, name string) error {
	if !m.Exists(ctx, name) {
		return fmt.Errorf("switch to %q: %w", name, ErrNotFound)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.git(ctx, "checkout", name); err != nil {
		return fmt.Errorf("failed to switch branch: %w", err)
	}
	return nil
}

// Status returns ahead/behind counts against the recorded base and the tip commit.
func (m *Manager) Status(ctx context.Context, name string) (Status, error) {
	if !m.Exists(ctx, name) {
		return Status{}, fmt.Errorf("status of %q: %w", name, ErrNotFound)
	}

	m.mu.Lock()
	info, ok := m.branches[name]
	m.mu.Unlock()
	if !ok {
		info = Info{Name: name, BaseBranch: unknownBase, State: StateActive}
	}

	status := Status{
		Name:       name,
		BaseBranch: info.BaseBranch,
		State:      info.State,
		Metadata:   info.Clone().Metadata,
	}

	if info.BaseBranch != unknownBase && info.BaseBranch != "" {
		out, err := m.git(ctx, "rev-list", "--left-right", "--count", info.BaseBranch+"..."+name)
		if err == nil {
			fields := strings.Fields(out)
			if len(fields) == 2 {
				status.Behind, _ = strconv.Atoi(fields[0])
				status.Ahead, _ = strconv.Atoi(fields[1])
			}
		}
	}

	out, err := m.git(ctx, "log", "-1", "--pretty=format:%H|%an|%ad|%s", name)
	if err != nil {
		return status, err
	}
	if parts := strings.SplitN(strings.TrimSpace(out), "|", 4); len(parts) == 4 {
		hash := parts[0]
		if len(hash) > 8 {
			hash = hash[:8]
		}
		status.LastCommit = &Commit{Hash: hash, Author: parts[1], Date: parts[2], Message: parts[3]}
	}
	return status, nil
}

// List returns the active branches carrying the pool prefix, adopting any
// unknown ones into the metadata table.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	out, err := m.git(ctx, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var active []Info
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" || !strings.HasPrefix(name, m.config.Prefix+"/") {
			continue
		}
		info, ok := m.branches[name]
		if !ok {
			info = Info{Name: name, BaseBranch: unknownBase, CreatedAt: m.now(), State: StateActive}
			m.branches[name] = info
		}
		if info.State == StateActive {
			active = append(active, info.Clone())
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Name < active[j].Name })
	return active, nil
}

// Branches returns a copy of the metadata table.
func (m *Manager) Branches() map[string]Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Info, len(m.branches))
	for name, info := range m.branches {
		out[name] = info.Clone()
	}
	return out
}

// RestoreBranches replaces the metadata table and saves it.
func (m *Manager) RestoreBranches(branches map[string]Info) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.branches = make(map[string]Info, len(branches))
	for name, info := range branches {
		m.branches[name] = info.Clone()
	}
	return m.saveLocked()
}

// UpdateMetadata merges values into a branch's metadata, creating an entry if needed.
func (m *Manager) UpdateMetadata(name string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.branches[name]
	if !ok {
		info = Info{Name: name, BaseBranch: unknownBase, CreatedAt: m.now(), State: StateActive}
	}
	if info.Metadata == nil {
		info.Metadata = make(map[string]string, len(values))
	}
	for k, v := range values {
		info.Metadata[k] = v
	}
	m.branches[name] = info
	return m.saveLocked()
}

// MarkMerged flags a known branch as merged.
func (m *Manager) MarkMerged(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.branches[name]
	if !ok {
		return fmt.Errorf("mark %q merged: %w", name, ErrNotFound)
	}
	info.State = StateMerged
	m.branches[name] = info
	return m.saveLocked()
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.config.MetadataFile)
	if err != nil {
		return
	}
	var branches map[string]Info
	if err := json.Unmarshal(data, &branches); err != nil {
		return
	}
	if branches != nil {
		m.branches = branches
	}
}

func (m *Manager) saveLocked() error {
	data, err := json.MarshalIndent(m.branches, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling branch metadata: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.config.MetadataFile), 0755); err != nil {
		return fmt.Errorf("creating metadata directory: %w", err)
	}
	if err := os.WriteFile(m.config.MetadataFile, data, 0644); err != nil {
		return fmt.Errorf("writing branch metadata: %w", err)
	}
	return nil
}
