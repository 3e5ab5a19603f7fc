package scheduler

import (
	"errors"
	"testing"
)

func TestCheckDependencies(t *testing.T) {
	tests := []struct {
		name        string
		tasks       []*Task
		wantErr     bool
		wantUnknown int
	}{
		{
			name: "linear chain",
			tasks: []*Task{
				{ID: "A"},
				{ID: "B", Dependencies: []string{"A"}},
				{ID: "C", Dependencies: []string{"B"}},
			},
		},
		{
			name: "diamond",
			tasks: []*Task{
				{ID: "A"},
				{ID: "B", Dependencies: []string{"A"}},
				{ID: "C", Dependencies: []string{"A"}},
				{ID: "D", Dependencies: []string{"B", "C"}},
			},
		},
		{
			name: "direct cycle",
			tasks: []*Task{
				{ID: "A", Dependencies: []string{"B"}},
				{ID: "B", Dependencies: []string{"A"}},
			},
			wantErr: true,
		},
		{
			name: "transitive cycle",
			tasks: []*Task{
				{ID: "A", Dependencies: []string{"C"}},
				{ID: "B", Dependencies: []string{"A"}},
				{ID: "C", Dependencies: []string{"B"}},
			},
			wantErr: true,
		},
		{
			name:    "self dependency",
			tasks:   []*Task{{ID: "A", Dependencies: []string{"A"}}},
			wantErr: true,
		},
		{
			name: "unknown dependency",
			tasks: []*Task{
				{ID: "A", Dependencies: []string{"missing"}},
			},
			wantUnknown: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unknown, err := CheckDependencies(tt.tasks)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckDependencies error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrDependencyCycle) {
				t.Errorf("expected ErrDependencyCycle, got %v", err)
			}
			if !tt.wantErr && len(unknown) != tt.wantUnknown {
				t.Errorf("unknown = %v, want %d entries", unknown, tt.wantUnknown)
			}
		})
	}
}

func TestResolveDependencyOnlyTouchesQueued(t *testing.T) {
	s := newTestScheduler()
	a := newTask("a", 5, 5)
	a.Dependencies = []string{"x", "y"}
	b := newTask("b", 5, 5)
	b.Dependencies = []string{"y"}
	for _, task := range []*Task{a, b} {
		if err := s.AddTask(task); err != nil {
			t.Fatal(err)
		}
	}

	if n := s.ResolveDependency("y"); n != 2 {
		t.Errorf("ResolveDependency(y) = %d, want 2", n)
	}
	if len(a.Dependencies) != 1 || a.Dependencies[0] != "x" {
		t.Errorf("a.Dependencies = %v, want [x]", a.Dependencies)
	}
	if len(b.Dependencies) != 0 {
		t.Errorf("b.Dependencies = %v, want empty", b.Dependencies)
	}
	if n := s.ResolveDependency("nobody"); n != 0 {
		t.Errorf("ResolveDependency(nobody) = %d, want 0", n)
	}
}
