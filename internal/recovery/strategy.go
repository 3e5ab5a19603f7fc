package recovery

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/aristath/agentpool/internal/config"
)

// Action is one step a strategy may take to recover from a failure.
type Action int

const (
	// ActionRetry leaves the retry to the caller and never counts as recovered.
	ActionRetry Action = iota
	ActionRollback
	ActionResetAgent
	ActionRestoreState
	ActionSkip
	ActionEscalate
)

var actionNames = map[Action]string{
	ActionRetry:        "retry",
	ActionRollback:     "rollback",
	ActionResetAgent:   "reset_agent",
	ActionRestoreState: "restore_state",
	ActionSkip:         "skip",
	ActionEscalate:     "escalate",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseAction converts an action name such as "reset_agent".
func ParseAction(name string) (Action, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for action, n := range actionNames {
		if n == name {
			return action, nil
		}
	}
	return 0, fmt.Errorf("unknown recovery action %q", name)
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Handler is a custom recovery hook tried before a strategy's actions.
// Returning true marks the failure as recovered.
type Handler func(ctx context.Context, err error, fc FailureContext) bool

// DefaultEscalationThreshold is the failure count per operation type at
// which an unrecovered failure is escalated.
const DefaultEscalationThreshold = 5

// GenericStrategy is the catch-all strategy; it always matches last.
const GenericStrategy = "generic_failure"

// Strategy maps an error pattern to an ordered list of recovery actions.
type Strategy struct {
	Name                string
	Pattern             *regexp.Regexp
	MaxRetries          int
	RetryDelay          time.Duration
	Actions             []Action
	EscalationThreshold int
	Handler             Handler
}

// NewStrategy compiles pattern case-insensitively. A nil action list
// defaults to retry then rollback.
func NewStrategy(name, pattern string, maxRetries int, delay time.Duration, actions ...Action) (*Strategy, error) {
	if name == "" {
		return nil, fmt.Errorf("strategy name is required")
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: bad pattern: %w", name, err)
	}
	if len(actions) == 0 {
		actions = []Action{ActionRetry, ActionRollback}
	}
	return &Strategy{
		Name:                name,
		Pattern:             re,
		MaxRetries:          maxRetries,
		RetryDelay:          delay,
		Actions:             actions,
		EscalationThreshold: DefaultEscalationThreshold,
	}, nil
}

// StrategyFromConfig builds a strategy from its config entry.
func StrategyFromConfig(name string, sc config.StrategyConfig) (*Strategy, error) {
	actions := make([]Action, 0, len(sc.Actions))
	for _, a := range sc.Actions {
		action, err := ParseAction(a)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", name, err)
		}
		actions = append(actions, action)
	}
	s, err := NewStrategy(name, sc.Pattern, sc.MaxRetries, sc.RetryDelay.D(), actions...)
	if err != nil {
		return nil, err
	}
	if sc.EscalationThreshold > 0 {
		s.EscalationThreshold = sc.EscalationThreshold
	}
	return s, nil
}

// Matches reports whether the error message matches the strategy pattern.
func (s *Strategy) Matches(message string) bool {
	return s.Pattern.MatchString(message)
}

func (s *Strategy) clone() *Strategy {
	out := *s
	out.Actions = append([]Action(nil), s.Actions...)
	return &out
}

func mustStrategy(name, pattern string, maxRetries int, delay time.Duration, actions ...Action) *Strategy {
	s, err := NewStrategy(name, pattern, maxRetries, delay, actions...)
	if err != nil {
		panic(err)
	}
	return s
}

// builtinStrategies returns the default strategies in match order.
func builtinStrategies() []*Strategy {
	return []*Strategy{
		mustStrategy("task_timeout", `timed? ?out|timeout`, 2, 5*time.Second, ActionRetry, ActionResetAgent),
		mustStrategy("agent_error", `agent.*error|agent.*fail`, 3, 2*time.Second, ActionResetAgent, ActionRetry),
		mustStrategy("git_conflict", `merge conflict|conflict.*merge`, 1, time.Second, ActionRollback, ActionEscalate),
		mustStrategy("git_error", `git.*error|fatal:.*git`, 2, time.Second, ActionRestoreState, ActionRetry),
		mustStrategy("resource_exhaustion", `memory|disk.*full|no.*space|resource.*limit`, 1, time.Second, ActionSkip, ActionEscalate),
		mustStrategy(GenericStrategy, `.*`, 1, time.Second, ActionRetry, ActionRollback),
	}
}

// RegisterStrategy adds a strategy, or replaces the one with the same name
// in place. New strategies match after the existing ones but before the
// generic catch-all.
func (e *Engine) RegisterStrategy(s *Strategy) error {
	if s == nil || s.Pattern == nil || s.Name == "" {
		return fmt.Errorf("invalid strategy")
	}
	if s.EscalationThreshold <= 0 {
		s.EscalationThreshold = DefaultEscalationThreshold
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, existing := range e.strategies {
		if existing.Name == s.Name {
			e.strategies[i] = s
			return nil
		}
	}

	idx := len(e.strategies)
	for i, existing := range e.strategies {
		if existing.Name == GenericStrategy {
			idx = i
			break
		}
	}
	e.strategies = append(e.strategies, nil)
	copy(e.strategies[idx+1:], e.strategies[idx:])
	e.strategies[idx] = s
	return nil
}

// RegisterConfigStrategies registers configured strategies sorted by name.
func (e *Engine) RegisterConfigStrategies(strategies map[string]config.StrategyConfig) error {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s, err := StrategyFromConfig(name, strategies[name])
		if err != nil {
			return err
		}
		if err := e.RegisterStrategy(s); err != nil {
			return err
		}
	}
	return nil
}

// Strategies returns copies of the strategies in match order.
func (e *Engine) Strategies() []*Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Strategy, len(e.strategies))
	for i, s := range e.strategies {
		out[i] = s.clone()
	}
	return out
}

// FindStrategy returns the first strategy matching the message. The generic
// strategy is only consulted after every specific one.
func (e *Engine) FindStrategy(message string) *Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.findStrategyLocked(message)
}

func (e *Engine) findStrategyLocked(message string) *Strategy {
	var generic *Strategy
	for _, s := range e.strategies {
		if s.Name == GenericStrategy {
			generic = s
			continue
		}
		if s.Matches(message) {
			return s
		}
	}
	return generic
}
