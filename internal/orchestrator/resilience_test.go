package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/agentpool/internal/config"
	"github.com/aristath/agentpool/internal/logging"
)

func TestBreakerRegistryTripsPerAgent(t *testing.T) {
	reg := NewBreakerRegistry(config.BreakerConfig{
		ConsecutiveFailures: 3,
		OpenTimeout:         config.Duration(time.Hour),
	}, logging.Discard())

	fail := func() (interface{}, error) { return nil, errTaskFailed }
	for i := 0; i < 3; i++ {
		reg.Get("agent-a").Execute(fail)
	}

	if !reg.Open("agent-a") {
		t.Fatal("agent-a breaker should be open after 3 failures")
	}
	if reg.Open("agent-b") {
		t.Error("agent-b breaker should be unaffected")
	}
	if _, err := reg.Get("agent-a").Execute(func() (interface{}, error) { return nil, nil }); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("err = %v, want ErrOpenState", err)
	}

	reg.Forget("agent-a")
	if reg.Open("agent-a") {
		t.Error("forgotten breaker should start closed")
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	reg := NewBreakerRegistry(config.BreakerConfig{ConsecutiveFailures: 1}, logging.Discard())
	reg.Get("agent-a").Execute(func() (interface{}, error) { return nil, context.Canceled })
	if reg.Open("agent-a") {
		t.Error("a cancelled run must not trip the breaker")
	}
}

func TestBreakerRegistryDefaults(t *testing.T) {
	reg := NewBreakerRegistry(config.BreakerConfig{}, logging.Discard())
	if reg.cfg.ConsecutiveFailures != 5 {
		t.Errorf("ConsecutiveFailures = %d, want 5", reg.cfg.ConsecutiveFailures)
	}
	if reg.cfg.OpenTimeout.D() != 30*time.Second {
		t.Errorf("OpenTimeout = %v, want 30s", reg.cfg.OpenTimeout.D())
	}
}

func TestNewBackOffSchedule(t *testing.T) {
	cfg := config.RetryConfig{
		InitialInterval: config.Duration(time.Second),
		Multiplier:      2,
		MaxInterval:     config.Duration(3 * time.Second),
	}
	b := newBackOff(context.Background(), cfg, 4)

	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second, backoff.Stop}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("interval %d = %v, want %v", i, got, w)
		}
	}
}

func TestNewBackOffStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := newBackOff(ctx, config.RetryConfig{InitialInterval: config.Duration(time.Second), Multiplier: 2, MaxInterval: config.Duration(time.Minute)}, 10)
	if got := b.NextBackOff(); got != backoff.Stop {
		t.Errorf("NextBackOff = %v, want Stop", got)
	}
}
