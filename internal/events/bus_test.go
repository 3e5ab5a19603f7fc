package events

import (
	"sync"
	"testing"
	"time"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	bus.Publish(TaskStartedEvent{ID: "task-1", AgentID: "agent-1", Timestamp: time.Now()})

	select {
	case received := <-ch:
		started, ok := received.(TaskStartedEvent)
		if !ok {
			t.Fatalf("expected TaskStartedEvent, got %T", received)
		}
		if started.ID != "task-1" {
			t.Errorf("expected task ID 'task-1', got '%s'", started.ID)
		}
		if received.EventType() != EventTypeTaskStarted {
			t.Errorf("expected event type '%s', got '%s'", EventTypeTaskStarted, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestTopicRouting verifies events only reach subscribers of their own topic.
func TestTopicRouting(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	tasks := bus.Subscribe(TopicTask, 10)
	agents := bus.Subscribe(TopicAgent, 10)

	bus.Publish(AgentStateEvent{AgentID: "agent-1", State: "idle"})

	select {
	case ev := <-agents:
		if ev.Topic() != TopicAgent {
			t.Errorf("unexpected topic %q", ev.Topic())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("agent subscriber did not receive event")
	}

	select {
	case ev := <-tasks:
		t.Errorf("task subscriber received %T", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

// TestSubscribeAll verifies cross-topic subscribers see everything.
func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(10)

	bus.Publish(TaskSubmittedEvent{ID: "t"})
	bus.Publish(PoolProgressEvent{Total: 1})
	bus.Publish(RecoveryEvent{OperationID: "op"})

	want := []string{EventTypeTaskSubmitted, EventTypePoolProgress, EventTypeRecovery}
	for i, w := range want {
		select {
		case ev := <-all:
			if ev.EventType() != w {
				t.Errorf("event %d: got %s, want %s", i, ev.EventType(), w)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("event %d: timeout", i)
		}
	}
}

// TestPublishNonBlocking verifies a full subscriber does not block publishers.
func TestPublishNonBlocking(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_ = bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(TaskCancelledEvent{ID: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if bus.Dropped() != 99 {
		t.Errorf("Dropped = %d, want 99", bus.Dropped())
	}
}

// TestCloseIdempotent verifies Close closes subscribers and can be repeated.
func TestCloseIdempotent(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicPool, 1)
	all := bus.SubscribeAll(1)

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("topic channel should be closed")
	}
	if _, ok := <-all; ok {
		t.Error("all channel should be closed")
	}

	late := bus.Subscribe(TopicPool, 1)
	if _, ok := <-late; ok {
		t.Error("subscribing after close should return a closed channel")
	}

	// Must not panic.
	bus.Publish(PoolProgressEvent{})
}

// TestConcurrentPublish exercises the bus under the race detector.
func TestConcurrentPublish(t *testing.T) {
	bus := NewBus()
	ch := bus.SubscribeAll(1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(TaskSubmittedEvent{ID: "t"})
			}
		}()
	}
	wg.Wait()
	bus.Close()

	count := 0
	for range ch {
		count++
	}
	if count != 500 {
		t.Errorf("received %d events, want 500", count)
	}
}

func TestNilBusPublish(t *testing.T) {
	var bus *Bus
	bus.Publish(TaskSubmittedEvent{ID: "t"})
}
