package session

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe("sess-1", nil)

	bus.Publish(CollaborationEvent{Type: EventTaskQueued, SessionID: "sess-1"})

	select {
	case ev := <-ch:
		if ev.Type != EventTaskQueued {
			t.Errorf("expected task-queued, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive published event")
	}

	bus.Unsubscribe("sess-1", ch)
}

func TestPublishFiltersByType(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe("sess-1", []EventType{EventTaskCompleted})
	defer bus.Unsubscribe("sess-1", ch)

	bus.Publish(CollaborationEvent{Type: EventTaskQueued, SessionID: "sess-1"})
	bus.Publish(CollaborationEvent{Type: EventTaskCompleted, SessionID: "sess-1"})

	select {
	case ev := <-ch:
		if ev.Type != EventTaskCompleted {
			t.Errorf("expected only task-completed to pass the filter, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive the filtered event")
	}

	select {
	case ev := <-ch:
		t.Errorf("expected no further events, got %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishOnlyReachesMatchingSession(t *testing.T) {
	bus := NewEventBus()
	ch1 := bus.Subscribe("sess-1", nil)
	ch2 := bus.Subscribe("sess-2", nil)
	defer bus.Unsubscribe("sess-1", ch1)
	defer bus.Unsubscribe("sess-2", ch2)

	bus.Publish(CollaborationEvent{Type: EventTaskQueued, SessionID: "sess-1"})

	select {
	case <-ch2:
		t.Error("session-2 subscriber should not receive session-1 events")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatal("session-1 subscriber did not receive its event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe("sess-1", nil)
	bus.Unsubscribe("sess-1", ch)

	_, open := <-ch
	if open {
		t.Error("expected channel to be closed after Unsubscribe")
	}
}

func TestSessionEndedClosesAllSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch1 := bus.Subscribe("sess-1", nil)
	ch2 := bus.Subscribe("sess-1", []EventType{EventTaskCompleted})

	bus.Publish(CollaborationEvent{Type: EventSessionEnded, SessionID: "sess-1"})

	// ch1 has no type filter, so it receives the session-ended event
	// itself before the channel closes.
	select {
	case ev := <-ch1:
		if ev.Type != EventSessionEnded {
			t.Errorf("expected session-ended, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive the session-ended event on ch1")
	}
	if _, open := <-ch1; open {
		t.Error("expected ch1 to be closed after session end")
	}

	// ch2 filters to task-completed only, so session-ended never
	// matches, but the channel still closes once the session ends.
	if _, open := <-ch2; open {
		t.Error("expected ch2 to be closed on session end despite its type filter")
	}
}

func TestDroppedEventCountOnFullBuffer(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe("sess-1", nil)
	defer bus.Unsubscribe("sess-1", ch)

	for i := 0; i < subscriberBufferSize+maxBackpressureRetries+1; i++ {
		bus.Publish(CollaborationEvent{Type: EventTaskQueued, SessionID: "sess-1"})
	}

	if bus.DroppedEventCount() == 0 {
		t.Error("expected at least one dropped event once the subscriber buffer is overrun")
	}
}
