package server

import (
	"testing"
	"time"
)

func statusEvent(runID string) RunEvent {
	return RunEvent{Type: "status", Data: map[string]any{"run_id": runID, "state": "running"}}
}

func TestBroadcaster_SendAndSubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch, _, unsub := b.Subscribe()
	defer unsub()

	b.Send(statusEvent("run-1"))

	select {
	case ev := <-ch:
		if ev.Type != "status" || ev.Data["run_id"] != "run-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcaster_HistoryReplay(t *testing.T) {
	b := NewBroadcaster()

	// A client that connects mid-run must see the whole event trail.
	b.Send(statusEvent("run-1"))
	b.Send(RunEvent{Type: "tick", Data: map[string]any{"run_id": "run-1"}})

	ch, _, unsub := b.Subscribe()
	defer unsub()

	var types []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for replayed event")
		}
	}
	if types[0] != "status" || types[1] != "tick" {
		t.Fatalf("unexpected replay order: %v", types)
	}
}

func TestBroadcaster_MultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()

	ch1, _, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, _, unsub2 := b.Subscribe()
	defer unsub2()

	b.Send(RunEvent{Type: "complete", Data: map[string]any{"success": true}})

	for _, ch := range []<-chan RunEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != "complete" {
				t.Fatalf("unexpected event: %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event on subscriber")
		}
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster()

	ch, _, unsub := b.Subscribe()
	defer unsub()

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestBroadcaster_SubscribeAfterClose(t *testing.T) {
	b := NewBroadcaster()
	b.Send(statusEvent("run-1"))
	b.Close()

	// Subscribe after the run finished: history replay, then immediate close.
	ch, _, _ := b.Subscribe()

	var events []RunEvent
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) != 1 || events[0].Type != "status" {
		t.Fatalf("expected history replay on post-close subscribe, got: %v", events)
	}
}

func TestBroadcaster_History(t *testing.T) {
	b := NewBroadcaster()
	b.Send(RunEvent{Type: "tick"})
	b.Send(RunEvent{Type: "tick"})

	h := b.History()
	if len(h) != 2 {
		t.Fatalf("expected 2 events in history, got %d", len(h))
	}
}

func TestBroadcaster_SendAfterClose(t *testing.T) {
	b := NewBroadcaster()
	b.Close()
	// Should not panic.
	b.Send(RunEvent{Type: "tick"})
	if h := b.History(); len(h) != 0 {
		t.Fatalf("expected no events after close, got %d", len(h))
	}
}

func TestBroadcaster_HistoryReplayBeyondLiveBuffer(t *testing.T) {
	b := NewBroadcaster()

	// A long run accumulates more ticks than the live buffer headroom.
	for i := 0; i < 300; i++ {
		b.Send(RunEvent{Type: "tick", Data: map[string]any{"n": i}})
	}

	// Subscribe must not deadlock — the channel is sized to fit all history.
	done := make(chan struct{})
	go func() {
		ch, _, unsub := b.Subscribe()
		defer unsub()
		count := 0
		for range ch {
			count++
			if count == 300 {
				break
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe() deadlocked replaying a long run history")
	}
}

func TestBroadcaster_DoneChClosesOnlyOnRealClose(t *testing.T) {
	b := NewBroadcaster()
	_, doneCh, unsub := b.Subscribe()
	defer unsub()

	select {
	case <-doneCh:
		t.Fatal("doneCh closed before broadcaster.Close()")
	default:
	}

	b.Close()

	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("doneCh not closed after broadcaster.Close()")
	}
}

func TestBroadcaster_SlowClientDropDoesNotCloseDoneCh(t *testing.T) {
	b := NewBroadcaster()

	ch, doneCh, _ := b.Subscribe()

	// Fill the client's buffer without reading (history=0, so buffer=256).
	for i := 0; i < 256; i++ {
		b.Send(RunEvent{Type: "tick", Data: map[string]any{"n": i}})
	}

	// This send drops the slow client (channel full, not reading).
	b.Send(RunEvent{Type: "tick", Data: map[string]any{"n": 256}})

	// Drain ch to observe it's closed (dropped).
	for range ch {
	}

	// But doneCh must NOT be closed — the run itself is still alive.
	select {
	case <-doneCh:
		t.Fatal("doneCh closed on slow-client drop (should only close on broadcaster.Close)")
	default:
	}

	b.Close()
}
