package events

import (
	"testing"
	"time"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeDispatch, map[string]any{"ok": true})

	select {
	case ev := <-ch:
		if ev.Type != TypeDispatch {
			t.Fatalf("event type = %q, want %q", ev.Type, TypeDispatch)
		}
		if ev.ID != 1 {
			t.Fatalf("event id = %d, want 1", ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestHubRingOverwritesOldest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeTCPCommand, nil)
	}

	snap := h.SnapshotSince(0)
	if len(snap) != 3 {
		t.Fatalf("snapshot size = %d, want 3", len(snap))
	}
	if snap[0].ID != 3 || snap[2].ID != 5 {
		t.Fatalf("snapshot ids = [%d..%d], want [3..5]", snap[0].ID, snap[2].ID)
	}
}

func TestHubSnapshotSince(t *testing.T) {
	h := NewHub(10)
	for i := 0; i < 4; i++ {
		h.Publish(TypeConfig, nil)
	}

	snap := h.SnapshotSince(2)
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}
	if snap[0].ID != 3 {
		t.Fatalf("first id = %d, want 3", snap[0].ID)
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(10)
	_, cancel := h.Subscribe() // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			h.Publish(TypeDispatch, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}
