package stream

import (
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	m := NewManager()
	client := m.Subscribe("m1", "c1")
	defer m.Unsubscribe("m1", "c1")

	m.PublishText("m1", "npm install\n", false)
	m.PublishText("m1", "added 12 packages\n", false)

	for _, want := range []string{"npm install\n", "added 12 packages\n"} {
		select {
		case chunk := <-client.Chunks:
			if chunk.Text != want {
				t.Errorf("chunk = %q, want %q", chunk.Text, want)
			}
		case <-time.After(time.Second):
			t.Fatal("chunk never delivered")
		}
	}
}

func TestLateSubscriberGetsReplay(t *testing.T) {
	m := NewManager()
	m.PublishText("m1", "early output\n", false)
	m.Complete("m1", "COMPLETED", "")

	client := m.Subscribe("m1", "late")
	defer m.Unsubscribe("m1", "late")

	select {
	case chunk := <-client.Chunks:
		if chunk.Text != "early output\n" {
			t.Errorf("replayed chunk = %q", chunk.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("no replayed chunk")
	}
	select {
	case completion := <-client.Complete:
		if completion.Status != "COMPLETED" {
			t.Errorf("completion status = %q", completion.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("no replayed completion")
	}
}

func TestStreamsAreIsolatedPerMission(t *testing.T) {
	m := NewManager()
	c1 := m.Subscribe("m1", "c1")
	c2 := m.Subscribe("m2", "c2")
	defer m.Unsubscribe("m1", "c1")
	defer m.Unsubscribe("m2", "c2")

	m.PublishText("m1", "only for m1\n", false)

	select {
	case <-c1.Chunks:
	case <-time.After(time.Second):
		t.Fatal("m1 subscriber starved")
	}
	select {
	case chunk := <-c2.Chunks:
		t.Fatalf("m2 subscriber received %q", chunk.Text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCleanupOldStreams(t *testing.T) {
	m := NewManager()
	m.PublishText("m1", "done\n", false)
	m.Complete("m1", "FAILED", "Step 1 failed.")

	m.CleanupOldStreams(0)

	m.mu.RLock()
	_, exists := m.streams["m1"]
	m.mu.RUnlock()
	if exists {
		t.Error("completed idle stream survived cleanup")
	}
}
