package hub

import (
	"testing"
	"time"
)

func TestMailboxCreateAndComplete(t *testing.T) {
	m := NewMailbox(time.Hour)
	defer m.Close()

	entry := m.Create("msg-1", "outputA", "cb-1")
	if entry.Status != "pending" {
		t.Fatalf("expected pending, got %s", entry.Status)
	}

	m.MarkProcessing("msg-1")
	if e, _ := m.GetByMessageID("msg-1"); e.Status != "processing" {
		t.Fatalf("expected processing, got %s", e.Status)
	}

	m.Complete("msg-1", "done")
	e, ok := m.GetByMessageID("msg-1")
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if e.Status != "completed" || e.Result != "done" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestMailboxGetByCallbackID(t *testing.T) {
	m := NewMailbox(time.Hour)
	defer m.Close()

	m.Create("msg-2", "outputA", "cb-2")
	e, ok := m.GetByCallbackID("cb-2")
	if !ok {
		t.Fatal("expected entry found by callback id")
	}
	if e.ID != "msg-2" {
		t.Fatalf("expected msg-2, got %s", e.ID)
	}
}

func TestMailboxFailNeverPanics(t *testing.T) {
	m := NewMailbox(time.Hour)
	defer m.Close()

	m.Create("msg-3", "outputA", "")
	m.Fail("msg-3", "boom")
	e, _ := m.GetByMessageID("msg-3")
	if e.Status != "failed" || e.Error != "boom" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestMailboxEvictExpired(t *testing.T) {
	m := NewMailbox(time.Millisecond)
	defer m.Close()

	m.Create("msg-4", "outputA", "")
	m.Complete("msg-4", nil)
	time.Sleep(5 * time.Millisecond)
	m.evictExpired()

	if _, ok := m.GetByMessageID("msg-4"); ok {
		t.Fatal("expected entry to be evicted")
	}
}
