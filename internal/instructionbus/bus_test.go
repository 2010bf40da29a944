package instructionbus

import "testing"

func TestPushAndConsumeOnce(t *testing.T) {
	b := New()
	b.Push("agent-1", "stop what you're doing")
	b.Push("agent-1", "focus on the auth bug")

	got := b.Consume("agent-1")
	if len(got) != 2 {
		t.Fatalf("expected 2 instructions, got %d", len(got))
	}

	second := b.Consume("agent-1")
	if len(second) != 0 {
		t.Fatalf("expected empty on second consume, got %v", second)
	}
}

func TestConsumeUnknownKeyReturnsEmpty(t *testing.T) {
	b := New()
	if got := b.Consume("missing"); len(got) != 0 {
		t.Fatalf("expected empty, got %v", got)
	}
}

func TestHasPending(t *testing.T) {
	b := New()
	if b.HasPending("agent-1") {
		t.Fatal("expected no pending instructions initially")
	}
	b.Push("agent-1", "interject")
	if !b.HasPending("agent-1") {
		t.Fatal("expected pending instruction after push")
	}
	b.Consume("agent-1")
	if b.HasPending("agent-1") {
		t.Fatal("expected no pending instructions after consume")
	}
}

func TestKeysAreScopedIndependently(t *testing.T) {
	b := New()
	b.Push("workflow-1", "a")
	b.Push("workflow-2", "b")

	got1 := b.Consume("workflow-1")
	if len(got1) != 1 || got1[0] != "a" {
		t.Fatalf("unexpected workflow-1 instructions: %v", got1)
	}
	if !b.HasPending("workflow-2") {
		t.Fatal("expected workflow-2 instruction to remain pending")
	}
}
