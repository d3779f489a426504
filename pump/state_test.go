package pump

import "testing"

func TestHandshakeStateTransitions(t *testing.T) {
	s := newHandshakeState()
	if s.IsHandshaking() {
		t.Fatalf("new state should not be handshaking")
	}

	s.SetHandshaking()
	if !s.IsHandshaking() {
		t.Fatalf("expected handshaking after SetHandshaking")
	}

	if !s.ClearHandshaking() {
		t.Fatalf("ClearHandshaking should report true when it was handshaking")
	}
	if s.IsHandshaking() {
		t.Fatalf("expected not handshaking after ClearHandshaking")
	}
	if s.ClearHandshaking() {
		t.Fatalf("ClearHandshaking should report false when it was already clear")
	}
}

func TestHandshakeStateDoingTasksExclusive(t *testing.T) {
	s := newHandshakeState()
	if !s.TrySetDoingTasks() {
		t.Fatalf("first TrySetDoingTasks should succeed")
	}
	if s.TrySetDoingTasks() {
		t.Fatalf("second TrySetDoingTasks should fail while still held")
	}
	s.ClearDoingTasks()
	if !s.TrySetDoingTasks() {
		t.Fatalf("TrySetDoingTasks should succeed again after ClearDoingTasks")
	}
}

func TestHandshakeStateDoingTasksSurvivesModeChange(t *testing.T) {
	s := newHandshakeState()
	if !s.TrySetDoingTasks() {
		t.Fatalf("TrySetDoingTasks should succeed")
	}
	s.SetHandshaking()
	if !s.IsHandshaking() {
		t.Fatalf("expected handshaking")
	}
	// doingTasks must still be held; a racing TrySetDoingTasks must fail.
	if s.TrySetDoingTasks() {
		t.Fatalf("doingTasks bit should have survived the mode change")
	}
}
