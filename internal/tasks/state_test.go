package tasks

import "testing"

func newTestState() *State {
	return NewState("CREATE", "SUBMIT", "UPLOAD", "LINK")
}

func TestTransitions(t *testing.T) {
	s := newTestState()

	s = s.Start("CREATE")
	if task, _ := s.Task("CREATE"); task.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", task.Status)
	}

	s = s.Complete("CREATE")
	if task, _ := s.Task("CREATE"); task.Status != StatusDone {
		t.Fatalf("expected DONE, got %s", task.Status)
	}

	s = s.Start("SUBMIT")
	s = s.Fail("SUBMIT", "node unreachable")
	task, _ := s.Task("SUBMIT")
	if task.Status != StatusError {
		t.Fatalf("expected ERROR, got %s", task.Status)
	}
	if task.Message != "node unreachable" {
		t.Fatalf("expected failure message, got %q", task.Message)
	}
}

func TestSnapshotsAreImmutable(t *testing.T) {
	s := newTestState()
	started := s.Start("CREATE")

	if task, _ := s.Task("CREATE"); task.Status != StatusIdle {
		t.Fatalf("original snapshot mutated: %s", task.Status)
	}
	if task, _ := started.Task("CREATE"); task.Status != StatusPending {
		t.Fatalf("new snapshot missing transition: %s", task.Status)
	}
}

func TestIllegalTransitionPanics(t *testing.T) {
	cases := []struct {
		name string
		fn   func(*State)
	}{
		{"complete from idle", func(s *State) { s.Complete("CREATE") }},
		{"fail from idle", func(s *State) { s.Fail("CREATE", "x") }},
		{"start from done", func(s *State) { s.Start("CREATE").Complete("CREATE").Start("CREATE") }},
		{"unknown task", func(s *State) { s.Start("NOPE") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			tc.fn(newTestState())
		})
	}
}

func TestProgress(t *testing.T) {
	s := newTestState()
	if got := s.Progress(); got != 0 {
		t.Fatalf("fresh state progress = %d, want 0", got)
	}

	s = s.Start("CREATE")
	if got := s.Progress(); got != 13 {
		t.Fatalf("one pending of four = %d, want 13", got)
	}

	s = s.Complete("CREATE")
	if got := s.Progress(); got != 25 {
		t.Fatalf("one done of four = %d, want 25", got)
	}

	s = s.Start("SUBMIT").Complete("SUBMIT")
	s = s.Start("UPLOAD").Complete("UPLOAD")
	s = s.Start("LINK")
	if got := s.Progress(); got != 88 {
		t.Fatalf("three done one pending = %d, want 88", got)
	}

	s = s.Complete("LINK")
	if got := s.Progress(); got != 100 {
		t.Fatalf("all done = %d, want 100", got)
	}
}

func TestProgressIgnoresErrors(t *testing.T) {
	s := NewState("A", "B")
	s = s.Start("A").Complete("A")
	s = s.Start("B").Fail("B", "boom")
	if got := s.Progress(); got != 50 {
		t.Fatalf("one done one failed = %d, want 50", got)
	}
}

func TestReset(t *testing.T) {
	s := newTestState()
	s = s.Start("CREATE").Complete("CREATE")
	s = s.Start("SUBMIT").Fail("SUBMIT", "boom")

	s = s.Reset()
	for _, task := range s.Tasks() {
		if task.Status != StatusIdle {
			t.Fatalf("task %s not reset: %s", task.Name, task.Status)
		}
		if task.Message != "" {
			t.Fatalf("task %s kept message %q", task.Name, task.Message)
		}
	}
	if got := s.Progress(); got != 0 {
		t.Fatalf("reset progress = %d, want 0", got)
	}
}

func TestTasksKeepDeclaredOrder(t *testing.T) {
	s := newTestState()
	s = s.Start("LINK")

	want := []string{"CREATE", "SUBMIT", "UPLOAD", "LINK"}
	got := s.Tasks()
	if len(got) != len(want) {
		t.Fatalf("got %d tasks, want %d", len(got), len(want))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Fatalf("task %d = %s, want %s", i, got[i].Name, name)
		}
	}
}

func TestDuplicateTaskPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	NewState("A", "A")
}
