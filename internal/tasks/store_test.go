package tasks

import "testing"

func TestStoreNotifiesSubscribers(t *testing.T) {
	st := NewStore("A", "B")

	var seen []int
	cancel := st.Subscribe(func(s *State) {
		seen = append(seen, s.Progress())
	})

	st.Start("A")
	st.Complete("A")
	cancel()
	st.Start("B")

	want := []int{25, 50}
	if len(seen) != len(want) {
		t.Fatalf("got %d notifications, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("notification %d progress = %d, want %d", i, seen[i], want[i])
		}
	}
}

func TestStoreSnapshot(t *testing.T) {
	st := NewStore("A")
	snap := st.Snapshot()
	st.Start("A")

	if task, _ := snap.Task("A"); task.Status != StatusIdle {
		t.Fatalf("old snapshot mutated: %s", task.Status)
	}
	if task, _ := st.Snapshot().Task("A"); task.Status != StatusPending {
		t.Fatalf("store lost transition: %s", task.Status)
	}
}

func TestStoreReset(t *testing.T) {
	st := NewStore("A", "B")
	st.Start("A")
	st.Complete("A")
	st.Reset()

	for _, task := range st.Snapshot().Tasks() {
		if task.Status != StatusIdle {
			t.Fatalf("task %s not reset: %s", task.Name, task.Status)
		}
	}
}
