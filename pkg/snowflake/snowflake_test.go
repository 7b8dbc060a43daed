package snowflake

import (
	"testing"
	"time"
)

func TestNewValidatesNodeID(t *testing.T) {
	if _, err := New(-1); err != ErrInvalidNodeID {
		t.Fatalf("nodeID -1: %v", err)
	}
	if _, err := New(1024); err != ErrInvalidNodeID {
		t.Fatalf("nodeID 1024: %v", err)
	}
	if _, err := New(1023); err != nil {
		t.Fatalf("nodeID 1023: %v", err)
	}
}

func TestGenerateMonotonicUnique(t *testing.T) {
	g, err := New(5)
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[int64]struct{}, 10000)
	var last int64
	for i := 0; i < 10000; i++ {
		id := g.MustGenerate()
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = struct{}{}
		last = id
	}
}

func TestParseRoundTrip(t *testing.T) {
	g, err := New(42)
	if err != nil {
		t.Fatal(err)
	}
	before := time.Now().Add(-time.Second)
	id := g.MustGenerate()

	ts, nodeID, _ := Parse(id)
	if nodeID != 42 {
		t.Fatalf("node id = %d, want 42", nodeID)
	}
	got := time.UnixMilli(ts)
	if got.Before(before) || got.After(time.Now().Add(time.Second)) {
		t.Fatalf("timestamp %v outside generation window", got)
	}
	if !Time(id).Equal(got) {
		t.Fatal("Time and Parse disagree")
	}
}

func TestConcurrentGeneration(t *testing.T) {
	g, err := New(1)
	if err != nil {
		t.Fatal(err)
	}

	const workers, perWorker = 8, 500
	ids := make(chan int64, workers*perWorker)
	for w := 0; w < workers; w++ {
		go func() {
			for i := 0; i < perWorker; i++ {
				ids <- g.MustGenerate()
			}
		}()
	}

	seen := make(map[int64]struct{}, workers*perWorker)
	for i := 0; i < workers*perWorker; i++ {
		id := <-ids
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = struct{}{}
	}
}
