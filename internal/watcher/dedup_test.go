package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryDedup(t *testing.T) {
	d := NewMemoryDedup()
	ctx := context.Background()

	// Checking never marks: an unmarked pair stays fresh.
	for i := 0; i < 2; i++ {
		seen, err := d.Seen(ctx, "0xabc", "ProposalExecuted")
		if err != nil || seen {
			t.Fatalf("unmarked pair check %d: seen=%v err=%v", i, seen, err)
		}
	}

	if err := d.Mark(ctx, "0xabc", "ProposalExecuted"); err != nil {
		t.Fatal(err)
	}
	seen, err := d.Seen(ctx, "0xabc", "ProposalExecuted")
	if err != nil || !seen {
		t.Fatalf("marked pair: seen=%v err=%v", seen, err)
	}
	// Same transaction, different event kind is a distinct delivery.
	seen, err = d.Seen(ctx, "0xabc", "ProposalRejected")
	if err != nil || seen {
		t.Fatalf("different event: seen=%v err=%v", seen, err)
	}
}

func TestRedisDedup(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	d := NewRedisDedup(client, "", time.Minute)
	ctx := context.Background()

	seen, err := d.Seen(ctx, "0xdef", "MemberJoined")
	if err != nil || seen {
		t.Fatalf("unmarked pair: seen=%v err=%v", seen, err)
	}
	if err := d.Mark(ctx, "0xdef", "MemberJoined"); err != nil {
		t.Fatal(err)
	}
	seen, err = d.Seen(ctx, "0xdef", "MemberJoined")
	if err != nil || !seen {
		t.Fatalf("marked pair: seen=%v err=%v", seen, err)
	}

	// The TTL bounds the set: once expired, the pair is fresh again.
	mr.FastForward(2 * time.Minute)
	seen, err = d.Seen(ctx, "0xdef", "MemberJoined")
	if err != nil || seen {
		t.Fatalf("post-expiry check: seen=%v err=%v", seen, err)
	}
}
