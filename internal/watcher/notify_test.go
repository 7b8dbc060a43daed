package watcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisNotifierPublishes(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "hypha:governance:events")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatal(err)
	}

	n := NewRedisNotifier(client, "")
	if err := n.ProposalExecuted(ctx, 42); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-sub.Channel():
		var got notification
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatal(err)
		}
		if got.Event != "proposal.executed" || got.ProposalID != 42 {
			t.Fatalf("notification = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}
}

func TestRedisNotifierMemberJoined(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "custom:events")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatal(err)
	}

	n := NewRedisNotifier(client, "custom:events")
	if err := n.MemberJoined(ctx, 3, "0xmember"); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-sub.Channel():
		var got notification
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatal(err)
		}
		if got.Event != "member.joined" || got.SpaceID != 3 || got.Member != "0xmember" {
			t.Fatalf("notification = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}
}
