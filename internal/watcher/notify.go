package watcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const governanceEventChannel = "hypha:governance:events"

// RedisNotifier publishes reconciliation notifications to a pub/sub
// channel for downstream delivery (push, email).
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier creates the notifier.
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = governanceEventChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

type notification struct {
	Event      string `json:"event"`
	ProposalID uint64 `json:"proposalId,omitempty"`
	SpaceID    uint64 `json:"spaceId,omitempty"`
	Member     string `json:"member,omitempty"`
}

func (n *RedisNotifier) publish(ctx context.Context, msg notification) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, n.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Event, err)
	}
	return nil
}

func (n *RedisNotifier) ProposalExecuted(ctx context.Context, proposalID uint64) error {
	return n.publish(ctx, notification{Event: "proposal.executed", ProposalID: proposalID})
}

func (n *RedisNotifier) ProposalRejected(ctx context.Context, proposalID uint64) error {
	return n.publish(ctx, notification{Event: "proposal.rejected", ProposalID: proposalID})
}

func (n *RedisNotifier) ProposalExpired(ctx context.Context, proposalID uint64) error {
	return n.publish(ctx, notification{Event: "proposal.expired", ProposalID: proposalID})
}

func (n *RedisNotifier) MemberJoined(ctx context.Context, spaceID uint64, member string) error {
	return n.publish(ctx, notification{Event: "member.joined", SpaceID: spaceID, Member: member})
}
