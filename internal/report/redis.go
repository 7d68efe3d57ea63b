package report

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/haatos/patchtest/internal/service"
)

const DefaultChannel = "patchtest.runs"

// Publisher is implemented by *redis.Client.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisSink publishes every outcome as JSON on a channel.
type RedisSink struct {
	client  Publisher
	channel string
}

func NewRedisSink(client Publisher, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Deliver(ctx context.Context, o service.Outcome) error {
	payload, err := json.Marshal(NewMessage(o))
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, string(payload)).Err(); err != nil {
		return fmt.Errorf("publishing test run %d: %w", o.Run.TestRunID, err)
	}
	return nil
}
