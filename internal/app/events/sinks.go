package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/storage"
)

// JournalSink appends events to an EventStore.
type JournalSink struct {
	store storage.EventStore
}

// NewJournalSink wraps store.
func NewJournalSink(store storage.EventStore) *JournalSink {
	return &JournalSink{store: store}
}

func (s *JournalSink) Name() string { return "journal" }

func (s *JournalSink) Handle(ctx context.Context, evt domain.Event) error {
	return s.store.AppendEvent(ctx, evt)
}

// Publisher is the part of a Redis client the sink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes JSON-encoded events on a Redis channel.
type RedisSink struct {
	client  Publisher
	channel string
}

// NewRedisSink publishes to "raffle:<raffleID>:events".
func NewRedisSink(client Publisher, raffleID string) (*RedisSink, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisSink{client: client, channel: Channel(raffleID)}, nil
}

// Channel names the pub/sub channel of a raffle.
func Channel(raffleID string) string {
	return fmt.Sprintf("raffle:%s:events", raffleID)
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Handle(ctx context.Context, evt domain.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", s.channel, err)
	}
	return nil
}
