package events

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"
)

// RedisSink publishes events on a pub/sub channel and keeps a capped list of
// the latest payloads for the notification screen.
type RedisSink struct {
	client  *redis.Client
	channel string
	listKey string
	keep    int64
}

func NewRedisSink(addr string, password string, db int, channel string) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if channel == "" {
		channel = "bunkerpos:events"
	}
	return &RedisSink{
		client:  client,
		channel: channel,
		listKey: channel + ":recent",
		keep:    200,
	}
}

func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

func (s *RedisSink) Deliver(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Publish(ctx, s.channel, payload)
	pipe.LPush(ctx, s.listKey, payload)
	pipe.LTrim(ctx, s.listKey, 0, s.keep-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisSink) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit < 1 || int64(limit) > s.keep {
		limit = int(s.keep)
	}
	vals, err := s.client.LRange(ctx, s.listKey, 0, int64(limit-1)).Result()
	if err == redis.Nil {
		return []Event{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(vals))
	for _, raw := range vals {
		var event Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			continue
		}
		out = append(out, event)
	}
	return out, nil
}
