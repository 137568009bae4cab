package notify

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
)

// RedisSink appends events to a Redis stream so consumers that were offline
// can catch up.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisSink(client *redis.Client, stream string) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: 10000}
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":   e.ID,
			"type": e.Type,
			"body": string(body),
		},
	}).Err()
}
