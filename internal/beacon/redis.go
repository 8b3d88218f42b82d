package beacon

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/PratikDhanave/rum-correlator/internal/correlator"
)

// DefaultStream is the stream records are appended to.
const DefaultStream = "rum:interactions"

// RedisPublisher appends records to a Redis stream, one entry per record.
type RedisPublisher struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisPublisher returns a publisher writing to stream through client.
// A positive maxLen caps the stream approximately.
func NewRedisPublisher(client redis.Cmdable, stream string, maxLen int64) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

// NewRedisClient opens a client for addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Publish appends recs for tenantID in a single pipeline.
func (p *RedisPublisher) Publish(ctx context.Context, tenantID string, recs []correlator.Record) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range recs {
			body, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encode record %s: %w", r.ID, err)
			}
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: p.stream,
				MaxLen: p.maxLen,
				Approx: p.maxLen > 0,
				Values: map[string]any{
					"tenant_id": tenantID,
					"record_id": string(r.ID),
					"type":      string(r.Type),
					"record":    body,
				},
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
