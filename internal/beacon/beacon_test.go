package beacon

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/rum-correlator/internal/correlator"
)

func TestOutboxDrain(t *testing.T) {
	var o Outbox
	o.Emit(correlator.Record{ID: "a"})
	o.Emit(correlator.Record{ID: "b"})
	assert.Equal(t, 2, o.Len())

	got := o.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, correlator.EventID("a"), got[0].ID)
	assert.Equal(t, correlator.EventID("b"), got[1].ID)
	assert.Empty(t, o.Drain())
	assert.Equal(t, 0, o.Len())
}

func TestOutboxRequeueKeepsOrder(t *testing.T) {
	var o Outbox
	o.Emit(correlator.Record{ID: "a"})
	o.Emit(correlator.Record{ID: "b"})
	undelivered := o.Drain()
	o.Emit(correlator.Record{ID: "c"})

	o.Requeue(undelivered[1:])
	o.Requeue(nil)

	got := o.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, correlator.EventID("b"), got[0].ID)
	assert.Equal(t, correlator.EventID("c"), got[1].ID)
}

// TestRedisPublisher_Integration requires a running Redis at REDIS_ADDR.
func TestRedisPublisher_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := NewRedisClient(addr, "", 0)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := "rum:test:" + time.Now().Format("150405.000000")
	defer client.Del(context.Background(), stream)

	p := NewRedisPublisher(client, stream, 0)
	require.NoError(t, p.Ping(ctx))
	require.NoError(t, p.Publish(ctx, "tenant1", []correlator.Record{
		{ID: "r1", Type: correlator.RecordXHR, DurationMS: 12},
		{ID: "r2", Type: correlator.RecordClick},
	}))

	entries, err := client.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "tenant1", entries[0].Values["tenant_id"])
	assert.Equal(t, "r1", entries[0].Values["record_id"])

	var rec correlator.Record
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["record"].(string)), &rec))
	assert.Equal(t, int64(12), rec.DurationMS)
}

func TestRedisPublisherSkipsEmptyBatch(t *testing.T) {
	p := NewRedisPublisher(nil, "", 0)
	assert.Equal(t, DefaultStream, p.stream)
	assert.NoError(t, p.Publish(context.Background(), "t", nil))
}
