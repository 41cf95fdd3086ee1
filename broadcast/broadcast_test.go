package broadcast

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_KeepsOrder(t *testing.T) {
	r := &Recorder{}
	require.NoError(t, r.Publish(context.Background(), Event{Kind: EventTransferCreated}))
	require.NoError(t, r.Publish(context.Background(), Event{Kind: EventTransferApproved}))
	assert.Equal(t, []EventKind{EventTransferCreated, EventTransferApproved}, r.Kinds())
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	assert.NoError(t, p.Publish(context.Background(), Event{Kind: EventItemChanged}))
}

// TestRedis_PublishesJSON needs a server; set INVENTORY_TEST_REDIS_ADDR.
func TestRedis_PublishesJSON(t *testing.T) {
	addr := os.Getenv("INVENTORY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("INVENTORY_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	channel := "inventory:events:test"
	sub := client.Subscribe(ctx, channel)
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pub := NewRedis(client, channel)
	require.NoError(t, pub.Publish(ctx, Event{Kind: EventOperationApplied, StoreNos: []int{1, 2}, Reference: "S1-261017-CLR-00-001"}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
	assert.Equal(t, EventOperationApplied, ev.Kind)
	assert.Equal(t, []int{1, 2}, ev.StoreNos)
	assert.False(t, ev.At.IsZero())
}
