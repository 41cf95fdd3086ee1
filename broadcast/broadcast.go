/*
Package broadcast fans out change notifications to other terminals.

Events are advisory. They are published after the database transaction
commits, carry no state a receiver must trust, and a failed publish never
fails the write that caused it. Receivers re-read stock from the ledger.
*/
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel events go to.
const DefaultChannel = "inventory:events"

type EventKind string

const (
	EventTransactionRecorded    EventKind = "transaction.recorded"
	EventTransactionDeactivated EventKind = "transaction.deactivated"
	EventOperationApplied       EventKind = "operation.applied"
	EventOperationReversed      EventKind = "operation.reversed"
	EventTransferCreated        EventKind = "transfer.created"
	EventTransferApproved       EventKind = "transfer.approved"
	EventTransferDeclined       EventKind = "transfer.declined"
	EventItemChanged            EventKind = "item.changed"
)

type Event struct {
	Kind      EventKind `json:"kind"`
	StoreNos  []int     `json:"store_nos,omitempty"`
	ItemIDs   []string  `json:"item_ids,omitempty"`
	Reference string    `json:"reference,omitempty"`
	At        time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Noop drops every event. Used when Redis is not configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Redis publishes JSON events on a pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
}

func NewRedis(client *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Recorder keeps events in memory. Tests use it to assert fan-out.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, ev)
	return nil
}

// Kinds returns the recorded event kinds in order.
func (r *Recorder) Kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.Events))
	for i, ev := range r.Events {
		out[i] = ev.Kind
	}
	return out
}
