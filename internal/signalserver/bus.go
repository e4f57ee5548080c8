package signalserver

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

const fanoutChannel = "charlaton:signal:fanout"

// BusMessage carries one signaling envelope between server nodes.
// Origin identifies the publishing node so it can skip its own echo;
// every node delivers to its local sessions before publishing.
type BusMessage struct {
	Origin string          `json:"origin"`
	RoomID string          `json:"roomId"`
	Target string          `json:"target,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// Bus fans signaling envelopes out to the other server nodes.
type Bus interface {
	Publish(msg BusMessage) error
	Subscribe(handler func(BusMessage)) error
	Close() error
}

// MemoryBroker connects in-process buses. A single-node deployment
// uses one bus on one broker, which makes fanout a no-op.
type MemoryBroker struct {
	mu    sync.RWMutex
	buses []*memoryBus
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

// Bus hands out a node's connection to the broker.
func (b *MemoryBroker) Bus(nodeID string) Bus {
	bus := &memoryBus{broker: b, nodeID: nodeID}

	b.mu.Lock()
	b.buses = append(b.buses, bus)
	b.mu.Unlock()

	return bus
}

func (b *MemoryBroker) fanout(msg BusMessage) {
	b.mu.RLock()
	buses := make([]*memoryBus, len(b.buses))
	copy(buses, b.buses)
	b.mu.RUnlock()

	for _, bus := range buses {
		bus.deliver(msg)
	}
}

type memoryBus struct {
	broker *MemoryBroker
	nodeID string

	mu      sync.RWMutex
	handler func(BusMessage)
	closed  bool
}

func (b *memoryBus) Publish(msg BusMessage) error {
	b.broker.fanout(msg)
	return nil
}

func (b *memoryBus) Subscribe(handler func(BusMessage)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handler = handler
	return nil
}

func (b *memoryBus) deliver(msg BusMessage) {
	b.mu.RLock()
	handler := b.handler
	closed := b.closed
	b.mu.RUnlock()

	if closed || handler == nil || msg.Origin == b.nodeID {
		return
	}
	handler(msg)
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	return nil
}

// RedisBus fans out over redis pubsub so a room can span server
// nodes.
type RedisBus struct {
	nodeID string
	rdb    *redis.Client
	pubsub *redis.PubSub
}

func NewRedisBus(nodeID string, rdb *redis.Client) *RedisBus {
	return &RedisBus{nodeID: nodeID, rdb: rdb}
}

func (b *RedisBus) Publish(msg BusMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(context.Background(), fanoutChannel, data).Err()
}

func (b *RedisBus) Subscribe(handler func(BusMessage)) error {
	ctx := context.Background()
	pubsub := b.rdb.Subscribe(ctx, fanoutChannel)
	// Wait until the subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	b.pubsub = pubsub

	go func() {
		for raw := range pubsub.Channel() {
			var msg BusMessage
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				log.Warn().Err(err).Str("service", "signalserver").Msg("malformed fanout message")
				continue
			}
			if msg.Origin == b.nodeID {
				continue
			}
			handler(msg)
		}
	}()

	return nil
}

func (b *RedisBus) Close() error {
	if b.pubsub == nil {
		return nil
	}
	return b.pubsub.Close()
}
