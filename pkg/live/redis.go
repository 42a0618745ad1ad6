package live

import (
	"context"
	"encoding/json"

	"chatstream/pkg/logger"

	"github.com/go-redis/redis/v8"
)

const channelPrefix = "chatstream:channel:"

// RedisBridge mirrors hub events across nodes through Redis pub/sub. Each
// node publishes its local events and re-injects events published by peers;
// the Node field on events prevents echo loops.
type RedisBridge struct {
	rdb    *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRedisBridge connects to Redis and verifies the connection.
func NewRedisBridge(addr, password string, db int) (*RedisBridge, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithCancel(context.Background())
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		_ = rdb.Close()
		return nil, err
	}
	logger.Info("redis_bridge_connected", "addr", addr)
	return &RedisBridge{rdb: rdb, ctx: ctx, cancel: cancel}, nil
}

// Forward publishes a locally originated event to the channel's topic.
func (b *RedisBridge) Forward(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("redis_forward_marshal_failed", "error", err)
		return
	}
	if err := b.rdb.Publish(b.ctx, channelPrefix+ev.Msg.Channel, payload).Err(); err != nil {
		logger.Error("redis_forward_failed", "channel", ev.Msg.Channel, "error", err)
	}
}

// Run subscribes to all channel topics and injects peer events into the
// hub until Stop is called. Reconnection is handled by the redis client.
func (b *RedisBridge) Run(hub *Hub) {
	pubsub := b.rdb.PSubscribe(b.ctx, channelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(b.ctx); err != nil {
		logger.Error("redis_subscribe_failed", "error", err)
		return
	}
	logger.Info("redis_bridge_subscribed", "pattern", channelPrefix+"*")

	for msg := range pubsub.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			logger.Error("redis_event_unmarshal_failed", "topic", msg.Channel, "error", err)
			continue
		}
		hub.Inject(ev)
	}
	logger.Info("redis_bridge_stopped")
}

// Stop terminates the bridge and closes the connection.
func (b *RedisBridge) Stop() {
	b.cancel()
	_ = b.rdb.Close()
}
