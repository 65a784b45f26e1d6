package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "realtime:"

// RedisFeed fans change events out across server instances through Redis Pub/Sub.
// Each instance keeps one pattern subscription and dispatches what it receives
// to its local subscriptions.
type RedisFeed struct {
	rdb    *redis.Client
	ps     *redis.PubSub
	broker *Broker
	log    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisFeed subscribes to every realtime channel and starts the relay.
// It returns once Redis has confirmed the subscription.
func NewRedisFeed(ctx context.Context, rdb *redis.Client, log *slog.Logger) (*RedisFeed, error) {
	ps := rdb.PSubscribe(ctx, redisChannelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("feed: redis psubscribe: %w", err)
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	f := &RedisFeed{
		rdb:    rdb,
		ps:     ps,
		broker: NewBroker(defaultBufferSize),
		log:    log,
		cancel: cancel,
	}
	f.wg.Add(1)
	go f.relay(relayCtx)
	return f, nil
}

func (f *RedisFeed) relay(ctx context.Context) {
	defer f.wg.Done()
	for msg := range f.ps.Channel() {
		var ev ChangeEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			f.log.Warn("Error unmarshalling Redis change event", "channel", msg.Channel, "error", err)
			continue
		}
		if ev.Table == "" {
			ev.Table = strings.TrimPrefix(msg.Channel, redisChannelPrefix)
		}
		f.broker.Dispatch(ctx, ev)
	}
}

// Publish sends ev to the channel of its table.
func (f *RedisFeed) Publish(ctx context.Context, ev ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("feed: marshal event: %w", err)
	}
	if err := f.rdb.Publish(ctx, redisChannelPrefix+ev.Table, payload).Err(); err != nil {
		return fmt.Errorf("feed: redis publish: %w", err)
	}
	return nil
}

func (f *RedisFeed) Subscribe(filter Filter) *Subscription {
	return f.broker.Subscribe(filter)
}

// Close stops the relay and releases every local subscription.
// The Redis client itself is owned by the caller.
func (f *RedisFeed) Close() error {
	f.cancel()
	err := f.ps.Close()
	f.wg.Wait()
	_ = f.broker.Close()
	return err
}
