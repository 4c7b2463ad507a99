package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ltoc/collab/internal/logging"
)

// Bus fans publishes out to every relay instance that has subscribers for a
// topic. The hub subscribes a topic on the bus when it gets its first local
// subscriber and unsubscribes when the last one leaves.
type Bus interface {
	Subscribe(ctx context.Context, topic string, deliver func(payload []byte)) error
	Unsubscribe(topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

var ErrBusClosed = errors.New("signaling: bus closed")

// LocalBus delivers in process, for a single relay instance.
type LocalBus struct {
	mu     sync.RWMutex
	topics map[string]func([]byte)
	closed bool
}

func NewLocalBus() *LocalBus {
	return &LocalBus{topics: make(map[string]func([]byte))}
}

func (b *LocalBus) Subscribe(_ context.Context, topic string, deliver func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.topics[topic] = deliver
	return nil
}

func (b *LocalBus) Unsubscribe(topic string) error {
	b.mu.Lock()
	delete(b.topics, topic)
	b.mu.Unlock()
	return nil
}

func (b *LocalBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	deliver := b.topics[topic]
	b.mu.RUnlock()
	if deliver != nil {
		deliver(payload)
	}
	return nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.topics = make(map[string]func([]byte))
	b.mu.Unlock()
	return nil
}

// RedisBus relays through Redis pub/sub so several instances behind a load
// balancer serve the same rooms. Each topic maps to channel prefix+topic.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	owned  bool

	mu     sync.Mutex
	subs   map[string]*redisSub
	closed bool
}

type redisSub struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisBus connects to redisURL and owns the resulting client.
func NewRedisBus(redisURL string, logger *zap.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	bus := NewRedisBusWithClient(client, logger)
	bus.owned = true
	return bus, nil
}

// NewRedisBusWithClient uses an existing client; Close leaves it open.
func NewRedisBusWithClient(client *redis.Client, logger *zap.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		prefix: "signal:",
		logger: logging.OrNop(logger),
		subs:   make(map[string]*redisSub),
	}
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + topic
}

// Subscribe returns once Redis has confirmed the subscription, so a publish
// issued afterwards from any instance reaches deliver.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, deliver func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if _, ok := b.subs[topic]; ok {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	sub := &redisSub{pubsub: pubsub, done: make(chan struct{})}
	b.subs[topic] = sub
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			deliver([]byte(msg.Payload))
		}
	}()
	return nil
}

func (b *RedisBus) Unsubscribe(topic string) error {
	b.mu.Lock()
	sub, ok := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	err := sub.pubsub.Close()
	<-sub.done
	if err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*redisSub)
	b.mu.Unlock()

	for topic, sub := range subs {
		if err := sub.pubsub.Close(); err != nil {
			b.logger.Debug("signaling: close redis subscription", zap.String("topic", topic), zap.Error(err))
		}
		<-sub.done
	}
	if b.owned {
		return b.client.Close()
	}
	return nil
}
