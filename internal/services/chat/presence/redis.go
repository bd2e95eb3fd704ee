package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix      = "tsupport:presence:"
	redisPublishQueue   = 256
	redisPublishTimeout = 2 * time.Second
)

// RedisConfig configures the presence Redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// OpenRedis connects to Redis and verifies the connection with PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

type outbound struct {
	channel string
	payload []byte
}

// RedisChannel fans presence events across service instances through
// Redis Pub/Sub. Publish enqueues onto a bounded queue drained by one
// goroutine, so a slow Redis drops signals instead of stalling senders.
type RedisChannel struct {
	client *redis.Client
	queue  chan outbound
	logf   func(string, ...any)
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRedisChannel starts the publisher loop. Close stops it.
func NewRedisChannel(client *redis.Client, logf func(string, ...any)) *RedisChannel {
	if logf == nil {
		logf = log.Printf
	}
	c := &RedisChannel{
		client: client,
		queue:  make(chan outbound, redisPublishQueue),
		logf:   logf,
		stop:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.publishLoop()
	return c
}

// Publish enqueues event; it drops the event when the queue is full.
func (c *RedisChannel) Publish(topic string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		c.logf("presence: encode event topic=%q err=%v", topic, err)
		return
	}
	select {
	case <-c.stop:
	case c.queue <- outbound{channel: redisKeyPrefix + topic, payload: payload}:
	default:
		c.logf("presence: publish queue full, dropping topic=%q", topic)
	}
}

// Subscribe receives events published on topic by any instance.
func (c *RedisChannel) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := c.client.Subscribe(ctx, redisKeyPrefix+topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe presence topic %q: %w", topic, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan Event, subscriberBuffer),
		done:   make(chan struct{}),
	}
	go sub.run(ctx, c.logf)
	return sub, nil
}

// Close stops the publisher loop; queued events are discarded.
func (c *RedisChannel) Close() {
	c.once.Do(func() {
		close(c.stop)
	})
	c.wg.Wait()
}

func (c *RedisChannel) publishLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case msg := <-c.queue:
			ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
			if err := c.client.Publish(ctx, msg.channel, msg.payload).Err(); err != nil {
				c.logf("presence: publish channel=%q err=%v", msg.channel, err)
			}
			cancel()
		}
	}
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Events() <-chan Event { return s.events }

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.pubsub.Close()
	})
}

func (s *redisSubscription) run(ctx context.Context, logf func(string, ...any)) {
	messages := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logf("presence: decode event channel=%q err=%v", msg.Channel, err)
				continue
			}
			select {
			case s.events <- event:
			default:
			}
		}
	}
}
