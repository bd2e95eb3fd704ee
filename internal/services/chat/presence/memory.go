package presence

import (
	"context"
	"sync"
)

const subscriberBuffer = 16

// MemoryChannel is an in-process Channel for single-instance deployments
// and tests. Slow subscribers miss events rather than blocking publishers.
type MemoryChannel struct {
	mu     sync.Mutex
	topics map[string]map[*memorySubscription]struct{}
}

// NewMemoryChannel creates an empty in-process channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{topics: make(map[string]map[*memorySubscription]struct{})}
}

// Publish delivers event to the topic's current subscribers.
func (c *MemoryChannel) Publish(topic string, event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.topics[topic] {
		select {
		case sub.events <- event:
		default:
		}
	}
}

// Subscribe registers a receiver on topic.
func (c *MemoryChannel) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{
		events:  make(chan Event, subscriberBuffer),
		channel: c,
		topic:   topic,
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	if c.topics[topic] == nil {
		c.topics[topic] = make(map[*memorySubscription]struct{})
	}
	c.topics[topic][sub] = struct{}{}
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (c *MemoryChannel) remove(sub *memorySubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.topics[sub.topic]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(c.topics, sub.topic)
	}
}

type memorySubscription struct {
	events  chan Event
	channel *MemoryChannel
	topic   string
	once    sync.Once
	done    chan struct{}
}

func (s *memorySubscription) Events() <-chan Event { return s.events }

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.channel.remove(s)
		close(s.done)
	})
}
