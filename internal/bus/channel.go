// Package bus moves governance events between Kestrel components.
// Model promotions, experiment lifecycle changes, loan outcomes and
// significance alerts are all published per tenant, so a consumer of
// one tenant's outcome stream never sees another tenant's events.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-credit/kestrel/internal/domain"
)

// ChannelBus is the in-process event bus used by the Community tier.
// Every governance event fans out to all subscribers registered for
// the publishing tenant's topic.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	// tenant -> topic -> subscribers
	tenants map[string]map[string][]*channelSubscription
	dropped atomic.Int64
	closed  bool
}

type channelSubscription struct {
	id       string
	tenantID string
	topic    string
	handler  domain.MessageHandler
	inbox    chan *domain.Message
	cancel   context.CancelFunc
	owner    *ChannelBus
}

// NewChannelBus creates an in-process event bus. bufferSize bounds the
// per-subscriber inbox; outcome streams can burst, so undersizing it
// drops events for slow consumers.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		tenants:    make(map[string]map[string][]*channelSubscription),
	}
}

func newEvent(tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}

// Publish fans a governance event out to every subscriber on the
// tenant's topic. Delivery is non-blocking: a subscriber whose inbox
// is full misses the event and the drop counter moves instead.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}
	subs := b.tenants[tenantID][topic]
	b.mu.RUnlock()

	msg := newEvent(tenantID, topic, payload)
	for _, sub := range subs {
		select {
		case sub.inbox <- msg:
		default:
			b.dropped.Add(1)
		}
	}

	return nil
}

// Subscribe registers a handler for one tenant's topic. The handler
// runs on a dedicated goroutine until Unsubscribe or bus close.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:       uuid.New().String(),
		tenantID: tenantID,
		topic:    topic,
		handler:  handler,
		inbox:    make(chan *domain.Message, b.bufferSize),
		cancel:   cancel,
		owner:    b,
	}

	topics, ok := b.tenants[tenantID]
	if !ok {
		topics = make(map[string][]*channelSubscription)
		b.tenants[tenantID] = topics
	}
	topics[topic] = append(topics[topic], sub)

	go sub.deliver(subCtx)

	return sub, nil
}

func (s *channelSubscription) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.inbox:
			if msg != nil {
				_ = s.handler(ctx, msg)
			}
		}
	}
}

// remove detaches a subscription from the registry, pruning empty
// topic and tenant entries so idle tenants cost nothing.
func (b *ChannelBus) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topics, ok := b.tenants[sub.tenantID]
	if !ok {
		return
	}
	subs := topics[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(topics, sub.topic)
	} else {
		topics[sub.topic] = subs
	}
	if len(topics) == 0 {
		delete(b.tenants, sub.tenantID)
	}
}

// Request publishes a message and waits for a single reply on a
// per-request reply topic.
func (b *ChannelBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	replyCh := make(chan []byte, 1)
	replyTopic := topic + ".reply." + uuid.New().String()

	sub, err := b.Subscribe(ctx, tenantID, replyTopic, func(ctx context.Context, msg *domain.Message) error {
		select {
		case replyCh <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, tenantID, topic, payload); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(30 * time.Second):
		return nil, fmt.Errorf("request timeout")
	}
}

// Ping reports whether the bus accepts publishes.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Dropped returns how many events were discarded because a
// subscriber's inbox was full.
func (b *ChannelBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close cancels every subscription and rejects further publishes.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, topics := range b.tenants {
		for _, subs := range topics {
			for _, sub := range subs {
				sub.cancel()
				close(sub.inbox)
			}
		}
	}
	b.tenants = make(map[string]map[string][]*channelSubscription)

	return nil
}

// Unsubscribe stops delivery and releases the subscription's slot in
// the registry.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.owner.remove(s)
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
