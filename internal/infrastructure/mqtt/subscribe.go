package mqtt

import (
	"fmt"
	"sync"
	"time"
)

// defaultQueueSize is used by SubscribeChan when the caller passes size <= 0.
const defaultQueueSize = 1024

// Message is one inbound transport message as delivered by SubscribeChan.
type Message struct {
	Topic    string
	Payload  []byte
	Received time.Time
}

// Subscribe registers a handler for messages on the specified topic.
//
// Topics can include MQTT wildcards:
//   - + (single-level): "bilprojekt72439/+/data"
//   - # (multi-level): "bilprojekt72439/obd/#"
//
// The subscription is tracked and (re)established on every connect, so it
// may be registered before the broker is reachable. When the client is
// connected the broker round-trip happens immediately and its error is
// returned.
//
// Parameters:
//   - topic: The topic pattern to subscribe to
//   - qos: Maximum QoS level for received messages (0, 1, or 2)
//   - handler: Callback function invoked for each message
//
// Returns:
//   - error: nil on success or when deferred until connect
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	c.subMu.Lock()
	c.subscriptions[topic] = subscription{
		topic:   topic,
		qos:     qos,
		handler: handler,
	}
	c.subMu.Unlock()

	if !c.IsConnected() {
		return nil
	}

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.forget(topic)
		return fmt.Errorf("%w: %w after %v", ErrSubscribeFailed, ErrTimeout, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.forget(topic)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	return nil
}

// SubscribeChan subscribes to topic and returns a channel of messages.
//
// The paho callback only performs a non-blocking send. If the consumer falls
// behind and the buffer of size entries fills, new messages are discarded and
// reported through the SetOnDrop callback. The channel is closed by Close.
//
// This is the receive loop the ingestor uses: one goroutine ranges over the
// channel and processes messages strictly one at a time.
func (c *Client) SubscribeChan(topic string, qos byte, size int) (<-chan Message, error) {
	if size <= 0 {
		size = defaultQueueSize
	}
	sink := &chanSink{ch: make(chan Message, size)}

	if err := c.Subscribe(topic, qos, func(t string, payload []byte) error {
		if !sink.offer(Message{Topic: t, Payload: payload, Received: time.Now()}) {
			c.callbackMu.RLock()
			onDrop := c.onDrop
			c.callbackMu.RUnlock()
			if onDrop != nil {
				onDrop(t)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	c.sinkMu.Lock()
	c.sinks = append(c.sinks, sink)
	c.sinkMu.Unlock()

	return sink.ch, nil
}

// Unsubscribe removes a subscription and stops receiving messages for a topic.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	c.forget(topic)

	if !c.IsConnected() {
		return nil
	}

	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %w after %v", ErrUnsubscribeFailed, ErrTimeout, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}

	return nil
}

func (c *Client) forget(topic string) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
}

// SubscriptionCount returns the number of tracked subscriptions.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

// HasSubscription checks if a subscription exists for the given topic.
//
// Note: This checks only the exact topic string, not pattern matching.
func (c *Client) HasSubscription(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, exists := c.subscriptions[topic]
	return exists
}

// chanSink guards a message channel against sends after close.
type chanSink struct {
	mu     sync.Mutex
	ch     chan Message
	closed bool
}

// offer attempts a non-blocking send and reports whether it was accepted.
// Messages offered after close are silently ignored.
func (s *chanSink) offer(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- m:
		return true
	default:
		return false
	}
}

func (s *chanSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
