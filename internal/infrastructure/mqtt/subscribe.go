package mqtt

import (
	"context"
	"fmt"
	"time"
)

// commandTimeout bounds the work triggered by one command message.
const commandTimeout = 5 * time.Minute

// Subscribe registers a handler for messages on a topic.
//
// The subscription is tracked and restored automatically after reconnects.
// Handler errors are logged and do not affect message acknowledgement.
//
// Parameters:
//   - topic: Topic filter, wildcards (+, #) allowed
//   - qos: Maximum QoS for delivered messages
//   - handler: Called for each message
//
// Returns:
//   - error: ErrInvalidTopic, ErrInvalidQoS, ErrNotConnected, or
//     ErrSubscribeFailed wrapping the cause
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
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subscriptions[topic] = subscription{topic: topic, qos: qos, handler: handler}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.forget(topic)
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.forget(topic)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.forget(topic)

	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrUnsubscribeFailed, defaultPublishTimeout)
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

// HasSubscription reports whether topic (exact string) is subscribed.
func (c *Client) HasSubscription(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subscriptions[topic]
	return ok
}

// OnEvaluateCommand subscribes trigger to the evaluate command topic. The
// payload is ignored. Each message runs trigger with a fresh context bounded
// by commandTimeout.
func (c *Client) OnEvaluateCommand(trigger func(ctx context.Context) error) error {
	if trigger == nil {
		return fmt.Errorf("%w: trigger cannot be nil", ErrSubscribeFailed)
	}
	return c.Subscribe(c.topics.CommandEvaluate(), c.QoS(), evaluateHandler(trigger))
}

func evaluateHandler(trigger func(ctx context.Context) error) MessageHandler {
	return func(_ string, _ []byte) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := trigger(ctx); err != nil {
			return fmt.Errorf("evaluate command: %w", err)
		}
		return nil
	}
}
