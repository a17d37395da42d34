package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-bus/internal/messaging"
)

// subackFailure is the SUBACK return code for a refused subscription.
const subackFailure = 0x80

// channel implements messaging.Channel on one MQTT session.
//
// MQTT has no server-side queues. Bindings are recorded as topic filters and
// only subscribed once Consume is called, so nothing arrives before the bus
// is ready to route it. A queue name that was not generated by DeclareQueue
// turns every filter into a shared subscription of that group.
type channel struct {
	conn *conn

	mu        sync.Mutex
	queue     string
	shared    bool
	filters   []string
	consuming bool
}

// DeclareQueue implements messaging.Channel.
//
// An empty name yields a generated private queue name. Durability and
// auto-delete are implied by the clean session and ignored.
func (ch *channel) DeclareQueue(_ context.Context, name string, _ messaging.QueueOptions) (string, error) {
	if ch.conn.isDone() {
		return "", ErrNotConnected
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if name == "" {
		ch.queue = generatedPrefix + uuid.NewString()[:8]
		ch.shared = false
		return ch.queue, nil
	}
	if err := ch.useQueueLocked(name); err != nil {
		return "", err
	}
	return name, nil
}

// useQueueLocked records the queue named by DeclareQueue, BindQueue or
// Consume. A generated name stays private; any other name is a shared
// subscription group. Callers hold ch.mu.
func (ch *channel) useQueueLocked(name string) error {
	if name == "" || name == ch.queue {
		return nil
	}
	if strings.HasPrefix(name, generatedPrefix) {
		ch.queue = name
		ch.shared = false
		return nil
	}
	if strings.ContainsAny(name, topicWildcards+levelSeparator) {
		return fmt.Errorf("%w: queue %q cannot be a shared subscription group", ErrInvalidTopic, name)
	}
	ch.queue = name
	ch.shared = true
	return nil
}

// BindQueue implements messaging.Channel.
//
// A filter already covered by an earlier one is skipped; overlapping
// subscriptions would otherwise deliver the same message twice.
func (ch *channel) BindQueue(ctx context.Context, queue, exchange, bindingKey string) error {
	filter, err := Topics{}.Filter(exchange, bindingKey)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	if err := ch.useQueueLocked(queue); err != nil {
		ch.mu.Unlock()
		return err
	}
	for _, existing := range ch.filters {
		if covers(existing, filter) {
			ch.mu.Unlock()
			return nil
		}
	}

	var narrower []string
	kept := ch.filters[:0]
	for _, existing := range ch.filters {
		if covers(filter, existing) {
			narrower = append(narrower, existing)
			continue
		}
		kept = append(kept, existing)
	}
	ch.filters = append(kept, filter)
	consuming := ch.consuming
	ch.mu.Unlock()

	if !consuming {
		return nil
	}
	if err := ch.subscribe(ctx, filter); err != nil {
		return err
	}
	ch.unsubscribe(narrower)
	return nil
}

// Consume implements messaging.Channel. It subscribes every recorded filter
// and returns the delivery stream, closed when the session ends.
func (ch *channel) Consume(ctx context.Context, queue string) (<-chan messaging.Delivery, error) {
	if ch.conn.isDone() {
		return nil, ErrNotConnected
	}

	ch.mu.Lock()
	if err := ch.useQueueLocked(queue); err != nil {
		ch.mu.Unlock()
		return nil, err
	}
	if ch.consuming {
		ch.mu.Unlock()
		return nil, fmt.Errorf("%w: already consuming", ErrSubscribeFailed)
	}
	ch.consuming = true
	filters := append([]string(nil), ch.filters...)
	ch.mu.Unlock()

	for _, filter := range filters {
		if err := ch.subscribe(ctx, filter); err != nil {
			return nil, err
		}
	}

	out := make(chan messaging.Delivery)
	go ch.conn.forward(out)
	return out, nil
}

// subscribe registers filter with the broker. Messages reach the connection's
// default publish handler.
func (ch *channel) subscribe(ctx context.Context, filter string) error {
	topic := ch.topicFor(filter)

	token := ch.conn.client.Subscribe(topic, ch.conn.qos, nil)
	if err := wait(ctx, token, defaultPublishTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	if st, ok := token.(*pahomqtt.SubscribeToken); ok {
		for t, code := range st.Result() {
			if code == subackFailure {
				return fmt.Errorf("%w: broker refused %s", ErrSubscribeFailed, t)
			}
		}
	}
	return nil
}

// unsubscribe drops filters superseded by a broader one. Failures only leave
// a redundant subscription behind, so they are logged and not returned.
func (ch *channel) unsubscribe(filters []string) {
	if len(filters) == 0 {
		return
	}
	topics := make([]string, 0, len(filters))
	for _, f := range filters {
		topics = append(topics, ch.topicFor(f))
	}

	token := ch.conn.client.Unsubscribe(topics...)
	if !token.WaitTimeout(defaultPublishTimeout) || token.Error() != nil {
		if ch.conn.logger != nil {
			ch.conn.logger.Warn("MQTT unsubscribe of superseded filters failed",
				"topics", topics,
				"error", token.Error(),
			)
		}
	}
}

func (ch *channel) topicFor(filter string) string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.shared {
		return Topics{}.Shared(ch.queue, filter)
	}
	return filter
}
