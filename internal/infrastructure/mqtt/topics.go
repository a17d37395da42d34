package mqtt

import (
	"fmt"
	"strings"
)

// MQTT topic syntax.
const (
	levelSeparator  = "/"
	singleWildcard  = "+"
	multiWildcard   = "#"
	sharePrefix     = "$share"
	wordSeparator   = "."
	topicWildcards  = "+#"
	generatedPrefix = "mqtt.gen-"
)

// Topic translation between the bus's AMQP-style names and MQTT topics.
//
// An exchange becomes the first topic level and every dot-separated word of
// a routing key becomes one further level:
//
//	exchange "graybus", routing key "t1.orders.created"
//	  → graybus/t1/orders/created
//	exchange "graybus", routing key ".orders.created" (no registration key)
//	  → graybus//orders/created
//
// Binding keys use the topic-exchange dialect ('*' one word, '#' zero or
// more words). '*' maps to '+'. MQTT only allows '#' as the last level, so a
// binding key with an earlier '#' is widened: the filter keeps the levels
// before the first '#' and ends in '#'. Widening only ever over-delivers; the
// subscription registry re-checks every name and key before routing.
type Topics struct{}

// Publish returns the topic a message with routingKey is published to on
// exchange.
//
// Example: Topics{}.Publish("graybus", "t1.orders.created") = "graybus/t1/orders/created"
func (Topics) Publish(exchange, routingKey string) (string, error) {
	if exchange == "" {
		return "", ErrInvalidTopic
	}
	if strings.ContainsAny(exchange, topicWildcards+levelSeparator) {
		return "", fmt.Errorf("%w: exchange %q contains a topic separator or wildcard", ErrInvalidTopic, exchange)
	}
	if strings.ContainsAny(routingKey, topicWildcards) {
		return "", fmt.Errorf("%w: routing key %q contains a wildcard", ErrInvalidTopic, routingKey)
	}
	return exchange + levelSeparator + strings.ReplaceAll(routingKey, wordSeparator, levelSeparator), nil
}

// Filter returns the subscription filter for bindingKey on exchange.
//
// Example: Topics{}.Filter("graybus", "#.orders.*") = "graybus/#"
func (Topics) Filter(exchange, bindingKey string) (string, error) {
	if exchange == "" || bindingKey == "" {
		return "", ErrInvalidTopic
	}
	if strings.ContainsAny(exchange, topicWildcards+levelSeparator) {
		return "", fmt.Errorf("%w: exchange %q contains a topic separator or wildcard", ErrInvalidTopic, exchange)
	}

	words := strings.Split(bindingKey, wordSeparator)
	levels := make([]string, 0, len(words)+1)
	levels = append(levels, exchange)
	for _, w := range words {
		switch w {
		case "#":
			levels = append(levels, multiWildcard)
			return strings.Join(levels, levelSeparator), nil
		case "*":
			levels = append(levels, singleWildcard)
		default:
			if strings.ContainsAny(w, topicWildcards) {
				return "", fmt.Errorf("%w: binding key %q mixes wildcards into a word", ErrInvalidTopic, bindingKey)
			}
			levels = append(levels, w)
		}
	}
	return strings.Join(levels, levelSeparator), nil
}

// Shared returns filter as a shared subscription of group, so that every
// client subscribing with the same group takes turns receiving messages.
//
// Example: Topics{}.Shared("billing", "graybus/#") = "$share/billing/graybus/#"
func (Topics) Shared(group, filter string) string {
	return sharePrefix + levelSeparator + group + levelSeparator + filter
}

// RoutingKey recovers the routing key from a received topic.
//
// Example: Topics{}.RoutingKey("graybus/t1/orders/created") = "t1.orders.created"
func (Topics) RoutingKey(topic string) string {
	_, rest, found := strings.Cut(topic, levelSeparator)
	if !found {
		return ""
	}
	return strings.ReplaceAll(rest, levelSeparator, wordSeparator)
}

// covers reports whether every topic matched by filter b is also matched by
// filter a.
func covers(a, b string) bool {
	al := strings.Split(a, levelSeparator)
	bl := strings.Split(b, levelSeparator)

	for i, level := range al {
		if level == multiWildcard {
			return true
		}
		if i >= len(bl) {
			return false
		}
		switch {
		case bl[i] == multiWildcard:
			return false
		case level == singleWildcard:
		case level != bl[i]:
			return false
		}
	}
	return len(al) == len(bl)
}
