// Package pubsub provides a topic-addressed publish/subscribe broker used to
// fan notifications out from child-process readers to consumers.
package pubsub

import (
	"context"
	"strings"
	"time"
)

// Event is a published payload together with the topic it was sent on.
type Event[T any] struct {
	Topic     string
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context, topics ...string) <-chan Event[T]
}

// Publisher publishes a payload on a topic.
type Publisher[T any] interface {
	Publish(topic string, payload T)
}

// MatchTopic reports whether topic is selected by pattern. A pattern ending in
// "*" matches any topic with that prefix; other patterns match exactly.
func MatchTopic(pattern, topic string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return pattern == topic
}
