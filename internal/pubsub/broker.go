package pubsub

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 64

type subscription[T any] struct {
	topics []string
	// queue is set for ordered subscribers; nil means lossy delivery.
	queue *queue[T]
}

// wants reports whether topic passes the filter. Patterns prefixed with "!"
// exclude matching topics; with no positive patterns everything else passes.
func (s subscription[T]) wants(topic string) bool {
	include := false
	for _, p := range s.topics {
		if neg, ok := strings.CutPrefix(p, "!"); ok {
			if MatchTopic(neg, topic) {
				return false
			}
			continue
		}
		include = true
	}
	if !include {
		return true
	}
	for _, p := range s.topics {
		if !strings.HasPrefix(p, "!") && MatchTopic(p, topic) {
			return true
		}
	}
	return false
}

func (s subscription[T]) close(ch chan Event[T]) {
	if s.queue != nil {
		s.queue.stop()
		return
	}
	close(ch)
}

// Broker is a generic pub/sub event broker keyed by topic.
type Broker[T any] struct {
	subs       map[chan Event[T]]subscription[T]
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int
	dropped    atomic.Uint64
}

// NewBroker creates a new broker with the default buffer size (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a new broker with a custom per-subscriber buffer size.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Broker[T]{
		subs:       make(map[chan Event[T]]subscription[T]),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe creates a new subscription channel receiving events whose topic
// matches one of topics, or every event when no topics are given.
// The channel is closed when ctx is cancelled or the broker is closed.
func (b *Broker[T]) Subscribe(ctx context.Context, topics ...string) <-chan Event[T] {
	return b.subscribe(ctx, false, topics)
}

// SubscribeOrdered is Subscribe without drops: events queue up behind a slow
// reader instead of being skipped, and arrive in publish order. Publish never
// blocks on an ordered subscriber.
func (b *Broker[T]) SubscribeOrdered(ctx context.Context, topics ...string) <-chan Event[T] {
	return b.subscribe(ctx, true, topics)
}

func (b *Broker[T]) subscribe(ctx context.Context, ordered bool, topics []string) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	s := subscription[T]{topics: topics}
	var sub chan Event[T]
	if ordered {
		sub = make(chan Event[T])
		s.queue = newQueue[T]()
		go s.queue.run(sub)
	} else {
		sub = make(chan Event[T], b.bufferSize)
	}
	b.subs[sub] = s

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()

		s, ok := b.subs[sub]
		if !ok {
			return
		}
		delete(b.subs, sub)
		s.close(sub)
	}()

	return sub
}

// Publish sends payload to every subscriber of topic.
// Non-blocking: a lossy subscriber whose buffer is full misses the event and
// the drop is counted; ordered subscribers queue it.
func (b *Broker[T]) Publish(topic string, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	event := Event[T]{
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	for sub, s := range b.subs {
		if !s.wants(topic) {
			continue
		}
		if s.queue != nil {
			s.queue.push(event)
			continue
		}
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close shuts down the broker and all subscriber channels.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub, s := range b.subs {
		s.close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a lossy subscriber was full.
func (b *Broker[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// queue is an unbounded FIFO feeding one ordered subscriber channel.
type queue[T any] struct {
	mu    sync.Mutex
	items []Event[T]
	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{ready: make(chan struct{}, 1), done: make(chan struct{})}
}

func (q *queue[T]) push(e Event[T]) {
	select {
	case <-q.done:
		return
	default:
	}
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue[T]) stop() { q.once.Do(func() { close(q.done) }) }

// run delivers queued events to out until stop, then closes out.
func (q *queue[T]) run(out chan<- Event[T]) {
	defer close(out)
	for {
		select {
		case <-q.done:
			return
		case <-q.ready:
		}
		for {
			q.mu.Lock()
			items := q.items
			q.items = nil
			q.mu.Unlock()
			if len(items) == 0 {
				break
			}
			for _, e := range items {
				select {
				case out <- e:
				case <-q.done:
					return
				}
			}
		}
	}
}
