package events

import (
	"sync"
	"time"

	"github.com/zjrosen/banshee/internal/pubsub"
)

// Emitter delivers notifications. Implementations must be safe for
// concurrent use; each child-process reader calls Emit from its own goroutine.
type Emitter interface {
	Emit(n Notification)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Notification)

// Emit calls f(n).
func (f EmitterFunc) Emit(n Notification) { f(n) }

// Discard drops every notification.
var Discard Emitter = EmitterFunc(func(Notification) {})

// BrokerEmitter stamps notifications and publishes them on their Topic.
type BrokerEmitter struct {
	broker *pubsub.Broker[Notification]
	now    func() time.Time
}

// NewBrokerEmitter creates an emitter publishing to broker.
func NewBrokerEmitter(broker *pubsub.Broker[Notification]) *BrokerEmitter {
	return &BrokerEmitter{broker: broker, now: time.Now}
}

// Emit publishes n on n.Topic.
func (e *BrokerEmitter) Emit(n Notification) {
	n.Stamp(e.now())
	e.broker.Publish(n.Topic, n)
}

// Recorder collects notifications in emission order.
type Recorder struct {
	mu  sync.Mutex
	all []Notification
}

// Emit records n.
func (r *Recorder) Emit(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, n)
}

// All returns a copy of everything recorded so far.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.all))
	copy(out, r.all)
	return out
}

// OfType returns the recorded notifications with the given type.
func (r *Recorder) OfType(t Type) []Notification {
	var out []Notification
	for _, n := range r.All() {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// Types returns the type of each recorded notification in order.
func (r *Recorder) Types() []Type {
	all := r.All()
	out := make([]Type, len(all))
	for i, n := range all {
		out[i] = n.Type
	}
	return out
}

// Reset discards everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = nil
}
