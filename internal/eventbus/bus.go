// Package eventbus implements the in-process publish/subscribe channel used
// for UI subscriptions and cross-component notifications.
//
// Delivery is at-most-once: a publish against a full buffer drops the event,
// and durable state is always recoverable from persistence. Events are drained
// by a single worker goroutine so subscriber callbacks never re-enter
// component state concurrently.
package eventbus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/deepr-dev/deepr/internal/adapter/observability"
)

// Event is one notification. Topic has the shape jobs.{id}.{event},
// campaigns.{id}.{event} or experts.{name}.{event}. Data carries the delta
// only, not the full resource.
type Event struct {
	Topic string         `json:"topic"`
	At    time.Time      `json:"at"`
	Data  map[string]any `json:"data,omitempty"`
}

// Handler receives events matching a subscription. Handlers run on the bus
// drain worker; they must not block for long.
type Handler func(Event)

type subscription struct {
	id      int
	pattern string
	fn      Handler
}

// Bus is a single-MPSC-channel event bus.
type Bus struct {
	ch     chan Event
	mu     sync.RWMutex
	subs   map[int]subscription
	nextID int
	once   sync.Once
	done   chan struct{}
}

// New creates a bus with the given buffer size.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Bus{
		ch:   make(chan Event, buffer),
		subs: make(map[int]subscription),
		done: make(chan struct{}),
	}
}

// Run drains the queue until ctx is cancelled. Call exactly once.
func (b *Bus) Run(ctx context.Context) {
	defer b.once.Do(func() { close(b.done) })
	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued, then stop.
			for {
				select {
				case ev := <-b.ch:
					b.dispatch(ev)
				default:
					slog.Info("event bus stopping")
					return
				}
			}
		case ev := <-b.ch:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	matched := make([]Handler, 0, 4)
	for _, s := range b.subs {
		if topicMatches(s.pattern, ev.Topic) {
			matched = append(matched, s.fn)
		}
	}
	b.mu.RUnlock()
	for _, fn := range matched {
		fn(ev)
	}
}

// Publish enqueues an event without blocking. At the high-water mark the
// event is dropped and counted.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case b.ch <- ev:
	default:
		observability.EventsDroppedTotal.Inc()
		slog.Warn("event bus full, dropping event", slog.String("topic", ev.Topic))
	}
}

// Subscribe registers fn for topics matching pattern and returns an
// unsubscribe function. Pattern segments match topic segments left to right;
// "*" matches any single segment and a pattern shorter than the topic matches
// as a prefix, so "jobs.42" receives "jobs.42.completed".
func (b *Bus) Subscribe(pattern string, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscription{id: id, pattern: pattern, fn: fn}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Done is closed once the drain worker has exited.
func (b *Bus) Done() <-chan struct{} { return b.done }

func topicMatches(pattern, topic string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ps := strings.Split(pattern, ".")
	ts := strings.Split(topic, ".")
	if len(ps) > len(ts) {
		return false
	}
	for i, p := range ps {
		if p == "*" {
			continue
		}
		if p != ts[i] {
			return false
		}
	}
	return true
}

// Topic helpers keep topic construction in one place.

func JobTopic(id, event string) string      { return "jobs." + id + "." + event }
func CampaignTopic(id, event string) string { return "campaigns." + id + "." + event }
func ExpertTopic(name, event string) string { return "experts." + name + "." + event }
