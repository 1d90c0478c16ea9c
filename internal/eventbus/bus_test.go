package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicMatching(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"*", "jobs.42.completed", true},
		{"", "jobs.42.completed", true},
		{"jobs", "jobs.42.completed", true},
		{"jobs.42", "jobs.42.completed", true},
		{"jobs.42.completed", "jobs.42.completed", true},
		{"jobs.*.completed", "jobs.42.completed", true},
		{"jobs.*.failed", "jobs.42.completed", false},
		{"jobs.43", "jobs.42.completed", false},
		{"campaigns", "jobs.42.completed", false},
		{"jobs.42.completed.extra", "jobs.42.completed", false},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, topicMatches(c.pattern, c.topic), "pattern=%q topic=%q", c.pattern, c.topic)
	}
}

func TestPublishDispatchesToMatchingSubscribers(t *testing.T) {
	bus := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	got := make(chan Event, 4)
	bus.Subscribe("jobs.42", func(ev Event) { got <- ev })
	var wrongTopic sync.Once
	bus.Subscribe("campaigns", func(Event) {
		wrongTopic.Do(func() { t.Error("campaign subscriber saw a job event") })
	})

	bus.Publish(Event{Topic: JobTopic("42", "completed"), Data: map[string]any{"cost": 0.1}})

	select {
	case ev := <-got:
		assert.Equal(t, "jobs.42.completed", ev.Topic)
		assert.False(t, ev.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	got := make(chan Event, 4)
	unsub := bus.Subscribe("jobs", func(ev Event) { got <- ev })
	sentinel := make(chan Event, 1)
	bus.Subscribe("experts", func(ev Event) { sentinel <- ev })

	unsub()
	bus.Publish(Event{Topic: JobTopic("1", "completed")})
	bus.Publish(Event{Topic: ExpertTopic("ssb", "created")})

	// The sentinel event was published after the job event, so once it lands
	// the unsubscribed handler has had its chance.
	select {
	case <-sentinel:
	case <-time.After(2 * time.Second):
		t.Fatal("sentinel event not delivered")
	}
	assert.Empty(t, got)
}

func TestPublishDropsWhenFull(t *testing.T) {
	bus := New(1)

	// No drain worker running, so the second publish hits a full buffer and
	// must not block.
	bus.Publish(Event{Topic: "jobs.1.completed"})
	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Topic: "jobs.2.completed"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full buffer")
	}

	var mu sync.Mutex
	var topics []string
	bus.Subscribe("*", func(ev Event) {
		mu.Lock()
		topics = append(topics, ev.Topic)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, topics, 1)
	assert.Equal(t, "jobs.1.completed", topics[0])
}

func TestRunDrainsQueuedEventsOnShutdown(t *testing.T) {
	bus := New(16)
	var mu sync.Mutex
	var seen int
	bus.Subscribe("*", func(Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Topic: CampaignTopic("c1", "completed")})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	go bus.Run(ctx)

	select {
	case <-bus.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bus did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, seen)
}
