package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForSubscribers(t *testing.T, c *Client, channel string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		counts, err := c.rdb.PubSubNumSub(context.Background(), channel).Result()
		require.NoError(t, err)
		if counts[channel] >= int64(want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("channel %s never reached %d subscribers", channel, want)
}

func TestSubscriberReceives(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := c.NewSubscriber("execution:test")
	go sub.Run(ctx)
	waitForSubscribers(t, c, "execution:test", 1)

	c.Publish(ctx, "execution:test", map[string]string{"type": "execution_update", "status": "Running"})

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "execution:test", msg.Channel)
		assert.JSONEq(t, `{"type":"execution_update","status":"Running"}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestSubscriberDynamicChannels(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := c.NewSubscriber("user:u1")
	go sub.Run(ctx)
	waitForSubscribers(t, c, "user:u1", 1)

	sub.Subscribe(ctx, "git:job-1")
	waitForSubscribers(t, c, "git:job-1", 1)

	c.Publish(ctx, "git:job-1", map[string]string{"type": "git_progress"})
	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "git:job-1", msg.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("no message on dynamically added channel")
	}

	sub.Unsubscribe(ctx, "git:job-1")
	waitForSubscribers(t, c, "git:job-1", 0)
}

func TestSubscriberStopsOnCancel(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub := c.NewSubscriber("execution:x")
	done := make(chan struct{})
	go func() {
		sub.Run(ctx)
		close(done)
	}()
	waitForSubscribers(t, c, "execution:x", 1)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop on context cancel")
	}
}
