package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

type collector struct {
	mu    sync.Mutex
	lines []string
}

func (c *collector) add(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, string(msg))
}

func (c *collector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func subscribe(t *testing.T, client *redis.Client, b *RedisBridge, c *collector) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, c.add) }()

	require.Eventually(t, func() bool {
		counts, err := client.PubSubNumSub(context.Background(), b.Channel()).Result()
		return err == nil && counts[b.Channel()] > 0
	}, 3*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("subscription did not end")
		}
	})
	return cancel
}

func TestNewRedisBridge(t *testing.T) {
	_, client := newTestClient(t)

	a := NewRedisBridge(client, "", nil)
	b := NewRedisBridge(client, "custom", nil)
	assert.Equal(t, DefaultChannel, a.Channel())
	assert.Equal(t, "custom", b.Channel())
	assert.NotEmpty(t, a.Origin())
	assert.NotEqual(t, a.Origin(), b.Origin())
	assert.NoError(t, a.Close(), "borrowed client is not closed")
}

func TestRedisBridge_PublishSubscribe(t *testing.T) {
	_, client := newTestClient(t)
	local := NewRedisBridge(client, "lines", nil)
	remote := NewRedisBridge(client, "lines", nil)

	fromLocal := &collector{}
	fromRemote := &collector{}
	subscribe(t, client, local, fromRemote)
	subscribe(t, client, remote, fromLocal)

	ctx := context.Background()
	require.NoError(t, local.Publish(ctx, []byte("[1.2.3.4:5]: one\n")))
	require.NoError(t, local.Publish(ctx, []byte("[server]: two\n")))

	require.Eventually(t, func() bool {
		return len(fromLocal.get()) == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"[1.2.3.4:5]: one\n", "[server]: two\n"}, fromLocal.get())
	assert.Empty(t, fromRemote.get(), "own lines are not delivered back")
}

func TestRedisBridge_SkipsMalformedPayloads(t *testing.T) {
	mr, client := newTestClient(t)
	b := NewRedisBridge(client, "lines", nil)
	got := &collector{}
	subscribe(t, client, b, got)

	mr.Publish("lines", "not json")
	mr.Publish("lines", `{"origin":"someone-else","line":"[server]: ok\n"}`)

	require.Eventually(t, func() bool {
		return len(got.get()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "[server]: ok\n", got.get()[0])
}

func TestConnect(t *testing.T) {
	t.Run("reachable server", func(t *testing.T) {
		mr := miniredis.RunT(t)
		b, err := Connect(context.Background(), Config{Addr: mr.Addr(), Channel: "c"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "c", b.Channel())
		assert.NoError(t, b.Close())
	})

	t.Run("unreachable server", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := Connect(ctx, Config{Addr: addr}, nil)
		assert.Error(t, err)
	})
}
