package registry

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu        sync.Mutex
	addr      string
	out       bytes.Buffer
	closed    bool
	writeErr  error
	closeErr  error
	deadlines []time.Time
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{addr: addr}
}

func (c *fakeConn) Read(p []byte) (int, error) { return 0, errors.New("not readable") }

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.out.Write(p)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

func (c *fakeConn) RemoteAddr() net.Addr {
	addr, _ := net.ResolveTCPAddr("tcp", c.addr)
	return addr
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlines = append(c.deadlines, t)
	return nil
}

func (c *fakeConn) written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func ids(r *Registry) []ClientID {
	var out []ClientID
	r.ForEach(func(e *Entry) bool {
		out = append(out, e.ID())
		return true
	})
	return out
}

func TestNew(t *testing.T) {
	r := New(3, 100)
	require.NotNil(t, r)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 3, r.Cap())
	assert.False(t, r.Full())

	assert.Equal(t, 1, New(0, 100).Cap())
}

func TestRegistry_Add(t *testing.T) {
	t.Run("registers up to capacity then rejects", func(t *testing.T) {
		r := New(2, 100)

		id1, err := r.Add(newFakeConn("10.0.0.1:1000"), "")
		require.NoError(t, err)
		id2, err := r.Add(newFakeConn("10.0.0.2:2000"), "")
		require.NoError(t, err)
		assert.NotEqual(t, id1, id2)
		assert.True(t, r.Full())

		_, err = r.Add(newFakeConn("10.0.0.3:3000"), "")
		assert.ErrorIs(t, err, ErrCapacityExceeded)
		assert.Equal(t, 2, r.Len())
	})

	t.Run("identity defaults to remote address", func(t *testing.T) {
		r := New(1, 100)
		id, err := r.Add(newFakeConn("127.0.0.1:5555"), "")
		require.NoError(t, err)

		e, ok := r.Get(id)
		require.True(t, ok)
		assert.Equal(t, "127.0.0.1:5555", e.Identity())
		assert.Equal(t, 99, e.Lines().MaxLineLength())
	})

	t.Run("explicit identity wins", func(t *testing.T) {
		r := New(1, 100)
		id, err := r.Add(newFakeConn("127.0.0.1:5555"), "alpha")
		require.NoError(t, err)
		e, _ := r.Get(id)
		assert.Equal(t, "alpha", e.Identity())
	})

	t.Run("ids are not reused after removal", func(t *testing.T) {
		r := New(1, 100)
		id1, err := r.Add(newFakeConn("127.0.0.1:1"), "")
		require.NoError(t, err)
		require.NoError(t, r.Remove(id1))
		id2, err := r.Add(newFakeConn("127.0.0.1:2"), "")
		require.NoError(t, err)
		assert.NotEqual(t, id1, id2)
	})

	t.Run("concurrent adds respect capacity", func(t *testing.T) {
		r := New(5, 100)
		var wg sync.WaitGroup
		var mu sync.Mutex
		accepted := 0
		for iter := 0; iter < 50; iter++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := r.Add(newFakeConn("127.0.0.1:9"), ""); err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 5, accepted)
		assert.Equal(t, 5, r.Len())
	})
}

func TestRegistry_Remove(t *testing.T) {
	r := New(3, 100)
	conns := []*fakeConn{newFakeConn("127.0.0.1:1"), newFakeConn("127.0.0.1:2"), newFakeConn("127.0.0.1:3")}
	var added []ClientID
	for _, c := range conns {
		id, err := r.Add(c, "")
		require.NoError(t, err)
		added = append(added, id)
	}

	t.Run("removes and closes", func(t *testing.T) {
		require.NoError(t, r.Remove(added[1]))
		assert.True(t, conns[1].isClosed())
		assert.Equal(t, []ClientID{added[0], added[2]}, ids(r))
		_, ok := r.Get(added[1])
		assert.False(t, ok)
	})

	t.Run("second remove reports not found", func(t *testing.T) {
		err := r.Remove(added[1])
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 2, r.Len())
	})

	t.Run("frees capacity", func(t *testing.T) {
		_, err := r.Add(newFakeConn("127.0.0.1:4"), "")
		assert.NoError(t, err)
	})
}

func TestRegistry_ForEach(t *testing.T) {
	t.Run("removal during iteration skips only removed entries", func(t *testing.T) {
		r := New(4, 100)
		var added []ClientID
		for i := 0; i < 4; i++ {
			id, err := r.Add(newFakeConn("127.0.0.1:1"), string(rune('a'+i)))
			require.NoError(t, err)
			added = append(added, id)
		}

		var visited []string
		r.ForEach(func(e *Entry) bool {
			visited = append(visited, e.Identity())
			if e.ID() == added[0] {
				require.NoError(t, r.Remove(added[2]))
			}
			return true
		})

		assert.Equal(t, []string{"a", "b", "d"}, visited)
	})

	t.Run("stops early", func(t *testing.T) {
		r := New(3, 100)
		for iter := 0; iter < 3; iter++ {
			_, err := r.Add(newFakeConn("127.0.0.1:1"), "")
			require.NoError(t, err)
		}
		calls := 0
		r.ForEach(func(e *Entry) bool {
			calls++
			return false
		})
		assert.Equal(t, 1, calls)
	})
}

func TestRegistry_CloseAll(t *testing.T) {
	r := New(3, 100)
	failing := newFakeConn("127.0.0.1:1")
	failing.closeErr = errors.New("boom")
	ok1 := newFakeConn("127.0.0.1:2")
	ok2 := newFakeConn("127.0.0.1:3")
	for _, c := range []*fakeConn{failing, ok1, ok2} {
		_, err := r.Add(c, "")
		require.NoError(t, err)
	}

	err := r.CloseAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, failing.isClosed())
	assert.True(t, ok1.isClosed())
	assert.True(t, ok2.isClosed())
	assert.Equal(t, 0, r.Len())
}

// stallConn is a peer that never reads: writes block until Close.
type stallConn struct {
	*fakeConn
	release chan struct{}
	once    sync.Once
}

func newStallConn(addr string) *stallConn {
	return &stallConn{fakeConn: newFakeConn(addr), release: make(chan struct{})}
}

func (c *stallConn) Write(p []byte) (int, error) {
	<-c.release
	return 0, net.ErrClosed
}

func (c *stallConn) Close() error {
	c.once.Do(func() { close(c.release) })
	return c.fakeConn.Close()
}

func newTestEntry(t *testing.T, conn Conn, o entryOptions) *Entry {
	t.Helper()
	e := newEntry(1, conn, "x", 10, o)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEntry_Send(t *testing.T) {
	t.Run("writes queued messages in order with a deadline", func(t *testing.T) {
		c := newFakeConn("127.0.0.1:1")
		e := newTestEntry(t, c, entryOptions{queueSize: 4, writeTimeout: time.Second})

		require.NoError(t, e.Send([]byte("a\n")))
		require.NoError(t, e.Send([]byte("b\n")))
		require.Eventually(t, func() bool { return c.written() == "a\nb\n" }, time.Second, time.Millisecond)

		c.mu.Lock()
		defer c.mu.Unlock()
		require.Len(t, c.deadlines, 2)
		assert.False(t, c.deadlines[0].IsZero())
	})

	t.Run("no deadline when timeout is zero", func(t *testing.T) {
		c := newFakeConn("127.0.0.1:1")
		e := newTestEntry(t, c, entryOptions{queueSize: 4})
		require.NoError(t, e.Send([]byte("hi\n")))
		require.Eventually(t, func() bool { return c.written() == "hi\n" }, time.Second, time.Millisecond)

		c.mu.Lock()
		defer c.mu.Unlock()
		assert.Empty(t, c.deadlines)
	})

	t.Run("send after close returns ErrClosed", func(t *testing.T) {
		c := newFakeConn("127.0.0.1:1")
		e := newTestEntry(t, c, entryOptions{queueSize: 4})
		require.NoError(t, e.Close())
		assert.NoError(t, e.Close())
		assert.ErrorIs(t, e.Send([]byte("hi\n")), ErrClosed)
		assert.Empty(t, c.written())
		assert.True(t, c.isClosed())
	})

	t.Run("first write failure is reported once and sticks", func(t *testing.T) {
		c := newFakeConn("127.0.0.1:1")
		c.writeErr = errors.New("broken pipe")

		var mu sync.Mutex
		var reported []error
		e := newTestEntry(t, c, entryOptions{queueSize: 4, onWriteError: func(_ *Entry, err error) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, err)
		}})

		require.NoError(t, e.Send([]byte("hi\n")))
		require.Eventually(t, func() bool { return e.WriteErr() != nil }, time.Second, time.Millisecond)

		err := e.Send([]byte("again\n"))
		assert.ErrorIs(t, err, ErrWriteFailed)
		assert.Contains(t, err.Error(), "broken pipe")
		assert.False(t, e.Closed(), "a failed client stays open until its reader ends")

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(reported) == 1
		}, time.Second, time.Millisecond)

		_ = e.Send([]byte("more\n"))
		mu.Lock()
		defer mu.Unlock()
		assert.Len(t, reported, 1)
		assert.Contains(t, reported[0].Error(), "broken pipe")
	})

	t.Run("client that never reads fills only its own queue", func(t *testing.T) {
		c := newStallConn("127.0.0.1:1")
		e := newTestEntry(t, c, entryOptions{queueSize: 2})

		var err error
		for i := 0; i < 10 && err == nil; i++ {
			err = e.Send([]byte("x\n"))
		}
		assert.ErrorIs(t, err, ErrQueueFull)
		assert.Equal(t, 2, e.Pending())
	})

	t.Run("close aborts a write that has no deadline", func(t *testing.T) {
		c := newStallConn("127.0.0.1:1")
		e := newTestEntry(t, c, entryOptions{queueSize: 2})
		require.NoError(t, e.Send([]byte("x\n")))
		require.Eventually(t, func() bool { return e.Pending() == 0 }, time.Second, time.Millisecond)

		closed := make(chan error, 1)
		go func() { closed <- e.Close() }()

		select {
		case err := <-closed:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Close blocked behind a stalled write")
		}
		assert.NoError(t, e.WriteErr(), "failure caused by Close is not a write error")
	})
}

func TestRegistry_CloseAllWithStalledClient(t *testing.T) {
	r := New(3, 100, WithWriteTimeout(0), WithQueueSize(4))
	stalled := newStallConn("127.0.0.1:1")
	healthy := newFakeConn("127.0.0.1:2")
	idStalled, err := r.Add(stalled, "")
	require.NoError(t, err)
	_, err = r.Add(healthy, "")
	require.NoError(t, err)

	e, ok := r.Get(idStalled)
	require.True(t, ok)
	require.NoError(t, e.Send([]byte("stuck\n")))

	done := make(chan error, 1)
	go func() { done <- r.CloseAll() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("CloseAll hung on a client that never reads")
	}
	assert.True(t, stalled.isClosed())
	assert.True(t, healthy.isClosed())
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_RefusedEntryLeavesConnOpen(t *testing.T) {
	r := New(1, 100)
	_, err := r.Add(newFakeConn("127.0.0.1:1"), "")
	require.NoError(t, err)

	extra := newFakeConn("127.0.0.1:2")
	_, err = r.Add(extra, "")
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.False(t, extra.isClosed(), "the caller still owns a refused connection")
}

func TestClientID_String(t *testing.T) {
	assert.Equal(t, "42", ClientID(42).String())
}
