package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id   string
	mu   sync.Mutex
	sent []any
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v)
	return nil
}

func TestBindAndLookup(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{id: "c1"}

	_, ok := r.ConnectionFor(1)
	assert.False(t, ok)

	r.Bind(1, c)
	got, ok := r.ConnectionFor(1)
	require.True(t, ok)
	assert.Same(t, c, got)

	assert.Equal(t, []int64{1}, r.Online())
	assert.Equal(t, 1, r.Len())
}

func TestSecondLoginReplacesBinding(t *testing.T) {
	r := NewRegistry()
	first := &fakeConn{id: "first"}
	second := &fakeConn{id: "second"}

	r.Bind(1, first)
	r.Bind(1, second)

	got, ok := r.ConnectionFor(1)
	require.True(t, ok)
	assert.Same(t, second, got)

	// the stale connection going away must not drop the new binding
	_, ok = r.Unbind(first)
	assert.False(t, ok)
	got, ok = r.ConnectionFor(1)
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestRebindConnectionToOtherUser(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{id: "c"}

	r.Bind(1, c)
	r.Bind(2, c)

	_, ok := r.ConnectionFor(1)
	assert.False(t, ok)
	got, ok := r.ConnectionFor(2)
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, []int64{2}, r.Online())
}

func TestUnbind(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{id: "c"}

	_, ok := r.Unbind(c)
	assert.False(t, ok, "unbinding an unknown connection is a no-op")

	r.Bind(5, c)
	userID, ok := r.Unbind(c)
	require.True(t, ok)
	assert.EqualValues(t, 5, userID)

	_, ok = r.ConnectionFor(5)
	assert.False(t, ok)
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Online())
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &fakeConn{id: fmt.Sprintf("c%d", i)}
			userID := int64(i%10 + 1)
			r.Bind(userID, c)
			r.ConnectionFor(userID)
			r.Online()
			if i%2 == 0 {
				r.Unbind(c)
			}
		}(i)
	}
	wg.Wait()

	// every online user has its own connection
	seen := make(map[Conn]int64)
	for _, userID := range r.Online() {
		c, ok := r.ConnectionFor(userID)
		require.True(t, ok)
		prev, dup := seen[c]
		assert.False(t, dup, "connection %s bound to users %d and %d", c.ID(), prev, userID)
		seen[c] = userID
	}
	assert.Equal(t, len(r.Online()), r.Len())
}
