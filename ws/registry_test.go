package ws

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IR1DO/scm-app-server/wire"
)

// fakeConn is a Conn with a bounded inbox.
type fakeConn struct {
	sync.Mutex
	sid, uid string
	inbox    chan *wire.ServerMsg
	closed   SessionError
}

func newFakeConn(uid, sid string, buffer int) *fakeConn {
	return &fakeConn{uid: uid, sid: sid, inbox: make(chan *wire.ServerMsg, buffer)}
}

func (c *fakeConn) Sid() string { return c.sid }
func (c *fakeConn) Uid() string { return c.uid }

func (c *fakeConn) Deliver(msg *wire.ServerMsg) bool {
	select {
	case c.inbox <- msg:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Close(cause SessionError) {
	c.Lock()
	c.closed = cause
	c.Unlock()
}

func (c *fakeConn) closedWith() SessionError {
	c.Lock()
	defer c.Unlock()
	return c.closed
}

func TestRegistryJoinLeave(t *testing.T) {
	r := NewRegistry()
	a1 := newFakeConn("alice", "s1", 1)
	a2 := newFakeConn("alice", "s2", 1)
	b1 := newFakeConn("bob", "s3", 1)

	assert.Empty(t, r.ConnectionsFor("alice"))

	r.Join(a1)
	r.Join(a2)
	r.Join(b1)
	r.Join(a1) // rejoin is a no-op
	assert.Equal(t, 3, r.Len())
	assert.ElementsMatch(t, []Conn{a1, a2}, r.ConnectionsFor("alice"))

	assert.True(t, r.Leave(a1))
	assert.False(t, r.Leave(a1))
	assert.Equal(t, []Conn{a2}, r.ConnectionsFor("alice"))

	assert.True(t, r.Leave(a2))
	assert.Empty(t, r.ConnectionsFor("alice"))
	assert.Equal(t, 1, r.Len())

	r.RLock()
	_, ok := r.conns["alice"]
	r.RUnlock()
	assert.False(t, ok, "empty identity entry must be removed")
}

func TestRegistryLeaveOtherConnWithSameSid(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn("alice", "s1", 1)
	r.Join(c)

	assert.False(t, r.Leave(newFakeConn("alice", "s1", 1)))
	assert.Equal(t, []Conn{c}, r.ConnectionsFor("alice"))
}

func TestRegistryConcurrentJoinLeave(t *testing.T) {
	r := NewRegistry()

	const n = 200
	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i] = newFakeConn("alice", fmt.Sprintf("s%d", i), 1)
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			r.Join(c)
		}(c)
	}
	wg.Wait()

	require.Equal(t, n, r.Len())
	require.Len(t, r.ConnectionsFor("alice"), n)

	left := make(chan bool, n)
	for _, c := range conns {
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			left <- r.Leave(c)
			r.ConnectionsFor("alice")
		}(c)
	}
	wg.Wait()
	close(left)

	for ok := range left {
		assert.True(t, ok)
	}
	assert.Zero(t, r.Len())
	assert.Empty(t, r.ConnectionsFor("alice"))
}

func TestRegistryDeliverLocal(t *testing.T) {
	r := NewRegistry()
	slow := newFakeConn("bob", "s1", 0)
	fast := newFakeConn("bob", "s2", 1)
	r.Join(slow)
	r.Join(fast)

	msg := &wire.ChatMessage{Id: "c1", Text: "hi"}
	assert.Equal(t, 1, r.DeliverLocal("bob", msg))

	got := <-fast.inbox
	assert.Equal(t, msg, got.ChatMessage)

	assert.Zero(t, r.DeliverLocal("carol", msg))
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry()
	a := newFakeConn("alice", "s1", 1)
	b := newFakeConn("bob", "s2", 1)
	r.Join(a)
	r.Join(b)

	r.Close(ServerStop)

	assert.Zero(t, r.Len())
	assert.Empty(t, r.ConnectionsFor("alice"))
	assert.Equal(t, ServerStop, a.closedWith())
	assert.Equal(t, ServerStop, b.closedWith())
}
