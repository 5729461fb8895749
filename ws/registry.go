package ws

import (
	"sync"

	"github.com/golang/glog"

	"github.com/IR1DO/scm-app-server/wire"
)

// Conn is a live connection bound to one identity.
type Conn interface {
	Sid() string
	Uid() string

	// Deliver queues msg without blocking, false if the connection is
	// closing or could not take it.
	Deliver(msg *wire.ServerMsg) bool

	Close(cause SessionError)
}

// Registry maps identities to their live connections on this node.
// One identity may hold any number of connections.
type Registry struct {
	sync.RWMutex
	conns map[string]map[string]Conn // uid -> sid -> conn
	size  int
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]map[string]Conn)}
}

func (r *Registry) Join(c Conn) {
	r.Lock()
	defer r.Unlock()

	uid := c.Uid()
	m, ok := r.conns[uid]
	if !ok {
		m = make(map[string]Conn)
		r.conns[uid] = m
	}
	if _, ok := m[c.Sid()]; !ok {
		r.size++
		connectionsGauge.Inc()
	}
	m[c.Sid()] = c
}

// Leave removes c, false if c is not registered.
func (r *Registry) Leave(c Conn) bool {
	r.Lock()
	defer r.Unlock()

	uid := c.Uid()
	m, ok := r.conns[uid]
	if !ok {
		return false
	}
	if cur, ok := m[c.Sid()]; !ok || cur != c {
		return false
	}

	delete(m, c.Sid())
	if len(m) == 0 {
		delete(r.conns, uid)
	}
	r.size--
	connectionsGauge.Dec()
	return true
}

// ConnectionsFor returns a snapshot of the live connections of uid.
func (r *Registry) ConnectionsFor(uid string) []Conn {
	r.RLock()
	defer r.RUnlock()

	m := r.conns[uid]
	out := make([]Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return r.size
}

// DeliverLocal pushes msg to every local connection of uid and returns the
// number of connections that accepted it. Implements `cluster.ILocalHub`.
func (r *Registry) DeliverLocal(uid string, msg *wire.ChatMessage) int {
	conns := r.ConnectionsFor(uid)
	if len(conns) == 0 {
		glog.V(5).Infof("deliver: %s has no live connection on this node", uid)
		return 0
	}

	var n int
	out := &wire.ServerMsg{ChatMessage: msg}
	for _, c := range conns {
		if c.Deliver(out) {
			n++
		} else {
			deliveryFailures.WithLabelValues("slow_consumer").Inc()
		}
	}
	return n
}

// Close empties the registry and closes every connection with cause.
func (r *Registry) Close(cause SessionError) {
	r.Lock()
	var all []Conn
	for _, m := range r.conns {
		for _, c := range m {
			all = append(all, c)
		}
	}
	r.conns = make(map[string]map[string]Conn)
	connectionsGauge.Sub(float64(r.size))
	r.size = 0
	r.Unlock()

	for _, c := range all {
		c.Close(cause)
	}
}
