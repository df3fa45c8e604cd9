package transport

import (
	"sync"
)

// directory is the shared registry every Local transport instance in a
// process joins, so they can address each other by NodeName. It plays the
// role a real cluster membership service would play for transport.NATS or
// transport.Kafka, but in-process.
type directory struct {
	mu    sync.RWMutex
	nodes map[NodeName]*Local
}

func newDirectory() *directory {
	return &directory{nodes: make(map[NodeName]*Local)}
}

func (d *directory) join(l *Local) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[l.node] = l
	for _, other := range d.nodes {
		if other == l {
			continue
		}
		other.notify(Event{Kind: EventUp, Node: l.node})
		l.notify(Event{Kind: EventUp, Node: other.node})
	}
}

func (d *directory) leave(l *Local) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nodes, l.node)
	for _, other := range d.nodes {
		other.notify(Event{Kind: EventDown, Node: l.node})
	}
}

func (d *directory) peers(exclude NodeName) []NodeName {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]NodeName, 0, len(d.nodes))
	for n := range d.nodes {
		if n != exclude {
			out = append(out, n)
		}
	}
	return out
}

func (d *directory) lookup(n NodeName) (*Local, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.nodes[n]
	return l, ok
}

// Cluster is a shared in-process directory that a set of Local transports
// join, simulating a real cluster transport for tests and single-binary
// demos without any network.
type Cluster struct {
	dir *directory
}

// NewCluster creates an empty in-process cluster.
func NewCluster() *Cluster {
	return &Cluster{dir: newDirectory()}
}

// Join creates a Local transport for node and adds it to the cluster,
// firing {up, node} events to every already-joined peer and vice versa.
func (c *Cluster) Join(node NodeName) *Local {
	l := &Local{
		node:     node,
		dir:      c.dir,
		handlers: make(map[ProcessName]Handler),
		events:   make(chan Event, 64),
	}
	c.dir.join(l)
	return l
}

// Local is an in-process Transport implementation. SendAsync is a direct
// function call into the peer's registered handler, run on its own
// goroutine to preserve the "never blocks the caller" contract.
type Local struct {
	node NodeName
	dir  *directory

	mu       sync.RWMutex
	handlers map[ProcessName]Handler

	events chan Event
	closed bool
}

var _ Transport = (*Local)(nil)

func (l *Local) ThisNode() NodeName { return l.node }

func (l *Local) ListPeers() []NodeName { return l.dir.peers(l.node) }

func (l *Local) SendAsync(peer NodeName, proc ProcessName, payload []byte) {
	target, ok := l.dir.lookup(peer)
	if !ok {
		return // undeliverable: silently dropped, per transport contract
	}
	target.mu.RLock()
	h, ok := target.handlers[proc]
	target.mu.RUnlock()
	if !ok {
		return
	}
	from := l.node
	go h(from, payload)
}

func (l *Local) Subscribe(proc ProcessName, h Handler) (func(), error) {
	l.mu.Lock()
	l.handlers[proc] = h
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.handlers, proc)
		l.mu.Unlock()
	}, nil
}

func (l *Local) Events() <-chan Event { return l.events }

func (l *Local) notify(e Event) {
	select {
	case l.events <- e:
	default:
		// Slow consumer of membership events; drop rather than block the
		// directory lock held by join/leave.
	}
}

// Close removes this node from its cluster, firing {down, node} to peers.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.dir.leave(l)
	close(l.events)
	return nil
}
