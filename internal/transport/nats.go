package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// presenceSubject is the subject every node periodically publishes its
// identity to, so peers can build a membership view without a dedicated
// cluster-membership service. NATS gives us pub/sub and reconnection; it
// does not give us "list peers," so this transport builds that itself.
const presenceSubject = "mesh.presence"

// presenceInterval and presenceTTL govern how fast a NATS-backed cluster
// notices a new peer and how long it waits before declaring one gone.
const (
	presenceInterval = 1 * time.Second
	presenceTTL      = 4 * presenceInterval
)

// NATS is a Transport backed by a NATS connection. SendAsync publishes to
// a per-(proc,node) subject; Subscribe subscribes this node to its own
// subject for proc. Peer membership rides a lightweight presence beacon.
type NATS struct {
	conn *nats.Conn
	node NodeName

	mu    sync.Mutex
	peers map[NodeName]time.Time
	subs  []*nats.Subscription

	events chan Event
	stop   chan struct{}
	wg     sync.WaitGroup
}

var _ Transport = (*NATS)(nil)

// NewNATS connects to url and starts the presence beacon for node.
func NewNATS(url string, node NodeName, opts ...nats.Option) (*NATS, error) {
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	t := &NATS{
		conn:   conn,
		node:   node,
		peers:  make(map[NodeName]time.Time),
		events: make(chan Event, 256),
		stop:   make(chan struct{}),
	}

	sub, err := conn.Subscribe(presenceSubject, func(msg *nats.Msg) {
		t.observePeer(NodeName(msg.Data))
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}
	t.subs = append(t.subs, sub)

	t.wg.Add(2)
	go t.beacon()
	go t.reap()

	return t, nil
}

func (t *NATS) beacon() {
	defer t.wg.Done()
	ticker := time.NewTicker(presenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = t.conn.Publish(presenceSubject, []byte(t.node))
		case <-t.stop:
			return
		}
	}
}

func (t *NATS) reap() {
	defer t.wg.Done()
	ticker := time.NewTicker(presenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			t.mu.Lock()
			for n, last := range t.peers {
				if now.Sub(last) > presenceTTL {
					delete(t.peers, n)
					t.mu.Unlock()
					t.emit(Event{Kind: EventDown, Node: n})
					t.mu.Lock()
				}
			}
			t.mu.Unlock()
		case <-t.stop:
			return
		}
	}
}

func (t *NATS) observePeer(n NodeName) {
	if n == "" || n == t.node {
		return
	}
	t.mu.Lock()
	_, known := t.peers[n]
	t.peers[n] = time.Now()
	t.mu.Unlock()
	if !known {
		t.emit(Event{Kind: EventUp, Node: n})
	}
}

func (t *NATS) emit(e Event) {
	select {
	case t.events <- e:
	default:
	}
}

func (t *NATS) ThisNode() NodeName { return t.node }

func (t *NATS) ListPeers() []NodeName {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]NodeName, 0, len(t.peers))
	for n := range t.peers {
		out = append(out, n)
	}
	return out
}

func subject(proc ProcessName, node NodeName) string {
	return fmt.Sprintf("mesh.proc.%s.%s", proc, node)
}

func (t *NATS) SendAsync(peer NodeName, proc ProcessName, payload []byte) {
	// nats.Conn.PublishMsg never blocks the caller on delivery; errors here
	// mean "can't even hand it to the local client library" and are
	// swallowed, matching send_async's at-most-once, never-raises contract.
	// Reply carries the origin node name so the receiver's Handler can
	// report `from` without a separate envelope field.
	_ = t.conn.PublishMsg(&nats.Msg{
		Subject: subject(proc, peer),
		Reply:   string(t.node),
		Data:    payload,
	})
}

func (t *NATS) Subscribe(proc ProcessName, h Handler) (func(), error) {
	sub, err := t.conn.Subscribe(subject(proc, t.node), func(msg *nats.Msg) {
		h(NodeName(msg.Reply), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", proc, err)
	}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return func() { _ = sub.Unsubscribe() }, nil
}

func (t *NATS) Events() <-chan Event { return t.events }

func (t *NATS) Close() error {
	close(t.stop)
	t.wg.Wait()
	t.mu.Lock()
	for _, s := range t.subs {
		_ = s.Unsubscribe()
	}
	t.mu.Unlock()
	t.conn.Close()
	close(t.events)
	return nil
}
