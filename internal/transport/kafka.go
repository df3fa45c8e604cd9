package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Kafka is a Transport backed by franz-go, proving the Transport contract
// isn't accidentally shaped around NATS's subject model: delivery here
// rides per-node topics instead of per-process subjects, and process
// selectivity is done client-side by record key.
//
// Each node owns a topic "mesh.node.<name>"; SendAsync to peer P produces
// a record to that topic keyed by proc. Every node also produces to and
// consumes from a shared "mesh.presence" topic for membership, the same
// beacon/TTL scheme as the NATS transport.
type Kafka struct {
	client *kgo.Client
	node   NodeName

	mu       sync.Mutex
	handlers map[ProcessName]Handler
	peers    map[NodeName]time.Time

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Transport = (*Kafka)(nil)

func nodeTopic(n NodeName) string { return fmt.Sprintf("mesh.node.%s", n) }

const kafkaPresenceTopic = "mesh.presence"

// NewKafka creates a franz-go-backed transport for node, consuming its own
// node topic and the shared presence topic.
func NewKafka(brokers []string, node NodeName) (*Kafka, error) {
	ctx, cancel := context.WithCancel(context.Background())

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(fmt.Sprintf("mesh-%s", node)),
		kgo.ConsumeTopics(nodeTopic(node), kafkaPresenceTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	t := &Kafka{
		client:   client,
		node:     node,
		handlers: make(map[ProcessName]Handler),
		peers:    make(map[NodeName]time.Time),
		events:   make(chan Event, 256),
		ctx:      ctx,
		cancel:   cancel,
	}

	t.wg.Add(3)
	go t.consumeLoop()
	go t.beacon()
	go t.reap()

	return t, nil
}

func (t *Kafka) consumeLoop() {
	defer t.wg.Done()
	for {
		fetches := t.client.PollFetches(t.ctx)
		if t.ctx.Err() != nil {
			return
		}
		fetches.EachRecord(func(r *kgo.Record) {
			if r.Topic == kafkaPresenceTopic {
				t.observePeer(NodeName(r.Key))
				return
			}
			t.mu.Lock()
			h, ok := t.handlers[ProcessName(r.Key)]
			t.mu.Unlock()
			if ok {
				from := NodeName("")
				for _, hdr := range r.Headers {
					if hdr.Key == "from" {
						from = NodeName(hdr.Value)
					}
				}
				h(from, r.Value)
			}
		})
	}
}

func (t *Kafka) beacon() {
	defer t.wg.Done()
	ticker := time.NewTicker(presenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.client.Produce(t.ctx, &kgo.Record{
				Topic: kafkaPresenceTopic,
				Key:   []byte(t.node),
				Value: []byte(t.node),
			}, nil)
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Kafka) reap() {
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
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Kafka) observePeer(n NodeName) {
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

func (t *Kafka) emit(e Event) {
	select {
	case t.events <- e:
	default:
	}
}

func (t *Kafka) ThisNode() NodeName { return t.node }

func (t *Kafka) ListPeers() []NodeName {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]NodeName, 0, len(t.peers))
	for n := range t.peers {
		out = append(out, n)
	}
	return out
}

func (t *Kafka) SendAsync(peer NodeName, proc ProcessName, payload []byte) {
	// Produce is inherently async; the callback is nil because send_async
	// never surfaces delivery failure to the caller.
	t.client.Produce(t.ctx, &kgo.Record{
		Topic:   nodeTopic(peer),
		Key:     []byte(proc),
		Value:   payload,
		Headers: []kgo.RecordHeader{{Key: "from", Value: []byte(t.node)}},
	}, nil)
}

func (t *Kafka) Subscribe(proc ProcessName, h Handler) (func(), error) {
	t.mu.Lock()
	t.handlers[proc] = h
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.handlers, proc)
		t.mu.Unlock()
	}, nil
}

func (t *Kafka) Events() <-chan Event { return t.events }

func (t *Kafka) Close() error {
	t.cancel()
	t.wg.Wait()
	t.client.Close()
	close(t.events)
	return nil
}
