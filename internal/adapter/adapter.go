// Package adapter implements the per-PubSub-instance broadcaster of
// spec.md §4.C: fan a message out to every peer node's local registry,
// with "exclude sender" and "custom dispatcher" semantics, and the safe
// pool-size migration protocol of §4.H.
package adapter

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/meshpubsub/internal/dispatch"
	"github.com/adred-codev/meshpubsub/internal/errs"
	"github.com/adred-codev/meshpubsub/internal/metrics"
	"github.com/adred-codev/meshpubsub/internal/registry"
	"github.com/adred-codev/meshpubsub/internal/transport"
)

// forwardMessage is the wire shape of spec.md §6's
// {forward, topic, message, dispatcher_id, origin_node}.
type forwardMessage struct {
	Topic        string          `json:"topic"`
	Payload      json.RawMessage `json:"payload"`
	DispatcherID string          `json:"dispatcher_id"`
	Origin       string          `json:"origin_node"`
}

// Config configures an Adapter.
type Config struct {
	Name              string
	Transport         transport.Transport
	Registry          *registry.Registry
	Dispatchers       *dispatch.Registry
	PoolSize          int // receive shards: name#0 .. name#(pool_size-1)
	BroadcastPoolSize int // send shards: must be <= PoolSize (§4.H)
	Logger            zerolog.Logger
	Metrics           *metrics.Metrics
	// MaxSendRatePerPeer, if non-zero, bounds outbound fan-out to any one
	// peer node, protecting a slow/small peer from a broadcast burst
	// (domain-stack addition, not in the source: golang.org/x/time/rate
	// in place of a hand-rolled token bucket).
	MaxSendRatePerPeer rate.Limit
}

// Adapter is the per-node broadcaster for one PubSub instance.
type Adapter struct {
	name        string
	transport   transport.Transport
	registry    *registry.Registry
	dispatchers *dispatch.Registry
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	incarnation uuid.UUID

	poolSize          int
	broadcastPoolSize int

	unsubscribe []func()

	rateLimit rate.Limit
	mu        sync.Mutex
	limiters  map[transport.NodeName]*rate.Limiter
}

// New validates cfg, generates a fresh incarnation id, and registers
// pool_size receiver endpoints on the transport.
func New(cfg Config) (*Adapter, error) {
	if cfg.PoolSize < 1 {
		return nil, errs.New(errs.ConfigInvalid, "pool_size must be > 0")
	}
	if cfg.BroadcastPoolSize < 1 || cfg.BroadcastPoolSize > cfg.PoolSize {
		return nil, errs.New(errs.ConfigInvalid, "broadcast_pool_size must be in [1, pool_size]")
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.New(cfg.Name)
	}

	a := &Adapter{
		name:              cfg.Name,
		transport:         cfg.Transport,
		registry:          cfg.Registry,
		dispatchers:       cfg.Dispatchers,
		logger:            cfg.Logger.With().Str("component", "adapter").Str("name", cfg.Name).Logger(),
		metrics:           m,
		incarnation:       uuid.New(),
		poolSize:          cfg.PoolSize,
		broadcastPoolSize: cfg.BroadcastPoolSize,
		rateLimit:         cfg.MaxSendRatePerPeer,
		limiters:          make(map[transport.NodeName]*rate.Limiter),
	}

	// Every node listens on shards 0..pool_size-1 (§4.H): receivers exist
	// for the full advertised pool regardless of what this node currently
	// sends on, so nodes already rolled forward can still be heard by
	// nodes not yet rolled forward.
	for shard := 0; shard < cfg.PoolSize; shard++ {
		shard := shard
		proc := processName(cfg.Name, shard)
		unsub, err := cfg.Transport.Subscribe(proc, func(from transport.NodeName, payload []byte) {
			a.receive(shard, from, payload)
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("subscribe receiver %s: %w", proc, err)
		}
		a.unsubscribe = append(a.unsubscribe, unsub)
	}

	a.logger.Info().
		Int("pool_size", cfg.PoolSize).
		Int("broadcast_pool_size", cfg.BroadcastPoolSize).
		Str("incarnation", a.incarnation.String()).
		Msg("adapter started")

	return a, nil
}

func processName(name string, shard int) transport.ProcessName {
	return transport.ProcessName(fmt.Sprintf("%s#%d", name, shard))
}

func shardFor(topic string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return int(h.Sum32()) % n
}

// Broadcast fans message out to every known peer's receiver for topic's
// send-shard (spec.md §4.C step 1-2). Local delivery is the caller's
// responsibility — Broadcast never touches the local registry itself.
func (a *Adapter) Broadcast(topic string, message any, dispatcherID string) error {
	payload, err := a.encode(topic, message, dispatcherID)
	if err != nil {
		return err
	}
	proc := processName(a.name, shardFor(topic, a.broadcastPoolSize))
	for _, peer := range a.transport.ListPeers() {
		a.sendTo(peer, proc, payload)
	}
	if a.metrics != nil {
		a.metrics.BroadcastFanoutTotal.Inc()
	}
	return nil
}

// DirectBroadcast sends message to target only (spec.md §4.C
// direct_broadcast). Returns a TransportUnreachable error wrapping
// ErrUnknownPeer if target is not among the transport's current peers.
func (a *Adapter) DirectBroadcast(target transport.NodeName, topic string, message any, dispatcherID string) error {
	known := false
	for _, peer := range a.transport.ListPeers() {
		if peer == target {
			known = true
			break
		}
	}
	if !known {
		return errs.Wrap(errs.TransportUnreachable, string(target), errs.ErrUnknownPeer)
	}

	payload, err := a.encode(topic, message, dispatcherID)
	if err != nil {
		return err
	}
	proc := processName(a.name, shardFor(topic, a.broadcastPoolSize))
	a.sendTo(target, proc, payload)
	if a.metrics != nil {
		a.metrics.BroadcastFanoutTotal.Inc()
	}
	return nil
}

func (a *Adapter) encode(topic string, message any, dispatcherID string) ([]byte, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode broadcast payload: %w", err)
	}
	fm := forwardMessage{
		Topic:        topic,
		Payload:      raw,
		DispatcherID: dispatcherID,
		Origin:       string(a.transport.ThisNode()),
	}
	out, err := json.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("encode forward envelope: %w", err)
	}
	return out, nil
}

func (a *Adapter) sendTo(peer transport.NodeName, proc transport.ProcessName, payload []byte) {
	if a.rateLimit > 0 {
		if !a.limiterFor(peer).Allow() {
			return // shed load toward a peer that can't keep up; never blocks the caller
		}
	}
	a.transport.SendAsync(peer, proc, payload)
}

func (a *Adapter) limiterFor(peer transport.NodeName) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[peer]
	if !ok {
		l = rate.NewLimiter(a.rateLimit, int(a.rateLimit)+1)
		a.limiters[peer] = l
	}
	return l
}

// receive is invoked by the transport for an inbound {forward, ...}
// message on receiver shard. It performs a local dispatch on this node's
// registry with sender = :none — cross-node broadcasts never filter by
// sender (spec.md §4.C, §9 Design Notes).
func (a *Adapter) receive(shard int, from transport.NodeName, payload []byte) {
	var fm forwardMessage
	if err := json.Unmarshal(payload, &fm); err != nil {
		a.logger.Warn().Err(err).Str("from", string(from)).Msg("malformed forward message, discarding")
		return
	}

	var message any
	if err := json.Unmarshal(fm.Payload, &message); err != nil {
		a.logger.Warn().Err(err).Str("topic", fm.Topic).Msg("malformed forward payload, discarding")
		return
	}

	dispatcher := a.dispatchers.Resolve(fm.DispatcherID)
	a.registry.Dispatch(fm.Topic, dispatch.None, message, dispatcher)
}

// NodeName returns this node's identity, per spec.md §4.C node_name(name).
func (a *Adapter) NodeName() transport.NodeName { return a.transport.ThisNode() }

// Close unregisters every receiver endpoint.
func (a *Adapter) Close() {
	for _, unsub := range a.unsubscribe {
		unsub()
	}
}
