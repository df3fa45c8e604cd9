package tracker

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/meshpubsub/internal/errs"
	"github.com/adred-codev/meshpubsub/internal/metrics"
	"github.com/adred-codev/meshpubsub/internal/transport"
)

// Supervisor is the Tracker Supervisor + Router of spec.md §4.F: it
// starts tracker_pool_size shards, hashes every call's topic to one of
// them, and restarts a shard whose Run goroutine panics.
type Supervisor struct {
	name    string
	cfg     Config
	t       transport.Transport
	metrics *metrics.Metrics
	handler Handler
	logger  zerolog.Logger

	mu         sync.RWMutex
	shards     []*Shard
	cancels    []context.CancelFunc
	unsub      []func()
	shutdownCh chan struct{}
}

// NewSupervisor starts cfg.ShardCount tracker shards for instance name,
// wiring each to transport t and handler (nil uses NopHandler).
func NewSupervisor(name string, cfg Config, t transport.Transport, m *metrics.Metrics, handler Handler, logger zerolog.Logger) (*Supervisor, error) {
	if cfg.ShardCount < 1 {
		return nil, errs.New(errs.ConfigInvalid, "tracker_pool_size must be > 0")
	}
	if cfg.BroadcastPeriod <= 0 {
		return nil, errs.New(errs.ConfigInvalid, "tracker broadcast_period must be > 0")
	}
	if cfg.PermdownPeriod <= cfg.BroadcastPeriod {
		return nil, errs.New(errs.ConfigInvalid, "tracker permdown_period must exceed broadcast_period")
	}

	sup := &Supervisor{
		name:       name,
		cfg:        cfg,
		t:          t,
		metrics:    m,
		handler:    handler,
		logger:     logger.With().Str("component", "tracker_supervisor").Str("name", name).Logger(),
		shutdownCh: make(chan struct{}),
	}

	sup.shards = make([]*Shard, cfg.ShardCount)
	sup.cancels = make([]context.CancelFunc, cfg.ShardCount)
	for i := 0; i < cfg.ShardCount; i++ {
		if err := sup.startShard(i); err != nil {
			sup.Close()
			return nil, err
		}
	}

	go sup.watchEvents()
	return sup, nil
}

// watchEvents forwards every EventDown from the transport to all shards
// immediately, per spec.md §3 R2 and §4.E's "Node down event from
// transport" path — distinct from, and faster than, sweepPermdown's
// heartbeat-timeout path. Exits when t.Events() closes (transport.Close).
func (sup *Supervisor) watchEvents() {
	for ev := range sup.t.Events() {
		if ev.Kind != transport.EventDown {
			continue
		}
		sup.mu.RLock()
		shards := append([]*Shard(nil), sup.shards...)
		sup.mu.RUnlock()
		for _, shard := range shards {
			if shard != nil {
				shard.NotifyPeerDown(ev.Node)
			}
		}
	}
}

func (sup *Supervisor) startShard(index int) error {
	shard := NewShard(sup.name, index, sup.t, sup.metrics, sup.handler, sup.cfg.BroadcastPeriod, sup.cfg.PermdownPeriod, sup.cfg.SoftDown, sup.logger)

	unsub, err := sup.t.Subscribe(shard.ProcessName(), func(from transport.NodeName, payload []byte) {
		shard.Deliver(from, payload)
	})
	if err != nil {
		return fmt.Errorf("subscribe tracker shard %d: %w", index, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sup.mu.Lock()
	sup.shards[index] = shard
	sup.cancels[index] = cancel
	sup.unsub = append(sup.unsub, unsub)
	sup.mu.Unlock()

	go sup.supervise(ctx, index, shard)
	return nil
}

// supervise runs shard and, if its Run panics, replaces it with a fresh
// incarnation starting from empty state — peers will re-replicate their
// views to it (spec.md §4.F "restarts a crashed shard").
func (sup *Supervisor) supervise(ctx context.Context, index int, shard *Shard) {
	defer func() {
		if r := recover(); r != nil {
			sup.logger.Error().Interface("panic", r).Int("shard", index).Msg("tracker shard crashed, restarting")
			select {
			case <-sup.shutdownCh:
				return
			default:
			}
			if err := sup.startShard(index); err != nil {
				sup.logger.Error().Err(err).Int("shard", index).Msg("failed to restart tracker shard")
			}
		}
	}()
	shard.Run(ctx)
}

func (sup *Supervisor) shardFor(topic string) *Shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	idx := int(h.Sum32()) % len(sup.shards)

	sup.mu.RLock()
	defer sup.mu.RUnlock()
	return sup.shards[idx]
}

// Track adds (topic, key) with metadata, owned until live.Done() fires
// (spec.md §4.E track/3).
func (sup *Supervisor) Track(topic, key string, metadata any, live Liveness) (ShardRef, error) {
	result := make(chan trackResult, 1)
	sup.shardFor(topic).trackCh <- trackCmd{topic: topic, key: key, metadata: metadata, live: live, result: result}
	r := <-result
	return r.ref, r.err
}

// Untrack removes (topic, key) explicitly (spec.md §4.E untrack/2).
func (sup *Supervisor) Untrack(topic, key string) error {
	done := make(chan error, 1)
	sup.shardFor(topic).untrackCh <- untrackCmd{topic: topic, key: key, done: done}
	return <-done
}

// Update replaces (topic, key)'s metadata via fn, emitted as remove+add
// with fresh clocks (spec.md §4.E update/3).
func (sup *Supervisor) Update(topic, key string, fn func(any) any) error {
	done := make(chan error, 1)
	sup.shardFor(topic).updateCh <- updateCmd{topic: topic, key: key, fn: fn, done: done}
	return <-done
}

// List returns every currently-known entry for topic, local and remote
// (spec.md §4.E list/1).
func (sup *Supervisor) List(topic string) []Entry {
	result := make(chan []Entry, 1)
	sup.shardFor(topic).listCh <- listCmd{topic: topic, result: result}
	return <-result
}

// GetByKey returns every entry tracked under (topic, key), one per
// owning node: key is only unique per (topic, owner_node) (spec.md §3),
// so more than one node may legitimately own the same key at once.
func (sup *Supervisor) GetByKey(topic, key string) []Entry {
	result := make(chan []Entry, 1)
	sup.shardFor(topic).getByKeyCh <- getByKeyCmd{topic: topic, key: key, result: result}
	return <-result
}

// snapshot exposes internal shard state for tests.
func (sup *Supervisor) snapshot(topic string) shardSnapshot {
	result := make(chan shardSnapshot, 1)
	sup.shardFor(topic).snapshotCh <- snapshotCmd{result: result}
	return <-result
}

// Close stops every shard and unregisters their transport receivers.
func (sup *Supervisor) Close() {
	close(sup.shutdownCh)
	sup.mu.Lock()
	defer sup.mu.Unlock()
	for _, cancel := range sup.cancels {
		if cancel != nil {
			cancel()
		}
	}
	for _, unsub := range sup.unsub {
		unsub()
	}
}

// gossipNow is a test hook forcing an out-of-band gossip tick instead of
// waiting out broadcast_period; production code never calls this.
func (sup *Supervisor) gossipNow(topic string) {
	sup.shardFor(topic).gossip()
}
