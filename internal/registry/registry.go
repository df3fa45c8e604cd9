// Package registry implements the local subscription registry of
// spec.md §4.B: a sharded, concurrent topic → subscriber-set map.
package registry

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/meshpubsub/internal/dispatch"
	"github.com/adred-codev/meshpubsub/internal/errs"
)

// touched records that handle has an entry under (shard, topic), so a
// liveness death can reap every shard the handle ever touched without a
// full scan (spec.md §4.B, "reverse index handle → set<(shard, topic)>").
type touched struct {
	shardTopics map[int]map[string]struct{}
	cancelWatch func()
}

// Registry is the sharded local subscription registry. Topics are routed
// to shards by hash(topic) mod N; each shard serializes its own
// operations independently (spec.md §3, §5).
type Registry struct {
	shards []*Shard
	cancel context.CancelFunc

	mu      sync.Mutex
	byHandle map[string]*touched

	logger zerolog.Logger
}

// New creates a Registry with n shards and starts their event loops.
func New(n int, logger zerolog.Logger) *Registry {
	if n < 1 {
		n = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cancel:   cancel,
		byHandle: make(map[string]*touched),
		logger:   logger.With().Str("component", "registry").Logger(),
	}
	for i := 0; i < n; i++ {
		shard := NewShard(i, r.logger, 256)
		r.shards = append(r.shards, shard)
		go shard.Run(ctx)
	}
	return r
}

// Close stops every shard's event loop. Not safe to call twice.
func (r *Registry) Close() {
	r.cancel()
}

func (r *Registry) shardIndex(topic string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return int(h.Sum32()) % len(r.shards)
}

// Subscribe appends {handle, value} to topic's subscriber list and begins
// monitoring handle's liveness. Returns DeadHandle if handle is already
// dead at call time (spec.md §4.B). Duplicate (handle, topic) subscribes
// are allowed and each produces its own delivery (spec.md §3 invariant).
func (r *Registry) Subscribe(topic string, handle Handle, value any) error {
	select {
	case <-handle.Done():
		return errs.New(errs.DeadHandle, "handle is already dead")
	default:
	}

	idx := r.shardIndex(topic)
	done := make(chan struct{})
	r.shards[idx].subscribeCh <- subscribeCmd{topic: topic, handle: handle, value: value, done: done}
	<-done

	r.track(handle, idx, topic)
	return nil
}

// Unsubscribe removes every entry for (topic, handle) in its shard,
// atomically and idempotently (spec.md §3, §4.B).
func (r *Registry) Unsubscribe(topic string, handle Handle) error {
	idx := r.shardIndex(topic)
	done := make(chan struct{})
	r.shards[idx].unsubscribeCh <- unsubscribeCmd{topic: topic, handle: handle, done: done}
	<-done

	r.untrack(handle, idx, topic)
	return nil
}

// Dispatch snapshots topic's subscriber list on its owning shard and runs
// dispatcher against it synchronously — it returns once every handle in
// the snapshot has been handed the message (spec.md §4.B, §5).
func (r *Registry) Dispatch(topic string, sender dispatch.Sender, message any, dispatcher dispatch.Dispatcher) {
	idx := r.shardIndex(topic)
	done := make(chan struct{})
	r.shards[idx].dispatchCh <- dispatchCmd{topic: topic, sender: sender, message: message, dispatcher: dispatcher, done: done}
	<-done
}

// Snapshot returns the current subscriber list for topic, for callers
// (e.g. tests, introspection) that want the raw entries without running a
// dispatcher.
func (r *Registry) Snapshot(topic string) []dispatch.Entry {
	idx := r.shardIndex(topic)
	result := make(chan []dispatch.Entry, 1)
	r.shards[idx].snapshotCh <- snapshotCmd{topic: topic, result: result}
	return <-result
}

// ShardCount returns the number of shards, mostly useful in tests.
func (r *Registry) ShardCount() int { return len(r.shards) }

// track records that handle touched (shard, topic) and, the first time
// this handle is seen at all, spawns a watcher that reaps every shard the
// handle touched once its Done() channel closes.
func (r *Registry) track(handle Handle, shard int, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byHandle[handle.Identity()]
	if !ok {
		watchCtx, cancel := context.WithCancel(context.Background())
		t = &touched{shardTopics: make(map[int]map[string]struct{}), cancelWatch: cancel}
		r.byHandle[handle.Identity()] = t
		go r.watch(watchCtx, handle)
	}
	topics, ok := t.shardTopics[shard]
	if !ok {
		topics = make(map[string]struct{})
		t.shardTopics[shard] = topics
	}
	topics[topic] = struct{}{}
}

// untrack drops the (shard, topic) entry from the reverse index; if the
// handle no longer touches anything, its watcher is stopped.
func (r *Registry) untrack(handle Handle, shard int, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byHandle[handle.Identity()]
	if !ok {
		return
	}
	if topics, ok := t.shardTopics[shard]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(t.shardTopics, shard)
		}
	}
	if len(t.shardTopics) == 0 {
		t.cancelWatch()
		delete(r.byHandle, handle.Identity())
	}
}

// watch waits for handle to die (or for ctx to be cancelled because every
// subscription was explicitly unsubscribed first) and, on death, reaps
// every shard the handle touched.
func (r *Registry) watch(ctx context.Context, handle Handle) {
	select {
	case <-ctx.Done():
		return
	case <-handle.Done():
	}

	r.mu.Lock()
	t, ok := r.byHandle[handle.Identity()]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byHandle, handle.Identity())
	perShard := make(map[int][]string, len(t.shardTopics))
	for shard, topics := range t.shardTopics {
		list := make([]string, 0, len(topics))
		for topic := range topics {
			list = append(list, topic)
		}
		perShard[shard] = list
	}
	r.mu.Unlock()

	for shard, topics := range perShard {
		done := make(chan struct{})
		r.shards[shard].reapCh <- reapCmd{handle: handle, topics: topics, done: done}
		<-done
	}
}
