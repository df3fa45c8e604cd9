package registry

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/adred-codev/meshpubsub/internal/dispatch"
)

// entry is a stored {handle, value} subscription (spec.md §3).
type entry struct {
	handle Handle
	value  any
}

type subscribeCmd struct {
	topic  string
	handle Handle
	value  any
	done   chan struct{}
}

type unsubscribeCmd struct {
	topic  string
	handle Handle
	done   chan struct{}
}

type reapCmd struct {
	handle Handle
	topics []string
	done   chan struct{}
}

type dispatchCmd struct {
	topic      string
	sender     dispatch.Sender
	message    any
	dispatcher dispatch.Dispatcher
	done       chan struct{}
}

type snapshotCmd struct {
	topic  string
	result chan []dispatch.Entry
}

// Shard is one partition of the sharded registry: a map from topic to its
// subscriber list, mutated by exactly one goroutine (Run), so no lock is
// needed for the map itself (spec.md §3, "Registry shard").
//
// Mutations replace a topic's slice wholesale rather than editing it in
// place, so a snapshot handed to a dispatcher is never mutated underneath
// it — the isolation spec.md §4.B requires between dispatch and concurrent
// subscribe/unsubscribe.
type Shard struct {
	id     int
	topics map[string][]entry
	logger zerolog.Logger

	subscribeCh   chan subscribeCmd
	unsubscribeCh chan unsubscribeCmd
	reapCh        chan reapCmd
	dispatchCh    chan dispatchCmd
	snapshotCh    chan snapshotCmd
}

// NewShard creates shard id with the given command buffer depth.
func NewShard(id int, logger zerolog.Logger, bufferSize int) *Shard {
	return &Shard{
		id:            id,
		topics:        make(map[string][]entry),
		logger:        logger.With().Int("shard", id).Logger(),
		subscribeCh:   make(chan subscribeCmd, bufferSize),
		unsubscribeCh: make(chan unsubscribeCmd, bufferSize),
		reapCh:        make(chan reapCmd, bufferSize),
		dispatchCh:    make(chan dispatchCmd, bufferSize),
		snapshotCh:    make(chan snapshotCmd, bufferSize),
	}
}

// Run is the shard's single-threaded event loop. It returns when ctx is
// cancelled.
func (s *Shard) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.subscribeCh:
			s.topics[cmd.topic] = append(s.topics[cmd.topic], entry{handle: cmd.handle, value: cmd.value})
			close(cmd.done)
		case cmd := <-s.unsubscribeCh:
			s.removeAll(cmd.topic, cmd.handle)
			close(cmd.done)
		case cmd := <-s.reapCh:
			for _, topic := range cmd.topics {
				s.removeAll(topic, cmd.handle)
			}
			close(cmd.done)
		case cmd := <-s.dispatchCh:
			entries := s.snapshot(cmd.topic)
			cmd.dispatcher.Dispatch(entries, cmd.sender, cmd.message)
			close(cmd.done)
		case cmd := <-s.snapshotCh:
			cmd.result <- s.snapshot(cmd.topic)
		}
	}
}

// removeAll drops every entry for handle under topic, replacing the slice
// wholesale (never mutating a slice a snapshot may be holding).
func (s *Shard) removeAll(topic string, handle Handle) {
	existing, ok := s.topics[topic]
	if !ok {
		return
	}
	kept := make([]entry, 0, len(existing))
	for _, e := range existing {
		if e.handle.Identity() != handle.Identity() {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(s.topics, topic)
		return
	}
	s.topics[topic] = kept
}

func (s *Shard) snapshot(topic string) []dispatch.Entry {
	existing := s.topics[topic]
	if len(existing) == 0 {
		return nil
	}
	out := make([]dispatch.Entry, len(existing))
	for i, e := range existing {
		out[i] = dispatch.Entry{Handle: e.handle, Value: e.value}
	}
	return out
}
