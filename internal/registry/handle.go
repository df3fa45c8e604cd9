package registry

import (
	"sync"

	"github.com/adred-codev/meshpubsub/internal/dispatch"
)

// Handle is the registry's abstraction for a subscriber mailbox (spec.md
// §3, "subscriber handle"). The registry compares handles by Identity and
// never inspects their contents beyond that. It embeds dispatch.Handle so
// every registry.Handle is usable directly by a Dispatcher.
type Handle interface {
	dispatch.Handle
	// Done returns a channel that is closed exactly once, when the handle
	// becomes permanently unable to receive (the liveness monitor of the
	// Erlang source, modeled as an external signal here).
	Done() <-chan struct{}
}

// ChannelHandle is a Handle backed by a bounded Go channel. Overflow is
// handled by dropping the oldest buffered message to make room for the
// newest one (documented per spec.md §5: a non-blocking hand-off needs
// either bounded-drop or a dedicated per-subscriber goroutine; this
// implementation picks bounded-drop-oldest).
type ChannelHandle struct {
	id string
	ch chan any

	mu   sync.Mutex
	done chan struct{}
	dead bool
}

// NewChannelHandle creates a handle with the given identity and mailbox
// capacity. capacity must be >= 1.
func NewChannelHandle(id string, capacity int) *ChannelHandle {
	if capacity < 1 {
		capacity = 1
	}
	return &ChannelHandle{
		id:   id,
		ch:   make(chan any, capacity),
		done: make(chan struct{}),
	}
}

func (h *ChannelHandle) Identity() string { return h.id }

// Send enqueues msg, dropping the oldest buffered message if the mailbox
// is full. Never blocks.
func (h *ChannelHandle) Send(msg any) {
	for {
		select {
		case h.ch <- msg:
			return
		default:
			select {
			case <-h.ch:
				// dropped oldest, retry enqueue
			default:
				return
			}
		}
	}
}

// Messages returns the channel subscribers read from.
func (h *ChannelHandle) Messages() <-chan any { return h.ch }

func (h *ChannelHandle) Done() <-chan struct{} { return h.done }

// Close marks the handle dead, closing Done() and waking anything
// monitoring it. Idempotent.
func (h *ChannelHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead {
		return
	}
	h.dead = true
	close(h.done)
}

// IsDead reports whether Close has already been called.
func (h *ChannelHandle) IsDead() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
