// Package tracker implements the CRDT-based presence tracker of
// spec.md §4.E/§4.F: a replicated set of {topic, key, metadata} triples,
// one OR-Set-style shard per slice of topics, gossiping deltas over
// heartbeats and surfacing {joins, leaves} diffs to a user Handler.
package tracker

import (
	"time"

	"github.com/adred-codev/meshpubsub/internal/transport"
)

// ShardRef identifies one shard incarnation: a fresh random id is minted
// every time a shard (re)starts, so peers can tell a restarted shard's
// entries apart from its predecessor's and invalidate the old ones
// (spec.md §3 "owner_shard_ref", §9 "CRDT clocks").
type ShardRef string

// Clock is a per-incarnation monotonically increasing counter. The pair
// (ShardRef, Clock) uniquely tags every delta (spec.md §9).
type Clock uint64

// Entry is one tracked presence row, as returned by List/GetByKey. key is
// only unique per (topic, owner_node) (spec.md §3), so GetByKey can
// legitimately return more than one Entry for the same (topic, key) when
// several nodes track it simultaneously.
type Entry struct {
	Topic    string
	Key      string
	Owner    transport.NodeName
	Metadata any
	// SoftDown is the owning node's own health.Sampler verdict at the
	// moment this entry was last (re)tracked (spec.md §6 down_period):
	// informational only, never load-bearing for replication or purge.
	SoftDown bool
}

// op is the kind of a single delta.
type op int

const (
	opAdd op = iota
	opRemove
)

// delta is one CRDT mutation, tagged with the clock it was produced at.
type delta struct {
	Op       op     `json:"op"`
	Topic    string `json:"topic"`
	Key      string `json:"key"`
	Metadata any    `json:"metadata,omitempty"`
	SoftDown bool   `json:"soft_down,omitempty"`
	Owner    ShardRef
	Clock    Clock `json:"clock"`
}

// valueKey identifies one row of the values table: spec.md §3 keys
// values by {topic, key, owner_shard_ref}, since the same (topic, key)
// may be legitimately tracked by more than one shard incarnation during
// a handover.
type valueKey struct {
	Topic string
	Key   string
	Owner ShardRef
}

type valueEntry struct {
	Metadata any
	SoftDown bool
	Clock    Clock
}

// Diff is what Handler.HandleDiff receives after a batch of deltas from
// one peer shard has been merged.
type Diff struct {
	Joins  []Entry
	Leaves []Entry
}

// Handler is the user-supplied presence observer (spec.md §4.F "handler
// contract"). Init seeds a user-owned state value; HandleDiff is invoked
// once per merged batch and returns the (possibly updated) state.
type Handler interface {
	Init() any
	HandleDiff(diff Diff, state any) any
}

// NopHandler is a Handler that ignores every diff, for callers that only
// want List/GetByKey and don't need push notifications.
type NopHandler struct{}

// Init implements Handler.
func (NopHandler) Init() any { return nil }

// HandleDiff implements Handler.
func (NopHandler) HandleDiff(_ Diff, state any) any { return state }

// heartbeat is the {heartbeat, sender_ref, sender_clock, deltas} wire
// message of spec.md §6.
type heartbeat struct {
	SenderRef   ShardRef `json:"sender_ref"`
	SenderClock Clock    `json:"sender_clock"`
	Deltas      []delta  `json:"deltas"`
	// RequestTransfer asks the receiver to reply with its full state
	// instead of trusting this (possibly truncated) delta batch, used
	// when pending_delta exceeds the size budget (spec.md §4.E).
	RequestTransfer bool `json:"request_transfer,omitempty"`
}

// transferReply is {transfer_reply, full_state} of spec.md §6, sent in
// response to a heartbeat with RequestTransfer set.
type transferReply struct {
	SenderRef ShardRef `json:"sender_ref"`
	Full      []delta  `json:"full_state"`
}

// wireEnvelope tags which of the two tracker message shapes payload is,
// since both travel over the same transport process name.
type wireEnvelope struct {
	Kind     string         `json:"kind"` // "heartbeat" | "transfer_reply"
	Beat     *heartbeat     `json:"heartbeat,omitempty"`
	Transfer *transferReply `json:"transfer,omitempty"`
}

// Config configures a Supervisor.
type Config struct {
	Name              string
	ShardCount        int
	BroadcastPeriod   time.Duration
	PermdownPeriod    time.Duration
	PendingDeltaLimit int
	// SoftDown, if set, is consulted on every (re)track to stamp the new
	// entry's SoftDown flag — wiring health.Sampler.SoftDown into presence
	// metadata (spec.md §6 down_period). Nil means every entry reports
	// SoftDown: false, i.e. no health sampler wired.
	SoftDown func() bool
}

const defaultPendingDeltaLimit = 256
