package tracker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/meshpubsub/internal/transport"
)

type liveness struct {
	ch chan struct{}
}

func newLiveness() *liveness { return &liveness{ch: make(chan struct{})} }

func (l *liveness) Done() <-chan struct{} { return l.ch }
func (l *liveness) kill()                 { close(l.ch) }

func newTestSupervisor(t *testing.T, tr transport.Transport) *Supervisor {
	t.Helper()
	sup, err := NewSupervisor("presence", Config{
		Name:            "presence",
		ShardCount:      1,
		BroadcastPeriod: 30 * time.Millisecond,
		PermdownPeriod:  150 * time.Millisecond,
	}, tr, nil, NopHandler{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(sup.Close)
	return sup
}

func TestTrackThenUntrack(t *testing.T) {
	cluster := transport.NewCluster()
	sup := newTestSupervisor(t, cluster.Join("a"))

	live := newLiveness()
	ref, err := sup.Track("room:1", "user:42", map[string]any{"name": "a"}, live)
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	entries := sup.List("room:1")
	require.Len(t, entries, 1)
	require.Equal(t, "user:42", entries[0].Key)

	require.NoError(t, sup.Untrack("room:1", "user:42"))
	require.Empty(t, sup.List("room:1"))
}

func TestTrackTwiceIsAlreadyTracked(t *testing.T) {
	cluster := transport.NewCluster()
	sup := newTestSupervisor(t, cluster.Join("a"))
	live := newLiveness()

	_, err := sup.Track("room:1", "user:42", nil, live)
	require.NoError(t, err)

	_, err = sup.Track("room:1", "user:42", nil, live)
	require.Error(t, err)
}

func TestLivenessDeathUntracksEverything(t *testing.T) {
	cluster := transport.NewCluster()
	sup := newTestSupervisor(t, cluster.Join("a"))
	live := newLiveness()

	_, err := sup.Track("room:1", "user:42", nil, live)
	require.NoError(t, err)
	_, err = sup.Track("room:2", "user:42", nil, live)
	require.NoError(t, err)

	live.kill()

	require.Eventually(t, func() bool {
		return len(sup.List("room:1")) == 0 && len(sup.List("room:2")) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestGossipReplicatesAcrossNodes(t *testing.T) {
	cluster := transport.NewCluster()
	supA := newTestSupervisor(t, cluster.Join("a"))
	supB := newTestSupervisor(t, cluster.Join("b"))

	live := newLiveness()
	_, err := supA.Track("room:1", "user:42", map[string]any{"name": "a"}, live)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries := supB.List("room:1")
		return len(entries) == 1 && entries[0].Key == "user:42"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPermdownPurgesDeadPeer(t *testing.T) {
	cluster := transport.NewCluster()
	nodeA := cluster.Join("a")
	supA := newTestSupervisor(t, nodeA)
	supB := newTestSupervisor(t, cluster.Join("b"))

	live := newLiveness()
	_, err := supA.Track("room:1", "user:42", map[string]any{"name": "a"}, live)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(supB.List("room:1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Stop A's only shard but leave A's transport up: B gets no down event
	// and has to purge on the permdown_period heartbeat timeout.
	supA.mu.RLock()
	stopA := supA.cancels[0]
	supA.mu.RUnlock()
	require.NotNil(t, stopA)
	stopA()

	require.Eventually(t, func() bool {
		return len(supB.List("room:1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestEventDownPurgesBeforePermdownTimeout proves the transport-down-event
// path (spec.md §3 R2, §4.E) purges a dead peer's entries immediately,
// independent of sweepPermdown's slow heartbeat-timeout path: permdown is
// set far longer than the time this test is willing to wait.
func TestEventDownPurgesBeforePermdownTimeout(t *testing.T) {
	cluster := transport.NewCluster()
	nodeA := cluster.Join("a")

	supA, err := NewSupervisor("presence", Config{
		Name: "presence", ShardCount: 1,
		BroadcastPeriod: 20 * time.Millisecond,
		PermdownPeriod:  time.Hour,
	}, nodeA, nil, NopHandler{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(supA.Close)

	supB, err := NewSupervisor("presence", Config{
		Name: "presence", ShardCount: 1,
		BroadcastPeriod: 20 * time.Millisecond,
		PermdownPeriod:  time.Hour,
	}, cluster.Join("b"), nil, NopHandler{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(supB.Close)

	live := newLiveness()
	_, err = supA.Track("room:1", "user:42", map[string]any{"name": "a"}, live)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(supB.List("room:1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, nodeA.Close())

	require.Eventually(t, func() bool {
		return len(supB.List("room:1")) == 0
	}, time.Second, 5*time.Millisecond, "expected immediate purge on transport down event, not the hour-long permdown timeout")
}

func TestTrackStampsSoftDownFromSampler(t *testing.T) {
	cluster := transport.NewCluster()
	softDown := false
	sup, err := NewSupervisor("presence", Config{
		Name: "presence", ShardCount: 1,
		BroadcastPeriod: 30 * time.Millisecond,
		PermdownPeriod:  150 * time.Millisecond,
		SoftDown:        func() bool { return softDown },
	}, cluster.Join("a"), nil, NopHandler{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(sup.Close)

	live := newLiveness()
	_, err = sup.Track("room:1", "user:1", nil, live)
	require.NoError(t, err)
	entries := sup.List("room:1")
	require.Len(t, entries, 1)
	require.False(t, entries[0].SoftDown)

	softDown = true
	_, err = sup.Track("room:1", "user:2", nil, newLiveness())
	require.NoError(t, err)

	var gotUser2 bool
	for _, e := range sup.List("room:1") {
		if e.Key == "user:2" {
			gotUser2 = true
			require.True(t, e.SoftDown)
		}
	}
	require.True(t, gotUser2)
}

func TestGetByKeyReturnsOneEntryPerOwningNode(t *testing.T) {
	cluster := transport.NewCluster()
	supA := newTestSupervisor(t, cluster.Join("a"))
	supB := newTestSupervisor(t, cluster.Join("b"))

	liveA := newLiveness()
	liveB := newLiveness()
	_, err := supA.Track("room:1", "user:42", map[string]any{"from": "a"}, liveA)
	require.NoError(t, err)
	_, err = supB.Track("room:1", "user:42", map[string]any{"from": "b"}, liveB)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(supA.GetByKey("room:1", "user:42")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	entries := supA.GetByKey("room:1", "user:42")
	owners := map[transport.NodeName]bool{}
	for _, e := range entries {
		owners[e.Owner] = true
	}
	require.True(t, owners["a"])
	require.True(t, owners["b"])
}

func TestHandlerReceivesDiffs(t *testing.T) {
	cluster := transport.NewCluster()

	var joins, leaves []Entry
	handler := &capturingHandler{onDiff: func(d Diff) {
		joins = append(joins, d.Joins...)
		leaves = append(leaves, d.Leaves...)
	}}

	supA, err := NewSupervisor("presence", Config{
		Name:            "presence",
		ShardCount:      1,
		BroadcastPeriod: 30 * time.Millisecond,
		PermdownPeriod:  150 * time.Millisecond,
	}, cluster.Join("a"), nil, NopHandler{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(supA.Close)

	supB, err := NewSupervisor("presence", Config{
		Name:            "presence",
		ShardCount:      1,
		BroadcastPeriod: 30 * time.Millisecond,
		PermdownPeriod:  150 * time.Millisecond,
	}, cluster.Join("b"), nil, handler, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(supB.Close)

	live := newLiveness()
	_, err = supA.Track("room:1", "user:42", nil, live)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(joins) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

type capturingHandler struct {
	onDiff func(Diff)
}

func (h *capturingHandler) Init() any { return nil }
func (h *capturingHandler) HandleDiff(diff Diff, state any) any {
	h.onDiff(diff)
	return state
}
