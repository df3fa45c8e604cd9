package tracker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/meshpubsub/internal/errs"
	"github.com/adred-codev/meshpubsub/internal/metrics"
	"github.com/adred-codev/meshpubsub/internal/transport"
)

// Liveness is the minimal liveness signal a tracked entry's owner must
// supply: a channel that closes on involuntary exit, triggering an
// automatic Untrack (spec.md §4.E "installs a monitor on the caller").
type Liveness interface {
	Done() <-chan struct{}
}

type localKey struct {
	Topic string
	Key   string
}

// command payloads, sent to the shard's own goroutine and answered over
// a per-call result channel (same RPC-over-channel shape as
// internal/registry's shard commands, so every shard stays single-owner
// for its CRDT tables with no locks).

type trackCmd struct {
	topic, key string
	metadata   any
	live       Liveness
	result     chan trackResult
}

type trackResult struct {
	ref ShardRef
	err error
}

type untrackCmd struct {
	topic, key string
	done       chan error
}

type untrackAllCmd struct {
	live Liveness
	done chan struct{}
}

type updateCmd struct {
	topic, key string
	fn         func(any) any
	done       chan error
}

type listCmd struct {
	topic  string
	result chan []Entry
}

type getByKeyCmd struct {
	topic, key string
	result     chan []Entry
}

type inboundCmd struct {
	from    transport.NodeName
	payload []byte
}

// peerDownCmd carries an immediate peer-down notification forwarded from
// Transport.Events() (spec.md §3 R2, §4.E "Node down event from
// transport"), as opposed to the slow heartbeat-timeout path.
type peerDownCmd struct {
	node transport.NodeName
}

type snapshotCmd struct {
	result chan shardSnapshot
}

// shardSnapshot is exposed for tests/introspection only.
type shardSnapshot struct {
	Ref         ShardRef
	Clock       Clock
	ValueCount  int
	KnownPeers  int
	PendingSize int
}

// Shard is one CRDT replica: spec.md §4.E. Every method on Shard hands a
// command to the owning goroutine over a channel; Run is the only
// goroutine that ever touches the unexported tables below.
type Shard struct {
	name   string
	index  int
	ref    ShardRef
	logger zerolog.Logger

	transport         transport.Transport
	metrics           *metrics.Metrics
	handler           Handler
	broadcastPeriod   time.Duration
	permdownPeriod    time.Duration
	pendingDeltaLimit int
	// softDown, if set, reports this node's current health.Sampler verdict
	// (spec.md §6 down_period); nil means always healthy.
	softDown func() bool

	trackCh      chan trackCmd
	untrackCh    chan untrackCmd
	untrackAllCh chan untrackAllCmd
	updateCh     chan updateCmd
	listCh       chan listCmd
	getByKeyCh   chan getByKeyCmd
	inboundCh    chan inboundCmd
	snapshotCh   chan snapshotCmd
	peerDownCh   chan peerDownCmd

	// owned exclusively by Run's goroutine
	clock        Clock
	values       map[valueKey]valueEntry
	local        map[localKey]struct{}
	ownerOf      map[localKey]Liveness
	owners       map[Liveness]map[localKey]struct{}
	watchCancel  map[Liveness]context.CancelFunc
	peerClocks   map[ShardRef]Clock
	peerLastSeen map[ShardRef]time.Time
	peerNode     map[ShardRef]transport.NodeName
	nodeRef      map[transport.NodeName]ShardRef
	pendingDelta map[ShardRef][]delta
	state        any
}

func newShardRef() ShardRef {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failures are effectively impossible on a real OS;
		// fall back to a timestamp-derived id rather than panic.
		return ShardRef(fmt.Sprintf("fallback-%d", time.Now().UnixNano()))
	}
	return ShardRef(hex.EncodeToString(buf))
}

// NewShard creates shard index of a tracker instance. handler may be nil,
// in which case diffs are discarded (NopHandler semantics). softDown may
// be nil, in which case every tracked entry reports SoftDown: false.
func NewShard(name string, index int, t transport.Transport, m *metrics.Metrics, handler Handler, broadcastPeriod, permdownPeriod time.Duration, softDown func() bool, logger zerolog.Logger) *Shard {
	if handler == nil {
		handler = NopHandler{}
	}
	s := &Shard{
		name:              name,
		index:             index,
		ref:               newShardRef(),
		logger:            logger.With().Str("component", "tracker_shard").Str("name", name).Int("shard", index).Logger(),
		transport:         t,
		metrics:           m,
		handler:           handler,
		broadcastPeriod:   broadcastPeriod,
		permdownPeriod:    permdownPeriod,
		pendingDeltaLimit: defaultPendingDeltaLimit,
		softDown:          softDown,

		trackCh:      make(chan trackCmd),
		untrackCh:    make(chan untrackCmd),
		untrackAllCh: make(chan untrackAllCmd, 8),
		updateCh:     make(chan updateCmd),
		listCh:       make(chan listCmd),
		getByKeyCh:   make(chan getByKeyCmd),
		inboundCh:    make(chan inboundCmd, 64),
		snapshotCh:   make(chan snapshotCmd),
		peerDownCh:   make(chan peerDownCmd, 16),

		values:       make(map[valueKey]valueEntry),
		local:        make(map[localKey]struct{}),
		ownerOf:      make(map[localKey]Liveness),
		owners:       make(map[Liveness]map[localKey]struct{}),
		watchCancel:  make(map[Liveness]context.CancelFunc),
		peerClocks:   make(map[ShardRef]Clock),
		peerLastSeen: make(map[ShardRef]time.Time),
		peerNode:     make(map[ShardRef]transport.NodeName),
		nodeRef:      make(map[transport.NodeName]ShardRef),
		pendingDelta: make(map[ShardRef][]delta),
	}
	s.state = handler.Init()
	return s
}

// ProcessName is the transport endpoint this shard's gossip travels over.
func (s *Shard) ProcessName() transport.ProcessName {
	return transport.ProcessName(fmt.Sprintf("%s.tracker#%d", s.name, s.index))
}

// Deliver hands an inbound transport payload to the shard's goroutine.
// Safe to call from the transport's own dispatch goroutine.
func (s *Shard) Deliver(from transport.NodeName, payload []byte) {
	s.inboundCh <- inboundCmd{from: from, payload: payload}
}

// NotifyPeerDown tells the shard a node just went down, per the
// Transport.Events() EventDown path (spec.md §3 R2, §4.E). Safe to call
// from the Supervisor's events-forwarding goroutine.
func (s *Shard) NotifyPeerDown(node transport.NodeName) {
	s.peerDownCh <- peerDownCmd{node: node}
}

// Run owns every table on Shard until ctx is cancelled. A crashed Run
// (panic recovered by the Supervisor) leaves an empty-state successor
// with a fresh ref, per spec.md §4.F.
func (s *Shard) Run(ctx context.Context) {
	ticker := time.NewTicker(jitter(s.broadcastPeriod))
	defer ticker.Stop()

	s.logger.Info().Str("ref", string(s.ref)).Msg("tracker shard started")

	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-s.trackCh:
			cmd.result <- s.handleTrack(cmd)

		case cmd := <-s.untrackCh:
			cmd.done <- s.handleUntrack(cmd.topic, cmd.key)

		case cmd := <-s.untrackAllCh:
			s.handleUntrackAll(cmd.live)
			close(cmd.done)

		case cmd := <-s.updateCh:
			cmd.done <- s.handleUpdate(cmd)

		case cmd := <-s.listCh:
			cmd.result <- s.handleList(cmd.topic)

		case cmd := <-s.getByKeyCh:
			cmd.result <- s.handleGetByKey(cmd.topic, cmd.key)

		case cmd := <-s.inboundCh:
			s.handleInbound(cmd.from, cmd.payload)

		case cmd := <-s.peerDownCh:
			s.handlePeerDown(cmd.node)

		case cmd := <-s.snapshotCh:
			cmd.result <- s.handleSnapshot()

		case <-ticker.C:
			s.gossip()
			s.sweepPermdown()
			ticker.Reset(jitter(s.broadcastPeriod))
		}
	}
}

// jitter returns d randomized by ±25%, per spec.md §4.E, to desynchronize
// nodes' gossip ticks.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d) / 2 // ±25% of d == half of d wide
	n, err := rand.Int(rand.Reader, big.NewInt(spread+1))
	offset := spread / 2
	if err == nil {
		offset = n.Int64() - spread/2
	}
	return time.Duration(int64(d) + offset)
}

func (s *Shard) nextClock() Clock {
	s.clock++
	return s.clock
}

// isSoftDown reports this node's current health.Sampler verdict, if one
// was wired (spec.md §6 down_period).
func (s *Shard) isSoftDown() bool {
	return s.softDown != nil && s.softDown()
}

func (s *Shard) handleTrack(cmd trackCmd) trackResult {
	lk := localKey{Topic: cmd.topic, Key: cmd.key}
	if _, exists := s.local[lk]; exists {
		return trackResult{err: errs.New(errs.AlreadyTracked, fmt.Sprintf("%s/%s", cmd.topic, cmd.key))}
	}

	clock := s.nextClock()
	soft := s.isSoftDown()
	s.values[valueKey{Topic: cmd.topic, Key: cmd.key, Owner: s.ref}] = valueEntry{Metadata: cmd.metadata, SoftDown: soft, Clock: clock}
	s.local[lk] = struct{}{}
	s.ownerOf[lk] = cmd.live

	if s.owners[cmd.live] == nil {
		s.owners[cmd.live] = make(map[localKey]struct{})
		s.watchCancel[cmd.live] = s.startWatch(cmd.live)
	}
	s.owners[cmd.live][lk] = struct{}{}

	s.enqueueDelta(delta{Op: opAdd, Topic: cmd.topic, Key: cmd.key, Metadata: cmd.metadata, SoftDown: soft, Owner: s.ref, Clock: clock})
	if s.metrics != nil {
		s.metrics.TrackerJoinsTotal.Inc()
		s.metrics.TrackerEntriesGauge.Set(float64(len(s.values)))
	}
	return trackResult{ref: s.ref}
}

// startWatch spawns a goroutine that waits on live.Done() and, on fire,
// asks this shard's own goroutine to untrack everything that owner holds
// (spec.md §4.E "monitor on the caller").
func (s *Shard) startWatch(live Liveness) context.CancelFunc {
	watchCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-watchCtx.Done():
			return
		case <-live.Done():
			done := make(chan struct{})
			select {
			case s.untrackAllCh <- untrackAllCmd{live: live, done: done}:
				<-done
			case <-watchCtx.Done():
			}
		}
	}()
	return cancel
}

func (s *Shard) handleUntrack(topic, key string) error {
	lk := localKey{Topic: topic, Key: key}
	if _, exists := s.local[lk]; !exists {
		return errs.New(errs.NotTracked, fmt.Sprintf("%s/%s", topic, key))
	}
	s.removeLocal(lk)
	return nil
}

func (s *Shard) handleUntrackAll(live Liveness) {
	keys := s.owners[live]
	for lk := range keys {
		s.removeLocal(lk)
	}
	delete(s.owners, live)
	if cancel, ok := s.watchCancel[live]; ok {
		cancel()
		delete(s.watchCancel, live)
	}
}

func (s *Shard) removeLocal(lk localKey) {
	delete(s.values, valueKey{Topic: lk.Topic, Key: lk.Key, Owner: s.ref})
	delete(s.local, lk)
	if live, ok := s.ownerOf[lk]; ok {
		if set := s.owners[live]; set != nil {
			delete(set, lk)
		}
		delete(s.ownerOf, lk)
	}
	clock := s.nextClock()
	s.enqueueDelta(delta{Op: opRemove, Topic: lk.Topic, Key: lk.Key, Owner: s.ref, Clock: clock})
	if s.metrics != nil {
		s.metrics.TrackerLeavesTotal.Inc()
		s.metrics.TrackerEntriesGauge.Set(float64(len(s.values)))
	}
}

func (s *Shard) handleUpdate(cmd updateCmd) error {
	lk := localKey{Topic: cmd.topic, Key: cmd.key}
	vk := valueKey{Topic: cmd.topic, Key: cmd.key, Owner: s.ref}
	current, exists := s.values[vk]
	if !exists {
		return errs.New(errs.NotTracked, fmt.Sprintf("%s/%s", cmd.topic, cmd.key))
	}
	newMeta := cmd.fn(current.Metadata)
	soft := s.isSoftDown()

	removeClock := s.nextClock()
	s.enqueueDelta(delta{Op: opRemove, Topic: cmd.topic, Key: cmd.key, Owner: s.ref, Clock: removeClock})

	addClock := s.nextClock()
	s.values[vk] = valueEntry{Metadata: newMeta, SoftDown: soft, Clock: addClock}
	_ = lk
	s.enqueueDelta(delta{Op: opAdd, Topic: cmd.topic, Key: cmd.key, Metadata: newMeta, SoftDown: soft, Owner: s.ref, Clock: addClock})
	return nil
}

// nodeForRef resolves a shard ref to the node it currently lives on: our
// own ref always maps to this node, any other ref maps through peerNode.
func (s *Shard) nodeForRef(ref ShardRef) transport.NodeName {
	if ref == s.ref {
		return s.transport.ThisNode()
	}
	return s.peerNode[ref]
}

func (s *Shard) handleList(topic string) []Entry {
	var out []Entry
	for vk, ve := range s.values {
		if vk.Topic == topic {
			out = append(out, Entry{Topic: vk.Topic, Key: vk.Key, Owner: s.nodeForRef(vk.Owner), Metadata: ve.Metadata, SoftDown: ve.SoftDown})
		}
	}
	return out
}

// handleGetByKey returns every entry matching (topic, key) across all
// owning nodes: key is only unique per (topic, owner_node) (spec.md §3),
// so more than one node may legitimately track the same key at once.
func (s *Shard) handleGetByKey(topic, key string) []Entry {
	var out []Entry
	for vk, ve := range s.values {
		if vk.Topic == topic && vk.Key == key {
			out = append(out, Entry{Topic: vk.Topic, Key: vk.Key, Owner: s.nodeForRef(vk.Owner), Metadata: ve.Metadata, SoftDown: ve.SoftDown})
		}
	}
	return out
}

func (s *Shard) handleSnapshot() shardSnapshot {
	pending := 0
	for _, d := range s.pendingDelta {
		pending += len(d)
	}
	return shardSnapshot{
		Ref:         s.ref,
		Clock:       s.clock,
		ValueCount:  len(s.values),
		KnownPeers:  len(s.peerClocks),
		PendingSize: pending,
	}
}

// enqueueDelta owes d to every peer ref we currently know about. A peer
// ref we've never heard from yet is bootstrapped in full the first time
// we do hear from it (see observePeer), so there is nothing to enqueue
// for it before that.
func (s *Shard) enqueueDelta(d delta) {
	for ref := range s.peerClocks {
		s.pendingDelta[ref] = append(s.pendingDelta[ref], d)
	}
}

// fullSnapshot renders every locally-owned entry as an add delta, used to
// bootstrap a peer seen for the first time or to answer a transfer
// request.
func (s *Shard) fullSnapshot() []delta {
	out := make([]delta, 0, len(s.values))
	for vk, ve := range s.values {
		if vk.Owner != s.ref {
			continue
		}
		out = append(out, delta{Op: opAdd, Topic: vk.Topic, Key: vk.Key, Metadata: ve.Metadata, SoftDown: ve.SoftDown, Owner: vk.Owner, Clock: ve.Clock})
	}
	return out
}

func (s *Shard) observePeer(from transport.NodeName, ref ShardRef) {
	if _, known := s.peerClocks[ref]; !known {
		s.peerClocks[ref] = 0
		s.pendingDelta[ref] = s.fullSnapshot()
		s.logger.Debug().Str("peer_ref", string(ref)).Str("from", string(from)).Msg("new tracker peer, queued full bootstrap")
	}
	s.peerLastSeen[ref] = time.Now()
	s.peerNode[ref] = from
	s.nodeRef[from] = ref
}

func (s *Shard) handleInbound(from transport.NodeName, payload []byte) {
	var env wireEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.logger.Warn().Err(err).Str("from", string(from)).Msg("malformed tracker message, discarding")
		return
	}

	switch env.Kind {
	case "heartbeat":
		if env.Beat != nil {
			s.handleHeartbeat(from, *env.Beat)
		}
	case "transfer_reply":
		if env.Transfer != nil {
			s.handleTransferReply(*env.Transfer)
		}
	default:
		s.logger.Warn().Str("kind", env.Kind).Msg("unknown tracker message kind, discarding")
	}
}

func (s *Shard) handleHeartbeat(from transport.NodeName, hb heartbeat) {
	s.observePeer(from, hb.SenderRef)

	joins, leaves := s.mergeDeltas(hb.SenderRef, hb.Deltas)
	s.emitDiff(joins, leaves)

	if hb.RequestTransfer {
		reply := wireEnvelope{Kind: "transfer_reply", Transfer: &transferReply{SenderRef: s.ref, Full: s.fullSnapshot()}}
		s.send(from, reply)
	}
}

func (s *Shard) handleTransferReply(tr transferReply) {
	joins, leaves := s.mergeDeltas(tr.SenderRef, tr.Full)
	s.emitDiff(joins, leaves)
}

// mergeDeltas applies the deltas in a single batch whose clock exceeds
// what we've already seen from senderRef (idempotent merge, spec.md §3
// R3), and returns the {joins, leaves} that batch produced.
func (s *Shard) mergeDeltas(senderRef ShardRef, deltas []delta) (joins, leaves []Entry) {
	last := s.peerClocks[senderRef]
	for _, d := range deltas {
		if d.Clock <= last {
			continue // duplicate or out-of-order: discard
		}
		vk := valueKey{Topic: d.Topic, Key: d.Key, Owner: d.Owner}
		owner := s.nodeForRef(d.Owner)
		switch d.Op {
		case opAdd:
			s.values[vk] = valueEntry{Metadata: d.Metadata, SoftDown: d.SoftDown, Clock: d.Clock}
			joins = append(joins, Entry{Topic: d.Topic, Key: d.Key, Owner: owner, Metadata: d.Metadata, SoftDown: d.SoftDown})
		case opRemove:
			if _, ok := s.values[vk]; ok {
				delete(s.values, vk)
				leaves = append(leaves, Entry{Topic: d.Topic, Key: d.Key, Owner: owner})
			}
		}
		if d.Clock > last {
			last = d.Clock
		}
	}
	s.peerClocks[senderRef] = last
	if s.metrics != nil {
		s.metrics.TrackerEntriesGauge.Set(float64(len(s.values)))
	}
	return joins, leaves
}

func (s *Shard) emitDiff(joins, leaves []Entry) {
	if len(joins) == 0 && len(leaves) == 0 {
		return
	}
	s.state = s.handler.HandleDiff(Diff{Joins: joins, Leaves: leaves}, s.state)
}

// gossip fans pending deltas out to floor(log2(len(peers)))+1 randomly
// chosen peer nodes, per spec.md §9's resolution of the source's
// unspecified fan-out.
func (s *Shard) gossip() {
	peers := s.transport.ListPeers()
	if len(peers) == 0 {
		return
	}
	fanout := int(math.Log2(float64(len(peers)))) + 1
	if fanout > len(peers) {
		fanout = len(peers)
	}

	for i := 0; i < fanout; i++ {
		peer := peers[i]
		ref, known := s.nodeRef[peer]

		var deltas []delta
		requestTransfer := false
		if known {
			deltas = s.pendingDelta[ref]
			if len(deltas) > s.pendingDeltaLimit {
				deltas = deltas[:s.pendingDeltaLimit]
				requestTransfer = true
			}
			delete(s.pendingDelta, ref)
		} else {
			deltas = s.fullSnapshot()
		}

		env := wireEnvelope{Kind: "heartbeat", Beat: &heartbeat{
			SenderRef:       s.ref,
			SenderClock:     s.clock,
			Deltas:          deltas,
			RequestTransfer: requestTransfer,
		}}
		s.send(peer, env)
	}
}

func (s *Shard) send(to transport.NodeName, env wireEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		s.logger.Warn().Err(err).Msg("encode tracker message failed")
		return
	}
	s.transport.SendAsync(to, s.ProcessName(), payload)
}

// sweepPermdown purges every value owned by a peer ref we haven't heard
// from in permdown_period, per spec.md §4.E "Heartbeat timeout".
func (s *Shard) sweepPermdown() {
	now := time.Now()
	for ref, lastSeen := range s.peerLastSeen {
		if now.Sub(lastSeen) < s.permdownPeriod {
			continue
		}
		s.purgeRef(ref, "tracker peer declared permanently down")
	}
}

// handlePeerDown purges every value owned by the ref(s) we'd mapped to
// node, immediately and without waiting for permdown_period, per spec.md
// §3 R2 ("removed in bulk when the transport reports that peer down")
// and §4.E's explicit "Node down event from transport" path.
func (s *Shard) handlePeerDown(node transport.NodeName) {
	ref, known := s.nodeRef[node]
	if !known {
		return // this shard never saw a ref from that node
	}
	s.purgeRef(ref, "tracker peer node reported down by transport")
}

// purgeRef removes every value owned by ref, forgets everything we knew
// about it, and emits the resulting leaves as a diff. Shared by the
// heartbeat-timeout and transport-down-event paths (spec.md §3 R2).
func (s *Shard) purgeRef(ref ShardRef, logMsg string) {
	var leaves []Entry
	node := s.nodeForRef(ref)
	for vk, ve := range s.values {
		if vk.Owner == ref {
			leaves = append(leaves, Entry{Topic: vk.Topic, Key: vk.Key, Owner: node, Metadata: ve.Metadata, SoftDown: ve.SoftDown})
			delete(s.values, vk)
		}
	}
	if peerNode, ok := s.peerNode[ref]; ok {
		delete(s.nodeRef, peerNode)
	}
	delete(s.peerNode, ref)
	delete(s.peerClocks, ref)
	delete(s.peerLastSeen, ref)
	delete(s.pendingDelta, ref)

	if len(leaves) > 0 {
		s.emitDiff(nil, leaves)
	}
	if s.metrics != nil {
		s.metrics.TrackerPermdownTotal.Inc()
		s.metrics.TrackerEntriesGauge.Set(float64(len(s.values)))
	}
	s.logger.Info().Str("peer_ref", string(ref)).Msg(logMsg)
}
