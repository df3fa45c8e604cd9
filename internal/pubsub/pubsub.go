// Package pubsub is the stable Facade of spec.md §4.D: subscribe,
// unsubscribe, and the broadcast family, looked up by instance name
// against a write-once metadata record (spec.md §3, §9 "Global state").
package pubsub

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/meshpubsub/internal/adapter"
	"github.com/adred-codev/meshpubsub/internal/dispatch"
	"github.com/adred-codev/meshpubsub/internal/errs"
	"github.com/adred-codev/meshpubsub/internal/metrics"
	"github.com/adred-codev/meshpubsub/internal/registry"
	"github.com/adred-codev/meshpubsub/internal/transport"
)

// Metadata is the per-name record of spec.md §3 ("PubSub instance
// metadata"): registered at Start and never mutated afterward.
type Metadata struct {
	Name              string
	AdapterName       string
	NodeName          transport.NodeName
	PoolSize          int
	BroadcastPoolSize int
	RegistrySize      int
}

// Config configures a new named instance.
type Config struct {
	Name               string
	Transport          transport.Transport
	PoolSize           int
	BroadcastPoolSize  int
	RegistrySize       int
	Logger             zerolog.Logger
	Metrics            *metrics.Metrics
	MaxSendRatePerPeer rate.Limit
}

type instance struct {
	registry    *registry.Registry
	adapter     *adapter.Adapter
	dispatchers *dispatch.Registry
	metrics     *metrics.Metrics
	meta        Metadata
}

// Manager is the global, per-process registry of named PubSub instances
// (spec.md §9 "Global state"). It is the Facade: every public operation
// takes an instance name and routes to that instance's registry/adapter.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*instance
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{instances: make(map[string]*instance)}
}

// Start wires a Registry and Adapter together under Config.Name and
// registers the resulting Metadata. Calling Start twice for the same name
// is an error — metadata is write-once.
func (m *Manager) Start(cfg Config) (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[cfg.Name]; exists {
		return Metadata{}, errs.New(errs.ConfigInvalid, fmt.Sprintf("instance %q already started", cfg.Name))
	}

	reg := registry.New(cfg.RegistrySize, cfg.Logger)
	dispatchers := dispatch.NewRegistry()

	ad, err := adapter.New(adapter.Config{
		Name:               cfg.Name,
		Transport:          cfg.Transport,
		Registry:           reg,
		Dispatchers:        dispatchers,
		PoolSize:           cfg.PoolSize,
		BroadcastPoolSize:  cfg.BroadcastPoolSize,
		Logger:             cfg.Logger,
		Metrics:            cfg.Metrics,
		MaxSendRatePerPeer: cfg.MaxSendRatePerPeer,
	})
	if err != nil {
		reg.Close()
		return Metadata{}, err
	}

	meta := Metadata{
		Name:              cfg.Name,
		AdapterName:       cfg.Name,
		NodeName:          cfg.Transport.ThisNode(),
		PoolSize:          cfg.PoolSize,
		BroadcastPoolSize: cfg.BroadcastPoolSize,
		RegistrySize:      cfg.RegistrySize,
	}

	m.instances[cfg.Name] = &instance{
		registry:    reg,
		adapter:     ad,
		dispatchers: dispatchers,
		metrics:     cfg.Metrics,
		meta:        meta,
	}
	return meta, nil
}

// Stop tears down a named instance, closing its registry shards and
// adapter receivers.
func (m *Manager) Stop(name string) {
	m.mu.Lock()
	inst, ok := m.instances[name]
	if ok {
		delete(m.instances, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	inst.adapter.Close()
	inst.registry.Close()
}

func (m *Manager) lookup(name string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[name]
	if !ok {
		return nil, errs.New(errs.ConfigInvalid, fmt.Sprintf("no such pubsub instance %q", name))
	}
	return inst, nil
}

// Metadata returns the write-once metadata for name.
func (m *Manager) Metadata(name string) (Metadata, error) {
	inst, err := m.lookup(name)
	if err != nil {
		return Metadata{}, err
	}
	return inst.meta, nil
}

// RegisterDispatcher names a custom Dispatcher under id for instance name,
// so cross-node {forward, ..., dispatcher_id, ...} messages naming id
// resolve to it locally (spec.md §4.G, §9 Design Notes). The same id must
// be registered on every node for cross-node delivery to use it; nodes
// that never call this fall back to Default (dispatch.Registry.Resolve).
func (m *Manager) RegisterDispatcher(name, id string, d dispatch.Dispatcher) error {
	inst, err := m.lookup(name)
	if err != nil {
		return err
	}
	inst.dispatchers.Register(id, d)
	return nil
}

func resolveDispatcherID(id string) string {
	if id == "" {
		return dispatch.DefaultID
	}
	return id
}

// Subscribe adds handle to topic's subscriber set for instance name
// (spec.md §4.D).
func (m *Manager) Subscribe(name, topic string, handle registry.Handle, value any) error {
	inst, err := m.lookup(name)
	if err != nil {
		return err
	}
	if err := inst.registry.Subscribe(topic, handle, value); err != nil {
		return err
	}
	if inst.metrics != nil {
		inst.metrics.SubscribeTotal.Inc()
	}
	return nil
}

// Unsubscribe removes every (handle, topic) entry for instance name
// (spec.md §4.D).
func (m *Manager) Unsubscribe(name, topic string, handle registry.Handle) error {
	inst, err := m.lookup(name)
	if err != nil {
		return err
	}
	if err := inst.registry.Unsubscribe(topic, handle); err != nil {
		return err
	}
	if inst.metrics != nil {
		inst.metrics.UnsubscribeTotal.Inc()
	}
	return nil
}

// Broadcast fans msg out cluster-wide and, only if that succeeds, dispatches
// it to this node's local subscribers of topic with sender = :none
// (spec.md §4.D).
func (m *Manager) Broadcast(name, topic string, msg any, dispatcherID string) error {
	inst, err := m.lookup(name)
	if err != nil {
		return err
	}
	dispatcherID = resolveDispatcherID(dispatcherID)
	if err := inst.adapter.Broadcast(topic, msg, dispatcherID); err != nil {
		if inst.metrics != nil {
			inst.metrics.BroadcastErrorsTotal.Inc()
		}
		return err
	}
	inst.registry.Dispatch(topic, dispatch.None, msg, inst.dispatchers.Resolve(dispatcherID))
	return nil
}

// BroadcastFrom is Broadcast, but the local dispatch excludes from — the
// default dispatcher skips any handle whose Identity matches from's
// (spec.md §4.D). Cross-node dispatch is never filtered: remote
// subscribers never equal a local handle's identity.
func (m *Manager) BroadcastFrom(name string, from registry.Handle, topic string, msg any, dispatcherID string) error {
	inst, err := m.lookup(name)
	if err != nil {
		return err
	}
	dispatcherID = resolveDispatcherID(dispatcherID)
	if err := inst.adapter.Broadcast(topic, msg, dispatcherID); err != nil {
		if inst.metrics != nil {
			inst.metrics.BroadcastErrorsTotal.Inc()
		}
		return err
	}
	inst.registry.Dispatch(topic, dispatch.Sender(from.Identity()), msg, inst.dispatchers.Resolve(dispatcherID))
	return nil
}

// LocalBroadcast dispatches msg to this node's subscribers of topic only,
// skipping the Adapter entirely (spec.md §4.D).
func (m *Manager) LocalBroadcast(name, topic string, msg any, dispatcherID string) error {
	inst, err := m.lookup(name)
	if err != nil {
		return err
	}
	dispatcherID = resolveDispatcherID(dispatcherID)
	inst.registry.Dispatch(topic, dispatch.None, msg, inst.dispatchers.Resolve(dispatcherID))
	return nil
}

// LocalBroadcastFrom is LocalBroadcast with sender exclusion.
func (m *Manager) LocalBroadcastFrom(name string, from registry.Handle, topic string, msg any, dispatcherID string) error {
	inst, err := m.lookup(name)
	if err != nil {
		return err
	}
	dispatcherID = resolveDispatcherID(dispatcherID)
	inst.registry.Dispatch(topic, dispatch.Sender(from.Identity()), msg, inst.dispatchers.Resolve(dispatcherID))
	return nil
}

// DirectBroadcast sends msg to target node only, via the Adapter; it
// never performs local dispatch — callers must not target their own node
// (spec.md §4.D).
func (m *Manager) DirectBroadcast(name string, target transport.NodeName, topic string, msg any, dispatcherID string) error {
	inst, err := m.lookup(name)
	if err != nil {
		return err
	}
	dispatcherID = resolveDispatcherID(dispatcherID)
	if err := inst.adapter.DirectBroadcast(target, topic, msg, dispatcherID); err != nil {
		if inst.metrics != nil {
			inst.metrics.BroadcastErrorsTotal.Inc()
		}
		return err
	}
	return nil
}

// NodeName returns the transport identity instance name is running on
// (spec.md §4.C node_name/1).
func (m *Manager) NodeName(name string) (transport.NodeName, error) {
	inst, err := m.lookup(name)
	if err != nil {
		return "", err
	}
	return inst.adapter.NodeName(), nil
}

// MustBroadcast is Broadcast, converting any error into a panic carrying
// *errs.BroadcastError (spec.md §4.D "raising variants").
func (m *Manager) MustBroadcast(name, topic string, msg any, dispatcherID string) {
	errs.AsBroadcastError(m.Broadcast(name, topic, msg, dispatcherID))
}

// MustBroadcastFrom is BroadcastFrom's raising variant.
func (m *Manager) MustBroadcastFrom(name string, from registry.Handle, topic string, msg any, dispatcherID string) {
	errs.AsBroadcastError(m.BroadcastFrom(name, from, topic, msg, dispatcherID))
}

// MustDirectBroadcast is DirectBroadcast's raising variant.
func (m *Manager) MustDirectBroadcast(name string, target transport.NodeName, topic string, msg any, dispatcherID string) {
	errs.AsBroadcastError(m.DirectBroadcast(name, target, topic, msg, dispatcherID))
}
