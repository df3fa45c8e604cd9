package tracker

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/meshpubsub/internal/errs"
	"github.com/adred-codev/meshpubsub/internal/metrics"
	"github.com/adred-codev/meshpubsub/internal/transport"
)

// Manager is the process-wide registry of named Tracker instances,
// mirroring pubsub.Manager's by-name lookup (spec.md §4.F "Per Tracker
// instance" API).
type Manager struct {
	mu   sync.RWMutex
	sups map[string]*Supervisor
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{sups: make(map[string]*Supervisor)}
}

// Start brings up a named Tracker instance.
func (m *Manager) Start(name string, cfg Config, t transport.Transport, mt *metrics.Metrics, handler Handler, logger zerolog.Logger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sups[name]; exists {
		return errs.New(errs.ConfigInvalid, fmt.Sprintf("tracker instance %q already started", name))
	}
	sup, err := NewSupervisor(name, cfg, t, mt, handler, logger)
	if err != nil {
		return err
	}
	m.sups[name] = sup
	return nil
}

// Stop tears down a named Tracker instance.
func (m *Manager) Stop(name string) {
	m.mu.Lock()
	sup, ok := m.sups[name]
	if ok {
		delete(m.sups, name)
	}
	m.mu.Unlock()
	if ok {
		sup.Close()
	}
}

func (m *Manager) lookup(name string) (*Supervisor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sup, ok := m.sups[name]
	if !ok {
		return nil, errs.New(errs.ConfigInvalid, fmt.Sprintf("no such tracker instance %q", name))
	}
	return sup, nil
}

// Track routes to the named instance (spec.md §4.E track/3).
func (m *Manager) Track(name, topic, key string, metadata any, live Liveness) (ShardRef, error) {
	sup, err := m.lookup(name)
	if err != nil {
		return "", err
	}
	return sup.Track(topic, key, metadata, live)
}

// Untrack routes to the named instance (spec.md §4.E untrack/2).
func (m *Manager) Untrack(name, topic, key string) error {
	sup, err := m.lookup(name)
	if err != nil {
		return err
	}
	return sup.Untrack(topic, key)
}

// Update routes to the named instance (spec.md §4.E update/3).
func (m *Manager) Update(name, topic, key string, fn func(any) any) error {
	sup, err := m.lookup(name)
	if err != nil {
		return err
	}
	return sup.Update(topic, key, fn)
}

// List routes to the named instance (spec.md §4.E list/1).
func (m *Manager) List(name, topic string) ([]Entry, error) {
	sup, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return sup.List(topic), nil
}

// GetByKey routes to the named instance, returning one Entry per node
// currently tracking (topic, key) (spec.md §3: key is unique only per
// (topic, owner_node)).
func (m *Manager) GetByKey(name, topic, key string) ([]Entry, error) {
	sup, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return sup.GetByKey(topic, key), nil
}
