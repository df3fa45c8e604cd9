package pubsub

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/meshpubsub/internal/registry"
	"github.com/adred-codev/meshpubsub/internal/transport"
)

func startInstance(t *testing.T, m *Manager, tr transport.Transport, name string) Metadata {
	t.Helper()
	meta, err := m.Start(Config{
		Name:              name,
		Transport:         tr,
		PoolSize:          2,
		BroadcastPoolSize: 2,
		RegistrySize:      2,
		Logger:            zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Stop(name) })
	return meta
}

func TestStartTwiceFails(t *testing.T) {
	cluster := transport.NewCluster()
	m := NewManager()
	startInstance(t, m, cluster.Join("a"), "chat")

	_, err := m.Start(Config{Name: "chat", Transport: cluster.Join("a2"), PoolSize: 1, BroadcastPoolSize: 1, RegistrySize: 1, Logger: zerolog.Nop()})
	require.Error(t, err)
}

func TestLocalBroadcastDeliversWithoutTransport(t *testing.T) {
	cluster := transport.NewCluster()
	m := NewManager()
	startInstance(t, m, cluster.Join("a"), "chat")

	sub := registry.NewChannelHandle("sub", 4)
	require.NoError(t, m.Subscribe("chat", "room:1", sub, nil))

	require.NoError(t, m.LocalBroadcast("chat", "room:1", "hi", ""))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "hi", msg)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestBroadcastFromExcludesSenderLocally(t *testing.T) {
	cluster := transport.NewCluster()
	m := NewManager()
	startInstance(t, m, cluster.Join("a"), "chat")

	sender := registry.NewChannelHandle("sender", 4)
	other := registry.NewChannelHandle("other", 4)
	require.NoError(t, m.Subscribe("chat", "room:1", sender, nil))
	require.NoError(t, m.Subscribe("chat", "room:1", other, nil))

	require.NoError(t, m.BroadcastFrom("chat", sender, "room:1", "hi", ""))

	select {
	case msg := <-other.Messages():
		assert.Equal(t, "hi", msg)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	select {
	case msg := <-sender.Messages():
		t.Fatalf("sender should be excluded, got %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastAcrossNodes(t *testing.T) {
	cluster := transport.NewCluster()
	m := NewManager()
	startInstance(t, m, cluster.Join("a"), "chat")

	mb := NewManager()
	startInstance(t, mb, cluster.Join("b"), "chat")

	sub := registry.NewChannelHandle("sub", 4)
	require.NoError(t, mb.Subscribe("chat", "room:1", sub, nil))

	require.NoError(t, m.Broadcast("chat", "room:1", map[string]any{"x": 1.0}, ""))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, map[string]any{"x": 1.0}, msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cross-node delivery")
	}
}

func TestDirectBroadcastUnknownNodeReturnsError(t *testing.T) {
	cluster := transport.NewCluster()
	m := NewManager()
	startInstance(t, m, cluster.Join("a"), "chat")

	err := m.DirectBroadcast("chat", "ghost", "room:1", "hi", "")
	require.Error(t, err)
}

func TestMustBroadcastPanicsOnError(t *testing.T) {
	m := NewManager()
	assert.Panics(t, func() {
		m.MustBroadcast("never-started", "room:1", "hi", "")
	})
}

func TestNodeNameReportsTransportIdentity(t *testing.T) {
	cluster := transport.NewCluster()
	m := NewManager()
	startInstance(t, m, cluster.Join("a"), "chat")

	name, err := m.NodeName("chat")
	require.NoError(t, err)
	assert.Equal(t, transport.NodeName("a"), name)
}
