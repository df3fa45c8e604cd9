package adapter

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/meshpubsub/internal/dispatch"
	"github.com/adred-codev/meshpubsub/internal/registry"
	"github.com/adred-codev/meshpubsub/internal/transport"
)

type registryAndTransport struct {
	transport transport.Transport
	registry  *registry.Registry
	adapter   *Adapter
}

func newNode(t *testing.T, cluster *transport.Cluster, name transport.NodeName) *registryAndTransport {
	t.Helper()
	tr := cluster.Join(name)
	reg := registry.New(1, zerolog.Nop())
	ad, err := New(Config{
		Name:              "chat",
		Transport:         tr,
		Registry:          reg,
		Dispatchers:       dispatch.NewRegistry(),
		PoolSize:          2,
		BroadcastPoolSize: 2,
		Logger:            zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ad.Close()
		reg.Close()
	})
	return &registryAndTransport{transport: tr, registry: reg, adapter: ad}
}

func TestBroadcastFansOutToPeerRegistry(t *testing.T) {
	cluster := transport.NewCluster()
	a := newNode(t, cluster, "a")
	b := newNode(t, cluster, "b")

	sub := registry.NewChannelHandle("sub", 4)
	require.NoError(t, b.registry.Subscribe("room:1", sub, nil))

	require.NoError(t, a.adapter.Broadcast("room:1", map[string]any{"text": "hi"}, ""))

	select {
	case msg := <-sub.Messages():
		require.Equal(t, map[string]any{"text": "hi"}, msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cross-node delivery")
	}
}

func TestDirectBroadcastToUnknownPeerFails(t *testing.T) {
	cluster := transport.NewCluster()
	a := newNode(t, cluster, "a")

	err := a.adapter.DirectBroadcast("ghost", "room:1", "hi", "")
	require.Error(t, err)
}

func newNodeWithPool(t *testing.T, cluster *transport.Cluster, name transport.NodeName, poolSize, broadcastPoolSize int) *registryAndTransport {
	t.Helper()
	tr := cluster.Join(name)
	reg := registry.New(1, zerolog.Nop())
	ad, err := New(Config{
		Name:              "chat",
		Transport:         tr,
		Registry:          reg,
		Dispatchers:       dispatch.NewRegistry(),
		PoolSize:          poolSize,
		BroadcastPoolSize: broadcastPoolSize,
		Logger:            zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ad.Close()
		reg.Close()
	})
	return &registryAndTransport{transport: tr, registry: reg, adapter: ad}
}

// TestPoolSizeMigrationCrossCompatibility exercises spec.md §4.H's safe
// migration invariant (concrete scenario 5): mid-migration, an old node
// still on pool_size=broadcast_pool_size=2 and a new node rolled forward
// to pool_size=3 (broadcast_pool_size still 2, per migration.go step 1)
// must keep interoperating, because both only ever send on shards
// 0..broadcast_pool_size-1 and both listen across their own full pool_size,
// which always covers that range.
func TestPoolSizeMigrationCrossCompatibility(t *testing.T) {
	require.True(t, ValidPoolSizes(2, 2))
	require.True(t, ValidPoolSizes(3, 2))

	cluster := transport.NewCluster()
	oldNode := newNodeWithPool(t, cluster, "old", 2, 2)
	newNode := newNodeWithPool(t, cluster, "new", 3, 2)

	oldSub := registry.NewChannelHandle("old-sub", 4)
	require.NoError(t, oldNode.registry.Subscribe("room:1", oldSub, nil))
	newSub := registry.NewChannelHandle("new-sub", 4)
	require.NoError(t, newNode.registry.Subscribe("room:1", newSub, nil))

	require.NoError(t, newNode.adapter.Broadcast("room:1", map[string]any{"from": "new"}, ""))
	select {
	case msg := <-oldSub.Messages():
		require.Equal(t, map[string]any{"from": "new"}, msg)
	case <-time.After(time.Second):
		t.Fatal("old node (pool_size=2) never received broadcast from new node (pool_size=3)")
	}

	require.NoError(t, oldNode.adapter.Broadcast("room:1", map[string]any{"from": "old"}, ""))
	select {
	case msg := <-newSub.Messages():
		require.Equal(t, map[string]any{"from": "old"}, msg)
	case <-time.After(time.Second):
		t.Fatal("new node (pool_size=3) never received broadcast from old node (pool_size=2)")
	}
}

func TestNewRejectsInvalidPoolSizes(t *testing.T) {
	cluster := transport.NewCluster()
	tr := cluster.Join("a")
	reg := registry.New(1, zerolog.Nop())
	defer reg.Close()

	_, err := New(Config{
		Name:              "chat",
		Transport:         tr,
		Registry:          reg,
		Dispatchers:       dispatch.NewRegistry(),
		PoolSize:          2,
		BroadcastPoolSize: 3,
		Logger:            zerolog.Nop(),
	})
	require.Error(t, err)
}
