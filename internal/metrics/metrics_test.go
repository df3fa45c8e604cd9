package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAgainstPrivateRegistry(t *testing.T) {
	m := New("meshtest")

	m.SubscribeTotal.Inc()
	m.TrackerEntriesGauge.Set(3)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	var found bool
	for _, f := range families {
		if f.GetName() == "meshtest_registry_subscribe_total" {
			found = true
		}
	}
	assert.True(t, found, "expected meshtest_registry_subscribe_total to be registered")
}

func TestTwoInstancesDoNotCollide(t *testing.T) {
	a := New("a")
	b := New("b")

	a.SubscribeTotal.Inc()
	b.SubscribeTotal.Inc()
	b.SubscribeTotal.Inc()

	famA, err := a.Registry().Gather()
	require.NoError(t, err)
	famB, err := b.Registry().Gather()
	require.NoError(t, err)

	assert.Len(t, famA, len(famB))
}
