package registry

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/meshpubsub/internal/dispatch"
	"github.com/adred-codev/meshpubsub/internal/errs"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(2, zerolog.Nop())
	t.Cleanup(r.Close)
	return r
}

func TestSubscribeAndDispatchDeliversToAll(t *testing.T) {
	r := newTestRegistry(t)

	a := NewChannelHandle("a", 4)
	b := NewChannelHandle("b", 4)
	require.NoError(t, r.Subscribe("room:1", a, nil))
	require.NoError(t, r.Subscribe("room:1", b, nil))

	r.Dispatch("room:1", dispatch.None, "hi", dispatch.Default{})

	assertReceived(t, a, "hi")
	assertReceived(t, b, "hi")
}

func TestDispatchExcludesSender(t *testing.T) {
	r := newTestRegistry(t)

	a := NewChannelHandle("a", 4)
	b := NewChannelHandle("b", 4)
	require.NoError(t, r.Subscribe("room:1", a, nil))
	require.NoError(t, r.Subscribe("room:1", b, nil))

	r.Dispatch("room:1", dispatch.Sender("a"), "hi", dispatch.Default{})

	assertReceived(t, b, "hi")
	select {
	case msg := <-a.Messages():
		t.Fatalf("sender should not receive its own broadcast, got %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeRejectsDeadHandle(t *testing.T) {
	r := newTestRegistry(t)

	a := NewChannelHandle("a", 1)
	a.Close()

	err := r.Subscribe("room:1", a, nil)
	require.Error(t, err)
	var typed *errs.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, errs.DeadHandle, typed.Kind)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := newTestRegistry(t)

	a := NewChannelHandle("a", 4)
	require.NoError(t, r.Subscribe("room:1", a, nil))
	require.NoError(t, r.Unsubscribe("room:1", a))

	r.Dispatch("room:1", dispatch.None, "hi", dispatch.Default{})

	select {
	case msg := <-a.Messages():
		t.Fatalf("unsubscribed handle should not receive, got %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeathTriggersReap(t *testing.T) {
	r := newTestRegistry(t)

	a := NewChannelHandle("a", 4)
	require.NoError(t, r.Subscribe("room:1", a, nil))
	require.NoError(t, r.Subscribe("room:2", a, nil))

	a.Close()

	require.Eventually(t, func() bool {
		return len(r.Snapshot("room:1")) == 0 && len(r.Snapshot("room:2")) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDuplicateSubscribeProducesTwoDeliveries(t *testing.T) {
	r := newTestRegistry(t)

	a := NewChannelHandle("a", 4)
	require.NoError(t, r.Subscribe("room:1", a, "first"))
	require.NoError(t, r.Subscribe("room:1", a, "second"))

	entries := r.Snapshot("room:1")
	assert.Len(t, entries, 2)

	r.Dispatch("room:1", dispatch.None, "hi", dispatch.Default{})

	assertReceived(t, a, "hi")
	assertReceived(t, a, "hi")
}

func assertReceived(t *testing.T, h *ChannelHandle, want any) {
	t.Helper()
	select {
	case got := <-h.Messages():
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message on handle %s", h.Identity())
	}
}
