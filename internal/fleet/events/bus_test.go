package events

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/gookit/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiquitav2/wgfleet/internal/fleet/coordinator"
	"github.com/chiquitav2/wgfleet/internal/fleet/peer"
)

func testRecord() *peer.Record {
	return &peer.Record{
		UserID:     "alice",
		Generation: 2,
		PublicKey:  "pub",
		Address:    netip.MustParseAddr("10.8.0.5"),
		Status:     peer.StatusActive,
	}
}

func TestBus_PeerChanges(t *testing.T) {
	bus := NewBus(nil)

	var names []string
	var provisioned PeerProvisionedEvent
	var revoked PeerRevokedEvent
	bus.SubscribeToPeerChanges(event.ListenerFunc(func(e event.Event) error {
		names = append(names, e.Name())
		switch p := e.Get("payload").(type) {
		case PeerProvisionedEvent:
			provisioned = p
		case PeerRevokedEvent:
			revoked = p
		}
		return nil
	}))

	rec := testRecord()
	require.NoError(t, bus.PublishPeerProvisioned(rec))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, rec.Revoke(at))
	require.NoError(t, bus.PublishPeerRevoked(rec))

	assert.Equal(t, []string{EventPeerProvisioned, EventPeerRevoked}, names)
	assert.Equal(t, "alice", provisioned.UserID)
	assert.Equal(t, 2, provisioned.Generation)
	assert.Equal(t, "10.8.0.5", provisioned.Address)
	assert.WithinDuration(t, time.Now(), provisioned.Timestamp, time.Second)
	assert.Equal(t, at, revoked.RevokedAt)
}

func TestBus_FleetSynced(t *testing.T) {
	bus := NewBus(nil)

	var got FleetSyncedEvent
	bus.SubscribeToFleetSynced(event.ListenerFunc(func(e event.Event) error {
		got = e.Get("payload").(FleetSyncedEvent)
		return nil
	}))

	report := &coordinator.Report{
		RunID:  "run-1",
		Status: coordinator.PartialFailure,
		Nodes: []coordinator.NodeReport{
			{NodeID: "nl1", Outcome: "synced"},
			{NodeID: "nl2", Outcome: "unreachable"},
		},
	}
	require.NoError(t, bus.PublishFleetSynced(report))

	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "partial_failure", got.Status)
	assert.Equal(t, map[string]int{"synced": 1, "unreachable": 1}, got.Outcomes)
	assert.Equal(t, []string{"nl2"}, got.Failed)
}

func TestBus_ListenerErrorIsReturned(t *testing.T) {
	bus := NewBus(nil)
	bus.SubscribeToPeerChanges(event.ListenerFunc(func(event.Event) error {
		return errors.New("listener failed")
	}))

	err := bus.PublishPeerProvisioned(testRecord())
	assert.ErrorContains(t, err, "listener failed")

	require.NoError(t, bus.Close())
	assert.NoError(t, bus.PublishPeerProvisioned(testRecord()), "no listeners after close")
}
