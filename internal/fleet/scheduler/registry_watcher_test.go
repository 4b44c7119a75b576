package scheduler

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiquitav2/wgfleet/internal/fleet/peer"
)

type fakeLister struct {
	mu      sync.Mutex
	records []*peer.Record
	err     error
}

func (f *fakeLister) List(context.Context, peer.Filter) ([]*peer.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*peer.Record, len(f.records))
	copy(out, f.records)
	return out, nil
}

func (f *fakeLister) set(records []*peer.Record, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records, f.err = records, err
}

func activeRecord(user, key, addr string) *peer.Record {
	return &peer.Record{
		UserID:     user,
		Generation: 1,
		PublicKey:  key,
		Address:    netip.MustParseAddr(addr),
		Status:     peer.StatusActive,
	}
}

func TestRegistryWatcher_Poll(t *testing.T) {
	ctx := context.Background()
	alice := activeRecord("alice", "a-key", "10.8.0.1")
	bob := activeRecord("bob", "b-key", "10.8.0.2")

	reg := &fakeLister{records: []*peer.Record{alice}}
	w := NewRegistryWatcher(reg, time.Hour, func() {}, nil)

	changed, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, changed, "first poll sets the baseline")

	changed, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	reg.set([]*peer.Record{bob, alice}, nil)
	changed, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	reg.set(nil, errors.New("database is locked"))
	_, err = w.Poll(ctx)
	assert.Error(t, err)

	reg.set([]*peer.Record{alice, bob}, nil)
	changed, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, changed, "failed read keeps the previous baseline")

	revoked := bob.Clone()
	revoked.Status = peer.StatusRevoked
	reg.set([]*peer.Record{alice, revoked}, nil)
	changed, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, changed, "revocation changes the desired set")
}

func TestRegistryWatcher_RunTriggersScheduler(t *testing.T) {
	reg := &fakeLister{records: []*peer.Record{activeRecord("alice", "a-key", "10.8.0.1")}}
	syncer := &countingSyncer{}
	s := NewSyncScheduler(time.Hour, 10*time.Millisecond, syncer, nil)
	w := NewRegistryWatcher(reg, 10*time.Millisecond, s.Trigger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)
	assert.Eventually(t, func() bool { return syncer.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	var stopped atomic.Bool
	go func() {
		w.Run(ctx)
		stopped.Store(true)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), syncer.calls.Load(), "unchanged registry does not sync")

	reg.set([]*peer.Record{
		activeRecord("alice", "a-key", "10.8.0.1"),
		activeRecord("bob", "b-key", "10.8.0.2"),
	}, nil)
	assert.Eventually(t, func() bool { return syncer.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.Eventually(t, stopped.Load, time.Second, 5*time.Millisecond)
}
