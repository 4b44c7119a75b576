package coordinator

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiquitav2/wgfleet/internal/fleet/node"
	"github.com/chiquitav2/wgfleet/internal/fleet/nodesync"
	"github.com/chiquitav2/wgfleet/internal/fleet/peer"
	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
)

type fakeRegistry struct {
	records []*peer.Record
	err     error
	reads   atomic.Int32
}

func (f *fakeRegistry) List(_ context.Context, filter peer.Filter) ([]*peer.Record, error) {
	f.reads.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	var out []*peer.Record
	for _, r := range f.records {
		if filter.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

type fakeInventory []node.Node

func (f fakeInventory) Nodes(context.Context) ([]node.Node, error) { return f, nil }

// fleetChannel keeps one peer set per node; nodes listed in down refuse connections.
type fleetChannel struct {
	mu    sync.Mutex
	peers map[string]map[string]bool
	down  map[string]bool
}

func newFleetChannel() *fleetChannel {
	return &fleetChannel{peers: map[string]map[string]bool{}, down: map[string]bool{}}
}

func (f *fleetChannel) setDown(id string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[id] = down
}

func (f *fleetChannel) nodePeers(id string) map[string]bool {
	if f.peers[id] == nil {
		f.peers[id] = map[string]bool{}
	}
	return f.peers[id]
}

func (f *fleetChannel) RemovePeers(_ context.Context, n node.Node, keys []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[n.ID] {
		return 0, apperrors.ErrNodeUnreachable
	}
	for _, k := range keys {
		delete(f.nodePeers(n.ID), k)
	}
	return len(keys), nil
}

func (f *fleetChannel) AddPeers(_ context.Context, n node.Node, peers []nodesync.DesiredPeer) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[n.ID] {
		return 0, apperrors.ErrNodeUnreachable
	}
	for _, p := range peers {
		f.nodePeers(n.ID)[p.PublicKey] = true
	}
	return len(peers), nil
}

type recordingPublisher struct {
	reports []*Report
}

func (r *recordingPublisher) PublishFleetSynced(report *Report) error {
	r.reports = append(r.reports, report)
	return nil
}

func activeRecord(user, key, addr string) *peer.Record {
	return &peer.Record{
		UserID:     user,
		Generation: 1,
		PublicKey:  key,
		Address:    netip.MustParseAddr(addr),
		Status:     peer.StatusActive,
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func threeNodes() fakeInventory {
	return fakeInventory{
		{ID: "nl1", Host: "203.0.113.1", Transport: node.TransportSSH},
		{ID: "nl2", Host: "203.0.113.2", Transport: node.TransportSSH},
		{ID: "nl3", Host: "203.0.113.3", Transport: node.TransportSSH},
	}
}

func byNode(r *Report) map[string]NodeReport {
	out := map[string]NodeReport{}
	for _, n := range r.Nodes {
		out[n.NodeID] = n
	}
	return out
}

func TestSyncAll_OneUnreachableNode(t *testing.T) {
	reg := &fakeRegistry{records: []*peer.Record{
		activeRecord("alice", "ka", "10.8.0.1"),
		activeRecord("bob", "kb", "10.8.0.2"),
	}}
	ch := newFleetChannel()
	ch.setDown("nl3", true)

	cache := node.NewStateCache()
	pub := &recordingPublisher{}
	c := New(reg, threeNodes(), nodesync.New(ch, nodesync.StrategyIncremental), cache,
		Config{Concurrency: 3, NodeTimeout: time.Second}, WithPublisher(pub))
	c.runID = func() string { return "run-1" }

	report, err := c.SyncAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, PartialFailure, report.Status)
	assert.Equal(t, 2, report.DesiredPeers)
	assert.Equal(t, map[string]int{"synced": 2, "unreachable": 1}, report.Counts())
	assert.Equal(t, "unreachable", byNode(report)["nl3"].Outcome)
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, int32(1), reg.reads.Load(), "registry is read once per run")
	require.Len(t, pub.reports, 1)

	nodes := threeNodes()
	assert.False(t, cache.Get(nodes[0]).Stale)
	assert.Equal(t, []string{"ka", "kb"}, cache.Get(nodes[0]).Keys())
	assert.True(t, cache.Get(nodes[2]).Stale)
	assert.Equal(t, node.OutcomeFailure, cache.Get(nodes[2]).LastOutcome)

	// Next run: the node is back and gets the full diff; converged nodes get nothing.
	ch.setDown("nl3", false)
	report, err = c.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AllSynced, report.Status)

	got := byNode(report)
	assert.True(t, got["nl3"].Full)
	assert.Equal(t, 2, got["nl3"].Added)
	assert.False(t, got["nl1"].Full)
	assert.Zero(t, got["nl1"].Added)
	assert.Zero(t, got["nl1"].Removed)
	assert.Equal(t, map[string]bool{"ka": true, "kb": true}, ch.peers["nl3"])
}

func TestSyncAll_RevokedPeerRemovedEverywhere(t *testing.T) {
	reg := &fakeRegistry{records: []*peer.Record{
		activeRecord("alice", "ka", "10.8.0.1"),
		activeRecord("bob", "kb", "10.8.0.2"),
	}}
	ch := newFleetChannel()
	c := New(reg, threeNodes(), nodesync.New(ch, nodesync.StrategyIncremental), nil, Config{})

	_, err := c.SyncAll(context.Background())
	require.NoError(t, err)

	revokedAt := time.Now()
	reg.records[1].Status = peer.StatusRevoked
	reg.records[1].RevokedAt = &revokedAt

	report, err := c.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AllSynced, report.Status)
	for _, n := range report.Nodes {
		assert.Equal(t, 1, n.Removed, n.NodeID)
	}
	for _, id := range []string{"nl1", "nl2", "nl3"} {
		assert.Equal(t, map[string]bool{"ka": true}, ch.peers[id])
	}
}

func TestSyncAll_Statuses(t *testing.T) {
	t.Run("no nodes is all synced", func(t *testing.T) {
		c := New(&fakeRegistry{}, fakeInventory{}, nodesync.New(newFleetChannel(), nodesync.StrategyIncremental), nil, Config{})
		report, err := c.SyncAll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, AllSynced, report.Status)
		assert.Empty(t, report.Nodes)
	})

	t.Run("every node down is total failure", func(t *testing.T) {
		ch := newFleetChannel()
		for _, n := range threeNodes() {
			ch.setDown(n.ID, true)
		}
		reg := &fakeRegistry{records: []*peer.Record{activeRecord("alice", "ka", "10.8.0.1")}}
		c := New(reg, threeNodes(), nodesync.New(ch, nodesync.StrategyIncremental), nil, Config{})
		report, err := c.SyncAll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, TotalFailure, report.Status)
		assert.Len(t, report.Failed(), 3)
	})

	t.Run("registry failure aborts the run", func(t *testing.T) {
		c := New(&fakeRegistry{err: apperrors.NewRegistryError(apperrors.ErrCodeRegistryRead, "read", true, nil)},
			threeNodes(), nodesync.New(newFleetChannel(), nodesync.StrategyIncremental), nil, Config{})
		_, err := c.SyncAll(context.Background())
		assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeRegistryRead))
	})
}

// funcSync adapts a function to the Synchronizer interface.
type funcSync func(ctx context.Context, n node.Node) nodesync.Result

func (f funcSync) Sync(ctx context.Context, n node.Node, _ []nodesync.DesiredPeer, _ node.State) nodesync.Result {
	return f(ctx, n)
}

func synced(n node.Node) nodesync.Result {
	return nodesync.Result{NodeID: n.ID, Host: n.Host, Status: nodesync.StatusSynced}
}

func TestSyncAll_ConcurrencyLimit(t *testing.T) {
	var inv fakeInventory
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		inv = append(inv, node.Node{ID: id, Host: id, Transport: node.TransportSSH})
	}

	var running, peak atomic.Int32
	s := funcSync(func(_ context.Context, n node.Node) nodesync.Result {
		cur := running.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return synced(n)
	})

	c := New(&fakeRegistry{}, inv, s, nil, Config{Concurrency: 2})
	report, err := c.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AllSynced, report.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Len(t, report.Nodes, 7)
	assert.Equal(t, "a", report.Nodes[0].NodeID, "report keeps inventory order")
}

func TestSyncAll_SlowNodeDoesNotBlockOthers(t *testing.T) {
	s := funcSync(func(ctx context.Context, n node.Node) nodesync.Result {
		if n.ID == "nl2" {
			<-ctx.Done()
			return nodesync.Result{NodeID: n.ID, Status: nodesync.StatusUnreachable, Err: ctx.Err()}
		}
		return synced(n)
	})

	c := New(&fakeRegistry{}, threeNodes(), s, nil, Config{Concurrency: 3, NodeTimeout: 50 * time.Millisecond})

	start := time.Now()
	report, err := c.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	got := byNode(report)
	assert.Equal(t, "synced", got["nl1"].Outcome)
	assert.Equal(t, "unreachable", got["nl2"].Outcome)
	assert.Equal(t, "synced", got["nl3"].Outcome)
}

func TestSyncAll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	s := funcSync(func(_ context.Context, n node.Node) nodesync.Result {
		calls.Add(1)
		return synced(n)
	})

	cache := node.NewStateCache()
	c := New(&fakeRegistry{}, threeNodes(), s, cache, Config{Concurrency: 1})
	report, err := c.SyncAll(ctx)
	require.NoError(t, err)

	assert.Zero(t, calls.Load())
	assert.Equal(t, TotalFailure, report.Status)
	for _, n := range report.Nodes {
		assert.Equal(t, "error:cancelled", n.Outcome)
	}
	assert.True(t, cache.Get(threeNodes()[0]).Stale)
}

func TestSyncAll_PanicIsIsolated(t *testing.T) {
	s := funcSync(func(_ context.Context, n node.Node) nodesync.Result {
		if n.ID == "nl1" {
			panic("boom")
		}
		return synced(n)
	})

	c := New(&fakeRegistry{}, threeNodes(), s, nil, Config{})
	report, err := c.SyncAll(context.Background())
	require.NoError(t, err)

	got := byNode(report)
	assert.Equal(t, "error:internal_error", got["nl1"].Outcome)
	assert.Equal(t, "synced", got["nl2"].Outcome)
	assert.Equal(t, PartialFailure, report.Status)
}

func TestNodes(t *testing.T) {
	cache := node.NewStateCache()
	nodes := threeNodes()
	cache.MarkSynced(nodes[0], []string{"ka"}, time.Now())

	c := New(&fakeRegistry{}, nodes, funcSync(func(_ context.Context, n node.Node) nodesync.Result { return synced(n) }), cache, Config{})
	views, err := c.Nodes(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.Equal(t, 1, views[0].Keys)
	assert.False(t, views[0].State.Stale)
	assert.True(t, views[1].State.Stale)
}

