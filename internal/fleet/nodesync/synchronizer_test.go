package nodesync

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiquitav2/wgfleet/internal/fleet/node"
	"github.com/chiquitav2/wgfleet/internal/fleet/peer"
	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
)

var testNode = node.Node{ID: "nl1", Host: "203.0.113.10", Transport: node.TransportSSH}

func dp(key, addr string) DesiredPeer {
	return DesiredPeer{PublicKey: key, Address: netip.MustParseAddr(addr)}
}

func trusted(stale bool, keys ...string) node.State {
	s := node.ObservedState(testNode, keys, time.Time{})
	s.Stale = stale
	return s
}

// fakeChannel records calls in order and applies them to an in-memory peer set.
type fakeChannel struct {
	mu        sync.Mutex
	peers     map[string]netip.Addr
	calls     []string
	removeErr error
	addErr    error
	// addLimit stops AddPeers after that many peers; negative means no limit.
	addLimit int
	block    bool
}

func newFakeChannel(keys ...string) *fakeChannel {
	f := &fakeChannel{peers: map[string]netip.Addr{}, addLimit: -1}
	for _, k := range keys {
		f.peers[k] = netip.Addr{}
	}
	return f
}

func (f *fakeChannel) RemovePeers(ctx context.Context, _ node.Node, keys []string) (int, error) {
	if f.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return 0, f.removeErr
	}
	for _, k := range keys {
		f.calls = append(f.calls, "remove:"+k)
		delete(f.peers, k)
	}
	return len(keys), nil
}

func (f *fakeChannel) AddPeers(_ context.Context, _ node.Node, peers []DesiredPeer) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range peers {
		if f.addLimit >= 0 && i >= f.addLimit {
			return i, f.addErr
		}
		f.calls = append(f.calls, "add:"+p.PublicKey)
		f.peers[p.PublicKey] = p.Address
	}
	if f.addLimit < 0 && f.addErr != nil {
		return 0, f.addErr
	}
	return len(peers), nil
}

func (f *fakeChannel) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := node.ObservedState(testNode, nil, time.Time{})
	for k := range f.peers {
		s.TrustedKeys[k] = struct{}{}
	}
	return s.Keys()
}

type replacingChannel struct {
	*fakeChannel
	replaced [][]DesiredPeer
}

func (r *replacingChannel) ReplacePeers(_ context.Context, _ node.Node, peers []DesiredPeer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaced = append(r.replaced, peers)
	r.peers = map[string]netip.Addr{}
	for _, p := range peers {
		r.peers[p.PublicKey] = p.Address
	}
	return nil
}

type observingChannel struct {
	*fakeChannel
	listErr error
}

func (o *observingChannel) ListPeers(context.Context, node.Node) ([]string, error) {
	if o.listErr != nil {
		return nil, o.listErr
	}
	return o.keys(), nil
}

func TestComputePlan(t *testing.T) {
	desired := []DesiredPeer{dp("b", "10.8.0.2"), dp("a", "10.8.0.1")}

	t.Run("delta against fresh state", func(t *testing.T) {
		plan := ComputePlan(testNode, desired, trusted(false, "b", "c"))
		assert.Equal(t, []DesiredPeer{dp("a", "10.8.0.1")}, plan.Add)
		assert.Equal(t, []string{"c"}, plan.Remove)
		assert.False(t, plan.Full)
		assert.Equal(t, "nl1", plan.NodeID)
	})

	t.Run("idempotent", func(t *testing.T) {
		state := trusted(false, "b", "c", "d")
		assert.Equal(t, ComputePlan(testNode, desired, state), ComputePlan(testNode, desired, state))
	})

	t.Run("converged state yields empty plan", func(t *testing.T) {
		plan := ComputePlan(testNode, desired, trusted(false, "a", "b"))
		assert.True(t, plan.IsEmpty())
	})

	t.Run("stale state re-adds everything", func(t *testing.T) {
		plan := ComputePlan(testNode, desired, trusted(true, "b", "x"))
		assert.True(t, plan.Full)
		assert.Equal(t, []DesiredPeer{dp("a", "10.8.0.1"), dp("b", "10.8.0.2")}, plan.Add)
		assert.Equal(t, []string{"x"}, plan.Remove)
	})

	t.Run("empty desired removes all", func(t *testing.T) {
		plan := ComputePlan(testNode, nil, trusted(false, "a", "b"))
		assert.Empty(t, plan.Add)
		assert.Equal(t, []string{"a", "b"}, plan.Remove)
	})

	t.Run("does not alias desired", func(t *testing.T) {
		in := []DesiredPeer{dp("b", "10.8.0.2"), dp("a", "10.8.0.1")}
		_ = ComputePlan(testNode, in, trusted(true))
		assert.Equal(t, "b", in[0].PublicKey)
	})
}

func TestDesiredFromRecords(t *testing.T) {
	revokedAt := time.Now()
	records := []*peer.Record{
		{UserID: "carol", PublicKey: "k3", Address: netip.MustParseAddr("10.8.0.3"), Status: peer.StatusActive},
		{UserID: "bob", PublicKey: "k2", Address: netip.MustParseAddr("10.8.0.2"), Status: peer.StatusRevoked, RevokedAt: &revokedAt},
		{UserID: "alice", PublicKey: "k1", Address: netip.MustParseAddr("10.8.0.1"), Status: peer.StatusActive},
		nil,
	}

	got := DesiredFromRecords(records)
	assert.Equal(t, []DesiredPeer{dp("k1", "10.8.0.1"), dp("k3", "10.8.0.3")}, got)
	assert.Equal(t, []string{"k1", "k3"}, Keys(got))
}

func TestApply_RemovesBeforeAdds(t *testing.T) {
	ch := newFakeChannel("old1", "keep", "old2")
	s := New(ch, StrategyIncremental)

	desired := []DesiredPeer{dp("keep", "10.8.0.1"), dp("new", "10.8.0.2")}
	res := s.Apply(context.Background(), testNode, ComputePlan(testNode, desired, trusted(false, "old1", "keep", "old2")))

	require.Equal(t, StatusSynced, res.Status)
	assert.Equal(t, "synced", res.Outcome())
	assert.Equal(t, []string{"remove:old1", "remove:old2", "add:new"}, ch.calls)
	assert.Equal(t, 2, res.Removed)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, []string{"keep", "new"}, ch.keys())

	again := ComputePlan(testNode, desired, node.ObservedState(testNode, ch.keys(), time.Now()))
	assert.True(t, again.IsEmpty())
}

func TestApply_Outcomes(t *testing.T) {
	desired := []DesiredPeer{dp("a", "10.8.0.1"), dp("b", "10.8.0.2")}

	tests := []struct {
		name    string
		setup   func(*fakeChannel)
		state   node.State
		want    Status
		outcome string
	}{
		{
			name:    "unreachable before any change",
			setup:   func(f *fakeChannel) { f.removeErr = apperrors.ErrNodeUnreachable },
			state:   trusted(false, "gone"),
			want:    StatusUnreachable,
			outcome: "unreachable",
		},
		{
			name:    "circuit open counts as unreachable",
			setup:   func(f *fakeChannel) { f.removeErr = apperrors.ErrCircuitOpen },
			state:   trusted(false, "gone"),
			want:    StatusUnreachable,
			outcome: "unreachable",
		},
		{
			name: "failure after removals is partial",
			setup: func(f *fakeChannel) {
				f.addLimit = 0
				f.addErr = apperrors.ErrNodeUnreachable
			},
			state:   trusted(false, "gone"),
			want:    StatusPartial,
			outcome: "partial",
		},
		{
			name: "add batch stopping midway is partial",
			setup: func(f *fakeChannel) {
				f.addLimit = 1
				f.addErr = apperrors.ErrCommandFailed
			},
			state:   trusted(false),
			want:    StatusPartial,
			outcome: "partial",
		},
		{
			name:    "short count without error is partial",
			setup:   func(f *fakeChannel) { f.addLimit = 1 },
			state:   trusted(false),
			want:    StatusPartial,
			outcome: "partial",
		},
		{
			name:    "command failure with nothing applied",
			setup:   func(f *fakeChannel) { f.removeErr = apperrors.ErrCommandFailed },
			state:   trusted(false, "gone"),
			want:    StatusError,
			outcome: "error:command_failed",
		},
		{
			name:    "plain error keeps its message",
			setup:   func(f *fakeChannel) { f.removeErr = errors.New("wg: not found") },
			state:   trusted(false, "gone"),
			want:    StatusError,
			outcome: "error:wg: not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newFakeChannel(tt.state.Keys()...)
			tt.setup(ch)
			res := New(ch, StrategyIncremental).Apply(context.Background(), testNode, ComputePlan(testNode, desired, tt.state))
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.outcome, res.Outcome())
			assert.Error(t, res.Err)
			assert.False(t, res.OK())
		})
	}
}

func TestApply_TimeoutIsUnreachable(t *testing.T) {
	ch := newFakeChannel("gone")
	ch.block = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := New(ch, StrategyIncremental).Apply(ctx, testNode, ComputePlan(testNode, nil, trusted(false, "gone")))
	assert.Equal(t, StatusUnreachable, res.Status)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestApply_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := newFakeChannel()
	res := New(ch, StrategyIncremental).Apply(ctx, testNode, ComputePlan(testNode, []DesiredPeer{dp("a", "10.8.0.1")}, trusted(true)))
	assert.Equal(t, "error:cancelled", res.Outcome())
	assert.Empty(t, ch.calls)
}

func TestApply_ReplaceStrategy(t *testing.T) {
	desired := []DesiredPeer{dp("a", "10.8.0.1"), dp("b", "10.8.0.2")}

	t.Run("stale node gets the whole set atomically", func(t *testing.T) {
		ch := &replacingChannel{fakeChannel: newFakeChannel("drift")}
		res := New(ch, StrategyReplace).Apply(context.Background(), testNode, ComputePlan(testNode, desired, trusted(true)))

		require.Equal(t, StatusSynced, res.Status)
		require.Len(t, ch.replaced, 1)
		assert.Equal(t, desired, ch.replaced[0])
		assert.Empty(t, ch.calls, "incremental calls must not be used")
		assert.Equal(t, []string{"a", "b"}, ch.keys())
	})

	t.Run("converged fresh node is left alone", func(t *testing.T) {
		ch := &replacingChannel{fakeChannel: newFakeChannel("a", "b")}
		res := New(ch, StrategyReplace).Apply(context.Background(), testNode, ComputePlan(testNode, desired, trusted(false, "a", "b")))
		assert.Equal(t, StatusSynced, res.Status)
		assert.Empty(t, ch.replaced)
	})

	t.Run("incremental strategy ignores replacer", func(t *testing.T) {
		ch := &replacingChannel{fakeChannel: newFakeChannel()}
		res := New(ch, StrategyIncremental).Apply(context.Background(), testNode, ComputePlan(testNode, desired, trusted(true)))
		assert.Equal(t, StatusSynced, res.Status)
		assert.Empty(t, ch.replaced)
		assert.Equal(t, []string{"add:a", "add:b"}, ch.calls)
	})
}

func TestSync_ObservesNode(t *testing.T) {
	desired := []DesiredPeer{dp("a", "10.8.0.1")}

	t.Run("drift on the node is removed", func(t *testing.T) {
		ch := &observingChannel{fakeChannel: newFakeChannel("a", "manual")}
		// The cached state claims convergence; the node says otherwise.
		res := New(ch, StrategyIncremental).Sync(context.Background(), testNode, desired, trusted(false, "a"))

		require.Equal(t, StatusSynced, res.Status)
		assert.Equal(t, []string{"manual"}, res.Plan.Remove)
		assert.Empty(t, res.Plan.Add)
		assert.Equal(t, []string{"a"}, ch.keys())
	})

	t.Run("listing an unreachable node reports unreachable", func(t *testing.T) {
		ch := &observingChannel{fakeChannel: newFakeChannel(), listErr: apperrors.ErrNodeUnreachable}
		res := New(ch, StrategyIncremental).Sync(context.Background(), testNode, desired, trusted(true))
		assert.Equal(t, StatusUnreachable, res.Status)
		assert.Empty(t, ch.calls)
	})

	t.Run("listing failure falls back to a full plan", func(t *testing.T) {
		ch := &observingChannel{fakeChannel: newFakeChannel(), listErr: errors.New("parse error")}
		res := New(ch, StrategyIncremental).Sync(context.Background(), testNode, desired, trusted(false, "a"))
		assert.Equal(t, StatusSynced, res.Status)
		assert.True(t, res.Plan.Full)
		assert.Equal(t, []string{"add:a"}, ch.calls)
	})
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyReplace, s)

	s, err = ParseStrategy("incremental")
	require.NoError(t, err)
	assert.Equal(t, StrategyIncremental, s)

	_, err = ParseStrategy("yolo")
	assert.Error(t, err)
}
