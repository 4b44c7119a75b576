// Package nodesync computes and applies per-node peer set changes.
//
// Planning is a pure diff between the desired peer set and the node's assumed
// state. Application goes through a Channel, which hides how the node is
// reached.
package nodesync

import (
	"net/netip"
	"sort"

	"github.com/chiquitav2/wgfleet/internal/fleet/node"
	"github.com/chiquitav2/wgfleet/internal/fleet/peer"
)

// DesiredPeer is one (public key, address) pair a node should trust.
type DesiredPeer struct {
	PublicKey string     `json:"public_key"`
	Address   netip.Addr `json:"address"`
}

// DesiredFromRecords projects the active records to the desired peer set,
// ordered by public key.
func DesiredFromRecords(records []*peer.Record) []DesiredPeer {
	out := make([]DesiredPeer, 0, len(records))
	for _, r := range records {
		if r == nil || !r.IsActive() {
			continue
		}
		out = append(out, DesiredPeer{PublicKey: r.PublicKey, Address: r.Address})
	}
	sortPeers(out)
	return out
}

// Keys returns the public keys of peers.
func Keys(peers []DesiredPeer) []string {
	keys := make([]string, len(peers))
	for i, p := range peers {
		keys[i] = p.PublicKey
	}
	return keys
}

// Plan is the set of operations that brings one node to the desired state.
// It is never persisted.
type Plan struct {
	NodeID string        `json:"node_id"`
	Remove []string      `json:"remove"`
	Add    []DesiredPeer `json:"add"`
	// Full is set when the assumed state was stale and the plan covers the
	// whole desired set rather than a delta.
	Full    bool          `json:"full"`
	Desired []DesiredPeer `json:"-"`
}

// IsEmpty reports whether applying the plan would change nothing.
func (p Plan) IsEmpty() bool {
	return len(p.Add) == 0 && len(p.Remove) == 0
}

// ComputePlan diffs desired against the node's assumed state. No I/O happens
// here and equal inputs always yield equal plans.
//
// Additions are desired peers whose key the node is not assumed to trust.
// Removals are trusted keys absent from the desired set, which also covers
// peers added to the node by hand. A stale state is not trusted to skip
// anything: every desired peer is re-added.
func ComputePlan(n node.Node, desired []DesiredPeer, state node.State) Plan {
	want := make(map[string]struct{}, len(desired))
	for _, d := range desired {
		want[d.PublicKey] = struct{}{}
	}

	plan := Plan{
		NodeID:  n.ID,
		Full:    state.Stale,
		Desired: append([]DesiredPeer(nil), desired...),
	}
	sortPeers(plan.Desired)

	for _, key := range state.Keys() {
		if _, ok := want[key]; !ok {
			plan.Remove = append(plan.Remove, key)
		}
	}
	for _, d := range plan.Desired {
		if state.Stale || !state.Trusts(d.PublicKey) {
			plan.Add = append(plan.Add, d)
		}
	}
	return plan
}

func sortPeers(peers []DesiredPeer) {
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].PublicKey < peers[j].PublicKey
	})
}
