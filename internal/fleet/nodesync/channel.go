package nodesync

import (
	"context"

	"github.com/chiquitav2/wgfleet/internal/fleet/node"
)

// Channel applies peer changes to a node. Each call reports how many of the
// requested operations took effect, so a failure part way through is
// observable.
type Channel interface {
	RemovePeers(ctx context.Context, n node.Node, keys []string) (int, error)
	AddPeers(ctx context.Context, n node.Node, peers []DesiredPeer) (int, error)
}

// Replacer is implemented by channels that can swap a node's whole peer set
// in one all-or-nothing step.
type Replacer interface {
	ReplacePeers(ctx context.Context, n node.Node, peers []DesiredPeer) error
}

// Observer is implemented by channels that can report the keys a node
// currently trusts.
type Observer interface {
	ListPeers(ctx context.Context, n node.Node) ([]string, error)
}
