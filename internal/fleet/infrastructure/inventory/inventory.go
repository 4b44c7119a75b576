// Package inventory lists the gateway nodes a fleet sync targets.
package inventory

import (
	"context"
	"fmt"
	"sort"

	"github.com/chiquitav2/wgfleet/internal/fleet/node"
)

// Inventory returns the current node list.
type Inventory interface {
	Nodes(ctx context.Context) ([]node.Node, error)
}

// Defaults fill node fields left empty by the source.
type Defaults struct {
	Transport string
	Port      int
	User      string
	Interface string
}

func (d Defaults) apply(n node.Node) node.Node {
	if n.Transport == "" {
		n.Transport = d.Transport
	}
	if n.Transport == "" {
		n.Transport = node.TransportSSH
	}
	if n.Port == 0 && n.Transport == node.TransportSSH {
		n.Port = d.Port
	}
	if n.User == "" && n.Transport == node.TransportSSH {
		n.User = d.User
	}
	if n.Interface == "" {
		n.Interface = d.Interface
	}
	return n
}

// Static is a fixed node list from configuration.
type Static struct {
	nodes []node.Node
}

// NewStatic validates nodes and fills in defaults. Node IDs must be unique.
func NewStatic(nodes []node.Node, defaults Defaults) (*Static, error) {
	seen := make(map[string]struct{}, len(nodes))
	out := make([]node.Node, 0, len(nodes))
	for _, n := range nodes {
		n = defaults.apply(n)
		if err := n.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = struct{}{}
		out = append(out, n)
	}
	sortNodes(out)
	return &Static{nodes: out}, nil
}

// Nodes returns a copy of the configured nodes.
func (s *Static) Nodes(context.Context) ([]node.Node, error) {
	return append([]node.Node(nil), s.nodes...), nil
}

func sortNodes(nodes []node.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}
