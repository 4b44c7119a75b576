// Package node describes gateway nodes and the coordinator's cached view of them.
package node

import (
	"fmt"
	"sort"
	"time"
)

// Transport names how a node is reached.
const (
	TransportSSH   = "ssh"
	TransportLocal = "local"
)

// Node is one gateway in the fleet.
type Node struct {
	ID        string `json:"id" mapstructure:"id"`
	Host      string `json:"host" mapstructure:"host"`
	Port      int    `json:"port,omitempty" mapstructure:"port"`
	User      string `json:"user,omitempty" mapstructure:"user"`
	Transport string `json:"transport" mapstructure:"transport"`
	Interface string `json:"interface,omitempty" mapstructure:"interface"`
}

// Validate checks the node descriptor.
func (n Node) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("node id is required")
	}
	switch n.Transport {
	case TransportSSH:
		if n.Host == "" {
			return fmt.Errorf("node %s: host is required for ssh transport", n.ID)
		}
	case TransportLocal:
	default:
		return fmt.Errorf("node %s: unknown transport %q", n.ID, n.Transport)
	}
	if n.Port < 0 || n.Port > 65535 {
		return fmt.Errorf("node %s: invalid port %d", n.ID, n.Port)
	}
	return nil
}

// Outcome of the last sync attempt against a node.
type Outcome string

const (
	OutcomeUnknown Outcome = ""
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// State is the last-known applied peer set of a node. It is advisory: only
// contacting the node confirms what it trusts. A stale state must never be
// used to skip a sync.
type State struct {
	NodeID      string              `json:"node_id"`
	Host        string              `json:"host"`
	TrustedKeys map[string]struct{} `json:"-"`
	LastSync    time.Time           `json:"last_sync"`
	LastOutcome Outcome             `json:"last_outcome"`
	Stale       bool                `json:"stale"`
}

// UnknownState is the state of a node nothing is known about.
func UnknownState(n Node) State {
	return State{NodeID: n.ID, Host: n.Host, TrustedKeys: map[string]struct{}{}, Stale: true}
}

// ObservedState builds a fresh state from a peer list reported by the node itself.
func ObservedState(n Node, keys []string, at time.Time) State {
	s := State{NodeID: n.ID, Host: n.Host, TrustedKeys: make(map[string]struct{}, len(keys)), LastSync: at}
	for _, k := range keys {
		s.TrustedKeys[k] = struct{}{}
	}
	return s
}

// Trusts reports whether the node is assumed to trust key.
func (s State) Trusts(key string) bool {
	_, ok := s.TrustedKeys[key]
	return ok
}

// Keys returns the assumed trusted keys in sorted order.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s.TrustedKeys))
	for k := range s.TrustedKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy.
func (s State) Clone() State {
	c := s
	c.TrustedKeys = make(map[string]struct{}, len(s.TrustedKeys))
	for k := range s.TrustedKeys {
		c.TrustedKeys[k] = struct{}{}
	}
	return c
}
