package node

import (
	"sync"
	"time"
)

// StateCache holds coordinator-local NodeState. It can be dropped and rebuilt
// at any time; every entry starts stale.
type StateCache struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewStateCache creates an empty cache.
func NewStateCache() *StateCache {
	return &StateCache{states: make(map[string]State)}
}

// Get returns a copy of the node's state, or an unknown (stale) state.
func (c *StateCache) Get(n Node) State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.states[n.ID]
	if !ok {
		return UnknownState(n)
	}
	return s.Clone()
}

// MarkSynced records that the node now trusts exactly keys.
func (c *StateCache) MarkSynced(n Node, keys []string, at time.Time) {
	s := ObservedState(n, keys, at)
	s.LastOutcome = OutcomeSuccess

	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[n.ID] = s
}

// MarkStale records a failed or partial sync. The trusted set is left as it
// was, since what the node actually applied is unknown.
func (c *StateCache) MarkStale(n Node, outcome Outcome, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.states[n.ID]
	if !ok {
		s = UnknownState(n)
	}
	s.Host = n.Host
	s.LastSync = at
	s.LastOutcome = outcome
	s.Stale = true
	c.states[n.ID] = s
}
