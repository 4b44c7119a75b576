package store

import (
	"context"
	"net/netip"
	"sync"

	"github.com/chiquitav2/wgfleet/internal/fleet/peer"
)

// MemoryStore keeps records in process memory. It is not durable and is meant
// for tests and dry runs.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[peer.Key]*peer.Record
	latest     map[string]int
	activeUser map[string]peer.Key
	activeAddr map[netip.Addr]peer.Key
	publicKeys map[string]peer.Key
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[peer.Key]*peer.Record),
		latest:     make(map[string]int),
		activeUser: make(map[string]peer.Key),
		activeAddr: make(map[netip.Addr]peer.Key),
		publicKeys: make(map[string]peer.Key),
	}
}

func (s *MemoryStore) Put(ctx context.Context, rec *peer.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Key()
	var l lookups
	if existing, ok := s.records[key]; ok {
		l.existing = existing
	}
	if k, ok := s.activeUser[rec.UserID]; ok {
		l.userActive = &k
	}
	if k, ok := s.activeAddr[rec.Address]; ok {
		l.addrHolder = &k
	}
	if k, ok := s.publicKeys[rec.PublicKey]; ok {
		l.keyOwner = &k
	}
	if err := checkPut(rec, l); err != nil {
		return err
	}

	if l.existing != nil && l.existing.IsActive() {
		delete(s.activeUser, l.existing.UserID)
		delete(s.activeAddr, l.existing.Address)
	}
	if rec.IsActive() {
		s.activeUser[rec.UserID] = key
		s.activeAddr[rec.Address] = key
	}
	s.publicKeys[rec.PublicKey] = key
	s.records[key] = rec.Clone()
	if rec.Generation > s.latest[rec.UserID] {
		s.latest[rec.UserID] = rec.Generation
	}
	return nil
}

func (s *MemoryStore) Latest(ctx context.Context, userID string) (*peer.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gen, ok := s.latest[userID]
	if !ok {
		return nil, notFound(userID)
	}
	return s.records[peer.Key{UserID: userID, Generation: gen}].Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter peer.Filter) ([]*peer.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*peer.Record, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	peer.SortRecords(out)
	return out, nil
}

func (s *MemoryStore) Backend() string { return BackendMemory }

func (s *MemoryStore) Close() error { return nil }
