package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chiquitav2/wgfleet/internal/fleet/peer"
	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
	consulapi "github.com/hashicorp/consul/api"
)

// ConsulConfig points the store at a Consul agent.
type ConsulConfig struct {
	Address    string
	Token      string
	Datacenter string
	Prefix     string
}

// ConsulStore keeps records in Consul KV so several coordinators can share a
// registry. Uniqueness is enforced with claim keys (one per active user, one
// per active address, one per public key) that are checked and written in the
// same KV transaction as the record. Every transaction is guarded by
// check-not-exists or check-index operations, making it a compare-and-swap.
type ConsulStore struct {
	kv     *consulapi.KV
	prefix string
}

// NewConsulStore creates a client for cfg. No request is made until first use.
func NewConsulStore(cfg ConsulConfig) (*ConsulStore, error) {
	c := consulapi.DefaultConfig()
	if cfg.Address != "" {
		c.Address = cfg.Address
	}
	if cfg.Token != "" {
		c.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		c.Datacenter = cfg.Datacenter
	}

	cli, err := consulapi.NewClient(c)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "wgfleet"
	}
	return &ConsulStore{kv: cli.KV(), prefix: prefix}, nil
}

// claim is one guarded key of a transaction.
type claim struct {
	key   string
	index uint64 // ModifyIndex when present, zero when absent
	err   apperrors.DomainError
}

func (s *ConsulStore) Put(ctx context.Context, rec *peer.Record) error {
	q := s.query(ctx)
	key := rec.Key()

	recPair, _, err := s.kv.Get(s.recordPath(key), q)
	if err != nil {
		return fmt.Errorf("failed to read record: %w", err)
	}
	userPair, _, err := s.kv.Get(s.userClaimPath(rec.UserID), q)
	if err != nil {
		return fmt.Errorf("failed to read user claim: %w", err)
	}
	addrPair, _, err := s.kv.Get(s.addrClaimPath(rec.Address.String()), q)
	if err != nil {
		return fmt.Errorf("failed to read address claim: %w", err)
	}
	keyPair, _, err := s.kv.Get(s.keyClaimPath(rec.PublicKey), q)
	if err != nil {
		return fmt.Errorf("failed to read key claim: %w", err)
	}

	var l lookups
	if recPair != nil {
		if l.existing, err = decodeRecord(recPair.Value); err != nil {
			return err
		}
	}
	if l.userActive, err = pairKey(userPair); err != nil {
		return err
	}
	if l.addrHolder, err = pairKey(addrPair); err != nil {
		return err
	}
	if l.keyOwner, err = pairKey(keyPair); err != nil {
		return err
	}
	if err := checkPut(rec, l); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	value := []byte(recordKey(key))

	guards := []claim{
		{key: s.recordPath(key), index: modifyIndex(recPair), err: apperrors.ErrDuplicateUser},
		{key: s.userClaimPath(rec.UserID), index: modifyIndex(userPair), err: apperrors.ErrDuplicateUser},
		{key: s.addrClaimPath(rec.Address.String()), index: modifyIndex(addrPair), err: apperrors.ErrAddressConflict},
		{key: s.keyClaimPath(rec.PublicKey), index: modifyIndex(keyPair), err: apperrors.ErrKeyConflict},
	}

	ops := make(consulapi.KVTxnOps, 0, 10)
	if l.existing != nil && l.existing.IsActive() && l.existing.Address != rec.Address {
		oldAddr, _, err := s.kv.Get(s.addrClaimPath(l.existing.Address.String()), q)
		if err != nil {
			return fmt.Errorf("failed to read address claim: %w", err)
		}
		guards = append(guards, claim{
			key:   s.addrClaimPath(l.existing.Address.String()),
			index: modifyIndex(oldAddr),
			err:   apperrors.ErrAddressConflict,
		})
	}
	for _, g := range guards {
		ops = append(ops, guardOp(g))
	}

	if l.existing != nil && l.existing.IsActive() {
		ops = append(ops,
			&consulapi.KVTxnOp{Verb: consulapi.KVDelete, Key: s.userClaimPath(l.existing.UserID)},
			&consulapi.KVTxnOp{Verb: consulapi.KVDelete, Key: s.addrClaimPath(l.existing.Address.String())},
		)
	}
	if rec.IsActive() {
		ops = append(ops,
			&consulapi.KVTxnOp{Verb: consulapi.KVSet, Key: s.userClaimPath(rec.UserID), Value: value},
			&consulapi.KVTxnOp{Verb: consulapi.KVSet, Key: s.addrClaimPath(rec.Address.String()), Value: value},
		)
	}
	ops = append(ops,
		&consulapi.KVTxnOp{Verb: consulapi.KVSet, Key: s.keyClaimPath(rec.PublicKey), Value: value},
		&consulapi.KVTxnOp{Verb: consulapi.KVSet, Key: s.recordPath(key), Value: data},
	)

	ok, resp, _, err := s.kv.Txn(ops, q)
	if err != nil {
		return fmt.Errorf("consul transaction failed: %w", err)
	}
	if ok {
		return nil
	}
	return txnConflict(guards, resp, rec)
}

func (s *ConsulStore) Latest(ctx context.Context, userID string) (*peer.Record, error) {
	pairs, _, err := s.kv.List(s.path("records", userID)+"/", s.query(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	var latest *peer.Record
	for _, p := range pairs {
		rec, err := decodeRecord(p.Value)
		if err != nil {
			return nil, err
		}
		if latest == nil || rec.Generation > latest.Generation {
			latest = rec
		}
	}
	if latest == nil {
		return nil, notFound(userID)
	}
	return latest, nil
}

func (s *ConsulStore) List(ctx context.Context, filter peer.Filter) ([]*peer.Record, error) {
	prefix := s.path("records") + "/"
	if filter.UserID != "" {
		prefix = s.path("records", filter.UserID) + "/"
	}
	pairs, _, err := s.kv.List(prefix, s.query(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	out := make([]*peer.Record, 0, len(pairs))
	for _, p := range pairs {
		rec, err := decodeRecord(p.Value)
		if err != nil {
			return nil, err
		}
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	peer.SortRecords(out)
	return out, nil
}

func (s *ConsulStore) Backend() string { return BackendConsul }

func (s *ConsulStore) Close() error { return nil }

func (s *ConsulStore) query(ctx context.Context) *consulapi.QueryOptions {
	return (&consulapi.QueryOptions{RequireConsistent: true}).WithContext(ctx)
}

func (s *ConsulStore) path(parts ...string) string {
	return s.prefix + "/" + strings.Join(parts, "/")
}

func (s *ConsulStore) recordPath(k peer.Key) string {
	return s.path("records", recordKey(k))
}

func (s *ConsulStore) userClaimPath(userID string) string {
	return s.path("claims", "users", userID)
}

func (s *ConsulStore) addrClaimPath(addr string) string {
	return s.path("claims", "addresses", addr)
}

// keyClaimPath maps base64 public keys onto characters that are valid in a KV path.
func (s *ConsulStore) keyClaimPath(publicKey string) string {
	return s.path("claims", "keys", keyPathEscaper.Replace(publicKey))
}

var keyPathEscaper = strings.NewReplacer("/", "_", "+", "-")

func guardOp(g claim) *consulapi.KVTxnOp {
	if g.index == 0 {
		return &consulapi.KVTxnOp{Verb: consulapi.KVCheckNotExists, Key: g.key}
	}
	return &consulapi.KVTxnOp{Verb: consulapi.KVCheckIndex, Key: g.key, Index: g.index}
}

func modifyIndex(p *consulapi.KVPair) uint64 {
	if p == nil {
		return 0
	}
	return p.ModifyIndex
}

func pairKey(p *consulapi.KVPair) (*peer.Key, error) {
	if p == nil {
		return nil, nil
	}
	k, err := parseRecordKey(string(p.Value))
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// txnConflict reports which guard a concurrent writer invalidated.
func txnConflict(guards []claim, resp *consulapi.KVTxnResponse, rec *peer.Record) error {
	if resp != nil {
		for _, e := range resp.Errors {
			if e.OpIndex >= 0 && e.OpIndex < len(guards) {
				return guards[e.OpIndex].err.
					WithMetadata("user_id", rec.UserID).
					WithMetadata("address", rec.Address.String()).
					WithMetadata("reason", e.What)
			}
		}
	}
	return apperrors.NewRegistryError(apperrors.ErrCodeRegistryWrite, "consul transaction rolled back", true, nil).
		WithMetadata("user_id", rec.UserID)
}
