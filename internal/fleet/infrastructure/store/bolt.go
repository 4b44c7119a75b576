package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chiquitav2/wgfleet/internal/fleet/peer"
	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords     = []byte("records")
	bucketActiveUsers = []byte("active_users")
	bucketActiveAddrs = []byte("active_addresses")
	bucketPublicKeys  = []byte("public_keys")
)

// BoltStore persists records in a bbolt file. Every Update transaction is
// fsynced on commit and bbolt allows a single writer, which makes the
// invariant checks atomic. The file lock limits it to one process.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeConfiguration, "bolt path is required", false, nil)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketActiveUsers, bucketActiveAddrs, bucketPublicKeys} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Put(ctx context.Context, rec *peer.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		users := tx.Bucket(bucketActiveUsers)
		addrs := tx.Bucket(bucketActiveAddrs)
		pubkeys := tx.Bucket(bucketPublicKeys)

		key := rec.Key()
		rk := []byte(recordKey(key))

		var (
			l   lookups
			err error
		)
		if raw := records.Get(rk); raw != nil {
			if l.existing, err = decodeRecord(raw); err != nil {
				return err
			}
		}
		if l.userActive, err = keyAt(users, []byte(rec.UserID)); err != nil {
			return err
		}
		if l.addrHolder, err = keyAt(addrs, []byte(rec.Address.String())); err != nil {
			return err
		}
		if l.keyOwner, err = keyAt(pubkeys, []byte(rec.PublicKey)); err != nil {
			return err
		}
		if err := checkPut(rec, l); err != nil {
			return err
		}

		if l.existing != nil && l.existing.IsActive() {
			if err := users.Delete([]byte(l.existing.UserID)); err != nil {
				return err
			}
			if err := addrs.Delete([]byte(l.existing.Address.String())); err != nil {
				return err
			}
		}
		if rec.IsActive() {
			if err := users.Put([]byte(rec.UserID), rk); err != nil {
				return err
			}
			if err := addrs.Put([]byte(rec.Address.String()), rk); err != nil {
				return err
			}
		}
		if err := pubkeys.Put([]byte(rec.PublicKey), rk); err != nil {
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		return records.Put(rk, data)
	})
}

func (s *BoltStore) Latest(ctx context.Context, userID string) (*peer.Record, error) {
	var rec *peer.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(userID + "/")
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			r, err := decodeRecord(v)
			if err != nil {
				return err
			}
			rec = r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, notFound(userID)
	}
	return rec, nil
}

func (s *BoltStore) List(ctx context.Context, filter peer.Filter) ([]*peer.Record, error) {
	var out []*peer.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if filter.Matches(rec) {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	peer.SortRecords(out)
	return out, nil
}

func (s *BoltStore) Backend() string { return BackendBolt }

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func decodeRecord(raw []byte) (*peer.Record, error) {
	var rec peer.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}

func keyAt(b *bolt.Bucket, k []byte) (*peer.Key, error) {
	v := b.Get(k)
	if v == nil {
		return nil, nil
	}
	key, err := parseRecordKey(string(v))
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func parseRecordKey(s string) (peer.Key, error) {
	i := strings.LastIndexByte(s, '/')
	if i <= 0 {
		return peer.Key{}, fmt.Errorf("malformed record key %q", s)
	}
	gen, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return peer.Key{}, fmt.Errorf("malformed record key %q: %w", s, err)
	}
	return peer.Key{UserID: s[:i], Generation: gen}, nil
}
