// Package store implements registry.Store on several backends.
//
// All backends enforce the same invariants inside a single transaction:
// at most one active record per user, active addresses unique, public keys
// unique across every generation, and public keys immutable per generation.
package store

import (
	"fmt"
	"strings"

	"github.com/chiquitav2/wgfleet/internal/fleet/peer"
	"github.com/chiquitav2/wgfleet/internal/fleet/registry"
	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
	"github.com/chiquitav2/wgfleet/internal/shared/logger"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendConsul = "consul"
)

// Config selects and configures a backend.
type Config struct {
	Backend string
	Path    string
	Consul  ConsulConfig
}

// Open constructs the configured backend.
func Open(cfg Config, log *logger.Logger) (registry.Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite, "":
		return NewSQLiteStore(cfg.Path, log)
	case BackendBolt:
		return NewBoltStore(cfg.Path)
	case BackendConsul:
		return NewConsulStore(cfg.Consul)
	default:
		return nil, apperrors.NewSystemError(apperrors.ErrCodeConfiguration,
			fmt.Sprintf("unknown registry backend %q", cfg.Backend), false, nil)
	}
}

// lookups is what a backend resolves inside its transaction before a put.
type lookups struct {
	existing   *peer.Record // same (user, generation)
	userActive *peer.Key    // active generation for the user, if any
	addrHolder *peer.Key    // active record holding rec.Address, if any
	keyOwner   *peer.Key    // record registered with rec.PublicKey, if any
}

// checkPut applies the registry invariants to a pending write.
func checkPut(rec *peer.Record, l lookups) error {
	key := rec.Key()

	if l.existing != nil {
		if l.existing.PublicKey != rec.PublicKey {
			return apperrors.ErrKeyImmutable.
				WithMetadata("user_id", rec.UserID).
				WithMetadata("generation", rec.Generation)
		}
		if !l.existing.Status.CanTransitionTo(rec.Status) {
			return apperrors.NewPeerError(apperrors.ErrCodeValidation,
				fmt.Sprintf("invalid status transition from %s to %s", l.existing.Status, rec.Status), false, nil).
				WithMetadata("user_id", rec.UserID)
		}
	} else if l.keyOwner != nil && *l.keyOwner != key {
		return apperrors.ErrKeyConflict.
			WithMetadata("user_id", rec.UserID).
			WithMetadata("owner", l.keyOwner.UserID)
	}

	if !rec.IsActive() {
		return nil
	}
	if l.userActive != nil && *l.userActive != key {
		return apperrors.ErrDuplicateUser.
			WithMetadata("user_id", rec.UserID).
			WithMetadata("active_generation", l.userActive.Generation)
	}
	if l.addrHolder != nil && *l.addrHolder != key {
		return apperrors.ErrAddressConflict.
			WithMetadata("address", rec.Address.String()).
			WithMetadata("holder", l.addrHolder.UserID)
	}
	return nil
}

func recordKey(k peer.Key) string {
	return fmt.Sprintf("%s/%010d", k.UserID, k.Generation)
}

func notFound(userID string) error {
	return apperrors.ErrPeerNotFound.WithMetadata("user_id", userID)
}
