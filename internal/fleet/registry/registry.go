// Package registry is the durable source of truth mapping users to peer records.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chiquitav2/wgfleet/internal/fleet/peer"
	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
	"github.com/chiquitav2/wgfleet/internal/shared/logger"
)

// Store persists peer records. Put must be atomic with respect to the
// uniqueness checks it performs and must not return before the write is
// durable. Implementations shared between processes must make those checks
// conditional writes on the user and the address.
type Store interface {
	// Put inserts or updates the record identified by (UserID, Generation).
	// It fails with ErrDuplicateUser, ErrAddressConflict, ErrKeyConflict or
	// ErrKeyImmutable when the write would break a uniqueness invariant.
	Put(ctx context.Context, rec *peer.Record) error
	// Latest returns the highest generation for userID or ErrPeerNotFound.
	Latest(ctx context.Context, userID string) (*peer.Record, error)
	// List returns copies of the matching records ordered by user and generation.
	List(ctx context.Context, filter peer.Filter) ([]*peer.Record, error)
	// Backend names the implementation for logs.
	Backend() string
	Close() error
}

// Registry is the PeerRegistry. Mutations are serialized per process; the
// store enforces invariants across processes.
type Registry struct {
	mu     sync.Mutex
	store  Store
	now    func() time.Time
	logger *logger.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for creation and revocation timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry logger.
func WithLogger(l *logger.Logger) Option {
	return func(r *Registry) { r.logger = logger.OrNop(l).WithComponent("registry") }
}

// New creates a registry over store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		now:    time.Now,
		logger: logger.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the registry's notion of the current time, truncated to
// microseconds and in UTC so that every backend round-trips it exactly.
func (r *Registry) Now() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

// Put validates and durably writes rec.
func (r *Registry) Put(ctx context.Context, rec *peer.Record) error {
	if rec == nil {
		return apperrors.NewPeerError(apperrors.ErrCodeValidation, "record cannot be nil", false, nil)
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.putLocked(ctx, rec.Clone())
}

// Get returns the latest generation for userID, active or revoked.
func (r *Registry) Get(ctx context.Context, userID string) (*peer.Record, error) {
	rec, err := r.store.Latest(ctx, userID)
	if err != nil {
		return nil, r.readError(err, "get", userID)
	}
	return rec, nil
}

// Active returns the user's active record, or ErrPeerNotFound.
func (r *Registry) Active(ctx context.Context, userID string) (*peer.Record, error) {
	rec, err := r.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !rec.IsActive() {
		return nil, apperrors.ErrPeerNotFound.WithMetadata("user_id", userID)
	}
	return rec, nil
}

// List returns a snapshot of the matching records.
func (r *Registry) List(ctx context.Context, filter peer.Filter) ([]*peer.Record, error) {
	records, err := r.store.List(ctx, filter)
	if err != nil {
		return nil, r.readError(err, "list", "")
	}
	return records, nil
}

// NextGeneration returns the generation a new record for userID should use.
func (r *Registry) NextGeneration(ctx context.Context, userID string) (int, error) {
	latest, err := r.store.Latest(ctx, userID)
	if errors.Is(err, apperrors.ErrPeerNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, r.readError(err, "next_generation", userID)
	}
	return latest.Generation + 1, nil
}

// Revoke marks the user's active record revoked. The record is kept.
func (r *Registry) Revoke(ctx context.Context, userID string) (*peer.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.store.Latest(ctx, userID)
	if err != nil {
		return nil, r.readError(err, "revoke", userID)
	}
	if err := rec.Revoke(r.Now()); err != nil {
		return nil, err
	}
	if err := r.putLocked(ctx, rec); err != nil {
		return nil, err
	}

	r.logger.Info("peer revoked",
		slog.String("user_id", rec.UserID),
		slog.Int("generation", rec.Generation),
		slog.String("address", rec.Address.String()))
	return rec.Clone(), nil
}

// Close releases the store.
func (r *Registry) Close() error {
	return r.store.Close()
}

func (r *Registry) putLocked(ctx context.Context, rec *peer.Record) error {
	start := time.Now()
	err := r.store.Put(ctx, rec)
	r.logger.StoreOp(ctx, "put", r.store.Backend(), time.Since(start),
		slog.String("user_id", rec.UserID),
		slog.Int("generation", rec.Generation))
	if err == nil {
		return nil
	}

	if apperrors.IsDomainError(err) {
		return err
	}
	return apperrors.NewRegistryError(apperrors.ErrCodeRegistryWrite, "failed to persist peer record", false, err).
		WithMetadata("user_id", rec.UserID).
		WithMetadata("backend", r.store.Backend())
}

func (r *Registry) readError(err error, op, userID string) error {
	if apperrors.IsDomainError(err) {
		return err
	}
	return apperrors.NewRegistryError(apperrors.ErrCodeRegistryRead, "failed to read peer records", true, err).
		WithMetadata("operation", op).
		WithMetadata("user_id", userID)
}
