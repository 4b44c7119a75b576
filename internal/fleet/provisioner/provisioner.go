// Package provisioner creates and revokes peer identities. It writes to the
// registry and the address pool only; gateways learn about changes on the
// next fleet sync.
package provisioner

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/chiquitav2/wgfleet/internal/fleet/peer"
	"github.com/chiquitav2/wgfleet/internal/fleet/wireguard"
	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
	"github.com/chiquitav2/wgfleet/internal/shared/logger"
	"github.com/chiquitav2/wgfleet/pkg/crypto"
)

// KeyGenerator produces a new key pair for each provisioned peer.
type KeyGenerator interface {
	GenerateKeyPair() (*crypto.KeyPair, error)
}

// AddressPool is the allocation surface the provisioner needs.
type AddressPool interface {
	Allocate() (netip.Addr, error)
	Unallocate(addr netip.Addr)
	ReleaseAt(addr netip.Addr, since time.Time)
	Reserve(addr netip.Addr) error
}

// Registry is the registry surface the provisioner needs.
type Registry interface {
	Active(ctx context.Context, userID string) (*peer.Record, error)
	NextGeneration(ctx context.Context, userID string) (int, error)
	Put(ctx context.Context, rec *peer.Record) error
	Revoke(ctx context.Context, userID string) (*peer.Record, error)
	Now() time.Time
}

// Notifier is told about completed registry changes.
type Notifier interface {
	PublishPeerProvisioned(rec *peer.Record) error
	PublishPeerRevoked(rec *peer.Record) error
}

// BundleConfig is the server-side half of every client configuration.
type BundleConfig struct {
	ServerPublicKey string
	Endpoint        string
	DNS             []string
	AllowedIPs      []string
	Keepalive       time.Duration
	MTU             int
}

// Result is the outcome of a successful provision. PrivateKey and Config are
// never persisted; they are handed to the caller once.
type Result struct {
	Record     *peer.Record
	PrivateKey string
	Config     string
}

// Provisioner orchestrates peer creation as a single logical transaction.
type Provisioner struct {
	registry Registry
	pool     AddressPool
	keys     KeyGenerator
	bundle   BundleConfig
	notifier Notifier
	logger   *logger.Logger
}

// New creates a Provisioner. notifier may be nil.
func New(reg Registry, pool AddressPool, keys KeyGenerator, bundle BundleConfig, notifier Notifier, log *logger.Logger) *Provisioner {
	return &Provisioner{
		registry: reg,
		pool:     pool,
		keys:     keys,
		bundle:   bundle,
		notifier: notifier,
		logger:   logger.OrNop(log).WithComponent("provisioner"),
	}
}

// Provision creates a new active record for userID. On failure after the
// address is allocated, the address is returned to the pool before the error
// is surfaced.
func (p *Provisioner) Provision(ctx context.Context, userID string) (*Result, error) {
	ctx = logger.WithUserID(ctx, userID)
	op := p.logger.StartOp(ctx, "provision")

	if err := peer.ValidateUserID(userID); err != nil {
		op.Fail(err, "invalid user id")
		return nil, err
	}

	if existing, err := p.registry.Active(ctx, userID); err == nil {
		err := apperrors.ErrAlreadyProvisioned.
			WithMetadata("user_id", userID).
			WithMetadata("address", existing.Address.String())
		op.Fail(err, "user already provisioned")
		return nil, err
	} else if !errors.Is(err, apperrors.ErrPeerNotFound) {
		op.Fail(err, "registry lookup failed")
		return nil, apperrors.NewProvisionError("precheck", userID, err)
	}

	generation, err := p.registry.NextGeneration(ctx, userID)
	if err != nil {
		op.Fail(err, "registry lookup failed")
		return nil, apperrors.NewProvisionError("precheck", userID, err)
	}

	keys, err := p.keys.GenerateKeyPair()
	if err != nil {
		err = apperrors.Wrap(apperrors.ErrKeyGenFailed, err)
		op.Fail(err, "key generation failed")
		return nil, apperrors.NewProvisionError("keygen", userID, err)
	}
	op.Progress("keys generated")

	addr, err := p.pool.Allocate()
	if err != nil {
		op.Fail(err, "address allocation failed")
		return nil, apperrors.NewProvisionError("allocate", userID, err)
	}
	op.With(slog.String("address", addr.String()))

	rec := &peer.Record{
		UserID:     userID,
		Generation: generation,
		PublicKey:  keys.PublicKey,
		Address:    addr,
		Status:     peer.StatusActive,
		CreatedAt:  p.registry.Now(),
	}
	if err := p.registry.Put(ctx, rec); err != nil {
		p.compensate(ctx, addr, err)
		if lostRace(err) {
			err = apperrors.Wrap(apperrors.ErrAlreadyProvisioned, apperrors.Wrap(apperrors.ErrDuplicateUser, err)).
				WithMetadata("user_id", userID)
		}
		op.Fail(err, "registry write failed")
		return nil, apperrors.NewProvisionError("register", userID, err)
	}

	if p.notifier != nil {
		if err := p.notifier.PublishPeerProvisioned(rec.Clone()); err != nil {
			p.logger.WarnCtx(ctx, "failed to publish provisioned event", err)
		}
	}

	op.Complete("peer provisioned", slog.Int("generation", generation))
	return &Result{
		Record:     rec,
		PrivateKey: keys.PrivateKey,
		Config:     p.ClientConfig(rec, keys.PrivateKey),
	}, nil
}

// Revoke revokes the user's active record and starts the address grace
// period from the recorded revocation time.
func (p *Provisioner) Revoke(ctx context.Context, userID string) (*peer.Record, error) {
	ctx = logger.WithUserID(ctx, userID)
	op := p.logger.StartOp(ctx, "revoke")

	rec, err := p.registry.Revoke(ctx, userID)
	if err != nil {
		op.Fail(err, "revoke failed")
		return nil, err
	}
	p.pool.ReleaseAt(rec.Address, *rec.RevokedAt)

	if p.notifier != nil {
		if err := p.notifier.PublishPeerRevoked(rec.Clone()); err != nil {
			p.logger.WarnCtx(ctx, "failed to publish revoked event", err)
		}
	}

	op.Complete("peer revoked",
		slog.String("address", rec.Address.String()),
		slog.Int("generation", rec.Generation))
	return rec, nil
}

// ClientConfig renders the client bundle for rec.
func (p *Provisioner) ClientConfig(rec *peer.Record, privateKey string) string {
	return wireguard.ClientConfig{
		PrivateKey:      privateKey,
		Address:         rec.Address,
		DNS:             p.bundle.DNS,
		MTU:             p.bundle.MTU,
		ServerPublicKey: p.bundle.ServerPublicKey,
		Endpoint:        p.bundle.Endpoint,
		AllowedIPs:      p.bundle.AllowedIPs,
		Keepalive:       p.bundle.Keepalive,
	}.Render()
}

// lostRace reports whether a registry write failed because another writer
// created a record for the same user after the precheck. Provision only
// writes new generations, so a clash on an existing one is such a writer.
func lostRace(err error) bool {
	return errors.Is(err, apperrors.ErrDuplicateUser) || errors.Is(err, apperrors.ErrKeyImmutable)
}

// compensate undoes the allocation after a failed registry write. The
// address never reached the registry, so it goes straight back to the pool.
// When the registry reports the address as held by another record the pool
// keeps it marked instead.
func (p *Provisioner) compensate(ctx context.Context, addr netip.Addr, cause error) {
	if errors.Is(cause, apperrors.ErrAddressConflict) {
		if err := p.pool.Reserve(addr); err != nil {
			p.logger.WarnCtx(ctx, "failed to mark conflicting address", err, slog.String("address", addr.String()))
		}
		return
	}
	p.pool.Unallocate(addr)
	p.logger.WithContext(ctx).Debug("allocation rolled back", slog.String("address", addr.String()))
}
