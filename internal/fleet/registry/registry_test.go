package registry_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/chiquitav2/wgfleet/internal/fleet/infrastructure/store"
	"github.com/chiquitav2/wgfleet/internal/fleet/peer"
	"github.com/chiquitav2/wgfleet/internal/fleet/registry"
	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
	"github.com/chiquitav2/wgfleet/pkg/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenStore struct {
	*store.MemoryStore
	putErr error
}

func (b *brokenStore) Put(ctx context.Context, rec *peer.Record) error {
	if b.putErr != nil {
		return b.putErr
	}
	return b.MemoryStore.Put(ctx, rec)
}

func fixedClock() func() time.Time {
	now := time.Date(2026, 5, 1, 8, 0, 0, 987654321, time.UTC)
	return func() time.Time { return now }
}

func record(t *testing.T, r *registry.Registry, user string, gen int, addr string) *peer.Record {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return &peer.Record{
		UserID:     user,
		Generation: gen,
		PublicKey:  kp.PublicKey,
		Address:    netip.MustParseAddr(addr),
		Status:     peer.StatusActive,
		CreatedAt:  r.Now(),
	}
}

func TestRegistry_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(store.NewMemoryStore(), registry.WithClock(fixedClock()))

	rec := record(t, reg, "alice", 1, "10.8.0.1")
	require.NoError(t, reg.Put(ctx, rec))

	got, err := reg.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.NotSame(t, rec, got)
}

func TestRegistry_NowIsStorable(t *testing.T) {
	reg := registry.New(store.NewMemoryStore(), registry.WithClock(fixedClock()))
	now := reg.Now()
	assert.Equal(t, time.UTC, now.Location())
	assert.Equal(t, 987654000, now.Nanosecond())
}

func TestRegistry_PutValidates(t *testing.T) {
	reg := registry.New(store.NewMemoryStore())
	rec := record(t, reg, "alice", 1, "10.8.0.1")
	rec.PublicKey = "bogus"

	err := reg.Put(context.Background(), rec)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeValidation))
	assert.Error(t, reg.Put(context.Background(), nil))
}

func TestRegistry_Invariants(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(store.NewMemoryStore())

	require.NoError(t, reg.Put(ctx, record(t, reg, "alice", 1, "10.8.0.1")))

	err := reg.Put(ctx, record(t, reg, "alice", 2, "10.8.0.2"))
	assert.True(t, errors.Is(err, apperrors.ErrDuplicateUser))

	err = reg.Put(ctx, record(t, reg, "bob", 1, "10.8.0.1"))
	assert.True(t, errors.Is(err, apperrors.ErrAddressConflict))
}

func TestRegistry_Revoke(t *testing.T) {
	ctx := context.Background()
	clock := fixedClock()
	reg := registry.New(store.NewMemoryStore(), registry.WithClock(clock))

	require.NoError(t, reg.Put(ctx, record(t, reg, "alice", 1, "10.8.0.1")))

	rec, err := reg.Revoke(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, peer.StatusRevoked, rec.Status)
	require.NotNil(t, rec.RevokedAt)
	assert.True(t, reg.Now().Equal(*rec.RevokedAt))

	stored, err := reg.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, peer.StatusRevoked, stored.Status, "revoked records are retained")

	_, err = reg.Active(ctx, "alice")
	assert.True(t, errors.Is(err, apperrors.ErrPeerNotFound))

	_, err = reg.Revoke(ctx, "alice")
	assert.True(t, errors.Is(err, apperrors.ErrAlreadyRevoked))

	_, err = reg.Revoke(ctx, "nobody")
	assert.True(t, errors.Is(err, apperrors.ErrPeerNotFound))

	active, err := reg.List(ctx, peer.Filter{Status: peer.StatusActive})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRegistry_NextGeneration(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(store.NewMemoryStore())

	gen, err := reg.NextGeneration(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, gen)

	require.NoError(t, reg.Put(ctx, record(t, reg, "alice", 1, "10.8.0.1")))
	_, err = reg.Revoke(ctx, "alice")
	require.NoError(t, err)

	gen, err = reg.NextGeneration(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, gen)
}

func TestRegistry_WriteFailureIsFatal(t *testing.T) {
	broken := &brokenStore{MemoryStore: store.NewMemoryStore(), putErr: errors.New("disk full")}
	reg := registry.New(broken)

	err := reg.Put(context.Background(), record(t, reg, "alice", 1, "10.8.0.1"))
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeRegistryWrite))
	assert.False(t, apperrors.IsRetryable(err))
	assert.Contains(t, err.Error(), "disk full")

	_, err = reg.Get(context.Background(), "alice")
	assert.True(t, errors.Is(err, apperrors.ErrPeerNotFound), "failed write must not be visible")
}
