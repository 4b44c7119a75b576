// Package pool hands out peer addresses from a bounded IPv4 range.
//
// The pool holds no durable state of its own. It is rebuilt from registry
// records on startup with Restore and is only ever a view of the registry.
package pool

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/chiquitav2/wgfleet/internal/fleet/peer"
	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
	"github.com/chiquitav2/wgfleet/internal/shared/logger"
	"go4.org/netipx"
)

// DefaultGracePeriod is how long a revoked address stays out of circulation.
const DefaultGracePeriod = time.Hour

// Config describes the address range a pool serves.
type Config struct {
	// Range is a CIDR ("10.8.0.0/24") or an explicit range ("10.8.0.1-10.8.0.254").
	Range string
	// Reserved addresses inside Range that are never handed out (gateway addresses, etc).
	Reserved []string
	// GracePeriod before a released address may be reused. Zero selects DefaultGracePeriod.
	GracePeriod time.Duration
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the time source used for grace period bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithLogger sets the pool logger.
func WithLogger(l *logger.Logger) Option {
	return func(p *Pool) { p.logger = logger.OrNop(l).WithComponent("pool") }
}

// Pool is an AddressPool. All methods are safe for concurrent use.
type Pool struct {
	mu sync.Mutex

	usable   netipx.IPRange
	reserved *netipx.IPSet
	grace    time.Duration

	allocated  map[netip.Addr]struct{}
	quarantine map[netip.Addr]time.Time // address -> earliest reuse time

	now    func() time.Time
	logger *logger.Logger
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Range       string        `json:"range"`
	Capacity    int           `json:"capacity"`
	Allocated   int           `json:"allocated"`
	Quarantined int           `json:"quarantined"`
	Available   int           `json:"available"`
	GracePeriod time.Duration `json:"grace_period"`
}

// New creates an empty pool for cfg.
func New(cfg Config, opts ...Option) (*Pool, error) {
	usable, err := ParseRange(cfg.Range)
	if err != nil {
		return nil, err
	}

	var b netipx.IPSetBuilder
	for _, s := range cfg.Reserved {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, apperrors.NewPoolError(apperrors.ErrCodeAddressInvalid, "invalid reserved address", false, err).
				WithMetadata("address", s)
		}
		b.Add(addr)
	}
	reserved, err := b.IPSet()
	if err != nil {
		return nil, apperrors.NewPoolError(apperrors.ErrCodeInvalidRange, "invalid reserved set", false, err)
	}

	if cfg.GracePeriod < 0 {
		return nil, apperrors.NewPoolError(apperrors.ErrCodeInvalidRange, "grace period cannot be negative", false, nil)
	}
	grace := cfg.GracePeriod
	if grace == 0 {
		grace = DefaultGracePeriod
	}

	p := &Pool{
		usable:     usable,
		reserved:   reserved,
		grace:      grace,
		allocated:  make(map[netip.Addr]struct{}),
		quarantine: make(map[netip.Addr]time.Time),
		now:        time.Now,
		logger:     logger.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ParseRange parses a CIDR or an explicit "from-to" range into the range of
// allocatable addresses. The network and broadcast addresses of a prefix are
// excluded, whether written as a CIDR or as a range that spans exactly a prefix.
func ParseRange(s string) (netipx.IPRange, error) {
	var rng netipx.IPRange
	if prefix, err := netip.ParsePrefix(s); err == nil {
		rng = netipx.RangeOfPrefix(prefix.Masked())
	} else if r, err := netipx.ParseIPRange(s); err == nil {
		rng = r
	} else {
		return netipx.IPRange{}, apperrors.NewPoolError(apperrors.ErrCodeInvalidRange, "range must be a CIDR or from-to range", false, err).
			WithMetadata("range", s)
	}

	if !rng.From().Is4() {
		return netipx.IPRange{}, apperrors.NewPoolError(apperrors.ErrCodeInvalidRange, "only IPv4 ranges are supported", false, nil).
			WithMetadata("range", s)
	}

	if prefix, ok := rng.Prefix(); ok && prefix.Bits() < 31 {
		rng = netipx.IPRangeFrom(rng.From().Next(), rng.To().Prev())
	}
	if !rng.IsValid() {
		return netipx.IPRange{}, apperrors.NewPoolError(apperrors.ErrCodeInvalidRange, "range has no allocatable addresses", false, nil).
			WithMetadata("range", s)
	}
	return rng, nil
}

// Allocate returns the lowest address that is inside the range, not reserved,
// not allocated and not quarantined. Fails with ErrPoolExhausted.
func (p *Pool) Allocate() (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for addr := p.usable.From(); p.usable.Contains(addr); addr = addr.Next() {
		if !p.freeLocked(addr, now) {
			continue
		}
		p.allocated[addr] = struct{}{}
		delete(p.quarantine, addr)
		p.logger.Debug("address allocated", slog.String("address", addr.String()))
		return addr, nil
	}

	return netip.Addr{}, apperrors.ErrPoolExhausted.
		WithMetadata("range", p.usable.String()).
		WithMetadata("quarantined", len(p.quarantine))
}

// ReleaseAt frees addr with a grace period measured from since, normally the
// registry's revocation timestamp. A no-op when addr is not allocated.
func (p *Pool) ReleaseAt(addr netip.Addr, since time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.allocated[addr]; !ok {
		return
	}
	delete(p.allocated, addr)
	p.quarantine[addr] = since.Add(p.grace)

	p.logger.Debug("address released",
		slog.String("address", addr.String()),
		slog.Time("reusable_at", since.Add(p.grace)))
}

// Unallocate frees addr with no grace period. Only for allocations that never
// reached the registry, so no node can trust the address yet. A no-op when
// addr is not allocated.
func (p *Pool) Unallocate(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.allocated[addr]; !ok {
		return
	}
	delete(p.allocated, addr)
	p.logger.Debug("address allocation undone", slog.String("address", addr.String()))
}

// Reserve marks addr allocated. Used when the registry reports the address taken.
func (p *Pool) Reserve(addr netip.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.usable.Contains(addr) {
		return apperrors.NewPoolError(apperrors.ErrCodeAddressInvalid, "address outside pool range", false, nil).
			WithMetadata("address", addr.String()).
			WithMetadata("range", p.usable.String())
	}
	p.allocated[addr] = struct{}{}
	delete(p.quarantine, addr)
	return nil
}

// Restore rebuilds allocation state from registry records, replacing whatever
// the pool held. Active records hold their address; revoked records keep
// theirs quarantined until RevokedAt plus the grace period.
func (p *Pool) Restore(records []*peer.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.allocated = make(map[netip.Addr]struct{})
	p.quarantine = make(map[netip.Addr]time.Time)

	var outside int
	for _, r := range records {
		if !r.IsActive() {
			continue
		}
		if !p.usable.Contains(r.Address) {
			outside++
			p.logger.Warn("active record outside pool range",
				slog.String("user_id", r.UserID),
				slog.String("address", r.Address.String()))
			continue
		}
		p.allocated[r.Address] = struct{}{}
	}

	now := p.now()
	for _, r := range records {
		if r.IsActive() || r.RevokedAt == nil || !p.usable.Contains(r.Address) {
			continue
		}
		if _, held := p.allocated[r.Address]; held {
			continue
		}
		until := r.RevokedAt.Add(p.grace)
		if !until.After(now) {
			continue
		}
		if prev, ok := p.quarantine[r.Address]; !ok || until.After(prev) {
			p.quarantine[r.Address] = until
		}
	}

	p.logger.Info("pool restored from registry",
		slog.Int("records", len(records)),
		slog.Int("allocated", len(p.allocated)),
		slog.Int("quarantined", len(p.quarantine)),
		slog.Int("outside_range", outside))
}

// IsAllocated reports whether addr is currently allocated.
func (p *Pool) IsAllocated(addr netip.Addr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.allocated[addr]
	return ok
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	capacity := p.capacityLocked()
	now := p.now()
	quarantined := 0
	for _, until := range p.quarantine {
		if until.After(now) {
			quarantined++
		}
	}
	return Stats{
		Range:       p.usable.String(),
		Capacity:    capacity,
		Allocated:   len(p.allocated),
		Quarantined: quarantined,
		Available:   capacity - len(p.allocated) - quarantined,
		GracePeriod: p.grace,
	}
}

func (p *Pool) String() string {
	return fmt.Sprintf("pool(%s)", p.usable)
}

func (p *Pool) freeLocked(addr netip.Addr, now time.Time) bool {
	if p.reserved.Contains(addr) {
		return false
	}
	if _, ok := p.allocated[addr]; ok {
		return false
	}
	if until, ok := p.quarantine[addr]; ok && now.Before(until) {
		return false
	}
	return true
}

func (p *Pool) capacityLocked() int {
	from := p.usable.From().As4()
	to := p.usable.To().As4()
	size := int(be32(to)-be32(from)) + 1

	for _, r := range p.reserved.Ranges() {
		if overlap, ok := intersect(p.usable, r); ok {
			size -= int(be32(overlap.To().As4())-be32(overlap.From().As4())) + 1
		}
	}
	return size
}

func intersect(a, b netipx.IPRange) (netipx.IPRange, bool) {
	if !a.Overlaps(b) {
		return netipx.IPRange{}, false
	}
	from, to := a.From(), a.To()
	if b.From().Compare(from) > 0 {
		from = b.From()
	}
	if b.To().Compare(to) < 0 {
		to = b.To()
	}
	return netipx.IPRangeFrom(from, to), true
}

func be32(b [4]byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
