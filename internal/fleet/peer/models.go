// Package peer defines the registry record for a peer and its lifecycle.
package peer

import (
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"time"

	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
	"github.com/chiquitav2/wgfleet/pkg/crypto"
)

// Status is the lifecycle state of a peer record.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	return s == StatusActive || s == StatusRevoked
}

// CanTransitionTo reports whether a record may move from s to next.
// Revocation is terminal: a revoked user comes back as a new generation.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	return s == StatusActive && next == StatusRevoked
}

// Record is one generation of a user's VPN identity.
type Record struct {
	UserID     string     `json:"user_id"`
	Generation int        `json:"generation"`
	PublicKey  string     `json:"public_key"`
	Address    netip.Addr `json:"address"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// IsActive returns true if the record counts toward the desired peer set
func (r *Record) IsActive() bool {
	return r.Status == StatusActive
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.RevokedAt != nil {
		at := *r.RevokedAt
		c.RevokedAt = &at
	}
	return &c
}

// Revoke marks the record revoked at the given time.
func (r *Record) Revoke(at time.Time) error {
	if r.Status == StatusRevoked {
		return apperrors.ErrAlreadyRevoked.WithMetadata("user_id", r.UserID)
	}
	if !r.Status.CanTransitionTo(StatusRevoked) {
		return apperrors.NewPeerError(apperrors.ErrCodeValidation,
			fmt.Sprintf("invalid status transition from %s to %s", r.Status, StatusRevoked), false, nil)
	}
	r.Status = StatusRevoked
	r.RevokedAt = &at
	return nil
}

// Validate checks the record's own fields. Cross-record invariants are the store's job.
func (r *Record) Validate() error {
	if err := ValidateUserID(r.UserID); err != nil {
		return err
	}
	if r.Generation < 1 {
		return validationError("generation", r.Generation, "must be >= 1")
	}
	if !crypto.IsValidWireGuardKey(r.PublicKey) {
		return validationError("public_key", r.PublicKey, "invalid WireGuard key format")
	}
	if !r.Address.IsValid() {
		return validationError("address", r.Address, "address is required")
	}
	if !r.Status.IsValid() {
		return validationError("status", r.Status, "unknown status")
	}
	if r.CreatedAt.IsZero() {
		return validationError("created_at", nil, "creation timestamp is required")
	}
	if r.Status == StatusRevoked && r.RevokedAt == nil {
		return validationError("revoked_at", nil, "revoked records need a revocation timestamp")
	}
	if r.Status == StatusActive && r.RevokedAt != nil {
		return validationError("revoked_at", r.RevokedAt, "active records cannot carry a revocation timestamp")
	}
	return nil
}

// Key identifies one record generation.
type Key struct {
	UserID     string
	Generation int
}

// Key returns the record's identity.
func (r *Record) Key() Key {
	return Key{UserID: r.UserID, Generation: r.Generation}
}

// Filter selects records for List. The zero value selects everything.
type Filter struct {
	Status Status
	UserID string
}

// Matches reports whether r passes the filter.
func (f Filter) Matches(r *Record) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	return true
}

// SortRecords orders records by user then generation, the order every List returns.
func SortRecords(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].UserID != records[j].UserID {
			return records[i].UserID < records[j].UserID
		}
		return records[i].Generation < records[j].Generation
	})
}

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@+-]{0,127}$`)

// ValidateUserID restricts identifiers to names that are safe as file names and store keys.
func ValidateUserID(userID string) error {
	if userID == "" {
		return validationError("user_id", userID, "cannot be empty")
	}
	if !userIDPattern.MatchString(userID) {
		return validationError("user_id", userID, "must match "+userIDPattern.String())
	}
	return nil
}

func validationError(field string, value any, msg string) error {
	return apperrors.NewPeerError(apperrors.ErrCodeValidation, msg, false,
		apperrors.NewValidationError(field, value, msg)).WithMetadata("field", field)
}
