package errors

import (
	"errors"
	"fmt"
	"time"
)

// DomainError is the base interface for all structured errors in the application
type DomainError interface {
	error

	// Domain returns the domain context (e.g., "pool", "peer", "node")
	Domain() string

	// Code returns a stable error code for reports and exit status
	Code() string

	// Retryable indicates if the operation can be retried
	Retryable() bool

	// Metadata returns additional error context
	Metadata() map[string]any

	// WithMetadata adds metadata to the error
	WithMetadata(key string, value any) DomainError

	// Timestamp returns when the error occurred
	Timestamp() time.Time
}

// BaseError is the foundational implementation of DomainError
type BaseError struct {
	domain    string
	code      string
	message   string
	cause     error
	retryable bool
	metadata  map[string]any
	timestamp time.Time
}

func (e *BaseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.domain, e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.domain, e.code, e.message)
}

func (e *BaseError) Unwrap() error            { return e.cause }
func (e *BaseError) Domain() string           { return e.domain }
func (e *BaseError) Code() string             { return e.code }
func (e *BaseError) Message() string          { return e.message }
func (e *BaseError) Retryable() bool          { return e.retryable }
func (e *BaseError) Metadata() map[string]any { return e.metadata }
func (e *BaseError) Timestamp() time.Time     { return e.timestamp }

// Is reports whether target is a DomainError with the same domain and code.
// Sentinels therefore match copies produced by WithMetadata or Wrap.
func (e *BaseError) Is(target error) bool {
	t, ok := target.(DomainError)
	if !ok {
		return false
	}
	return e.domain == t.Domain() && e.code == t.Code()
}

// NewBaseError creates a new BaseError with the specified parameters
func NewBaseError(domain, code, message string, retryable bool, cause error, metadata map[string]any) *BaseError {
	if metadata == nil {
		metadata = make(map[string]any)
	}

	return &BaseError{
		domain:    domain,
		code:      code,
		message:   message,
		cause:     cause,
		retryable: retryable,
		metadata:  metadata,
		timestamp: time.Now(),
	}
}

// WithMetadata returns a copy of the error carrying one more metadata entry.
func (e *BaseError) WithMetadata(key string, value any) DomainError {
	meta := make(map[string]any, len(e.metadata)+1)
	for k, v := range e.metadata {
		meta[k] = v
	}
	meta[key] = value

	return &BaseError{
		domain:    e.domain,
		code:      e.code,
		message:   e.message,
		cause:     e.cause,
		retryable: e.retryable,
		metadata:  meta,
		timestamp: e.timestamp,
	}
}

// Wrap returns a copy of the error with cause attached, keeping domain and code.
func (e *BaseError) Wrap(cause error) DomainError {
	meta := make(map[string]any, len(e.metadata))
	for k, v := range e.metadata {
		meta[k] = v
	}
	return &BaseError{
		domain:    e.domain,
		code:      e.code,
		message:   e.message,
		cause:     cause,
		retryable: e.retryable,
		metadata:  meta,
		timestamp: time.Now(),
	}
}

// Standardized Error Codes
const (
	// Pool
	ErrCodePoolExhausted  = "pool_exhausted"
	ErrCodeAddressInvalid = "address_invalid"
	ErrCodeInvalidRange   = "invalid_range"

	// Peer / registry
	ErrCodeDuplicateUser      = "duplicate_user"
	ErrCodeAddressConflict    = "address_conflict"
	ErrCodeKeyConflict        = "public_key_conflict"
	ErrCodeKeyImmutable       = "public_key_immutable"
	ErrCodePeerNotFound       = "peer_not_found"
	ErrCodeAlreadyProvisioned = "already_provisioned"
	ErrCodeAlreadyRevoked     = "already_revoked"
	ErrCodeRegistryWrite      = "registry_write_failed"
	ErrCodeRegistryRead       = "registry_read_failed"

	// Provisioning
	ErrCodeKeyGenFailed = "keygen_failed"

	// Node / channel
	ErrCodeNodeUnreachable = "node_unreachable"
	ErrCodePartialApply    = "partial_apply"
	ErrCodeCommandFailed   = "command_failed"
	ErrCodeCircuitOpen     = "circuit_open"
	ErrCodeUnsupported     = "unsupported_transport"

	// System
	ErrCodeValidation    = "validation_failed"
	ErrCodeConfiguration = "configuration_invalid"
	ErrCodeInternal      = "internal_error"
	ErrCodeCancelled     = "cancelled"
)

// Domain Constants
const (
	DomainPool         = "pool"
	DomainPeer         = "peer"
	DomainRegistry     = "registry"
	DomainProvisioning = "provisioning"
	DomainNode         = "node"
	DomainSync         = "sync"
	DomainSystem       = "system"
)

// NewPoolError creates an address pool error
func NewPoolError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainPool, code, message, retryable, cause, nil)
}

// NewPeerError creates a standardized peer domain error
func NewPeerError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainPeer, code, message, retryable, cause, nil)
}

// NewRegistryError creates a registry persistence error
func NewRegistryError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainRegistry, code, message, retryable, cause, nil)
}

// NewProvisioningError creates a standardized provisioning error
func NewProvisioningError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainProvisioning, code, message, retryable, cause, nil)
}

// NewNodeError creates a standardized node domain error
func NewNodeError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainNode, code, message, retryable, cause, nil)
}

// NewSyncError creates a fleet synchronization error
func NewSyncError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainSync, code, message, retryable, cause, nil)
}

// NewSystemError creates a standardized system error
func NewSystemError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainSystem, code, message, retryable, cause, nil)
}

// Sentinel errors. Compare with errors.Is; wrapped and enriched copies still match.
var (
	ErrPoolExhausted = NewPoolError(ErrCodePoolExhausted, "address pool exhausted", true, nil)

	ErrDuplicateUser      = NewPeerError(ErrCodeDuplicateUser, "user already has an active record", false, nil)
	ErrAddressConflict    = NewPeerError(ErrCodeAddressConflict, "address held by another active record", false, nil)
	ErrKeyConflict        = NewPeerError(ErrCodeKeyConflict, "public key already registered", false, nil)
	ErrKeyImmutable       = NewPeerError(ErrCodeKeyImmutable, "public key cannot change within a generation", false, nil)
	ErrPeerNotFound       = NewPeerError(ErrCodePeerNotFound, "peer not found", false, nil)
	ErrAlreadyRevoked     = NewPeerError(ErrCodeAlreadyRevoked, "peer already revoked", false, nil)
	ErrAlreadyProvisioned = NewProvisioningError(ErrCodeAlreadyProvisioned, "user already provisioned", false, nil)
	ErrKeyGenFailed       = NewProvisioningError(ErrCodeKeyGenFailed, "key generation failed", false, nil)

	ErrNodeUnreachable = NewNodeError(ErrCodeNodeUnreachable, "node unreachable", true, nil)
	ErrPartialApply    = NewNodeError(ErrCodePartialApply, "peer set partially applied", true, nil)
	ErrCommandFailed   = NewNodeError(ErrCodeCommandFailed, "node command failed", true, nil)
	ErrCircuitOpen     = NewNodeError(ErrCodeCircuitOpen, "circuit breaker open", true, nil)

	ErrInvalidConfig = NewSystemError(ErrCodeConfiguration, "invalid configuration", false, nil)
)

// IsDomainError checks if any error in the chain is a DomainError
func IsDomainError(err error) bool {
	var de DomainError
	return errors.As(err, &de)
}

// IsRetryable checks if the first DomainError in the chain is retryable
func IsRetryable(err error) bool {
	var de DomainError
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return false
}

// GetErrorCode returns the code of the first DomainError in the chain, or "unknown"
func GetErrorCode(err error) string {
	var de DomainError
	if errors.As(err, &de) {
		return de.Code()
	}
	return "unknown"
}

// GetErrorDomain returns the domain of the first DomainError in the chain, or "unknown"
func GetErrorDomain(err error) string {
	var de DomainError
	if errors.As(err, &de) {
		return de.Domain()
	}
	return "unknown"
}

// IsErrorCode checks if any error in the chain has the specified code
func IsErrorCode(err error, code string) bool {
	for err != nil {
		if de, ok := err.(DomainError); ok && de.Code() == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// WrapWithDomain wraps an existing error with domain context
func WrapWithDomain(err error, domain, code, message string, retryable bool) DomainError {
	return NewBaseError(domain, code, message, retryable, err, nil)
}

// Wrap attaches cause to a sentinel, keeping its domain and code.
func Wrap(sentinel DomainError, cause error) DomainError {
	if be, ok := sentinel.(*BaseError); ok {
		return be.Wrap(cause)
	}
	return NewBaseError(sentinel.Domain(), sentinel.Code(), sentinel.Error(), sentinel.Retryable(), cause, nil)
}
