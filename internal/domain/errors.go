package domain

import "fmt"

// ConfigurationError means a tenant is missing or has no usable database
// connection descriptor. Fatal for that tenant's operation; never retried.
type ConfigurationError struct {
	TenantID int64
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("tenant %d misconfigured: %s", e.TenantID, e.Reason)
}

// NewConfigurationError builds a ConfigurationError for a tenant.
func NewConfigurationError(tenantID int64, reason string) error {
	return &ConfigurationError{TenantID: tenantID, Reason: reason}
}

// UnavailableError is a transient connection or timeout failure. Retried by
// the next scheduler tick or reconnect timer, never in a tight loop.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// NewUnavailableError wraps a transient failure for the given operation.
func NewUnavailableError(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}

// NotConnectedError means no live protocol handle exists for the tenant.
type NotConnectedError struct {
	TenantID int64
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("tenant %d has no live protocol session", e.TenantID)
}

// EncryptionError means a credential blob could not be sealed. The in-memory
// session keeps running; the next save retries.
type EncryptionError struct {
	Err error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("credential encryption failed: %v", e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// InsufficientCreditError is a job-level failure, never tenant-fatal.
type InsufficientCreditError struct {
	TenantID int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("tenant %d has insufficient credits", e.TenantID)
}
