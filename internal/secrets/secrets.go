// Package secrets stores avatalk credentials.
// On macOS, credentials are stored in the system Keychain. Elsewhere the
// platform store is a no-op and callers fall back to a FileStore kept in the
// data directory with owner-only permissions.
package secrets

import "errors"

// ServiceName is the keychain service holding avatalk credentials.
const ServiceName = "avatalk"

// Account names for different credential types.
const (
	// AccountBearerToken holds the portal bearer token set with "auth set-token".
	AccountBearerToken = "bearer-token"
	// AccountRefreshToken holds the OIDC refresh token.
	AccountRefreshToken = "refresh-token"
)

// ErrNotFound is returned when a credential is not found in the store.
var ErrNotFound = errors.New("credential not found")

// ErrNotSupported is returned when the secret store is not supported on the current platform.
var ErrNotSupported = errors.New("secret store not supported on this platform")

// SecretStore provides an interface for secure credential storage.
// Implementations should be safe for concurrent use.
type SecretStore interface {
	// Get retrieves a password for the given service and account.
	// Returns ErrNotFound if the credential does not exist.
	Get(service, account string) (string, error)

	// Set stores a password for the given service and account.
	// If a credential already exists, it is updated.
	Set(service, account, password string) error

	// Delete removes a credential for the given service and account.
	// Returns ErrNotFound if the credential does not exist.
	Delete(service, account string) error

	// IsSupported returns true if this store is functional on the current platform.
	IsSupported() bool
}

// store is the package-level secret store instance, initialized at package load time.
// It is set by the platform-specific init() function.
var store SecretStore

// Default returns the default SecretStore for the current platform.
// This function always returns a valid store; on unsupported platforms,
// it returns a NoopStore that returns ErrNotSupported for all operations.
func Default() SecretStore {
	if store == nil {
		// Fallback to noop store if not initialized (should not happen)
		store = &NoopStore{}
	}
	return store
}

// IsSupported returns true if secure credential storage is available on this platform.
func IsSupported() bool {
	return Default().IsSupported()
}

// Get retrieves a password for the given service and account using the default store.
func Get(service, account string) (string, error) {
	return Default().Get(service, account)
}

// Set stores a password for the given service and account using the default store.
func Set(service, account, password string) error {
	return Default().Set(service, account, password)
}

// Delete removes a credential for the given service and account using the default store.
func Delete(service, account string) error {
	return Default().Delete(service, account)
}

// Resolve returns the platform store when it is supported, otherwise a
// FileStore at fallbackPath.
func Resolve(fallbackPath string) SecretStore {
	if IsSupported() {
		return Default()
	}
	return NewFileStore(fallbackPath)
}
