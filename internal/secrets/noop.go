package secrets

import (
	"fmt"
	"runtime"
)

// NoopStore is the platform store where no keychain is available. Every
// operation fails with ErrNotSupported; Resolve swaps in a FileStore instead.
type NoopStore struct{}

func unsupported(op, account string) error {
	return fmt.Errorf("%s %s on %s: %w", op, account, runtime.GOOS, ErrNotSupported)
}

func (n *NoopStore) Get(service, account string) (string, error) {
	return "", unsupported("read", account)
}

func (n *NoopStore) Set(service, account, password string) error {
	return unsupported("store", account)
}

func (n *NoopStore) Delete(service, account string) error {
	return unsupported("delete", account)
}

func (n *NoopStore) IsSupported() bool { return false }
