package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestNoopStore(t *testing.T) {
	store := &NoopStore{}
	if store.IsSupported() {
		t.Error("NoopStore.IsSupported() = true, want false")
	}
	for _, account := range []string{AccountBearerToken, AccountRefreshToken} {
		if _, err := store.Get(ServiceName, account); !errors.Is(err, ErrNotSupported) {
			t.Errorf("Get(%s) error = %v, want ErrNotSupported", account, err)
		}
		if err := store.Set(ServiceName, account, "tok"); !errors.Is(err, ErrNotSupported) {
			t.Errorf("Set(%s) error = %v, want ErrNotSupported", account, err)
		}
		err := store.Delete(ServiceName, account)
		if !errors.Is(err, ErrNotSupported) {
			t.Errorf("Delete(%s) error = %v, want ErrNotSupported", account, err)
		}
		if err != nil && !strings.Contains(err.Error(), account) {
			t.Errorf("error %q does not name the account", err)
		}
	}
}

func TestDefault(t *testing.T) {
	// Default should always return a non-nil store
	store := Default()
	if store == nil {
		t.Error("Default() returned nil store")
	}
}

func TestConstants(t *testing.T) {
	if ServiceName != "avatalk" {
		t.Errorf("ServiceName = %q, want %q", ServiceName, "avatalk")
	}
	if AccountBearerToken != "bearer-token" || AccountRefreshToken != "refresh-token" {
		t.Errorf("unexpected account names %q, %q", AccountBearerToken, AccountRefreshToken)
	}
}

func TestErrors(t *testing.T) {
	if ErrNotFound.Error() != "credential not found" {
		t.Errorf("ErrNotFound.Error() = %q, want %q", ErrNotFound.Error(), "credential not found")
	}
	if ErrNotSupported.Error() != "secret store not supported on this platform" {
		t.Errorf("ErrNotSupported.Error() = %q, want %q", ErrNotSupported.Error(), "secret store not supported on this platform")
	}
}

func TestFileStore_SetGetDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := NewFileStore(path)

	if _, err := store.Get(ServiceName, AccountBearerToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() on empty store error = %v, want ErrNotFound", err)
	}
	if err := store.Set(ServiceName, AccountBearerToken, "tok-1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.Set(ServiceName, AccountBearerToken, "tok-2"); err != nil {
		t.Fatalf("Set() update error = %v", err)
	}

	got, err := NewFileStore(path).Get(ServiceName, AccountBearerToken)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "tok-2" {
		t.Errorf("Get() = %q, want %q", got, "tok-2")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0o600 {
		t.Errorf("credentials file mode = %v, want 0600", info.Mode().Perm())
	}

	if err := store.Delete(ServiceName, AccountBearerToken); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(ServiceName, AccountBearerToken); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestResolve(t *testing.T) {
	store := Resolve(filepath.Join(t.TempDir(), "credentials.json"))
	if store == nil || !store.IsSupported() {
		t.Error("Resolve() should always yield a working store")
	}
}
