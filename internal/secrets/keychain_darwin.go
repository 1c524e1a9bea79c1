//go:build darwin

package secrets

import (
	"errors"
	"fmt"

	"github.com/keybase/go-keychain"
)

func init() {
	// The login keychain backs the default store on macOS.
	store = &KeychainStore{}
}

// KeychainStore keeps avatalk tokens as generic passwords in the login
// keychain. Items are never synchronised to iCloud.
type KeychainStore struct{}

// genericPassword returns an item matching one service/account pair.
func genericPassword(service, account string) keychain.Item {
	item := keychain.NewItem()
	item.SetSecClass(keychain.SecClassGenericPassword)
	item.SetService(service)
	item.SetAccount(account)
	return item
}

// itemLabel is what Keychain Access shows for an item.
func itemLabel(service, account string) string {
	switch account {
	case AccountBearerToken:
		return service + " bearer token"
	case AccountRefreshToken:
		return service + " OIDC refresh token"
	default:
		return service + " - " + account
	}
}

func (k *KeychainStore) Get(service, account string) (string, error) {
	query := genericPassword(service, account)
	query.SetMatchLimit(keychain.MatchLimitOne)
	query.SetReturnData(true)

	results, err := keychain.QueryItem(query)
	if errors.Is(err, keychain.ErrorItemNotFound) || (err == nil && len(results) == 0) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read %s from keychain: %w", account, err)
	}
	return string(results[0].Data), nil
}

// Set replaces the stored value in place, so a rotated refresh token is never
// missing between the old and the new value.
func (k *KeychainStore) Set(service, account, password string) error {
	update := keychain.NewItem()
	update.SetData([]byte(password))
	err := keychain.UpdateItem(genericPassword(service, account), update)
	if err == nil {
		return nil
	}
	if !errors.Is(err, keychain.ErrorItemNotFound) {
		return fmt.Errorf("update %s in keychain: %w", account, err)
	}

	item := genericPassword(service, account)
	item.SetLabel(itemLabel(service, account))
	item.SetData([]byte(password))
	item.SetSynchronizable(keychain.SynchronizableNo)
	item.SetAccessible(keychain.AccessibleWhenUnlocked)
	if err := keychain.AddItem(item); err != nil {
		return fmt.Errorf("add %s to keychain: %w", account, err)
	}
	return nil
}

func (k *KeychainStore) Delete(service, account string) error {
	err := keychain.DeleteItem(genericPassword(service, account))
	if errors.Is(err, keychain.ErrorItemNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete %s from keychain: %w", account, err)
	}
	return nil
}

func (k *KeychainStore) IsSupported() bool { return true }
