package credstore

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// keyringBackend stores secrets in the OS keyring (Keychain, Credential
// Manager, Secret Service) under a fixed service name.
type keyringBackend struct {
	service string
}

func newKeyringBackend(service string) *keyringBackend {
	return &keyringBackend{service: service}
}

// Name identifies the backend in logs.
func (k *keyringBackend) Name() string { return "keyring" }

// Get returns the secret stored under key.
func (k *keyringBackend) Get(key string) (string, error) {
	value, err := keyring.Get(k.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("credstore: keyring get failed: %w", err)
	}
	return value, nil
}

// Set stores the secret under key.
func (k *keyringBackend) Set(key, value string) error {
	if err := keyring.Set(k.service, key, value); err != nil {
		return fmt.Errorf("credstore: keyring set failed: %w", err)
	}
	return nil
}

// Delete removes the secret under key. A missing key is not an error.
func (k *keyringBackend) Delete(key string) error {
	err := keyring.Delete(k.service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("credstore: keyring delete failed: %w", err)
	}
	return nil
}

// probe verifies the keyring actually works in this environment. Headless and
// containerised hosts commonly expose no secret service; any failure here
// routes the store to the encrypted file backend.
func (k *keyringBackend) probe() error {
	const probeKey = "graphlink-probe"
	if err := keyring.Set(k.service, probeKey, "ok"); err != nil {
		return err
	}
	if _, err := keyring.Get(k.service, probeKey); err != nil {
		return err
	}
	return keyring.Delete(k.service, probeKey)
}
