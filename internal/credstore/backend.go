// Package credstore persists OAuth tokens for the graphlink client. Secrets
// are kept in the OS keyring when one is available and otherwise in an
// encrypted local file, while non-sensitive expiry metadata always lives in a
// plain JSON sidecar next to the fallback store.
package credstore

import (
	"errors"

	log "github.com/sirupsen/logrus"
)

// Sentinel errors reported by backends and the store.
var (
	// ErrNotFound indicates the requested secret or metadata does not exist.
	ErrNotFound = errors.New("credstore: not found")

	// ErrCorrupted indicates stored ciphertext could not be decoded. The
	// value is unusable and should be cleared by re-authenticating.
	ErrCorrupted = errors.New("credstore: corrupted ciphertext")
)

// Backend abstracts where secret values live. Implementations must be safe
// for concurrent use and must return ErrNotFound for missing keys.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string
	// Get returns the secret stored under key.
	Get(key string) (string, error)
	// Set stores the secret under key, replacing any previous value.
	Set(key, value string) error
	// Delete removes the secret under key. Deleting a missing key is not an
	// error.
	Delete(key string) error
}

// Mode selects how the secret backend is chosen.
type Mode string

const (
	// ModeAuto uses the OS keyring if available and falls back to the
	// encrypted file store.
	ModeAuto Mode = "auto"
	// ModeKeyring forces the OS keyring.
	ModeKeyring Mode = "keyring"
	// ModeFile forces the encrypted file store.
	ModeFile Mode = "file"
)

// selectBackend probes for a usable secret backend. The probe runs once at
// store construction; the chosen backend is cached for the process lifetime.
// A failing keyring never interrupts the caller: the file store takes over
// silently.
func selectBackend(mode Mode, service, dir string, encKey []byte) (Backend, error) {
	switch mode {
	case ModeKeyring:
		kb := newKeyringBackend(service)
		if err := kb.probe(); err != nil {
			return nil, err
		}
		return kb, nil
	case ModeFile:
		return newFileBackend(dir, encKey)
	default:
		kb := newKeyringBackend(service)
		if err := kb.probe(); err != nil {
			log.Debugf("credstore: keyring unavailable, using encrypted file store: %v", err)
			return newFileBackend(dir, encKey)
		}
		return kb, nil
	}
}
