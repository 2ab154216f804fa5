package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

// Secret keys used with the backend.
const (
	keyAccessToken  = "access-token"
	keyRefreshToken = "refresh-token"
)

// metadataFileName holds the non-sensitive token metadata. It always lives in
// the auth directory, whichever backend holds the secrets, so the watcher and
// external tooling have a single place to look.
const metadataFileName = "metadata.json"

// TokenRecord is the single authoritative credential set for one identity.
// Writing a new record atomically supersedes the previous one.
type TokenRecord struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiry    time.Time
	RefreshExpiry   time.Time
	LastRefreshedAt time.Time
}

// Metadata mirrors the non-sensitive part of a TokenRecord.
type Metadata struct {
	AccessExpiry    time.Time `json:"access_expiry"`
	RefreshExpiry   time.Time `json:"refresh_expiry"`
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
}

// Store persists token records through a secret backend plus a metadata
// sidecar. Construct it once at startup; the backend probe is not repeated.
type Store struct {
	backend Backend
	dir     string
}

// Options configures store construction.
type Options struct {
	// Mode selects the secret backend. Defaults to ModeAuto.
	Mode Mode
	// Service is the keyring service name. Defaults to "graphlink".
	Service string
	// Dir is the auth directory for the file store and metadata.
	Dir string
	// ClientID and TenantID feed fallback key derivation.
	ClientID string
	TenantID string
}

// NewStore selects a secret backend and returns a ready store.
func NewStore(opts Options) (*Store, error) {
	if opts.Service == "" {
		opts.Service = "graphlink"
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("credstore: auth directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: failed to create auth dir: %w", err)
	}
	encKey := EncryptionKey(opts.Service, opts.ClientID, opts.TenantID)
	backend, err := selectBackend(opts.Mode, opts.Service, opts.Dir, encKey)
	if err != nil {
		return nil, err
	}
	log.Debugf("credstore: using %s backend", backend.Name())
	return &Store{backend: backend, dir: opts.Dir}, nil
}

// NewStoreWithBackend wires an explicit backend. Used by tests and by callers
// that already probed.
func NewStoreWithBackend(backend Backend, dir string) *Store {
	return &Store{backend: backend, dir: dir}
}

// BackendName reports which secret backend is in use.
func (s *Store) BackendName() string { return s.backend.Name() }

// Dir returns the auth directory holding metadata and the fallback store.
func (s *Store) Dir() string { return s.dir }

// MetadataPath returns the full path of the metadata sidecar file.
func (s *Store) MetadataPath() string { return filepath.Join(s.dir, metadataFileName) }

// StoreTokens persists a complete token record. A record missing either
// expiry is invalid and rejected: both expiries are always set together.
func (s *Store) StoreTokens(rec *TokenRecord) error {
	if rec == nil {
		return fmt.Errorf("credstore: token record is nil")
	}
	if rec.AccessToken == "" || rec.RefreshToken == "" {
		return fmt.Errorf("credstore: token record is missing token values")
	}
	if rec.AccessExpiry.IsZero() || rec.RefreshExpiry.IsZero() {
		return fmt.Errorf("credstore: token record must carry both access and refresh expiry")
	}

	if err := s.backend.Set(keyAccessToken, rec.AccessToken); err != nil {
		return err
	}
	if err := s.backend.Set(keyRefreshToken, rec.RefreshToken); err != nil {
		return err
	}

	meta := Metadata{
		AccessExpiry:    rec.AccessExpiry,
		RefreshExpiry:   rec.RefreshExpiry,
		LastRefreshedAt: rec.LastRefreshedAt,
	}
	return s.writeMetadata(&meta)
}

// GetAccessToken returns the stored access token, or ErrNotFound.
func (s *Store) GetAccessToken() (string, error) {
	return s.backend.Get(keyAccessToken)
}

// GetRefreshToken returns the stored refresh token, or ErrNotFound.
func (s *Store) GetRefreshToken() (string, error) {
	return s.backend.Get(keyRefreshToken)
}

// GetMetadata returns the stored token metadata. A metadata record carrying
// only one of the two expiries violates the store invariant and is discarded.
func (s *Store) GetMetadata() (*Metadata, error) {
	data, err := os.ReadFile(s.MetadataPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("credstore: failed to read metadata: %w", err)
	}
	var meta Metadata
	if err = json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: metadata file is not valid JSON", ErrCorrupted)
	}
	if meta.AccessExpiry.IsZero() != meta.RefreshExpiry.IsZero() {
		log.Warn("credstore: discarding metadata with mismatched expiries")
		_ = s.ClearTokens()
		return nil, ErrNotFound
	}
	if meta.AccessExpiry.IsZero() {
		return nil, ErrNotFound
	}
	return &meta, nil
}

// ClearTokens removes all stored credentials. Safe to call when nothing is
// stored; repeated calls are no-ops.
func (s *Store) ClearTokens() error {
	var firstErr error
	if err := s.backend.Delete(keyAccessToken); err != nil {
		firstErr = err
	}
	if err := s.backend.Delete(keyRefreshToken); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := os.Remove(s.MetadataPath()); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = fmt.Errorf("credstore: failed to remove metadata: %w", err)
	}
	return firstErr
}

func (s *Store) writeMetadata(meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: failed to encode metadata: %w", err)
	}
	target := s.MetadataPath()
	tmp := target + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("credstore: failed to write metadata: %w", err)
	}
	if err = os.Rename(tmp, target); err != nil {
		return fmt.Errorf("credstore: failed to replace metadata: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is the store's missing-value sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
