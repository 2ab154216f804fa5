package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

// secretsFileName holds the encrypted secret values inside the auth
// directory. Each value is stored as ivHex:cipherHex.
const secretsFileName = "secrets.json"

// encryptionKeyEntry is the keyring entry holding the file-store encryption
// key when the keyring is reachable.
const encryptionKeyEntry = "encryption-key"

// fallbackKeySalt scopes the derived fallback key to this application. The
// derived key also mixes in the client and tenant IDs, so the salt alone
// never determines the key.
const fallbackKeySalt = "graphlink-credstore-v1"

// fileBackend stores secrets encrypted with AES-256-GCM in a single JSON
// file. Every value gets a fresh random IV, prepended to the ciphertext.
type fileBackend struct {
	mu   sync.Mutex
	dir  string
	key  []byte
	aead cipher.AEAD
}

func newFileBackend(dir string, key []byte) (*fileBackend, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("credstore: encryption key must be 32 bytes, got %d", len(key))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: failed to create auth dir: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credstore: failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credstore: failed to init GCM: %w", err)
	}
	return &fileBackend{dir: dir, key: key, aead: aead}, nil
}

// Name identifies the backend in logs.
func (f *fileBackend) Name() string { return "encrypted-file" }

// Get returns the decrypted secret stored under key.
func (f *fileBackend) Get(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.load()
	if err != nil {
		return "", err
	}
	blob, ok := secrets[key]
	if !ok {
		return "", ErrNotFound
	}
	return f.decrypt(blob)
}

// Set encrypts and stores the secret under key.
func (f *fileBackend) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.load()
	if err != nil && !errors.Is(err, ErrCorrupted) {
		return err
	}
	if secrets == nil {
		secrets = map[string]string{}
	}
	blob, err := f.encrypt(value)
	if err != nil {
		return err
	}
	secrets[key] = blob
	return f.save(secrets)
}

// Delete removes the secret under key. A missing key is not an error.
func (f *fileBackend) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.load()
	if err != nil {
		if errors.Is(err, ErrCorrupted) {
			// A corrupt secrets file is cleared wholesale.
			return f.save(map[string]string{})
		}
		return err
	}
	if _, ok := secrets[key]; !ok {
		return nil
	}
	delete(secrets, key)
	return f.save(secrets)
}

// encrypt seals value with a fresh random IV and returns ivHex:cipherHex.
func (f *fileBackend) encrypt(value string) (string, error) {
	iv := make([]byte, f.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("credstore: failed to generate IV: %w", err)
	}
	ciphertext := f.aead.Seal(nil, iv, []byte(value), nil)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// decrypt reverses encrypt. Any malformed segment is a corruption error, not
// a crash: a truncated or hand-edited secrets file must surface as
// ErrCorrupted so the caller can clear it and re-authenticate.
func (f *fileBackend) decrypt(blob string) (string, error) {
	ivHex, cipherHex, found := strings.Cut(blob, ":")
	if !found {
		return "", fmt.Errorf("%w: missing IV separator", ErrCorrupted)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != f.aead.NonceSize() {
		return "", fmt.Errorf("%w: malformed IV segment", ErrCorrupted)
	}
	ciphertext, err := hex.DecodeString(cipherHex)
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext segment", ErrCorrupted)
	}
	plaintext, err := f.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: decryption failed", ErrCorrupted)
	}
	return string(plaintext), nil
}

func (f *fileBackend) load() (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, secretsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("credstore: failed to read secrets file: %w", err)
	}
	var secrets map[string]string
	if err = json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("%w: secrets file is not valid JSON", ErrCorrupted)
	}
	return secrets, nil
}

// save writes the secrets file atomically via a temp file rename so a crash
// mid-write never leaves a half-written store.
func (f *fileBackend) save(secrets map[string]string) error {
	data, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: failed to encode secrets: %w", err)
	}
	target := filepath.Join(f.dir, secretsFileName)
	tmp := target + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("credstore: failed to write secrets file: %w", err)
	}
	if err = os.Rename(tmp, target); err != nil {
		return fmt.Errorf("credstore: failed to replace secrets file: %w", err)
	}
	return nil
}

// EncryptionKey resolves the 32-byte key used by the file backend. It prefers
// a random key held in the OS keyring, generating one on first use. When the
// keyring is unreachable the key is derived deterministically from the client
// and tenant IDs so it stays stable across restarts without provisioning.
func EncryptionKey(service, clientID, tenantID string) []byte {
	if existing, err := keyring.Get(service, encryptionKeyEntry); err == nil {
		if key, errDecode := hex.DecodeString(existing); errDecode == nil && len(key) == 32 {
			return key
		}
	} else if errors.Is(err, keyring.ErrNotFound) {
		key := make([]byte, 32)
		if _, errRand := rand.Read(key); errRand == nil {
			if errSet := keyring.Set(service, encryptionKeyEntry, hex.EncodeToString(key)); errSet == nil {
				return key
			}
		}
	}
	return deriveFallbackKey(clientID, tenantID)
}

func deriveFallbackKey(clientID, tenantID string) []byte {
	sum := sha256.Sum256([]byte(clientID + "|" + tenantID + "|" + fallbackKeySalt))
	return sum[:]
}
