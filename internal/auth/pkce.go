// Package auth implements the interactive OAuth2 Authorization Code flow with
// PKCE against the Microsoft identity platform. It covers challenge
// generation, the local callback listener, and the code and refresh token
// exchanges that feed the credential store.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// PKCECodes holds the verifier and challenge pair for one login attempt,
// following RFC 7636. The verifier is single use: it is discarded as soon as
// the code exchange completes.
type PKCECodes struct {
	// CodeVerifier is the high-entropy secret kept by this process.
	CodeVerifier string
	// CodeChallenge is base64url(sha256(verifier)), sent in the
	// authorization request.
	CodeChallenge string
}

// GeneratePKCECodes generates a fresh PKCE verifier and challenge pair.
// Every login attempt gets its own pair; verifiers are never reused.
func GeneratePKCECodes() (*PKCECodes, error) {
	verifier, err := generateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return &PKCECodes{
		CodeVerifier:  verifier,
		CodeChallenge: ChallengeFromVerifier(verifier),
	}, nil
}

// generateCodeVerifier creates a cryptographically random URL-safe string
// carrying 64 bytes of entropy (86 base64 characters, within the 43-128
// range RFC 7636 allows).
func generateCodeVerifier() (string, error) {
	bytes := make([]byte, 64)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(bytes), nil
}

// ChallengeFromVerifier derives the S256 code challenge for a verifier:
// the SHA-256 digest, URL-safe base64 encoded without padding.
func ChallengeFromVerifier(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(hash[:])
}

// GenerateState generates a random anti-forgery state parameter for the
// authorization request.
func GenerateState() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
