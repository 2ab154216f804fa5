package auth

import (
	"regexp"
	"testing"
)

var base64URLNoPadding = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func TestGeneratePKCECodes(t *testing.T) {
	pkce, err := GeneratePKCECodes()
	if err != nil {
		t.Fatalf("GeneratePKCECodes() error = %v", err)
	}

	// 64 random bytes encode to 86 base64url characters, inside the 43-128
	// range RFC 7636 allows.
	if len(pkce.CodeVerifier) != 86 {
		t.Errorf("verifier length = %d, expected 86", len(pkce.CodeVerifier))
	}
	if !base64URLNoPadding.MatchString(pkce.CodeVerifier) {
		t.Errorf("verifier %q contains characters outside the base64url alphabet", pkce.CodeVerifier)
	}
	if !base64URLNoPadding.MatchString(pkce.CodeChallenge) {
		t.Errorf("challenge %q contains characters outside the base64url alphabet", pkce.CodeChallenge)
	}
	if pkce.CodeChallenge != ChallengeFromVerifier(pkce.CodeVerifier) {
		t.Errorf("challenge does not match S256(verifier)")
	}
}

func TestGeneratePKCECodesUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		pkce, err := GeneratePKCECodes()
		if err != nil {
			t.Fatalf("GeneratePKCECodes() error = %v", err)
		}
		if seen[pkce.CodeVerifier] {
			t.Fatalf("verifier %q generated twice", pkce.CodeVerifier)
		}
		seen[pkce.CodeVerifier] = true
	}
}

func TestChallengeFromVerifier(t *testing.T) {
	// Known S256 vector from RFC 7636 appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	expected := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	if got := ChallengeFromVerifier(verifier); got != expected {
		t.Errorf("ChallengeFromVerifier(%q) = %q, expected %q", verifier, got, expected)
	}
	// Deterministic: the same verifier always yields the same challenge.
	if first, second := ChallengeFromVerifier("abc"), ChallengeFromVerifier("abc"); first != second {
		t.Errorf("challenge not deterministic: %q vs %q", first, second)
	}
}

func TestGenerateState(t *testing.T) {
	first, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState() error = %v", err)
	}
	second, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState() error = %v", err)
	}
	if len(first) != 32 {
		t.Errorf("state length = %d, expected 32 hex characters", len(first))
	}
	if first == second {
		t.Errorf("two states are identical: %q", first)
	}
}
