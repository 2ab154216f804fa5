package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/m365tools/graphlink/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		ClientID:     "11111111-2222-3333-4444-555555555555",
		TenantID:     "common",
		CallbackPort: 8400,
		Scopes:       []string{"openid", "offline_access", "User.Read"},
	}
}

func TestGenerateAuthURL(t *testing.T) {
	auth := NewMicrosoftAuth(testConfig())
	pkce, err := GeneratePKCECodes()
	if err != nil {
		t.Fatalf("GeneratePKCECodes() error = %v", err)
	}

	rawURL, err := auth.GenerateAuthURL("state-token", pkce)
	if err != nil {
		t.Fatalf("GenerateAuthURL() error = %v", err)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("authorization URL does not parse: %v", err)
	}

	if !strings.HasPrefix(rawURL, "https://login.microsoftonline.com/common/oauth2/v2.0/authorize") {
		t.Errorf("URL %q does not target the tenant authorize endpoint", rawURL)
	}

	query := parsed.Query()
	checks := []struct {
		param    string
		expected string
	}{
		{"client_id", "11111111-2222-3333-4444-555555555555"},
		{"response_type", "code"},
		{"state", "state-token"},
		{"code_challenge", pkce.CodeChallenge},
		{"code_challenge_method", "S256"},
		{"prompt", "select_account"},
		{"response_mode", "query"},
		{"redirect_uri", "http://localhost:8400/callback"},
	}
	for _, check := range checks {
		if got := query.Get(check.param); got != check.expected {
			t.Errorf("param %s = %q, expected %q", check.param, got, check.expected)
		}
	}
	if scope := query.Get("scope"); !strings.Contains(scope, "offline_access") {
		t.Errorf("scope %q is missing offline_access", scope)
	}
}

func TestGenerateAuthURLRequiresPKCE(t *testing.T) {
	auth := NewMicrosoftAuth(testConfig())
	if _, err := auth.GenerateAuthURL("state", nil); err == nil {
		t.Error("GenerateAuthURL(nil pkce) succeeded, expected an error")
	}
}

func TestExchangeCodeForTokens(t *testing.T) {
	pkce, err := GeneratePKCECodes()
	if err != nil {
		t.Fatalf("GeneratePKCECodes() error = %v", err)
	}

	var gotVerifier, gotCode string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("token request form does not parse: %v", err)
		}
		gotVerifier = r.Form.Get("code_verifier")
		gotCode = r.Form.Get("code")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`)
	}))
	defer ts.Close()

	auth := NewMicrosoftAuth(testConfig())
	auth.OverrideEndpoints(ts.URL+"/authorize", ts.URL+"/token")

	record, err := auth.ExchangeCodeForTokens(context.Background(), "auth-code", pkce)
	if err != nil {
		t.Fatalf("ExchangeCodeForTokens() error = %v", err)
	}

	if gotVerifier != pkce.CodeVerifier {
		t.Errorf("code_verifier = %q, expected the flow's verifier", gotVerifier)
	}
	if gotCode != "auth-code" {
		t.Errorf("code = %q, expected %q", gotCode, "auth-code")
	}
	if record.AccessToken != "at-1" || record.RefreshToken != "rt-1" {
		t.Errorf("record tokens = (%q, %q), expected (at-1, rt-1)", record.AccessToken, record.RefreshToken)
	}
	if record.AccessExpiry.IsZero() || record.RefreshExpiry.IsZero() {
		t.Error("record is missing expiry values")
	}
	if record.RefreshExpiry.Before(record.AccessExpiry) {
		t.Error("refresh expiry precedes access expiry")
	}
}

func TestExchangeCodeForTokensMissingRefreshToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`)
	}))
	defer ts.Close()

	auth := NewMicrosoftAuth(testConfig())
	auth.OverrideEndpoints(ts.URL+"/authorize", ts.URL+"/token")

	pkce, _ := GeneratePKCECodes()
	_, err := auth.ExchangeCodeForTokens(context.Background(), "auth-code", pkce)
	var fe *FlowError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, expected a FlowError", err)
	}
	if fe.Type != ErrCodeExchangeFailed.Type {
		t.Errorf("error type = %q, expected %q", fe.Type, ErrCodeExchangeFailed.Type)
	}
}

func TestRefreshReusesOldTokenWhenOmitted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-2","token_type":"Bearer","expires_in":3600}`)
	}))
	defer ts.Close()

	auth := NewMicrosoftAuth(testConfig())
	auth.OverrideEndpoints(ts.URL+"/authorize", ts.URL+"/token")

	record, err := auth.Refresh(context.Background(), "rt-old")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if record.RefreshToken != "rt-old" {
		t.Errorf("refresh token = %q, expected the old token to be carried forward", record.RefreshToken)
	}
	if record.AccessToken != "at-2" {
		t.Errorf("access token = %q, expected %q", record.AccessToken, "at-2")
	}
}
