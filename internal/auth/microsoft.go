package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/m365tools/graphlink/internal/config"
	"github.com/m365tools/graphlink/internal/credstore"
	"golang.org/x/oauth2"
)

// Microsoft identity platform endpoints, per tenant.
const (
	authURLTemplate  = "https://login.microsoftonline.com/%s/oauth2/v2.0/authorize"
	tokenURLTemplate = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
)

// RefreshTokenLifetime approximates the identity platform's 90-day rolling
// window for delegated refresh tokens. The stored refresh expiry is advanced
// whenever a refresh response rotates the token.
const RefreshTokenLifetime = 90 * 24 * time.Hour

// MicrosoftAuth drives the token endpoint exchanges for the configured
// tenant: authorization URL construction, code-for-token exchange, and
// refresh-token exchange.
type MicrosoftAuth struct {
	oauth      *oauth2.Config
	httpClient *http.Client
}

// NewMicrosoftAuth creates the auth service for the configured app
// registration and tenant.
func NewMicrosoftAuth(cfg *config.Config) *MicrosoftAuth {
	return &MicrosoftAuth{
		oauth: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				AuthURL:  fmt.Sprintf(authURLTemplate, cfg.TenantID),
				TokenURL: fmt.Sprintf(tokenURLTemplate, cfg.TenantID),
			},
			RedirectURL: cfg.RedirectURI(),
			Scopes:      cfg.Scopes,
		},
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// OverrideEndpoints repoints the authorization and token endpoints. Used by
// tests to direct exchanges at a local server.
func (m *MicrosoftAuth) OverrideEndpoints(authURL, tokenURL string) {
	m.oauth.Endpoint = oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL}
}

// GenerateAuthURL builds the authorization URL for one login attempt. The
// prompt parameter forces account re-selection so a stale browser session
// never silently picks the wrong identity.
func (m *MicrosoftAuth) GenerateAuthURL(state string, pkce *PKCECodes) (string, error) {
	if pkce == nil {
		return "", fmt.Errorf("PKCE codes are required")
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", pkce.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("prompt", "select_account"),
		oauth2.SetAuthURLParam("response_mode", "query"),
	}
	return m.oauth.AuthCodeURL(state, opts...), nil
}

// ExchangeCodeForTokens exchanges an authorization code, bound to the PKCE
// verifier of the same attempt, for an access/refresh token pair.
func (m *MicrosoftAuth) ExchangeCodeForTokens(ctx context.Context, code string, pkce *PKCECodes) (*credstore.TokenRecord, error) {
	if pkce == nil {
		return nil, fmt.Errorf("PKCE codes are required for token exchange")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	token, err := m.oauth.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", pkce.CodeVerifier))
	if err != nil {
		return nil, flowError(ErrCodeExchangeFailed, err)
	}
	if token.RefreshToken == "" {
		return nil, flowError(ErrCodeExchangeFailed,
			fmt.Errorf("token endpoint returned no refresh token; the offline_access scope is required"))
	}

	now := time.Now()
	return &credstore.TokenRecord{
		AccessToken:     token.AccessToken,
		RefreshToken:    token.RefreshToken,
		AccessExpiry:    token.Expiry,
		RefreshExpiry:   now.Add(RefreshTokenLifetime),
		LastRefreshedAt: now,
	}, nil
}

// Refresh exchanges the stored refresh token for a new access/refresh pair.
// The identity platform may omit a new refresh token, in which case the old
// one is carried forward; the caller decides whether the refresh expiry
// advances. Errors are returned raw so the token manager can classify the
// status code.
func (m *MicrosoftAuth) Refresh(ctx context.Context, refreshToken string) (*credstore.TokenRecord, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	source := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, err
	}

	newRefresh := token.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	now := time.Now()
	return &credstore.TokenRecord{
		AccessToken:     token.AccessToken,
		RefreshToken:    newRefresh,
		AccessExpiry:    token.Expiry,
		RefreshExpiry:   now.Add(RefreshTokenLifetime),
		LastRefreshedAt: now,
	}, nil
}
