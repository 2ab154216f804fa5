// Package tokens manages the stored credential lifecycle: deciding when the
// access token is usable, coordinating refreshes so only one runs at a time,
// and clearing state on logout.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/m365tools/graphlink/internal/credstore"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// RefreshSkew is the margin before the true access expiry at which a refresh
// is triggered proactively. Access tokens live 60 minutes; with fewer than
// five minutes of validity left they are treated as stale.
const RefreshSkew = 5 * time.Minute

// AuthError is a credential lifecycle failure surfaced to callers.
type AuthError struct {
	// Reason is a human readable description of the failure.
	Reason string
	// Retryable indicates whether a later retry might succeed without
	// re-authentication.
	Retryable bool
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Cause)
	}
	return e.Reason
}

// Unwrap exposes the underlying cause.
func (e *AuthError) Unwrap() error { return e.Cause }

// ErrNotAuthenticated is returned when no credentials are stored.
var ErrNotAuthenticated = &AuthError{
	Reason:    "not authenticated; run login first",
	Retryable: false,
}

// Refresher exchanges a refresh token for a new token record. Implemented by
// auth.MicrosoftAuth.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*credstore.TokenRecord, error)
}

// Manager owns access to the stored TokenRecord. All reads that might
// trigger a refresh go through EnsureValidAccessToken; concurrent callers
// share a single in-flight refresh.
type Manager struct {
	store     *credstore.Store
	refresher Refresher
	session   *Session
	group     singleflight.Group
}

// NewManager creates a token lifecycle manager over the given store.
func NewManager(store *credstore.Store, refresher Refresher) *Manager {
	return &Manager{
		store:     store,
		refresher: refresher,
		session:   NewSession(),
	}
}

// Session returns the in-memory authentication session handle.
func (m *Manager) Session() *Session { return m.session }

// Authenticated reports whether credentials are currently stored.
func (m *Manager) Authenticated() bool {
	_, err := m.store.GetMetadata()
	return err == nil
}

// EnsureValidAccessToken returns an access token that is good for at least
// the refresh skew, refreshing first when the stored one is stale. When the
// refresh token itself has expired it fails without calling the token
// endpoint: only a fresh interactive login can help.
func (m *Manager) EnsureValidAccessToken(ctx context.Context) (string, error) {
	meta, err := m.store.GetMetadata()
	if err != nil {
		if credstore.IsNotFound(err) {
			return "", ErrNotAuthenticated
		}
		return "", fmt.Errorf("tokens: failed to read metadata: %w", err)
	}

	now := time.Now()
	if now.After(meta.RefreshExpiry) {
		return "", &AuthError{
			Reason:    "refresh token expired; re-authenticate with login",
			Retryable: false,
		}
	}

	if now.After(meta.AccessExpiry.Add(-RefreshSkew)) {
		record, errRefresh := m.refresh(ctx)
		if errRefresh != nil {
			return "", errRefresh
		}
		return record.AccessToken, nil
	}

	token, err := m.store.GetAccessToken()
	if err != nil {
		if credstore.IsNotFound(err) {
			return "", ErrNotAuthenticated
		}
		return "", err
	}
	m.session.markAuthenticated()
	return token, nil
}

// Refresh forces a refresh-token exchange, coalesced with any refresh
// already in flight.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err := m.refresh(ctx)
	return err
}

// refresh coalesces concurrent refresh requests into one exchange whose
// result every caller observes.
func (m *Manager) refresh(ctx context.Context) (*credstore.TokenRecord, error) {
	value, err, shared := m.group.Do("refresh", func() (interface{}, error) {
		return m.doRefresh(ctx)
	})
	if shared {
		log.Debug("tokens: refresh shared with a concurrent caller")
	}
	if err != nil {
		return nil, err
	}
	return value.(*credstore.TokenRecord), nil
}

func (m *Manager) doRefresh(ctx context.Context) (*credstore.TokenRecord, error) {
	oldRefresh, err := m.store.GetRefreshToken()
	if err != nil {
		if credstore.IsNotFound(err) {
			return nil, ErrNotAuthenticated
		}
		return nil, err
	}
	oldMeta, _ := m.store.GetMetadata()

	record, err := m.refresher.Refresh(ctx, oldRefresh)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
			// The refresh token was rejected outright. Stored credentials
			// are dead weight from here on.
			if errClear := m.store.ClearTokens(); errClear != nil {
				log.Warnf("tokens: failed to clear rejected credentials: %v", errClear)
			}
			m.session.Invalidate()
			return nil, &AuthError{
				Reason:    "refresh token rejected; re-authenticate with login",
				Retryable: false,
				Cause:     err,
			}
		}
		// Network trouble or an identity platform outage: keep the stored
		// tokens, a later retry may succeed.
		return nil, &AuthError{
			Reason:    "token refresh failed",
			Retryable: true,
			Cause:     err,
		}
	}

	// The platform may omit a new refresh token; the old one is reused and
	// its expiry window does not advance.
	if oldMeta != nil && record.RefreshToken == oldRefresh {
		record.RefreshExpiry = oldMeta.RefreshExpiry
	}

	if err = m.store.StoreTokens(record); err != nil {
		return nil, fmt.Errorf("tokens: failed to persist refreshed tokens: %w", err)
	}
	m.session.Rebuild()
	log.Debug("tokens: access token refreshed")
	return record, nil
}

// Logout clears the credential store and the in-memory session. Calling it
// repeatedly, or before any login, is harmless.
func (m *Manager) Logout() error {
	if err := m.store.ClearTokens(); err != nil {
		return err
	}
	m.session.Invalidate()
	return nil
}
