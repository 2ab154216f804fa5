package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/m365tools/graphlink/internal/browser"
	"github.com/m365tools/graphlink/internal/config"
	"github.com/m365tools/graphlink/internal/credstore"
	log "github.com/sirupsen/logrus"
)

// LoginTimeout bounds the whole interactive step: authorization URL opened,
// user signs in, callback received.
const LoginTimeout = 5 * time.Minute

// FlowState tracks one interactive login through its lifecycle.
type FlowState string

// Flow states. The terminal states are never retried by the flow itself;
// the caller starts a fresh flow (new verifier and state) if it wants to.
const (
	FlowIdle             FlowState = "idle"
	FlowAwaitingCallback FlowState = "awaiting_callback"
	FlowSucceeded        FlowState = "succeeded"
	FlowFailedSecurity   FlowState = "failed_security"
	FlowFailedUserDenied FlowState = "failed_user_denied"
	FlowFailedExchange   FlowState = "failed_exchange"
	FlowTimedOut         FlowState = "timed_out"
)

// Flow runs one end-to-end interactive login. A Flow is single use: its PKCE
// verifier is consumed by the code exchange and can never back a second
// attempt.
type Flow struct {
	cfg       *config.Config
	auth      *MicrosoftAuth
	store     *credstore.Store
	noBrowser bool

	mu    sync.Mutex
	state FlowState
}

// NewFlow creates a login flow. When noBrowser is set the authorization URL
// is only printed, never opened.
func NewFlow(cfg *config.Config, auth *MicrosoftAuth, store *credstore.Store, noBrowser bool) *Flow {
	return &Flow{cfg: cfg, auth: auth, store: store, noBrowser: noBrowser, state: FlowIdle}
}

// State returns the flow's current state.
func (f *Flow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Flow) setState(state FlowState) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
}

// Login drives the interactive flow: build the authorization URL, open it,
// wait on the local callback, exchange the code, and persist the resulting
// tokens. It returns the stored record on success.
func (f *Flow) Login(ctx context.Context) (*credstore.TokenRecord, error) {
	f.mu.Lock()
	if f.state != FlowIdle {
		f.mu.Unlock()
		return nil, fmt.Errorf("login flow already consumed (state %s); start a new flow", f.state)
	}
	f.mu.Unlock()

	pkce, err := GeneratePKCECodes()
	if err != nil {
		return nil, err
	}
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}

	server := NewCallbackServer(f.cfg.CallbackPort, state)
	if err = server.Start(); err != nil {
		return nil, err
	}
	// The listener comes down regardless of outcome.
	defer func() {
		_ = server.Stop(context.Background())
	}()

	authURL, err := f.auth.GenerateAuthURL(state, pkce)
	if err != nil {
		return nil, err
	}

	fmt.Printf("Open this URL in your browser to sign in:\n\n%s\n\n", authURL)
	if !f.noBrowser {
		if errOpen := browser.OpenURL(authURL); errOpen != nil {
			log.Warnf("could not open browser automatically: %v", errOpen)
		}
	}

	f.setState(FlowAwaitingCallback)

	code, err := server.WaitForCallback(ctx, LoginTimeout)
	if err != nil {
		f.setState(terminalStateFor(err))
		return nil, err
	}

	record, err := f.auth.ExchangeCodeForTokens(ctx, code, pkce)
	if err != nil {
		// The verifier is spent either way; a retry needs a fresh flow.
		f.setState(FlowFailedExchange)
		return nil, err
	}

	if err = f.store.StoreTokens(record); err != nil {
		f.setState(FlowFailedExchange)
		return nil, fmt.Errorf("failed to persist tokens: %w", err)
	}

	f.setState(FlowSucceeded)
	log.Info("interactive login completed")
	return record, nil
}

func terminalStateFor(err error) FlowState {
	var fe *FlowError
	if !errors.As(err, &fe) {
		return FlowFailedUserDenied
	}
	switch fe.Type {
	case ErrStateMismatch.Type:
		return FlowFailedSecurity
	case ErrCallbackTimeout.Type:
		return FlowTimedOut
	default:
		return FlowFailedUserDenied
	}
}
