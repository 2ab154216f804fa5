package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// callbackResult is the tagged outcome of one callback request: either an
// authorization code or a flow failure, never both.
type callbackResult struct {
	code string
	err  *FlowError
}

// CallbackServer runs the short-lived local HTTP listener that receives the
// OAuth redirect. It serves exactly one path, /callback, validates the
// anti-forgery state, and hands a tagged result to the waiting flow. It is
// not a long-lived service; the flow tears it down regardless of outcome.
type CallbackServer struct {
	server        *http.Server
	port          int
	expectedState string
	resultChan    chan callbackResult
	errorChan     chan error
	mu            sync.Mutex
	running       bool
}

// NewCallbackServer creates a callback server bound to the given port that
// accepts only callbacks carrying expectedState.
func NewCallbackServer(port int, expectedState string) *CallbackServer {
	return &CallbackServer{
		port:          port,
		expectedState: expectedState,
		resultChan:    make(chan callbackResult, 1),
		errorChan:     make(chan error, 1),
	}
}

// Start begins listening for the OAuth redirect.
func (s *CallbackServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("callback server is already running")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", s.port))
	if err != nil {
		return flowError(ErrServerStartFailed, fmt.Errorf("port %d unavailable: %w", s.port, err))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.running = true

	go func() {
		if errServe := s.server.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			s.errorChan <- fmt.Errorf("callback server failed: %w", errServe)
		}
	}()

	return nil
}

// Stop shuts the listener down. Safe to call more than once.
func (s *CallbackServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	log.Debug("stopping OAuth callback listener")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	s.running = false
	s.server = nil
	return err
}

// WaitForCallback blocks until the callback resolves or the timeout elapses.
// On timeout the caller still owns listener teardown via Stop.
func (s *CallbackServer) WaitForCallback(ctx context.Context, timeout time.Duration) (string, error) {
	select {
	case result := <-s.resultChan:
		if result.err != nil {
			return "", result.err
		}
		return result.code, nil
	case err := <-s.errorChan:
		return "", err
	case <-ctx.Done():
		return "", flowError(ErrCallbackTimeout, ctx.Err())
	case <-time.After(timeout):
		return "", ErrCallbackTimeout
	}
}

// handleCallback processes the single redirect from the identity platform.
// State is checked before anything else: a mismatch is answered with a 400
// page and fails the flow as a security error. A matching state with a code
// resolves the flow; anything else (typically consent denial) fails it as
// retryable.
func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	log.Debug("received OAuth callback")

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	code := query.Get("code")
	state := query.Get("state")
	errorParam := query.Get("error")

	if state != s.expectedState {
		log.Error("OAuth callback state mismatch")
		s.writeErrorPage(w, "The sign-in response could not be verified.")
		s.sendResult(callbackResult{err: ErrStateMismatch})
		return
	}

	if code == "" {
		reason := "No authorization code was returned."
		if errorParam != "" {
			log.Warnf("OAuth callback reported error: %s", errorParam)
			reason = "Authorization was cancelled or denied."
		}
		s.writeErrorPage(w, reason)
		s.sendResult(callbackResult{err: ErrUserDenied})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(loginSuccessHTML)); err != nil {
		log.Errorf("failed to write success page: %v", err)
	}
	s.sendResult(callbackResult{code: code})
}

func (s *CallbackServer) writeErrorPage(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	page := strings.Replace(loginErrorHTML, "{{REASON}}", reason, 1)
	if _, err := w.Write([]byte(page)); err != nil {
		log.Errorf("failed to write error page: %v", err)
	}
}

// sendResult delivers the outcome without blocking the handler. Only the
// first result counts; a second callback request is dropped.
func (s *CallbackServer) sendResult(result callbackResult) {
	select {
	case s.resultChan <- result:
	default:
		log.Warn("duplicate OAuth callback dropped")
	}
}
