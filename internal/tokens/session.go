package tokens

import (
	"net/http"
	"sync"
	"time"
)

// Session is the transient in-memory authentication handle: whether this
// process considers itself signed in, and the HTTP client used against the
// gateway. The client is rebuilt whenever tokens are replaced so pooled
// connections negotiated under old credentials are not reused.
type Session struct {
	mu            sync.RWMutex
	authenticated bool
	client        *http.Client
	rebuiltAt     time.Time
}

// NewSession creates an unauthenticated session with a default client.
func NewSession() *Session {
	return &Session{client: newGatewayClient()}
}

func newGatewayClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// Client returns the current gateway HTTP client.
func (s *Session) Client() *http.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// IsAuthenticated reports whether the process holds usable credentials.
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// Rebuild swaps in a fresh gateway client after a token replacement.
func (s *Session) Rebuild() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = newGatewayClient()
	s.authenticated = true
	s.rebuiltAt = time.Now()
}

// Invalidate marks the session signed out.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = false
}

func (s *Session) markAuthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
}
