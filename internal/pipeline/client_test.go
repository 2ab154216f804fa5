package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m365tools/graphlink/internal/config"
	"github.com/m365tools/graphlink/internal/credstore"
	"github.com/m365tools/graphlink/internal/tokens"
)

// memBackend is an in-memory secret backend for tests.
type memBackend struct {
	mu      sync.Mutex
	secrets map[string]string
}

func newMemBackend() *memBackend {
	return &memBackend{secrets: map[string]string{}}
}

func (m *memBackend) Name() string { return "memory" }

func (m *memBackend) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.secrets[key]
	if !ok {
		return "", credstore.ErrNotFound
	}
	return value, nil
}

func (m *memBackend) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[key] = value
	return nil
}

func (m *memBackend) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, key)
	return nil
}

// fakeRefresher returns a fixed fresh record and counts invocations.
type fakeRefresher struct {
	calls atomic.Int32
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*credstore.TokenRecord, error) {
	f.calls.Add(1)
	now := time.Now()
	return &credstore.TokenRecord{
		AccessToken:     "access-new",
		RefreshToken:    "refresh-new",
		AccessExpiry:    now.Add(time.Hour),
		RefreshExpiry:   now.Add(90 * 24 * time.Hour),
		LastRefreshedAt: now,
	}, nil
}

// newTestClient builds a pipeline over an authenticated in-memory store,
// pointed at the given test server with millisecond backoff.
func newTestClient(t *testing.T, serverURL string, maxRetries, maxConcurrent int) (*Client, *fakeRefresher) {
	t.Helper()

	store := credstore.NewStoreWithBackend(newMemBackend(), t.TempDir())
	now := time.Now()
	err := store.StoreTokens(&credstore.TokenRecord{
		AccessToken:     "access-old",
		RefreshToken:    "refresh-old",
		AccessExpiry:    now.Add(time.Hour),
		RefreshExpiry:   now.Add(90 * 24 * time.Hour),
		LastRefreshedAt: now,
	})
	if err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}

	refresher := &fakeRefresher{}
	manager := tokens.NewManager(store, refresher)

	cfg := &config.Config{
		ClientID:      "client",
		TenantID:      "tenant",
		MaxRetries:    maxRetries,
		MaxConcurrent: maxConcurrent,
	}
	client := NewClient(cfg, manager)
	client.SetBaseURL(serverURL)
	client.SetBackoff(Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2})
	return client, refresher
}

func TestDoRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"value":[]}`)
	}))
	defer ts.Close()

	client, _ := newTestClient(t, ts.URL, 3, 4)
	resp, err := client.Get(context.Background(), "/me/messages", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, expected 200", resp.StatusCode)
	}
	if resp.Attempts != 4 {
		t.Errorf("attempts = %d, expected 4 (three retries)", resp.Attempts)
	}
}

func TestDoTerminalWhenRetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client, _ := newTestClient(t, ts.URL, 2, 4)
	_, err := client.Get(context.Background(), "/me/messages", nil)
	var cls *ClassifiedError
	if !errors.As(err, &cls) {
		t.Fatalf("error = %v, expected a ClassifiedError", err)
	}
	if cls.Category != CategoryServerError {
		t.Errorf("category = %q, expected server_error", cls.Category)
	}
	if !strings.Contains(cls.Message, "after 3 attempts") {
		t.Errorf("message = %q, expected it to report 3 attempts", cls.Message)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("server hits = %d, expected 3", got)
	}
}

func TestDoRateLimitCarriesRetryAfter(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	// No retries allowed: the throttle is terminal and must carry the wait hint.
	client, _ := newTestClient(t, ts.URL, 0, 4)
	_, err := client.Get(context.Background(), "/me/messages", nil)
	var cls *ClassifiedError
	if !errors.As(err, &cls) {
		t.Fatalf("error = %v, expected a ClassifiedError", err)
	}
	if cls.Category != CategoryRateLimit {
		t.Errorf("category = %q, expected rate_limit", cls.Category)
	}
	if cls.RetryAfter != 7*time.Second {
		t.Errorf("retry after = %v, expected 7s from the header", cls.RetryAfter)
	}
}

func TestDoRateLimitRetries(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"value":[]}`)
	}))
	defer ts.Close()

	client, _ := newTestClient(t, ts.URL, 3, 4)
	resp, err := client.Get(context.Background(), "/me/messages", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.Attempts != 2 {
		t.Errorf("attempts = %d, expected 2", resp.Attempts)
	}
}

func TestDoUnauthorizedRefreshesOnce(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-new" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"code":"InvalidAuthenticationToken","message":"token is expired"}}`)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"value":[]}`)
	}))
	defer ts.Close()

	client, refresher := newTestClient(t, ts.URL, 3, 4)
	resp, err := client.Get(context.Background(), "/me/messages", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, expected 200 after refresh", resp.StatusCode)
	}
	if calls := refresher.calls.Load(); calls != 1 {
		t.Errorf("refresh calls = %d, expected exactly 1", calls)
	}
}

func TestDoUnauthorizedRefreshOnFinalAttempt(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-new" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"code":"InvalidAuthenticationToken","message":"token is expired"}}`)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"value":[]}`)
	}))
	defer ts.Close()

	// No retries allowed: the post-refresh exchange must still happen.
	client, refresher := newTestClient(t, ts.URL, 0, 4)
	resp, err := client.Get(context.Background(), "/me/messages", nil)
	if err != nil {
		t.Fatalf("Get() error = %v, expected refresh + retry to succeed", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, expected 200 after refresh", resp.StatusCode)
	}
	if calls := refresher.calls.Load(); calls != 1 {
		t.Errorf("refresh calls = %d, expected exactly 1", calls)
	}
}

func TestDoUnauthorizedTerminalAfterRefresh(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"code":"InvalidAuthenticationToken","message":"still rejected"}}`)
	}))
	defer ts.Close()

	client, refresher := newTestClient(t, ts.URL, 3, 4)
	_, err := client.Get(context.Background(), "/me/messages", nil)
	var cls *ClassifiedError
	if !errors.As(err, &cls) {
		t.Fatalf("error = %v, expected a ClassifiedError", err)
	}
	if cls.Category != CategoryInvalidToken {
		t.Errorf("category = %q, expected invalid_token", cls.Category)
	}
	if cls.Retryable {
		t.Error("a 401 surviving a refresh must not be retryable")
	}
	if calls := refresher.calls.Load(); calls != 1 {
		t.Errorf("refresh calls = %d, expected exactly 1 per logical call", calls)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits = %d, expected 2 (before and after refresh)", got)
	}
}

func TestDoPermissionDeniedNoRetry(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":"ErrorAccessDenied","message":"Access is denied."}}`)
	}))
	defer ts.Close()

	client, _ := newTestClient(t, ts.URL, 3, 4)
	_, err := client.Get(context.Background(), "/me/messages", nil)
	var cls *ClassifiedError
	if !errors.As(err, &cls) {
		t.Fatalf("error = %v, expected a ClassifiedError", err)
	}
	if cls.Category != CategoryPermissions {
		t.Errorf("category = %q, expected permissions from the vendor code", cls.Category)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, permission failures must not be retried", got)
	}
}

func TestDoRejectsInvalidPath(t *testing.T) {
	client, _ := newTestClient(t, "http://localhost:0", 1, 4)
	_, err := client.Get(context.Background(), "me", nil)
	var cls *ClassifiedError
	if !errors.As(err, &cls) {
		t.Fatalf("error = %v, expected a ClassifiedError", err)
	}
	if cls.Category != CategoryValidation {
		t.Errorf("category = %q, expected validation", cls.Category)
	}
}

func TestDoSendsCorrelationHeader(t *testing.T) {
	var gotHeader string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("client-request-id")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{}`)
	}))
	defer ts.Close()

	client, _ := newTestClient(t, ts.URL, 1, 4)
	resp, err := client.Get(context.Background(), "/me", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if gotHeader == "" {
		t.Error("no correlation header sent")
	}
	if gotHeader != resp.CorrelationID {
		t.Errorf("header %q does not match the response correlation ID %q", gotHeader, resp.CorrelationID)
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	var inFlight, peak atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := inFlight.Add(1)
		for {
			observed := peak.Load()
			if current <= observed || peak.CompareAndSwap(observed, current) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{}`)
	}))
	defer ts.Close()

	client, _ := newTestClient(t, ts.URL, 1, 2)

	const callers = 6
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.Get(context.Background(), "/me", nil); err != nil {
				t.Errorf("Get() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, expected at most 2", got)
	}
	active, lastMinute := client.State().Stats()
	if active != 0 {
		t.Errorf("active = %d, expected 0 after all calls returned", active)
	}
	if lastMinute < callers {
		t.Errorf("last-minute attempts = %d, expected at least %d", lastMinute, callers)
	}
}

func TestMe(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me" {
			t.Errorf("path = %q, expected /me", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"user-1","displayName":"Avery Quinn","mail":"","userPrincipalName":"avery@contoso.example"}`)
	}))
	defer ts.Close()

	client, _ := newTestClient(t, ts.URL, 1, 4)
	info, err := client.Me(context.Background())
	if err != nil {
		t.Fatalf("Me() error = %v", err)
	}
	if info.DisplayName != "Avery Quinn" {
		t.Errorf("display name = %q, expected %q", info.DisplayName, "Avery Quinn")
	}
	// With no mailbox address the principal name stands in.
	if info.Email() != "avery@contoso.example" {
		t.Errorf("email = %q, expected the principal name fallback", info.Email())
	}
}
