package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m365tools/graphlink/internal/config"
	"github.com/m365tools/graphlink/internal/logging"
	"github.com/m365tools/graphlink/internal/tokens"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// GraphBaseURL is the Microsoft Graph v1.0 endpoint.
const GraphBaseURL = "https://graph.microsoft.com/v1.0"

// correlationHeader carries the per-call correlation ID on every attempt.
// Graph echoes it in diagnostics, which is what makes support lookups work.
const correlationHeader = "client-request-id"

// Backoff describes the retry delay schedule: delays start at Initial and
// grow by Multiplier per retry, capped at Max. Server-provided wait hints
// always take precedence over the computed delay.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

var defaultBackoff = Backoff{
	Initial:    time.Second,
	Max:        30 * time.Second,
	Multiplier: 2,
}

// Response is the outcome of a successful pipeline call.
type Response struct {
	StatusCode    int
	Body          []byte
	CorrelationID string
	Attempts      int
}

// Client is the resilient request pipeline. Every outbound Graph call goes
// through Do, which layers admission control, correlation tagging, retries
// with backoff, rate-limit handling, and 401-triggered token refresh on top
// of the plain HTTP exchange.
type Client struct {
	cfg        *config.Config
	tokens     *tokens.Manager
	state      *State
	baseURL    string
	maxRetries int
	backoff    Backoff
}

// NewClient creates the pipeline over the given token manager. One client
// per process; it owns the shared admission state.
func NewClient(cfg *config.Config, manager *tokens.Manager) *Client {
	return &Client{
		cfg:        cfg,
		tokens:     manager,
		state:      NewState(cfg.MaxConcurrent),
		baseURL:    GraphBaseURL,
		maxRetries: cfg.MaxRetries,
		backoff:    defaultBackoff,
	}
}

// SetBaseURL repoints the gateway, e.g. at a sovereign-cloud Graph endpoint
// or a test server.
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}

// SetBackoff replaces the retry delay schedule.
func (c *Client) SetBackoff(b Backoff) {
	if b.Initial > 0 && b.Max >= b.Initial && b.Multiplier >= 1 {
		c.backoff = b
	}
}

// State exposes the shared pipeline counters.
func (c *Client) State() *State { return c.state }

// Get issues a GET through the pipeline. Query-shaping parameters (select,
// filter, paging, ordering) pass through unchanged.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, query, nil)
}

// Post issues a POST with a JSON body through the pipeline.
func (c *Client) Post(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, nil, body)
}

// Patch issues a PATCH with a JSON body through the pipeline.
func (c *Client) Patch(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Do(ctx, http.MethodPatch, path, nil, body)
}

// Delete issues a DELETE through the pipeline.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, path, nil, nil)
}

// Do runs one logical call: admission, then a bounded attempt loop that
// classifies each failure and retries the transient ones. The admission slot
// is held for the whole call, covering every retry, and released exactly
// once on every exit path.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body []byte) (*Response, error) {
	if path == "" || !strings.HasPrefix(path, "/") {
		return nil, NewValidationError("path", "must start with /")
	}

	if err := c.state.admit(ctx); err != nil {
		return nil, &ClassifiedError{
			Type: TypeLocal, Category: CategoryValidation, Severity: SeverityLow,
			Retryable: false, Message: "request cancelled before admission", Cause: err,
		}
	}
	defer c.state.release()

	correlationID := uuid.NewString()
	logger := log.WithField(logging.FieldCorrelationID, correlationID)
	started := time.Now()

	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	maxAttempts := c.maxRetries + 1
	delay := c.backoff.Initial
	refreshed := false
	correlationIDs := []string{correlationID}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			c.state.recordAttempt()
		}

		token, err := c.tokens.EnsureValidAccessToken(ctx)
		if err != nil {
			return nil, classifyAuthFailure(err, correlationIDs)
		}

		resp, err := c.attempt(ctx, method, requestURL, token, correlationID, body)
		if err != nil {
			cls := Classify(0, "", err)
			cls.CorrelationIDs = correlationIDs
			if cls.Retryable && attempt < maxAttempts {
				logger.WithFields(log.Fields{"method": method, "path": path, "attempt": attempt, "delay": delay}).
					Warn("transport failure, retrying")
				if errSleep := sleep(ctx, delay); errSleep != nil {
					return nil, cls
				}
				delay = c.nextDelay(delay)
				continue
			}
			return nil, cls
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, Classify(0, "", readErr)
		}
		if serverID := resp.Header.Get("request-id"); serverID != "" {
			correlationIDs = appendUnique(correlationIDs, serverID)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			active, lastMinute := c.state.Stats()
			logger.WithFields(log.Fields{"method": method, "path": path, "attempt": attempt, "status": resp.StatusCode}).
				Debugf("request completed in %s (active=%d, last_minute=%d)", time.Since(started).Round(time.Millisecond), active, lastMinute)
			return &Response{
				StatusCode:    resp.StatusCode,
				Body:          respBody,
				CorrelationID: correlationID,
				Attempts:      attempt,
			}, nil
		}

		vendorCode := gjson.GetBytes(respBody, "error.code").String()
		cls := Classify(resp.StatusCode, vendorCode, nil)
		cls.CorrelationIDs = correlationIDs
		if detail := gjson.GetBytes(respBody, "error.message").String(); detail != "" {
			cls.Message = logging.Redact(detail)
		}

		switch cls.Category {
		case CategoryInvalidToken:
			// One refresh per call, then an immediate retry with no backoff.
			// The retry does not consume the retry allowance, so a 401 on the
			// final attempt still gets its post-refresh exchange.
			if !refreshed {
				refreshed = true
				logger.WithFields(log.Fields{"method": method, "path": path, "attempt": attempt}).
					Debug("401 received, refreshing access token")
				if errRefresh := c.tokens.Refresh(ctx); errRefresh != nil {
					return nil, classifyAuthFailure(errRefresh, correlationIDs)
				}
				attempt--
				continue
			}
			cls.Retryable = false
			cls.Message = "access token rejected even after refresh; re-authenticate with login"
			return nil, cls

		case CategoryRateLimit:
			wait := retryAfterHint(resp.Header)
			if wait <= 0 {
				wait = delay
			}
			cls.RetryAfter = wait
			if attempt < maxAttempts {
				logger.WithFields(log.Fields{"method": method, "path": path, "attempt": attempt, "delay": wait}).
					Warn("rate limited, waiting before retry")
				if errSleep := sleep(ctx, wait); errSleep != nil {
					return nil, cls
				}
				delay = c.nextDelay(delay)
				continue
			}
			return nil, cls

		case CategoryServerError:
			if attempt < maxAttempts {
				logger.WithFields(log.Fields{"method": method, "path": path, "attempt": attempt, "status": resp.StatusCode, "delay": delay}).
					Warn("server error, retrying")
				if errSleep := sleep(ctx, delay); errSleep != nil {
					return nil, cls
				}
				delay = c.nextDelay(delay)
				continue
			}
			cls.Message = fmt.Sprintf("service unavailable after %d attempts", attempt)
			return nil, cls

		default:
			return nil, cls
		}
	}

	// Unreachable: every loop exit returns. Kept for the compiler.
	return nil, &ClassifiedError{
		Type: TypeGateway, Category: CategoryServerError, Severity: SeverityHigh,
		Retryable: false, CorrelationIDs: correlationIDs,
		Message: fmt.Sprintf("service unavailable after %d attempts", maxAttempts),
	}
}

// attempt issues a single HTTP exchange with the current token.
func (c *Client) attempt(ctx context.Context, method, requestURL, token, correlationID string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(correlationHeader, correlationID)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.tokens.Session().Client().Do(req)
}

func (c *Client) nextDelay(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * c.backoff.Multiplier)
	if next > c.backoff.Max {
		next = c.backoff.Max
	}
	return next
}

// retryAfterHint reads the server wait hint from the Retry-After header.
func retryAfterHint(header http.Header) time.Duration {
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// classifyAuthFailure maps token lifecycle errors into the taxonomy.
func classifyAuthFailure(err error, correlationIDs []string) *ClassifiedError {
	var authErr *tokens.AuthError
	if errors.As(err, &authErr) {
		return &ClassifiedError{
			Type: TypeAuth, Category: CategoryInvalidToken, Severity: SeverityHigh,
			Retryable:      authErr.Retryable,
			Message:        logging.Redact(authErr.Reason),
			CorrelationIDs: correlationIDs,
			Cause:          err,
		}
	}
	return &ClassifiedError{
		Type: TypeAuth, Category: CategoryInvalidToken, Severity: SeverityHigh,
		Retryable:      false,
		Message:        logging.Redact(fmt.Sprintf("authentication failed: %v", err)),
		CorrelationIDs: correlationIDs,
		Cause:          err,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// UserInfo is the signed-in user's basic profile from Graph.
type UserInfo struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// Email returns the user's address, falling back to the principal name when
// no mailbox address is set.
func (u *UserInfo) Email() string {
	if u.Mail != "" {
		return u.Mail
	}
	return u.UserPrincipalName
}

// Me fetches the signed-in user's profile through the pipeline.
func (c *Client) Me(ctx context.Context) (*UserInfo, error) {
	query := url.Values{"$select": {"id,displayName,mail,userPrincipalName"}}
	resp, err := c.Get(ctx, "/me", query)
	if err != nil {
		return nil, err
	}
	var info UserInfo
	if err = json.Unmarshal(resp.Body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	return &info, nil
}
