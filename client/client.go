// Package client calls the Withings API on behalf of a bridge token.
//
// It resolves the bridge token through the vault, refreshes the provider access token
// when it is about to expire, and retries a call once when the API reports the access
// token as invalid.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/akutishevsky/withings-mcp/instrumentation"
	"github.com/akutishevsky/withings-mcp/providers"
	"github.com/akutishevsky/withings-mcp/security"
	"github.com/akutishevsky/withings-mcp/vault"
)

const (
	// DefaultBaseURL is the Withings API root
	DefaultBaseURL = "https://wbsapi.withings.net"

	// DefaultRefreshMargin is how long before expiry a provider token is refreshed
	DefaultRefreshMargin = 5 * time.Minute

	// DefaultRequestsPerMinute matches the Withings per-application quota
	DefaultRequestsPerMinute = 120

	// maxResponseSize caps how much of an API response is read
	maxResponseSize = 8 << 20

	// refreshTimeout bounds a coalesced refresh independent of any one caller
	refreshTimeout = 30 * time.Second
)

// ErrReauthenticationRequired is returned when the provider no longer accepts the stored
// refresh token, or the bridge token does not resolve to a credential. The user has to run
// the OAuth flow again.
var ErrReauthenticationRequired = errors.New("withings re-authentication required")

// APIError is a non-zero Withings API status.
type APIError struct {
	// Status is the Withings status code, or the HTTP status for non-200 responses
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("withings api status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("withings api status %d", e.Status)
}

// Unauthorized reports whether the API rejected the access token.
func (e *APIError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

// Config holds Provider Client configuration.
type Config struct {
	// BaseURL is the API root (default DefaultBaseURL)
	BaseURL string

	// RefreshMargin triggers a refresh when the access token expires within it (default 5m)
	RefreshMargin time.Duration

	// RequestsPerMinute throttles outbound API calls across all sessions (default 120).
	// Negative disables throttling.
	RequestsPerMinute int

	// HTTPClient is an optional custom HTTP client
	HTTPClient *http.Client

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Client is the Provider Client. It is safe for concurrent use.
type Client struct {
	vault      *vault.Vault
	provider   providers.Provider
	baseURL    string
	margin     time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	refreshes  singleflight.Group
	logger     *slog.Logger
	auditor    *security.Auditor
	metrics    *instrumentation.Metrics
	now        func() time.Time
}

// New creates a Provider Client.
func New(v *vault.Vault, provider providers.Provider, cfg Config) (*Client, error) {
	if v == nil {
		return nil, fmt.Errorf("vault is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	margin := cfg.RefreshMargin
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	switch rpm := cfg.RequestsPerMinute; {
	case rpm == 0:
		limiter = rate.NewLimiter(rate.Every(time.Minute/DefaultRequestsPerMinute), DefaultRequestsPerMinute/4)
	case rpm > 0:
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), max(1, rpm/4))
	}

	return &Client{
		vault:      v,
		provider:   provider,
		baseURL:    baseURL,
		margin:     margin,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// SetAuditor enables audit events for refreshes and forced re-authentication.
func (c *Client) SetAuditor(a *security.Auditor) {
	c.auditor = a
}

// SetInstrumentation enables provider call metrics.
func (c *Client) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		c.metrics = inst.Metrics()
	}
}

// Call invokes a Withings API endpoint for the user behind bridgeToken and returns the
// response body. path is relative to the API root, e.g. "/measure"; params carries the
// action and its arguments.
func (c *Client) Call(ctx context.Context, bridgeToken, path string, params url.Values) (json.RawMessage, error) {
	accessToken, refreshed, err := c.validAccessToken(ctx, bridgeToken, false)
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, accessToken, path, params)
	var apiErr *APIError
	if err == nil || !errors.As(err, &apiErr) || !apiErr.Unauthorized() {
		return body, err
	}
	// A token this call just obtained is not refreshed a second time
	if refreshed {
		return nil, err
	}

	c.logger.Info("Withings rejected access token, forcing refresh", "path", path)
	accessToken, _, err = c.validAccessToken(ctx, bridgeToken, true)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, accessToken, path, params)
}

// validAccessToken returns an access token that does not expire within the refresh margin
// and whether a refresh was needed to get it. force refreshes regardless of the stored expiry.
func (c *Client) validAccessToken(ctx context.Context, bridgeToken string, force bool) (string, bool, error) {
	cred, err := c.vault.Get(ctx, bridgeToken)
	if err != nil {
		if errors.Is(err, vault.ErrCredentialNotFound) {
			return "", false, fmt.Errorf("%w: %w", ErrReauthenticationRequired, err)
		}
		return "", false, err
	}
	if !force && !security.ExpiresWithin(cred.ExpiresAt, c.now(), c.margin) {
		return cred.AccessToken, false, nil
	}

	key := vault.KeyFor(bridgeToken)
	if force {
		key += ":force"
	}
	v, err, shared := c.refreshes.Do(key, func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx), bridgeToken, cred, force)
	})
	if err != nil {
		return "", true, err
	}
	if shared {
		c.logger.Debug("Joined in-flight provider token refresh")
	}
	return v.(string), true, nil
}

// refresh exchanges the stored refresh token and writes the new tokens back to the vault.
// The vault record is left untouched on transient failures.
func (c *Client) refresh(ctx context.Context, bridgeToken string, cred *vault.Credential, force bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	// Another caller may have refreshed between our read and acquiring the flight
	if latest, err := c.vault.Get(ctx, bridgeToken); err == nil {
		if !force && !security.ExpiresWithin(latest.ExpiresAt, c.now(), c.margin) {
			return latest.AccessToken, nil
		}
		cred = latest
	}

	ts, err := c.provider.RefreshToken(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, providers.ErrInvalidGrant) {
			c.recordRefresh(ctx, "invalid_grant")
			c.logger.Warn("Withings refresh token rejected, deleting credential",
				"user_id", cred.ProviderUserID)
			if delErr := c.vault.Delete(ctx, bridgeToken); delErr != nil {
				c.logger.Error("Failed to delete credential after refresh rejection", "error", delErr)
			}
			c.auditor.LogEvent(security.Event{
				Type:   security.EventReauthenticationRequired,
				UserID: cred.ProviderUserID,
			})
			return "", ErrReauthenticationRequired
		}
		c.recordRefresh(ctx, "error")
		return "", fmt.Errorf("failed to refresh provider token: %w", err)
	}

	if err := c.vault.Update(ctx, bridgeToken, vault.CredentialUpdate{
		AccessToken:  ts.Token.AccessToken,
		RefreshToken: ts.Token.RefreshToken,
		ExpiresAt:    ts.Token.Expiry,
	}); err != nil {
		c.recordRefresh(ctx, "error")
		if errors.Is(err, vault.ErrCredentialNotFound) {
			return "", fmt.Errorf("%w: %w", ErrReauthenticationRequired, err)
		}
		return "", fmt.Errorf("failed to store refreshed token: %w", err)
	}

	c.recordRefresh(ctx, "success")
	c.auditor.LogEvent(security.Event{
		Type:   security.EventProviderTokenRefreshed,
		UserID: cred.ProviderUserID,
	})
	return ts.Token.AccessToken, nil
}

// apiResponse is the Withings API envelope
type apiResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
	Error  string          `json:"error,omitempty"`
}

func (c *Client) do(ctx context.Context, accessToken, path string, params url.Values) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("outbound rate limit: %w", err)
		}
	}

	start := c.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("withings request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read withings response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.recordCall(ctx, params.Get("action"), resp.StatusCode, start)
		return nil, &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode withings response: %w", err)
	}
	c.recordCall(ctx, params.Get("action"), envelope.Status, start)
	if envelope.Status != 0 {
		return nil, &APIError{Status: envelope.Status, Message: envelope.Error}
	}
	return envelope.Body, nil
}

func (c *Client) recordCall(ctx context.Context, action string, status int, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordProviderAPICall(ctx, action, status, float64(c.now().Sub(start).Microseconds())/1000)
	}
}

func (c *Client) recordRefresh(ctx context.Context, result string) {
	if c.metrics != nil {
		c.metrics.RecordProviderRefresh(ctx, result)
	}
}
