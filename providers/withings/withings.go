package withings

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/akutishevsky/withings-mcp/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

// providerName is the name returned by Provider.Name().
const providerName = "withings"

// Withings OAuth endpoints
const (
	DefaultAuthURL  = "https://account.withings.com/oauth2_user/authorize2"
	DefaultTokenURL = "https://wbsapi.withings.net/v2/oauth2"
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"user.info", "user.metrics", "user.activity"}

// maxResponseSize caps how much of a token endpoint response is read
const maxResponseSize = 1 << 20

// Withings token endpoint statuses that mean the grant itself is unusable
var invalidGrantStatuses = map[int]bool{
	401: true, // invalid or revoked token
	503: true, // invalid params, including an unknown code or refresh token
}

// Provider implements the providers.Provider interface for Withings.
// Withings deviates from RFC 6749 at the token endpoint: it requires action=requesttoken and
// wraps the token in {status, body}, so exchanges are made by hand instead of oauth2.Config.Exchange.
type Provider struct {
	config         *oauth2.Config
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// Config holds Withings OAuth configuration.
type Config struct {
	// ClientID is the Withings application client ID.
	ClientID string

	// ClientSecret is the Withings application secret.
	ClientSecret string

	// RedirectURL is the bridge's /callback URL registered with Withings.
	RedirectURL string

	// Scopes are optional custom scopes (defaults to DefaultScopes).
	Scopes []string

	// AuthURL and TokenURL override the Withings endpoints (tests).
	AuthURL  string
	TokenURL string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout is the timeout for token endpoint calls (default: 30s).
	RequestTimeout time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// NewProvider creates a new Withings OAuth provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	scopes = append([]string(nil), scopes...)

	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			// Withings expects a comma separated scope list in a single value
			Scopes: []string{strings.Join(scopes, ",")},
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		logger:         logger,
		now:            time.Now,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// AuthorizationURL returns the Withings consent URL carrying the provider state.
func (p *Provider) AuthorizationURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// ExchangeCode exchanges a Withings authorization code for tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*providers.TokenSet, error) {
	return p.requestToken(ctx, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {p.config.RedirectURL},
	})
}

// RefreshToken exchanges a refresh token for a new token pair.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*providers.TokenSet, error) {
	return p.requestToken(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
}

// tokenResponse is the Withings token endpoint envelope
type tokenResponse struct {
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
	Body   struct {
		UserID       json.Number `json:"userid"`
		AccessToken  string      `json:"access_token"`
		RefreshToken string      `json:"refresh_token"`
		ExpiresIn    int64       `json:"expires_in"`
		TokenType    string      `json:"token_type"`
		Scope        string      `json:"scope"`
	} `json:"body"`
}

func (p *Provider) requestToken(ctx context.Context, form url.Values) (*providers.TokenSet, error) {
	ctx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	form.Set("action", "requesttoken")
	form.Set("client_id", p.config.ClientID)
	form.Set("client_secret", p.config.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned HTTP %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}

	grantType := form.Get("grant_type")
	if tr.Status != 0 {
		p.logger.Warn("Withings token request rejected",
			"grant_type", grantType,
			"status", tr.Status,
			"error", tr.Error)
		if invalidGrantStatuses[tr.Status] {
			return nil, fmt.Errorf("%w: status %d", providers.ErrInvalidGrant, tr.Status)
		}
		return nil, fmt.Errorf("withings token endpoint status %d", tr.Status)
	}
	if tr.Body.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	userID := tr.Body.UserID.String()
	if _, err := strconv.ParseInt(userID, 10, 64); err != nil && userID != "" {
		return nil, fmt.Errorf("invalid userid in token response: %q", userID)
	}

	return providers.NewTokenSet(tr.Body.AccessToken, tr.Body.RefreshToken, tr.Body.TokenType,
		tr.Body.ExpiresIn, userID, p.now()), nil
}
