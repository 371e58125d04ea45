package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/akutishevsky/withings-mcp/internal/testutil"
	"github.com/akutishevsky/withings-mcp/providers"
	"github.com/akutishevsky/withings-mcp/storage"
	"github.com/akutishevsky/withings-mcp/vault"
)

func assertOAuthError(t *testing.T, err error, wantCode string, wantStatus int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", wantCode)
	}
	var oauthErr *Error
	if !errors.As(err, &oauthErr) {
		t.Fatalf("error %v is not a *server.Error", err)
	}
	if oauthErr.Code != wantCode {
		t.Errorf("Code = %q, want %q (%v)", oauthErr.Code, wantCode, err)
	}
	if oauthErr.Status != wantStatus {
		t.Errorf("Status = %d, want %d", oauthErr.Status, wantStatus)
	}
}

func TestServer_StartAuthorizationFlow(t *testing.T) {
	env := setupTestServer(t)
	clientID := env.registerPublicClient(t)
	challenge, _ := testutil.GeneratePKCEPair()

	valid := AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            clientID,
		RedirectURI:         testRedirectURI,
		State:               "client-state",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	}

	tests := []struct {
		name     string
		modify   func(r *AuthorizationRequest)
		wantCode string
	}{
		{"valid", func(r *AuthorizationRequest) {}, ""},
		{"wrong response type", func(r *AuthorizationRequest) { r.ResponseType = "token" }, ErrorCodeUnsupportedResponseType},
		{"missing state", func(r *AuthorizationRequest) { r.State = "" }, ErrorCodeInvalidRequest},
		{"oversized state", func(r *AuthorizationRequest) { r.State = strings.Repeat("s", MaxStateLength+1) }, ErrorCodeInvalidRequest},
		{"unknown client", func(r *AuthorizationRequest) { r.ClientID = "nope" }, ErrorCodeInvalidRequest},
		{"redirect mismatch", func(r *AuthorizationRequest) { r.RedirectURI = "http://localhost:3000/other" }, ErrorCodeInvalidRequest},
		{"redirect prefix", func(r *AuthorizationRequest) { r.RedirectURI = testRedirectURI + "/extra" }, ErrorCodeInvalidRequest},
		{"missing challenge", func(r *AuthorizationRequest) { r.CodeChallenge, r.CodeChallengeMethod = "", "" }, ErrorCodeInvalidRequest},
		{"plain method", func(r *AuthorizationRequest) { r.CodeChallengeMethod = PKCEMethodPlain }, ErrorCodeInvalidRequest},
		{"missing method", func(r *AuthorizationRequest) { r.CodeChallengeMethod = "" }, ErrorCodeInvalidRequest},
		{"malformed challenge", func(r *AuthorizationRequest) { r.CodeChallenge = "short" }, ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.modify(&req)

			authURL, err := env.srv.StartAuthorizationFlow(context.Background(), req)
			if tt.wantCode != "" {
				assertOAuthError(t, err, tt.wantCode, http.StatusBadRequest)
				return
			}
			if err != nil {
				t.Fatalf("StartAuthorizationFlow() error = %v", err)
			}

			u, _ := url.Parse(authURL)
			providerState := u.Query().Get("state")
			if providerState == "" || providerState == req.State {
				t.Errorf("provider state %q must be generated, not the client state", providerState)
			}
			if strings.Contains(authURL, req.CodeChallenge) {
				t.Error("authorization URL must not carry the client's PKCE challenge")
			}
		})
	}
}

func TestServer_StartAuthorizationFlow_PKCEOptional(t *testing.T) {
	env := setupTestServer(t)
	env.srv.Config.AllowMissingPKCE = true
	clientID := env.registerPublicClient(t)

	_, err := env.srv.StartAuthorizationFlow(context.Background(), AuthorizationRequest{
		ResponseType: "code",
		ClientID:     clientID,
		RedirectURI:  testRedirectURI,
		State:        "client-state",
	})
	if err != nil {
		t.Fatalf("StartAuthorizationFlow() without PKCE error = %v", err)
	}

	// plain stays rejected even when PKCE is optional
	_, err = env.srv.StartAuthorizationFlow(context.Background(), AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            clientID,
		RedirectURI:         testRedirectURI,
		State:               "client-state",
		CodeChallenge:       testutil.GenerateRandomString(43),
		CodeChallengeMethod: PKCEMethodPlain,
	})
	assertOAuthError(t, err, ErrorCodeInvalidRequest, http.StatusBadRequest)
}

func TestServer_HandleProviderCallback(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	clientID := env.registerPublicClient(t)
	challenge, _ := testutil.GeneratePKCEPair()

	authURL, err := env.srv.StartAuthorizationFlow(ctx, AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            clientID,
		RedirectURI:         testRedirectURI,
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	})
	if err != nil {
		t.Fatal(err)
	}
	providerState := providerStateFrom(t, authURL)

	result, err := env.srv.HandleProviderCallback(ctx, providerState, "withings-code")
	if err != nil {
		t.Fatalf("HandleProviderCallback() error = %v", err)
	}

	redirect, _ := url.Parse(result.RedirectURL)
	if got := redirect.Scheme + "://" + redirect.Host + redirect.Path; got != testRedirectURI {
		t.Errorf("redirect target = %q, want %q", got, testRedirectURI)
	}
	if redirect.Query().Get("state") != "xyz" {
		t.Errorf("state = %q, want client state xyz", redirect.Query().Get("state"))
	}
	code := redirect.Query().Get("code")
	if code == "" || code == "withings-code" {
		t.Fatalf("code = %q, want a broker-issued code", code)
	}

	stored, err := env.store.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		t.Fatalf("issued code not stored: %v", err)
	}
	if strings.Contains(stored.EncryptedProviderCode, "withings-code") {
		t.Error("provider code stored in plaintext")
	}
	if stored.CodeChallenge != challenge {
		t.Error("code challenge not carried to the authorization code")
	}

	// The provider state is single use
	_, err = env.srv.HandleProviderCallback(ctx, providerState, "withings-code")
	assertOAuthError(t, err, ErrorCodeInvalidRequest, http.StatusBadRequest)
}

func TestServer_HandleProviderCallback_Invalid(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	_, err := env.srv.HandleProviderCallback(ctx, "", "code")
	assertOAuthError(t, err, ErrorCodeInvalidRequest, http.StatusBadRequest)

	_, err = env.srv.HandleProviderCallback(ctx, "unknown-state", "code")
	assertOAuthError(t, err, ErrorCodeInvalidRequest, http.StatusBadRequest)

	// The client state is never accepted as provider state
	clientID := env.registerPublicClient(t)
	challenge, _ := testutil.GeneratePKCEPair()
	if _, err := env.srv.StartAuthorizationFlow(ctx, AuthorizationRequest{
		ResponseType: "code", ClientID: clientID, RedirectURI: testRedirectURI,
		State: "client-state", CodeChallenge: challenge, CodeChallengeMethod: PKCEMethodS256,
	}); err != nil {
		t.Fatal(err)
	}
	_, err = env.srv.HandleProviderCallback(ctx, "client-state", "code")
	assertOAuthError(t, err, ErrorCodeInvalidRequest, http.StatusBadRequest)
}

func TestServer_HandleProviderCallback_ExpiredState(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	state := testutil.GenerateTestAuthorizationState("client")
	state.ExpiresAt = time.Now().Add(-time.Minute)
	if err := env.store.SaveAuthorizationState(ctx, state); err != nil {
		t.Fatal(err)
	}

	_, err := env.srv.HandleProviderCallback(ctx, state.ProviderState, "code")
	assertOAuthError(t, err, ErrorCodeInvalidRequest, http.StatusBadRequest)
}

func TestServer_HandleProviderError(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	clientID := env.registerPublicClient(t)
	challenge, _ := testutil.GeneratePKCEPair()

	authURL, err := env.srv.StartAuthorizationFlow(ctx, AuthorizationRequest{
		ResponseType: "code", ClientID: clientID, RedirectURI: testRedirectURI,
		State: "abc", CodeChallenge: challenge, CodeChallengeMethod: PKCEMethodS256,
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := env.srv.HandleProviderError(ctx, providerStateFrom(t, authURL), "access_denied", "user said no")
	if err != nil {
		t.Fatalf("HandleProviderError() error = %v", err)
	}
	q, _ := url.Parse(result.RedirectURL)
	if q.Query().Get("error") != "access_denied" || q.Query().Get("state") != "abc" {
		t.Errorf("redirect = %q, want error=access_denied and state=abc", result.RedirectURL)
	}
	if q.Query().Get("code") != "" {
		t.Error("error redirect must not carry a code")
	}

	_, err = env.srv.HandleProviderError(ctx, "unknown", "access_denied", "")
	assertOAuthError(t, err, ErrorCodeInvalidRequest, http.StatusBadRequest)
}

func TestServer_ExchangeAuthorizationCode(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	clientID := env.registerPublicClient(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := env.authorize(t, clientID, challenge)

	result, err := env.srv.ExchangeAuthorizationCode(ctx, TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     clientID,
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	if result.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", result.TokenType)
	}
	if result.ExpiresIn != 2592000 {
		t.Errorf("ExpiresIn = %d, want 2592000", result.ExpiresIn)
	}
	if len(result.AccessToken) != 43 {
		t.Errorf("bridge token length = %d, want 43", len(result.AccessToken))
	}
	if got := env.provider.GetCallCount("ExchangeCode"); got != 1 {
		t.Errorf("provider ExchangeCode calls = %d, want 1", got)
	}

	cred, err := env.vault.Get(ctx, result.AccessToken)
	if err != nil {
		t.Fatalf("vault.Get() error = %v", err)
	}
	if cred.AccessToken != "mock-access-withings-code" {
		t.Errorf("stored access token = %q, want the provider token for the decrypted code", cred.AccessToken)
	}
	if cred.ProviderUserID != "mock-user" {
		t.Errorf("ProviderUserID = %q", cred.ProviderUserID)
	}

	if err := env.srv.ValidateBridgeToken(ctx, result.AccessToken); err != nil {
		t.Errorf("ValidateBridgeToken() error = %v", err)
	}

	// Second redemption fails
	_, err = env.srv.ExchangeAuthorizationCode(ctx, TokenRequest{
		GrantType: "authorization_code", Code: code, RedirectURI: testRedirectURI,
		ClientID: clientID, CodeVerifier: verifier,
	})
	assertOAuthError(t, err, ErrorCodeInvalidGrant, http.StatusBadRequest)
}

func TestServer_ExchangeAuthorizationCode_Failures(t *testing.T) {
	challenge, verifier := testutil.GeneratePKCEPair()

	tests := []struct {
		name       string
		modify     func(r *TokenRequest)
		wantCode   string
		wantStatus int
	}{
		{"wrong grant type", func(r *TokenRequest) { r.GrantType = "refresh_token" }, ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{"missing code", func(r *TokenRequest) { r.Code = "" }, ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"unknown code", func(r *TokenRequest) { r.Code = "unknown" }, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"redirect mismatch", func(r *TokenRequest) { r.RedirectURI = "http://localhost:3000/other" }, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"missing redirect", func(r *TokenRequest) { r.RedirectURI = "" }, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"client mismatch", func(r *TokenRequest) { r.ClientID = "other-client" }, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"missing verifier", func(r *TokenRequest) { r.CodeVerifier = "" }, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"short verifier", func(r *TokenRequest) { r.CodeVerifier = "abc" }, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"bad verifier chars", func(r *TokenRequest) { r.CodeVerifier = strings.Repeat("a", 42) + "!" }, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"wrong verifier", func(r *TokenRequest) { r.CodeVerifier = testutil.GenerateRandomString(50) }, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"secret from public client", func(r *TokenRequest) { r.ClientSecret = "guess" }, ErrorCodeInvalidClient, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)
			clientID := env.registerPublicClient(t)
			code := env.authorize(t, clientID, challenge)

			req := TokenRequest{
				GrantType:    "authorization_code",
				Code:         code,
				RedirectURI:  testRedirectURI,
				ClientID:     clientID,
				CodeVerifier: verifier,
			}
			tt.modify(&req)

			_, err := env.srv.ExchangeAuthorizationCode(context.Background(), req)
			assertOAuthError(t, err, tt.wantCode, tt.wantStatus)

			if got := env.provider.GetCallCount("ExchangeCode"); got != 0 {
				t.Errorf("provider ExchangeCode calls = %d, want 0", got)
			}
		})
	}
}

func TestServer_ExchangeAuthorizationCode_ProviderFailure(t *testing.T) {
	env := setupTestServer(t)
	clientID := env.registerPublicClient(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := env.authorize(t, clientID, challenge)

	env.provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*providers.TokenSet, error) {
		return nil, fmt.Errorf("withings status 503: %w", providers.ErrInvalidGrant)
	}

	_, err := env.srv.ExchangeAuthorizationCode(context.Background(), TokenRequest{
		GrantType: "authorization_code", Code: code, RedirectURI: testRedirectURI,
		ClientID: clientID, CodeVerifier: verifier,
	})
	assertOAuthError(t, err, ErrorCodeServerError, http.StatusBadGateway)

	var oauthErr *Error
	errors.As(err, &oauthErr)
	if strings.Contains(oauthErr.Description, "503") {
		t.Error("provider details must not reach the client")
	}
}

func TestServer_ExchangeAuthorizationCode_ConcurrentSingleUse(t *testing.T) {
	env := setupTestServer(t)
	clientID := env.registerPublicClient(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := env.authorize(t, clientID, challenge)

	const attempts = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.srv.ExchangeAuthorizationCode(context.Background(), TokenRequest{
				GrantType: "authorization_code", Code: code, RedirectURI: testRedirectURI,
				ClientID: clientID, CodeVerifier: verifier,
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful redemptions = %d, want exactly 1", successes)
	}
	if got := env.provider.GetCallCount("ExchangeCode"); got != 1 {
		t.Errorf("provider ExchangeCode calls = %d, want 1", got)
	}
}

func TestServer_ConfidentialClient(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	client, secret, err := env.srv.RegisterClient(ctx, ClientRegistration{
		RedirectURIs:            []string{testRedirectURI},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodPost,
	}, "127.0.0.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if secret == "" || client.ClientSecretHash == "" || client.ClientSecretHash == secret {
		t.Fatal("confidential client must get a secret stored only as a hash")
	}

	challenge, verifier := testutil.GeneratePKCEPair()

	code := env.authorize(t, client.ClientID, challenge)
	_, err = env.srv.ExchangeAuthorizationCode(ctx, TokenRequest{
		GrantType: "authorization_code", Code: code, RedirectURI: testRedirectURI,
		ClientID: client.ClientID, CodeVerifier: verifier, ClientSecret: "wrong",
	})
	assertOAuthError(t, err, ErrorCodeInvalidClient, http.StatusUnauthorized)

	code = env.authorize(t, client.ClientID, challenge)
	if _, err := env.srv.ExchangeAuthorizationCode(ctx, TokenRequest{
		GrantType: "authorization_code", Code: code, RedirectURI: testRedirectURI,
		ClientID: client.ClientID, CodeVerifier: verifier, ClientSecret: secret,
	}); err != nil {
		t.Fatalf("ExchangeAuthorizationCode() with secret error = %v", err)
	}
}

func TestServer_RevokeToken(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	if err := env.vault.Store(ctx, "bridge", vault.Credential{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}

	if err := env.srv.RevokeToken(ctx, "bridge", "127.0.0.1"); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
	if _, err := env.vault.Get(ctx, "bridge"); !errors.Is(err, vault.ErrCredentialNotFound) {
		t.Errorf("vault.Get() after revoke error = %v, want ErrCredentialNotFound", err)
	}

	// Unknown tokens succeed silently
	if err := env.srv.RevokeToken(ctx, "unknown", "127.0.0.1"); err != nil {
		t.Errorf("RevokeToken(unknown) error = %v", err)
	}

	assertOAuthError(t, env.srv.RevokeToken(ctx, "", ""), ErrorCodeInvalidRequest, http.StatusBadRequest)
}

func TestServer_ValidateBridgeToken(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	assertOAuthError(t, env.srv.ValidateBridgeToken(ctx, ""), ErrorCodeInvalidToken, http.StatusUnauthorized)
	assertOAuthError(t, env.srv.ValidateBridgeToken(ctx, "unknown"), ErrorCodeInvalidToken, http.StatusUnauthorized)
}

func TestAsError(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", invalidGrant("nope"))
	if got := AsError(wrapped); got.Code != ErrorCodeInvalidGrant {
		t.Errorf("AsError(wrapped).Code = %q", got.Code)
	}

	plain := AsError(storage.ErrClientNotFound)
	if plain.Code != ErrorCodeServerError || plain.Status != http.StatusInternalServerError {
		t.Errorf("AsError(plain) = %+v, want server_error 500", plain)
	}
	if strings.Contains(plain.Description, "client not found") {
		t.Error("internal error text leaked into description")
	}
	if !errors.Is(plain, storage.ErrClientNotFound) {
		t.Error("cause should stay reachable through Unwrap")
	}
}
