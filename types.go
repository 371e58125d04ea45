package oauth

// ProtectedResourceMetadata is the RFC 9728 document describing the /mcp resource
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`

	// BearerMethodsSupported is always ["header"]; query and body tokens are refused
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// ErrorResponse is the JSON body of every OAuth error
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizationServerMetadata is the RFC 8414 discovery document of the bridge
type AuthorizationServerMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`
	RevocationEndpoint    string `json:"revocation_endpoint,omitempty"`

	ResponseTypesSupported                 []string `json:"response_types_supported"`
	GrantTypesSupported                    []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported      []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	RevocationEndpointAuthMethodsSupported []string `json:"revocation_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported only ever lists S256
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

// ClientRegistrationRequest is the body of POST /register (RFC 7591).
// Grant and response types other than authorization_code and code are ignored.
type ClientRegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
}

// ClientRegistrationResponse is returned with 201 Created by POST /register
type ClientRegistrationResponse struct {
	ClientID string `json:"client_id"`

	// ClientSecret is only set for client_secret_post clients and is never shown again
	ClientSecret     string `json:"client_secret,omitempty"`
	ClientIDIssuedAt int64  `json:"client_id_issued_at"`

	// ClientSecretExpiresAt is 0 (never) when a secret is issued and omitted otherwise
	ClientSecretExpiresAt *int64 `json:"client_secret_expires_at,omitempty"`

	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	ClientName              string   `json:"client_name,omitempty"`
}

// TokenResponse carries a bridge token. The Withings tokens behind it never leave the vault.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`

	// ExpiresIn is the bridge token lifetime in seconds
	ExpiresIn int64  `json:"expires_in"`
	Scope     string `json:"scope,omitempty"`
}
