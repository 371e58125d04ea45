package security

// Event type constants for security audit logging.
const (
	// Bridge token lifecycle

	// EventTokenIssued is logged when a bridge token is issued after a code exchange
	EventTokenIssued = "token_issued"

	// EventTokenRevoked is logged when a bridge token is revoked
	EventTokenRevoked = "token_revoked"

	// EventProviderTokenRefreshed is logged when the provider credential behind a bridge token is refreshed
	EventProviderTokenRefreshed = "provider_token_refreshed"

	// EventReauthenticationRequired is logged when a provider refresh token is rejected and the
	// credential is dropped
	EventReauthenticationRequired = "reauthentication_required"

	// Authorization flow

	// EventAuthorizationFlowStarted is logged when /authorize redirects to the provider
	EventAuthorizationFlowStarted = "authorization_flow_started"

	// EventAuthorizationCodeIssued is logged when the callback mints an authorization code
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventClientRegistered is logged when a client registers dynamically
	EventClientRegistered = "client_registered"

	// Violations

	// EventAuthFailure is logged when a request fails validation
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit rejects a request
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when a code_verifier does not match its challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when a redirect_uri is not registered for its client
	EventInvalidRedirect = "invalid_redirect"

	// EventCodeNotFound is logged when an unknown, expired, or already consumed code is presented
	EventCodeNotFound = "authorization_code_not_found"

	// EventProviderCodeExchangeFailed is logged when the provider rejects a code exchange
	EventProviderCodeExchangeFailed = "provider_code_exchange_failed"

	// EventCredentialIntegrityFailure is logged when a stored credential fails decryption
	EventCredentialIntegrityFailure = "credential_integrity_failure"

	// EventSessionBindingMismatch is logged when a transport request presents a bearer that
	// differs from the one its session was created with
	EventSessionBindingMismatch = "session_binding_mismatch"
)
