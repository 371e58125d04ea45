package server

import (
	"errors"
	"net/http"
)

// OAuth 2.0 error codes (RFC 6749, RFC 7591, RFC 6750)
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata   = "invalid_client_metadata"
	ErrorCodeInvalidToken            = "invalid_token"
)

// Error is a broker failure carrying the OAuth error code and HTTP status to respond with.
// Description is safe to return to clients; the wrapped cause is for logs only.
type Error struct {
	Code        string
	Description string
	Status      int
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Code + ": " + e.Description + ": " + e.cause.Error()
	}
	return e.Code + ": " + e.Description
}

func (e *Error) Unwrap() error {
	return e.cause
}

// AsError extracts the broker error from err. Any other error is reported as a generic
// server_error so internal details never reach the client.
func AsError(err error) *Error {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return &Error{
		Code:        ErrorCodeServerError,
		Description: "internal server error",
		Status:      http.StatusInternalServerError,
		cause:       err,
	}
}

func invalidRequest(description string) *Error {
	return &Error{Code: ErrorCodeInvalidRequest, Description: description, Status: http.StatusBadRequest}
}

func invalidGrant(description string) *Error {
	return &Error{Code: ErrorCodeInvalidGrant, Description: description, Status: http.StatusBadRequest}
}

func serverError(description string, status int, cause error) *Error {
	return &Error{Code: ErrorCodeServerError, Description: description, Status: status, cause: cause}
}
