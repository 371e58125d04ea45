// Package server implements the OAuth broker between MCP clients and Withings.
//
// The broker is an OAuth 2.1 authorization server towards MCP clients and an OAuth client
// towards Withings. One authorization runs two flows back to back:
//
//  1. The MCP client calls StartAuthorizationFlow with its own state and PKCE challenge. The
//     broker stores the request under a freshly generated provider state and redirects the user
//     to Withings carrying only that provider state.
//  2. Withings redirects back to the broker; HandleProviderCallback consumes the stored flow,
//     keeps the Withings code encrypted on a short-lived authorization code of its own, and
//     redirects to the client with that code and the client's original state.
//  3. ExchangeAuthorizationCode consumes the broker code, verifies PKCE, exchanges the Withings
//     code, stores the Withings credential in the vault and returns an opaque bridge token.
//
// Authorization codes and flow states are single use: lookup and deletion are one atomic store
// operation.
//
// Example usage:
//
//	srv, err := server.New(provider, vault, store, store, encryptor, &server.Config{
//	    Issuer: "https://withings-mcp.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
