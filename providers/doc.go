// Package providers defines the Provider interface implemented by the upstream OAuth
// provider and the TokenSet type it returns.
//
// Implementations are provided in subpackages:
//   - providers/withings: Withings OAuth 2.0 provider
//   - providers/mock: Mock provider for testing
package providers
