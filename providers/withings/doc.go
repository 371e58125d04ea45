// Package withings implements the providers.Provider interface for the Withings
// health data platform.
//
// Example usage:
//
//	provider, err := withings.NewProvider(&withings.Config{
//	    ClientID:     os.Getenv("WITHINGS_CLIENT_ID"),
//	    ClientSecret: os.Getenv("WITHINGS_CLIENT_SECRET"),
//	    RedirectURL:  "https://bridge.example.com/callback",
//	})
package withings
