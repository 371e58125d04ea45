// Package util provides small helpers shared across the bridge packages.
//
// Key utilities:
//   - SafeTruncate: truncates identifiers for logging
//   - NormalizeURL: trailing-slash insensitive URL comparison
//   - ClassifyIP / IsLoopbackHostname: address classification for redirect URI checks
package util
