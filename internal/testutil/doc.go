// Package testutil provides fixtures shared by the package tests: fast encryptors,
// PKCE pairs, and pre-populated storage records.
package testutil
