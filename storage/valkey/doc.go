// Package valkey provides a Valkey storage backend shared by all bridge replicas.
//
// Valkey is wire-compatible with Redis. The Store type implements
// [storage.CredentialStore], [storage.ClientStore], [storage.FlowStore] and
// [storage.RateLimitStore].
//
// # Key Schema
//
// All keys use a configurable prefix (default "withings-mcp:"):
//
//	{prefix}cred:{sha256(bridge token)}   -> JSON(CredentialRecord), TTL = vault TTL
//	{prefix}client:{clientID}             -> JSON(Client)
//	{prefix}state:{providerState}         -> JSON(AuthorizationState), TTL = flow TTL
//	{prefix}code:{code}                   -> JSON(AuthorizationCode), TTL = code TTL
//	{prefix}rl:{ip}:{route}               -> counter, TTL = window
//
// # Atomic Operations
//
//   - ConsumeAuthorizationState and ConsumeAuthorizationCode use GETDEL
//   - UpdateCredential uses a Lua script with SET ... KEEPTTL guarded by EXISTS
//   - CheckAndIncrement uses a Lua script that starts, increments or rejects the window
//
// Example usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address: "localhost:6379",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
package valkey
