// Package memory provides an in-memory implementation of the storage interfaces.
//
// Every map is guarded by one sync.RWMutex, so ConsumeAuthorizationState,
// ConsumeAuthorizationCode and CheckAndIncrement are atomic within the process.
// A background goroutine removes expired credentials, flows, codes and rate limit
// windows.
//
// Counters and credentials live only as long as the process; deployments with more
// than one replica use storage/valkey or storage/postgres instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
package memory
