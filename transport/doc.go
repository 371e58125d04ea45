// Package transport multiplexes MCP JSON-RPC streams over Server-Sent Events.
//
// A client opens a session with GET and an Authorization bearer. The response is an event
// stream whose first event names the URL to POST messages to. Each session owns a private
// protocol handler and a single goroutine that applies inbound messages in arrival order and
// queues the responses for the stream.
//
// A session is bound to the bearer that opened it. Reopening the stream with the same
// Mcp-Session-Id replaces the old session; idle sessions are swept periodically.
package transport
