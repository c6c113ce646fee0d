// Package session owns per-connection inner session state.
//
// Ownership boundary:
// - request id generation and request/response correlation
// - connection, keepalive and bandwidth probe defaults
// - primary transport security and host reconnect backoff
//
// A Correlator belongs to exactly one primary connection and is owned by the
// reactor goroutine; it is not safe for concurrent use.
package session
