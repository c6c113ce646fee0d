// Package inner implements the client side of the inner control protocol.
//
// Ownership boundary:
// - the primary connection and its Disconnected/Connecting/Connected lifecycle
// - request ids and pending-request correlation for that connection
// - inbound REQUEST/RESPONSE/APPROVE dispatch
// - bandwidth probes started on behalf of the directing server
// - the keepalive PING timer
//
// Handler runs entirely on the reactor goroutine. Hosts reach it from other
// goroutines through reactor.Loop.Post.
package inner
