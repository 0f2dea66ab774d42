// Package relay is the client side of the relay connection.
//
// Transport keeps one websocket to the relay alive: it re-dials with capped
// exponential backoff, runs OnConnect hooks (registration) before releasing
// queued frames, pings every 30s and drops the socket when a pong is late.
// Request correlates responses by requestId and resolves each request
// exactly once. Close and a relay force_logout both end the transport for
// good.
//
// HTTP covers the REST routes: peer key lookup, attachment presigning and
// blob transfer, and the encrypted contacts backup. Non-2xx responses that
// carry an error body come back as *domain.Error.
package relay
