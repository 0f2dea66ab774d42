// Package server is the relay's websocket endpoint. It authenticates
// connections, binds each account to at most one live connection and
// dispatches frames to the router, the call service and the auth service.
package server
