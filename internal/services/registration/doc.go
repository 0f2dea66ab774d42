// Package registration authenticates the device to the relay: register_begin,
// a signed challenge, and a session token that the other services read from
// Session.
package registration
