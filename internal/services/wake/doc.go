// Package wake turns push payloads into wake intents.
//
// A push transport is untrusted. The gateway reads only the type, reason
// and whisperId keys; everything else is dropped before any handler sees
// it and counted as ignored content. A message wake reconnects and drains
// fetch_pending; a call wake goes straight to the call UI and never
// fetches messages.
package wake
