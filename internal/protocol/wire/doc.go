// Package wire defines the JSON frames exchanged over the relay websocket.
//
// Every frame is {type, requestId?, payload}. Payloads are decoded into a
// closed set of Go types keyed by frame type; a type this build does not
// know decodes to Unknown and is ignored by both ends. Unknown payload
// fields are dropped by encoding/json.
package wire
