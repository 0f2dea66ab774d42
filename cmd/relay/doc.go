// Package main runs the whisper relay. The relay never sees plaintext or
// private keys: it authenticates devices by challenge signature, routes
// signed envelopes between connected users, queues them for offline
// recipients and relays call signaling.
//
// Endpoints
//
//	GET /ws
//	    Websocket carrying JSON frames {type, requestId, payload}.
//
//	GET /users/{whisperId}/keys
//	    Public encryption and signing keys of a user.
//
//	POST /attachments/presign/upload, POST /attachments/presign/download
//	    Short-lived signed URLs for encrypted attachment blobs.
//
//	PUT|GET /blobs/{objectKey}
//	    The relay's own blob store behind those URLs.
//
//	PUT|GET|DELETE /backup/contacts
//	    One encrypted contacts backup per user, at most 256 KiB.
//
//	GET /health, GET /ready
//	    Liveness and readiness.
//
//	GET /metrics
//	    Prometheus metrics, served on metrics_listen.
//
// Configuration is a YAML file (--config); --listen, --data-dir and
// --log-level override it. SIGHUP reopens the log file.
package main
