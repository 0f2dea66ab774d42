// Package message composes, sends and receives end-to-end encrypted chat
// messages and their delivered/read receipts.
//
// Outgoing messages are stored locally, then handed to the outbox, which
// calls back into Transmit. Incoming envelopes arrive live (HandleFrame) or
// from the offline queue (FetchPending); Receive verifies the signature,
// opens the sealed body, stores the message and bumps the conversation
// counters in one step, and only then marks the id processed.
package message
