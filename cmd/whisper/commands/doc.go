// Package commands defines the whisper CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init      Create a new identity and print its recovery mnemonic
//   - restore   Recreate the identity from a mnemonic
//   - keys      Print the public keys, WhisperID and fingerprint
//   - register  Authenticate to the relay and print the WhisperID
//   - send      Queue a text message and wait until the relay accepted it
//   - recv      Drain the offline queue and print new messages
//   - read      Mark a conversation read and send read receipts
//   - call      Place a call and follow it until it ends
//   - wake      Feed a push payload to the wake gateway
//
// # Implementation
//
// The root command loads ~/.whisper/config.yaml, applies flag overrides and
// builds the app before any subcommand runs. Commands that talk to the
// relay unlock the identity with --passphrase and open the full client
// graph through app.Open.
package commands
