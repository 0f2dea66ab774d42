// Package app loads the client configuration and wires stores, services
// and the relay connection into one graph for the CLI.
package app
