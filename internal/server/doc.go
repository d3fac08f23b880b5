// Package server implements the HTTP and WebSocket transport for collabchat.
//
// The implementation is organized into specialized files for clients, the hub
// connection table, lifecycle callbacks, identity and origin checks, routing,
// and HTTP handlers. Chat delivery itself lives in the registry, chat, and
// fanout packages; this package only feeds them.
package server
