// Package session owns the control-channel contract between a scene server
// and its clients.
//
// Ownership boundary:
// - server->client commands and client->server messages
// - discovery datagrams
// - timeouts, retry/backoff and the pending-request outbox
// - transport security configuration
package session
