// Package federation holds the peer-facing side of a relay: addressing,
// the trust registry and its handshake, discovery of remote relays, the
// signed HTTP client used to reach them, and federation metrics.
//
// Addresses take the form handle@host. A peer is identified by its host and
// authenticated by the Ed25519 key recorded for it in the registry.
package federation
