// Package connections supervises every open push stream in the process. The
// Registry is the single authority on how many streams exist and how many
// belong to each client: it admits or rejects new streams against a global
// and a per-client ceiling, reclaims idle or dead connections on a periodic
// sweep, and force-closes everything on shutdown.
//
// Streams self-deregister: Add hooks the connection's close notification so
// the entry disappears when the stream closes, without the transport layer
// having to remember any bookkeeping.
//
// Production wiring normally uses the shared Default() instance constructed
// from the environment; tests construct their own Registry (or call
// ResetDefault, which shuts the prior shared instance down first).
package connections
