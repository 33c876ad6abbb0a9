// Package stream implements the per-connection engine of a server-push
// event stream: text/event-stream framing, a bounded send buffer with
// configurable overflow behavior, drain-aware asynchronous flushing,
// heartbeats, disconnect detection, and resumption via the peer's last seen
// event id.
//
// Lifecycle
//
//	connecting -> connected -> closed
//
// Construction admits the stream with the connections.Registry BEFORE any
// response bytes are committed, so a rejected connection never leaks a
// half-started response. Close is idempotent and is the only cancellation
// primitive: once Send accepts an event it is either delivered or dropped by
// the overflow strategy, never cancelled mid-flight.
//
// Ordering
//
// Events reach the transport in Send order, modulo eviction: a dropped
// event simply never appears and surviving events keep their relative
// order. Sequence ids are strictly increasing and gap-free except for
// dropped events; a reconnecting peer must treat gaps as drops, not
// corruption.
//
// Each Stream instance is cheap and owned by one connection; the engine
// serializes its own internals, so concurrent Send/Close callers are safe.
package stream
