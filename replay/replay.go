// Package replay defines the event history consulted when a peer reconnects
// with a resumption marker. The stream engine mirrors successfully written
// events into a Store; on reconnect the transport layer replays everything
// after the last id the peer claims to have seen, then hands off to the live
// stream.
//
// Implementations:
//
//	memoryreplay : bounded in-process ring, single-node deployments and tests
//	redisreplay  : Redis Streams backed, survives handoff across nodes
package replay

import (
	"context"
	"time"
)

// Event is one historical protocol event. ID is the stream engine's decimal
// sequence id.
type Event struct {
	ID        string
	Name      string
	Data      string
	CreatedAt time.Time
}

// Store retains a bounded tail of delivered events per channel. Channels are
// caller-chosen keys (typically a logical topic or session id, not the
// per-connection stream id, so a reconnect lands on the same history).
type Store interface {
	// Append records a delivered event. Old entries beyond the store's bound
	// may be discarded.
	Append(ctx context.Context, channel string, ev Event) error

	// Replay invokes fn for every retained event with a numeric id greater
	// than afterID, in id order. afterID "" replays the full retained tail.
	// Replay stops and returns fn's error if it fails.
	Replay(ctx context.Context, channel string, afterID string, fn func(Event) error) error

	// Drop discards a channel's history.
	Drop(ctx context.Context, channel string) error
}
