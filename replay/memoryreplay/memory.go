// Package memoryreplay provides an in-memory replay.Store suitable for
// tests, development, and single-process servers. All state is ephemeral and
// discarded on process exit.
package memoryreplay

import (
	"context"
	"strconv"
	"sync"

	"github.com/ggoodman/sse-server-go/replay"
)

const defaultMaxPerChannel = 1000

// Store is a mutex-guarded map of bounded per-channel event tails.
type Store struct {
	max int

	mu       sync.RWMutex
	channels map[string][]replay.Event
}

// New constructs a store retaining at most maxPerChannel events per channel
// (<= 0 selects the default of 1000).
func New(maxPerChannel int) *Store {
	if maxPerChannel <= 0 {
		maxPerChannel = defaultMaxPerChannel
	}
	return &Store{max: maxPerChannel, channels: make(map[string][]replay.Event)}
}

func (s *Store) Append(ctx context.Context, channel string, ev replay.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail := append(s.channels[channel], ev)
	if len(tail) > s.max {
		tail = tail[len(tail)-s.max:]
	}
	s.channels[channel] = tail
	return nil
}

func (s *Store) Replay(ctx context.Context, channel string, afterID string, fn func(replay.Event) error) error {
	s.mu.RLock()
	tail := make([]replay.Event, len(s.channels[channel]))
	copy(tail, s.channels[channel])
	s.mu.RUnlock()

	after := int64(-1)
	if afterID != "" {
		n, err := strconv.ParseInt(afterID, 10, 64)
		if err != nil {
			// Unknown marker: the peer is ahead of (or foreign to) this
			// history; replay nothing rather than duplicating.
			return nil
		}
		after = n
	}
	for _, ev := range tail {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := strconv.ParseInt(ev.ID, 10, 64)
		if err != nil {
			continue
		}
		if n <= after {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Drop(ctx context.Context, channel string) error {
	s.mu.Lock()
	delete(s.channels, channel)
	s.mu.Unlock()
	return nil
}

var _ replay.Store = (*Store)(nil)
