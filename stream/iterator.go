package stream

import (
	"context"
	"iter"
)

// Events returns a pull-based sequence of buffered events: everything
// currently in the buffer first, then live events as they are accepted,
// terminating when the stream closes or ctx is done. The sequence is lazy,
// finite once the stream is closed, and not restartable: iterate it once.
func (s *Stream) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return
		}
		backlog := make([]Event, len(s.buf))
		copy(backlog, s.buf)
		ch := make(chan Event, s.capacity())
		s.subs[ch] = struct{}{}
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			if s.subs != nil {
				delete(s.subs, ch)
			}
			s.mu.Unlock()
		}()

		for _, ev := range backlog {
			if !yield(ev) {
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if !yield(ev) {
					return
				}
			}
		}
	}
}
