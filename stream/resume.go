package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ggoodman/sse-server-go/internal/frame"
	"github.com/ggoodman/sse-server-go/replay"
)

// ResumeMarker returns the numeric Last-Event-ID the peer presented on
// connect, or "" if none was provided.
func (s *Stream) ResumeMarker() string { return s.resumeMarker }

// ReplayHistory re-delivers retained events newer than the peer's
// resumption marker, straight to the transport with their original ids, and
// fast-forwards the sequence counter past the highest replayed id so fresh
// events continue without collision. Call it once, immediately after New,
// before producing new events. Requires WithHistory; without it (or without
// a marker) it is a no-op.
func (s *Stream) ReplayHistory(ctx context.Context) (int, error) {
	if s.cfg.history == nil || s.resumeMarker == "" {
		return 0, nil
	}

	replayed := 0
	err := s.cfg.history.Replay(ctx, s.cfg.historyKey, s.resumeMarker, func(ev replay.Event) error {
		b := frame.Encode(frame.Event{ID: ev.ID, Name: ev.Name, Data: ev.Data})
		for {
			werr := s.t.Write(b)
			if werr == nil {
				break
			}
			if !errors.Is(werr, ErrBackpressure) {
				s.markUnwritable("transport write failed", true)
				return fmt.Errorf("replay write: %w", werr)
			}
			select {
			case <-s.t.Drain():
			case <-s.closedCh:
				return &ClosedError{StreamID: s.id, Reason: "closed during replay", Reconnect: true}
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		replayed++
		if n, perr := strconv.ParseUint(ev.ID, 10, 64); perr == nil {
			s.mu.Lock()
			if n > s.seq {
				s.seq = n
			}
			s.m.EventsSent++
			s.m.BytesWritten += uint64(len(b))
			s.mu.Unlock()
			s.cfg.recorder.EventSent(len(b))
		}
		return nil
	})
	if replayed > 0 {
		s.log.InfoContext(ctx, "stream.resume.replay", slog.String("stream_id", s.id), slog.Int("events", replayed))
	}
	return replayed, err
}
