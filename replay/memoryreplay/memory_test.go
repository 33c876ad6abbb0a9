package memoryreplay

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/ggoodman/sse-server-go/replay"
)

func seed(t *testing.T, s *Store, channel string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		ev := replay.Event{ID: strconv.Itoa(i), Name: "tick", Data: "v" + strconv.Itoa(i)}
		if err := s.Append(context.Background(), channel, ev); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func collect(t *testing.T, s *Store, channel, afterID string) []string {
	t.Helper()
	var ids []string
	err := s.Replay(context.Background(), channel, afterID, func(ev replay.Event) error {
		ids = append(ids, ev.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	return ids
}

func TestReplayAfterMarker(t *testing.T) {
	s := New(0)
	seed(t, s, "ch", 5)

	got := collect(t, s, "ch", "3")
	if len(got) != 2 || got[0] != "4" || got[1] != "5" {
		t.Fatalf("unexpected replay after 3: %v", got)
	}
}

func TestReplayFullTail(t *testing.T) {
	s := New(0)
	seed(t, s, "ch", 3)
	if got := collect(t, s, "ch", ""); len(got) != 3 {
		t.Fatalf("expected full tail, got %v", got)
	}
}

func TestReplayUnknownMarkerYieldsNothing(t *testing.T) {
	s := New(0)
	seed(t, s, "ch", 3)
	if got := collect(t, s, "ch", "not-a-number"); len(got) != 0 {
		t.Fatalf("foreign marker must replay nothing, got %v", got)
	}
}

func TestBoundedRetention(t *testing.T) {
	s := New(3)
	seed(t, s, "ch", 10)
	got := collect(t, s, "ch", "")
	if len(got) != 3 || got[0] != "8" {
		t.Fatalf("expected last 3 retained, got %v", got)
	}
}

func TestReplayStopsOnCallbackError(t *testing.T) {
	s := New(0)
	seed(t, s, "ch", 5)
	boom := errors.New("boom")
	calls := 0
	err := s.Replay(context.Background(), "ch", "", func(replay.Event) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) || calls != 2 {
		t.Fatalf("expected stop at second event: err=%v calls=%d", err, calls)
	}
}

func TestDrop(t *testing.T) {
	s := New(0)
	seed(t, s, "ch", 2)
	if err := s.Drop(context.Background(), "ch"); err != nil {
		t.Fatal(err)
	}
	if got := collect(t, s, "ch", ""); len(got) != 0 {
		t.Fatalf("dropped channel must be empty, got %v", got)
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	s := New(0)
	seed(t, s, "a", 2)
	seed(t, s, "b", 4)
	if got := collect(t, s, "a", ""); len(got) != 2 {
		t.Fatalf("channel a: %v", got)
	}
	if got := collect(t, s, "b", ""); len(got) != 4 {
		t.Fatalf("channel b: %v", got)
	}
}
