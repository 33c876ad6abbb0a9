package frame

import (
	"strings"
	"testing"
)

func TestEncodeFieldOrder(t *testing.T) {
	got := string(Encode(Event{ID: "7", Name: "update", Data: "hello"}))
	want := "id: 7\nevent: update\ndata: hello\n\n"
	if got != want {
		t.Fatalf("unexpected frame: want %q got %q", want, got)
	}
}

func TestEncodeMultilineData(t *testing.T) {
	got := string(Encode(Event{Name: "doc", Data: "line 1\nline 2\nline 3"}))
	want := "event: doc\ndata: line 1\ndata: line 2\ndata: line 3\n\n"
	if got != want {
		t.Fatalf("unexpected frame: want %q got %q", want, got)
	}
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	got := string(Encode(Event{Data: "x"}))
	if strings.Contains(got, "id:") || strings.Contains(got, "event:") {
		t.Fatalf("empty fields must be omitted, got %q", got)
	}
	if got != "data: x\n\n" {
		t.Fatalf("unexpected frame: %q", got)
	}
}

func TestEncodeSanitizesHeaderFields(t *testing.T) {
	got := string(Encode(Event{ID: "1\ninjected", Name: "up\ndate", Data: "d"}))
	if strings.Count(got, "\n\n") != 1 {
		t.Fatalf("newlines in id/event must not split the frame: %q", got)
	}
}

func TestComment(t *testing.T) {
	if got := string(Comment("ping")); got != ": ping\n\n" {
		t.Fatalf("unexpected comment frame: %q", got)
	}
}

func TestRetry(t *testing.T) {
	if got := string(Retry(3000)); got != "retry: 3000\n\n" {
		t.Fatalf("unexpected retry frame: %q", got)
	}
}

func TestEncodedSizeMatchesEncode(t *testing.T) {
	cases := []Event{
		{ID: "12", Name: "update", Data: "hello world"},
		{Name: "multi", Data: "a\nb\nc"},
		{Data: ""},
		{ID: "1", Retry: 1500, Name: "x", Data: "y"},
	}
	for _, ev := range cases {
		if want, got := len(Encode(ev)), EncodedSize(ev); want != got {
			t.Fatalf("size mismatch for %+v: want %d got %d", ev, want, got)
		}
	}
}
