package ssehttp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/sse-server-go/connections"
	"github.com/ggoodman/sse-server-go/stream"
)

func sseRequest(target string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	r.Header.Set("Accept", "text/event-stream")
	return r
}

func TestAcceptRejectsWrongAcceptHeader(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/events", nil)
	r.Header.Set("Accept", "application/json")

	_, err := Accept(w, r, stream.WithHeartbeat(0))
	if !errors.Is(err, ErrNotAcceptable) {
		t.Fatalf("want ErrNotAcceptable, got %v", err)
	}
	WriteError(w, err)
	if w.Code != http.StatusNotAcceptable {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestAcceptCommitsSSEHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	s, err := Accept(w, sseRequest("/events"), stream.WithHeartbeat(0))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer s.Close()

	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content-type: %q", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("cache-control: %q", got)
	}
	if !strings.Contains(w.Body.String(), ": stream ") {
		t.Fatalf("missing ready comment: %q", w.Body.String())
	}
}

func TestAcceptSendDeliversFrames(t *testing.T) {
	w := httptest.NewRecorder()
	s, err := Accept(w, sseRequest("/events"), stream.WithHeartbeat(0))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Send(context.Background(), "greeting", "hello"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	body := w.Body.String()
	if !strings.Contains(body, "id: 1\nevent: greeting\ndata: hello\n\n") {
		t.Fatalf("frame missing from body: %q", body)
	}
}

func TestAdmissionRejectionMapsToStatus(t *testing.T) {
	reg := connections.NewRegistry(connections.Config{MaxConnections: 1}, nil)
	defer reg.Shutdown()

	w1 := httptest.NewRecorder()
	s1, err := Accept(w1, sseRequest("/events"), stream.WithHeartbeat(0), stream.WithRegistry(reg))
	if err != nil {
		t.Fatal(err)
	}
	defer s1.Close()

	w2 := httptest.NewRecorder()
	_, err = Accept(w2, sseRequest("/events"), stream.WithHeartbeat(0), stream.WithRegistry(reg))
	if !errors.Is(err, connections.ErrGlobalLimit) {
		t.Fatalf("want ErrGlobalLimit, got %v", err)
	}
	WriteError(w2, err)
	if w2.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: %d", w2.Code)
	}
	if strings.Contains(w2.Header().Get("Content-Type"), "text/event-stream") {
		t.Fatal("rejected connection must not carry stream headers")
	}
}

func TestPerClientLimitMapsTo429(t *testing.T) {
	reg := connections.NewRegistry(connections.Config{MaxPerClient: 1}, nil)
	defer reg.Shutdown()

	r1 := sseRequest("/events")
	r1.Header.Set("X-Forwarded-For", "203.0.113.9")
	w1 := httptest.NewRecorder()
	s1, err := Accept(w1, r1, stream.WithHeartbeat(0), stream.WithRegistry(reg))
	if err != nil {
		t.Fatal(err)
	}
	defer s1.Close()

	r2 := sseRequest("/events")
	r2.Header.Set("X-Forwarded-For", "203.0.113.9")
	w2 := httptest.NewRecorder()
	_, err = Accept(w2, r2, stream.WithHeartbeat(0), stream.WithRegistry(reg))
	if !errors.Is(err, connections.ErrPerClientLimit) {
		t.Fatalf("want ErrPerClientLimit, got %v", err)
	}
	WriteError(w2, err)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("status: %d", w2.Code)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.7:54321"
	if got := ClientIP(r); got != "192.0.2.7" {
		t.Fatalf("remote addr ip: %q", got)
	}

	r.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
	if got := ClientIP(r); got != "198.51.100.4" {
		t.Fatalf("xff ip: %q", got)
	}
}

func TestTransportCommitHeadersOnce(t *testing.T) {
	w := httptest.NewRecorder()
	tr := NewTransport(w, w, httptest.NewRequest(http.MethodGet, "/", nil))
	if err := tr.CommitHeaders(200, map[string]string{"X-A": "1"}); err != nil {
		t.Fatal(err)
	}
	if err := tr.CommitHeaders(200, nil); err == nil {
		t.Fatal("second commit must fail")
	}
}

func TestTransportWriteAfterRequestCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	tr := NewTransport(w, w, r)

	cancel()
	if err := tr.Write([]byte("data: x\n\n")); err == nil {
		t.Fatal("write after cancellation must fail")
	}
	select {
	case <-tr.ReadClosed():
	default:
		t.Fatal("ReadClosed must reflect request cancellation")
	}
}

func TestEndToEndOverHTTP(t *testing.T) {
	streamed := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := Accept(w, r, stream.WithHeartbeat(0))
		if err != nil {
			WriteError(w, err)
			streamed <- err
			return
		}
		for i := 1; i <= 3; i++ {
			if err := s.Send(r.Context(), "tick", fmt.Sprintf("t%d", i)); err != nil {
				streamed <- err
				return
			}
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Flush(ctx); err != nil {
			streamed <- err
			return
		}
		streamed <- s.Close()
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if want, got := "text/event-stream", resp.Header.Get("Content-Type"); want != got {
		t.Fatalf("content-type: %q", got)
	}

	var ids []string
	var closeSeen bool
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
		if line == "event: close" {
			closeSeen = true
		}
	}
	if err := <-streamed; err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(ids) != 3 || ids[0] != "1" || ids[2] != "3" {
		t.Fatalf("ids over the wire: %v", ids)
	}
	if !closeSeen {
		t.Fatal("close frame never reached the client")
	}
}
