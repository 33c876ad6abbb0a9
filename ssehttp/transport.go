package ssehttp

import (
	"errors"
	"net/http"
	"sync"

	"github.com/ggoodman/sse-server-go/stream"
)

// Transport implements stream.Transport over an http.ResponseWriter. Writes
// are serialized and flushed per frame; net/http blocks rather than
// reporting backpressure, so Drain returns an always-ready channel and the
// engine's requeue path only engages with transports that do.
type Transport struct {
	r *http.Request
	f http.Flusher

	mu        sync.Mutex
	w         http.ResponseWriter
	committed bool

	closeOnce   sync.Once
	writeClosed chan struct{}
	drainReady  chan struct{}
}

// NewTransport wraps a ResponseWriter/Request pair. The Flusher must come
// from the same writer.
func NewTransport(w http.ResponseWriter, f http.Flusher, r *http.Request) *Transport {
	ready := make(chan struct{})
	close(ready)
	return &Transport{r: r, w: w, f: f, writeClosed: make(chan struct{}), drainReady: ready}
}

func (t *Transport) Header(name string) string { return t.r.Header.Get(name) }

func (t *Transport) CommitHeaders(status int, headers map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		return errors.New("headers already committed")
	}
	t.committed = true
	for k, v := range headers {
		t.w.Header().Set(k, v)
	}
	t.w.WriteHeader(status)
	t.f.Flush()
	return nil
}

func (t *Transport) Write(p []byte) error {
	if err := t.r.Context().Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation.
	if err := t.r.Context().Err(); err != nil {
		return err
	}
	if _, err := t.w.Write(p); err != nil {
		t.markWriteClosed()
		return err
	}
	t.f.Flush()
	return nil
}

func (t *Transport) Drain() <-chan struct{} { return t.drainReady }

func (t *Transport) ReadClosed() <-chan struct{} { return t.r.Context().Done() }

func (t *Transport) WriteClosed() <-chan struct{} { return t.writeClosed }

// Close marks the outbound half done. The response body itself ends when
// the handler returns; there is nothing to tear down on a ResponseWriter.
func (t *Transport) Close() error {
	t.markWriteClosed()
	return nil
}

func (t *Transport) markWriteClosed() {
	t.closeOnce.Do(func() { close(t.writeClosed) })
}

var _ stream.Transport = (*Transport)(nil)
