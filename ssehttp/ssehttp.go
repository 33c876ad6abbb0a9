// Package ssehttp adapts net/http to the stream engine's transport
// boundary. It negotiates the text/event-stream content type, extracts the
// client identity the registry needs for admission accounting, reads the
// Last-Event-ID resumption marker, and wraps the ResponseWriter in a
// serialized, context-aware transport.
package ssehttp

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/sse-server-go/connections"
	"github.com/ggoodman/sse-server-go/internal/logctx"
	"github.com/ggoodman/sse-server-go/stream"
)

var (
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// ErrNotAcceptable is returned by Accept when the request's Accept header
// does not admit text/event-stream.
var ErrNotAcceptable = errors.New("client does not accept text/event-stream")

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush
// (no http.Flusher), so server push is impossible.
var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// Accept upgrades an HTTP exchange to a push stream. Content negotiation
// and flusher discovery happen first; then the engine runs its admission
// check before committing any response bytes, so a rejected connection can
// still receive an ordinary error status via WriteError.
//
// Client IP (X-Forwarded-For aware) and User-Agent are attached for the
// registry's per-client accounting; a request-scoped correlation id is
// stamped on the context so events sent under it inherit it.
func Accept(w http.ResponseWriter, r *http.Request, opts ...stream.Option) (*stream.Stream, error) {
	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			return nil, ErrNotAcceptable
		}
	}
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	t := NewTransport(w, f, r)
	all := make([]stream.Option, 0, len(opts)+1)
	all = append(all, stream.WithClientInfo(ClientIP(r), r.UserAgent()))
	all = append(all, opts...)
	return stream.New(ctx, t, all...)
}

// WriteError maps an Accept failure onto a conventional HTTP status. Safe
// only when Accept failed: admission rejections happen before the stream
// commits its headers.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotAcceptable):
		http.Error(w, "text/event-stream required", http.StatusNotAcceptable)
	case errors.Is(err, ErrStreamingUnsupported):
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
	case errors.Is(err, connections.ErrDuplicateID):
		http.Error(w, "stream id already connected", http.StatusConflict)
	case errors.Is(err, connections.ErrPerClientLimit):
		http.Error(w, "too many concurrent streams for client", http.StatusTooManyRequests)
	case errors.Is(err, connections.ErrGlobalLimit):
		http.Error(w, "server at connection capacity", http.StatusServiceUnavailable)
	default:
		http.Error(w, "failed to open stream", http.StatusInternalServerError)
	}
}

// ClientIP resolves the originating client address: the first
// X-Forwarded-For hop when present, otherwise the connection's remote host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
