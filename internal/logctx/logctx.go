// Package logctx enriches slog records with request- and stream-scoped
// attributes carried in the context, so call sites log terse event names and
// the handler fills in the ambient identifiers.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(streamDataKey{}).(*StreamData); ok {
		r.AddAttrs(slog.Group("stream",
			slog.String("id", sd.StreamID),
			slog.String("state", sd.State),
			slog.String("client_ip", sd.ClientIP),
		))
	}

	if cid, ok := ctx.Value(correlationKey{}).(string); ok && cid != "" {
		r.AddAttrs(slog.String("correlation_id", cid))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type streamDataKey struct{}

type StreamData struct {
	StreamID string
	State    string
	ClientIP string
}

func WithStreamData(ctx context.Context, data *StreamData) context.Context {
	return context.WithValue(ctx, streamDataKey{}, data)
}

type correlationKey struct{}

// WithCorrelationID stamps the ambient correlation identifier inherited by
// every event sent under this context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the ambient correlation identifier, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
