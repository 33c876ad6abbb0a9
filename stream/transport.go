package stream

// Transport is the collaborator-supplied half-duplex boundary the engine
// writes through. Implementations adapt a concrete server framework (see
// ssehttp for net/http) or a test double.
//
// Write semantics: a nil return means the frame was accepted; ErrBackpressure
// means the sink cannot take more data right now and the caller must wait on
// Drain before retrying the same frame; any other error is a transport
// failure and the sink should be considered dead.
type Transport interface {
	// Header reads a named inbound request header ("" when absent). Used for
	// the Last-Event-ID resumption marker.
	Header(name string) string

	// CommitHeaders sets the outbound status and headers. It must be called
	// exactly once, before any body bytes are written.
	CommitHeaders(status int, headers map[string]string) error

	// Write sends one encoded frame.
	Write(p []byte) error

	// Drain returns a channel that is signaled (or closed) once a previously
	// backpressured sink can accept more writes.
	Drain() <-chan struct{}

	// ReadClosed is closed when the inbound half of the transport goes away.
	ReadClosed() <-chan struct{}

	// WriteClosed is closed when the outbound half reports closure or error.
	WriteClosed() <-chan struct{}

	// Close ends the response body. Idempotent.
	Close() error
}
