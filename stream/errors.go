package stream

import (
	"errors"
	"fmt"

	"github.com/ggoodman/sse-server-go/backpressure"
)

var (
	// ErrStreamClosed matches any ClosedError via errors.Is.
	ErrStreamClosed = errors.New("stream is closed")
	// ErrBufferOverflow matches any OverflowError via errors.Is.
	ErrBufferOverflow = errors.New("stream buffer overflow")
	// ErrEventTooLarge matches any TooLargeError via errors.Is.
	ErrEventTooLarge = errors.New("event exceeds maximum size")
	// ErrInvalidRetry is returned by SetRetry for a negative, NaN, or
	// infinite interval.
	ErrInvalidRetry = errors.New("invalid retry interval")
	// ErrBackpressure is returned by Transport.Write when the sink cannot
	// accept more data; the writer must wait on Drain before retrying.
	ErrBackpressure = errors.New("transport backpressure")
)

// ClosedError reports an operation attempted on a stream that is no longer
// writable. Reconnect tells the caller whether a fresh connection with the
// last seen event id is worth attempting.
type ClosedError struct {
	StreamID  string
	Reason    string
	Reconnect bool
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("stream %s closed (%s)", e.StreamID, e.Reason)
}

func (e *ClosedError) Is(target error) bool { return target == ErrStreamClosed }

// OverflowError reports an event rejected (or a stream force-closed) because
// the buffer hit its capacity.
type OverflowError struct {
	StreamID   string
	BufferSize int
	MaxSize    int
	Strategy   backpressure.Strategy
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("stream %s buffer overflow: %d/%d (strategy %s)", e.StreamID, e.BufferSize, e.MaxSize, e.Strategy)
}

func (e *OverflowError) Is(target error) bool { return target == ErrBufferOverflow }

// TooLargeError reports a single payload whose framed size exceeds the
// configured ceiling. This is a caller bug, not a transient condition.
type TooLargeError struct {
	StreamID string
	Size     int
	Limit    int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("stream %s event too large: %d > %d bytes", e.StreamID, e.Size, e.Limit)
}

func (e *TooLargeError) Is(target error) bool { return target == ErrEventTooLarge }
