package stream

import "time"

// Event is one outbound protocol event awaiting delivery. The sequence id is
// the string form of a per-stream monotonic counter; it is never reused for
// the lifetime of the connection.
type Event struct {
	ID            string
	Name          string
	Data          string
	Size          int // estimated wire size in bytes
	CreatedAt     time.Time
	CorrelationID string
}

// Metrics is a point-in-time snapshot of a stream's counters. The engine
// mutates its internal copy in place; Stream.Metrics returns a defensive
// copy so callers cannot corrupt the live counters.
type Metrics struct {
	EventsSent        uint64
	EventsDropped     uint64
	BytesWritten      uint64
	MaxBufferObserved int
	LastEventAt       time.Time
}
