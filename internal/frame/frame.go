// Package frame encodes text/event-stream wire frames. A frame is a sequence
// of "field: value" lines terminated by a blank line. Payloads containing
// embedded newlines are split across multiple data lines so the client
// reassembles them losslessly.
package frame

import (
	"bytes"
	"strconv"
	"strings"
)

// Event is one encodable protocol frame. Zero-value fields are omitted from
// the wire form. ID and Name must not contain newlines; Encode strips them
// defensively rather than producing a corrupt frame.
type Event struct {
	ID    string
	Name  string
	Data  string
	Retry int
}

// Encode renders the frame in wire order: id, retry, event, data lines,
// terminating blank line.
func Encode(ev Event) []byte {
	var b bytes.Buffer
	if ev.ID != "" {
		b.WriteString("id: ")
		b.WriteString(sanitize(ev.ID))
		b.WriteByte('\n')
	}
	if ev.Retry > 0 {
		b.WriteString("retry: ")
		b.WriteString(strconv.Itoa(ev.Retry))
		b.WriteByte('\n')
	}
	if ev.Name != "" {
		b.WriteString("event: ")
		b.WriteString(sanitize(ev.Name))
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// Comment renders a comment frame (": <text>"). Comments are ignored by
// conforming clients but keep intermediaries from idling out the connection.
func Comment(text string) []byte {
	var b bytes.Buffer
	for _, line := range strings.Split(text, "\n") {
		b.WriteString(": ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// Retry renders a standalone retry hint frame.
func Retry(ms int) []byte {
	return []byte("retry: " + strconv.Itoa(ms) + "\n\n")
}

// EncodedSize reports the wire size of the frame without allocating it twice.
func EncodedSize(ev Event) int {
	n := 0
	if ev.ID != "" {
		n += len("id: ") + len(ev.ID) + 1
	}
	if ev.Retry > 0 {
		n += len("retry: ") + len(strconv.Itoa(ev.Retry)) + 1
	}
	if ev.Name != "" {
		n += len("event: ") + len(ev.Name) + 1
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		n += len("data: ") + len(line) + 1
	}
	return n + 1
}

func sanitize(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", " ")
}
