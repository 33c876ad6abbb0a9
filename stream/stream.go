package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/sse-server-go/backpressure"
	"github.com/ggoodman/sse-server-go/connections"
	"github.com/ggoodman/sse-server-go/internal/frame"
	"github.com/ggoodman/sse-server-go/internal/logctx"
	"github.com/ggoodman/sse-server-go/replay"
)

// State is the stream lifecycle phase. The only terminal transition is
// connected -> closed; re-entering closed is a no-op.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateClosed     State = "closed"
)

const lastEventIDHeader = "Last-Event-ID"

// Stream is one server-push connection: a state machine that frames protocol
// events, buffers them against a possibly slow transport, applies the
// configured overflow strategy, emits heartbeats, and supervises its own
// teardown. A Stream is safe for concurrent use.
type Stream struct {
	id  string
	t   Transport
	log *slog.Logger
	cfg *newConfig
	reg *connections.Registry

	watchCancel  context.CancelFunc
	resumeMarker string

	mu             sync.Mutex
	state          State
	writable       bool
	closeReason    string
	closeReconnect bool
	buf            []Event
	bufBytes       int64
	seq            uint64 // last assigned sequence id
	flushing       bool
	pressured      bool
	lastWriteAt    time.Time
	m              Metrics
	closeFns       []func()
	subs           map[chan Event]struct{}
	emptyWaiters   []chan struct{}
	closedCh       chan struct{}
}

// New binds a stream to a transport. In order: registry admission (a
// rejected connection never commits any response bytes), disconnect
// detection on both transport halves, response header commit, heartbeat,
// transition to connected, and a comment frame announcing the stream is
// live. A numeric Last-Event-ID on the inbound request seeds the sequence
// counter so ids continue from marker+1.
func New(ctx context.Context, t Transport, opts ...Option) (*Stream, error) {
	if t == nil {
		return nil, errors.New("transport is required")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.policy != nil {
		if errs := backpressure.Validate(*cfg.policy); len(errs) > 0 {
			return nil, fmt.Errorf("invalid backpressure policy: %w", errs[0])
		}
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}

	s := &Stream{
		id:       cfg.id,
		t:        t,
		log:      cfg.logger,
		cfg:      cfg,
		state:    StateConnecting,
		subs:     make(map[chan Event]struct{}),
		closedCh: make(chan struct{}),
	}

	if marker := t.Header(lastEventIDHeader); marker != "" {
		if n, err := strconv.ParseUint(marker, 10, 64); err == nil {
			s.seq = n
			s.resumeMarker = marker
		}
	}

	if cfg.registry != nil {
		meta := &connections.Meta{ClientIP: cfg.clientIP, UserAgent: cfg.userAgent}
		if err := cfg.registry.Add(s.id, s, meta); err != nil {
			return nil, err
		}
		s.reg = cfg.registry
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.watchCancel = cancel
	go s.watchDisconnect(watchCtx)

	if err := t.CommitHeaders(200, map[string]string{
		"Content-Type":      "text/event-stream",
		"Cache-Control":     "no-cache",
		"Connection":        "keep-alive",
		"X-Accel-Buffering": "no",
	}); err != nil {
		cancel()
		if s.reg != nil {
			s.reg.Remove(s.id)
		}
		return nil, fmt.Errorf("commit stream headers: %w", err)
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// The disconnect watcher can observe a peer that vanished while the
		// headers were committing and close the stream first. Closed is
		// terminal; report it instead of resurrecting the stream.
		cerr := &ClosedError{StreamID: s.id, Reason: s.closeReason, Reconnect: s.closeReconnect}
		s.mu.Unlock()
		cancel()
		return nil, cerr
	}
	s.state = StateConnected
	s.writable = true
	s.lastWriteAt = time.Now()
	s.mu.Unlock()

	if cfg.heartbeat > 0 {
		go s.runHeartbeat(watchCtx)
	}

	s.cfg.recorder.ConnOpened()
	s.writeDirect(frame.Comment("stream " + s.id + " ready"))
	if cfg.retryHint > 0 {
		s.writeDirect(frame.Retry(cfg.retryHint))
	}

	s.log.InfoContext(ctx, "stream.open", slog.String("stream_id", s.id), slog.Uint64("seq", s.seq))
	return s, nil
}

// ID returns the stream identifier used for registry accounting.
func (s *Stream) ID() string { return s.id }

// State returns the current lifecycle phase.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Writable reports whether the stream can still deliver events.
func (s *Stream) Writable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writable
}

// BufferSize returns current buffer occupancy.
func (s *Stream) BufferSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// UnderPressure reports whether occupancy has crossed the policy's high
// watermark and not yet drained back below the low one. Producers honoring
// a pause strategy should throttle while this is set.
func (s *Stream) UnderPressure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pressured
}

// LastEventAt is the instant of the last successfully delivered event, or
// the zero time.
func (s *Stream) LastEventAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.LastEventAt
}

// Metrics returns a snapshot copy of the stream's counters.
func (s *Stream) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m
}

// Send buffers one named event for delivery and triggers an asynchronous
// flush. It fails synchronously with a ClosedError, TooLargeError, or (for
// the close strategy) an OverflowError; eviction strategies resolve
// overflow internally and report success. Payloads are framed as-is when
// string or []byte and JSON-encoded otherwise.
func (s *Stream) Send(ctx context.Context, event string, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode payload for event %q: %w", event, err)
	}

	s.mu.Lock()
	if s.state != StateConnected || !s.writable {
		cerr := &ClosedError{StreamID: s.id, Reason: s.closeReason, Reconnect: s.closeReconnect}
		s.mu.Unlock()
		return cerr
	}

	nextID := strconv.FormatUint(s.seq+1, 10)
	size := frame.EncodedSize(frame.Event{ID: nextID, Name: event, Data: data})
	if s.cfg.maxEventSize > 0 && size > s.cfg.maxEventSize {
		terr := &TooLargeError{StreamID: s.id, Size: size, Limit: s.cfg.maxEventSize}
		s.mu.Unlock()
		return terr
	}

	if s.atCapacityLocked(size) {
		strategy := s.effectiveStrategy()
		switch strategy {
		case backpressure.StrategyClose:
			oerr := &OverflowError{StreamID: s.id, BufferSize: len(s.buf), MaxSize: s.capacity(), Strategy: strategy}
			s.mu.Unlock()
			_ = s.Close()
			return oerr
		case backpressure.StrategyDropNewest:
			// A dropped event never consumes a sequence id.
			s.m.EventsDropped++
			s.cfg.recorder.EventsDiscarded(1)
			s.mu.Unlock()
			return nil
		case backpressure.StrategySample:
			if rate := s.sampleRate(); rand.Float64() > rate {
				s.m.EventsDropped++
				s.cfg.recorder.EventsDiscarded(1)
				s.mu.Unlock()
				return nil
			}
			s.evictOldestLocked(size)
		default:
			// drop-oldest, pause, and anything unrecognized: the buffer never
			// grows past capacity, so evict from the front.
			s.evictOldestLocked(size)
		}
	}

	s.seq++
	ev := Event{
		ID:            nextID,
		Name:          event,
		Data:          data,
		Size:          size,
		CreatedAt:     time.Now(),
		CorrelationID: logctx.CorrelationID(ctx),
	}
	s.appendLocked(ev)
	s.startFlushLocked()
	s.mu.Unlock()
	return nil
}

// SendError emits a structured error event through the normal send path.
// It is a no-op on an unwritable stream and swallows secondary failures so
// an error on the error path never escapes into unrelated code.
func (s *Stream) SendError(ctx context.Context, cause error) {
	if cause == nil {
		return
	}
	s.mu.Lock()
	writable := s.state == StateConnected && s.writable
	s.mu.Unlock()
	if !writable {
		return
	}

	payload := map[string]any{
		"message":   cause.Error(),
		"name":      fmt.Sprintf("%T", cause),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if cid := logctx.CorrelationID(ctx); cid != "" {
		payload["correlationId"] = cid
	}
	if s.cfg.debug {
		payload["stack"] = string(debug.Stack())
	}
	if err := s.Send(ctx, "error", payload); err != nil {
		s.log.DebugContext(ctx, "stream.send_error.fail", slog.String("stream_id", s.id), slog.String("err", err.Error()))
	}
}

// Ping writes a comment keepalive frame directly, bypassing the buffer.
// Pings cannot be dropped by an overflow strategy.
func (s *Stream) Ping(comment string) error {
	s.mu.Lock()
	if s.state != StateConnected || !s.writable {
		cerr := &ClosedError{StreamID: s.id, Reason: s.closeReason, Reconnect: s.closeReconnect}
		s.mu.Unlock()
		return cerr
	}
	s.mu.Unlock()
	if comment == "" {
		comment = "ping"
	}
	s.writeDirect(frame.Comment(comment))
	return nil
}

// SetRetry writes a retry hint frame advising the peer's reconnect backoff.
// Negative, NaN, or infinite intervals are rejected; fractional
// milliseconds are floored.
func (s *Stream) SetRetry(ms float64) error {
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidRetry, ms)
	}
	s.mu.Lock()
	if s.state != StateConnected || !s.writable {
		cerr := &ClosedError{StreamID: s.id, Reason: s.closeReason, Reconnect: s.closeReconnect}
		s.mu.Unlock()
		return cerr
	}
	s.mu.Unlock()
	s.writeDirect(frame.Retry(int(math.Floor(ms))))
	return nil
}

// Flush blocks until the buffer has fully drained, the stream closes, or
// ctx is done. On a stream that can no longer deliver it fails immediately
// with a ClosedError instead of waiting for events that will never move.
func (s *Stream) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnected || !s.writable {
		cerr := &ClosedError{StreamID: s.id, Reason: s.closeReason, Reconnect: s.closeReconnect}
		s.mu.Unlock()
		return cerr
	}
	if len(s.buf) == 0 && !s.flushing {
		s.mu.Unlock()
		return nil
	}
	s.startFlushLocked()
	done := make(chan struct{})
	s.emptyWaiters = append(s.emptyWaiters, done)
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-s.closedCh:
		return &ClosedError{StreamID: s.id, Reason: "closed while flushing", Reconnect: false}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnClose registers fn to run when the stream reaches its terminal state.
// If the stream is already closed, fn runs asynchronously but is guaranteed
// to execute. Panicking callbacks are isolated and logged; one failing
// callback never suppresses its siblings.
func (s *Stream) OnClose(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		go s.runCloseCallback(fn)
		return
	}
	s.closeFns = append(s.closeFns, fn)
	s.mu.Unlock()
}

// Close transitions the stream to its terminal state: emits a final close
// frame (best effort), ends the transport, cancels the heartbeat and
// disconnect watch, deregisters from the registry, and runs every close
// callback. Idempotent; a second call observes nothing.
func (s *Stream) Close() error {
	return s.close("closed by server", false)
}

func (s *Stream) close(reason string, reconnect bool) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	wasConnected := s.state == StateConnected
	s.state = StateClosed
	wasWritable := s.writable
	s.writable = false
	s.closeReason = reason
	s.closeReconnect = reconnect
	cbs := s.closeFns
	s.closeFns = nil
	subs := s.subs
	s.subs = nil
	s.buf = nil
	s.bufBytes = 0
	close(s.closedCh)
	s.mu.Unlock()

	if wasWritable {
		body, _ := json.Marshal(map[string]any{"reason": reason, "reconnect": reconnect})
		err := s.t.Write(frame.Encode(frame.Event{Name: "close", Data: string(body)}))
		if err != nil && !errors.Is(err, ErrBackpressure) {
			s.log.Debug("stream.close.frame_err", slog.String("stream_id", s.id), slog.String("err", err.Error()))
		}
	}
	_ = s.t.Close()
	s.watchCancel()
	if s.reg != nil {
		s.reg.Remove(s.id)
	}
	if wasConnected {
		// A stream closed while still connecting never counted as open.
		s.cfg.recorder.ConnClosed()
	}

	for _, fn := range cbs {
		s.runCloseCallback(fn)
	}
	for ch := range subs {
		close(ch)
	}

	s.log.Info("stream.close.ok", slog.String("stream_id", s.id), slog.String("reason", reason), slog.Bool("reconnect", reconnect))
	return nil
}

func (s *Stream) runCloseCallback(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("stream.close.callback_panic", slog.String("stream_id", s.id), slog.Any("panic", p))
		}
	}()
	fn()
}

// --- buffering internals (s.mu held) ---

func (s *Stream) capacity() int {
	if s.cfg.policy != nil {
		return s.cfg.policy.Watermarks.High
	}
	return s.cfg.maxBufferSize
}

func (s *Stream) effectiveStrategy() backpressure.Strategy {
	if s.cfg.policy != nil {
		return s.cfg.policy.Strategy
	}
	return s.cfg.strategy
}

func (s *Stream) sampleRate() float64 {
	if s.cfg.policy != nil && s.cfg.policy.Sampling != nil {
		return s.cfg.policy.Sampling.Rate
	}
	return 1
}

func (s *Stream) atCapacityLocked(incomingSize int) bool {
	if len(s.buf) >= s.capacity() {
		return true
	}
	if s.cfg.policy != nil {
		if mb := s.cfg.policy.Limits.MaxBytes; mb > 0 && s.bufBytes+int64(incomingSize) > mb {
			return true
		}
	}
	return false
}

// evictOldestLocked drops from the front until the incoming event fits
// under capacity, so the buffer never exceeds its bound after a send
// resolves.
func (s *Stream) evictOldestLocked(incomingSize int) {
	dropped := 0
	for len(s.buf) > 0 && s.atCapacityLocked(incomingSize) {
		s.bufBytes -= int64(s.buf[0].Size)
		s.buf = s.buf[1:]
		dropped++
	}
	if dropped > 0 {
		s.m.EventsDropped += uint64(dropped)
		s.cfg.recorder.EventsDiscarded(dropped)
	}
}

func (s *Stream) appendLocked(ev Event) {
	s.buf = append(s.buf, ev)
	s.bufBytes += int64(ev.Size)
	if n := len(s.buf); n > s.m.MaxBufferObserved {
		s.m.MaxBufferObserved = n
	}
	s.updatePressureLocked()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Slow iterator: skip rather than block the send path.
		}
	}
}

func (s *Stream) updatePressureLocked() {
	if s.cfg.policy == nil {
		s.pressured = len(s.buf) >= s.cfg.maxBufferSize
		return
	}
	switch {
	case len(s.buf) >= s.cfg.policy.Watermarks.High:
		s.pressured = true
	case len(s.buf) <= s.cfg.policy.Watermarks.Low:
		s.pressured = false
	}
}

func (s *Stream) startFlushLocked() {
	if s.flushing || !s.writable {
		return
	}
	s.flushing = true
	go s.flushLoop()
}

// flushLoop delivers buffered events in FIFO order. On transport
// backpressure the event is requeued at the front and the loop suspends
// until the sink drains. A transport failure marks the stream unwritable;
// the error is logged, never thrown out of the loop.
func (s *Stream) flushLoop() {
	for {
		s.mu.Lock()
		if len(s.buf) == 0 || !s.writable {
			s.flushing = false
			s.updatePressureLocked()
			if len(s.buf) == 0 {
				for _, w := range s.emptyWaiters {
					close(w)
				}
				s.emptyWaiters = nil
			}
			s.mu.Unlock()
			return
		}
		ev := s.buf[0]
		s.buf = s.buf[1:]
		s.bufBytes -= int64(ev.Size)
		timeout := time.Duration(0)
		if s.cfg.policy != nil {
			timeout = s.cfg.policy.Limits.MessageTimeout
		}
		s.mu.Unlock()

		if timeout > 0 && time.Since(ev.CreatedAt) > timeout {
			s.mu.Lock()
			s.m.EventsDropped++
			s.mu.Unlock()
			s.cfg.recorder.EventsDiscarded(1)
			continue
		}

		b := frame.Encode(frame.Event{ID: ev.ID, Name: ev.Name, Data: ev.Data})
		err := s.t.Write(b)
		if errors.Is(err, ErrBackpressure) {
			s.mu.Lock()
			s.buf = append([]Event{ev}, s.buf...)
			s.bufBytes += int64(ev.Size)
			s.mu.Unlock()
			select {
			case <-s.t.Drain():
				continue
			case <-s.closedCh:
				s.mu.Lock()
				s.flushing = false
				s.mu.Unlock()
				return
			}
		}
		if err != nil {
			s.mu.Lock()
			s.flushing = false
			s.mu.Unlock()
			s.log.Warn("stream.flush.write_err", slog.String("stream_id", s.id), slog.String("err", err.Error()))
			s.markUnwritable("transport write failed", true)
			// Route through the error-notification path; on an unwritable
			// stream this is a logged no-op rather than a throw.
			s.SendError(context.Background(), err)
			return
		}

		now := time.Now()
		s.mu.Lock()
		s.m.EventsSent++
		s.m.BytesWritten += uint64(len(b))
		s.m.LastEventAt = now
		s.lastWriteAt = now
		s.updatePressureLocked()
		s.mu.Unlock()
		s.cfg.recorder.EventSent(len(b))

		if s.cfg.history != nil {
			hctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			hev := historyEvent(ev)
			if herr := s.cfg.history.Append(hctx, s.cfg.historyKey, hev); herr != nil {
				s.log.Debug("stream.history.append_err", slog.String("stream_id", s.id), slog.String("err", herr.Error()))
			}
			cancel()
		}
	}
}

func (s *Stream) markUnwritable(reason string, reconnect bool) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.writable = false
	s.closeReason = reason
	s.closeReconnect = reconnect
	s.mu.Unlock()
}

// writeDirect sends a frame that bypasses the buffer (comments, retry
// hints). Backpressure skips the frame; data is flowing, so the keepalive is
// redundant anyway. Other failures mark the stream unwritable.
func (s *Stream) writeDirect(b []byte) {
	err := s.t.Write(b)
	if err == nil {
		s.mu.Lock()
		s.lastWriteAt = time.Now()
		s.mu.Unlock()
		return
	}
	if errors.Is(err, ErrBackpressure) {
		return
	}
	s.log.Debug("stream.direct.write_err", slog.String("stream_id", s.id), slog.String("err", err.Error()))
	s.markUnwritable("transport write failed", true)
}

func (s *Stream) runHeartbeat(ctx context.Context) {
	t := time.NewTicker(s.cfg.heartbeat)
	defer t.Stop()
	idle := time.Duration(float64(s.cfg.heartbeat) * 0.9)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closedCh:
			return
		case <-t.C:
			s.mu.Lock()
			quiet := time.Since(s.lastWriteAt) >= idle
			writable := s.state == StateConnected && s.writable
			s.mu.Unlock()
			if quiet && writable {
				s.writeDirect(frame.Comment("ping"))
			}
		}
	}
}

func (s *Stream) watchDisconnect(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-s.closedCh:
		return
	case <-s.t.ReadClosed():
	case <-s.t.WriteClosed():
	}
	s.log.Info("stream.peer.disconnect", slog.String("stream_id", s.id))
	if s.cfg.autoClose {
		_ = s.close("peer disconnected", true)
		return
	}
	s.markUnwritable("peer disconnected", true)
}

func encodePayload(payload any) (string, error) {
	switch v := payload.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func historyEvent(ev Event) replay.Event {
	return replay.Event{ID: ev.ID, Name: ev.Name, Data: ev.Data, CreatedAt: ev.CreatedAt}
}

var _ connections.Conn = (*Stream)(nil)
