package stream

import (
	"log/slog"
	"time"

	"github.com/ggoodman/sse-server-go/backpressure"
	"github.com/ggoodman/sse-server-go/connections"
	"github.com/ggoodman/sse-server-go/metrics"
	"github.com/ggoodman/sse-server-go/replay"
)

// Option configures a Stream at construction time.
type Option func(*newConfig)

type newConfig struct {
	id            string
	registry      *connections.Registry
	clientIP      string
	userAgent     string
	logger        *slog.Logger
	heartbeat     time.Duration
	maxEventSize  int
	maxBufferSize int
	strategy      backpressure.Strategy
	policy        *backpressure.Policy
	autoClose     bool
	debug         bool
	retryHint     int
	history       replay.Store
	historyKey    string
	recorder      *metrics.Recorder
}

func defaultConfig() *newConfig {
	return &newConfig{
		logger:        slog.Default(),
		heartbeat:     30 * time.Second,
		maxEventSize:  1 << 20, // 1 MiB framed
		maxBufferSize: 256,
		strategy:      backpressure.StrategyDropOldest,
		autoClose:     true,
	}
}

// WithID fixes the stream id. When unset a random UUID is assigned.
func WithID(id string) Option {
	return func(c *newConfig) { c.id = id }
}

// WithRegistry routes construction through admission control. A stream built
// without a registry is unsupervised: no limits, no reclamation.
func WithRegistry(r *connections.Registry) Option {
	return func(c *newConfig) { c.registry = r }
}

// WithClientInfo supplies the metadata the registry uses for per-client
// admission accounting.
func WithClientInfo(ip, userAgent string) Option {
	return func(c *newConfig) { c.clientIP = ip; c.userAgent = userAgent }
}

// WithLogger sets the slog logger. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHeartbeat sets the keepalive interval. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(c *newConfig) { c.heartbeat = d }
}

// WithMaxEventSize caps the framed wire size of a single event.
func WithMaxEventSize(n int) Option {
	return func(c *newConfig) { c.maxEventSize = n }
}

// WithMaxBufferSize caps buffer occupancy when no policy is configured.
func WithMaxBufferSize(n int) Option {
	return func(c *newConfig) { c.maxBufferSize = n }
}

// WithOverflow selects the overflow strategy applied at capacity. Unlike a
// backpressure.Policy, the per-stream strategy additionally accepts
// backpressure.StrategyClose.
func WithOverflow(s backpressure.Strategy) Option {
	return func(c *newConfig) { c.strategy = s }
}

// WithPolicy applies a validated backpressure policy. The policy's high
// watermark becomes the effective buffer capacity and its strategy overrides
// the per-stream one.
func WithPolicy(p backpressure.Policy) Option {
	return func(c *newConfig) { c.policy = &p }
}

// WithAutoClose controls whether a transport disconnect closes the stream
// automatically. Default true.
func WithAutoClose(v bool) Option {
	return func(c *newConfig) { c.autoClose = v }
}

// WithDebug includes stack traces in error events. Never enable in a
// production posture.
func WithDebug(v bool) Option {
	return func(c *newConfig) { c.debug = v }
}

// WithRetryHint emits a retry frame immediately after connect, advising the
// peer's reconnect backoff in milliseconds.
func WithRetryHint(ms int) Option {
	return func(c *newConfig) { c.retryHint = ms }
}

// WithHistory mirrors every delivered event into a replay store under the
// given channel key, enabling reconnect replay beyond the live buffer.
func WithHistory(store replay.Store, channel string) Option {
	return func(c *newConfig) { c.history = store; c.historyKey = channel }
}

// WithMetricsRecorder feeds the Prometheus collectors. Nil-safe.
func WithMetricsRecorder(r *metrics.Recorder) Option {
	return func(c *newConfig) { c.recorder = r }
}
