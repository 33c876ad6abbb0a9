package connections

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joeshaw/envdecode"
)

var (
	// ErrDuplicateID is returned by Add when the id is already registered.
	ErrDuplicateID = errors.New("connection id already registered")
	// ErrGlobalLimit is returned by Add when the process-wide ceiling is hit.
	ErrGlobalLimit = errors.New("global connection limit exceeded")
	// ErrPerClientLimit is returned by Add when one client holds too many
	// concurrent streams.
	ErrPerClientLimit = errors.New("per-client connection limit exceeded")
)

// Conn is the registry's view of a stream. The registry holds a non-owning
// reference: the stream owns its own lifecycle and the registry only reads
// liveness signals and asks it to close during reclamation.
type Conn interface {
	// Writable reports whether the stream can still deliver events.
	Writable() bool
	// LastEventAt is the instant of the last successfully sent event, or the
	// zero time if none has been sent yet.
	LastEventAt() time.Time
	// Close tears the stream down. Must be idempotent.
	Close() error
	// OnClose registers a hook invoked when the stream reaches its terminal
	// state, however that happens.
	OnClose(fn func())
}

// Meta is optional per-connection metadata supplied at admission time.
// ClientIP drives the per-client limit; both fields are surfaced on the
// Entry for observability.
type Meta struct {
	ClientIP  string
	UserAgent string
}

// Entry is the registry's record of one admitted stream.
type Entry struct {
	Conn        Conn
	ConnectedAt time.Time
	ClientIP    string
	UserAgent   string
}

// LastActivity is the most recent instant the stream did useful work: its
// last successful send, or its admission time if nothing has been sent yet.
func (e *Entry) LastActivity() time.Time {
	if t := e.Conn.LastEventAt(); !t.IsZero() {
		return t
	}
	return e.ConnectedAt
}

// Config bounds the registry. Defaults load from the environment via
// envdecode tags.
type Config struct {
	// MaxConnections is the process-wide stream ceiling. ENV: SSE_MAX_CONNECTIONS
	MaxConnections int `env:"SSE_MAX_CONNECTIONS,default=1000"`
	// MaxPerClient caps concurrent streams per client IP. ENV: SSE_MAX_PER_CLIENT
	MaxPerClient int `env:"SSE_MAX_PER_CLIENT,default=16"`
	// InactiveTimeout is how long a stream may go without activity before the
	// sweep reclaims it. ENV: SSE_INACTIVE_TIMEOUT
	InactiveTimeout time.Duration `env:"SSE_INACTIVE_TIMEOUT,default=5m"`
	// SweepInterval is the reclamation period. ENV: SSE_SWEEP_INTERVAL
	SweepInterval time.Duration `env:"SSE_SWEEP_INTERVAL,default=30s"`
}

// ConfigFromEnv populates a Config from the environment, falling back to the
// tag defaults.
func ConfigFromEnv() Config {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return cfg
}

func (c *Config) applyDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1000
	}
	if c.MaxPerClient <= 0 {
		c.MaxPerClient = 16
	}
	if c.InactiveTimeout <= 0 {
		c.InactiveTimeout = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// Registry tracks every admitted stream. One mutex guards the entry map and
// the per-client counters; Add, Remove, Cleanup and the sweep goroutine all
// contend on it.
type Registry struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	entries   map[string]*Entry
	perClient map[string]int
	sweepStop chan struct{} // non-nil while the sweeper runs
	closed    bool
}

// NewRegistry constructs a registry with the given bounds. Zero-valued
// fields fall back to the same defaults the env tags declare.
func NewRegistry(cfg Config, log *slog.Logger) *Registry {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cfg:       cfg,
		log:       log,
		entries:   make(map[string]*Entry),
		perClient: make(map[string]int),
	}
}

// Add admits a stream. It fails with ErrDuplicateID, ErrGlobalLimit, or
// ErrPerClientLimit without side effects. On success the entry is stored,
// the client counter bumped, the sweeper started if this is the first
// connection, and the stream's close notification hooked for
// self-deregistration. Add never blocks.
func (r *Registry) Add(id string, conn Conn, meta *Meta) error {
	if conn == nil {
		return fmt.Errorf("nil connection for id %q", id)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("%w: registry is shut down", ErrGlobalLimit)
	}
	if _, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if len(r.entries) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d open", ErrGlobalLimit, r.cfg.MaxConnections)
	}

	entry := &Entry{Conn: conn, ConnectedAt: time.Now()}
	if meta != nil {
		entry.ClientIP = meta.ClientIP
		entry.UserAgent = meta.UserAgent
	}
	if entry.ClientIP != "" {
		if r.perClient[entry.ClientIP] >= r.cfg.MaxPerClient {
			r.mu.Unlock()
			return fmt.Errorf("%w: client %s has %d open", ErrPerClientLimit, entry.ClientIP, r.cfg.MaxPerClient)
		}
		r.perClient[entry.ClientIP]++
	}
	r.entries[id] = entry
	if len(r.entries) == 1 {
		r.startSweeperLocked()
	}
	total := len(r.entries)
	r.mu.Unlock()

	// Hook outside the lock: an already-closed conn may run the hook inline.
	conn.OnClose(func() { r.Remove(id) })

	r.log.Debug("registry.admit.ok", slog.String("conn_id", id), slog.Int("open", total))
	return nil
}

// Remove drops an entry. Unknown ids are a no-op, so the self-deregistration
// hook and explicit removal can race harmlessly. The sweeper stops when the
// registry drains; keeping a timer armed with nothing to reclaim is waste.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	if entry.ClientIP != "" {
		if n := r.perClient[entry.ClientIP] - 1; n > 0 {
			r.perClient[entry.ClientIP] = n
		} else {
			delete(r.perClient, entry.ClientIP)
		}
	}
	if len(r.entries) == 0 {
		r.stopSweeperLocked()
	}
	total := len(r.entries)
	r.mu.Unlock()

	r.log.Debug("registry.remove.ok", slog.String("conn_id", id), slog.Int("open", total))
}

// Cleanup reclaims every stream that has gone quiet past the inactivity
// timeout or reports itself unwritable. Closing is best-effort; a stream
// that errors on Close is removed regardless.
func (r *Registry) Cleanup() {
	now := time.Now()

	r.mu.Lock()
	type victim struct {
		id   string
		conn Conn
	}
	var victims []victim
	for id, e := range r.entries {
		if now.Sub(e.LastActivity()) > r.cfg.InactiveTimeout || !e.Conn.Writable() {
			victims = append(victims, victim{id, e.Conn})
		}
	}
	r.mu.Unlock()

	for _, v := range victims {
		if err := v.conn.Close(); err != nil {
			r.log.Debug("registry.reclaim.close_err", slog.String("conn_id", v.id), slog.String("err", err.Error()))
		}
		r.Remove(v.id)
		r.log.Info("registry.reclaim.ok", slog.String("conn_id", v.id))
	}
}

// Get returns the entry for id, if present.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// IDs returns a snapshot of all registered ids.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of open streams.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CountForClient returns the number of open streams held by one client IP.
func (r *Registry) CountForClient(ip string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.perClient[ip]
}

// Shutdown stops the sweeper, force-closes every stream best-effort, and
// clears all state. The registry rejects admissions afterwards. Intended for
// process teardown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.stopSweeperLocked()
	conns := make([]Conn, 0, len(r.entries))
	for _, e := range r.entries {
		conns = append(conns, e.Conn)
	}
	r.entries = make(map[string]*Entry)
	r.perClient = make(map[string]int)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	r.log.Info("registry.shutdown.ok", slog.Int("closed", len(conns)))
}

func (r *Registry) startSweeperLocked() {
	if r.sweepStop != nil {
		return
	}
	stop := make(chan struct{})
	r.sweepStop = stop
	go func() {
		t := time.NewTicker(r.cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				r.Cleanup()
			}
		}
	}()
}

func (r *Registry) stopSweeperLocked() {
	if r.sweepStop == nil {
		return
	}
	close(r.sweepStop)
	r.sweepStop = nil
}
