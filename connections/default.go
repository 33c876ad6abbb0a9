package connections

import "sync"

var (
	defaultMu  sync.Mutex
	defaultReg *Registry
)

// Default returns the shared process-wide registry, constructing it from the
// environment on first use. Production wiring should pass this instance to
// the transport layer explicitly; library code must not reach for it behind
// the caller's back.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultReg == nil {
		defaultReg = NewRegistry(ConfigFromEnv(), nil)
	}
	return defaultReg
}

// ResetDefault shuts down the current shared registry (stopping its sweeper
// and closing every stream) and discards it so the next Default call builds
// a fresh one. Only legal in tests; resetting under live traffic would
// orphan admission accounting.
func ResetDefault() {
	defaultMu.Lock()
	prev := defaultReg
	defaultReg = nil
	defaultMu.Unlock()
	if prev != nil {
		prev.Shutdown()
	}
}
