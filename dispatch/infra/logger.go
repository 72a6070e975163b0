package infra

import (
	"log"
	"sync"
)

// SinkFunc receives a log source tag ("timer", "pool", "dispatcher")
// and a rendered message.
type SinkFunc func(source, message string)

// LogRegistry is the sink-registration interface from spec.md §6: any
// number of sinks may be registered, and each source can be toggled on
// or off at runtime. It satisfies domain.Logger.
type LogRegistry struct {
	mu       sync.Mutex
	sinks    []SinkFunc
	disabled map[string]bool
}

// NewLogRegistry constructs an empty registry with every source
// enabled.
func NewLogRegistry() *LogRegistry {
	return &LogRegistry{disabled: make(map[string]bool)}
}

// RegisterSink adds fn to the set of sinks invoked by every Log call.
func (r *LogRegistry) RegisterSink(fn SinkFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, fn)
}

// SetSourceEnabled toggles delivery for one source ("timer", "pool",
// "dispatcher") at runtime.
func (r *LogRegistry) SetSourceEnabled(source string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[source] = !enabled
}

// Log implements domain.Logger.
func (r *LogRegistry) Log(source, message string) {
	r.mu.Lock()
	if r.disabled[source] {
		r.mu.Unlock()
		return
	}
	sinks := make([]SinkFunc, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.Unlock()

	for _, sink := range sinks {
		sink(source, message)
	}
}

// StdlibSink writes to the standard log package, the same way the
// teacher's cmd/gateway and cmd/example-server log everything via
// log.Printf rather than a structured logging library.
func StdlibSink(source, message string) {
	log.Printf("[%s] %s", source, message)
}

var (
	defaultRegistryOnce sync.Once
	defaultRegistry     *LogRegistry
)

// DefaultLogRegistry returns the process-wide registry, pre-registered
// with StdlibSink, constructed lazily on first use.
func DefaultLogRegistry() *LogRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewLogRegistry()
		defaultRegistry.RegisterSink(StdlibSink)
	})
	return defaultRegistry
}
