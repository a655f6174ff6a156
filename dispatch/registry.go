package dispatch

import (
	"fmt"

	"github.com/meridianhq/relay/msg"
)

// Registry resolves handlers by topic, case-sensitively. Register all
// handlers at startup, before any poller runs; the map is not guarded for
// concurrent mutation.
type Registry struct {
	handlers map[string]msg.Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]msg.Handler)}
}

// Register adds a handler for its topic. Registering a topic twice is a
// wiring bug and returns an error.
func (r *Registry) Register(h msg.Handler) error {
	topic := h.Topic()
	if topic == "" {
		return msg.Invalidf("handler topic must not be empty")
	}
	if _, exists := r.handlers[topic]; exists {
		return fmt.Errorf("handler already registered for topic %q", topic)
	}
	r.handlers[topic] = h
	return nil
}

// MustRegister panics on registration failure; for startup wiring.
func (r *Registry) MustRegister(h msg.Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Resolve returns the handler for topic, if any.
func (r *Registry) Resolve(topic string) (msg.Handler, bool) {
	h, ok := r.handlers[topic]
	return h, ok
}

// Topics lists the registered topics, for diagnostics.
func (r *Registry) Topics() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
